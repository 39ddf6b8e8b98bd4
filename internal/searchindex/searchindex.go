// Package searchindex mirrors stored records into Elasticsearch, backing
// the service's free-text search and magnitude/PGA histogram aggregations.
// MongoDB (see [internal/store]) remains the system of record; the index
// is a derived, rebuildable projection.
package searchindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/tlcfem/motion-base-go/internal/observability"
	"github.com/tlcfem/motion-base-go/internal/record"
)

const indexName = "motion-base-records"

// indexMapping declares the fields the service filters, sorts, or
// aggregates on; everything else is dynamically mapped.
const indexMapping = `{
  "mappings": {
    "properties": {
      "file_name":            {"type": "text"},
      "category":             {"type": "keyword"},
      "region":               {"type": "keyword"},
      "direction":            {"type": "keyword"},
      "station_code":         {"type": "keyword"},
      "magnitude":            {"type": "float"},
      "maximum_acceleration": {"type": "float"},
      "depth":                {"type": "float"},
      "event_time":           {"type": "date"},
      "event_location":       {"type": "geo_point"},
      "station_location":     {"type": "geo_point"}
    }
  }
}`

// Index wraps an Elasticsearch client scoped to the service's record index.
type Index struct {
	client  *elasticsearch.Client
	metrics *observability.Metrics
}

// Connect builds an Elasticsearch client pointed at addr and ensures the
// index mapping exists.
func Connect(ctx context.Context, addr string, metrics *observability.Metrics) (*Index, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{addr}})
	if err != nil {
		return nil, fmt.Errorf("searchindex: new client: %w", err)
	}
	idx := &Index{client: client, metrics: metrics}
	if err := idx.ensureIndex(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

// NewForTesting wraps an already-configured client without touching index
// mappings, so tests can point it at an httptest server.
func NewForTesting(client *elasticsearch.Client, metrics *observability.Metrics) *Index {
	return &Index{client: client, metrics: metrics}
}

func (idx *Index) ensureIndex(ctx context.Context) error {
	exists, err := esapi.IndicesExistsRequest{Index: []string{indexName}}.Do(ctx, idx.client)
	if err != nil {
		return fmt.Errorf("searchindex: check index exists: %w", err)
	}
	defer exists.Body.Close()
	if exists.StatusCode == 200 {
		return nil
	}

	resp, err := esapi.IndicesCreateRequest{
		Index: indexName,
		Body:  strings.NewReader(indexMapping),
	}.Do(ctx, idx.client)
	if err != nil {
		return fmt.Errorf("searchindex: create index: %w", err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return fmt.Errorf("searchindex: create index: %s", resp.String())
	}
	return nil
}

// recordDocument is the Elasticsearch projection of a record: geo_point
// fields need an {lat, lon} object, unlike Mongo's [lon, lat] GeoJSON pair.
type recordDocument struct {
	ID                  string    `json:"id"`
	FileName            string    `json:"file_name"`
	Category            string    `json:"category"`
	Region              string    `json:"region"`
	Direction           string    `json:"direction"`
	StationCode         string    `json:"station_code"`
	Magnitude           float64   `json:"magnitude"`
	MaximumAcceleration float64   `json:"maximum_acceleration"`
	Depth               float64   `json:"depth"`
	EventTime           time.Time `json:"event_time"`
	EventLocation       geoPoint  `json:"event_location"`
	StationLocation     geoPoint  `json:"station_location"`
}

type geoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func toDocument(rec record.Record) recordDocument {
	return recordDocument{
		ID:                  rec.ID,
		FileName:            rec.FileName,
		Category:            rec.Category,
		Region:              string(rec.Region),
		Direction:           rec.Direction,
		StationCode:         rec.StationCode,
		Magnitude:           rec.Magnitude,
		MaximumAcceleration: rec.MaximumAcceleration,
		Depth:               rec.Depth,
		EventTime:           rec.EventTime,
		EventLocation:       geoPoint{Lat: rec.EventLocation[1], Lon: rec.EventLocation[0]},
		StationLocation:     geoPoint{Lat: rec.StationLocation[1], Lon: rec.StationLocation[0]},
	}
}

// BulkIndex upserts records into the search index using the bulk API's
// newline-delimited JSON action/document pairs.
func (idx *Index) BulkIndex(ctx context.Context, records []record.Record) error {
	if len(records) == 0 {
		return nil
	}
	start := time.Now()
	defer idx.observe("bulk_index", start)

	var buf bytes.Buffer
	for _, rec := range records {
		action := map[string]any{"index": map[string]any{"_index": indexName, "_id": rec.ID}}
		actionLine, err := json.Marshal(action)
		if err != nil {
			return fmt.Errorf("searchindex: marshal bulk action: %w", err)
		}
		docLine, err := json.Marshal(toDocument(rec))
		if err != nil {
			return fmt.Errorf("searchindex: marshal document: %w", err)
		}
		buf.Write(actionLine)
		buf.WriteByte('\n')
		buf.Write(docLine)
		buf.WriteByte('\n')
	}

	resp, err := esapi.BulkRequest{Body: &buf}.Do(ctx, idx.client)
	if err != nil {
		return fmt.Errorf("searchindex: bulk request: %w", err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return fmt.Errorf("searchindex: bulk request: %s", resp.String())
	}
	return nil
}

// Search executes body (built by [query.Config.ToElasticQuery]) and returns
// the matching record ids in ranked order.
func (idx *Index) Search(ctx context.Context, body map[string]any, from, size int) ([]string, int64, error) {
	start := time.Now()
	defer idx.observe("search", start)

	body["from"] = from
	body["size"] = size

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, 0, fmt.Errorf("searchindex: encode search body: %w", err)
	}

	resp, err := esapi.SearchRequest{
		Index: []string{indexName},
		Body:  &buf,
	}.Do(ctx, idx.client)
	if err != nil {
		return nil, 0, fmt.Errorf("searchindex: search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return nil, 0, fmt.Errorf("searchindex: search request: %s", resp.String())
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, 0, fmt.Errorf("searchindex: decode search response: %w", err)
	}

	ids := make([]string, len(parsed.Hits.Hits))
	for i, hit := range parsed.Hits.Hits {
		ids[i] = hit.ID
	}
	return ids, parsed.Hits.Total.Value, nil
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID string `json:"_id"`
		} `json:"hits"`
	} `json:"hits"`
}

// MagnitudeHistogram returns a magnitude distribution histogram with the
// given bucket width, for the /stats endpoint.
func (idx *Index) MagnitudeHistogram(ctx context.Context, interval float64) (map[string]int64, error) {
	return idx.histogram(ctx, "magnitude", interval)
}

// AccelerationHistogram returns a peak-acceleration distribution histogram
// with the given bucket width, for the /stats endpoint.
func (idx *Index) AccelerationHistogram(ctx context.Context, interval float64) (map[string]int64, error) {
	return idx.histogram(ctx, "maximum_acceleration", interval)
}

func (idx *Index) histogram(ctx context.Context, field string, interval float64) (map[string]int64, error) {
	start := time.Now()
	defer idx.observe("aggregate", start)

	body := map[string]any{
		"size": 0,
		"aggs": map[string]any{
			"buckets": map[string]any{
				"histogram": map[string]any{
					"field":    field,
					"interval": interval,
				},
			},
		},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("searchindex: encode aggregate body: %w", err)
	}

	resp, err := esapi.SearchRequest{Index: []string{indexName}, Body: &buf}.Do(ctx, idx.client)
	if err != nil {
		return nil, fmt.Errorf("searchindex: aggregate request: %w", err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return nil, fmt.Errorf("searchindex: aggregate request: %s", resp.String())
	}

	var parsed aggregateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("searchindex: decode aggregate response: %w", err)
	}

	out := make(map[string]int64, len(parsed.Aggregations.Buckets.Buckets))
	for _, b := range parsed.Aggregations.Buckets.Buckets {
		out[fmt.Sprintf("%g", b.Key)] = b.DocCount
	}
	return out, nil
}

type aggregateResponse struct {
	Aggregations struct {
		Buckets struct {
			Buckets []struct {
				Key      float64 `json:"key"`
				DocCount int64   `json:"doc_count"`
			} `json:"buckets"`
		} `json:"buckets"`
	} `json:"aggregations"`
}

// Delete removes a record from the index. Unlike the store, a missing
// document is not an error: the index is a derived projection that may
// lag or have already been pruned.
func (idx *Index) Delete(ctx context.Context, id string) error {
	start := time.Now()
	defer idx.observe("delete", start)

	resp, err := esapi.DeleteRequest{Index: indexName, DocumentID: id}.Do(ctx, idx.client)
	if err != nil {
		return fmt.Errorf("searchindex: delete: %w", err)
	}
	defer resp.Body.Close()
	if resp.IsError() && resp.StatusCode != 404 {
		return fmt.Errorf("searchindex: delete: %s", resp.String())
	}
	return nil
}

func (idx *Index) observe(operation string, start time.Time) {
	if idx.metrics == nil {
		return
	}
	idx.metrics.ElasticOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
