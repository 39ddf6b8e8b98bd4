package searchindex_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tlcfem/motion-base-go/internal/observability"
	"github.com/tlcfem/motion-base-go/internal/record"
	"github.com/tlcfem/motion-base-go/internal/searchindex"
)

// newTestIndex points an Index at an httptest server driven by handler,
// skipping the real index-exists/create round trip that Connect performs.
func newTestIndex(t *testing.T, handler http.HandlerFunc) (*searchindex.Index, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{server.URL}})
	require.NoError(t, err)

	idx := searchindex.NewForTesting(client, observability.NewMetricsForTesting())
	return idx, server
}

func TestBulkIndex_SendsNDJSON(t *testing.T) {
	var bodies []map[string]any
	idx, _ := newTestIndex(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/_bulk" {
			dec := json.NewDecoder(r.Body)
			for dec.More() {
				var line map[string]any
				require.NoError(t, dec.Decode(&line))
				bodies = append(bodies, line)
			}
			w.Write([]byte(`{"errors": false, "items": []}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	rec := record.Record{
		ID:        "rec-1",
		FileName:  "a.NS",
		Region:    record.RegionJapan,
		Magnitude: 7.1,
		EventTime: time.Date(2011, 3, 11, 14, 46, 0, 0, time.UTC),
	}

	err := idx.BulkIndex(context.Background(), []record.Record{rec})
	require.NoError(t, err)
	require.Len(t, bodies, 2)
	assert.Equal(t, "a.NS", bodies[1]["file_name"])
}

func TestBulkIndex_EmptyIsNoOp(t *testing.T) {
	called := false
	idx, _ := newTestIndex(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	err := idx.BulkIndex(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, called)
}

func TestSearch_ParsesHits(t *testing.T) {
	idx, _ := newTestIndex(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"hits": {
				"total": {"value": 2},
				"hits": [{"_id": "rec-1"}, {"_id": "rec-2"}]
			}
		}`))
	})

	ids, total, err := idx.Search(context.Background(), map[string]any{"query": map[string]any{"match_all": map[string]any{}}}, 0, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, []string{"rec-1", "rec-2"}, ids)
}

func TestMagnitudeHistogram_ParsesBuckets(t *testing.T) {
	idx, _ := newTestIndex(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"aggregations": {
				"buckets": {
					"buckets": [
						{"key": 6.0, "doc_count": 3},
						{"key": 7.0, "doc_count": 1}
					]
				}
			}
		}`))
	})

	hist, err := idx.MagnitudeHistogram(context.Background(), 1.0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), hist["6"])
	assert.Equal(t, int64(1), hist["7"])
}

func TestDelete_TreatsNotFoundAsSuccess(t *testing.T) {
	idx, _ := newTestIndex(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"found": false}`))
	})
	err := idx.Delete(context.Background(), "missing-id")
	assert.NoError(t, err)
}
