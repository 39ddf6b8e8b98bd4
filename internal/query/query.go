// Package query translates the service's record-search request shape into
// the filter representations each backing store understands: a Mongo
// filter document for [internal/store] and an Elasticsearch query body for
// [internal/searchindex].
package query

import (
	"fmt"
	"strings"
)

// earthRadiusMeters is used to convert a $centerSphere search radius (which
// Mongo expects in radians) from the kilometre value callers supply.
const earthRadiusMeters = 6378100.0

// defaultRadiusKm is applied when a geo filter omits an explicit radius.
const defaultRadiusKm = 100.0

// sortableFields enumerates the record fields a result set may be sorted
// by; a leading '-' on the token requests descending order.
var sortableFields = map[string]bool{
	"magnitude":            true,
	"maximum_acceleration": true,
	"event_time":           true,
	"depth":                true,
}

// Pagination bounds an offset/limit result window. Mongo's default driver
// wire protocol tops out a practical cursor scan well below this, so the
// service caps combined offset+size at 10,000 matching hits, consistent
// with Elasticsearch's default max_result_window.
type Pagination struct {
	Offset int
	Size   int
}

const maxTotalHits = 10000

// Normalize applies the service defaults (offset 0, size 20) and rejects a
// window that would walk past the maximum result window.
func (p Pagination) Normalize() (Pagination, error) {
	out := p
	if out.Size <= 0 {
		out.Size = 20
	}
	if out.Offset < 0 {
		out.Offset = 0
	}
	if out.Offset+out.Size > maxTotalHits {
		return Pagination{}, fmt.Errorf("query: offset+size exceeds the maximum result window of %d", maxTotalHits)
	}
	return out, nil
}

// GeoFilter restricts results to within RadiusKm of (Lon, Lat).
type GeoFilter struct {
	Lon, Lat float64
	RadiusKm float64
}

func (g GeoFilter) radiusKm() float64 {
	if g.RadiusKm <= 0 {
		return defaultRadiusKm
	}
	return g.RadiusKm
}

// Config is the service's record-search request shape: typed field
// comparisons, a free-text match against file_name, an optional geo
// restriction on either event or station location, and a sort/pagination
// spec.
type Config struct {
	Region   string
	Category string
	Direction string

	MinMagnitude, MaxMagnitude                     *float64
	MinAcceleration, MaxAcceleration                *float64
	StartTime, EndTime                             string // RFC3339, empty means unbounded

	FileNameContains string

	EventGeo   *GeoFilter
	StationGeo *GeoFilter

	Sort       string // e.g. "-magnitude"; empty means unsorted
	Pagination Pagination
}

// ParseSort validates a sort token against the allowed field set, returning
// the bare field name and whether the order is descending.
func ParseSort(token string) (field string, descending bool, err error) {
	if token == "" {
		return "", false, nil
	}
	descending = strings.HasPrefix(token, "-")
	field = strings.TrimPrefix(token, "-")
	if !sortableFields[field] {
		return "", false, fmt.Errorf("query: field %q is not sortable", field)
	}
	return field, descending, nil
}

// ToMongoFilter builds the BSON filter document (as a plain map so callers
// don't need the mongo-driver bson.D import just to construct a query) for
// cfg.
func (cfg Config) ToMongoFilter() (map[string]any, error) {
	filter := map[string]any{}

	if cfg.Region != "" {
		filter["region"] = cfg.Region
	}
	if cfg.Category != "" {
		filter["category"] = cfg.Category
	}
	if cfg.Direction != "" {
		filter["direction"] = cfg.Direction
	}

	if r := rangeFilter(cfg.MinMagnitude, cfg.MaxMagnitude); r != nil {
		filter["magnitude"] = r
	}
	if r := rangeFilter(cfg.MinAcceleration, cfg.MaxAcceleration); r != nil {
		filter["maximum_acceleration"] = r
	}
	if cfg.StartTime != "" || cfg.EndTime != "" {
		timeRange := map[string]any{}
		if cfg.StartTime != "" {
			timeRange["$gte"] = cfg.StartTime
		}
		if cfg.EndTime != "" {
			timeRange["$lte"] = cfg.EndTime
		}
		filter["event_time"] = timeRange
	}

	if cfg.FileNameContains != "" {
		filter["file_name"] = map[string]any{
			"$regex":   cfg.FileNameContains,
			"$options": "i",
		}
	}

	if cfg.EventGeo != nil {
		filter["event_location"] = geoWithin(*cfg.EventGeo)
	}
	if cfg.StationGeo != nil {
		filter["station_location"] = geoWithin(*cfg.StationGeo)
	}

	if _, _, err := ParseSort(cfg.Sort); err != nil {
		return nil, err
	}

	return filter, nil
}

func rangeFilter(min, max *float64) map[string]any {
	if min == nil && max == nil {
		return nil
	}
	r := map[string]any{}
	if min != nil {
		r["$gte"] = *min
	}
	if max != nil {
		r["$lte"] = *max
	}
	return r
}

func geoWithin(g GeoFilter) map[string]any {
	radiusRadians := (g.radiusKm() * 1000) / earthRadiusMeters
	return map[string]any{
		"$geoWithin": map[string]any{
			"$centerSphere": []any{[2]float64{g.Lon, g.Lat}, radiusRadians},
		},
	}
}

// ToElasticQuery builds a bool.must Elasticsearch query body equivalent to
// cfg, for the search index's free-text/aggregation path.
func (cfg Config) ToElasticQuery() (map[string]any, error) {
	var must []map[string]any

	if cfg.Region != "" {
		must = append(must, map[string]any{"match": map[string]any{"region": cfg.Region}})
	}
	if cfg.Category != "" {
		must = append(must, map[string]any{"match": map[string]any{"category": cfg.Category}})
	}
	if cfg.Direction != "" {
		must = append(must, map[string]any{"match": map[string]any{"direction": cfg.Direction}})
	}
	if cfg.FileNameContains != "" {
		must = append(must, map[string]any{"regexp": map[string]any{
			"file_name": map[string]any{"value": ".*" + cfg.FileNameContains + ".*", "case_insensitive": true},
		}})
	}
	if r := elasticRange("magnitude", cfg.MinMagnitude, cfg.MaxMagnitude); r != nil {
		must = append(must, r)
	}
	if r := elasticRange("maximum_acceleration", cfg.MinAcceleration, cfg.MaxAcceleration); r != nil {
		must = append(must, r)
	}
	if cfg.StartTime != "" || cfg.EndTime != "" {
		timeRange := map[string]any{}
		if cfg.StartTime != "" {
			timeRange["gte"] = cfg.StartTime
		}
		if cfg.EndTime != "" {
			timeRange["lte"] = cfg.EndTime
		}
		must = append(must, map[string]any{"range": map[string]any{"event_time": timeRange}})
	}
	if cfg.EventGeo != nil {
		must = append(must, elasticGeoDistance("event_location", *cfg.EventGeo))
	}
	if cfg.StationGeo != nil {
		must = append(must, elasticGeoDistance("station_location", *cfg.StationGeo))
	}

	if _, _, err := ParseSort(cfg.Sort); err != nil {
		return nil, err
	}

	body := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{"must": must},
		},
	}
	if cfg.Sort != "" {
		field, desc, _ := ParseSort(cfg.Sort)
		order := "asc"
		if desc {
			order = "desc"
		}
		body["sort"] = []map[string]any{{field: map[string]any{"order": order}}}
	}
	return body, nil
}

func elasticRange(field string, min, max *float64) map[string]any {
	if min == nil && max == nil {
		return nil
	}
	r := map[string]any{}
	if min != nil {
		r["gte"] = *min
	}
	if max != nil {
		r["lte"] = *max
	}
	return map[string]any{"range": map[string]any{field: r}}
}

func elasticGeoDistance(field string, g GeoFilter) map[string]any {
	return map[string]any{
		"geo_distance": map[string]any{
			"distance": fmt.Sprintf("%gkm", g.radiusKm()),
			field:      map[string]any{"lat": g.Lat, "lon": g.Lon},
		},
	}
}
