// Package record defines the canonical strong-motion record schema shared by
// both vendor regions, along with the UploadTask and User entities that
// travel alongside it through the rest of the service.
//
// # Regions
//
// The source carries a NIED/NZSM class hierarchy over a common Record type.
// Here that collapses to a single tagged struct with a Region discriminant;
// behavior differs only in which parser produced the record and in the
// Offset/ScaleFactor defaults applied at save time (see [NIEDDefaults] and
// [NZSMDefaults]). No runtime dispatch is required.
//
// # Identity
//
// A record's ID is the UUIDv5 of FileName⊕Region⊕Category⊕LastUpdateTime⊕Direction
// under the standard OID namespace, so re-ingesting the same physical file
// produces the same ID. See [Identity].
package record

import (
	"time"

	"github.com/google/uuid"
)

// namespaceOID is the standard UUID OID namespace (urn:uuid namespace for
// object identifiers), matching Python's uuid.NAMESPACE_OID.
var namespaceOID = uuid.MustParse("6ba7b812-9dad-11d1-80b4-00c04fd430c8")

// Region discriminates which vendor network a record originated from.
type Region string

const (
	RegionJapan      Region = "jp"
	RegionNewZealand Region = "nz"
)

// Category further qualifies a record within its region.
const (
	CategoryKNet      = "knt"
	CategoryKiKNet    = "kik"
	CategoryProcessed = "processed"
	CategoryRaw       = "unprocessed"
)

// Record is the canonical, single-collection schema across regions.
type Record struct {
	ID         string `bson:"_id" json:"id"`
	FileName   string `bson:"file_name" json:"file_name"`
	FileHash   string `bson:"file_hash" json:"file_hash"`
	Category   string `bson:"category" json:"category"`
	Region     Region `bson:"region" json:"region"`
	UploadedBy string `bson:"uploaded_by" json:"uploaded_by,omitempty"`

	Magnitude            float64 `bson:"magnitude" json:"magnitude"`
	MaximumAcceleration  float64 `bson:"maximum_acceleration" json:"maximum_acceleration"`

	EventTime      time.Time `bson:"event_time" json:"event_time"`
	RecordTime     time.Time `bson:"record_time,omitempty" json:"record_time,omitempty"`
	LastUpdateTime time.Time `bson:"last_update_time" json:"last_update_time"`

	// EventLocation and StationLocation are stored [lon, lat] per the
	// 2dsphere GeoJSON convention.
	EventLocation   [2]float64 `bson:"event_location" json:"event_location"`
	StationLocation [2]float64 `bson:"station_location" json:"station_location"`
	Depth           float64    `bson:"depth" json:"depth"`

	StationCode          string  `bson:"station_code" json:"station_code"`
	StationElevation     float64 `bson:"station_elevation" json:"station_elevation"`
	StationElevationUnit string  `bson:"station_elevation_unit" json:"station_elevation_unit"`

	SamplingFrequency     float64 `bson:"sampling_frequency" json:"sampling_frequency"`
	SamplingFrequencyUnit string  `bson:"sampling_frequency_unit" json:"sampling_frequency_unit"`
	Duration              float64 `bson:"duration" json:"duration"`
	Direction             string  `bson:"direction" json:"direction"`
	ScaleFactor           float64 `bson:"scale_factor" json:"scale_factor"`

	RawData     []int64 `bson:"raw_data" json:"raw_data,omitempty"`
	RawDataUnit string  `bson:"raw_data_unit" json:"raw_data_unit"`
	Offset      float64 `bson:"offset" json:"offset"`
}

// NIEDDefaults applies the NIED-specific save-time defaults: offset is the
// negative mean of the raw samples, since K-NET/KiK-net streams ride on a
// DC bias that must be removed before scaling to physical units.
func NIEDDefaults(r *Record) {
	r.Region = RegionJapan
	if len(r.RawData) == 0 {
		r.Offset = 0
		return
	}
	var sum int64
	for _, v := range r.RawData {
		sum += v
	}
	r.Offset = -float64(sum) / float64(len(r.RawData))
}

// nzsmFTI is the fixed-point scale factor (FTI) NZSM raw samples are stored
// under: physical_value = raw_data / FTI (ScaleFactor is 1/FTI).
const nzsmFTI = 100000.0

// NZSMDefaults applies the NZSM-specific save-time defaults.
func NZSMDefaults(r *Record) {
	r.Region = RegionNewZealand
	r.ScaleFactor = 1.0 / nzsmFTI
	r.SamplingFrequencyUnit = "Hz"
	r.RawDataUnit = "mm/s/s"
	r.Offset = 0
}

// Identity computes the deterministic record ID from the fields whose
// combination uniquely determines a physical channel recording.
func Identity(fileName string, region Region, category string, lastUpdate time.Time, direction string) string {
	token := fileName
	if region != "" {
		token += string(region)
	}
	if category != "" {
		token += category
	}
	if !lastUpdate.IsZero() {
		token += lastUpdate.UTC().Format(time.RFC3339)
	}
	if direction != "" {
		token += direction
	}
	return uuid.NewSHA1(namespaceOID, []byte(token)).String()
}

// Finalize assigns the record's deterministic ID. Call once all identity
// fields (FileName, Region, Category, LastUpdateTime, Direction) are set.
func (r *Record) Finalize() {
	r.ID = Identity(r.FileName, r.Region, r.Category, r.LastUpdateTime, r.Direction)
}

// WrapLongitude folds a longitude value into [-180, 180].
func WrapLongitude(lon float64) float64 {
	for lon > 180.0 {
		lon -= 360.0
	}
	for lon < -180.0 {
		lon += 360.0
	}
	return lon
}
