package parser

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/tlcfem/motion-base-go/internal/record"
)

// nzsmFTI is the fixed-point scale GeoNet encodes acceleration samples
// under before the record-level ScaleFactor (1/FTI) converts back.
const nzsmFTI = 100000.0

// nzsmValuesPerLine is the vendor's fixed column count for both the integer
// header block and the per-sample trace blocks.
const nzsmValuesPerLine = 10

// sentinel record-time tuples the vendor emits when no correction time was
// recorded; either must be treated as "absent", not persisted.
var nzsmSentinelTimes = [][6]int{
	{1970, 1, 1, 0, 0, -1},
	{0, 0, 0, 0, 0, 0},
}

// aucklandLocation is the IANA zone the vendor's "PROCESSED" correction date
// on the free-text header is recorded in.
var aucklandLocation = mustLoadLocation("Pacific/Auckland")

// ValidateNZSMFile rejects names that aren't a V1A/V2A GeoNet trace or one
// of its supported archive containers.
func ValidateNZSMFile(name string) error {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".zip"),
		strings.HasSuffix(lower, ".v1a"), strings.HasSuffix(lower, ".v2a"):
		return nil
	default:
		return fmt.Errorf("parser: unsupported NZSM file name %q", name)
	}
}

// ParseNZSMArchive dispatches to the tar.gz or zip walker by the archive's
// suffix and parses every member inside it; a bare .v1a/.v2a file is parsed
// directly as a single entry.
func ParseNZSMArchive(data []byte, archiveName, userID string, progress ProgressFunc, logger *slog.Logger) []record.Record {
	lower := strings.ToLower(archiveName)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"):
		return parseNZSMTarGz(data, archiveName, userID, progress, logger)
	case strings.HasSuffix(lower, ".zip"):
		return parseNZSMZip(data, archiveName, userID, progress, logger)
	case strings.HasSuffix(lower, ".v1a"), strings.HasSuffix(lower, ".v2a"):
		recs, err := ParseNZSMFile(data)
		if err != nil {
			logger.Error("failed to parse NZSM file", "file_name", archiveName, "error", err)
			return nil
		}
		for i := range recs {
			recs[i].UploadedBy = userID
			recs[i].FileName = path.Base(archiveName)
			recs[i].Category = record.CategoryProcessed
			record.NZSMDefaults(&recs[i])
			recs[i].Finalize()
		}
		if progress != nil {
			progress(1, 1)
		}
		return recs
	default:
		logger.Error("unsupported NZSM file name", "archive", archiveName)
		return nil
	}
}

func parseNZSMTarGz(data []byte, archiveName, userID string, progress ProgressFunc, logger *slog.Logger) []record.Record {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		logger.Error("failed to open NZSM archive", "archive", archiveName, "error", err)
		return nil
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var out []record.Record
	var entries [][]byte
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Error("truncated NZSM archive", "archive", archiveName, "error", err)
			break
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		content, readErr := io.ReadAll(tr)
		if readErr != nil {
			logger.Error("failed to read NZSM entry", "file_name", hdr.Name, "error", readErr)
			continue
		}
		entries = append(entries, content)
		names = append(names, hdr.Name)
	}

	for i, content := range entries {
		if progress != nil {
			progress(i+1, len(entries))
		}
		recs, err := ParseNZSMFile(content)
		if err != nil {
			logger.Error("failed to parse NZSM entry", "file_name", names[i], "error", err)
			continue
		}
		for j := range recs {
			recs[j].UploadedBy = userID
			recs[j].FileName = path.Base(names[i])
			recs[j].Category = record.CategoryProcessed
			record.NZSMDefaults(&recs[j])
			recs[j].Finalize()
		}
		out = append(out, recs...)
	}
	return out
}

func parseNZSMZip(data []byte, archiveName, userID string, progress ProgressFunc, logger *slog.Logger) []record.Record {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		logger.Error("failed to open NZSM archive", "archive", archiveName, "error", err)
		return nil
	}

	var out []record.Record
	for i, f := range zr.File {
		if progress != nil {
			progress(i+1, len(zr.File))
		}
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			logger.Error("failed to open NZSM entry", "file_name", f.Name, "error", err)
			continue
		}
		content, readErr := io.ReadAll(rc)
		rc.Close()
		if readErr != nil {
			logger.Error("failed to read NZSM entry", "file_name", f.Name, "error", readErr)
			continue
		}

		recs, err := ParseNZSMFile(content)
		if err != nil {
			logger.Error("failed to parse NZSM entry", "file_name", f.Name, "error", err)
			continue
		}
		for j := range recs {
			recs[j].UploadedBy = userID
			recs[j].FileName = path.Base(f.Name)
			recs[j].Category = record.CategoryProcessed
			record.NZSMDefaults(&recs[j])
			recs[j].Finalize()
		}
		out = append(out, recs...)
	}
	return out
}

// ParseNZSMFile decodes a single GeoNet V1A/V2A text file. Each file packs
// one, two, or three components back to back, each with its own 26-line
// header; the component count is the total line count divided by the
// per-component block size (see splitNZSMComponents).
func ParseNZSMFile(content []byte) ([]record.Record, error) {
	text := strings.ReplaceAll(string(content), "\r\n", "\n")
	lines := strings.Split(text, "\n")

	blocks, err := splitNZSMComponents(lines)
	if err != nil {
		return nil, err
	}

	records := make([]record.Record, 0, len(blocks))
	for _, block := range blocks {
		rec, err := parseNZSMComponent(block)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// splitNZSMComponents partitions the file's lines into 1-3 equal component
// blocks. Each component carries the same 26-line fixed header (16 text +
// 40 ints across lines 16-19 + 60 floats across lines 20-25) followed by
// acceleration/velocity/displacement trace blocks whose line counts are
// each ceil(sample_count/10); the total line count must therefore be an
// exact multiple of the per-component block size, and since int_header[33]
// at a fixed offset reports the acceleration sample count identically
// across all components of one file, the block size is taken from the
// first component's header rather than re-parsing headers mid-scan.
func splitNZSMComponents(lines []string) ([][]string, error) {
	if len(lines) < 26 {
		return nil, fmt.Errorf("parser: NZSM file too short, need at least 26 header lines")
	}

	intHeader, err := parseNZSMIntHeader(lines)
	if err != nil {
		return nil, err
	}

	sampleCount := intHeader[33]
	tracesLines := 3 * ceilDiv(sampleCount, nzsmValuesPerLine)
	blockSize := 26 + tracesLines

	total := len(lines)
	// Drop a single trailing blank line some files carry.
	if total > 0 && strings.TrimSpace(lines[total-1]) == "" {
		total--
	}

	if blockSize == 0 || total%blockSize != 0 {
		return nil, fmt.Errorf("parser: NZSM line count %d is not a multiple of component block size %d", total, blockSize)
	}

	componentCount := total / blockSize
	if componentCount < 1 || componentCount > 3 {
		return nil, fmt.Errorf("parser: NZSM file implies %d components, expected 1-3", componentCount)
	}

	blocks := make([][]string, componentCount)
	for i := 0; i < componentCount; i++ {
		blocks[i] = lines[i*blockSize : (i+1)*blockSize]
	}
	return blocks, nil
}

func ceilDiv(a, b int) int {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// parseNZSMIntHeader reads the 40 fixed-width (8-char) integers spanning
// lines 16-19 (0-indexed).
func parseNZSMIntHeader(lines []string) ([]int, error) {
	values := make([]int, 0, 40)
	for li := 16; li <= 19; li++ {
		for _, field := range SplitFixedWidth(lines[li], 8) {
			trimmed := strings.TrimSpace(field)
			if trimmed == "" {
				continue
			}
			v, err := strconv.Atoi(trimmed)
			if err != nil {
				return nil, fmt.Errorf("parser: bad NZSM int header field %q: %w", field, err)
			}
			values = append(values, v)
		}
	}
	if len(values) < 40 {
		return nil, fmt.Errorf("parser: NZSM int header has %d fields, want 40", len(values))
	}
	return values[:40], nil
}

// parseNZSMFloatHeader reads the 60 fixed-width (8-char) floats spanning
// lines 20-25 (0-indexed).
func parseNZSMFloatHeader(lines []string) ([]float64, error) {
	values := make([]float64, 0, 60)
	for li := 20; li <= 25; li++ {
		for _, field := range SplitFixedWidth(lines[li], 8) {
			trimmed := strings.TrimSpace(field)
			if trimmed == "" {
				continue
			}
			v, err := strconv.ParseFloat(trimmed, 64)
			if err != nil {
				return nil, fmt.Errorf("parser: bad NZSM float header field %q: %w", field, err)
			}
			values = append(values, v)
		}
	}
	if len(values) < 60 {
		return nil, fmt.Errorf("parser: NZSM float header has %d fields, want 60", len(values))
	}
	return values[:60], nil
}

func parseNZSMComponent(lines []string) (record.Record, error) {
	var rec record.Record
	rec.FileHash = HashLines(lines)

	intHeader, err := parseNZSMIntHeader(lines)
	if err != nil {
		return record.Record{}, err
	}
	floatHeader, err := parseNZSMFloatHeader(lines)
	if err != nil {
		return record.Record{}, err
	}

	// line 12 (0-indexed) carries "<station> <direction>"; the direction
	// token is upper-cased but NOT hyphen-stripped, unlike NIED's channel
	// labels, since GeoNet direction tokens ("N75W" and similar) are
	// meaningful strings rather than compass-pair abbreviations.
	fields := strings.Fields(lines[12])
	if len(fields) < 2 {
		return record.Record{}, fmt.Errorf("parser: NZSM line 13 missing station/direction: %q", lines[12])
	}
	rec.StationCode = fields[0]
	rec.Direction = strings.ToUpper(fields[1])

	eventYear := intHeader[0]
	eventMonth := intHeader[1]
	eventDay := intHeader[2]
	eventHour := intHeader[3]
	eventMinute := intHeader[4]
	eventSecond := intHeader[5] / 10
	if eventYear > 0 {
		rec.EventTime = time.Date(eventYear, time.Month(eventMonth), eventDay, eventHour, eventMinute, eventSecond, 0, time.UTC)
	}

	recordTuple := [6]int{intHeader[8], intHeader[9], intHeader[18], intHeader[19], intHeader[38], intHeader[39] / 1000}
	if !isSentinelNZSMTime(recordTuple) {
		rec.RecordTime = time.Date(recordTuple[0], time.Month(recordTuple[1]), recordTuple[2],
			recordTuple[3], recordTuple[4], recordTuple[5], 0, time.UTC)
	}

	// Southern-hemisphere convention: the vendor stores unsigned
	// magnitudes for latitude, always south.
	eventLat := -floatHeader[12]
	eventLon := floatHeader[13]
	rec.EventLocation = [2]float64{record.WrapLongitude(eventLon), eventLat}
	rec.Depth = float64(intHeader[16])

	stationLat := -floatHeader[10]
	stationLon := floatHeader[11]
	rec.StationLocation = [2]float64{record.WrapLongitude(stationLon), stationLat}

	if floatHeader[14] > 0 {
		rec.Magnitude = floatHeader[14]
	} else {
		rec.Magnitude = floatHeader[16]
	}

	samplingRate := 0.0
	if floatHeader[7] != 0 {
		samplingRate = 1.0 / floatHeader[7]
	}
	rec.SamplingFrequency = samplingRate
	rec.SamplingFrequencyUnit = "Hz"
	rec.Duration = floatHeader[23]
	rec.LastUpdateTime = parseNZSMLastUpdate(lines)

	sampleCount := intHeader[33]
	accelerationLines := ceilDiv(sampleCount, nzsmValuesPerLine)
	traceStart := 26
	traceLines := lines[traceStart : traceStart+accelerationLines]

	raw := make([]int64, 0, sampleCount)
	for _, line := range traceLines {
		for _, tok := range strings.Fields(line) {
			v, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				continue
			}
			raw = append(raw, int64(math.Round(nzsmFTI*v*floatHeader[7])))
		}
	}
	rec.RawData = raw
	if len(raw) > 0 {
		var maxAbs int64
		for _, v := range raw {
			a := v
			if a < 0 {
				a = -a
			}
			if a > maxAbs {
				maxAbs = a
			}
		}
		rec.MaximumAcceleration = float64(maxAbs) / nzsmFTI
	}

	return rec, nil
}

// parseNZSMLastUpdate extracts the vendor's last-correction date from the
// free-text header line carrying "...PROCESSED <year> <month name> <day>",
// e.g. "PROCESSED 2006 January 15". Returns the zero Time if the line
// carries no such marker; month name casing varies by vendor export, so
// it's matched case-insensitively rather than via a fixed time.Parse layout.
func parseNZSMLastUpdate(lines []string) time.Time {
	upper := strings.ToUpper(lines[5])
	idx := strings.Index(upper, "PROCESSED")
	if idx < 0 {
		return time.Time{}
	}
	fields := strings.Fields(lines[5][idx+len("PROCESSED"):])
	if len(fields) != 3 {
		return time.Time{}
	}
	year, err := strconv.Atoi(fields[0])
	if err != nil {
		return time.Time{}
	}
	day, err := strconv.Atoi(fields[2])
	if err != nil {
		return time.Time{}
	}
	month := time.Month(0)
	for m := time.January; m <= time.December; m++ {
		if strings.EqualFold(m.String(), fields[1]) {
			month = m
			break
		}
	}
	if month == 0 {
		return time.Time{}
	}
	return time.Date(year, month, day, 0, 0, 0, 0, aucklandLocation)
}

func isSentinelNZSMTime(t [6]int) bool {
	for _, sentinel := range nzsmSentinelTimes {
		if t == sentinel {
			return true
		}
	}
	return false
}
