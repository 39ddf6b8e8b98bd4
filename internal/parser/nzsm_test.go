package parser_test

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tlcfem/motion-base-go/internal/parser"
)

// fixedWidthInt formats n right-justified in an 8-character field, matching
// the vendor's integer header column width.
func fixedWidthInt(n int) string {
	return fmt.Sprintf("%8d", n)
}

func fixedWidthFloat(f float64) string {
	return fmt.Sprintf("%8.3f", f)
}

// buildNZSMComponent builds one single-component V1A-style text block with
// sampleCount synthetic acceleration samples.
func buildNZSMComponent(sampleCount int, stationCode, direction string) string {
	var b strings.Builder
	for i := 0; i < 12; i++ {
		b.WriteString(fmt.Sprintf("header line %d\n", i))
	}
	b.WriteString(stationCode + " " + direction + "\n")
	for i := 13; i < 16; i++ {
		b.WriteString(fmt.Sprintf("header line %d\n", i))
	}

	ints := make([]int, 40)
	ints[0], ints[1], ints[2], ints[3], ints[4], ints[5] = 2011, 2, 22, 1, 51, 300 // second-tenths -> second 30
	ints[16] = 12 // depth (km)
	ints[33] = sampleCount
	// record time left zeroed -> sentinel (0,0,0,0,0,0), skipped.
	for li := 0; li < 4; li++ {
		var line strings.Builder
		for c := 0; c < 10; c++ {
			line.WriteString(fixedWidthInt(ints[li*10+c]))
		}
		b.WriteString(line.String())
		b.WriteByte('\n')
	}

	floats := make([]float64, 60)
	floats[7] = 0.01   // dt seconds
	floats[10] = 43.5  // station lat magnitude (south)
	floats[11] = 172.7 // station lon
	floats[12] = 43.6  // event lat magnitude (south)
	floats[13] = 172.8 // event lon
	floats[14] = 6.1   // magnitude
	floats[23] = 45.5  // duration seconds
	for li := 0; li < 6; li++ {
		var line strings.Builder
		for c := 0; c < 10; c++ {
			line.WriteString(fixedWidthFloat(floats[li*10+c]))
		}
		b.WriteString(line.String())
		b.WriteByte('\n')
	}

	accelLines := (sampleCount + 9) / 10
	traceLine := func() string {
		var line strings.Builder
		for c := 0; c < 10; c++ {
			line.WriteString(fmt.Sprintf("%8.4f", 0.001*float64(c+1)))
		}
		return line.String()
	}
	for i := 0; i < 3*accelLines; i++ {
		b.WriteString(traceLine())
		b.WriteByte('\n')
	}

	return b.String()
}

func TestValidateNZSMFile(t *testing.T) {
	assert.NoError(t, parser.ValidateNZSMFile("20110222.v1a"))
	assert.NoError(t, parser.ValidateNZSMFile("20110222.V2A"))
	assert.NoError(t, parser.ValidateNZSMFile("records.zip"))
	assert.NoError(t, parser.ValidateNZSMFile("records.tar.gz"))
	assert.Error(t, parser.ValidateNZSMFile("records.rar"))
}

func TestParseNZSMFile_SingleComponent(t *testing.T) {
	content := buildNZSMComponent(20, "WEL001", "N75W")

	records, err := parser.ParseNZSMFile([]byte(content))
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "WEL001", rec.StationCode)
	assert.Equal(t, "N75W", rec.Direction)
	assert.True(t, rec.RecordTime.IsZero(), "sentinel record time must not be persisted")
	assert.Equal(t, time.Date(2011, 2, 22, 1, 51, 30, 0, time.UTC), rec.EventTime)
	assert.InDelta(t, -43.6, rec.EventLocation[1], 1e-9)
	assert.InDelta(t, 172.8, rec.EventLocation[0], 1e-9)
	assert.InDelta(t, -43.5, rec.StationLocation[1], 1e-9)
	assert.InDelta(t, 172.7, rec.StationLocation[0], 1e-9)
	assert.InDelta(t, 6.1, rec.Magnitude, 1e-9)
	assert.InDelta(t, 12.0, rec.Depth, 1e-9)
	assert.InDelta(t, 45.5, rec.Duration, 1e-9)
	assert.Len(t, rec.RawData, 20)
}

func TestParseNZSMFile_MagnitudeFallback(t *testing.T) {
	content := buildNZSMComponent(10, "WEL001", "S")
	content = strings.Replace(content, fixedWidthFloat(6.1), fixedWidthFloat(0), 1)
	// Leave float_header[16] at its zero default too; fallback should yield 0.
	records, err := parser.ParseNZSMFile([]byte(content))
	require.NoError(t, err)
	assert.Equal(t, 0.0, records[0].Magnitude)
}

func TestParseNZSMFile_TripleComponent(t *testing.T) {
	one := buildNZSMComponent(15, "WEL001", "N")
	two := buildNZSMComponent(15, "WEL001", "E")
	three := buildNZSMComponent(15, "WEL001", "Z")

	records, err := parser.ParseNZSMFile([]byte(one + two + three))
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"N", "E", "Z"}, []string{records[0].Direction, records[1].Direction, records[2].Direction})
}

func TestParseNZSMFile_TooShort(t *testing.T) {
	_, err := parser.ParseNZSMFile([]byte("too short\n"))
	assert.Error(t, err)
}

func TestParseNZSMArchive_Zip(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("20110222_WEL001.V1A")
	require.NoError(t, err)
	_, err = w.Write([]byte(buildNZSMComponent(12, "WEL001", "N")))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	records := parser.ParseNZSMArchive(buf.Bytes(), "records.zip", "user-1", nil, discardLogger())
	require.Len(t, records, 1)
	assert.Equal(t, "user-1", records[0].UploadedBy)
	assert.Equal(t, "nz", string(records[0].Region))
	assert.Equal(t, "processed", records[0].Category)
	assert.InDelta(t, 1.0/100000.0, records[0].ScaleFactor, 1e-12)
}
