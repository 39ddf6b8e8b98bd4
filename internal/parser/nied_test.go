package parser_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tlcfem/motion-base-go/internal/parser"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// niedHeaderLine pads key to exactly 18 characters so value always starts
// at the fixed offset the parser expects, regardless of key text length.
func niedHeaderLine(key, value string) string {
	if len(key) < 18 {
		key += strings.Repeat(" ", 18-len(key))
	} else {
		key = key[:18]
	}
	return key + value
}

func sampleNIEDFile(direction string) string {
	header := []string{
		niedHeaderLine("Origin Time", "2011/03/11 14:46:00"),
		niedHeaderLine("Lat.", "38.10"),
		niedHeaderLine("Long.", "142.86"),
		niedHeaderLine("Depth.", "24(km)"),
		niedHeaderLine("Mag.", "9.0"),
		niedHeaderLine("Station Code", "MYG001"),
		niedHeaderLine("Station Lat.", "38.60"),
		niedHeaderLine("Station Long.", "141.16"),
		niedHeaderLine("Station Height", "100(m)"),
		niedHeaderLine("Record Time", "2011/03/11 14:48:00"),
		niedHeaderLine("Sampling Freq", "100(Hz)"),
		niedHeaderLine("Duration Time", "300(s)"),
		niedHeaderLine("Dir.", direction),
		niedHeaderLine("Scale Factor", "2000(gal)/8388608"),
		niedHeaderLine("Max. Acc.", "512.3(gal)"),
		niedHeaderLine("Last Correction", "2011/03/12 00:00:00"),
		niedHeaderLine("Memo.", ""),
	}
	var b strings.Builder
	for _, l := range header {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	for i := 0; i < 5; i++ {
		b.WriteString("1 2 3 4 5 6 7 8 9 10\n")
	}
	return b.String()
}

func TestValidateNIEDArchive(t *testing.T) {
	cat, err := parser.ValidateNIEDArchive("20110311144600.knt.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "knt", cat)

	_, err = parser.ValidateNIEDArchive("20110311144600.kik.tar.gz")
	require.NoError(t, err)

	_, err = parser.ValidateNIEDArchive("bogus.tar.gz")
	assert.Error(t, err)

	_, err = parser.ValidateNIEDArchive("bogus.knt.zip")
	assert.Error(t, err)
}

func TestParseNIEDFile(t *testing.T) {
	rec, err := parser.ParseNIEDFile([]byte(sampleNIEDFile("N-S")))
	require.NoError(t, err)

	assert.Equal(t, "NS", rec.Direction)
	assert.InDelta(t, 38.10, rec.EventLocation[1], 1e-9)
	assert.InDelta(t, 142.86, rec.EventLocation[0], 1e-9)
	assert.InDelta(t, 9.0, rec.Magnitude, 1e-9)
	assert.Equal(t, "MYG001", rec.StationCode)
	assert.InDelta(t, 24.0, rec.Depth, 1e-9)
	assert.InDelta(t, 100.0, rec.SamplingFrequency, 1e-9)
	assert.InDelta(t, 2000.0/8388608.0, rec.ScaleFactor, 1e-12)
	assert.InDelta(t, 512.3, rec.MaximumAcceleration, 1e-9)
	assert.Equal(t, "Gal", rec.RawDataUnit)
	assert.Len(t, rec.RawData, 50)
	assert.NotEmpty(t, rec.FileHash)
}

func TestParseNIEDFile_TooShort(t *testing.T) {
	_, err := parser.ParseNIEDFile([]byte("only one line"))
	assert.Error(t, err)
}

func buildNIEDArchive(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestParseNIEDArchive_SkipsNonChannelEntries(t *testing.T) {
	data := buildNIEDArchive(t, map[string]string{
		"20110311144600.knt/MYG0010103111446.NS": sampleNIEDFile("N-S"),
		"20110311144600.knt/MYG0010103111446.EW": sampleNIEDFile("E-W"),
		"20110311144600.knt/readme.txt":          "not a channel file",
	})

	var progressCalls int
	progress := func(current, total int) { progressCalls++ }

	records := parser.ParseNIEDArchive(data, "20110311144600.knt.tar.gz", "user-1", progress, discardLogger())

	require.Len(t, records, 2)
	assert.Equal(t, 3, progressCalls)
	for _, rec := range records {
		assert.Equal(t, "user-1", rec.UploadedBy)
		assert.Equal(t, "knt", rec.Category)
		assert.Equal(t, "jp", string(rec.Region))
		assert.NotEmpty(t, rec.ID)
	}
}

func TestParseNIEDArchive_RejectsBadName(t *testing.T) {
	records := parser.ParseNIEDArchive([]byte{}, "bogus.tar.gz", "u", nil, discardLogger())
	assert.Nil(t, records)
}

func TestParseNIEDArchive_LogsAndSkipsUnparseableEntry(t *testing.T) {
	data := buildNIEDArchive(t, map[string]string{
		"x/bad.NS":  "too short",
		"x/good.EW": sampleNIEDFile("E-W"),
	})
	records := parser.ParseNIEDArchive(data, "x.knt.tar.gz", "u", nil, discardLogger())
	require.Len(t, records, 1)
	assert.Equal(t, "EW", records[0].Direction)
}
