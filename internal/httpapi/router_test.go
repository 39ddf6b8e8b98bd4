package httpapi

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bodyOf(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}

func TestDecodeIDOrIDs_SingleString(t *testing.T) {
	req := httptest.NewRequest("POST", "/waveform", nil)
	req.Body = bodyOf(`"abc-123"`)

	ids, err := decodeIDOrIDs(req)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc-123"}, ids)
}

func TestDecodeIDOrIDs_Array(t *testing.T) {
	req := httptest.NewRequest("POST", "/waveform", nil)
	req.Body = bodyOf(`["a", "b", "c"]`)

	ids, err := decodeIDOrIDs(req)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestDecodeIDOrIDs_RejectsMalformed(t *testing.T) {
	req := httptest.NewRequest("POST", "/waveform", nil)
	req.Body = bodyOf(`{"not": "valid"}`)

	_, err := decodeIDOrIDs(req)
	assert.Error(t, err)
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{200: "2xx", 201: "2xx", 301: "3xx", 404: "4xx", 500: "5xx"}
	for status, want := range cases {
		assert.Equal(t, want, statusClass(status))
	}
}

func TestParseBoolQuery(t *testing.T) {
	req := httptest.NewRequest("GET", "/jp/upload?wait_for_result=true&overwrite_existing=notabool", nil)
	assert.True(t, parseBoolQuery(req, "wait_for_result"))
	assert.False(t, parseBoolQuery(req, "overwrite_existing"))
	assert.False(t, parseBoolQuery(req, "missing"))
}
