package blob_test

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tlcfem/motion-base-go/internal/blob"
)

func TestStore_SaveAndOpen(t *testing.T) {
	dir := t.TempDir()
	s := blob.New(dir, "http://localhost:8000")

	uri, err := s.Save(context.Background(), strings.NewReader("hello world"), "sample.txt")
	require.NoError(t, err)
	assert.Contains(t, uri, "http://localhost:8000/access/")
	assert.Contains(t, uri, "sample.txt")
	assert.True(t, s.IsLocal(uri))

	f, err := s.Open(uri)
	require.NoError(t, err)
	defer f.Close()
	content, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))
}

func TestStore_Pack_DeterministicName(t *testing.T) {
	dir := t.TempDir()
	s := blob.New(dir, "http://localhost:8000")

	uploads := map[string][]byte{
		"EVENT.V1A": []byte("trace one"),
		"EVENT.V2A": []byte("trace two"),
	}

	uri1, err := s.Pack(context.Background(), uploads)
	require.NoError(t, err)

	uri2, err := s.Pack(context.Background(), uploads)
	require.NoError(t, err)

	name1 := uri1[strings.LastIndex(uri1, "/")+1:]
	name2 := uri2[strings.LastIndex(uri2, "/")+1:]
	assert.Equal(t, name1, name2, "packing the same member set must yield the same archive name")

	f, err := s.Open(uri1)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	seen := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		seen[hdr.Name] = string(body)
	}
	assert.Equal(t, "trace one", seen["EVENT.V1A"])
	assert.Equal(t, "trace two", seen["EVENT.V2A"])
}

func TestStore_Delete_RemovesFileAndEmptySubdir(t *testing.T) {
	dir := t.TempDir()
	s := blob.New(dir, "http://localhost:8000")

	uri, err := s.Save(context.Background(), strings.NewReader("data"), "f.txt")
	require.NoError(t, err)

	require.NoError(t, s.Delete(uri))

	_, err = s.Open(uri)
	assert.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileProxy_LocalSuccessDeletesBlob(t *testing.T) {
	dir := t.TempDir()
	s := blob.New(dir, "http://localhost:8000")
	uri, err := s.Save(context.Background(), strings.NewReader("payload"), "f.txt")
	require.NoError(t, err)

	fp, err := blob.OpenFileProxy(context.Background(), s, uri, "", false)
	require.NoError(t, err)

	content, err := io.ReadAll(fp.Reader())
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))

	fp.MarkSuccess()
	require.NoError(t, fp.Close(context.Background()))

	_, err = s.Open(uri)
	assert.Error(t, err)
}

func TestFileProxy_LocalFailureKeepsBlob(t *testing.T) {
	dir := t.TempDir()
	s := blob.New(dir, "http://localhost:8000")
	uri, err := s.Save(context.Background(), strings.NewReader("payload"), "f.txt")
	require.NoError(t, err)

	fp, err := blob.OpenFileProxy(context.Background(), s, uri, "", false)
	require.NoError(t, err)
	require.NoError(t, fp.Close(context.Background()))

	_, err = s.Open(uri)
	assert.NoError(t, err, "blob must survive when the caller never marks success")
}

func TestFileProxy_Remote(t *testing.T) {
	var gotAuth string
	var deleted bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.Method {
		case http.MethodGet:
			w.Write([]byte("remote payload"))
		case http.MethodDelete:
			deleted = true
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer server.Close()

	dir := t.TempDir()
	s := blob.New(dir, "http://localhost:8000")
	remoteURI := server.URL + "/access/abc/def.txt"

	fp, err := blob.OpenFileProxy(context.Background(), s, remoteURI, "tok123", false)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok123", gotAuth)

	content, err := io.ReadAll(fp.Reader())
	require.NoError(t, err)
	assert.Equal(t, "remote payload", string(content))

	fp.MarkSuccess()
	require.NoError(t, fp.Close(context.Background()))
	assert.True(t, deleted)
}

func TestStore_Open_RejectsForeignURI(t *testing.T) {
	dir := t.TempDir()
	s := blob.New(dir, "http://localhost:8000")
	_, err := s.Open("http://example.com/access/foo/bar.txt")
	assert.Error(t, err)
}
