package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tlcfem/motion-base-go/internal/client"
	"github.com/tlcfem/motion-base-go/internal/query"
	"github.com/tlcfem/motion-base-go/internal/record"
)

func TestAlive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/alive", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := client.New(srv.URL)
	assert.NoError(t, c.Alive(context.Background()))
}

func TestAlive_NotReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := client.New(srv.URL)
	assert.Error(t, c.Alive(context.Background()))
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/waveform", r.URL.Path)
		var ids []string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ids))
		assert.Equal(t, []string{"a", "b"}, ids)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"records": []record.Record{{ID: "a"}, {ID: "b"}},
		})
	}))
	defer srv.Close()

	c := client.New(srv.URL)
	records, err := c.Download(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/query", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"records": []record.Record{{ID: "x"}}})
	}))
	defer srv.Close()

	c := client.New(srv.URL)
	records, err := c.Search(context.Background(), query.Config{Region: "jp"})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRetrieveAll_PaginatesUntilEmpty(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls <= 2 {
			_ = json.NewEncoder(w).Encode(map[string]any{"records": []record.Record{{ID: "rec"}}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"records": []record.Record{}})
	}))
	defer srv.Close()

	c := client.New(srv.URL)
	var streamErr error
	var got []record.Record
	for rec := range c.RetrieveAll(context.Background(), query.Config{Pagination: query.Pagination{Size: 1}}, &streamErr) {
		got = append(got, rec)
	}
	require.NoError(t, streamErr)
	assert.Len(t, got, 2)
	assert.Equal(t, 3, calls)
}

func TestTaskStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/task/status/task-1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(record.UploadTask{ID: "task-1", TotalSize: 10, CurrentSize: 5})
	}))
	defer srv.Close()

	c := client.New(srv.URL)
	task, err := c.TaskStatus(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, 0.5, task.Progress())
}

func TestTaskStatus_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := client.New(srv.URL)
	_, err := c.TaskStatus(context.Background(), "missing")
	assert.Error(t, err)
}

func TestUpload_SingleFile(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "sample.tar.gz")
	require.NoError(t, os.WriteFile(archivePath, []byte("fake archive bytes"), 0o600))

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/user/token":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-123", "token_type": "bearer"})
		case "/jp/upload":
			gotAuth = r.Header.Get("Authorization")
			require.NoError(t, r.ParseMultipartForm(1<<20))
			assert.NotEmpty(t, r.MultipartForm.File["archives[]"])
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]any{"task_ids": []string{"task-9"}})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := client.New(srv.URL, client.WithCredentials("alice", "hunter2"))
	results := c.Upload(context.Background(), "jp", archivePath, false, true)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, []string{"task-9"}, results[0].TaskIDs)
	assert.Equal(t, "Bearer tok-123", gotAuth)
}

func TestUpload_SkipsNonCandidateFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("irrelevant"), 0o600))

	c := client.New("http://unused.invalid")
	results := c.Upload(context.Background(), "jp", dir, false, true)
	assert.Empty(t, results)
}
