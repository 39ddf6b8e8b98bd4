//go:build integration

package httpapi_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tlcfem/motion-base-go/internal/auth"
	"github.com/tlcfem/motion-base-go/internal/blob"
	"github.com/tlcfem/motion-base-go/internal/broker"
	"github.com/tlcfem/motion-base-go/internal/httpapi"
	"github.com/tlcfem/motion-base-go/internal/observability"
	"github.com/tlcfem/motion-base-go/internal/searchindex"
	"github.com/tlcfem/motion-base-go/internal/store"
	"github.com/tlcfem/motion-base-go/internal/tasks"
)

// newTestServer wires every collaborator against real (containerized)
// backends, except the search index which is an httptest stub answering
// empty-result ES responses; [internal/searchindex]'s own tests exercise its
// request and response handling against httptest stubs as well.
func newTestServer(ctx context.Context, t *testing.T) (*httpapi.Server, *httptest.Server) {
	t.Helper()

	mongoContainer, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)
	t.Cleanup(func() { _ = mongoContainer.Terminate(ctx) })
	mongoURI, err := mongoContainer.ConnectionString(ctx)
	require.NoError(t, err)
	mongoClient, err := mongodriver.Connect(options.Client().ApplyURI(mongoURI))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mongoClient.Disconnect(context.Background()) })
	db := mongoClient.Database("motion_base_test")

	rabbitContainer, err := rabbitmq.Run(ctx, "rabbitmq:3.13-management-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rabbitContainer.Terminate(ctx) })
	amqpURL, err := rabbitContainer.AmqpURL(ctx)
	require.NoError(t, err)

	metrics := observability.NewMetricsForTesting()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	esServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hits":{"total":{"value":0},"hits":[]}}`))
	}))
	t.Cleanup(esServer.Close)
	esClient, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{esServer.URL}})
	require.NoError(t, err)
	index := searchindex.NewForTesting(esClient, metrics)

	taskRegistry := tasks.New(db)
	b, err := broker.Connect(amqpURL, "motion-base-jobs-test", 1, taskRegistry, metrics, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	blobStore := blob.New(t.TempDir(), "http://blob.local")
	users := auth.NewUsers(db)
	tokens := auth.NewTokenIssuer("integration-test-secret", "HS256", time.Hour)

	server := &httpapi.Server{
		Store:    store.New(db, metrics),
		Index:    index,
		Tasks:    taskRegistry,
		Broker:   b,
		Blob:     blobStore,
		Users:    users,
		Tokens:   tokens,
		Metrics:  metrics,
		Logger:   logger,
		MainSite: "http://blob.local",
	}
	server.RegisterJobHandlers()

	router := httptest.NewServer(httpapi.NewRouter(server))
	t.Cleanup(router.Close)
	return server, router
}

func TestAlive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()
	_, router := newTestServer(ctx, t)

	resp, err := http.Get(router.URL + "/alive")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUserLifecycle_CreateTokenWhoAmI(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()
	_, router := newTestServer(ctx, t)

	createBody, _ := json.Marshal(map[string]any{
		"username": "alice", "password": "hunter2", "email": "alice@example.com",
		"can_upload": true, "can_delete": false,
	})
	resp, err := http.Post(router.URL+"/user/new", "application/json", strings.NewReader(string(createBody)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	form := url.Values{"username": {"alice"}, "password": {"hunter2"}}
	resp, err = http.PostForm(router.URL+"/user/token", form)
	require.NoError(t, err)
	var tokenResp map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tokenResp))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bearer", tokenResp["token_type"])
	require.NotEmpty(t, tokenResp["access_token"])

	req, err := http.NewRequest(http.MethodGet, router.URL+"/user/whoami", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tokenResp["access_token"])
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var who map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&who))
	assert.Equal(t, "alice", who["username"])
	assert.NotContains(t, who, "hashed_password")
}

func TestUpload_RequiresBearerToken(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()
	_, router := newTestServer(ctx, t)

	resp, err := http.Post(router.URL+"/jp/upload", "multipart/form-data", strings.NewReader(""))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAccessRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()
	server, router := newTestServer(ctx, t)

	uri, err := server.Blob.Save(ctx, strings.NewReader("staged bytes"), "sample.bin")
	require.NoError(t, err)
	path := strings.TrimPrefix(uri, server.MainSite+"/access/")

	resp, err := http.Get(router.URL + "/access/" + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTotal_EmptyStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()
	_, router := newTestServer(ctx, t)

	resp, err := http.Get(router.URL + "/total")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, int64(0), body["total"])
}
