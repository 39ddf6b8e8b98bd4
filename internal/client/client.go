// Package client is a thin, bounded-concurrency HTTP driver for the service.
// It mirrors the endpoint surface in [internal/httpapi] rather than
// reimplementing any of its logic: every call here is a single HTTP
// round trip, with retry and concurrency limiting layered on top.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tlcfem/motion-base-go/internal/query"
	"github.com/tlcfem/motion-base-go/internal/record"
)

const defaultSemaphoreSize = 10

// Client is a bounded-concurrency driver against one service instance.
// The zero value is not usable; construct with [New].
type Client struct {
	baseURL    string
	httpClient *http.Client
	sem        chan struct{}

	username string
	password string
	token    string
}

// Option configures a Client constructed by [New].
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client, e.g. to set a
// timeout or custom transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCredentials enables upload() by pre-arming username/password for
// token exchange on first use.
func WithCredentials(username, password string) Option {
	return func(c *Client) { c.username, c.password = username, password }
}

// WithConcurrency overrides the default semaphore size of 10.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.sem = make(chan struct{}, n)
		}
	}
}

// New builds a Client against baseURL, e.g. "http://localhost:8000".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		sem:        make(chan struct{}, defaultSemaphoreSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Alive checks the server's /alive endpoint.
func (c *Client) Alive(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/alive", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: alive: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: server not reachable, status %d", resp.StatusCode)
	}
	return nil
}

// acquire blocks until a concurrency slot is free or ctx is done.
func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() { <-c.sem }

func (c *Client) authToken(ctx context.Context) (string, error) {
	if c.token != "" {
		return c.token, nil
	}
	if c.username == "" || c.password == "" {
		return "", fmt.Errorf("client: upload requires credentials")
	}

	form := url.Values{"username": {c.username}, "password": {c.password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/user/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("client: token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("client: token exchange failed, status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("client: decode token response: %w", err)
	}
	c.token = body.AccessToken
	return c.token, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) (int, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("client: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("client: post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("client: post %s failed, status %d: %s", path, resp.StatusCode, body)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("client: decode response from %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

// Download fetches the full records named by ids via a single POST to
// /waveform, bounded by the client's semaphore the same as every other
// remote call, though a multi-id POST is one request regardless of len(ids).
func (c *Client) Download(ctx context.Context, ids []string) ([]record.Record, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	var body struct {
		Records []record.Record `json:"records"`
	}
	if _, err := c.postJSON(ctx, "/waveform", ids, &body); err != nil {
		return nil, err
	}
	return body.Records, nil
}

// Search performs a single-page query via POST /query.
func (c *Client) Search(ctx context.Context, cfg query.Config) ([]record.Record, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	var body struct {
		Records []record.Record `json:"records"`
	}
	if _, err := c.postJSON(ctx, "/query", cfg, &body); err != nil {
		return nil, err
	}
	return body.Records, nil
}

// RetrieveAll streams every record matching cfg across as many /search
// pages as are needed, advancing cfg.Pagination.Offset by the number of
// records each page returned until a page comes back empty. It returns a channel the caller ranges
// over; the channel closes when retrieval completes or ctx is cancelled.
// Any mid-stream error is delivered via errOut before the channel closes.
func (c *Client) RetrieveAll(ctx context.Context, cfg query.Config, errOut *error) <-chan record.Record {
	out := make(chan record.Record)

	go func() {
		defer close(out)

		pageSize := cfg.Pagination.Size
		if pageSize <= 0 {
			pageSize = 20
		}
		offset := cfg.Pagination.Offset

		for {
			page := cfg
			page.Pagination.Offset = offset
			page.Pagination.Size = pageSize

			var body struct {
				Records []record.Record `json:"records"`
			}
			if _, err := c.postJSON(ctx, "/search", page, &body); err != nil {
				if errOut != nil {
					*errOut = err
				}
				return
			}
			if len(body.Records) == 0 {
				return
			}
			for _, rec := range body.Records {
				select {
				case out <- rec:
				case <-ctx.Done():
					if errOut != nil {
						*errOut = ctx.Err()
					}
					return
				}
			}
			offset += len(body.Records)
		}
	}()

	return out
}

// TaskStatus polls /task/status/{id}.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (record.UploadTask, error) {
	if err := c.acquire(ctx); err != nil {
		return record.UploadTask{}, err
	}
	defer c.release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/task/status/"+taskID, nil)
	if err != nil {
		return record.UploadTask{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return record.UploadTask{}, fmt.Errorf("client: task status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return record.UploadTask{}, fmt.Errorf("client: task %s not found, status %d", taskID, resp.StatusCode)
	}

	var task record.UploadTask
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return record.UploadTask{}, fmt.Errorf("client: decode task status: %w", err)
	}
	return task, nil
}

// isUploadCandidate matches the extensions/name fragments the server's
// parsers accept, mirroring the walk filter used by the reference client.
func isUploadCandidate(fileName string) bool {
	lower := strings.ToLower(fileName)
	if strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".zip") {
		return true
	}
	return strings.Contains(lower, "v1a") || strings.Contains(lower, "v2a")
}

// UploadResult is one archive's outcome from [Client.Upload].
type UploadResult struct {
	Path    string
	TaskIDs []string
	Records []record.Record
	Err     error
}

// Upload walks path (a file or a directory) for archives matching the
// server's accepted vendor formats and uploads each one concurrently,
// bounded by the client's semaphore. Every archive POST retries up to 3
// times with exponential backoff (factor 2) before giving up on that file.
func (c *Client) Upload(ctx context.Context, region, path string, waitForResult, overwriteExisting bool) []UploadResult {
	var files []string
	info, err := os.Stat(path)
	if err != nil {
		return []UploadResult{{Path: path, Err: err}}
	}
	if info.IsDir() {
		_ = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if isUploadCandidate(p) {
				files = append(files, p)
			}
			return nil
		})
	} else if isUploadCandidate(path) {
		files = append(files, path)
	} else {
		return nil
	}

	results := make(chan UploadResult, len(files))
	for _, f := range files {
		go func(file string) {
			results <- c.uploadOne(ctx, region, file, waitForResult, overwriteExisting)
		}(f)
	}

	out := make([]UploadResult, 0, len(files))
	for range files {
		out = append(out, <-results)
	}
	return out
}

func (c *Client) uploadOne(ctx context.Context, region, path string, waitForResult, overwriteExisting bool) UploadResult {
	if err := c.acquire(ctx); err != nil {
		return UploadResult{Path: path, Err: err}
	}
	defer c.release()

	token, err := c.authToken(ctx)
	if err != nil {
		return UploadResult{Path: path, Err: err}
	}

	var response struct {
		TaskIDs []string        `json:"task_ids"`
		Records []record.Record `json:"records"`
	}

	operation := func() error {
		file, err := os.Open(path)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer file.Close()

		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		part, err := writer.CreateFormFile("archives[]", filepath.Base(path))
		if err != nil {
			return backoff.Permanent(err)
		}
		if _, err := io.Copy(part, file); err != nil {
			return backoff.Permanent(err)
		}
		if err := writer.Close(); err != nil {
			return backoff.Permanent(err)
		}

		params := url.Values{
			"wait_for_result":    {strconv.FormatBool(waitForResult)},
			"overwrite_existing": {strconv.FormatBool(overwriteExisting)},
		}
		reqURL := fmt.Sprintf("%s/%s/upload?%s", c.baseURL, region, params.Encode())
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, &buf)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("client: upload %s failed, status %d: %s", path, resp.StatusCode, body)
		}
		return json.NewDecoder(resp.Body).Decode(&response)
	}

	policy := backoff.WithMaxRetries(retryPolicy(), 3)
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return UploadResult{Path: path, Err: err}
	}
	return UploadResult{Path: path, TaskIDs: response.TaskIDs, Records: response.Records}
}

func retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	return b
}
