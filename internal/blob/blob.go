// Package blob stages uploaded archives on the filesystem between the HTTP
// layer and the parse workers. A blob lives under its own randomly named
// subdirectory of FS_ROOT so concurrent uploads never share state; ownership
// of a staged blob is handed off as a URI and reclaimed through [FileProxy].
package blob

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
)

const chunkSize = 16 * 1024 * 1024

// namespaceUploads scopes the deterministic names Pack derives for packed
// archives, distinct from record identity's OID namespace.
var namespaceUploads = uuid.MustParse("1b671a64-40d5-491e-99b0-da01ff1f3341")

// Store stages uploaded bytes under root and serves them back out under
// baseURL + "/access/...".
type Store struct {
	root    string
	baseURL string
}

// New returns a Store rooted at root, minting URIs under baseURL.
func New(root, baseURL string) *Store {
	return &Store{root: root, baseURL: baseURL}
}

// Save streams r into a freshly created subdirectory of root in chunkSize
// pieces and returns the externally addressable URI of the staged file.
func (s *Store) Save(ctx context.Context, r io.Reader, fileName string) (uri string, err error) {
	subdir := uuid.NewString()
	dir := filepath.Join(s.root, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("blob: create staging dir: %w", err)
	}

	dst := filepath.Join(dir, fileName)
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("blob: create staging file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				return "", fmt.Errorf("blob: write chunk: %w", writeErr)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("blob: read upload: %w", readErr)
		}
	}

	return fmt.Sprintf("%s/access/%s/%s", s.baseURL, subdir, fileName), nil
}

// Pack bundles raw uploads (e.g. NZSM .V1A/.V2A members) into a single
// deterministic tar.gz, named by the UUIDv5 of the concatenated member
// names so re-packing the same set of files yields the same archive name,
// and stages it the same way [Store.Save] does.
func (s *Store) Pack(ctx context.Context, uploads map[string][]byte) (uri string, err error) {
	names := make([]string, 0, len(uploads))
	for name := range uploads {
		names = append(names, name)
	}
	sort.Strings(names)

	var concatenated string
	for _, name := range names {
		concatenated += name
	}
	archiveName := uuid.NewSHA1(namespaceUploads, []byte(concatenated)).String() + ".tar.gz"

	subdir := uuid.NewString()
	dir := filepath.Join(s.root, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("blob: create staging dir: %w", err)
	}

	dst := filepath.Join(dir, archiveName)
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("blob: create archive: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		body := uploads[name]
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(body))}
		if err := tw.WriteHeader(hdr); err != nil {
			return "", fmt.Errorf("blob: write tar header for %s: %w", name, err)
		}
		if _, err := tw.Write(body); err != nil {
			return "", fmt.Errorf("blob: write tar member %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("blob: close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("blob: close gzip writer: %w", err)
	}

	return fmt.Sprintf("%s/access/%s/%s", s.baseURL, subdir, archiveName), nil
}

// Delete removes the staged file at uri and, if its subdirectory is now
// empty, removes the subdirectory too.
func (s *Store) Delete(uri string) error {
	subdir, fileName, ok := s.parseLocalURI(uri)
	if !ok {
		return fmt.Errorf("blob: uri %q is not local to this store", uri)
	}
	dir := filepath.Join(s.root, subdir)
	if err := os.Remove(filepath.Join(dir, fileName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: delete staged file: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
	return nil
}

// Open opens the staged file at uri for reading when it is local to this
// store.
func (s *Store) Open(uri string) (*os.File, error) {
	subdir, fileName, ok := s.parseLocalURI(uri)
	if !ok {
		return nil, fmt.Errorf("blob: uri %q is not local to this store", uri)
	}
	f, err := os.Open(filepath.Join(s.root, subdir, fileName))
	if err != nil {
		return nil, fmt.Errorf("blob: open staged file: %w", err)
	}
	return f, nil
}

// IsLocal reports whether uri is served by this store's baseURL.
func (s *Store) IsLocal(uri string) bool {
	_, _, ok := s.parseLocalURI(uri)
	return ok
}

func (s *Store) parseLocalURI(uri string) (subdir, fileName string, ok bool) {
	prefix := s.baseURL + "/access/"
	if len(uri) <= len(prefix) || uri[:len(prefix)] != prefix {
		return "", "", false
	}
	rest := uri[len(prefix):]
	parts := splitOnce(rest, '/')
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func splitOnce(s string, sep byte) []string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return []string{s[:i], s[i+1:]}
		}
	}
	return []string{s}
}

// FileProxy is a scoped handle over a staged blob, acquired on job entry and
// released on every exit path: [FileProxy.Close] deletes the blob on
// success, but a caller that hits an error before calling MarkSuccess skips
// deletion unless alwaysDeleteOnExit was requested, leaving the blob intact
// for a retry against the same URI.
type FileProxy struct {
	store             *Store
	uri               string
	authToken         string
	alwaysDeleteOnExit bool
	httpClient        *http.Client

	local      *os.File
	remoteBody io.ReadCloser
	succeeded  bool
}

// OpenFileProxy acquires uri: if it is local to store, the on-disk file is
// opened directly; otherwise an authenticated GET is issued against the
// remote service.
func OpenFileProxy(ctx context.Context, store *Store, uri, authToken string, alwaysDeleteOnExit bool) (*FileProxy, error) {
	fp := &FileProxy{
		store:              store,
		uri:                uri,
		authToken:          authToken,
		alwaysDeleteOnExit: alwaysDeleteOnExit,
		httpClient:         http.DefaultClient,
	}

	if store.IsLocal(uri) {
		f, err := store.Open(uri)
		if err != nil {
			return nil, err
		}
		fp.local = f
		return fp, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("blob: build remote fetch request: %w", err)
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	resp, err := fp.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob: fetch remote blob: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("blob: fetch remote blob: unexpected status %d", resp.StatusCode)
	}
	fp.remoteBody = resp.Body
	return fp, nil
}

// Reader returns the blob's content stream.
func (fp *FileProxy) Reader() io.Reader {
	if fp.local != nil {
		return fp.local
	}
	return fp.remoteBody
}

// MarkSuccess records that the caller's work against this blob completed
// normally, so Close performs the cleanup delete.
func (fp *FileProxy) MarkSuccess() {
	fp.succeeded = true
}

// Close releases the handle, deleting the underlying blob when the call
// succeeded (or alwaysDeleteOnExit was requested), and otherwise leaves it
// in place for a retry.
func (fp *FileProxy) Close(ctx context.Context) error {
	if fp.local != nil {
		fp.local.Close()
	}
	if fp.remoteBody != nil {
		fp.remoteBody.Close()
	}

	if !fp.succeeded && !fp.alwaysDeleteOnExit {
		return nil
	}

	if fp.store.IsLocal(fp.uri) {
		return fp.store.Delete(fp.uri)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fp.uri, nil)
	if err != nil {
		return fmt.Errorf("blob: build remote delete request: %w", err)
	}
	if fp.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+fp.authToken)
	}
	resp, err := fp.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("blob: remote delete: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("blob: remote delete: unexpected status %d", resp.StatusCode)
	}
	return nil
}
