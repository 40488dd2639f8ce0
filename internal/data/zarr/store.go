package zarr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/multiscale-tiles/server/internal/cache"
)

// ErrNotFound is returned by a Store for keys it does not hold.
var ErrNotFound = errors.New("zarr key not found")

// Store reads raw items of a Zarr hierarchy by key, e.g. ".zattrs" or "0/0.0.0".
type Store interface {
	GetItem(ctx context.Context, key string) ([]byte, error)
}

func isMetadata(key string) bool {
	for _, suffix := range []string{".zattrs", ".zgroup", ".zarray"} {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

func joinKey(parts ...string) string {
	return strings.TrimPrefix(path.Join(parts...), "/")
}

// FSStore reads items from a file system.
type FSStore struct {
	fsys fs.FS
}

// NewFSStore creates a store over fsys.
func NewFSStore(fsys fs.FS) *FSStore {
	return &FSStore{fsys: fsys}
}

// NewDirStore creates a store over the directory at root.
func NewDirStore(root string) (*FSStore, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("zarr directory: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("zarr directory: %s is not a directory", root)
	}
	return NewFSStore(os.DirFS(root)), nil
}

// GetItem reads key from the file system.
func (s *FSStore) GetItem(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := joinKey(key)
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("invalid zarr key %q", key)
	}
	data, err := fs.ReadFile(s.fsys, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// HTTPStore reads items relative to a base URL.
type HTTPStore struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPStore creates a store rooted at rawURL. A nil client gets a 30s timeout.
func NewHTTPStore(rawURL string, client *http.Client) (*HTTPStore, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid store URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid store URL scheme %q", u.Scheme)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPStore{base: u, client: client}, nil
}

// GetItem fetches key with a GET request. 404 maps to ErrNotFound.
func (s *HTTPStore) GetItem(ctx context.Context, key string) ([]byte, error) {
	u := s.base.JoinPath(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("fetch %s: unexpected status %s", key, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	return data, nil
}

// CachedStore keeps metadata documents in the query cache and compressed
// chunks in the chunk cache. Missing keys are not cached.
type CachedStore struct {
	id    string
	store Store
	cache *cache.Manager
}

// NewCachedStore wraps store. id namespaces the cache keys of this store.
func NewCachedStore(id string, store Store, m *cache.Manager) *CachedStore {
	return &CachedStore{id: id, store: store, cache: m}
}

// GetItem returns the cached item or reads it through.
func (s *CachedStore) GetItem(ctx context.Context, key string) ([]byte, error) {
	meta := isMetadata(key)
	var cacheKey string
	if meta {
		cacheKey = cache.MetadataKey(s.id, key)
		if data, ok := s.cache.GetQuery(cacheKey); ok {
			return data, nil
		}
	} else {
		cacheKey = cache.ChunkKey(s.id, key)
		if data, ok := s.cache.GetChunk(cacheKey); ok {
			return data, nil
		}
	}

	data, err := s.store.GetItem(ctx, key)
	if err != nil {
		return nil, err
	}
	if meta {
		s.cache.SetQuery(cacheKey, data)
	} else {
		// Chunks larger than a cache shard are served uncached.
		_ = s.cache.SetChunk(cacheKey, data)
	}
	return data, nil
}
