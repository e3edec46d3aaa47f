// Package storage reads and writes step artifacts (script code, record
// files) addressed by URL: az://container/blob for Azure Blob Storage,
// gs://bucket/object for Google Cloud Storage, and plain or file:// paths on
// local disk.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// URL schemes handled by the built-in stores
const (
	SchemeAzure = "az"
	SchemeGCS   = "gs"
	SchemeFile  = "file"
)

// ObjectStore reads and writes whole objects. A missing object yields an
// error for which errors.Is(err, os.ErrNotExist) is true.
type ObjectStore interface {
	Read(ctx context.Context, bucket, key string) ([]byte, error)
	Write(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error)
}

// Ref is a parsed object reference
type Ref struct {
	Scheme string
	Bucket string
	Key    string
}

// String renders the reference as a URL
func (r Ref) String() string {
	if r.Scheme == SchemeFile {
		return r.Key
	}
	return r.Scheme + "://" + r.Bucket + "/" + r.Key
}

// ParseRef splits scheme://bucket/key. Anything without a scheme, or with
// file://, is a local path.
func ParseRef(ref string) (Ref, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Ref{}, fmt.Errorf("object reference is empty")
	}
	if !strings.Contains(ref, "://") {
		return Ref{Scheme: SchemeFile, Key: ref}, nil
	}

	u, err := url.Parse(ref)
	if err != nil {
		return Ref{}, fmt.Errorf("invalid object reference %q: %w", ref, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == SchemeFile {
		return Ref{Scheme: SchemeFile, Key: u.Host + u.Path}, nil
	}

	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return Ref{}, fmt.Errorf("object reference %q needs both a bucket and a key", ref)
	}
	return Ref{Scheme: scheme, Bucket: u.Host, Key: key}, nil
}

// Router dispatches object references to the store registered for their
// scheme and serves local paths from disk
type Router struct {
	mu     sync.RWMutex
	stores map[string]ObjectStore
	logger *zap.Logger
}

// NewRouter creates a router with no remote stores
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{stores: make(map[string]ObjectStore), logger: logger}
}

// Register binds a scheme to a store
func (r *Router) Register(scheme string, store ObjectStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[strings.ToLower(scheme)] = store
}

func (r *Router) store(scheme string) (ObjectStore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	store, ok := r.stores[scheme]
	if !ok {
		return nil, fmt.Errorf("no object store registered for scheme %q", scheme)
	}
	return store, nil
}

// Read returns the content of the referenced object
func (r *Router) Read(ctx context.Context, ref string) ([]byte, error) {
	parsed, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == SchemeFile {
		return os.ReadFile(parsed.Key)
	}

	store, err := r.store(parsed.Scheme)
	if err != nil {
		return nil, err
	}
	data, err := store.Read(ctx, parsed.Bucket, parsed.Key)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("object read", zap.String("ref", parsed.String()), zap.Int("size_bytes", len(data)))
	return data, nil
}

// Write stores data at the referenced location and returns where it landed
func (r *Router) Write(ctx context.Context, ref string, data []byte, contentType string) (string, error) {
	parsed, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == SchemeFile {
		if dir := filepath.Dir(parsed.Key); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", err
			}
		}
		if err := os.WriteFile(parsed.Key, data, 0o644); err != nil {
			return "", err
		}
		return parsed.Key, nil
	}

	store, err := r.store(parsed.Scheme)
	if err != nil {
		return "", err
	}
	return store.Write(ctx, parsed.Bucket, parsed.Key, data, contentType)
}
