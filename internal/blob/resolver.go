package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"scanqa/internal/conf"
	fsstore "scanqa/internal/infra/blob/fs"
	memorystore "scanqa/internal/infra/blob/memory"
	s3store "scanqa/internal/infra/blob/s3"
	"scanqa/internal/logging"
)

// Opener returns the Store serving bucket. public requests unsigned access
// where the backend distinguishes it.
type Opener func(ctx context.Context, bucket string, public bool) (Store, error)

type storeKey struct {
	scheme string
	bucket string
	public bool
}

// Resolver maps locations onto stores, opening each scheme/bucket pair once.
type Resolver struct {
	mu      sync.Mutex
	openers map[string]Opener
	stores  map[storeKey]Store
	logger  *slog.Logger
}

// NewResolver returns a resolver with no schemes registered.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = logging.ForService("blob")
	}
	return &Resolver{
		openers: make(map[string]Opener),
		stores:  make(map[storeKey]Store),
		logger:  logger,
	}
}

// Register installs the opener for scheme, replacing any previous one and
// dropping stores it had opened.
func (r *Resolver) Register(scheme string, opener Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[scheme] = opener
	for k := range r.stores {
		if k.scheme == scheme {
			delete(r.stores, k)
		}
	}
}

// Store returns the store backing a blob location.
func (r *Resolver) Store(ctx context.Context, loc Location, public bool) (Store, error) {
	if loc.IsLocal() {
		return nil, fmt.Errorf("%s is a local path: %w", loc.Raw, ErrUnsupported)
	}
	key := storeKey{scheme: loc.Scheme, bucket: loc.Bucket, public: public}
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.stores[key]; ok {
		return st, nil
	}
	opener, ok := r.openers[loc.Scheme]
	if !ok {
		return nil, fmt.Errorf("no blob backend for scheme %q: %w", loc.Scheme, ErrUnsupported)
	}
	st, err := opener(ctx, loc.Bucket, public)
	if err != nil {
		return nil, fmt.Errorf("open %s://%s: %w", loc.Scheme, loc.Bucket, err)
	}
	r.stores[key] = st
	r.logger.Debug("blob store opened", "scheme", loc.Scheme, "bucket", loc.Bucket, "public", public)
	return st, nil
}

// Open returns a reader over the bytes at raw. Missing objects and files
// match fs.ErrNotExist; refused access matches fs.ErrPermission.
func (r *Resolver) Open(ctx context.Context, raw string, public bool) (io.ReadCloser, error) {
	loc, err := ParseLocation(raw)
	if err != nil {
		return nil, err
	}
	if loc.IsLocal() {
		return os.Open(loc.Raw)
	}
	st, err := r.Store(ctx, loc, public)
	if err != nil {
		return nil, err
	}
	_, rc, err := st.Get(ctx, loc.Key)
	return rc, err
}

// ReadAll reads the full content at raw.
func (r *Resolver) ReadAll(ctx context.Context, raw string, public bool) ([]byte, error) {
	rc, err := r.Open(ctx, raw, public)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// Exists reports whether raw names an existing file or object.
func (r *Resolver) Exists(ctx context.Context, raw string, public bool) (bool, error) {
	loc, err := ParseLocation(raw)
	if err != nil {
		return false, err
	}
	if loc.IsLocal() {
		_, err = os.Stat(loc.Raw)
	} else {
		var st Store
		if st, err = r.Store(ctx, loc, public); err != nil {
			return false, err
		}
		_, err = st.Head(ctx, loc.Key)
	}
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Write stores data at raw, replacing an existing file or object. Local
// writes require the parent directory to exist.
func (r *Resolver) Write(ctx context.Context, raw string, public bool, data []byte, contentType string) error {
	loc, err := ParseLocation(raw)
	if err != nil {
		return err
	}
	if loc.IsLocal() {
		if _, err := os.Stat(filepath.Dir(loc.Raw)); err != nil {
			return err
		}
		return os.WriteFile(loc.Raw, data, 0o644)
	}
	st, err := r.Store(ctx, loc, public)
	if err != nil {
		return err
	}
	if _, err := st.Delete(ctx, loc.Key); err != nil {
		return err
	}
	_, err = st.Put(ctx, loc.Key, bytes.NewReader(data), PutOptions{ContentType: contentType})
	return err
}

// DefaultResolver registers the s3, fs and memory schemes from cfg. fs://b/k
// maps to <fs_root>/b/k. memory:// buckets live for the resolver's lifetime.
func DefaultResolver(cfg conf.BlobSettings, logger *slog.Logger) *Resolver {
	r := NewResolver(logger)
	r.Register(string(DriverS3), func(ctx context.Context, bucket string, public bool) (Store, error) {
		return s3store.New(ctx, s3store.Config{
			Region:    cfg.S3.Region,
			Bucket:    bucket,
			Endpoint:  cfg.S3.Endpoint,
			PathStyle: cfg.S3.PathStyle,
			Anonymous: public,
		})
	})
	r.Register(string(DriverFilesystem), func(_ context.Context, bucket string, _ bool) (Store, error) {
		return fsstore.New(filepath.Join(fsRoot(cfg), bucket))
	})
	var memMu sync.Mutex
	buckets := make(map[string]Store)
	r.Register(string(DriverMemory), func(_ context.Context, bucket string, _ bool) (Store, error) {
		memMu.Lock()
		defer memMu.Unlock()
		st, ok := buckets[bucket]
		if !ok {
			st = memorystore.New()
			buckets[bucket] = st
		}
		return st, nil
	})
	return r
}

// OpenContentStore opens the managed store holding uploaded frame content.
func OpenContentStore(ctx context.Context, cfg conf.BlobSettings) (Store, error) {
	switch Driver(cfg.ContentDriver) {
	case DriverFilesystem, "":
		return fsstore.New(filepath.Join(fsRoot(cfg), cfg.ContentBucket))
	case DriverS3:
		return s3store.New(ctx, s3store.Config{
			Region:    cfg.S3.Region,
			Bucket:    cfg.ContentBucket,
			Endpoint:  cfg.S3.Endpoint,
			PathStyle: cfg.S3.PathStyle,
		})
	case DriverMemory:
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.ContentDriver)
	}
}

func fsRoot(cfg conf.BlobSettings) string {
	if cfg.FSRoot != "" {
		return cfg.FSRoot
	}
	return "./blobdata"
}
