// Package core defines the blob storage abstraction shared by the backend
// implementations and the location resolver.
package core

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"time"
)

// Driver identifies a concrete blob storage backend implementation.
type Driver string

const (
	// DriverFilesystem stores blobs under a local directory root.
	DriverFilesystem Driver = "fs"
	// DriverS3 talks to S3 or an S3 compatible endpoint such as MinIO.
	DriverS3 Driver = "s3"
	// DriverMemory keeps blobs in process memory.
	DriverMemory Driver = "memory"
)

// PutOptions specifies optional parameters for Put.
type PutOptions struct {
	ContentType string            // MIME type, optional
	Metadata    map[string]string // User metadata (small, flat key-value)
}

// SignedURLOptions holds options for generating a pre-signed URL.
type SignedURLOptions struct {
	Method  string        // only GET is supported
	Expiry  time.Duration // default 15m
	Headers map[string]string
}

// Info describes a stored blob.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
	URL          string            `json:"url,omitempty"`
}

// Store is a single-bucket object store. Put is create-only; replacing an
// object is Delete followed by Put.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	PresignURL(ctx context.Context, key string, opts SignedURLOptions) (string, error)
	Driver() Driver
}

var (
	// ErrUnsupported is returned when an optional capability is not available.
	ErrUnsupported = errors.New("blobstore: unsupported operation")
	// ErrExists is returned by Put when the key is already taken.
	ErrExists = errors.New("blobstore: object already exists")
	// ErrNotFound is returned by Get and Head for unknown keys. It matches
	// fs.ErrNotExist so callers can test either.
	ErrNotFound = fs.ErrNotExist
	// ErrAccessDenied is returned when the backend refuses the request.
	ErrAccessDenied = fs.ErrPermission
)
