// Package blob resolves frame and import/export locations to storage
// backends. Locations are either local filesystem paths or
// scheme://bucket/key URIs served by a per-scheme Store.
package blob

import (
	"scanqa/internal/blob/core"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// SignedURLOptions configures URL pre-signing.
	SignedURLOptions = core.SignedURLOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrUnsupported  = core.ErrUnsupported
	ErrExists       = core.ErrExists
	ErrNotFound     = core.ErrNotFound
	ErrAccessDenied = core.ErrAccessDenied
)
