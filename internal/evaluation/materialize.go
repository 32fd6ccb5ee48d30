package evaluation

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"scanqa/internal/blob"
	scanerrors "scanqa/internal/errors"
	"scanqa/pkg/domain"
)

// Materializer makes a frame's bytes available as a local file. Local frames
// are used in place; blob URIs and uploaded content are copied into the
// caller's scratch directory.
type Materializer struct {
	blobs   *blob.Resolver
	content blob.Store
}

// NewMaterializer returns a materializer. Either source may be nil when the
// deployment has no frames of that kind.
func NewMaterializer(blobs *blob.Resolver, content blob.Store) *Materializer {
	return &Materializer{blobs: blobs, content: content}
}

// Materialize returns a readable path for frame, writing into dir when a
// copy is needed.
func (m *Materializer) Materialize(ctx context.Context, dir string, frame domain.Frame, public bool) (string, error) {
	switch frame.Storage() {
	case domain.FrameStorageLocal:
		if _, err := os.Stat(frame.RawPath); err != nil {
			return "", frameFileError(err, frame.RawPath)
		}
		return frame.RawPath, nil
	case domain.FrameStorageBlob:
		if m.blobs == nil {
			return "", scanerrors.InvalidFormat("no blob resolver for " + frame.RawPath)
		}
		rc, err := m.blobs.Open(ctx, frame.RawPath, public)
		if err != nil {
			return "", frameFileError(err, frame.RawPath)
		}
		return copyInto(dir, frame.ID, frame.RawPath, rc)
	default:
		if m.content == nil {
			return "", scanerrors.InvalidFormat("no content store for uploaded frame " + frame.ID)
		}
		_, rc, err := m.content.Get(ctx, frame.ContentKey)
		if err != nil {
			return "", frameFileError(err, frame.ContentKey)
		}
		return copyInto(dir, frame.ID, frame.ContentKey, rc)
	}
}

// copyInto keeps the source's base name so multi-part extensions such as
// .nii.gz survive.
func copyInto(dir, frameID, source string, rc io.ReadCloser) (string, error) {
	defer func() { _ = rc.Close() }()
	base := source
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	path := filepath.Join(dir, frameID+"_"+base)
	f, err := os.Create(path)
	if err != nil {
		return "", frameFileError(err, path)
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return "", frameFileError(err, source)
	}
	if err := f.Close(); err != nil {
		return "", frameFileError(err, path)
	}
	return path, nil
}

func frameFileError(err error, location string) error {
	category := scanerrors.CategoryFileIO
	switch {
	case scanerrors.Is(err, os.ErrNotExist):
		category = scanerrors.CategoryNotFound
	case scanerrors.Is(err, os.ErrPermission):
		category = scanerrors.CategoryPermissionDenied
	}
	return scanerrors.New(err).
		Component("evaluation").
		Category(category).
		Context("location", location).
		Build()
}
