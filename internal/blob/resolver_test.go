package blob

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scanqa/internal/conf"
	s3store "scanqa/internal/infra/blob/s3"
	"scanqa/internal/logging"
)

func mockResolver(backend *s3store.MockBackend) *Resolver {
	r := DefaultResolver(conf.BlobSettings{}, logging.Discard())
	r.Register("s3", func(_ context.Context, bucket string, public bool) (Store, error) {
		return backend.Store(bucket, public), nil
	})
	return r
}

func TestResolverReadsS3AndLocal(t *testing.T) {
	backend := s3store.NewMockBackend()
	backend.Seed("scans", "sub-01/frame.nii", []byte("blob-bytes"))
	r := mockResolver(backend)
	ctx := context.Background()

	data, err := r.ReadAll(ctx, "s3://scans/sub-01/frame.nii", true)
	require.NoError(t, err)
	assert.Equal(t, "blob-bytes", string(data))

	local := filepath.Join(t.TempDir(), "frame.nii")
	require.NoError(t, os.WriteFile(local, []byte("local-bytes"), 0o600))
	data, err = r.ReadAll(ctx, local, false)
	require.NoError(t, err)
	assert.Equal(t, "local-bytes", string(data))

	_, err = r.ReadAll(ctx, "s3://scans/missing.nii", true)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	_, err = r.ReadAll(ctx, filepath.Join(t.TempDir(), "missing.nii"), false)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	backend.Deny("private")
	_, err = r.ReadAll(ctx, "s3://private/frame.nii", false)
	assert.ErrorIs(t, err, fs.ErrPermission)
}

func TestResolverWriteReplacesObjects(t *testing.T) {
	backend := s3store.NewMockBackend()
	r := mockResolver(backend)
	ctx := context.Background()

	require.NoError(t, r.Write(ctx, "s3://exports/project.json", false, []byte(`{"v":1}`), "application/json"))
	require.NoError(t, r.Write(ctx, "s3://exports/project.json", false, []byte(`{"v":2}`), "application/json"))
	body, ok := backend.Object("exports", "project.json")
	require.True(t, ok)
	assert.Equal(t, `{"v":2}`, string(body))

	dir := t.TempDir()
	require.NoError(t, r.Write(ctx, filepath.Join(dir, "out.csv"), false, []byte("a,b\n"), "text/csv"))
	err := r.Write(ctx, filepath.Join(dir, "missing", "out.csv"), false, []byte("x"), "text/csv")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestResolverExistsAndCaching(t *testing.T) {
	r := DefaultResolver(conf.BlobSettings{FSRoot: t.TempDir()}, logging.Discard())
	ctx := context.Background()

	ok, err := r.Exists(ctx, "memory://bucket/a.nii", false)
	require.NoError(t, err)
	assert.False(t, ok)

	loc, err := ParseLocation("memory://bucket/a.nii")
	require.NoError(t, err)
	st, err := r.Store(ctx, loc, false)
	require.NoError(t, err)
	_, err = st.Put(ctx, "a.nii", bytes.NewReader([]byte("x")), PutOptions{})
	require.NoError(t, err)

	ok, err = r.Exists(ctx, "memory://bucket/a.nii", false)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, r.Write(ctx, "fs://frames/sub/b.nii", false, []byte("y"), ""))
	ok, err = r.Exists(ctx, "fs://frames/sub/b.nii", false)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = r.Exists(ctx, "gs://bucket/key", false)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestOpenContentStore(t *testing.T) {
	st, err := OpenContentStore(context.Background(), conf.BlobSettings{ContentDriver: "memory"})
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, st.Driver())

	st, err = OpenContentStore(context.Background(), conf.BlobSettings{ContentDriver: "fs", FSRoot: t.TempDir(), ContentBucket: "frames"})
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, st.Driver())

	_, err = OpenContentStore(context.Background(), conf.BlobSettings{ContentDriver: "ftp"})
	assert.Error(t, err)
}
