package blob_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/docflow/internal/errs"
	"github.com/xhad/docflow/pkg/blob"
)

type mapIndex map[string]string

func (m mapIndex) PathForHash(_ context.Context, hash string) (string, error) {
	return m[hash], nil
}

type failingBackend struct{ *blob.MemoryBackend }

func (f *failingBackend) Put(context.Context, string, []byte) error {
	return errors.New("bucket is read-only")
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestSaveDeduplicatesIdenticalBytes(t *testing.T) {
	backend := blob.NewMemoryBackend()
	svc, err := blob.NewWithConfig(blob.ServiceConfig{
		Backend: backend,
		Now:     fixedClock(time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	ctx := context.Background()
	content := []byte("%PDF-1.7 floor plan level 1")

	first, err := svc.Save(ctx, "floorplan-A.pdf", content)
	require.NoError(t, err)
	second, err := svc.Save(ctx, "plan.PDF", content)
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, int64(len(content)), first.Size)
	assert.Equal(t, 1, backend.Puts())
	assert.Regexp(t, `^2024/03/09/[0-9a-f]{64}\.pdf$`, first.Path)
}

func TestSaveResolvesThroughHashIndex(t *testing.T) {
	backend := blob.NewMemoryBackend()
	index := mapIndex{}
	day := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	now := day

	svc, err := blob.NewWithConfig(blob.ServiceConfig{
		Backend: backend,
		Index:   index,
		Now:     func() time.Time { return now },
	})
	require.NoError(t, err)

	ctx := context.Background()
	content := []byte("same bytes")

	first, err := svc.Save(ctx, "a.pdf", content)
	require.NoError(t, err)
	index[first.Hash] = first.Path

	now = day.AddDate(0, 0, 3)
	second, err := svc.Save(ctx, "b.png", content)
	require.NoError(t, err)

	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, 1, backend.Puts())
}

func TestSaveRewritesWhenIndexedObjectIsGone(t *testing.T) {
	backend := blob.NewMemoryBackend()
	index := mapIndex{}
	svc, err := blob.NewWithConfig(blob.ServiceConfig{Backend: backend, Index: index})
	require.NoError(t, err)

	ctx := context.Background()
	first, err := svc.Save(ctx, "a.txt", []byte("hello"))
	require.NoError(t, err)
	index[first.Hash] = first.Path
	require.NoError(t, backend.Delete(ctx, first.Path))

	second, err := svc.Save(ctx, "a.txt", []byte("hello"))
	require.NoError(t, err)

	data, err := svc.Get(ctx, second.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestSaveSurfacesBackendFailure(t *testing.T) {
	svc, err := blob.NewWithConfig(blob.ServiceConfig{Backend: &failingBackend{blob.NewMemoryBackend()}})
	require.NoError(t, err)

	_, err = svc.Save(context.Background(), "a.pdf", []byte("x"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindStorage))
	assert.Contains(t, err.Error(), "read-only")
}

func TestGetAndDelete(t *testing.T) {
	svc, err := blob.NewWithConfig(blob.ServiceConfig{Backend: blob.NewMemoryBackend()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.Get(ctx, "2024/01/01/missing.pdf")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindStorage))
	assert.ErrorIs(t, err, blob.ErrNotFound)

	assert.NoError(t, svc.Delete(ctx, "2024/01/01/missing.pdf"))
}

func TestNewWithConfigRequiresBackend(t *testing.T) {
	_, err := blob.NewWithConfig(blob.ServiceConfig{})
	assert.Error(t, err)
}

func TestLocalBackend(t *testing.T) {
	root := t.TempDir()
	backend, err := blob.NewLocalBackend(root)
	require.NoError(t, err)
	ctx := context.Background()

	key := "2024/05/01/abc.pdf"
	ok, err := backend.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, backend.Put(ctx, key, []byte("drawing")))
	ok, err = backend.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	onDisk, err := os.ReadFile(filepath.Join(root, "2024", "05", "01", "abc.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "drawing", string(onDisk))

	data, err := backend.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "drawing", string(data))

	require.NoError(t, backend.Delete(ctx, key))
	require.NoError(t, backend.Delete(ctx, key))

	_, err = backend.Get(ctx, key)
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestLocalBackendRejectsTraversal(t *testing.T) {
	backend, err := blob.NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	tests := []string{"../etc/passwd", "/abs/key", "", `a\b`}
	for _, key := range tests {
		t.Run(key, func(t *testing.T) {
			assert.Error(t, backend.Put(context.Background(), key, []byte("x")))
		})
	}
}

func TestKey(t *testing.T) {
	ts := time.Date(2023, 12, 31, 23, 30, 0, 0, time.FixedZone("x", -5*3600))
	assert.Equal(t, "2024/01/01/deadbeef.dwg", blob.Key(ts, "deadbeef", "Site Plan.DWG"))
	assert.Equal(t, "2024/01/01/deadbeef", blob.Key(ts, "deadbeef", "README"))
}
