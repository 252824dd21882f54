package storage

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cutout/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	base := t.TempDir()
	return New(filepath.Join(base, "uploads"), filepath.Join(base, "outputs"), zerolog.Nop())
}

func TestPutCreatesDirAndFindsByPrefix(t *testing.T) {
	s := newTestStore(t)
	id := models.NewArtifactID()

	path, n, err := s.Put(models.RoleInput, id, "jpg", strings.NewReader("jpeg-bytes"))
	require.NoError(t, err)
	assert.Equal(t, int64(len("jpeg-bytes")), n)
	assert.Equal(t, string(id)+".jpg", path.Name())

	found, err := s.FindByIDPrefix(models.RoleInput, id)
	require.NoError(t, err)
	assert.Equal(t, path, found)

	data, err := os.ReadFile(string(found))
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))
}

func TestPutOutputNaming(t *testing.T) {
	s := newTestStore(t)
	path, _, err := s.Put(models.RoleOutput, "abc123", "png", strings.NewReader("png"))
	require.NoError(t, err)
	assert.Equal(t, "abc123_processed.png", path.Name())

	found, err := s.FindByIDPrefix(models.RoleOutput, "abc123")
	require.NoError(t, err)
	assert.Equal(t, path, found)
}

func TestPutWithoutExtension(t *testing.T) {
	s := newTestStore(t)
	path, _, err := s.Put(models.RoleInput, "abc123", "", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, "abc123", path.Name())
}

func TestPutRejectsUnsafeID(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []models.ArtifactID{"", "../escape", "a/b", ".hidden"} {
		_, _, err := s.Put(models.RoleInput, id, "png", strings.NewReader("x"))
		assert.Error(t, err, "id %q", id)
	}
	names, err := s.List(models.RoleInput)
	require.NoError(t, err)
	assert.Empty(t, names)
}

type failingReader struct{ sent bool }

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, "partial"), nil
	}
	return 0, errors.New("source broke")
}

func TestPutFailureLeavesNothingBehind(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Put(models.RoleOutput, "abc123", "png", &failingReader{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source broke")
	var ioErr *IOError
	assert.False(t, errors.As(err, &ioErr), "source failures are not disk failures")

	names, err := s.List(models.RoleOutput)
	require.NoError(t, err)
	assert.Empty(t, names)
	_, err = s.FindByIDPrefix(models.RoleOutput, "abc123")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindByIDPrefixRequiresNameBoundary(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Put(models.RoleInput, "abc1234", "png", strings.NewReader("x"))
	require.NoError(t, err)

	_, err = s.FindByIDPrefix(models.RoleInput, "abc123")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindByIDPrefix(models.RoleInput, "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindByIDPrefix(models.RoleInput, "abc1234")
	assert.NoError(t, err)
}

func TestFindByIDPrefixMissingDir(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FindByIDPrefix(models.RoleInput, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenReportsSize(t *testing.T) {
	s := newTestStore(t)
	payload := bytes.Repeat([]byte{0xAB}, 1024)
	path, _, err := s.Put(models.RoleInput, "abc123", "png", bytes.NewReader(payload))
	require.NoError(t, err)

	f, size, err := s.Open(path)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, int64(1024), size)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, _, err = s.Open(StoredPath(filepath.Join(s.Dir(models.RoleInput), "nope.png")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	path, _, err := s.Put(models.RoleInput, "abc123", "png", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(path))
	require.NoError(t, s.Delete(path))
	require.NoError(t, s.Delete(""))
	_, err = s.FindByIDPrefix(models.RoleInput, "abc123")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepOlderThan(t *testing.T) {
	s := newTestStore(t)
	old, _, err := s.Put(models.RoleInput, "old", "png", strings.NewReader("x"))
	require.NoError(t, err)
	_, _, err = s.Put(models.RoleInput, "fresh", "png", strings.NewReader("x"))
	require.NoError(t, err)
	stale := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(string(old), stale, stale))

	n, err := s.SweepOlderThan(models.RoleInput, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	names, err := s.List(models.RoleInput)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh.png"}, names)
}

func TestSweepZeroAndHugeAge(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []models.ArtifactID{"a", "b", "c"} {
		_, _, err := s.Put(models.RoleOutput, id, "png", strings.NewReader("x"))
		require.NoError(t, err)
	}

	n, err := s.SweepOlderThan(models.RoleOutput, time.Duration(1<<63-1))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.SweepOlderThan(models.RoleOutput, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.SweepOlderThan(models.RoleInput, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "missing directory sweeps nothing")
}

func TestUnknownRole(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Put(models.Role("thumbs"), "abc", "png", strings.NewReader("x"))
	assert.Error(t, err)
	_, err = s.SweepOlderThan(models.Role("thumbs"), 0)
	assert.Error(t, err)
}
