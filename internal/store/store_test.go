package store

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/issuepilot/issuepilot/internal/common/errors"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestPutGetRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	in := doc{Name: "ABC-7", Count: 3}
	require.NoError(t, s.Put("ABC-7", in))

	var out doc
	require.NoError(t, s.Get("ABC-7", &out))
	assert.Equal(t, in, out)
	assert.True(t, s.Exists("ABC-7"))
}

func TestGetMissing(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	var out doc
	err = s.Get("nope", &out)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.Code(err))
	assert.False(t, s.Exists("nope"))
}

func TestPutOverwrites(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put("d", doc{Count: 1}))
	require.NoError(t, s.Put("d", doc{Count: 2}))

	var out doc
	require.NoError(t, s.Get("d", &out))
	assert.Equal(t, 2, out.Count)
}

func TestInvalidIDs(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "a/b", `a\b`, "..", "a..b"} {
		assert.Error(t, s.Put(id, doc{}), id)
		assert.False(t, s.Exists(id), id)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put("d", doc{}))
	require.NoError(t, s.Delete("d"))
	assert.False(t, s.Exists("d"))
	require.NoError(t, s.Delete("d"))
}

func TestListSkipsNonDocuments(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.Put("b", doc{}))
	require.NoError(t, s.Put("a", doc{}))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "archive"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.json"), []byte("{}"), 0o644))

	ids, err := s.List()
	require.NoError(t, err)
	sort.Strings(ids)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestNoPartialDocumentVisible(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put("d", doc{Count: 1}))

	// Temp files from in-flight writes never show up as documents.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, e.IsDir())
		assert.Equal(t, "d.json", e.Name())
	}
}

func TestFileMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on windows")
	}
	dir := filepath.Join(t.TempDir(), "tokens")
	s, err := New(dir, WithFileMode(0o600))
	require.NoError(t, err)
	require.NoError(t, s.Put("token", doc{}))

	info, err := os.Stat(filepath.Join(dir, "token.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	dirInfo, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())
}

func TestSubStore(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	sub, err := s.Sub("providers")
	require.NoError(t, err)
	require.NoError(t, sub.Put("state", doc{Count: 7}))

	assert.FileExists(t, filepath.Join(dir, "providers", "state.json"))

	// The parent's listing does not see the subdirectory.
	ids, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}
