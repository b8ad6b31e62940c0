// Package store persists per-entity JSON documents under a root directory.
// Each entity lives in its own file; writes go to a temp file in the same
// directory and are renamed into place so readers never observe a partial
// document.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	apperrors "github.com/issuepilot/issuepilot/internal/common/errors"
)

// MinFreeBytes is the free-space floor checked before every write.
const MinFreeBytes = 100 * 1024 * 1024

// Store is a filesystem-backed JSON document store.
type Store struct {
	root string
	mode os.FileMode

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-document write locks
}

// Option configures a Store.
type Option func(*Store)

// WithFileMode sets the permission bits used for documents and directories.
// The directory gets the mode with the execute bits implied.
func WithFileMode(mode os.FileMode) Option {
	return func(s *Store) { s.mode = mode }
}

// New creates a Store rooted at dir, creating it if needed.
func New(root string, opts ...Option) (*Store, error) {
	s := &Store{
		root:  root,
		mode:  0o644,
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	dirMode := s.mode | 0o100
	if dirMode&0o060 != 0 {
		dirMode |= 0o010
	}
	if dirMode&0o006 != 0 {
		dirMode |= 0o001
	}
	if err := os.MkdirAll(root, dirMode); err != nil {
		return nil, apperrors.Persistence("failed to create store root", err)
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// docLock returns the write lock for one document path.
func (s *Store) docLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[path]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[path] = lock
	return lock
}

func (s *Store) docPath(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return "", apperrors.Persistence(fmt.Sprintf("invalid document id %q", id), nil)
	}
	return filepath.Join(s.root, id+".json"), nil
}

// Put marshals v and atomically writes it as <root>/<id>.json.
// Fails with PERSISTENCE_ERROR when free disk space is below MinFreeBytes.
func (s *Store) Put(id string, v any) error {
	path, err := s.docPath(id)
	if err != nil {
		return err
	}

	free, err := freeBytes(s.root)
	if err == nil && free < MinFreeBytes {
		return apperrors.Persistence(
			fmt.Sprintf("insufficient disk space: %d bytes free, need %d", free, MinFreeBytes), nil)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperrors.Persistence("failed to marshal document", err)
	}

	lock := s.docLock(path)
	lock.Lock()
	defer lock.Unlock()

	tmp, err := os.CreateTemp(s.root, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return apperrors.Persistence("failed to create temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return apperrors.Persistence("failed to write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return apperrors.Persistence("failed to close temp file", err)
	}
	if err := os.Chmod(tmpName, s.mode); err != nil {
		_ = os.Remove(tmpName)
		return apperrors.Persistence("failed to chmod temp file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return apperrors.Persistence("failed to rename document into place", err)
	}
	return nil
}

// Get reads <root>/<id>.json into v. Returns NOT_FOUND when absent.
func (s *Store) Get(id string, v any) error {
	path, err := s.docPath(id)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return apperrors.NotFound("document", id)
		}
		return apperrors.Persistence("failed to read document", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.Persistence("failed to unmarshal document", err)
	}
	return nil
}

// Exists reports whether a document is present on disk.
func (s *Store) Exists(id string) bool {
	path, err := s.docPath(id)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Delete removes a document. Deleting a missing document is not an error.
func (s *Store) Delete(id string) error {
	path, err := s.docPath(id)
	if err != nil {
		return err
	}
	lock := s.docLock(path)
	lock.Lock()
	defer lock.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apperrors.Persistence("failed to delete document", err)
	}
	return nil
}

// List returns the ids of all documents in the store.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Persistence("failed to read store root", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// Sub returns a Store rooted at a subdirectory, sharing nothing with the
// parent beyond the path prefix.
func (s *Store) Sub(name string) (*Store, error) {
	return New(filepath.Join(s.root, name), WithFileMode(s.mode))
}
