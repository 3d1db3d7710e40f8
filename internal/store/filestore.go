package store

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/karlmjogila/swarmops-sub006/internal/errors"
)

// FileStore persists one JSON document per key in a single directory.
// Keys are escaped into filenames, writes go through a temp-file-then-rename
// so readers never observe a partial document, and a directory-level flock
// protects against concurrent swarmops processes.
type FileStore struct {
	dir string
}

// Compile-time check that FileStore implements Store.
var _ Store = (*FileStore)(nil)

// NewFileStore creates (if needed) the directory and returns a FileStore
// rooted at it.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.NewValidationError("store directory cannot be empty").WithField("dir")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.NewStoreError("create store directory", err)
	}
	return &FileStore{dir: dir}, nil
}

// keyToFile escapes a key into a flat filename. Path separators inside keys
// survive round-tripping because the whole key is percent-escaped.
func (s *FileStore) keyToFile(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key)+".json")
}

func fileToKey(name string) (string, bool) {
	if !strings.HasSuffix(name, ".json") {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
	if err != nil {
		return "", false
	}
	return key, true
}

// Get unmarshals the record at key into out.
func (s *FileStore) Get(key string, out any) (bool, error) {
	fl := NewFileLock(s.dir)
	if err := fl.Lock(); err != nil {
		return false, errors.NewStoreError("acquire lock", err).WithKey(key)
	}
	defer func() { _ = fl.Unlock() }()

	data, err := os.ReadFile(s.keyToFile(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.NewStoreError("read record", err).WithKey(key)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, errors.NewStoreError("unmarshal record", err).WithKey(key)
	}
	return true, nil
}

// Put marshals v and writes it at key. The write is atomic: data is written
// to a temporary file first, then renamed into place.
func (s *FileStore) Put(key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.NewStoreError("marshal record", err).WithKey(key)
	}

	fl := NewFileLock(s.dir)
	if err := fl.Lock(); err != nil {
		return errors.NewStoreError("acquire lock", err).WithKey(key)
	}
	defer func() { _ = fl.Unlock() }()

	target := s.keyToFile(key)
	tmp := target + ".tmp"

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.NewStoreError("write temp file", err).WithKey(key)
	}

	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return errors.NewStoreError("rename temp file", err).WithKey(key)
	}

	return nil
}

// Delete removes the record at key.
func (s *FileStore) Delete(key string) error {
	fl := NewFileLock(s.dir)
	if err := fl.Lock(); err != nil {
		return errors.NewStoreError("acquire lock", err).WithKey(key)
	}
	defer func() { _ = fl.Unlock() }()

	if err := os.Remove(s.keyToFile(key)); err != nil && !os.IsNotExist(err) {
		return errors.NewStoreError("remove record", err).WithKey(key)
	}
	return nil
}

// Keys returns all keys with the given prefix, sorted.
func (s *FileStore) Keys(prefix string) ([]string, error) {
	fl := NewFileLock(s.dir)
	if err := fl.Lock(); err != nil {
		return nil, errors.NewStoreError("acquire lock", err)
	}
	defer func() { _ = fl.Unlock() }()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.NewStoreError("read store directory", err)
	}

	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, ok := fileToKey(e.Name())
		if !ok {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

// Dir returns the directory the store is rooted at.
func (s *FileStore) Dir() string {
	return s.dir
}

// String implements fmt.Stringer for debugging.
func (s *FileStore) String() string {
	return fmt.Sprintf("FileStore(%s)", s.dir)
}
