// Package blobstore provides the external value store the watcher uses
// to persist old/new values that exceed the inline threshold.
//
// The core contract is deliberately small: opaque keys, whole-value
// put/get/delete. FileStore is the bundled implementation, one file per
// key under a spill directory, written atomically so a crashed writer
// never leaves a torn value behind.
package blobstore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
)

// ErrNotFound indicates the key has no stored value.
var ErrNotFound = errors.New("blobstore: key not found")

// ErrInvalidKey indicates an empty or path-escaping key.
var ErrInvalidKey = errors.New("blobstore: invalid key")

// Store is the key/value contract the engine depends on. Persistence
// properties are up to the implementation; if no store is configured,
// oversized values are dropped and only previews are emitted.
type Store interface {
	Put(key string, val []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
}

// NewKey returns a fresh opaque storage key.
func NewKey() string {
	return uuid.NewString()
}

// FileStore stores one value per file in a directory. Safe for
// concurrent use.
type FileStore struct {
	mu  sync.RWMutex
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates dir if needed and returns a store over it.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty directory", ErrInvalidKey)
	}

	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	return &FileStore{dir: dir}, nil
}

// Put stores val under key, replacing any previous value atomically.
func (s *FileStore) Put(key string, val []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	writeErr := atomic.WriteFile(path, bytes.NewReader(val))
	if writeErr != nil {
		return fmt.Errorf("put %s: %w", key, writeErr)
	}

	return nil
}

// Get returns the value stored under key.
func (s *FileStore) Get(key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		return nil, fmt.Errorf("get %s: %w", key, readErr)
	}

	return data, nil
}

// Delete removes the value stored under key. Deleting an absent key
// returns ErrNotFound.
func (s *FileStore) Delete(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rmErr := os.Remove(path)
	if rmErr != nil {
		if os.IsNotExist(rmErr) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		return fmt.Errorf("delete %s: %w", key, rmErr)
	}

	return nil
}

// Len returns the number of stored values.
func (s *FileStore) Len() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("list store dir: %w", err)
	}

	n := 0

	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}

	return n, nil
}

// BytesUsed returns the total size of stored values.
func (s *FileStore) BytesUsed() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("list store dir: %w", err)
	}

	var total int64

	for _, e := range entries {
		info, infoErr := e.Info()
		if infoErr != nil {
			continue
		}

		if !info.IsDir() {
			total += info.Size()
		}
	}

	return total, nil
}

// path validates the key and maps it to a file path. Keys are opaque but
// must not escape the store directory.
func (s *FileStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, "/\\") || key == "." || key == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	return filepath.Join(s.dir, key), nil
}
