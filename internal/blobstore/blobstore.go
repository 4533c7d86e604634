// Package blobstore is the content-addressed blob layer: bytes are keyed
// by the hex sha256 digest of their contents and sharded on disk by the
// first two hex characters of that digest, adapted from goclaw's
// internal/media package (which shards by subdir + random filename, not
// digest) into a permanent, dedup-by-construction store.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	. "github.com/noema/ucm/internal/logging"
	"github.com/noema/ucm/internal/storeerr"
)

// Store is a content-addressed blob store rooted at a base directory.
type Store struct {
	baseDir string
	mu      sync.Mutex
}

// New creates a blob store rooted at baseDir, creating the directory if
// it does not already exist.
func New(baseDir string) (*Store, error) {
	dir := filepath.Clean(baseDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, storeerr.IO("blobstore.New", fmt.Errorf("create base dir: %w", err))
	}
	return &Store{baseDir: dir}, nil
}

// Digest computes the content digest of bytes without storing them.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *Store) shardPath(digest string) (dir, path string) {
	shard := digest
	if len(shard) > 2 {
		shard = digest[:2]
	}
	dir = filepath.Join(s.baseDir, shard)
	path = filepath.Join(dir, digest)
	return dir, path
}

// Put writes data if not already present and returns its digest. Put is
// idempotent: concurrent writes of the same bytes converge on the same
// file via temp-file-then-rename, and a digest already on disk is left
// untouched.
func (s *Store) Put(data []byte) (digest string, err error) {
	digest = Digest(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	dir, path := s.shardPath(digest)
	if _, statErr := os.Stat(path); statErr == nil {
		return digest, nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", storeerr.IO("blobstore.Put", fmt.Errorf("create shard dir: %w", err))
	}

	tmp, err := os.CreateTemp(dir, digest+".tmp-*")
	if err != nil {
		return "", storeerr.IO("blobstore.Put", fmt.Errorf("create temp file: %w", err))
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", storeerr.IO("blobstore.Put", fmt.Errorf("write temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", storeerr.IO("blobstore.Put", fmt.Errorf("sync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", storeerr.IO("blobstore.Put", fmt.Errorf("close temp file: %w", err))
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return "", storeerr.IO("blobstore.Put", fmt.Errorf("chmod temp file: %w", err))
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", storeerr.IO("blobstore.Put", fmt.Errorf("rename temp file: %w", err))
	}

	L_debug("blobstore: put", "digest", digest, "size", len(data))
	return digest, nil
}

// Get reads the bytes stored under digest and verifies their digest
// matches before returning, surfacing a mismatch as an integrity error.
func (s *Store) Get(digest string) ([]byte, error) {
	_, path := s.shardPath(digest)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storeerr.NotFound("blobstore.Get", err)
		}
		return nil, storeerr.IO("blobstore.Get", err)
	}
	if got := Digest(data); got != digest {
		return nil, storeerr.Integrity("blobstore.Get", fmt.Errorf("digest mismatch: want %s got %s", digest, got))
	}
	return data, nil
}

// Exists reports whether digest has a blob on disk.
func (s *Store) Exists(digest string) bool {
	_, path := s.shardPath(digest)
	_, err := os.Stat(path)
	return err == nil
}

// Delete removes the blob for digest, reporting whether a file was
// actually removed.
func (s *Store) Delete(digest string) (bool, error) {
	_, path := s.shardPath(digest)
	err := os.Remove(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, storeerr.IO("blobstore.Delete", err)
	}
	return true, nil
}

// ListAll walks every shard directory, invoking fn once per digest found.
// It is meant for garbage-collection surfaces scanning the whole store.
func (s *Store) ListAll(fn func(digest string) error) error {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return storeerr.IO("blobstore.ListAll", err)
	}
	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		shardDir := filepath.Join(s.baseDir, shard.Name())
		files, err := os.ReadDir(shardDir)
		if err != nil {
			return storeerr.IO("blobstore.ListAll", err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			if err := fn(f.Name()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Copy writes the blob for digest into w. It reads the whole blob into
// memory through Get, which verifies the digest, before writing it.
func (s *Store) Copy(w io.Writer, digest string) error {
	data, err := s.Get(digest)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string { return s.baseDir }
