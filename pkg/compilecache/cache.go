// Package compilecache is the content-addressed on-disk cache of compiled
// deployment binaries. Entries live at <root>/<2-hex>/<rest>/binary with a
// sibling .meta file; writes are copy-then-rename so concurrent processes
// sharing a root stay consistent, with last write winning.
package compilecache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/iepathos/rustle-deploy/pkg/rderrors"
	"github.com/iepathos/rustle-deploy/pkg/rdlog"
)

// Meta is the sidecar record stored next to each cached binary.
type Meta struct {
	Checksum     string    `json:"checksum"`
	TargetTriple string    `json:"target_triple"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
}

// Cache is bound to a root directory for the life of the process.
type Cache struct {
	root string
	log  *rdlog.Logger
}

// New builds a Cache rooted at root, creating it if needed.
func New(root string) (*Cache, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("compilecache: creating root %q: %w", root, err)
	}
	return &Cache{root: root, log: rdlog.Get().With("component", "compilecache")}, nil
}

func (c *Cache) entryDir(key string) string {
	if len(key) < 3 {
		return filepath.Join(c.root, "xx", key)
	}
	return filepath.Join(c.root, key[:2], key[2:])
}

// BinaryPath returns where the binary for key lives, whether or not an
// entry exists.
func (c *Cache) BinaryPath(key string) string {
	return filepath.Join(c.entryDir(key), "binary")
}

func (c *Cache) metaPath(key string) string {
	return filepath.Join(c.entryDir(key), ".meta")
}

// Get returns the path to a cached binary iff the entry exists and its
// stored checksum still matches the file on disk. Any corruption or read
// failure degrades to a miss.
func (c *Cache) Get(key string) (string, bool) {
	metaRaw, err := os.ReadFile(c.metaPath(key))
	if err != nil {
		return "", false
	}
	var meta Meta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		c.log.Warnw("corrupted cache metadata, treating as miss", "key", key, "error", err)
		return "", false
	}

	binPath := c.BinaryPath(key)
	actual, err := FileChecksum(binPath)
	if err != nil {
		c.log.Warnw("cached binary unreadable, treating as miss", "key", key, "error", err)
		return "", false
	}
	if actual != meta.Checksum {
		c.log.Warnw("cached binary checksum mismatch, treating as miss",
			"key", key, "expected", meta.Checksum, "actual", actual)
		return "", false
	}
	return binPath, true
}

// GetMeta reads the sidecar record for key.
func (c *Cache) GetMeta(key string) (Meta, bool) {
	raw, err := os.ReadFile(c.metaPath(key))
	if err != nil {
		return Meta{}, false
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Meta{}, false
	}
	return meta, true
}

// Put installs binaryPath under key. The binary and its metadata are both
// written to temp files and renamed into place, so readers never observe
// a partial entry.
func (c *Cache) Put(key, binaryPath, checksum, targetTriple string) error {
	dir := c.entryDir(key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &rderrors.CacheError{Op: "put", Key: key, Reason: err}
	}

	info, err := os.Stat(binaryPath)
	if err != nil {
		return &rderrors.CacheError{Op: "put", Key: key, Reason: err}
	}

	if err := atomicCopy(binaryPath, c.BinaryPath(key), 0755); err != nil {
		return &rderrors.CacheError{Op: "put", Key: key, Reason: err}
	}

	meta := Meta{
		Checksum:     checksum,
		TargetTriple: targetTriple,
		Size:         info.Size(),
		CreatedAt:    time.Now().UTC(),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return &rderrors.CacheError{Op: "put", Key: key, Reason: err}
	}
	if err := atomicWrite(c.metaPath(key), raw, 0644); err != nil {
		return &rderrors.CacheError{Op: "put", Key: key, Reason: err}
	}

	c.log.Debugw("cache entry stored", "key", key, "size", meta.Size)
	return nil
}

// Keys walks the cache and returns every stored key.
func (c *Cache) Keys() ([]string, error) {
	var keys []string
	prefixes, err := os.ReadDir(c.root)
	if err != nil {
		return nil, &rderrors.CacheError{Op: "keys", Key: "", Reason: err}
	}
	for _, prefix := range prefixes {
		if !prefix.IsDir() {
			continue
		}
		rest, err := os.ReadDir(filepath.Join(c.root, prefix.Name()))
		if err != nil {
			continue
		}
		for _, entry := range rest {
			if entry.IsDir() {
				keys = append(keys, prefix.Name()+entry.Name())
			}
		}
	}
	return keys, nil
}

func atomicCopy(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dst)
}

func atomicWrite(dst string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dst)
}

// FileChecksum computes the hex SHA-256 of a file's contents.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
