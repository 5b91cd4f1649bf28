// Package blob provides content-addressed storage for binary payloads.
//
// Blobs are keyed by the SHA-256 hex digest of their content. Storing the
// same bytes twice yields the same hash and is a no-op, which makes blob
// writes idempotent by construction. Reads verify the digest and fail with
// ErrCorrupt rather than returning bytes that no longer match their hash.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrNotFound is returned when no blob exists under a hash.
var ErrNotFound = errors.New("blob: not found")

// ErrCorrupt is returned when stored content no longer matches its hash.
var ErrCorrupt = errors.New("blob: content digest mismatch")

// Blob is a content-addressed binary payload.
type Blob struct {
	Hash        string
	Content     []byte
	ContentType string
}

// Store is the opaque blob interface the record store builds on.
type Store interface {
	// Put stores content and returns its hash.
	Put(content []byte, contentType string) (string, error)

	// Get returns the verified content for a hash.
	Get(hash string) ([]byte, error)

	// Stat returns blob metadata without necessarily reading content.
	Stat(hash string) (Blob, error)

	// Has reports whether a blob exists.
	Has(hash string) bool

	// Delete removes a blob. Deleting a missing blob is a no-op.
	Delete(hash string) error

	// Count returns the number of stored blobs.
	Count() uint64

	// TotalBytes returns the total content size.
	TotalBytes() uint64
}

// HashBytes computes the content hash used throughout the store.
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// MemStore keeps blobs in memory. The default for tests and for stores
// that persist through the durable layer instead.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string]Blob
	bytes uint64
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[string]Blob)}
}

func (m *MemStore) Put(content []byte, contentType string) (string, error) {
	hash := HashBytes(content)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[hash]; ok {
		return hash, nil
	}
	m.blobs[hash] = Blob{
		Hash:        hash,
		Content:     append([]byte(nil), content...),
		ContentType: contentType,
	}
	m.bytes += uint64(len(content))
	return hash, nil
}

func (m *MemStore) Get(hash string) ([]byte, error) {
	m.mu.RLock()
	b, ok := m.blobs[hash]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if HashBytes(b.Content) != hash {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, hash)
	}
	return append([]byte(nil), b.Content...), nil
}

func (m *MemStore) Stat(hash string) (Blob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[hash]
	if !ok {
		return Blob{}, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return Blob{Hash: b.Hash, ContentType: b.ContentType}, nil
}

func (m *MemStore) Has(hash string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[hash]
	return ok
}

func (m *MemStore) Delete(hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.blobs[hash]; ok {
		m.bytes -= uint64(len(b.Content))
		delete(m.blobs, hash)
	}
	return nil
}

func (m *MemStore) Count() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.blobs))
}

func (m *MemStore) TotalBytes() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytes
}

// Corrupt flips a stored blob's bytes without updating its hash.
// Test hook for the digest-verification path.
func (m *MemStore) Corrupt(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.blobs[hash]; ok && len(b.Content) > 0 {
		b.Content = append([]byte(nil), b.Content...)
		b.Content[0] ^= 0xff
		m.blobs[hash] = b
	}
}

// DirStore keeps blobs as files in a sharded directory tree: the first two
// hex characters of the hash pick the shard, the rest names the file.
// Content types are stored alongside as ".type" files. A bounded LRU keeps
// recently read blobs in memory.
type DirStore struct {
	root  string
	mu    sync.Mutex
	cache *lru.Cache[string, []byte]
	count uint64
	bytes uint64
}

// NewDirStore opens (or creates) a directory-backed store. cacheSize
// bounds the read cache entry count.
func NewDirStore(root string, cacheSize int) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, err
	}
	d := &DirStore{root: root, cache: cache}
	if err := d.scan(); err != nil {
		return nil, err
	}
	return d, nil
}

// scan walks the shard tree to rebuild counters.
func (d *DirStore) scan() error {
	shards, err := os.ReadDir(d.root)
	if err != nil {
		return fmt.Errorf("blob: scan root: %w", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(d.root, shard.Name()))
		if err != nil {
			return fmt.Errorf("blob: scan shard %s: %w", shard.Name(), err)
		}
		for _, f := range files {
			if filepath.Ext(f.Name()) == ".type" {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			d.count++
			d.bytes += uint64(info.Size())
		}
	}
	return nil
}

func (d *DirStore) pathFor(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(d.root, "xx", hash)
	}
	return filepath.Join(d.root, hash[:2], hash[2:])
}

func (d *DirStore) Put(content []byte, contentType string) (string, error) {
	hash := HashBytes(content)
	path := d.pathFor(hash)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("blob: create shard: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return "", fmt.Errorf("blob: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("blob: commit: %w", err)
	}
	if contentType != "" {
		_ = os.WriteFile(path+".type", []byte(contentType), 0o644)
	}
	d.count++
	d.bytes += uint64(len(content))
	d.cache.Add(hash, append([]byte(nil), content...))
	return hash, nil
}

func (d *DirStore) Get(hash string) ([]byte, error) {
	if content, ok := d.cache.Get(hash); ok {
		return append([]byte(nil), content...), nil
	}
	content, err := os.ReadFile(d.pathFor(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("blob: read: %w", err)
	}
	if HashBytes(content) != hash {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, hash)
	}
	d.cache.Add(hash, append([]byte(nil), content...))
	return content, nil
}

func (d *DirStore) Stat(hash string) (Blob, error) {
	if !d.Has(hash) {
		return Blob{}, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	ct, _ := os.ReadFile(d.pathFor(hash) + ".type")
	return Blob{Hash: hash, ContentType: string(ct)}, nil
}

func (d *DirStore) Has(hash string) bool {
	_, err := os.Stat(d.pathFor(hash))
	return err == nil
}

func (d *DirStore) Delete(hash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	path := d.pathFor(hash)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("blob: stat: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("blob: delete: %w", err)
	}
	_ = os.Remove(path + ".type")
	d.cache.Remove(hash)
	d.count--
	d.bytes -= uint64(info.Size())
	return nil
}

func (d *DirStore) Count() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

func (d *DirStore) TotalBytes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bytes
}
