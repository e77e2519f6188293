package qualified

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"
)

// TLCache stores downloaded list documents keyed by URL.
type TLCache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte) error
}

// InMemoryTLCache keeps documents in process memory.
type InMemoryTLCache struct {
	c *gocache.Cache
}

// NewInMemoryTLCache creates an in-memory cache. A non-positive expireAfter
// keeps entries forever.
func NewInMemoryTLCache(expireAfter time.Duration) *InMemoryTLCache {
	if expireAfter <= 0 {
		return &InMemoryTLCache{c: gocache.New(gocache.NoExpiration, 0)}
	}
	return &InMemoryTLCache{c: gocache.New(expireAfter, 2*expireAfter)}
}

// Get retrieves a cached value.
func (c *InMemoryTLCache) Get(key string) ([]byte, bool) {
	v, ok := c.c.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// Set stores a value in the cache.
func (c *InMemoryTLCache) Set(key string, value []byte) error {
	c.c.Set(key, value, gocache.DefaultExpiration)
	return nil
}

// FileSystemTLCache keeps documents in a directory with a JSON index.
type FileSystemTLCache struct {
	mu          sync.RWMutex
	root        string
	expireAfter time.Duration
	clock       clockwork.Clock
	index       map[string]cacheEntry
}

type cacheEntry struct {
	ExpEpochSeconds int64  `json:"exp_epoch_seconds,omitempty"`
	Fname           string `json:"fname"`
}

const cacheIndexName = "index.json"

// NewFileSystemTLCache opens the cache rooted at dir. The directory is
// created on first write. A non-positive expireAfter keeps entries until the
// cache is invalidated.
func NewFileSystemTLCache(dir string, expireAfter time.Duration) *FileSystemTLCache {
	c := &FileSystemTLCache{
		root:        dir,
		expireAfter: expireAfter,
		clock:       clockwork.NewRealClock(),
		index:       make(map[string]cacheEntry),
	}
	if data, err := os.ReadFile(filepath.Join(dir, cacheIndexName)); err == nil {
		if err := json.Unmarshal(data, &c.index); err != nil {
			c.index = make(map[string]cacheEntry)
		}
	}
	return c
}

// Dir returns the cache directory.
func (c *FileSystemTLCache) Dir() string {
	return c.root
}

// Get retrieves a cached value.
func (c *FileSystemTLCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.index[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if entry.ExpEpochSeconds > 0 && c.clock.Now().Unix() > entry.ExpEpochSeconds {
		return nil, false
	}
	content, err := os.ReadFile(filepath.Join(c.root, entry.Fname))
	if err != nil {
		return nil, false
	}
	return content, true
}

// Set stores a value in the cache.
func (c *FileSystemTLCache) Set(key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	hash := sha256.Sum256([]byte(key))
	entry := cacheEntry{Fname: hex.EncodeToString(hash[:]) + ".xml"}
	if c.expireAfter > 0 {
		entry.ExpEpochSeconds = c.clock.Now().Add(c.expireAfter).Unix()
	}

	if err := os.WriteFile(filepath.Join(c.root, entry.Fname), value, 0o644); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	c.index[key] = entry
	indexData, err := json.Marshal(c.index)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.root, cacheIndexName), indexData, 0o644)
}

// Reset removes every cached document.
func (c *FileSystemTLCache) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := InvalidateCache(c.root); err != nil {
		return err
	}
	c.index = make(map[string]cacheEntry)
	return nil
}

// InvalidateCache empties the cache directory dir. A directory that does not
// exist yet is not an error.
func InvalidateCache(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read TSL cache directory: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("failed to clean TSL cache directory: %w", err)
		}
	}
	return nil
}

// Reset drops every cached document.
func (c *InMemoryTLCache) Reset() error {
	c.c.Flush()
	return nil
}
