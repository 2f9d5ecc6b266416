package market

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Cache sources reported by CatalogCache.Fresh.
const (
	SourceMemory = "memory"
	SourceDisk   = "disk"
)

// CatalogCache keeps the catalog in memory and in a file whose mtime is the TTL clock.
type CatalogCache struct {
	mu   sync.RWMutex
	path string
	ttl  time.Duration
	mem  *Catalog
	now  func() time.Time
}

// NewCatalogCache creates a cache persisting to path. A non-positive ttl disables caching.
func NewCatalogCache(path string, ttl time.Duration) *CatalogCache {
	return &CatalogCache{path: path, ttl: ttl, now: time.Now}
}

// Path returns the cache file location.
func (c *CatalogCache) Path() string { return c.path }

// TTL returns the configured time to live.
func (c *CatalogCache) TTL() time.Duration { return c.ttl }

func (c *CatalogCache) fresh(fetchedAt time.Time) bool {
	return c.ttl > 0 && c.now().Sub(fetchedAt) < c.ttl
}

// Fresh returns a catalog younger than the TTL, from memory or else from disk.
// Expired data is never returned.
func (c *CatalogCache) Fresh() (*Catalog, string, bool) {
	c.mu.RLock()
	mem := c.mem
	c.mu.RUnlock()
	if mem != nil && c.fresh(mem.FetchedAt()) {
		return mem, SourceMemory, true
	}
	if c.path == "" {
		return nil, "", false
	}

	info, err := os.Stat(c.path)
	if err != nil || !c.fresh(info.ModTime()) {
		return nil, "", false
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		log.Warn().Err(err).Str("path", c.path).Msg("Failed to read catalog cache file")
		return nil, "", false
	}
	instruments, err := ParseCatalog(data)
	if err != nil || len(instruments) == 0 {
		log.Warn().Err(err).Str("path", c.path).Msg("Catalog cache file unusable")
		return nil, "", false
	}

	cat := NewCatalog(instruments, info.ModTime())
	c.mu.Lock()
	c.mem = cat
	c.mu.Unlock()
	return cat, SourceDisk, true
}

// Store parses raw, persists it and installs the new in-memory catalog. A
// failed write still installs the catalog, clocked from now.
func (c *CatalogCache) Store(raw []byte) (*Catalog, error) {
	instruments, err := ParseCatalog(raw)
	if err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(instruments) == 0 {
		return nil, errors.New("catalog response contained no instruments")
	}

	fetchedAt := c.now()
	if c.path != "" {
		if mtime, err := writeAtomic(c.path, raw); err != nil {
			log.Warn().Err(err).Str("path", c.path).Msg("Failed to persist catalog cache")
		} else {
			fetchedAt = mtime
		}
	}

	cat := NewCatalog(instruments, fetchedAt)
	c.mu.Lock()
	c.mem = cat
	c.mu.Unlock()
	return cat, nil
}

// Clear removes the cache file and the in-memory catalog.
func (c *CatalogCache) Clear() error {
	c.mu.Lock()
	c.mem = nil
	c.mu.Unlock()

	if c.path == "" {
		return nil
	}
	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove catalog cache: %w", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) (time.Time, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return time.Time{}, err
	}
	tmp, err := os.CreateTemp(dir, ".catalog-*")
	if err != nil {
		return time.Time{}, err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return time.Time{}, err
	}
	if err := tmp.Close(); err != nil {
		return time.Time{}, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
