package structure

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/lucasnoah/recdeploy/internal/record"
)

// Cache stores indices keyed by tree hash, in memory and optionally on disk.
// Entries are stored serialized so callers never share an Index.
type Cache struct {
	dir string

	mu  sync.Mutex
	mem map[string][]byte
}

// NewCache creates a cache. An empty dir keeps entries in memory only.
func NewCache(dir string) *Cache {
	return &Cache{dir: dir, mem: map[string][]byte{}}
}

func (c *Cache) path(hash string) string {
	return filepath.Join(c.dir, hash+".json")
}

// Get returns a fresh copy of the index for hash.
func (c *Cache) Get(hash string) (*Index, bool) {
	c.mu.Lock()
	data, ok := c.mem[hash]
	c.mu.Unlock()

	if !ok && c.dir != "" {
		var err error
		data, err = os.ReadFile(c.path(hash))
		if err != nil {
			return nil, false
		}
		c.mu.Lock()
		c.mem[hash] = data
		c.mu.Unlock()
	}
	if data == nil {
		return nil, false
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil || idx.Hash != hash {
		return nil, false
	}
	return &idx, true
}

// Put stores idx under its hash. The root path is not stored so worktrees
// of the same tree share an entry.
func (c *Cache) Put(idx *Index) error {
	if idx.Hash == "" {
		return errors.New("index has no hash")
	}
	cp := *idx
	cp.Root = ""
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	c.mu.Lock()
	c.mem[idx.Hash] = data
	c.mu.Unlock()

	if c.dir == "" {
		return nil
	}
	return record.WriteAtomic(c.path(idx.Hash), data)
}
