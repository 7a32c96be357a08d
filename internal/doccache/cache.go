// Package doccache memoizes parsed documents on disk so a cache hit
// short-circuits every network call for that document.
package doccache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/bull/litmine/internal/document"
)

// Cache stores one JSON file per (document id, source kind). Entries are
// never evicted; staleness is the caller's concern.
type Cache struct {
	dir string
}

// New creates the cache directory if needed and returns a cache rooted there.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// Get returns the cached document for (id, kind), or false on a miss.
// A corrupt entry is treated as a miss.
func (c *Cache) Get(id string, kind document.SourceKind) (*document.Document, bool) {
	data, err := os.ReadFile(c.path(id, kind))
	if err != nil {
		return nil, false
	}
	var doc document.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false
	}
	return &doc, true
}

// Put stores the document under (doc.ID, doc.Source). Concurrent writers to
// the same key are safe: each writes a unique temporary file and renames it
// into place, so the last writer wins with complete content.
func (c *Cache) Put(doc *document.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document %s: %w", doc.ID, err)
	}
	path := c.path(doc.ID, doc.Source)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating cache subdirectory: %w", err)
	}
	tmp := path + "." + uuid.New().String() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing cache entry %s: %w", doc.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing cache entry %s: %w", doc.ID, err)
	}
	return nil
}

func (c *Cache) path(id string, kind document.SourceKind) string {
	return filepath.Join(c.dir, string(kind), id+".json")
}
