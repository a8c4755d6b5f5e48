// Package neighbor stores and generates the perturbed "neighbor" texts used by
// the neighborhood attack.
package neighbor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/straja-ai/mia/internal/config"
	"github.com/straja-ai/mia/internal/dataset"
	"github.com/straja-ai/mia/internal/redact"
)

// Key addresses the neighbors of one substring for one perturbation count.
type Key struct {
	N      int
	Doc    int
	Substr int
}

func (k Key) String() string { return fmt.Sprintf("%d/%d/%d", k.N, k.Doc, k.Substr) }

// Cache is a keyed neighbor store. Lookup distinguishes an absent entry
// (ok == false) from a present entry with no neighbors.
type Cache interface {
	Lookup(ctx context.Context, k Key) (neighbors []string, ok bool, err error)
	Store(ctx context.Context, k Key, neighbors []string) error
	// Close persists pending writes and releases the store.
	Close() error
}

// Counter is implemented by caches that can report how many entries they hold.
type Counter interface {
	Count() (int, error)
}

// MemoryCache keeps neighbors in a dataset.Neighbors table and, when it has a
// path, writes the table back as JSON on Close.
type MemoryCache struct {
	mu    sync.Mutex
	nb    dataset.Neighbors
	path  string
	dirty bool
}

// NewMemoryCache wraps nb. path may be empty for a cache that is never persisted.
func NewMemoryCache(nb dataset.Neighbors, path string) *MemoryCache {
	if nb == nil {
		nb = dataset.Neighbors{}
	}
	return &MemoryCache{nb: nb, path: path}
}

// OpenMemoryCache loads path if it exists and merges seed over it.
func OpenMemoryCache(path string, seed dataset.Neighbors) (*MemoryCache, error) {
	nb, err := dataset.LoadNeighbors(path)
	switch {
	case errors.Is(err, dataset.ErrNeighborsNotFound):
		nb = dataset.Neighbors{}
	case err != nil:
		return nil, err
	}
	for n, docs := range seed {
		for d, substrs := range docs {
			for s, neighbors := range substrs {
				if neighbors != nil {
					nb.Set(n, d, s, neighbors)
				}
			}
		}
	}
	return NewMemoryCache(nb, path), nil
}

func (c *MemoryCache) Lookup(_ context.Context, k Key) ([]string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	neighbors, ok := c.nb.Get(k.N, k.Doc, k.Substr)
	return neighbors, ok, nil
}

func (c *MemoryCache) Store(_ context.Context, k Key, neighbors []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nb.Set(k.N, k.Doc, k.Substr, append([]string(nil), neighbors...))
	c.dirty = true
	return nil
}

// Count returns how many (n, doc, substr) entries are present.
func (c *MemoryCache) Count() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, docs := range c.nb {
		for _, substrs := range docs {
			for _, neighbors := range substrs {
				if neighbors != nil {
					total++
				}
			}
		}
	}
	return total, nil
}

// Neighbors returns the underlying table.
func (c *MemoryCache) Neighbors() dataset.Neighbors {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nb
}

func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty || c.path == "" {
		return nil
	}
	if err := dataset.SaveNeighbors(c.path, c.nb); err != nil {
		return fmt.Errorf("persist neighbors: %w", err)
	}
	c.dirty = false
	redact.Debugf("neighbor cache written to %s", c.path)
	return nil
}

// Open returns the cache configured by cfg for one dataset namespace
// (e.g. "member"). seed holds neighbors supplied with the dataset itself.
func Open(cfg config.CacheConfig, namespace string, seed dataset.Neighbors) (Cache, error) {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, errors.New("cache namespace is empty")
	}
	switch cfg.Backend {
	case "", "memory":
		if strings.TrimSpace(cfg.Path) == "" {
			return NewMemoryCache(seed, ""), nil
		}
		return OpenMemoryCache(filepath.Join(cfg.Path, namespace+".neighbors.json"), seed)
	case "badger":
		c, err := OpenBadger(BadgerConfig{Path: cfg.Path, Namespace: namespace, SyncWrites: true, Logger: zap.L()})
		if err != nil {
			return nil, err
		}
		for n, docs := range seed {
			for d, substrs := range docs {
				for s, neighbors := range substrs {
					if neighbors == nil {
						continue
					}
					if err := c.Store(context.Background(), Key{N: n, Doc: d, Substr: s}, neighbors); err != nil {
						c.Close()
						return nil, err
					}
				}
			}
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: unknown neighbor cache backend %q", config.ErrConfig, cfg.Backend)
}
