package neighbor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerConfig configures a badger-backed neighbor cache.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string
	// InMemory keeps the database in RAM; used by tests.
	InMemory bool
	// Namespace prefixes every key so member and nonmember neighbors can
	// share one database.
	Namespace  string
	SyncWrites bool
	// Logger receives badger's internal logs. Nil disables them.
	Logger *zap.Logger
}

// BadgerCache stores neighbors as JSON lists under "<namespace>/<n>/<doc>/<substr>".
type BadgerCache struct {
	db        *badger.DB
	namespace string
}

type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.s.Infof(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }

// OpenBadger opens (creating if needed) the database described by cfg.
func OpenBadger(cfg BadgerConfig) (*BadgerCache, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent neighbor cache")
	}
	if cfg.Namespace == "" {
		return nil, errors.New("neighbor cache namespace is empty")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create neighbor cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{s: cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open neighbor cache: %w", err)
	}
	return &BadgerCache{db: db, namespace: cfg.Namespace}, nil
}

func (c *BadgerCache) key(k Key) []byte {
	return []byte(c.namespace + "/" + k.String())
}

func (c *BadgerCache) Lookup(ctx context.Context, k Key) ([]string, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var neighbors []string
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.key(k))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &neighbors)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup neighbors %s: %w", k, err)
	}
	if neighbors == nil {
		neighbors = []string{}
	}
	return neighbors, true, nil
}

func (c *BadgerCache) Store(ctx context.Context, k Key, neighbors []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if neighbors == nil {
		neighbors = []string{}
	}
	val, err := json.Marshal(neighbors)
	if err != nil {
		return fmt.Errorf("encode neighbors: %w", err)
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(c.key(k), val)
	}); err != nil {
		return fmt.Errorf("store neighbors %s: %w", k, err)
	}
	return nil
}

// Count returns how many entries the namespace holds.
func (c *BadgerCache) Count() (int, error) {
	n := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(c.namespace + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (c *BadgerCache) Close() error {
	return c.db.Close()
}
