// Package badger adapts dgraph-io/badger to core.Engine.
package badger

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/aretw0/strata/pkg/core"
)

const defaultValueLogFileSize = 64 << 20

// Config holds the configuration for the badger engine.
type Config struct {
	Path             string
	ValueLogFileSize int64
	InMemory         bool
	NoSync           bool // acknowledge writes before they reach disk
	Logger           *slog.Logger
}

// Engine implements core.Engine on top of a badger database.
type Engine struct {
	db   *badger.DB
	sync bool
}

// Open opens (or creates) a badger database at config.Path.
func Open(config Config) (*Engine, error) {
	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	size := config.ValueLogFileSize
	if size <= 0 {
		size = defaultValueLogFileSize
	}
	opts = opts.WithValueLogFileSize(size).WithSyncWrites(!config.NoSync)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", config.Path, err)
	}
	if config.Logger != nil {
		config.Logger.Debug("badger engine opened", "path", config.Path, "in_memory", config.InMemory, "sync_writes", opts.SyncWrites)
	}
	return &Engine{db: db, sync: opts.SyncWrites && !config.InMemory}, nil
}

// Durable reports whether a committed write has been synced to disk.
func (e *Engine) Durable() bool {
	return e.sync
}

func (e *Engine) Get(key []byte) ([]byte, error) {
	var val []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, core.ErrNotFound
	}
	return val, err
}

func (e *Engine) Put(key, value []byte) error {
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (e *Engine) Delete(key []byte) error {
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (e *Engine) Apply(muts []core.Mutation) error {
	if len(muts) == 0 {
		return nil
	}
	return e.db.Update(func(txn *badger.Txn) error {
		for _, m := range muts {
			var err error
			if m.Delete {
				err = txn.Delete(m.Key)
			} else {
				err = txn.Set(m.Key, m.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Engine) Scan(lower, upper []byte, fn func(key, value []byte) error) error {
	return e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(lower); it.Valid(); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			if upper != nil && bytes.Compare(k, upper) >= 0 {
				return nil
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Engine) Close() error {
	return e.db.Close()
}

var _ core.Engine = (*Engine)(nil)

// ComponentType implements introspection.Component.
func (e *Engine) ComponentType() string {
	return "badger"
}
