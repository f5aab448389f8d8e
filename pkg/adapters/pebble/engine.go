// Package pebble adapts cockroachdb/pebble to core.Engine.
package pebble

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"

	"github.com/aretw0/strata/pkg/core"
)

// Config holds the configuration for the pebble engine.
type Config struct {
	Path   string
	Logger *slog.Logger
}

// Engine implements core.Engine on top of a pebble database.
type Engine struct {
	db *pebble.DB
}

// Open opens (or creates) a pebble database at config.Path.
func Open(config Config) (*Engine, error) {
	db, err := pebble.Open(config.Path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", config.Path, err)
	}
	if config.Logger != nil {
		config.Logger.Debug("pebble engine opened", "path", config.Path)
	}
	return &Engine{db: db}, nil
}

func (e *Engine) Get(key []byte) ([]byte, error) {
	v, closer, err := e.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (e *Engine) Put(key, value []byte) error {
	return e.db.Set(key, value, pebble.Sync)
}

func (e *Engine) Delete(key []byte) error {
	return e.db.Delete(key, pebble.Sync)
}

func (e *Engine) Apply(muts []core.Mutation) error {
	if len(muts) == 0 {
		return nil
	}
	b := e.db.NewBatch()
	defer b.Close()
	for _, m := range muts {
		var err error
		if m.Delete {
			err = b.Delete(m.Key, nil)
		} else {
			err = b.Set(m.Key, m.Value, nil)
		}
		if err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (e *Engine) Scan(lower, upper []byte, fn func(key, value []byte) error) (err error) {
	iter, err := e.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := iter.Close(); err == nil {
			err = cerr
		}
	}()
	for iter.First(); iter.Valid(); iter.Next() {
		k := append([]byte(nil), iter.Key()...)
		v := append([]byte(nil), iter.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) Close() error {
	return e.db.Close()
}

var _ core.Engine = (*Engine)(nil)

// ComponentType implements introspection.Component.
func (e *Engine) ComponentType() string {
	return "pebble"
}
