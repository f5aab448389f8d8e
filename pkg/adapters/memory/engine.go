// Package memory is an in-process core.Engine backed by a B-tree.
// Nothing survives Close; it serves tests and throwaway datasets.
package memory

import (
	"bytes"
	"sync"

	"github.com/google/btree"

	"github.com/aretw0/strata/pkg/core"
)

const degree = 32

type item struct {
	key   []byte
	value []byte
}

func (a item) Less(than btree.Item) bool {
	return bytes.Compare(a.key, than.(item).key) < 0
}

// Engine implements core.Engine in memory.
type Engine struct {
	mu     sync.RWMutex
	tree   *btree.BTree
	closed bool
}

// New returns an empty engine.
func New() *Engine {
	return &Engine{tree: btree.New(degree)}
}

func (e *Engine) Get(key []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, core.ErrClosed
	}
	found := e.tree.Get(item{key: key})
	if found == nil {
		return nil, core.ErrNotFound
	}
	return append([]byte(nil), found.(item).value...), nil
}

func (e *Engine) Put(key, value []byte) error {
	return e.Apply([]core.Mutation{{Key: key, Value: value}})
}

func (e *Engine) Delete(key []byte) error {
	return e.Apply([]core.Mutation{{Key: key, Delete: true}})
}

func (e *Engine) Apply(muts []core.Mutation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return core.ErrClosed
	}
	for _, m := range muts {
		k := append([]byte(nil), m.Key...)
		if m.Delete {
			e.tree.Delete(item{key: k})
			continue
		}
		e.tree.ReplaceOrInsert(item{key: k, value: append([]byte(nil), m.Value...)})
	}
	return nil
}

// Scan walks a copy-on-write snapshot of the tree taken under the lock, so fn
// runs unlocked and may write to the engine. Only visited entries are copied.
func (e *Engine) Scan(lower, upper []byte, fn func(key, value []byte) error) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return core.ErrClosed
	}
	snap := e.tree.Clone()
	e.mu.Unlock()

	var err error
	snap.AscendGreaterOrEqual(item{key: lower}, func(i btree.Item) bool {
		it := i.(item)
		if upper != nil && bytes.Compare(it.key, upper) >= 0 {
			return false
		}
		err = fn(append([]byte(nil), it.key...), append([]byte(nil), it.value...))
		return err == nil
	})
	return err
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.tree = btree.New(degree)
	return nil
}

var _ core.Engine = (*Engine)(nil)

// ComponentType implements introspection.Component.
func (e *Engine) ComponentType() string {
	return "memory"
}
