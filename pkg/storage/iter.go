package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/aretw0/strata/pkg/core"
)

const scanBatch = 128

var errBatchFull = errors.New("batch full")

type kv struct {
	key, value []byte
}

// scanner reads a key range in bounded batches so iterators never hold an
// engine snapshot between calls.
type scanner struct {
	s         *Storage
	next      []byte
	upper     []byte
	exhausted bool
}

func (sc *scanner) fetch() ([]kv, error) {
	if sc.s.closed.Load() {
		return nil, core.ErrClosed
	}
	batch := make([]kv, 0, scanBatch)
	err := sc.s.engine.Scan(sc.next, sc.upper, func(k, v []byte) error {
		if len(batch) == scanBatch {
			return errBatchFull
		}
		batch = append(batch, kv{key: bytes.Clone(k), value: bytes.Clone(v)})
		return nil
	})
	switch {
	case errors.Is(err, errBatchFull):
	case err != nil:
		return nil, err
	default:
		sc.exhausted = true
	}
	if n := len(batch); n > 0 {
		sc.next = append(bytes.Clone(batch[n-1].key), 0)
	}
	return batch, nil
}

// ReadOptions tunes ReadStream.
type ReadOptions struct {
	// Gt and Lt bound ids exclusively. Empty means unbounded.
	Gt, Lt string
	// Limit caps the number of documents; zero means no cap.
	Limit int
	// Match filters ids with a doublestar glob, e.g. "users/**".
	Match string
	// Versions yields every version instead of the latest one per id.
	Versions bool
	// IncludeDeleted yields tombstones too.
	IncludeDeleted bool
}

// DocIterator is a lazy, finite sequence of documents in key order.
type DocIterator struct {
	sc    scanner
	load  func(kv) (core.Document, bool, error)
	limit int

	buf   []kv
	cur   core.Document
	count int
	err   error

	stop     chan struct{}
	stopOnce sync.Once
}

var _ core.DocumentIterator = (*DocIterator)(nil)

func (it *DocIterator) Next(ctx context.Context) bool {
	for {
		if it.err != nil || it.stopped() {
			return false
		}
		if it.limit > 0 && it.count >= it.limit {
			return false
		}
		if err := ctx.Err(); err != nil {
			it.err = err
			return false
		}
		if len(it.buf) == 0 {
			if it.sc.exhausted {
				return false
			}
			batch, err := it.sc.fetch()
			if err != nil {
				it.err = err
				return false
			}
			it.buf = batch
			continue
		}

		item := it.buf[0]
		it.buf = it.buf[1:]
		doc, ok, err := it.load(item)
		if err != nil {
			it.err = err
			return false
		}
		if !ok {
			continue
		}
		it.cur = doc
		it.count++
		return true
	}
}

func (it *DocIterator) Document() core.Document { return it.cur }
func (it *DocIterator) Err() error              { return it.err }

func (it *DocIterator) Close() error {
	it.stopOnce.Do(func() { close(it.stop) })
	return nil
}

func (it *DocIterator) stopped() bool {
	select {
	case <-it.stop:
		return true
	default:
		return false
	}
}

// ReadStream iterates the document set. Each call starts a fresh pass.
func (s *Storage) ReadStream(opts ReadOptions) *DocIterator {
	it := &DocIterator{limit: opts.Limit, stop: make(chan struct{})}
	if opts.Match != "" && !doublestar.ValidatePattern(opts.Match) {
		it.err = fmt.Errorf("invalid match pattern %q: %w", opts.Match, doublestar.ErrBadPattern)
		return it
	}
	if err := s.check(context.Background()); err != nil {
		it.err = err
		return it
	}

	matches := func(id string) bool {
		if opts.Match == "" {
			return true
		}
		ok, _ := doublestar.Match(opts.Match, id)
		return ok
	}

	if opts.Versions {
		// ids are followed by NUL in document keys, so \x01 skips every
		// version of Gt itself and nothing after it.
		lower, upper := prefixDoc, prefixEnd(prefixDoc)
		if opts.Gt != "" {
			lower = join(prefixDoc, []byte(opts.Gt), []byte{1})
		}
		if opts.Lt != "" {
			upper = join(prefixDoc, []byte(opts.Lt), []byte{0})
		}
		it.sc = scanner{s: s, next: lower, upper: upper}
		it.load = func(item kv) (core.Document, bool, error) {
			var doc core.Document
			if err := json.Unmarshal(item.value, &doc); err != nil {
				return doc, false, fmt.Errorf("corrupt document under %q: %w", item.key, err)
			}
			if doc.Deleted && !opts.IncludeDeleted {
				return doc, false, nil
			}
			return doc, matches(doc.ID), nil
		}
		return it
	}

	lower, upper := prefixHead, prefixEnd(prefixHead)
	if opts.Gt != "" {
		lower = join(prefixHead, []byte(opts.Gt), []byte{0})
	}
	if opts.Lt != "" {
		upper = headKey(opts.Lt)
	}
	it.sc = scanner{s: s, next: lower, upper: upper}
	it.load = func(item kv) (core.Document, bool, error) {
		id := idFromHeadKey(item.key)
		if !matches(id) {
			return core.Document{}, false, nil
		}
		var h head
		if err := json.Unmarshal(item.value, &h); err != nil {
			return core.Document{}, false, fmt.Errorf("corrupt head for %q: %w", id, err)
		}
		if h.Deleted && !opts.IncludeDeleted {
			return core.Document{}, false, nil
		}
		doc, err := s.load(id, h.Version)
		return doc, err == nil, err
	}
	return it
}

// Versions iterates the full chain of id, oldest first, tombstones included.
func (s *Storage) Versions(id string) core.DocumentIterator {
	it := &DocIterator{stop: make(chan struct{})}
	if err := core.ValidateID(id); err != nil {
		it.err = err
		return it
	}
	lower, upper := docRange(id)
	it.sc = scanner{s: s, next: lower, upper: upper}
	it.load = func(item kv) (core.Document, bool, error) {
		var doc core.Document
		if err := json.Unmarshal(item.value, &doc); err != nil {
			return doc, false, fmt.Errorf("corrupt document %s: %w", id, err)
		}
		return doc, true, nil
	}
	return it
}

// ChangeIterator walks the change feed in seq order. In live mode Next blocks
// at the frontier until a new commit, cancellation or Close.
type ChangeIterator struct {
	s     *Storage
	sc    scanner
	live  bool
	limit int

	wake  <-chan struct{}
	buf   []kv
	cur   core.Change
	count int
	err   error

	stop     chan struct{}
	stopOnce sync.Once
}

var _ core.ChangeIterator = (*ChangeIterator)(nil)

// Changes iterates change entries with Seq > opts.Since.
func (s *Storage) Changes(opts core.ChangesOptions) core.ChangeIterator {
	it := &ChangeIterator{
		s:     s,
		live:  opts.Live,
		limit: opts.Limit,
		stop:  make(chan struct{}),
	}
	if opts.Since == math.MaxUint64 {
		it.sc = scanner{s: s, exhausted: true}
		return it
	}
	it.sc = scanner{s: s, next: changeKey(opts.Since + 1), upper: prefixEnd(prefixChange)}
	return it
}

func (it *ChangeIterator) Next(ctx context.Context) bool {
	for {
		if it.err != nil {
			return false
		}
		if it.limit > 0 && it.count >= it.limit {
			return false
		}
		if err := ctx.Err(); err != nil {
			it.err = err
			return false
		}
		select {
		case <-it.stop:
			return false
		default:
		}

		if len(it.buf) == 0 {
			if !it.sc.exhausted {
				// Captured before the scan so a commit racing it still wakes us.
				it.wake = it.s.changed()
				batch, err := it.sc.fetch()
				if err != nil {
					it.err = err
					return false
				}
				it.buf = batch
				continue
			}
			if !it.live {
				return false
			}
			select {
			case <-it.wake:
				it.sc.exhausted = false
			case <-ctx.Done():
				it.err = ctx.Err()
				return false
			case <-it.stop:
				return false
			case <-it.s.closedCh:
				it.err = core.ErrClosed
				return false
			}
			continue
		}

		item := it.buf[0]
		it.buf = it.buf[1:]
		var c core.Change
		if err := json.Unmarshal(item.value, &c); err != nil {
			it.err = fmt.Errorf("corrupt change entry: %w", err)
			return false
		}
		it.cur = c
		it.count++
		return true
	}
}

func (it *ChangeIterator) Change() core.Change { return it.cur }
func (it *ChangeIterator) Err() error          { return it.err }

// Close ends the iterator; a blocked Next returns false. Safe to call from
// another goroutine.
func (it *ChangeIterator) Close() error {
	it.stopOnce.Do(func() { close(it.stop) })
	return nil
}
