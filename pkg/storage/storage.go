// Package storage is the versioned document store.
//
// Every write appends a version to its document's chain and an entry to the
// store-wide change feed, in one atomic engine batch. Versions are never
// rewritten; deletes append tombstones.
package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/aretw0/introspection"

	"github.com/aretw0/strata/pkg/core"
	"github.com/aretw0/strata/pkg/schema"
)

// Config holds the configuration for the storage layer.
type Config struct {
	Engine core.Engine
	// Schema is consulted and extended on every put. Nil means a fresh
	// in-memory registry.
	Schema *schema.Registry
	Logger *slog.Logger
}

// Storage implements core.Store over an ordered engine.
type Storage struct {
	engine core.Engine
	schema *schema.Registry
	logger *slog.Logger

	locks *keyedMutex

	commitMu sync.Mutex
	seq      uint64 // guarded by commitMu

	notifyMu sync.Mutex
	notify   chan struct{}

	closed   atomic.Bool
	closedCh chan struct{}
}

var _ core.Replica = (*Storage)(nil)

// head is the per-id pointer to the latest version.
type head struct {
	Version uint64 `json:"version"`
	Seq     uint64 `json:"seq"`
	Deleted bool   `json:"deleted,omitempty"`
}

// New opens the storage layer and recovers the seq frontier from the engine.
func New(config Config) (*Storage, error) {
	if config.Engine == nil {
		return nil, errors.New("storage requires an engine")
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.Schema == nil {
		config.Schema = schema.New("", config.Logger)
	}

	s := &Storage{
		engine:   config.Engine,
		schema:   config.Schema,
		logger:   config.Logger,
		locks:    newKeyedMutex(),
		notify:   make(chan struct{}),
		closedCh: make(chan struct{}),
	}

	raw, err := s.engine.Get(keySeq)
	switch {
	case errors.Is(err, core.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to read seq counter: %w", err)
	case len(raw) != 8:
		return nil, fmt.Errorf("corrupt seq counter: %d bytes", len(raw))
	default:
		s.seq = binary.BigEndian.Uint64(raw)
	}
	return s, nil
}

// Schema returns the registry documents are validated against.
func (s *Storage) Schema() *schema.Registry {
	return s.schema
}

// Columns is a snapshot of the schema.
func (s *Storage) Columns() []core.Column {
	return s.schema.ToJSON()
}

// Seq is the highest seq committed so far.
func (s *Storage) Seq() uint64 {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.seq
}

func (s *Storage) check(ctx context.Context) error {
	if s.closed.Load() {
		return core.ErrClosed
	}
	return ctx.Err()
}

func (s *Storage) head(id string) (head, error) {
	raw, err := s.engine.Get(headKey(id))
	if err != nil {
		return head{}, err
	}
	var h head
	if err := json.Unmarshal(raw, &h); err != nil {
		return head{}, fmt.Errorf("corrupt head for %q: %w", id, err)
	}
	return h, nil
}

func (s *Storage) load(id string, version uint64) (core.Document, error) {
	raw, err := s.engine.Get(docKey(id, version))
	if errors.Is(err, core.ErrNotFound) {
		return core.Document{}, fmt.Errorf("%w: %s@%d", core.ErrNotFound, id, version)
	}
	if err != nil {
		return core.Document{}, fmt.Errorf("failed to read %s@%d: %w", id, version, err)
	}
	var doc core.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return core.Document{}, fmt.Errorf("corrupt document %s@%d: %w", id, version, err)
	}
	return doc, nil
}

// Get returns the latest live version of id, or the one opts asks for.
func (s *Storage) Get(ctx context.Context, id string, opts core.GetOptions) (core.Document, error) {
	if err := s.check(ctx); err != nil {
		return core.Document{}, err
	}
	if err := core.ValidateID(id); err != nil {
		return core.Document{}, err
	}

	h, err := s.head(id)
	if errors.Is(err, core.ErrNotFound) {
		return core.Document{}, fmt.Errorf("%w: %s", core.ErrNotFound, id)
	}
	if err != nil {
		return core.Document{}, fmt.Errorf("failed to read head of %s: %w", id, err)
	}

	version := h.Version
	if opts.Version > 0 {
		version = opts.Version
	}
	doc, err := s.load(id, version)
	if err != nil {
		return core.Document{}, err
	}
	if doc.Deleted && !opts.IncludeDeleted {
		return core.Document{}, fmt.Errorf("%w: %s is deleted", core.ErrNotFound, id)
	}
	return doc, nil
}

// Put appends a version of doc.
//
// The next version number is assigned under a per-id lock unless
// opts.Replicate is set, in which case the incoming version is kept and a
// version the store already has is a no-op returning the local head.
func (s *Storage) Put(ctx context.Context, doc core.Document, opts core.PutOptions) (core.Document, error) {
	if err := s.check(ctx); err != nil {
		return core.Document{}, err
	}
	if err := core.ValidateID(doc.ID); err != nil {
		return core.Document{}, err
	}
	doc = doc.Clone()
	if !opts.Replicate {
		doc.Deleted = false
	}

	unlock := s.locks.Lock(doc.ID)
	defer unlock()

	h, err := s.head(doc.ID)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return core.Document{}, fmt.Errorf("failed to read head of %s: %w", doc.ID, err)
	}

	if opts.Replicate && doc.Version > 0 {
		if doc.Version <= h.Version {
			s.logger.Debug("replicated version already present", "id", doc.ID, "version", doc.Version, "head", h.Version)
			return s.load(doc.ID, h.Version)
		}
	} else {
		doc.Version = h.Version + 1
	}

	if doc.Deleted {
		doc.Fields = nil
	}
	return s.commit(doc, opts.Strict)
}

// Update applies fn to the latest live version of id and appends the result
// as the next version. The id stays locked from the read to the commit, so
// concurrent updates of one id each see the previous one's write. A missing
// or deleted id starts from an empty document. An error from fn aborts the
// update and is returned unchanged.
func (s *Storage) Update(ctx context.Context, id string, fn func(doc *core.Document) error, opts core.PutOptions) (core.Document, error) {
	if err := s.check(ctx); err != nil {
		return core.Document{}, err
	}
	if err := core.ValidateID(id); err != nil {
		return core.Document{}, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	h, err := s.head(id)
	var doc core.Document
	switch {
	case errors.Is(err, core.ErrNotFound):
	case err != nil:
		return core.Document{}, fmt.Errorf("failed to read head of %s: %w", id, err)
	case !h.Deleted:
		if doc, err = s.load(id, h.Version); err != nil {
			return core.Document{}, err
		}
	}
	doc.ID = id

	if err := fn(&doc); err != nil {
		return core.Document{}, err
	}
	doc.ID = id
	doc.Version = h.Version + 1
	doc.Seq = 0
	doc.Deleted = false
	return s.commit(doc, opts.Strict)
}

// PutRaw decodes a JSON payload into a document and puts it.
func (s *Storage) PutRaw(ctx context.Context, payload []byte, opts core.PutOptions) (core.Document, error) {
	var doc core.Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return core.Document{}, err
	}
	return s.Put(ctx, doc, opts)
}

// Delete appends a tombstone on top of the live head of id.
func (s *Storage) Delete(ctx context.Context, id string) (core.Document, error) {
	if err := s.check(ctx); err != nil {
		return core.Document{}, err
	}
	if err := core.ValidateID(id); err != nil {
		return core.Document{}, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	h, err := s.head(id)
	if errors.Is(err, core.ErrNotFound) || (err == nil && h.Deleted) {
		return core.Document{}, fmt.Errorf("%w: %s", core.ErrNotFound, id)
	}
	if err != nil {
		return core.Document{}, fmt.Errorf("failed to read head of %s: %w", id, err)
	}

	return s.commit(core.Document{ID: id, Version: h.Version + 1, Deleted: true}, false)
}

// commit checks doc against the schema, assigns the next seq and writes
// version, head, change entry and counter together. Columns the write
// introduces are recorded only once the batch is in. Callers hold the id
// lock. The returned document is the stored form, as Get would decode it.
func (s *Storage) commit(doc core.Document, strict bool) (core.Document, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	var added []core.Column
	if !doc.Deleted {
		var err error
		if added, err = s.schema.Check(doc.Fields, strict); err != nil {
			return core.Document{}, err
		}
	}

	seq := s.seq + 1
	doc.Seq = seq

	body, err := json.Marshal(doc)
	if err != nil {
		return core.Document{}, fmt.Errorf("failed to encode %s: %w", doc.ID, err)
	}
	h, err := json.Marshal(head{Version: doc.Version, Seq: seq, Deleted: doc.Deleted})
	if err != nil {
		return core.Document{}, err
	}
	change, err := json.Marshal(core.Change{Seq: seq, ID: doc.ID, Version: doc.Version, Deleted: doc.Deleted})
	if err != nil {
		return core.Document{}, err
	}

	err = s.engine.Apply([]core.Mutation{
		{Key: docKey(doc.ID, doc.Version), Value: body},
		{Key: headKey(doc.ID), Value: h},
		{Key: changeKey(seq), Value: change},
		{Key: keySeq, Value: u64(seq)},
	})
	if err != nil {
		return core.Document{}, fmt.Errorf("failed to commit %s@%d: %w", doc.ID, doc.Version, err)
	}
	s.seq = seq
	s.broadcast()

	if len(added) > 0 {
		if err := s.schema.Extend(added); err != nil {
			s.logger.Error("failed to record new columns", "id", doc.ID, "columns", added, "error", err)
		}
	}

	s.logger.Debug("committed", "id", doc.ID, "version", doc.Version, "seq", seq, "deleted", doc.Deleted)

	var stored core.Document
	if err := json.Unmarshal(body, &stored); err != nil {
		return core.Document{}, fmt.Errorf("corrupt document %s@%d: %w", doc.ID, doc.Version, err)
	}
	return stored, nil
}

// MergeSchema reconciles a remote schema into the local one. It runs between
// commits, so a merge never interleaves with a write's schema check.
func (s *Storage) MergeSchema(ctx context.Context, remote []core.Column) ([]core.Column, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.schema.Merge(remote)
}

// changed returns a channel closed by the next commit.
func (s *Storage) changed() <-chan struct{} {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	return s.notify
}

func (s *Storage) broadcast() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	close(s.notify)
	s.notify = make(chan struct{})
}

// Cursor returns how far replication in dir got against remote.
// An unknown remote starts at zero.
func (s *Storage) Cursor(ctx context.Context, dir core.Direction, remote string) (core.Cursor, error) {
	cur := core.Cursor{RemoteURL: remote}
	if err := s.check(ctx); err != nil {
		return cur, err
	}
	raw, err := s.engine.Get(cursorKey(dir, remote))
	if errors.Is(err, core.ErrNotFound) {
		return cur, nil
	}
	if err != nil {
		return cur, fmt.Errorf("failed to read %s cursor: %w", dir, err)
	}
	if len(raw) != 8 {
		return cur, fmt.Errorf("corrupt %s cursor for %s", dir, remote)
	}
	cur.LastSeq = binary.BigEndian.Uint64(raw)
	return cur, nil
}

// SetCursor records replication progress.
func (s *Storage) SetCursor(ctx context.Context, dir core.Direction, cur core.Cursor) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := s.engine.Put(cursorKey(dir, cur.RemoteURL), u64(cur.LastSeq)); err != nil {
		return fmt.Errorf("failed to save %s cursor: %w", dir, err)
	}
	return nil
}

// Dump walks every raw engine entry in key order.
func (s *Storage) Dump(fn func(key, value []byte) error) error {
	if s.closed.Load() {
		return core.ErrClosed
	}
	return s.engine.Scan(nil, nil, fn)
}

// RowCount counts ids whose latest version is live.
func (s *Storage) RowCount() (int, error) {
	if s.closed.Load() {
		return 0, core.ErrClosed
	}
	n := 0
	err := s.engine.Scan(prefixHead, prefixEnd(prefixHead), func(k, v []byte) error {
		var h head
		if err := json.Unmarshal(v, &h); err != nil {
			return fmt.Errorf("corrupt head for %q: %w", idFromHeadKey(k), err)
		}
		if !h.Deleted {
			n++
		}
		return nil
	})
	return n, err
}

// Close wakes live iterators and closes the engine.
func (s *Storage) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.closedCh)

	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.engine.Close()
}

// StorageState exposes internal state for observability.
type StorageState struct {
	Engine    string `json:"engine"`
	Seq       uint64 `json:"seq"`
	Columns   int    `json:"columns"`
	LockedIDs int    `json:"locked_ids"`
	Closed    bool   `json:"closed"`
}

// State implements introspection.Introspectable.
func (s *Storage) State() any {
	engine := "engine"
	if comp, ok := s.engine.(introspection.Component); ok {
		engine = comp.ComponentType()
	}
	return StorageState{
		Engine:    engine,
		Seq:       s.Seq(),
		Columns:   len(s.schema.ToJSON()),
		LockedIDs: s.locks.Len(),
		Closed:    s.closed.Load(),
	}
}

// ComponentType implements introspection.Component.
func (s *Storage) ComponentType() string {
	return "storage"
}

var _ introspection.Introspectable = (*Storage)(nil)
var _ introspection.Component = (*Storage)(nil)
