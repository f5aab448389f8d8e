// Package replication moves change feeds between a local dataset and a peer
// serving pkg/server endpoints.
package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/introspection"
	"github.com/aretw0/lifecycle"
	"golang.org/x/sync/errgroup"

	"github.com/aretw0/strata/pkg/core"
	"github.com/aretw0/strata/pkg/wire"
)

const (
	// DefaultBackoff is how long a live pull waits at the remote frontier.
	DefaultBackoff   = 5 * time.Second
	DefaultBatchSize = 100
	uploadLimit      = 4
)

// Config holds the configuration for a Replicator.
type Config struct {
	// Store is the local side: a *storage.Storage, or an *rpc.Client to
	// replicate into a store behind a tunnel.
	Store      core.Replica
	Blobs      core.BlobStore
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Replicator runs pushes and pulls for one dataset and owns its in-flight
// pull table.
type Replicator struct {
	store  core.Replica
	blobs  core.BlobStore
	client *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]*Stream
	pushes   int
	pulls    int
}

func New(config Config) *Replicator {
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Replicator{
		store:    config.Store,
		blobs:    config.Blobs,
		client:   config.HTTPClient,
		logger:   config.Logger,
		inflight: make(map[string]*Stream),
	}
}

// PullOptions tunes Pull.
type PullOptions struct {
	// Live keeps pulling: at the remote frontier the pull waits Backoff and
	// starts a new round from its cursor.
	Live    bool
	Backoff time.Duration
}

// PushOptions tunes Push.
type PushOptions struct {
	// Attachments uploads referenced blobs the remote does not have yet.
	Attachments bool
	BatchSize   int
}

func (r *Replicator) remote(key string) *remote {
	return &remote{base: key, client: r.client}
}

// run drives fn on its own goroutine and finishes st with its outcome.
func (r *Replicator) run(ctx context.Context, st *Stream, release func(), fn func(context.Context) error) {
	lifecycle.Go(ctx, func(ctx context.Context) error {
		var err error
		defer func() { st.finish(err, release) }()
		err = fn(ctx)
		return err
	}, lifecycle.WithErrorHandler(func(err error) {
		if !st.ended.Load() {
			r.logger.Error("replication stopped", "remote", st.remote, "direction", st.direction, "error", err)
		}
	}))
}

// Pull starts replicating remoteURL into the local dataset. Only one pull per
// normalized remote may run at a time; a second one fails with
// core.ErrAlreadyReplicating and leaves the first alone.
func (r *Replicator) Pull(ctx context.Context, remoteURL string, opts PullOptions) (*Stream, error) {
	key := wire.NormalizeURL(remoteURL)
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}

	r.mu.Lock()
	if _, busy := r.inflight[key]; busy {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", core.ErrAlreadyReplicating, key)
	}
	st, runCtx := newStream(ctx, key, core.DirectionPull)
	r.inflight[key] = st
	r.pulls++
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.inflight[key] == st {
			delete(r.inflight, key)
		}
	}

	r.logger.Debug("pull started", "remote", key, "live", opts.Live)
	r.run(runCtx, st, release, func(ctx context.Context) error {
		rem := r.remote(key)
		for {
			err := r.pullRound(ctx, st, rem)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !opts.Live {
				return err
			}
			if err != nil {
				if !errors.Is(err, core.ErrTransport) {
					return err
				}
				r.logger.Warn("live pull round failed, retrying", "remote", key, "backoff", opts.Backoff, "error", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.Backoff):
			}
		}
	})
	return st, nil
}

// Pulling reports whether a pull from remoteURL is in flight.
func (r *Replicator) Pulling(remoteURL string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[wire.NormalizeURL(remoteURL)]
	return ok
}

// pullRound negotiates the schema, then applies the remote feed from the
// pull cursor up to the remote's current frontier.
func (r *Replicator) pullRound(ctx context.Context, st *Stream, rem *remote) error {
	cols, err := rem.schema(ctx)
	if err != nil {
		return err
	}
	added, err := r.store.MergeSchema(ctx, cols)
	if err != nil {
		return fmt.Errorf("cannot pull from %s: %w", rem.base, err)
	}
	if len(added) > 0 {
		r.logger.Debug("schema merged", "remote", rem.base, "added", added)
	}

	cur, err := r.store.Cursor(ctx, core.DirectionPull, rem.base)
	if err != nil {
		return err
	}
	body, err := rem.changes(ctx, cur.LastSeq)
	if err != nil {
		return err
	}
	defer body.Close()

	dec := wire.NewDecoder(body)
	for {
		var rec wire.ChangeRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return transportErr("changes", err)
		}
		if rec.Seq <= cur.LastSeq {
			continue
		}

		stored, err := r.apply(ctx, rem, rec)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			st.emit(ctx, Result{Row: recordDoc(rec), Err: err})
			return fmt.Errorf("failed to apply %s@%d from %s: %w", rec.ID, rec.Version, rem.base, err)
		}

		cur.LastSeq = rec.Seq
		if err := r.store.SetCursor(context.WithoutCancel(ctx), core.DirectionPull, cur); err != nil {
			return err
		}
		if !st.emit(ctx, Result{Success: true, Row: stored}) {
			return ctx.Err()
		}
	}
}

func recordDoc(rec wire.ChangeRecord) core.Document {
	var doc core.Document
	if rec.Value != nil {
		doc = *rec.Value
	}
	doc.ID = rec.ID
	doc.Version = rec.Version
	doc.Deleted = rec.Deleted
	return doc
}

// apply fetches missing attachments, then replays the version locally.
func (r *Replicator) apply(ctx context.Context, rem *remote, rec wire.ChangeRecord) (core.Document, error) {
	if rec.Value == nil && !rec.Deleted {
		return core.Document{}, fmt.Errorf("change %d carries no document", rec.Seq)
	}
	doc := recordDoc(rec)
	if !doc.Deleted {
		for name, att := range doc.Attachments {
			if err := r.fetchAttachment(ctx, rem, name, att.Hash); err != nil {
				return core.Document{}, err
			}
		}
	}
	return r.store.Put(ctx, doc, core.PutOptions{Replicate: true})
}

func (r *Replicator) fetchAttachment(ctx context.Context, rem *remote, name, hash string) error {
	has, err := r.blobs.Has(hash)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	body, err := rem.fetchBlob(ctx, hash)
	if err != nil {
		return err
	}
	defer body.Close()

	w, err := r.blobs.CreateWriteStream(core.BlobWriteOptions{Filename: name, Expect: hash})
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Abort()
		return transportErr("blob fetch", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("attachment %q: %w", name, err)
	}
	r.logger.Debug("attachment fetched", "name", name, "hash", hash)
	return nil
}

// Push sends local changes after the push cursor to remoteURL. Rejected rows
// are reported and skipped, but the cursor never moves past the first one,
// so the next push retries from there.
func (r *Replicator) Push(ctx context.Context, remoteURL string, opts PushOptions) *Stream {
	key := wire.NormalizeURL(remoteURL)
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	r.mu.Lock()
	r.pushes++
	r.mu.Unlock()

	st, runCtx := newStream(ctx, key, core.DirectionPush)
	r.logger.Debug("push started", "remote", key)
	r.run(runCtx, st, nil, func(ctx context.Context) error {
		return r.push(ctx, st, r.remote(key), opts)
	})
	return st
}

type pushItem struct {
	change core.Change
	doc    core.Document
	err    error
}

func (r *Replicator) push(ctx context.Context, st *Stream, rem *remote, opts PushOptions) error {
	cur, err := r.store.Cursor(ctx, core.DirectionPush, rem.base)
	if err != nil {
		return err
	}

	it := r.store.Changes(core.ChangesOptions{Since: cur.LastSeq})
	defer it.Close()

	blocked := false
	batch := make([]pushItem, 0, opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		advanced, err := r.pushBatch(ctx, st, rem, opts, batch, &blocked)
		batch = batch[:0]
		if advanced > cur.LastSeq {
			cur.LastSeq = advanced
			if serr := r.store.SetCursor(context.WithoutCancel(ctx), core.DirectionPush, cur); serr != nil && err == nil {
				err = serr
			}
		}
		return err
	}

	for it.Next(ctx) {
		c := it.Change()
		doc, err := r.store.Get(ctx, c.ID, core.GetOptions{Version: c.Version, IncludeDeleted: true})
		batch = append(batch, pushItem{change: c, doc: doc, err: err})
		if len(batch) == opts.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	return flush()
}

// pushBatch transfers one batch and returns the highest seq of the
// contiguous acknowledged prefix, or 0 if none.
func (r *Replicator) pushBatch(ctx context.Context, st *Stream, rem *remote, opts PushOptions, batch []pushItem, blocked *bool) (uint64, error) {
	if opts.Attachments {
		missing, err := r.uploadAttachments(ctx, rem, batch)
		if err != nil {
			return 0, err
		}
		for i := range batch {
			if batch[i].err != nil {
				continue
			}
			for name, att := range batch[i].doc.Attachments {
				if missing[att.Hash] {
					batch[i].err = fmt.Errorf("%w: attachment %q (%s) is missing locally", core.ErrNotFound, name, att.Hash)
					break
				}
			}
		}
	}

	docs := make([]core.Document, 0, len(batch))
	for _, item := range batch {
		if item.err == nil {
			docs = append(docs, item.doc)
		}
	}
	var acks []wire.Ack
	if len(docs) > 0 {
		var err error
		acks, err = rem.bulk(ctx, docs)
		if err != nil {
			return 0, err
		}
	}

	var advanced uint64
	next := 0
	for _, item := range batch {
		res := Result{Row: item.doc}
		if item.err != nil {
			res.Row = core.Document{ID: item.change.ID, Version: item.change.Version, Deleted: item.change.Deleted}
			res.Err = item.err
		} else {
			ack := acks[next]
			next++
			if ack.Success {
				res.Success = true
				if ack.Row != nil {
					res.Row = *ack.Row
				}
			} else {
				res.Err = fmt.Errorf("remote rejected %s@%d: %s", item.doc.ID, item.doc.Version, ack.Error)
			}
		}

		if !res.Success {
			*blocked = true
		} else if !*blocked {
			advanced = item.change.Seq
		}
		if !st.emit(ctx, res) {
			return advanced, ctx.Err()
		}
	}
	return advanced, nil
}

// uploadAttachments sends every blob the batch references and the remote
// lacks. Blobs missing locally are reported, not fatal.
func (r *Replicator) uploadAttachments(ctx context.Context, rem *remote, batch []pushItem) (map[string]bool, error) {
	names := make(map[string]string)
	for _, item := range batch {
		if item.err != nil || item.doc.Deleted {
			continue
		}
		for name, att := range item.doc.Attachments {
			names[att.Hash] = name
		}
	}
	hashes := make([]string, 0, len(names))
	for h := range names {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	var mu sync.Mutex
	missing := make(map[string]bool)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadLimit)
	for _, hash := range hashes {
		g.Go(func() error {
			has, err := rem.hasBlob(gctx, hash)
			if err != nil || has {
				return err
			}
			rd, err := r.blobs.CreateReadStream(hash)
			if errors.Is(err, core.ErrNotFound) {
				mu.Lock()
				missing[hash] = true
				mu.Unlock()
				return nil
			}
			if err != nil {
				return err
			}
			defer rd.Close()
			if err := rem.uploadBlob(gctx, hash, names[hash], rd); err != nil {
				return err
			}
			r.logger.Debug("attachment uploaded", "hash", hash, "remote", rem.base)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return missing, nil
}

// ReplicatorState exposes internal state for observability.
type ReplicatorState struct {
	ActivePulls []string `json:"active_pulls"`
	Pulls       int      `json:"pulls_started"`
	Pushes      int      `json:"pushes_started"`
}

// State implements introspection.Introspectable.
func (r *Replicator) State() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := make([]string, 0, len(r.inflight))
	for k := range r.inflight {
		active = append(active, k)
	}
	sort.Strings(active)
	return ReplicatorState{ActivePulls: active, Pulls: r.pulls, Pushes: r.pushes}
}

// ComponentType implements introspection.Component.
func (r *Replicator) ComponentType() string {
	return "replicator"
}

var _ introspection.Introspectable = (*Replicator)(nil)
var _ introspection.Component = (*Replicator)(nil)
