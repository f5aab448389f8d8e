// Package dataset is the handle an application holds on one strata dataset.
//
// A Dataset owns its storage, blob store, schema registry and replicator and
// is passed around explicitly; there is no process-wide instance.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/aretw0/introspection"

	"github.com/aretw0/strata/pkg/core"
	"github.com/aretw0/strata/pkg/replication"
	"github.com/aretw0/strata/pkg/schema"
	"github.com/aretw0/strata/pkg/server"
	"github.com/aretw0/strata/pkg/storage"
)

// Config holds the configuration for a Dataset.
type Config struct {
	// ID identifies the dataset; it is informational.
	ID string
	// Root is the directory holding the dataset, empty for ephemeral ones.
	Root string
	// Backend names the engine implementation, for State only.
	Backend string

	Engine core.Engine
	Blobs  core.BlobStore
	// Schema defaults to an in-memory registry.
	Schema *schema.Registry

	// WatchSchema reloads the schema when its descriptor is edited on disk.
	WatchSchema bool

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Dataset is an open dataset.
type Dataset struct {
	id      string
	root    string
	backend string

	store      *storage.Storage
	blobs      core.BlobStore
	replicator *replication.Replicator
	logger     *slog.Logger

	mu      sync.Mutex
	watcher *schema.Watcher
	handler http.Handler
	closed  bool
}

// New assembles a dataset from its parts. The engine is closed with the
// dataset, or before New returns an error.
func New(ctx context.Context, config Config) (*Dataset, error) {
	if config.Engine == nil {
		return nil, errors.New("dataset requires an engine")
	}
	if config.Blobs == nil {
		_ = config.Engine.Close()
		return nil, errors.New("dataset requires a blob store")
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	store, err := storage.New(storage.Config{
		Engine: config.Engine,
		Schema: config.Schema,
		Logger: config.Logger,
	})
	if err != nil {
		_ = config.Engine.Close()
		return nil, err
	}

	d := &Dataset{
		id:      config.ID,
		root:    config.Root,
		backend: config.Backend,
		store:   store,
		blobs:   config.Blobs,
		logger:  config.Logger,
		replicator: replication.New(replication.Config{
			Store:      store,
			Blobs:      config.Blobs,
			HTTPClient: config.HTTPClient,
			Logger:     config.Logger,
		}),
	}

	if config.WatchSchema {
		w, err := store.Schema().Watch(ctx, func(cols []core.Column) {
			d.logger.Info("schema reloaded", "columns", len(cols))
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to watch schema: %w", err)
		}
		d.watcher = w
	}
	return d, nil
}

func (d *Dataset) ID() string   { return d.id }
func (d *Dataset) Root() string { return d.root }

// Storage exposes the underlying versioned store.
func (d *Dataset) Storage() *storage.Storage { return d.store }

func (d *Dataset) Blobs() core.BlobStore { return d.blobs }

func (d *Dataset) Get(ctx context.Context, id string, opts core.GetOptions) (core.Document, error) {
	return d.store.Get(ctx, id, opts)
}

func (d *Dataset) Put(ctx context.Context, doc core.Document, opts core.PutOptions) (core.Document, error) {
	return d.store.Put(ctx, doc, opts)
}

// PutRaw stores a JSON-encoded document.
func (d *Dataset) PutRaw(ctx context.Context, payload []byte, opts core.PutOptions) (core.Document, error) {
	return d.store.PutRaw(ctx, payload, opts)
}

// Update rewrites the latest version of id through fn. See storage.Storage.Update.
func (d *Dataset) Update(ctx context.Context, id string, fn func(doc *core.Document) error, opts core.PutOptions) (core.Document, error) {
	return d.store.Update(ctx, id, fn, opts)
}

func (d *Dataset) Delete(ctx context.Context, id string) (core.Document, error) {
	return d.store.Delete(ctx, id)
}

func (d *Dataset) ReadStream(opts storage.ReadOptions) *storage.DocIterator {
	return d.store.ReadStream(opts)
}

func (d *Dataset) Changes(opts core.ChangesOptions) core.ChangeIterator {
	return d.store.Changes(opts)
}

func (d *Dataset) Versions(id string) core.DocumentIterator {
	return d.store.Versions(id)
}

// Columns is a snapshot of the schema.
func (d *Dataset) Columns() []core.Column {
	return d.store.Columns()
}

// Headers lists the tabular headers: id, version, then every column.
func (d *Dataset) Headers() []string {
	return d.store.Schema().Headers()
}

func (d *Dataset) Dump(fn func(key, value []byte) error) error {
	return d.store.Dump(fn)
}

func (d *Dataset) RowCount() (int, error) {
	return d.store.RowCount()
}

// CreateBlobReadStream opens a blob by hash.
func (d *Dataset) CreateBlobReadStream(hash string) (io.ReadCloser, error) {
	return d.blobs.CreateReadStream(hash)
}

// Attachment opens the blob a document refers to under name.
func (d *Dataset) Attachment(ctx context.Context, id, name string) (io.ReadCloser, error) {
	doc, err := d.store.Get(ctx, id, core.GetOptions{})
	if err != nil {
		return nil, err
	}
	att, ok := doc.Attachments[name]
	if !ok {
		return nil, fmt.Errorf("%w: attachment %q of %s", core.ErrNotFound, name, id)
	}
	return d.blobs.CreateReadStream(att.Hash)
}

// CreateBlobWriteStream returns a writer whose Close stores the blob and
// then records it on document id under filename, creating the document if
// needed. The returned writer's Close reports failures of either step.
func (d *Dataset) CreateBlobWriteStream(ctx context.Context, id, filename string) (core.BlobWriter, error) {
	if err := core.ValidateID(id); err != nil {
		return nil, err
	}
	if filename == "" {
		return nil, errors.New("attachment filename is required")
	}
	w, err := d.blobs.CreateWriteStream(core.BlobWriteOptions{Filename: filename})
	if err != nil {
		return nil, err
	}
	return &attachmentWriter{BlobWriter: w, ctx: ctx, ds: d, id: id, filename: filename}, nil
}

type attachmentWriter struct {
	core.BlobWriter
	ctx      context.Context
	ds       *Dataset
	id       string
	filename string
}

func (w *attachmentWriter) Close() error {
	if err := w.BlobWriter.Close(); err != nil {
		return err
	}
	return w.ds.attach(w.ctx, w.id, w.filename, core.Attachment{Hash: w.Hash(), Size: w.Size()})
}

func (d *Dataset) attach(ctx context.Context, id, name string, att core.Attachment) error {
	_, err := d.store.Update(ctx, id, func(doc *core.Document) error {
		if doc.Attachments == nil {
			doc.Attachments = make(map[string]core.Attachment)
		}
		doc.Attachments[name] = att
		return nil
	}, core.PutOptions{})
	if err != nil {
		return fmt.Errorf("failed to attach %q to %s: %w", name, id, err)
	}
	d.logger.Debug("attachment stored", "id", id, "name", name, "hash", att.Hash, "size", att.Size)
	return nil
}

// Pull replicates remoteURL into the dataset. See replication.Replicator.Pull.
func (d *Dataset) Pull(ctx context.Context, remoteURL string, opts replication.PullOptions) (*replication.Stream, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	return d.replicator.Pull(ctx, remoteURL, opts)
}

// Push replicates the dataset to remoteURL. See replication.Replicator.Push.
func (d *Dataset) Push(ctx context.Context, remoteURL string, opts replication.PushOptions) (*replication.Stream, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	return d.replicator.Push(ctx, remoteURL, opts), nil
}

// Pulling reports whether a pull from remoteURL is in flight.
func (d *Dataset) Pulling(remoteURL string) bool {
	return d.replicator.Pulling(remoteURL)
}

// Handler serves the replication endpoints for this dataset.
func (d *Dataset) Handler() http.Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handler == nil {
		d.handler = server.New(server.Config{Store: d.store, Blobs: d.blobs, Logger: d.logger})
	}
	return d.handler
}

// Serve exposes the dataset on addr until ctx is done.
func (d *Dataset) Serve(ctx context.Context, addr string) error {
	return server.ListenAndServe(ctx, addr, d.Handler(), d.logger)
}

func (d *Dataset) check() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return core.ErrClosed
	}
	return nil
}

// Close stops the schema watcher and closes the storage and its engine.
// Running streams observe the closed store and fail.
func (d *Dataset) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	w := d.watcher
	d.mu.Unlock()

	var errs []error
	if w != nil {
		if err := w.Stop(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop schema watcher: %w", err))
		}
	}
	if err := d.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DatasetState exposes internal state for observability.
type DatasetState struct {
	ID             string `json:"id"`
	Root           string `json:"root,omitempty"`
	Backend        string `json:"backend"`
	WatchingSchema bool   `json:"watching_schema"`
	Closed         bool   `json:"closed"`
	Storage        any    `json:"storage"`
	Replicator     any    `json:"replicator"`
}

// State implements introspection.Introspectable.
func (d *Dataset) State() any {
	d.mu.Lock()
	watching, closed := d.watcher != nil, d.closed
	d.mu.Unlock()
	return DatasetState{
		ID:             d.id,
		Root:           d.root,
		Backend:        d.backend,
		WatchingSchema: watching,
		Closed:         closed,
		Storage:        d.store.State(),
		Replicator:     d.replicator.State(),
	}
}

// ComponentType implements introspection.Component.
func (d *Dataset) ComponentType() string {
	return "dataset"
}

var _ introspection.Introspectable = (*Dataset)(nil)
var _ introspection.Component = (*Dataset)(nil)
var _ core.Store = (*Dataset)(nil)
