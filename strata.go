package strata

import (
	"context"
	"hash"
	"log/slog"
	"net/http"

	"github.com/aretw0/strata/internal/platform"
	"github.com/aretw0/strata/pkg/core"
	"github.com/aretw0/strata/pkg/dataset"
	"github.com/aretw0/strata/pkg/replication"
	"github.com/aretw0/strata/pkg/typed"
	"github.com/aretw0/strata/pkg/wire"
)

// --- Types ---

// Dataset is an open dataset.
type Dataset = dataset.Dataset

// Document is one version of a row.
type Document = core.Document

// Fields holds the column values of a document.
type Fields = core.Fields

// Stream is a running push or pull.
type Stream = replication.Stream

// PullOptions tunes Dataset.Pull.
type PullOptions = replication.PullOptions

// PushOptions tunes Dataset.Push.
type PushOptions = replication.PushOptions

// Config is the per-dataset settings file.
type Config = platform.Config

// DocumentModel is a public alias for the typed document model.
type DocumentModel[T any] = typed.DocumentModel[T]

// TypedRepository is a public alias for the typed repository.
type TypedRepository[T any] = typed.Repository[T]

// DefaultBackend is the engine new datasets use.
const DefaultBackend = platform.DefaultBackend

// --- Configuration ---

// Option defines a functional option for opening a dataset.
type Option = platform.Option

// WithLogger sets the logger shared by every component of the dataset.
func WithLogger(logger *slog.Logger) Option {
	return platform.WithLogger(logger)
}

// WithBackend selects the engine a new dataset is created with.
func WithBackend(name string) Option {
	return platform.WithBackend(name)
}

// WithEngine injects a custom engine.
func WithEngine(engine core.Engine) Option {
	return platform.WithEngine(engine)
}

// WithBlobStore injects a custom blob store.
func WithBlobStore(blobs core.BlobStore) Option {
	return platform.WithBlobStore(blobs)
}

// WithHasher swaps the hash function of the default blob store.
func WithHasher(fn func() hash.Hash) Option {
	return platform.WithHasher(fn)
}

// WithHTTPClient sets the client used to reach remotes.
func WithHTTPClient(client *http.Client) Option {
	return platform.WithHTTPClient(client)
}

// WithSystemDir allows specifying the hidden directory name (e.g. ".strata").
func WithSystemDir(name string) Option {
	return platform.WithSystemDir(name)
}

// WithSchemaWatch reloads the schema when it is edited on disk.
func WithSchemaWatch(enabled bool) Option {
	return platform.WithSchemaWatch(enabled)
}

// --- Factory ---

// Init creates a dataset in dir and opens it.
func Init(ctx context.Context, dir string, opts ...Option) (*Dataset, error) {
	return platform.Init(ctx, dir, opts...)
}

// Open opens the dataset in dir.
func Open(ctx context.Context, dir string, opts ...Option) (*Dataset, error) {
	return platform.Open(ctx, dir, opts...)
}

// Clone creates a dataset in dir holding everything remote has.
func Clone(ctx context.Context, remote, dir string, opts ...Option) (*Dataset, error) {
	return platform.Clone(ctx, remote, dir, opts...)
}

// --- Typed Factories ---

// NewTypedRepository creates a type-safe view over a dataset, or over any
// core.Store such as an rpc client.
func NewTypedRepository[T any](store core.Store) *typed.Repository[T] {
	return typed.NewRepository[T](store)
}

// --- Operations ---

// Exists reports whether dir holds a dataset.
func Exists(dir string, opts ...Option) bool {
	return platform.Exists(dir, opts...)
}

// Destroy deletes the dataset in dir.
func Destroy(dir string, opts ...Option) error {
	return platform.Destroy(dir, opts...)
}

// Backends lists the available engines.
func Backends() []string {
	return platform.Backends()
}

// SetBackend switches the engine of an empty dataset.
func SetBackend(dir, name string, opts ...Option) error {
	return platform.SetBackend(dir, name, opts...)
}

// --- Utils ---

// FindRoot looks upwards from startDir for a dataset.
func FindRoot(startDir string, opts ...Option) (string, error) {
	return platform.FindRoot(startDir, opts...)
}

// ReadConfig loads the settings of the dataset in dir.
func ReadConfig(dir string, opts ...Option) (Config, error) {
	return platform.ReadConfig(dir, opts...)
}

// NormalizeURL is the canonical form remotes are tracked under.
func NormalizeURL(remote string) string {
	return wire.NormalizeURL(remote)
}
