package platform

import (
	"hash"
	"log/slog"
	"net/http"

	"github.com/aretw0/strata/pkg/core"
)

// options holds the internal configuration for opening a dataset.
type options struct {
	logger      *slog.Logger
	backend     string
	engine      core.Engine
	blobs       core.BlobStore
	hasher      func() hash.Hash
	httpClient  *http.Client
	systemDir   string
	watchSchema bool
}

// Option defines a functional option for configuring a dataset.
type Option func(*options)

// defaultOptions returns the default configuration.
func defaultOptions() *options {
	return &options{
		backend:   DefaultBackend,
		systemDir: DefaultSystemDir,
	}
}

func buildOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger shared by every component of the dataset.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithBackend selects the engine by registry name (see Backends).
// It applies when a dataset is initialized; an existing dataset keeps the
// backend recorded in its config.
func WithBackend(name string) Option {
	return func(o *options) {
		o.backend = name
	}
}

// WithEngine injects an engine instead of opening one from the registry.
func WithEngine(engine core.Engine) Option {
	return func(o *options) {
		o.engine = engine
	}
}

// WithBlobStore injects a blob store instead of the objects/ directory.
func WithBlobStore(blobs core.BlobStore) Option {
	return func(o *options) {
		o.blobs = blobs
	}
}

// WithHasher swaps the hash function of the default blob store.
func WithHasher(fn func() hash.Hash) Option {
	return func(o *options) {
		o.hasher = fn
	}
}

// WithHTTPClient sets the client used to reach remotes.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithSystemDir allows specifying the hidden directory name.
// Defaults to ".strata".
func WithSystemDir(name string) Option {
	return func(o *options) {
		o.systemDir = name
	}
}

// WithSchemaWatch reloads the schema when schema.json is edited on disk.
func WithSchemaWatch(enabled bool) Option {
	return func(o *options) {
		o.watchSchema = enabled
	}
}
