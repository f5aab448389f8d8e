package core

import (
	"context"
	"io"
)

// Mutation is one write in an atomic engine batch.
type Mutation struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Engine is the ordered key/value capability the storage layer is built on.
// Implementations are picked at construction time; see internal/platform.
type Engine interface {
	// Get returns a copy of the value stored under key, or ErrNotFound.
	Get(key []byte) ([]byte, error)

	Put(key, value []byte) error
	Delete(key []byte) error

	// Apply commits all mutations atomically and durably.
	Apply(muts []Mutation) error

	// Scan walks keys in [lower, upper) in ascending order. A nil upper bound
	// means the end of the keyspace. Returning an error from fn stops the
	// scan and is returned unchanged.
	Scan(lower, upper []byte, fn func(key, value []byte) error) error

	Close() error
}

// GetOptions tunes Store.Get.
type GetOptions struct {
	// Version selects a specific version instead of the latest one.
	Version uint64
	// IncludeDeleted returns the tombstone when the latest version is a deletion.
	IncludeDeleted bool
}

// PutOptions tunes Store.Put.
type PutOptions struct {
	// Strict refuses documents that would add columns to the schema.
	Strict bool
	// Replicate keeps the incoming version instead of assigning the next one.
	// Used when replaying another store's history.
	Replicate bool
}

// ChangesOptions tunes Store.Changes.
type ChangesOptions struct {
	// Since is exclusive: entries with Seq > Since are returned.
	Since uint64
	// Live keeps the iterator open past the current frontier.
	Live bool
	// Limit caps the number of entries; zero means no cap.
	Limit int
}

// DocumentIterator is a lazy sequence of documents.
type DocumentIterator interface {
	Next(ctx context.Context) bool
	Document() Document
	Err() error
	Close() error
}

// ChangeIterator is a lazy sequence of change entries ordered by Seq.
type ChangeIterator interface {
	Next(ctx context.Context) bool
	Change() Change
	Err() error
	Close() error
}

// Store is the versioned document surface shared by local storage and the
// remote proxy.
type Store interface {
	Get(ctx context.Context, id string, opts GetOptions) (Document, error)
	Put(ctx context.Context, doc Document, opts PutOptions) (Document, error)
	Delete(ctx context.Context, id string) (Document, error)
	Changes(opts ChangesOptions) ChangeIterator
	Versions(id string) DocumentIterator
}

// Replica is a store replication can drive: the store surface plus schema
// negotiation and per-remote progress. Local storage and the remote proxy
// both implement it.
type Replica interface {
	Store
	// MergeSchema reconciles remote columns into the store's schema and
	// returns the columns it added.
	MergeSchema(ctx context.Context, remote []Column) ([]Column, error)
	// Cursor returns how far replication in dir got against remote.
	Cursor(ctx context.Context, dir Direction, remote string) (Cursor, error)
	SetCursor(ctx context.Context, dir Direction, cur Cursor) error
}

// BlobWriteOptions tunes BlobStore.CreateWriteStream.
type BlobWriteOptions struct {
	// Filename is informational; blobs are addressed by content only.
	Filename string
	// Expect, if set, makes Close fail and discard the blob when the content
	// does not hash to it.
	Expect string
	// Done, if set, is called exactly once when the writer is closed or aborted.
	Done func(hash string, err error)
}

// BlobWriter is a sink that learns its address while being written.
type BlobWriter interface {
	io.WriteCloser
	// Hash is the content address, valid after a successful Close.
	Hash() string
	// Size is the number of bytes written so far.
	Size() int64
	// Abort discards the partial blob.
	Abort() error
}

// BlobStore is content-addressed storage for attachments.
type BlobStore interface {
	CreateWriteStream(opts BlobWriteOptions) (BlobWriter, error)
	CreateReadStream(hash string) (io.ReadCloser, error)
	Has(hash string) (bool, error)
}
