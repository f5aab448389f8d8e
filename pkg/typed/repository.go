// Package typed maps dataset rows onto Go structs.
package typed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aretw0/strata/pkg/core"
)

// DocumentModel is a typed view of one version of a row.
type DocumentModel[T any] struct {
	ID      string
	Version uint64
	Data    T        // The row fields, decoded
	Saver   Saver[T] // Active Record reference interface
}

// Saver interface avoids tight coupling between models and the Repository.
type Saver[T any] interface {
	Save(ctx context.Context, doc *DocumentModel[T]) error
}

// Save persists the document using the attached saver.
func (d *DocumentModel[T]) Save(ctx context.Context) error {
	if d.Saver == nil {
		return fmt.Errorf("document is detached (missing Saver)")
	}
	return d.Saver.Save(ctx, d)
}

// Repository wraps a core.Store to provide type-safe access. The store may
// be a local dataset or a remote one reached through pkg/rpc.
type Repository[T any] struct {
	store core.Store
	opts  core.PutOptions
}

// NewRepository creates a new type-safe wrapper around an existing store.
func NewRepository[T any](store core.Store) *Repository[T] {
	return &Repository[T]{store: store}
}

// Strict makes Save refuse values that would add schema columns.
func (r *Repository[T]) Strict() *Repository[T] {
	return &Repository[T]{store: r.store, opts: core.PutOptions{Strict: true}}
}

// Save writes doc.Data as a new version and updates doc.Version.
func (r *Repository[T]) Save(ctx context.Context, doc *DocumentModel[T]) error {
	dataBytes, err := json.Marshal(doc.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal typed data: %w", err)
	}

	var fields core.Fields
	if err := json.Unmarshal(dataBytes, &fields); err != nil {
		return fmt.Errorf("failed to convert typed data to fields: %w", err)
	}
	for k := range fields {
		if core.IsReserved(k) {
			return fmt.Errorf("typed data uses reserved key %q", k)
		}
	}

	stored, err := r.store.Put(ctx, core.Document{ID: doc.ID, Fields: fields}, r.opts)
	if err != nil {
		return err
	}
	doc.Version = stored.Version
	if doc.Saver == nil {
		doc.Saver = r
	}
	return nil
}

// Get retrieves the latest version of id.
func (r *Repository[T]) Get(ctx context.Context, id string) (*DocumentModel[T], error) {
	doc, err := r.store.Get(ctx, id, core.GetOptions{})
	if err != nil {
		return nil, err
	}
	return fromCore(doc, r)
}

// GetVersion retrieves one specific version of id.
func (r *Repository[T]) GetVersion(ctx context.Context, id string, version uint64) (*DocumentModel[T], error) {
	doc, err := r.store.Get(ctx, id, core.GetOptions{Version: version})
	if err != nil {
		return nil, err
	}
	return fromCore(doc, r)
}

// History returns every live version of id, oldest first. Tombstones are
// skipped.
func (r *Repository[T]) History(ctx context.Context, id string) ([]*DocumentModel[T], error) {
	it := r.store.Versions(id)
	defer it.Close()

	var result []*DocumentModel[T]
	for it.Next(ctx) {
		doc := it.Document()
		if doc.Deleted {
			continue
		}
		model, err := fromCore(doc, r)
		if err != nil {
			return nil, fmt.Errorf("failed to process %s@%d: %w", doc.ID, doc.Version, err)
		}
		result = append(result, model)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Delete appends a tombstone for id.
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	_, err := r.store.Delete(ctx, id)
	return err
}

func fromCore[T any](doc core.Document, saver Saver[T]) (*DocumentModel[T], error) {
	dataBytes, err := json.Marshal(doc.Fields)
	if err != nil {
		return nil, fmt.Errorf("fields marshal failed: %w", err)
	}

	var data T
	if err := json.Unmarshal(dataBytes, &data); err != nil {
		return nil, fmt.Errorf("unmarshal to target type failed: %w", err)
	}

	return &DocumentModel[T]{
		ID:      doc.ID,
		Version: doc.Version,
		Data:    data,
		Saver:   saver,
	}, nil
}
