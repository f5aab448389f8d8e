// Package schema tracks the typed columns a dataset exposes.
package schema

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/aretw0/strata/internal/fsutil"
	"github.com/aretw0/strata/pkg/core"
)

// Registry is the ordered set of columns of one dataset.
// Column order is insertion order; it matters for tabular export only.
type Registry struct {
	mu      sync.RWMutex
	path    string
	columns []core.Column
	index   map[string]int
	logger  *slog.Logger
}

// New returns an empty registry persisted at path.
// An empty path keeps the registry in memory.
func New(path string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		path:   path,
		index:  make(map[string]int),
		logger: logger,
	}
}

// Path is the descriptor file location.
func (r *Registry) Path() string {
	return r.path
}

// TypeOf maps a decoded JSON value to its column type.
// Null values have no type.
func TypeOf(v any) (core.ColumnType, bool) {
	switch v.(type) {
	case string:
		return core.TypeString, true
	case float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return core.TypeNumber, true
	case bool:
		return core.TypeBoolean, true
	case map[string]any:
		return core.TypeObject, true
	case []any:
		return core.TypeArray, true
	}
	return "", false
}

// Load replaces the registry contents with the descriptor file.
// A missing file leaves the registry empty.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}

	var cols []core.Column
	if len(data) > 0 {
		if err := json.Unmarshal(data, &cols); err != nil {
			return fmt.Errorf("failed to decode schema %s: %w", r.path, err)
		}
	}

	index := make(map[string]int, len(cols))
	for i, c := range cols {
		if c.Name == "" || core.IsReserved(c.Name) {
			return fmt.Errorf("invalid column name %q in %s", c.Name, r.path)
		}
		if _, dup := index[c.Name]; dup {
			return fmt.Errorf("duplicate column %q in %s", c.Name, r.path)
		}
		index[c.Name] = i
	}
	r.columns = cols
	r.index = index
	return nil
}

// Save persists the registry. Callers outside this package use it after
// initialization; mutations save on their own.
func (r *Registry) Save() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.save()
}

// save assumes r.mu is held.
func (r *Registry) save() error {
	if r.path == "" {
		return nil
	}
	cols := r.columns
	if cols == nil {
		cols = []core.Column{}
	}
	data, err := json.MarshalIndent(cols, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(r.path, data, 0644); err != nil {
		return fmt.Errorf("failed to save schema: %w", err)
	}
	return nil
}

// ToJSON returns a snapshot of the columns in order.
func (r *Registry) ToJSON() []core.Column {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.columns)
}

// Headers returns the tabular header row: id, version, then every column.
func (r *Registry) Headers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	headers := make([]string, 0, len(r.columns)+2)
	headers = append(headers, core.KeyID, core.KeyVersion)
	for _, c := range r.columns {
		headers = append(headers, c.Name)
	}
	return headers
}

// Column looks up a column by name.
func (r *Registry) Column(name string) (core.Column, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[name]
	if !ok {
		return core.Column{}, false
	}
	return r.columns[i], true
}

// Observe validates fields against the registry and adds the columns it has
// not seen yet. Nothing is added when any field conflicts. With strict set,
// unknown fields are rejected instead of added.
func (r *Registry) Observe(fields core.Fields, strict bool) ([]core.Column, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	added, err := r.check(fields, strict)
	if err != nil {
		return nil, err
	}
	if err := r.add(added); err != nil {
		return nil, err
	}
	return added, nil
}

// Check is Observe without the side effect: it returns the columns fields
// would add and leaves the registry untouched.
func (r *Registry) Check(fields core.Fields, strict bool) ([]core.Column, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.check(fields, strict)
}

// check assumes r.mu is held.
func (r *Registry) check(fields core.Fields, strict bool) ([]core.Column, error) {
	var added []core.Column
	for _, name := range sortedKeys(fields) {
		if core.IsReserved(name) {
			continue
		}
		t, ok := TypeOf(fields[name])
		if !ok {
			continue
		}
		if i, known := r.index[name]; known {
			if r.columns[i].Type != t {
				return nil, fmt.Errorf("%w: column %q is %s, got %s", core.ErrSchemaConflict, name, r.columns[i].Type, t)
			}
			continue
		}
		if strict {
			return nil, fmt.Errorf("%w: column %q is not in the schema", core.ErrSchemaConflict, name)
		}
		added = append(added, core.Column{Name: name, Type: t})
	}
	return added, nil
}

// Extend appends columns a committed write introduced. Columns already
// present with the same type are skipped. If the descriptor cannot be saved
// the columns stay in memory and the next successful save persists them.
func (r *Registry) Extend(cols []core.Column) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var fresh []core.Column
	for _, c := range cols {
		if i, known := r.index[c.Name]; known {
			if r.columns[i].Type != c.Type {
				return fmt.Errorf("%w: column %q is %s, got %s", core.ErrSchemaConflict, c.Name, r.columns[i].Type, c.Type)
			}
			continue
		}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		return nil
	}
	for _, c := range fresh {
		r.index[c.Name] = len(r.columns)
		r.columns = append(r.columns, c)
	}
	if err := r.save(); err != nil {
		return err
	}
	r.logger.Debug("schema extended", "columns", fresh)
	return nil
}

// Merge reconciles a remote schema into this one. Remote columns missing
// locally are appended in remote order; a type disagreement on an existing
// column fails the whole merge.
func (r *Registry) Merge(remote []core.Column) ([]core.Column, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var added []core.Column
	seen := make(map[string]bool, len(remote))
	for _, c := range remote {
		if c.Name == "" || core.IsReserved(c.Name) {
			return nil, fmt.Errorf("%w: remote column name %q is invalid", core.ErrSchemaConflict, c.Name)
		}
		if i, known := r.index[c.Name]; known {
			if r.columns[i].Type != c.Type {
				return nil, fmt.Errorf("%w: column %q is %s locally and %s remotely", core.ErrSchemaConflict, c.Name, r.columns[i].Type, c.Type)
			}
			continue
		}
		if seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		added = append(added, c)
	}

	if err := r.add(added); err != nil {
		return nil, err
	}
	return added, nil
}

// add appends columns and persists. Assumes r.mu is held.
func (r *Registry) add(cols []core.Column) error {
	if len(cols) == 0 {
		return nil
	}
	prevLen := len(r.columns)
	for _, c := range cols {
		r.index[c.Name] = len(r.columns)
		r.columns = append(r.columns, c)
	}
	if err := r.save(); err != nil {
		for _, c := range cols {
			delete(r.index, c.Name)
		}
		r.columns = r.columns[:prevLen]
		return err
	}
	r.logger.Debug("schema extended", "columns", cols)
	return nil
}

func sortedKeys(fields core.Fields) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
