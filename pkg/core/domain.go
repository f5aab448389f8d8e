// Package core holds the domain types shared by every strata component.
package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
)

// Reserved document keys. They are never treated as schema columns.
const (
	KeyID          = "id"
	KeyVersion     = "version"
	KeySeq         = "seq"
	KeyDeleted     = "deleted"
	KeyAttachments = "attachments"
)

// Fields represents the typed, row-shaped values of a document.
type Fields map[string]any

// Attachment points a document at a blob by its content address.
type Attachment struct {
	Hash string `json:"hash"`
	Size int64  `json:"size,omitempty"`
}

// Document is one version of a row.
//
// Its JSON form is flat: reserved keys sit next to the fields,
// e.g. {"id":"x","version":2,"name":"b"}.
type Document struct {
	ID          string
	Version     uint64
	Seq         uint64
	Deleted     bool
	Attachments map[string]Attachment
	Fields      Fields
}

// IsReserved reports whether key is a document key rather than a column.
func IsReserved(key string) bool {
	switch key {
	case KeyID, KeyVersion, KeySeq, KeyDeleted, KeyAttachments:
		return true
	}
	return false
}

// ValidateID checks that id can be used as a document key.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidID)
	}
	if strings.IndexByte(id, 0) >= 0 {
		return fmt.Errorf("%w: id %q contains a NUL byte", ErrInvalidID, id)
	}
	return nil
}

// Clone returns a deep enough copy for callers to mutate fields and attachments.
func (d Document) Clone() Document {
	out := d
	if d.Fields != nil {
		out.Fields = maps.Clone(d.Fields)
	}
	if d.Attachments != nil {
		out.Attachments = maps.Clone(d.Attachments)
	}
	return out
}

// MarshalJSON flattens the document.
func (d Document) MarshalJSON() ([]byte, error) {
	payload := make(map[string]any, len(d.Fields)+5)
	for k, v := range d.Fields {
		if IsReserved(k) {
			continue
		}
		payload[k] = v
	}
	payload[KeyID] = d.ID
	if d.Version > 0 {
		payload[KeyVersion] = d.Version
	}
	if d.Seq > 0 {
		payload[KeySeq] = d.Seq
	}
	if d.Deleted {
		payload[KeyDeleted] = true
	}
	if len(d.Attachments) > 0 {
		payload[KeyAttachments] = d.Attachments
	}
	return json.Marshal(payload)
}

// UnmarshalJSON reads the flat form produced by MarshalJSON.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}

	*d = Document{}
	for k, v := range raw {
		var err error
		switch k {
		case KeyID:
			err = json.Unmarshal(v, &d.ID)
		case KeyVersion:
			err = json.Unmarshal(v, &d.Version)
		case KeySeq:
			err = json.Unmarshal(v, &d.Seq)
		case KeyDeleted:
			err = json.Unmarshal(v, &d.Deleted)
		case KeyAttachments:
			if !bytes.Equal(v, []byte("null")) {
				err = json.Unmarshal(v, &d.Attachments)
			}
		default:
			var val any
			if val, err = decodeValue(v); err == nil {
				if d.Fields == nil {
					d.Fields = make(Fields)
				}
				d.Fields[k] = val
			}
		}
		if err != nil {
			return fmt.Errorf("invalid document key %q: %w", k, err)
		}
	}
	return nil
}

// maxExactInt is the largest magnitude an integer can have and still
// survive a float64.
const maxExactInt = 1 << 53

// decodeValue decodes a field value. Numbers become float64, except integers
// beyond ±2^53, which stay int64 (or uint64 above MaxInt64) so they round-trip
// exactly.
func decodeValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeNumbers(v)
}

func normalizeNumbers(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(x.String(), 10, 64); err == nil {
			if i > maxExactInt || i < -maxExactInt {
				return i, nil
			}
			return float64(i), nil
		}
		if u, err := strconv.ParseUint(x.String(), 10, 64); err == nil {
			return u, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %s: %w", x, err)
		}
		return f, nil
	case map[string]any:
		for k, item := range x {
			n, err := normalizeNumbers(item)
			if err != nil {
				return nil, err
			}
			x[k] = n
		}
	case []any:
		for i, item := range x {
			n, err := normalizeNumbers(item)
			if err != nil {
				return nil, err
			}
			x[i] = n
		}
	}
	return v, nil
}

// Change is one entry of the change feed.
type Change struct {
	Seq     uint64 `json:"seq" msgpack:"seq"`
	ID      string `json:"id" msgpack:"id"`
	Version uint64 `json:"version" msgpack:"version"`
	Deleted bool   `json:"deleted,omitempty" msgpack:"deleted,omitempty"`
}

// String implements fmt.Stringer.
func (c Change) String() string {
	op := "put"
	if c.Deleted {
		op = "del"
	}
	return fmt.Sprintf("%d %s %s@%d", c.Seq, op, c.ID, c.Version)
}

// ColumnType is the JSON kind a column holds.
type ColumnType string

const (
	TypeString  ColumnType = "string"
	TypeNumber  ColumnType = "number"
	TypeBoolean ColumnType = "boolean"
	TypeObject  ColumnType = "object"
	TypeArray   ColumnType = "array"
)

// Column describes one schema column.
type Column struct {
	Name string     `json:"name" msgpack:"name"`
	Type ColumnType `json:"type" msgpack:"type"`
}

// Direction distinguishes push cursors from pull cursors.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
)

// Cursor records how far replication progressed against one remote.
type Cursor struct {
	RemoteURL string `json:"remote_url"`
	LastSeq   uint64 `json:"last_seq"`
}
