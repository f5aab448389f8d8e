// Package wire holds the replication wire formats: newline-delimited JSON
// change records and bulk acknowledgements, plus the endpoint paths both
// sides agree on.
package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aretw0/strata/pkg/core"
)

// Endpoint paths served by pkg/server.
const (
	PathSchema  = "/api/schema"
	PathChanges = "/api/changes"
	PathBulk    = "/api/bulk"
	PathBlobs   = "/api/blobs"
	PathRPC     = "/api/rpc"
)

const ContentTypeNDJSON = "application/x-ndjson"

// ChangeRecord is one line of the change feed. Value is the version the
// entry refers to and is only present when the feed was asked for data.
type ChangeRecord struct {
	Seq     uint64         `json:"seq"`
	ID      string         `json:"id"`
	Version uint64         `json:"version"`
	Deleted bool           `json:"deleted"`
	Value   *core.Document `json:"value,omitempty"`
}

func (r ChangeRecord) Change() core.Change {
	return core.Change{Seq: r.Seq, ID: r.ID, Version: r.Version, Deleted: r.Deleted}
}

// RecordFor builds the feed line for c, with doc attached when non-nil.
func RecordFor(c core.Change, doc *core.Document) ChangeRecord {
	return ChangeRecord{Seq: c.Seq, ID: c.ID, Version: c.Version, Deleted: c.Deleted, Value: doc}
}

// Ack answers one bulk row, in the order rows were sent.
type Ack struct {
	Success bool           `json:"success"`
	Row     *core.Document `json:"row,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// BlobRef is the response to a blob upload.
type BlobRef struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Encoder writes one JSON value per line and flushes after each one when
// the destination supports it, so the peer sees records as they are made.
type Encoder struct {
	w     io.Writer
	enc   *json.Encoder
	flush func()
}

func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w, enc: json.NewEncoder(w)}
	if f, ok := w.(http.Flusher); ok {
		e.flush = f.Flush
	}
	return e
}

// Encode writes v followed by a newline.
func (e *Encoder) Encode(v any) error {
	if err := e.enc.Encode(v); err != nil {
		return err
	}
	if e.flush != nil {
		e.flush()
	}
	return nil
}

// Decoder reads newline-delimited JSON, skipping blank lines.
type Decoder struct {
	r    *bufio.Reader
	line int
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads the next line into v. It returns io.EOF at a clean end of
// stream and io.ErrUnexpectedEOF when the stream stops mid-line.
func (d *Decoder) Decode(v any) error {
	for {
		raw, err := d.r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return err
		}
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			if err == io.EOF {
				return io.EOF
			}
			d.line++
			continue
		}
		d.line++
		if jerr := json.Unmarshal(line, v); jerr != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return fmt.Errorf("line %d: %w", d.line, jerr)
		}
		return nil
	}
}

// NormalizeURL is the identity replication state is keyed under: a missing
// scheme becomes http:// and one trailing slash is dropped.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	if !strings.Contains(u, "://") {
		u = "http://" + u
	}
	return strings.TrimSuffix(u, "/")
}
