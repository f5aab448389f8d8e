// Package rpc tunnels the store surface over one bidirectional byte stream.
//
// Both directions carry a sequence of msgpack-encoded frames. A call opens an
// id; the server answers with a reply, or with items followed by an end for
// streaming methods. The caller may cancel an id at any time. Documents ride
// inside frames in their JSON form so they match the replication wire.
package rpc

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aretw0/strata/pkg/core"
)

type kind uint8

const (
	kindCall kind = iota + 1
	kindReply
	kindItem
	kindEnd
	kindCancel
)

// Method names.
const (
	methodGet      = "get"
	methodPut      = "put"
	methodDelete   = "delete"
	methodChanges  = "changes"
	methodVersions = "versions"
	methodSchema   = "schema"

	methodMergeSchema = "merge_schema"
	methodCursor      = "cursor"
	methodSetCursor   = "set_cursor"
)

// HeaderSession carries the client's tunnel id for server logs.
const HeaderSession = "X-Strata-Session"

const ContentType = "application/msgpack"

type frame struct {
	ID     uint64 `msgpack:"id"`
	Kind   kind   `msgpack:"kind"`
	Method string `msgpack:"method,omitempty"`
	Body   []byte `msgpack:"body,omitempty"`
	Err    string `msgpack:"err,omitempty"`
	Code   string `msgpack:"code,omitempty"`
}

type getArgs struct {
	ID             string `msgpack:"id"`
	Version        uint64 `msgpack:"version,omitempty"`
	IncludeDeleted bool   `msgpack:"include_deleted,omitempty"`
}

type putArgs struct {
	Doc       []byte `msgpack:"doc"`
	Strict    bool   `msgpack:"strict,omitempty"`
	Replicate bool   `msgpack:"replicate,omitempty"`
}

type idArgs struct {
	ID string `msgpack:"id"`
}

type cursorArgs struct {
	Direction core.Direction `msgpack:"direction"`
	Remote    string         `msgpack:"remote"`
	LastSeq   uint64         `msgpack:"last_seq,omitempty"`
}

type changesArgs struct {
	Since uint64 `msgpack:"since"`
	Live  bool   `msgpack:"live,omitempty"`
	Limit int    `msgpack:"limit,omitempty"`
}

// frameWriter serializes frames from concurrent goroutines.
type frameWriter struct {
	mu  sync.Mutex
	enc *msgpack.Encoder
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{enc: msgpack.NewEncoder(w)}
}

func (fw *frameWriter) write(f *frame) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.enc.Encode(f)
}

// Error codes let sentinels survive the tunnel.
var codes = map[string]error{
	"not_found":       core.ErrNotFound,
	"schema_conflict": core.ErrSchemaConflict,
	"invalid_id":      core.ErrInvalidID,
	"closed":          core.ErrClosed,
	"hash_mismatch":   core.ErrHashMismatch,
}

func errorCode(err error) string {
	for code, sentinel := range codes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}

func setErr(f *frame, err error) {
	if err == nil {
		return
	}
	f.Err = err.Error()
	f.Code = errorCode(err)
}

// remoteError rebuilds the error carried by f, or nil.
func remoteError(f *frame) error {
	if f.Err == "" {
		return nil
	}
	if sentinel, ok := codes[f.Code]; ok {
		return fmt.Errorf("%w (remote: %s)", sentinel, f.Err)
	}
	return fmt.Errorf("remote: %s", f.Err)
}
