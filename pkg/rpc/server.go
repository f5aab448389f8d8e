package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aretw0/strata/pkg/core"
)

// Backend is what a tunnel exposes: the replica surface plus its schema.
type Backend interface {
	core.Replica
	Columns() []core.Column
}

// Server answers tunnel calls against a Backend.
type Server struct {
	backend Backend
	logger  *slog.Logger
}

func NewServer(backend Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{backend: backend, logger: logger}
}

// ServeHTTP turns one POST into a tunnel: the request body carries calls and
// the response body carries answers, both open until either side hangs up.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.EnableFullDuplex(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	session := r.Header.Get(HeaderSession)
	s.logger.Debug("rpc tunnel opened", "session", session, "remote", r.RemoteAddr)
	err := s.Serve(r.Context(), r.Body, &flushWriter{w: w, rc: rc})
	s.logger.Debug("rpc tunnel closed", "session", session, "error", err)
}

type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, f.rc.Flush()
}

// Serve reads calls from r and writes answers to w until r ends or ctx is
// done. Calls run concurrently; in-flight ones are cancelled on return.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)

	out := newFrameWriter(w)
	dec := msgpack.NewDecoder(r)

	var (
		mu      sync.Mutex
		pending = make(map[uint64]context.CancelFunc)
		wg      sync.WaitGroup
	)
	defer wg.Wait()
	defer cancel()

	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read frame: %w", err)
		}

		switch f.Kind {
		case kindCancel:
			mu.Lock()
			if stop, ok := pending[f.ID]; ok {
				stop()
			}
			mu.Unlock()

		case kindCall:
			callCtx, stop := context.WithCancel(ctx)
			mu.Lock()
			pending[f.ID] = stop
			mu.Unlock()

			wg.Add(1)
			go func(f frame) {
				defer wg.Done()
				defer func() {
					mu.Lock()
					delete(pending, f.ID)
					mu.Unlock()
					stop()
				}()
				if err := s.dispatch(callCtx, out, &f); err != nil {
					s.logger.Debug("rpc write failed", "id", f.ID, "method", f.Method, "error", err)
				}
			}(f)

		default:
			s.logger.Warn("unexpected rpc frame", "id", f.ID, "kind", f.Kind)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, out *frameWriter, f *frame) error {
	reply := func(body any, err error) error {
		resp := &frame{ID: f.ID, Kind: kindReply}
		if err == nil && body != nil {
			resp.Body, err = encodeBody(body)
		}
		setErr(resp, err)
		return out.write(resp)
	}

	switch f.Method {
	case methodGet:
		var args getArgs
		if err := msgpack.Unmarshal(f.Body, &args); err != nil {
			return reply(nil, err)
		}
		doc, err := s.backend.Get(ctx, args.ID, core.GetOptions{Version: args.Version, IncludeDeleted: args.IncludeDeleted})
		return reply(docBody(doc, err))

	case methodPut:
		var args putArgs
		if err := msgpack.Unmarshal(f.Body, &args); err != nil {
			return reply(nil, err)
		}
		var doc core.Document
		if err := json.Unmarshal(args.Doc, &doc); err != nil {
			return reply(nil, err)
		}
		stored, err := s.backend.Put(ctx, doc, core.PutOptions{Strict: args.Strict, Replicate: args.Replicate})
		return reply(docBody(stored, err))

	case methodDelete:
		var args idArgs
		if err := msgpack.Unmarshal(f.Body, &args); err != nil {
			return reply(nil, err)
		}
		return reply(docBody(s.backend.Delete(ctx, args.ID)))

	case methodSchema:
		return reply(s.backend.Columns(), nil)

	case methodMergeSchema:
		var cols []core.Column
		if err := msgpack.Unmarshal(f.Body, &cols); err != nil {
			return reply(nil, err)
		}
		added, err := s.backend.MergeSchema(ctx, cols)
		if err != nil {
			return reply(nil, err)
		}
		if added == nil {
			added = []core.Column{}
		}
		return reply(added, nil)

	case methodCursor:
		var args cursorArgs
		if err := msgpack.Unmarshal(f.Body, &args); err != nil {
			return reply(nil, err)
		}
		return reply(s.backend.Cursor(ctx, args.Direction, args.Remote))

	case methodSetCursor:
		var args cursorArgs
		if err := msgpack.Unmarshal(f.Body, &args); err != nil {
			return reply(nil, err)
		}
		return reply(nil, s.backend.SetCursor(ctx, args.Direction, core.Cursor{RemoteURL: args.Remote, LastSeq: args.LastSeq}))

	case methodChanges:
		var args changesArgs
		if err := msgpack.Unmarshal(f.Body, &args); err != nil {
			return out.write(endFrame(f.ID, err))
		}
		it := s.backend.Changes(core.ChangesOptions{Since: args.Since, Live: args.Live, Limit: args.Limit})
		defer it.Close()
		for it.Next(ctx) {
			if err := writeItem(out, f.ID, it.Change()); err != nil {
				return err
			}
		}
		return out.write(endFrame(f.ID, iterErr(ctx, it.Err())))

	case methodVersions:
		var args idArgs
		if err := msgpack.Unmarshal(f.Body, &args); err != nil {
			return out.write(endFrame(f.ID, err))
		}
		it := s.backend.Versions(args.ID)
		defer it.Close()
		for it.Next(ctx) {
			raw, err := json.Marshal(it.Document())
			if err != nil {
				return out.write(endFrame(f.ID, err))
			}
			if err := writeItem(out, f.ID, raw); err != nil {
				return err
			}
		}
		return out.write(endFrame(f.ID, iterErr(ctx, it.Err())))
	}

	return reply(nil, fmt.Errorf("unknown method %q", f.Method))
}

func docBody(doc core.Document, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func encodeBody(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func writeItem(out *frameWriter, id uint64, v any) error {
	body, err := encodeBody(v)
	if err != nil {
		return err
	}
	return out.write(&frame{ID: id, Kind: kindItem, Body: body})
}

func endFrame(id uint64, err error) *frame {
	f := &frame{ID: id, Kind: kindEnd}
	setErr(f, err)
	return f
}

// iterErr hides the cancellation the caller asked for.
func iterErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}
