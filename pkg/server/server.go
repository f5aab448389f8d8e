// Package server exposes a dataset to its peers over HTTP: the endpoints the
// replicator talks to, plus the rpc tunnel.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aretw0/strata/pkg/core"
	"github.com/aretw0/strata/pkg/rpc"
	"github.com/aretw0/strata/pkg/storage"
	"github.com/aretw0/strata/pkg/wire"
)

// Config holds the configuration for the HTTP surface.
type Config struct {
	Store  *storage.Storage
	Blobs  core.BlobStore
	Logger *slog.Logger
}

// Server routes replication requests to one dataset.
type Server struct {
	store  *storage.Storage
	blobs  core.BlobStore
	logger *slog.Logger
	mux    *http.ServeMux
}

func New(config Config) *Server {
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		store:  config.Store,
		blobs:  config.Blobs,
		logger: config.Logger,
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("GET "+wire.PathSchema, s.handleSchema)
	s.mux.HandleFunc("GET "+wire.PathChanges, s.handleChanges)
	s.mux.HandleFunc("POST "+wire.PathBulk, s.handleBulk)
	s.mux.HandleFunc("GET "+wire.PathBlobs+"/{hash}", s.handleGetBlob)
	s.mux.HandleFunc("POST "+wire.PathBlobs, s.handlePostBlob)
	s.mux.Handle("POST "+wire.PathRPC, rpc.NewServer(s.store, s.logger))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrSchemaConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrInvalidID), errors.Is(err, core.ErrHashMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	http.Error(w, err.Error(), code)
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.store.Columns())
}

func queryUint(r *http.Request, name string) (uint64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

func queryBool(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}

// handleChanges streams the change feed as NDJSON. With data=true every
// record carries the version it refers to.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	since, err := queryUint(r, "since")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data := queryBool(r, "data")

	it := s.store.Changes(core.ChangesOptions{Since: since, Live: queryBool(r, "live"), Limit: int(limit)})
	defer it.Close()

	w.Header().Set("Content-Type", wire.ContentTypeNDJSON)
	w.WriteHeader(http.StatusOK)
	enc := wire.NewEncoder(w)

	ctx := r.Context()
	for it.Next(ctx) {
		c := it.Change()
		var doc *core.Document
		if data {
			d, err := s.store.Get(ctx, c.ID, core.GetOptions{Version: c.Version, IncludeDeleted: true})
			if err != nil {
				s.logger.Error("changes: failed to load version", "id", c.ID, "version", c.Version, "error", err)
				return
			}
			doc = &d
		}
		if err := enc.Encode(wire.RecordFor(c, doc)); err != nil {
			return
		}
	}
	if err := it.Err(); err != nil && ctx.Err() == nil {
		s.logger.Error("changes: feed failed", "error", err)
	}
}

// handleBulk applies newline-delimited documents and answers each with one
// ack line, in order. A rejected row does not stop the batch.
func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	opts := core.PutOptions{
		Strict:    queryBool(r, "strict"),
		Replicate: queryBool(r, "replicate"),
	}

	rc := http.NewResponseController(w)
	if err := rc.EnableFullDuplex(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", wire.ContentTypeNDJSON)
	w.WriteHeader(http.StatusOK)

	dec := wire.NewDecoder(r.Body)
	enc := wire.NewEncoder(w)
	rows := 0
	for {
		var doc core.Document
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// The stream is unusable past a bad line; report it and stop.
			_ = enc.Encode(wire.Ack{Error: err.Error()})
			break
		}
		rows++

		stored, err := s.store.Put(r.Context(), doc, opts)
		ack := wire.Ack{Success: err == nil}
		if err != nil {
			ack.Error = err.Error()
			s.logger.Debug("bulk row rejected", "id", doc.ID, "error", err)
		} else {
			ack.Row = &stored
		}
		if err := enc.Encode(ack); err != nil {
			return
		}
	}
	s.logger.Debug("bulk applied", "rows", rows, "replicate", opts.Replicate)
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	rd, err := s.blobs.CreateReadStream(hash)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer rd.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("ETag", strconv.Quote(hash))
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	if _, err := io.Copy(w, rd); err != nil {
		s.logger.Debug("blob download interrupted", "hash", hash, "error", err)
	}
}

// handlePostBlob stores the request body. With ?hash= the upload is
// rejected unless its content hashes to that value.
func (s *Server) handlePostBlob(w http.ResponseWriter, r *http.Request) {
	bw, err := s.blobs.CreateWriteStream(core.BlobWriteOptions{
		Filename: r.URL.Query().Get("filename"),
		Expect:   r.URL.Query().Get("hash"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := io.Copy(bw, r.Body); err != nil {
		_ = bw.Abort()
		s.fail(w, r, fmt.Errorf("failed to receive blob: %w", err))
		return
	}
	if err := bw.Close(); err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(wire.BlobRef{Hash: bw.Hash(), Size: bw.Size()})
}

// ListenAndServe serves h on addr until ctx is done, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
	}()

	logger.Info("serving dataset", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
