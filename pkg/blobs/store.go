// Package blobs is a content-addressed store for document attachments.
//
// Blobs live under their hash in a two-level sharded tree
// (objects/ab/cd/abcdef...), so the address doubles as the integrity check.
package blobs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/aretw0/strata/internal/fsutil"
	"github.com/aretw0/strata/pkg/core"
)

// Store keeps blobs on the local filesystem.
type Store struct {
	dir     string
	newHash func() hash.Hash
	logger  *slog.Logger
}

var _ core.BlobStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithHasher swaps the hash function. Both sides of a replication must agree.
func WithHasher(fn func() hash.Hash) Option {
	return func(s *Store) {
		s.newHash = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New opens (and creates) a blob store rooted at dir.
func New(dir string, opts ...Option) (*Store, error) {
	s := &Store{dir: dir, newHash: sha256.New}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob dir: %w", err)
	}
	return s, nil
}

// Dir is the root of the blob tree.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(hash string) (string, error) {
	if !validHash(hash) {
		return "", fmt.Errorf("%w: invalid blob hash %q", core.ErrNotFound, hash)
	}
	return filepath.Join(s.dir, hash[:2], hash[2:4], hash), nil
}

// validHash accepts lowercase hex only, which also keeps paths inside dir.
func validHash(h string) bool {
	if len(h) < 8 {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Has reports whether a blob is stored under hash.
func (s *Store) Has(hash string) (bool, error) {
	p, err := s.path(hash)
	if err != nil {
		return false, nil
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// CreateReadStream opens the blob stored under hash.
func (s *Store) CreateReadStream(hash string) (io.ReadCloser, error) {
	p, err := s.path(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: blob %s", core.ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blob %s: %w", hash, err)
	}
	return f, nil
}

// Put stores everything read from r and returns its hash.
func (s *Store) Put(r io.Reader) (string, error) {
	w, err := s.CreateWriteStream(core.BlobWriteOptions{})
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Abort()
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return w.Hash(), nil
}

// PutBytes is Put for an in-memory payload.
func (s *Store) PutBytes(data []byte) (string, error) {
	return s.Put(bytes.NewReader(data))
}

// Remove deletes a blob. Removing a missing blob is not an error.
func (s *Store) Remove(hash string) error {
	p, err := s.path(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove blob %s: %w", hash, err)
	}
	return nil
}

// CreateWriteStream opens a sink. Its address is known once Close returns.
func (s *Store) CreateWriteStream(opts core.BlobWriteOptions) (core.BlobWriter, error) {
	tmp, err := fsutil.CreateTemp(s.dir)
	if err != nil {
		return nil, err
	}
	return &Writer{
		store: s,
		tmp:   tmp,
		hash:  s.newHash(),
		opts:  opts,
	}, nil
}

// Writer streams bytes to a temp file while hashing them.
type Writer struct {
	store *Store
	tmp   *os.File
	hash  hash.Hash
	opts  core.BlobWriteOptions

	mu     sync.Mutex
	size   int64
	sum    string
	closed bool
	once   sync.Once
}

var errWriterClosed = errors.New("blob writer is closed")

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, errWriterClosed
	}
	n, err := w.tmp.Write(p)
	w.hash.Write(p[:n])
	w.size += int64(n)
	return n, err
}

func (w *Writer) Hash() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sum
}

func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Close commits the blob under its hash. An existing blob with the same
// hash is kept and the new copy dropped.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errWriterClosed
	}
	w.closed = true
	sum := hex.EncodeToString(w.hash.Sum(nil))
	w.mu.Unlock()

	err := w.commit(sum)
	if err == nil {
		w.mu.Lock()
		w.sum = sum
		w.mu.Unlock()
		w.store.logger.Debug("blob stored", "hash", sum, "size", w.size, "filename", w.opts.Filename)
	} else {
		sum = ""
	}
	w.done(sum, err)
	return err
}

func (w *Writer) commit(sum string) error {
	defer os.Remove(w.tmp.Name()) // no-op after a successful rename

	if w.opts.Expect != "" && w.opts.Expect != sum {
		w.tmp.Close()
		return fmt.Errorf("%w: expected %s, got %s", core.ErrHashMismatch, w.opts.Expect, sum)
	}

	dst, err := w.store.path(sum)
	if err != nil {
		w.tmp.Close()
		return err
	}
	if _, err := os.Stat(dst); err == nil {
		w.tmp.Close()
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		w.tmp.Close()
		return fmt.Errorf("failed to create blob shard: %w", err)
	}
	return fsutil.Commit(w.tmp, dst, 0444)
}

// Abort discards the partial blob.
func (w *Writer) Abort() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.tmp.Close()
	err := os.Remove(w.tmp.Name())
	w.done("", errors.New("blob write aborted"))
	return err
}

func (w *Writer) done(sum string, err error) {
	w.once.Do(func() {
		if w.opts.Done != nil {
			w.opts.Done(sum, err)
		}
	})
}
