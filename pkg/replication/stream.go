package replication

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aretw0/strata/pkg/core"
)

const resultBuffer = 16

// Result reports one transferred document.
type Result struct {
	Success bool
	Row     core.Document
	Err     error
}

// String implements fmt.Stringer.
func (r Result) String() string {
	if r.Success {
		return fmt.Sprintf("ok %s@%d", r.Row.ID, r.Row.Version)
	}
	return fmt.Sprintf("failed %s@%d: %v", r.Row.ID, r.Row.Version, r.Err)
}

// Stream is a running push or pull. Results are delivered on a bounded
// channel: a consumer that stops reading pauses the transfer without losing
// anything.
type Stream struct {
	remote    string
	direction core.Direction

	results chan Result
	done    chan struct{}
	cancel  context.CancelFunc
	ended   atomic.Bool

	mu  sync.Mutex
	err error
}

func newStream(ctx context.Context, remote string, dir core.Direction) (*Stream, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	return &Stream{
		remote:    remote,
		direction: dir,
		results:   make(chan Result, resultBuffer),
		done:      make(chan struct{}),
		cancel:    cancel,
	}, ctx
}

// Remote is the normalized remote URL.
func (s *Stream) Remote() string { return s.remote }

func (s *Stream) Direction() core.Direction { return s.direction }

// Results yields one Result per document. It is closed when the stream
// finishes.
func (s *Stream) Results() <-chan Result { return s.results }

// Done is closed once the stream has finished and released its remote.
func (s *Stream) Done() <-chan struct{} { return s.done }

// End stops the transfer. Entries already applied stay applied, and the
// stream finishes without error.
func (s *Stream) End() {
	s.ended.Store(true)
	s.cancel()
}

// Err is the terminal error, valid after Done.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait discards unread results, waits for the stream to finish and returns
// its terminal error.
func (s *Stream) Wait() error {
	for range s.results {
	}
	<-s.done
	return s.Err()
}

// emit delivers r unless the stream is being torn down.
func (s *Stream) emit(ctx context.Context, r Result) bool {
	select {
	case s.results <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish records the outcome. release runs before Done is closed so a
// waiter can immediately start a new transfer against the same remote.
func (s *Stream) finish(err error, release func()) {
	if s.ended.Load() {
		err = nil
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.cancel()
	if release != nil {
		release()
	}
	close(s.results)
	close(s.done)
}
