// Package lifecycle bridges replication streams to aretw0/lifecycle sources.
package lifecycle

import (
	"context"

	"github.com/aretw0/lifecycle"

	"github.com/aretw0/strata/pkg/replication"
)

type streamSource struct {
	stream *replication.Stream
	out    chan lifecycle.Event
}

// NewSource creates a lifecycle.Source that emits one event per replicated
// document. The event channel closes when the stream finishes or the context
// passed to Start is done; stopping the source ends the stream.
func NewSource(st *replication.Stream) lifecycle.Source {
	return &streamSource{
		stream: st,
		out:    make(chan lifecycle.Event),
	}
}

func (s *streamSource) Events() <-chan lifecycle.Event {
	return s.out
}

func (s *streamSource) Start(ctx context.Context) error {
	lifecycle.Go(ctx, func(ctx context.Context) error {
		defer close(s.out)
		results := s.stream.Results()
		for {
			select {
			case <-ctx.Done():
				s.stream.End()
				return nil
			case r, ok := <-results:
				if !ok {
					return nil
				}
				// replication.Result implements lifecycle.Event (has String())
				select {
				case s.out <- r:
				case <-ctx.Done():
					s.stream.End()
					return nil
				}
			}
		}
	})
	return nil
}
