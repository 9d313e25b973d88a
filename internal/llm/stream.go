package llm

import (
	"context"
	"io"
	"sync"
)

// pumpStream adapts a push-style producer (an SSE reader) into the
// pull-style Stream interface. The producer runs on its own goroutine
// and hands chunks over an unbuffered channel, so it never reads ahead
// of the consumer by more than one chunk.
type pumpStream struct {
	ch     chan Chunk
	err    error // written before ch is closed
	cancel context.CancelFunc
	body   io.Closer
	once   sync.Once
}

// newPumpStream starts produce. emit blocks until the consumer takes
// the chunk or the stream is closed.
func newPumpStream(ctx context.Context, body io.Closer, produce func(ctx context.Context, emit func(Chunk) error) error) *pumpStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &pumpStream{
		ch:     make(chan Chunk),
		cancel: cancel,
		body:   body,
	}

	go func() {
		defer close(s.ch)
		emit := func(c Chunk) error {
			select {
			case s.ch <- c:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := produce(ctx, emit)
		if err == nil {
			return
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		s.err = err
	}()

	return s
}

func (s *pumpStream) Recv() (Chunk, error) {
	c, ok := <-s.ch
	if !ok {
		if s.err != nil {
			return Chunk{}, s.err
		}
		return Chunk{}, io.EOF
	}
	return c, nil
}

func (s *pumpStream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		if s.body != nil {
			err = s.body.Close()
		}
	})
	return err
}
