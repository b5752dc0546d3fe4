package chain

import (
	"context"
	"sync"
)

// Subscription is a cancellable stream of raw source events.
type Subscription interface {
	Events() <-chan RawSourceEvent
	// Done is closed when the stream ends for any reason.
	Done() <-chan struct{}
	// Err returns the terminal error once Done is closed; nil after
	// Unsubscribe.
	Err() error
	Unsubscribe()
}

// Stream is the channel-backed Subscription shared by adapters. Producers
// call Emit and Close; consumers read Events until Done.
type Stream struct {
	events chan RawSourceEvent
	done   chan struct{}
	cancel context.CancelFunc

	once sync.Once
	mu   sync.Mutex
	err  error
}

var _ Subscription = (*Stream)(nil)

// NewStream returns a stream bound to a child of ctx. The returned context
// is cancelled when the stream closes; producers should stop on it.
func NewStream(ctx context.Context, buffer int) (*Stream, context.Context) {
	if buffer <= 0 {
		buffer = 64
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events: make(chan RawSourceEvent, buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		<-sctx.Done()
		s.Close(nil)
	}()
	return s, sctx
}

// Emit delivers ev unless the stream is closed. It blocks while the buffer
// is full and returns false once the stream ends.
func (s *Stream) Emit(ev RawSourceEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Close ends the stream with err. Only the first call has effect.
func (s *Stream) Close(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		s.cancel()
	})
}

func (s *Stream) Events() <-chan RawSourceEvent { return s.events }
func (s *Stream) Done() <-chan struct{}         { return s.done }

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Unsubscribe() { s.Close(nil) }
