package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

// DefaultBuffer is the per-session queue length used when none is given.
const DefaultBuffer = 64

// Sink receives events pumped out of a session. *websocket.Conn satisfies it.
type Sink interface {
	WriteJSON(v any) error
}

// Session is one live connection of a user. Publishing only ever enqueues;
// Run or Events drains the queue.
type Session struct {
	id     string
	userID string
	queue  chan models.Event
	done   chan struct{}
	once   sync.Once
}

func NewSession(userID string, buffer int) *Session {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Session{
		id:     uuid.NewString(),
		userID: userID,
		queue:  make(chan models.Event, buffer),
		done:   make(chan struct{}),
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID }

// HandleID lets a session double as a presence handle.
func (s *Session) HandleID() string { return s.id }

// Events exposes the queue for in-process consumers that do not use Run.
func (s *Session) Events() <-chan models.Event { return s.queue }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Close() { s.once.Do(func() { close(s.done) }) }

// offer enqueues ev without blocking and reports whether it was accepted.
func (s *Session) offer(ev models.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- ev:
		return true
	default:
		return false
	}
}

// Run writes queued events to sink until ctx ends, the session is closed or
// a write fails.
func (s *Session) Run(ctx context.Context, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case ev := <-s.queue:
			if err := sink.WriteJSON(ev); err != nil {
				s.Close()
				return err
			}
		}
	}
}
