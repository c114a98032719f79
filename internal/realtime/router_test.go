package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

func newRouter() *Router { return NewRouter(logging.Discard()) }

func drain(s *Session) []models.Event {
	var out []models.Event
	for {
		select {
		case ev := <-s.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestAudienceRestrictions(t *testing.T) {
	a := WorkerPool().Only("a", "b", "c").Except("b")
	assert.True(t, a.admits("a"))
	assert.False(t, a.admits("b"))
	assert.False(t, a.admits("z"))

	assert.False(t, WorkerPool().Only().admits("a"))
	assert.True(t, WorkerPool().Except("x").admits("a"))
	assert.Equal(t, "workers only=[a c] except=[b]", WorkerPool().Only("c", "a").Except("b").String())
}

func TestPublishToWorkerPool(t *testing.T) {
	r := newRouter()
	sessions := map[string]*Session{}
	for _, id := range []string{"w1", "w2", "w3"} {
		s := NewSession(id, 4)
		r.Subscribe(s)
		r.JoinWorkerPool(id)
		sessions[id] = s
	}
	idle := NewSession("w4", 4)
	r.Subscribe(idle)

	n := r.Publish(WorkerPool().Except("w2"), models.Event{Type: models.EventRideTaken, RideID: "r1"})
	assert.Equal(t, 2, n)
	assert.Len(t, drain(sessions["w1"]), 1)
	assert.Empty(t, drain(sessions["w2"]))
	assert.Len(t, drain(sessions["w3"]), 1)
	assert.Empty(t, drain(idle))

	n = r.Publish(WorkerPool().Only("w3", "w4"), models.Event{Type: models.EventRideOffered, RideID: "r2"})
	assert.Equal(t, 1, n)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	r := newRouter()
	s := NewSession("u1", 4)
	r.Subscribe(s)
	r.Subscribe(s)
	assert.Equal(t, 1, r.SessionCount("u1"))

	assert.Equal(t, 1, r.Publish(UserAudience("u1"), models.Event{Type: models.EventRideAccepted}))
	r.Unsubscribe(s)
	r.Unsubscribe(s)
	assert.Zero(t, r.SessionCount("u1"))
	assert.Zero(t, r.Publish(UserAudience("u1"), models.Event{Type: models.EventRideAccepted}))
}

func TestRideMembershipSurvivesReconnect(t *testing.T) {
	r := newRouter()
	first := NewSession("c1", 4)
	r.Subscribe(first)
	r.JoinRide("r1", "c1")
	r.JoinRide("r1", "c1")
	r.Unsubscribe(first)

	again := NewSession("c1", 4)
	r.Subscribe(again)
	r.Publish(RideAudience("r1"), models.Event{Type: models.EventRideStatusChanged, RideID: "r1"})
	assert.Len(t, drain(again), 1)
	assert.Empty(t, drain(first))

	r.LeaveRide("r1", "c1")
	assert.Empty(t, r.Members(RideAudience("r1")))
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	r := newRouter()
	slow := NewSession("slow", 1)
	fast := NewSession("fast", 16)
	for _, s := range []*Session{slow, fast} {
		r.Subscribe(s)
		r.JoinRide("r1", s.UserID())
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			r.Publish(RideAudience("r1"), models.Event{Type: models.EventRideLocation, RideID: "r1", Version: int64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full session")
	}

	assert.Len(t, drain(slow), 1)
	got := drain(fast)
	require.Len(t, got, 10)
	for i, ev := range got {
		assert.Equal(t, int64(i), ev.Version)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
	fail   error
}

func (s *recordingSink) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.events = append(s.events, v.(models.Event))
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestSessionRunPumpsToSink(t *testing.T) {
	r := newRouter()
	s := NewSession("u1", 8)
	r.Subscribe(s)
	sink := &recordingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, sink) }()

	r.Publish(UserAudience("u1"), models.Event{Type: models.EventRideAccepted, RideID: "r1"})
	r.Publish(UserAudience("u1"), models.Event{Type: models.EventRideStatusChanged, RideID: "r1"})
	require.Eventually(t, func() bool { return sink.len() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestSessionRunStopsOnWriteError(t *testing.T) {
	s := NewSession("u1", 2)
	boom := errors.New("broken pipe")
	require.True(t, s.offer(models.Event{Type: models.EventRideTaken}))

	err := s.Run(context.Background(), &recordingSink{fail: boom})
	assert.ErrorIs(t, err, boom)
	assert.False(t, s.offer(models.Event{Type: models.EventRideTaken}))
}

func TestMembersOfWorkerPool(t *testing.T) {
	r := newRouter()
	for _, id := range []string{"b", "a", "c"} {
		r.JoinWorkerPool(id)
	}
	r.LeaveWorkerPool("c")
	got := r.Members(WorkerPool())
	sort.Strings(got)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, []string{"a"}, r.Members(WorkerPool().Only("a", "c")))
}
