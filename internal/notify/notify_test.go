package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

func note(user string) models.Notification {
	ev := models.Event{Type: models.EventRideAccepted, RideID: "r1", Status: models.StatusAccepted}
	return models.Notification{UserID: user, Title: Title(ev), Event: ev}
}

type collector struct {
	mu  sync.Mutex
	got []string
}

func (c *collector) Notify(_ context.Context, n models.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n.UserID)
	return nil
}

func (c *collector) users() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func TestAsyncDeliversAndDrainsOnClose(t *testing.T) {
	c := &collector{}
	a := NewAsync(c, 2, 16, logging.Discard())
	for _, u := range []string{"a", "b", "c"} {
		require.NoError(t, a.Notify(context.Background(), note(u)))
	}
	require.NoError(t, a.Close(context.Background()))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, c.users())

	assert.NoError(t, a.Notify(context.Background(), note("late")))
	assert.NoError(t, a.Close(context.Background()))
}

func TestAsyncNeverBlocksOrFails(t *testing.T) {
	release := make(chan struct{})
	blocked := NotifierFunc(func(ctx context.Context, _ models.Notification) error {
		<-release
		return errors.New("provider down")
	})
	a := NewAsync(blocked, 1, 1, logging.Discard())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			_ = a.Notify(context.Background(), note("u"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a full queue")
	}
	close(release)
	require.NoError(t, a.Close(context.Background()))
}

func TestFCMPusherPostsMessage(t *testing.T) {
	received := make(chan fcmMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var m fcmMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		received <- m
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewFCMPusher(srv.URL, "secret")
	require.NoError(t, p.Push(context.Background(), "tok-1", note("u1")))
	got := <-received
	assert.Equal(t, "tok-1", got.Message.Token)
	assert.Equal(t, "Your ride was accepted", got.Message.Notification.Title)
	assert.Equal(t, "r1", got.Message.Data["ride_id"])
}

func TestFCMPusherReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	err := NewFCMPusher(srv.URL, "").Push(context.Background(), "tok", note("u1"))
	assert.ErrorContains(t, err, "503")
}

type staticTokens map[string][]string

func (s staticTokens) DeviceTokens(_ context.Context, userID string) ([]string, error) {
	return s[userID], nil
}

func TestPushFansOutToDevices(t *testing.T) {
	var mu sync.Mutex
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))
	defer srv.Close()

	p := &Push{Tokens: staticTokens{"u1": {"a", "b"}}, Pusher: NewFCMPusher(srv.URL, "")}
	require.NoError(t, p.Notify(context.Background(), note("u1")))
	require.NoError(t, p.Notify(context.Background(), note("nobody")))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

type recordingPublisher struct {
	key string
	v   any
}

func (r *recordingPublisher) Publish(_ context.Context, key string, v any) error {
	r.key, r.v = key, v
	return nil
}

func TestQueuePublishesByUser(t *testing.T) {
	p := &recordingPublisher{}
	require.NoError(t, Queue{Publisher: p}.Notify(context.Background(), note("u7")))
	assert.Equal(t, "u7", p.key)
	assert.Equal(t, "u7", p.v.(models.Notification).UserID)
}

func TestRetry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	boom := errors.New("down")
	calls = 0
	err = Retry(context.Background(), 2, time.Millisecond, func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "Ride completed", Title(models.Event{Type: models.EventRideStatusChanged, Status: models.StatusCompleted}))
	assert.Equal(t, "No worker responded", Title(models.Event{Type: models.EventRideStatusChanged, Status: models.StatusNoResponse}))
	assert.Equal(t, "Ride update", Title(models.Event{Type: models.EventRideLocation}))
}
