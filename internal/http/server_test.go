package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/quota"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/storage"
)

type testAPI struct {
	srv   *Server
	authn *auth.Authenticator
	plans *quota.StaticPlans
}

func newTestAPI(t *testing.T, opts ...Option) *testAPI {
	t.Helper()
	store := storage.NewMemoryStore()
	plans := quota.NewStaticPlans(&quota.Plan{Name: "standard", MaxRidesPerMonth: 50})
	engine := dispatch.New(dispatch.Deps{
		Store:    store,
		Gate:     quota.NewGate(plans, store),
		Presence: presence.NewRegistry(nil, presence.WithLogger(logging.Discard())),
		Router:   realtime.NewRouter(logging.Discard()),
		Logger:   logging.Discard(),
	}, dispatch.Config{})
	authn := auth.NewAuthenticator("test-secret", time.Hour)
	return &testAPI{srv: NewServer(engine, authn, logging.Discard(), 16, opts...), authn: authn, plans: plans}
}

func (a *testAPI) token(t *testing.T, user string, role models.Role) string {
	t.Helper()
	tok, err := a.authn.Issue(models.Actor{UserID: user, Role: role})
	require.NoError(t, err)
	return tok
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.srv.ServeHTTP(rec, req)
	return rec
}

func decodeRide(t *testing.T, rec *httptest.ResponseRecorder) models.Ride {
	t.Helper()
	var r models.Ride
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&r))
	return r
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Code
}

var tripBody = models.RideRequest{Pickup: models.Coord{Lat: 0, Lon: 0}, Dropoff: models.Coord{Lat: 0, Lon: 0.045}}

func TestRideLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	client := api.token(t, "client-1", models.RoleRequester)
	w1 := api.token(t, "w1", models.RoleWorker)
	w2 := api.token(t, "w2", models.RoleWorker)

	rec := api.do(t, http.MethodPost, "/api/v1/rides", client, tripBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ride := decodeRide(t, rec)
	assert.InDelta(t, 2.50, ride.Price, 0.01)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = api.do(t, http.MethodGet, "/api/v1/rides/candidates", w1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), ride.ID)

	rec = api.do(t, http.MethodPut, "/api/v1/rides/"+ride.ID+"/accept", w1, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.StatusAccepted, decodeRide(t, rec).Status)

	rec = api.do(t, http.MethodPut, "/api/v1/rides/"+ride.ID+"/accept", w2, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_taken", errorCode(t, rec))

	rec = api.do(t, http.MethodGet, "/api/v1/workers/me/quota", w1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var q struct {
		Used      int `json:"used"`
		Remaining int `json:"remaining"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&q))
	assert.Equal(t, 1, q.Used)
	assert.Equal(t, 49, q.Remaining)

	rec = api.do(t, http.MethodPut, "/api/v1/rides/"+ride.ID+"/start", w1, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodPut, "/api/v1/rides/"+ride.ID+"/complete", client, map[string]int{"rating": 4})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decodeRide(t, rec)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, 4, done.Rating)

	rec = api.do(t, http.MethodGet, "/api/v1/rides/mine", client, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), ride.ID)
}

func TestErrorMapping(t *testing.T) {
	api := newTestAPI(t)
	client := api.token(t, "client-1", models.RoleRequester)
	other := api.token(t, "client-2", models.RoleRequester)
	w1 := api.token(t, "w1", models.RoleWorker)
	api.plans.Assign("w1", quota.Plan{Name: "freemium", MaxRidesPerMonth: 0})

	rec := api.do(t, http.MethodPost, "/api/v1/rides", "", tripBody)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/rides", w1, tripBody)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/rides", client, models.RideRequest{Pickup: models.Coord{Lat: 200}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPut, "/api/v1/rides/missing/accept", w1, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorCode(t, rec))

	rec = api.do(t, http.MethodPost, "/api/v1/rides", client, tripBody)
	ride := decodeRide(t, rec)

	rec = api.do(t, http.MethodPut, "/api/v1/rides/"+ride.ID+"/accept", w1, nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "quota_exceeded", errorCode(t, rec))

	rec = api.do(t, http.MethodPut, "/api/v1/rides/"+ride.ID+"/cancel", other, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/rides/nope", client, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodPut, "/api/v1/rides/"+ride.ID+"/start", w1, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", errorCode(t, rec))

	rec = api.do(t, http.MethodPut, "/api/v1/rides/"+ride.ID+"/reject", w1, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = api.do(t, http.MethodGet, "/api/v1/rides/candidates/"+ride.ID, w1, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "not_eligible", errorCode(t, rec))

	rec = api.do(t, http.MethodPut, "/api/v1/workers/me/availability", w1, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{models.ErrAlreadyTaken, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", models.ErrNoActivePlan), http.StatusPaymentRequired},
		{models.TransitionError("start", models.StatusPending), http.StatusConflict},
		{errors.New("connection refused"), http.StatusInternalServerError},
		{fmt.Errorf("%w: bad rating", models.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("%w: pickup too far", models.ErrNotEligible), http.StatusForbidden},
		{fmt.Errorf("%w: ride r1", models.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: 3 of 3 used", models.ErrQuotaExceeded), http.StatusPaymentRequired},
		{fmt.Errorf("%w: not the requester", models.ErrUnauthorized), http.StatusForbidden},
	}
	for _, c := range cases {
		got, _ := statusFor(c.err)
		assert.Equal(t, c.want, got, c.err.Error())
	}
}

type memDevices struct {
	mu     sync.Mutex
	tokens map[string][]string
}

func (m *memDevices) Register(_ context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[userID] = append(m.tokens[userID], token)
	return nil
}

func (m *memDevices) Unregister(_ context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.tokens[userID][:0]
	for _, t := range m.tokens[userID] {
		if t != token {
			kept = append(kept, t)
		}
	}
	m.tokens[userID] = kept
	return nil
}

func TestDeviceRegistration(t *testing.T) {
	devices := &memDevices{tokens: map[string][]string{}}
	api := newTestAPI(t, WithDevices(devices))
	client := api.token(t, "client-1", models.RoleRequester)

	rec := api.do(t, http.MethodPost, "/api/v1/devices", client, map[string]string{"token": "fcm-abc"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"fcm-abc"}, devices.tokens["client-1"])

	rec = api.do(t, http.MethodPost, "/api/v1/devices", client, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodDelete, "/api/v1/devices/fcm-abc", client, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, devices.tokens["client-1"])
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	api := newTestAPI(t)
	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/metrics", "", nil).Code)
}

func TestWebSocketReceivesOffers(t *testing.T) {
	api := newTestAPI(t)
	ts := httptest.NewServer(api.srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?token=" + api.token(t, "w1", models.RoleWorker)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(inbound{Type: "location", Lat: 0, Lon: 0.01}))
	require.NoError(t, conn.WriteJSON(inbound{Type: "ping"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var pong reply
	require.NoError(t, conn.ReadJSON(&pong))
	require.Equal(t, "pong", pong.Type)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/api/v1/rides", strings.NewReader(`{"pickup":{"lat":0,"lon":0},"dropoff":{"lat":0,"lon":0.045}}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+api.token(t, "client-1", models.RoleRequester))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var ev models.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.EventRideOffered, ev.Type)
	require.NotNil(t, ev.Ride)
	assert.InDelta(t, 2.50, ev.Ride.Price, 0.01)
}
