package integration_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/seat-holds/internal/adapters/memory"
	"github.com/robertarktes/seat-holds/internal/booking"
	"github.com/robertarktes/seat-holds/internal/clock"
	"github.com/robertarktes/seat-holds/internal/domain"
	"github.com/robertarktes/seat-holds/internal/expiry"
	httphandler "github.com/robertarktes/seat-holds/internal/http"
	"github.com/robertarktes/seat-holds/internal/notify"
	"github.com/robertarktes/seat-holds/internal/observability"
	"github.com/robertarktes/seat-holds/internal/realtime"
	"github.com/robertarktes/seat-holds/internal/registry"
)

const secret = "integration-secret"

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

// apiProcess is one api instance wired the way cmd/api wires it, on a fake
// clock and the in-memory store.
type apiProcess struct {
	clk    *clock.FakeClock
	reg    *registry.Registry
	hub    *notify.Hub
	engine *booking.Engine
	server *httptest.Server
}

func newAPIProcess(t *testing.T, clk *clock.FakeClock, store *memory.ShowRepository, relay notify.Relay) *apiProcess {
	t.Helper()
	logger := observability.NewNopLogger()
	p := &apiProcess{clk: clk, reg: registry.New()}

	gateway := realtime.NewGateway(p.reg, logger)
	t.Cleanup(gateway.Close)
	p.hub = notify.NewHub(clk, store, p.reg, gateway, relay, logger, notify.Options{Global: true})

	scheduler := expiry.NewScheduler(clk, logger)
	p.engine = booking.NewEngine(store, clk, p.hub, logger, booking.Options{
		HoldDuration: time.Minute,
		ExpiryGrace:  200 * time.Millisecond,
		Scheduler:    scheduler,
	})
	scheduler.Start(p.engine.ExpireShow)
	t.Cleanup(scheduler.Stop)

	handlers := httphandler.NewHandlers(p.engine, gateway, nil, logger)
	p.server = httptest.NewServer(httphandler.SetupRouter(handlers, logger, httphandler.RouterOptions{
		Auth: httphandler.NewAuthenticator(secret),
	}))
	t.Cleanup(p.server.Close)
	return p
}

func seededStore(t *testing.T) *memory.ShowRepository {
	t.Helper()
	store := memory.NewShowRepository()
	require.NoError(t, store.InsertShow(context.Background(), &domain.Show{
		ID:    "show-1",
		Title: "Avengers: Endgame",
		Seats: []domain.Seat{{ID: "A1", Row: "A", Number: 1}, {ID: "A2", Row: "A", Number: 2}},
	}))
	return store
}

func token(t *testing.T, userID string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func (p *apiProcess) connect(t *testing.T, userID string, showID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(p.server.URL, "http") + "/v1/ws"
	if userID != "" {
		url += "?access_token=" + token(t, userID)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "join", "showId": showID}))
	if userID != "" {
		require.NoError(t, conn.WriteJSON(map[string]string{"type": "register"}))
	}
	require.Eventually(t, func() bool {
		joined := len(p.reg.SessionsInRoom(registry.RoomForShow(showID))) > 0
		if userID == "" {
			return joined
		}
		return joined && len(p.reg.SessionsForUser(userID)) > 0
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func (p *apiProcess) post(t *testing.T, userID, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, p.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, userID))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type wsEvent struct {
	Type    string       `json:"type"`
	ShowID  string       `json:"showId"`
	Show    *domain.Show `json:"show"`
	SeatIDs []string     `json:"seatIds"`
}

func readEvent(t *testing.T, conn *websocket.Conn) wsEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev wsEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func seatOf(t *testing.T, show *domain.Show, id string) domain.Seat {
	t.Helper()
	require.NotNil(t, show)
	for _, s := range show.Seats {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("seat %s missing", id)
	return domain.Seat{}
}

func TestSeats_HoldLapsesAndEveryoneHears(t *testing.T) {
	clk := clock.Fake(t0)
	api := newAPIProcess(t, clk, seededStore(t), nil)

	viewer := api.connect(t, "", "show-1")
	holder := api.connect(t, "u1", "show-1")

	resp := api.post(t, "u1", "/v1/reservations/reserve", `{"showId":"show-1","seatIds":["A1"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reserved struct {
		ReservedUntil time.Time `json:"reservedUntil"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reserved))
	assert.True(t, reserved.ReservedUntil.Equal(t0.Add(time.Minute)))

	for _, conn := range []*websocket.Conn{viewer, holder} {
		ev := readEvent(t, conn)
		assert.Equal(t, notify.TypeResourceUpdate, ev.Type)
		a1 := seatOf(t, ev.Show, "A1")
		assert.True(t, a1.Reserved)
		require.NotNil(t, a1.ReservedBy)
		assert.Equal(t, "u1", *a1.ReservedBy)
	}

	clk.Advance(time.Minute + 200*time.Millisecond)

	for _, conn := range []*websocket.Conn{viewer, holder} {
		ev := readEvent(t, conn)
		assert.Equal(t, notify.TypeResourceUpdate, ev.Type)
		a1 := seatOf(t, ev.Show, "A1")
		assert.False(t, a1.Reserved)
		assert.Nil(t, a1.ReservedBy)
		assert.Nil(t, a1.ReservedUntil)
	}
	expired := readEvent(t, holder)
	assert.Equal(t, notify.TypeHoldExpired, expired.Type)
	assert.Equal(t, "show-1", expired.ShowID)
	assert.Equal(t, []string{"A1"}, expired.SeatIDs)

	resp = api.post(t, "u1", "/v1/reservations/book", `{"showId":"show-1","seatIds":["A1"]}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSeats_BookedHoldNeverExpires(t *testing.T) {
	clk := clock.Fake(t0)
	store := seededStore(t)
	api := newAPIProcess(t, clk, store, nil)
	holder := api.connect(t, "u1", "show-1")

	require.Equal(t, http.StatusOK, api.post(t, "u1", "/v1/reservations/reserve", `{"showId":"show-1","seatIds":["A1","A2"]}`).StatusCode)
	readEvent(t, holder)

	clk.Advance(30 * time.Second)
	require.Equal(t, http.StatusOK, api.post(t, "u1", "/v1/reservations/book", `{"showId":"show-1","seatIds":["A1","A2"]}`).StatusCode)
	ev := readEvent(t, holder)
	assert.True(t, seatOf(t, ev.Show, "A1").Booked)

	clk.Advance(time.Minute)

	require.NoError(t, holder.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var extra wsEvent
	assert.Error(t, holder.ReadJSON(&extra), "no event after a sweep that found nothing to release")

	show, err := store.LoadShow(context.Background(), "show-1")
	require.NoError(t, err)
	for _, s := range show.Seats {
		assert.True(t, s.Booked)
		assert.False(t, s.Reserved)
	}
}

// bridge plays the broker between a worker and an api process.
type bridge struct{ to *notify.Hub }

func (b bridge) PublishShowUpdate(_ context.Context, showID string) error {
	b.to.RefreshShow(showID)
	return nil
}

func (b bridge) PublishHoldExpired(_ context.Context, userID, showID string, seatIDs []string) error {
	b.to.DeliverExpiry(userID, showID, seatIDs)
	return nil
}

func TestSeats_WorkerSweepReachesAPISessions(t *testing.T) {
	clk := clock.Fake(t0)
	store := seededStore(t)
	api := newAPIProcess(t, clk, store, nil)
	holder := api.connect(t, "u1", "show-1")

	// A hold left behind by an api process that no longer exists.
	show, err := store.LoadShow(context.Background(), "show-1")
	require.NoError(t, err)
	_, err = domain.Reserve(show, "u1", []string{"A2"}, t0.Add(-2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.SaveShow(context.Background(), show))

	logger := observability.NewNopLogger()
	workerHub := notify.NewHub(clk, store, registry.New(), nil, bridge{to: api.hub}, logger, notify.Options{})
	worker := booking.NewEngine(store, clk, workerHub, logger, booking.Options{})
	reconciler := expiry.NewReconciler(clk, worker, worker.ExpireShow, logger, expiry.ReconcilerOptions{Backoff: time.Millisecond})

	swept, err := reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	// The show update and the expiry notice arrive in either order.
	got := map[string]wsEvent{}
	for i := 0; i < 2; i++ {
		ev := readEvent(t, holder)
		got[ev.Type] = ev
	}
	require.Contains(t, got, notify.TypeResourceUpdate)
	assert.False(t, seatOf(t, got[notify.TypeResourceUpdate].Show, "A2").Reserved)
	require.Contains(t, got, notify.TypeHoldExpired)
	assert.Equal(t, []string{"A2"}, got[notify.TypeHoldExpired].SeatIDs)

	lapsed, err := worker.LapsedShows(context.Background())
	require.NoError(t, err)
	assert.Empty(t, lapsed)
}
