package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/seat-holds/internal/clock"
	"github.com/robertarktes/seat-holds/internal/domain"
	"github.com/robertarktes/seat-holds/internal/observability"
	"github.com/robertarktes/seat-holds/internal/registry"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type mapLoader struct {
	mu    sync.Mutex
	shows map[string]*domain.Show
	loads int
	err   error
}

func (l *mapLoader) LoadShow(_ context.Context, id string) (*domain.Show, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads++
	if l.err != nil {
		return nil, l.err
	}
	s, ok := l.shows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.Clone(), nil
}

func (l *mapLoader) put(s *domain.Show) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shows[s.ID] = s.Clone()
}

type sent struct {
	sessions []string // nil means everyone
	ev       Event
}

type recordingDelivery struct {
	mu   sync.Mutex
	sent []sent
}

func (d *recordingDelivery) SendTo(ids []string, ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sent{sessions: ids, ev: ev})
}

func (d *recordingDelivery) SendToAll(ev Event) {
	d.SendTo(nil, ev)
}

type recordingRelay struct {
	updates []string
	expired []string
	err     error
}

func (r *recordingRelay) PublishShowUpdate(_ context.Context, showID string) error {
	r.updates = append(r.updates, showID)
	return r.err
}

func (r *recordingRelay) PublishHoldExpired(_ context.Context, userID, showID string, _ []string) error {
	r.expired = append(r.expired, userID+"@"+showID)
	return r.err
}

type fixture struct {
	hub      *Hub
	clock    *clock.FakeClock
	loader   *mapLoader
	reg      *registry.Registry
	delivery *recordingDelivery
	relay    *recordingRelay
}

func newFixture(global bool) *fixture {
	f := &fixture{
		clock:    clock.Fake(epoch),
		loader:   &mapLoader{shows: map[string]*domain.Show{}},
		reg:      registry.New(),
		delivery: &recordingDelivery{},
		relay:    &recordingRelay{},
	}
	f.loader.put(&domain.Show{ID: "s1", Title: "Dune", Seats: []domain.Seat{{ID: "A1", Row: "A", Number: 1}}})
	f.hub = NewHub(f.clock, f.loader, f.reg, f.delivery, f.relay, observability.NewNopLogger(),
		Options{Window: 500 * time.Millisecond, Global: global})
	return f
}

func TestHub_CoalescesBurstIntoOneEmit(t *testing.T) {
	f := newFixture(false)
	f.reg.Join("sess-1", registry.RoomForShow("s1"))
	f.reg.Join("sess-2", registry.RoomForShow("other"))

	for i := 0; i < 10; i++ {
		f.hub.BroadcastShowUpdate("s1")
	}
	assert.Empty(t, f.delivery.sent)

	f.clock.Advance(500 * time.Millisecond)

	require.Len(t, f.delivery.sent, 1)
	got := f.delivery.sent[0]
	assert.Equal(t, []string{"sess-1"}, got.sessions)
	assert.Equal(t, TypeResourceUpdate, got.ev.Type)
	assert.Equal(t, "s1", got.ev.Show.ID)
	assert.Equal(t, 1, f.loader.loads)
	assert.Equal(t, []string{"s1"}, f.relay.updates)
}

func TestHub_EmitCarriesStateAtFireTime(t *testing.T) {
	f := newFixture(false)
	f.hub.BroadcastShowUpdate("s1")

	updated := &domain.Show{ID: "s1", Title: "Dune", Version: 1, Seats: []domain.Seat{{ID: "A1", Booked: true}}}
	f.loader.put(updated)
	f.hub.BroadcastShowUpdate("s1")

	f.clock.Advance(time.Second)
	require.Len(t, f.delivery.sent, 1)
	assert.True(t, f.delivery.sent[0].ev.Show.Seats[0].Booked)
}

func TestHub_TriggerAfterEmitSchedulesAnother(t *testing.T) {
	f := newFixture(false)
	f.hub.BroadcastShowUpdate("s1")
	f.clock.Advance(time.Second)
	f.hub.BroadcastShowUpdate("s1")
	f.clock.Advance(time.Second)

	assert.Len(t, f.delivery.sent, 2)
}

func TestHub_GlobalBroadcastReachesEveryone(t *testing.T) {
	f := newFixture(true)
	f.hub.BroadcastShowUpdate("s1")
	f.clock.Advance(time.Second)

	require.Len(t, f.delivery.sent, 1)
	assert.Nil(t, f.delivery.sent[0].sessions)
}

func TestHub_RefreshShowDoesNotRelay(t *testing.T) {
	f := newFixture(false)
	f.hub.RefreshShow("s1")
	f.clock.Advance(time.Second)

	assert.Len(t, f.delivery.sent, 1)
	assert.Empty(t, f.relay.updates)

	f.hub.RefreshShow("s1")
	f.hub.BroadcastShowUpdate("s1")
	f.clock.Advance(time.Second)
	assert.Equal(t, []string{"s1"}, f.relay.updates)
}

func TestHub_DropsStaleState(t *testing.T) {
	f := newFixture(false)
	f.loader.put(&domain.Show{ID: "s1", Version: 5})
	f.hub.BroadcastShowUpdate("s1")
	f.clock.Advance(time.Second)

	f.loader.put(&domain.Show{ID: "s1", Version: 4})
	f.hub.BroadcastShowUpdate("s1")
	f.clock.Advance(time.Second)

	require.Len(t, f.delivery.sent, 1)
	assert.Equal(t, int64(5), f.delivery.sent[0].ev.Show.Version)
}

func TestHub_LoadFailureIsSwallowed(t *testing.T) {
	f := newFixture(false)
	f.loader.err = errors.New("mongo down")
	f.hub.BroadcastShowUpdate("s1")
	f.clock.Advance(time.Second)
	assert.Empty(t, f.delivery.sent)

	f.loader.err = nil
	f.hub.BroadcastShowUpdate("missing")
	f.clock.Advance(time.Second)
	assert.Empty(t, f.delivery.sent)
}

func TestHub_NotifyUserExpiryTargetsUserSessions(t *testing.T) {
	f := newFixture(true)
	f.reg.RegisterUser("sess-1", "u1")
	f.reg.RegisterUser("sess-2", "u1")
	f.reg.RegisterUser("sess-3", "u2")

	f.hub.NotifyUserExpiry("u1", "s1", []string{"A1", "A2"})

	require.Len(t, f.delivery.sent, 1)
	got := f.delivery.sent[0]
	assert.Equal(t, []string{"sess-1", "sess-2"}, got.sessions)
	assert.Equal(t, Event{Type: TypeHoldExpired, ShowID: "s1", SeatIDs: []string{"A1", "A2"}}, got.ev)
	assert.Equal(t, []string{"u1@s1"}, f.relay.expired)
}

func TestHub_NotifyOfflineUserIsDropped(t *testing.T) {
	f := newFixture(true)
	f.hub.DeliverExpiry("ghost", "s1", []string{"A1"})
	assert.Empty(t, f.delivery.sent)
}

func TestHub_WithoutDeliveryOnlyRelays(t *testing.T) {
	relay := &recordingRelay{}
	loader := &mapLoader{shows: map[string]*domain.Show{"s1": {ID: "s1"}}}
	clk := clock.Fake(epoch)
	hub := NewHub(clk, loader, registry.New(), nil, relay, observability.NewNopLogger(), Options{Window: time.Millisecond})

	hub.BroadcastShowUpdate("s1")
	hub.NotifyUserExpiry("u1", "s1", []string{"A1"})
	clk.Advance(time.Second)

	assert.Equal(t, []string{"s1"}, relay.updates)
	assert.Equal(t, []string{"u1@s1"}, relay.expired)
}
