// Package notify pushes show state and hold-expiry notices to realtime
// sessions.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/seat-holds/internal/clock"
	"github.com/robertarktes/seat-holds/internal/domain"
	"github.com/robertarktes/seat-holds/internal/observability"
	"github.com/robertarktes/seat-holds/internal/registry"
)

const (
	TypeResourceUpdate = "resource:update"
	TypeHoldExpired    = "hold:expired"
)

type Event struct {
	Type    string       `json:"type"`
	ShowID  string       `json:"showId,omitempty"`
	Show    *domain.Show `json:"show,omitempty"`
	SeatIDs []string     `json:"seatIds,omitempty"`
}

// Delivery writes events to live sessions. Sessions that are gone are
// skipped; nothing is queued for later.
type Delivery interface {
	SendTo(sessionIDs []string, ev Event)
	SendToAll(ev Event)
}

type ShowLoader interface {
	LoadShow(ctx context.Context, showID string) (*domain.Show, error)
}

// Relay forwards events to other processes serving realtime sessions.
type Relay interface {
	PublishShowUpdate(ctx context.Context, showID string) error
	PublishHoldExpired(ctx context.Context, userID, showID string, seatIDs []string) error
}

type Options struct {
	// Window is how long show update triggers are merged before one emit.
	Window time.Duration
	// Global sends show updates to every session instead of only the room.
	Global      bool
	LoadTimeout time.Duration
}

type Hub struct {
	clock    clock.Clock
	loader   ShowLoader
	registry *registry.Registry
	delivery Delivery
	relay    Relay
	logger   observability.Logger
	opts     Options

	mu          sync.Mutex
	pending     map[string]bool // show id -> relay when emitted
	lastVersion map[string]int64
}

// NewHub builds a hub. delivery and relay may be nil: a worker process has no
// sessions of its own, a single api process has no peers.
func NewHub(clk clock.Clock, loader ShowLoader, reg *registry.Registry, delivery Delivery, relay Relay, logger observability.Logger, opts Options) *Hub {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 5 * time.Second
	}
	return &Hub{
		clock:       clk,
		loader:      loader,
		registry:    reg,
		delivery:    delivery,
		relay:       relay,
		logger:      logger,
		opts:        opts,
		pending:     make(map[string]bool),
		lastVersion: make(map[string]int64),
	}
}

// BroadcastShowUpdate schedules an emit of the show's current state. While
// an emit is pending further calls are merged into it; the emit reloads the
// show when it fires, so the merged result carries the latest state.
func (h *Hub) BroadcastShowUpdate(showID string) {
	h.schedule(showID, true)
}

// RefreshShow is BroadcastShowUpdate for changes announced by another
// process: local sessions are updated, nothing is relayed back.
func (h *Hub) RefreshShow(showID string) {
	h.schedule(showID, false)
}

func (h *Hub) schedule(showID string, relay bool) {
	h.mu.Lock()
	if prev, ok := h.pending[showID]; ok {
		h.pending[showID] = prev || relay
		h.mu.Unlock()
		observability.BroadcastsCoalesced.Inc()
		return
	}
	h.pending[showID] = relay
	h.mu.Unlock()
	h.clock.AfterFunc(h.opts.Window, func() { h.emit(showID) })
}

func (h *Hub) emit(showID string) {
	h.mu.Lock()
	relay := h.pending[showID]
	delete(h.pending, showID)
	h.mu.Unlock()

	log := h.logger.WithField("show_id", showID)
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.LoadTimeout)
	defer cancel()

	show, err := h.loader.LoadShow(ctx, showID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Debug("show vanished before broadcast")
			return
		}
		log.WithError(err).Error("failed to load show for broadcast")
		return
	}

	if h.fresh(show) {
		h.deliverUpdate(show)
	}
	if relay && h.relay != nil {
		if err := h.relay.PublishShowUpdate(ctx, showID); err != nil {
			observability.RabbitPublishFailures.Inc()
			log.WithError(err).Error("failed to relay show update")
		}
	}
}

// fresh guards against an emit that loaded an older state overtaking one
// that already delivered a newer state.
func (h *Hub) fresh(show *domain.Show) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if last, ok := h.lastVersion[show.ID]; ok && show.Version < last {
		return false
	}
	h.lastVersion[show.ID] = show.Version
	return true
}

func (h *Hub) deliverUpdate(show *domain.Show) {
	if h.delivery == nil {
		return
	}
	ev := Event{Type: TypeResourceUpdate, ShowID: show.ID, Show: show}
	if h.opts.Global {
		h.delivery.SendToAll(ev)
	} else {
		h.delivery.SendTo(h.registry.SessionsInRoom(registry.RoomForShow(show.ID)), ev)
	}
	observability.BroadcastsTotal.WithLabelValues(TypeResourceUpdate).Inc()
}

// NotifyUserExpiry tells every live session of userID which seats of showID
// it lost. Delivery is best effort and at most once per session.
func (h *Hub) NotifyUserExpiry(userID, showID string, seatIDs []string) {
	h.DeliverExpiry(userID, showID, seatIDs)
	if h.relay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.LoadTimeout)
	defer cancel()
	if err := h.relay.PublishHoldExpired(ctx, userID, showID, seatIDs); err != nil {
		observability.RabbitPublishFailures.Inc()
		h.logger.WithField("show_id", showID).WithField("user_id", userID).WithError(err).Error("failed to relay hold expiry")
	}
}

// DeliverExpiry is the local half of NotifyUserExpiry.
func (h *Hub) DeliverExpiry(userID, showID string, seatIDs []string) {
	if h.delivery == nil {
		return
	}
	sessions := h.registry.SessionsForUser(userID)
	if len(sessions) == 0 {
		return
	}
	h.delivery.SendTo(sessions, Event{
		Type:    TypeHoldExpired,
		ShowID:  showID,
		SeatIDs: append([]string(nil), seatIDs...),
	})
	observability.BroadcastsTotal.WithLabelValues(TypeHoldExpired).Inc()
}
