package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"github.com/robertarktes/seat-holds/internal/domain"
	"github.com/robertarktes/seat-holds/internal/observability"
)

// SeatService is the booking engine as seen by the handlers.
type SeatService interface {
	Reserve(ctx context.Context, userID, showID string, seatIDs []string) (time.Time, error)
	Book(ctx context.Context, userID, showID string, seatIDs []string) error
	Cancel(ctx context.Context, userID, showID string, seatIDs []string) ([]string, error)
	PendingHoldsForUser(ctx context.Context, userID string) ([]domain.PendingHold, error)
	ListShows(ctx context.Context) ([]domain.ShowSummary, error)
	GetShow(ctx context.Context, showID string) (*domain.Show, error)
}

// SocketServer serves realtime sessions.
type SocketServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, userID string)
}

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

type Handlers struct {
	seats  SeatService
	socket SocketServer
	checks map[string]ReadyCheck
	logger observability.Logger
}

func NewHandlers(seats SeatService, socket SocketServer, checks map[string]ReadyCheck, logger observability.Logger) *Handlers {
	return &Handlers{
		seats:  seats,
		socket: socket,
		checks: checks,
		logger: logger,
	}
}

type seatRequest struct {
	ShowID  string   `json:"showId"`
	SeatIDs []string `json:"seatIds"`
}

type reserveResponse struct {
	ShowID        string    `json:"showId"`
	SeatIDs       []string  `json:"seatIds"`
	ReservedUntil time.Time `json:"reservedUntil"`
}

type bookResponse struct {
	ShowID  string   `json:"showId"`
	SeatIDs []string `json:"seatIds"`
	Booked  bool     `json:"booked"`
}

type cancelResponse struct {
	ShowID   string   `json:"showId"`
	Released []string `json:"released"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func decodeSeatRequest(w http.ResponseWriter, r *http.Request) (seatRequest, error) {
	var req seatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		return req, errors.Wrap(domain.ErrInvalidInput, "malformed body")
	}
	if req.ShowID == "" || len(req.SeatIDs) == 0 {
		return req, errors.Wrap(domain.ErrInvalidInput, "showId and seatIds are required")
	}
	return req, nil
}

func (h *Handlers) Reserve(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSeatRequest(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	until, err := h.seats.Reserve(r.Context(), UserFrom(r.Context()), req.ShowID, req.SeatIDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reserveResponse{ShowID: req.ShowID, SeatIDs: req.SeatIDs, ReservedUntil: until})
}

func (h *Handlers) Book(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSeatRequest(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.seats.Book(r.Context(), UserFrom(r.Context()), req.ShowID, req.SeatIDs); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bookResponse{ShowID: req.ShowID, SeatIDs: req.SeatIDs, Booked: true})
}

func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSeatRequest(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	released, err := h.seats.Cancel(r.Context(), UserFrom(r.Context()), req.ShowID, req.SeatIDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if released == nil {
		released = []string{}
	}
	writeJSON(w, http.StatusOK, cancelResponse{ShowID: req.ShowID, Released: released})
}

func (h *Handlers) PendingHolds(w http.ResponseWriter, r *http.Request) {
	holds, err := h.seats.PendingHoldsForUser(r.Context(), UserFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"holds": holds})
}

func (h *Handlers) ListShows(w http.ResponseWriter, r *http.Request) {
	shows, err := h.seats.ListShows(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shows)
}

func (h *Handlers) GetShow(w http.ResponseWriter, r *http.Request) {
	show, err := h.seats.GetShow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, show)
}

func (h *Handlers) Socket(w http.ResponseWriter, r *http.Request) {
	h.socket.ServeWS(w, r, UserFrom(r.Context()))
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, failed)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

func statusFor(kind string) int {
	switch kind {
	case "NotFound":
		return http.StatusNotFound
	case "InvalidSeat", "InvalidInput":
		return http.StatusBadRequest
	case "AlreadyBooked", "Conflict", "NotYoursOrExpired":
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.Kind(err)
	status := statusFor(kind)
	body := errorBody{Error: kind, Message: err.Error()}
	if status == http.StatusInternalServerError {
		LoggerFrom(r.Context(), h.logger).WithError(err).Error("request failed")
		if kind == "" {
			body.Error = "StoreError"
		}
		body.Message = "internal error"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
