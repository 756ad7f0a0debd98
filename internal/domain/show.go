package domain

import (
	"time"

	"github.com/cockroachdb/errors"
)

type Show struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Seats []Seat `json:"seats"`
	// Version is bumped by the store on every save and used for
	// compare-and-swap.
	Version int64 `json:"-"`
}

type Seat struct {
	ID            string     `json:"id"`
	Row           string     `json:"row"`
	Number        int        `json:"number"`
	Booked        bool       `json:"booked"`
	Reserved      bool       `json:"reserved"`
	ReservedBy    *string    `json:"reservedBy"`
	ReservedUntil *time.Time `json:"reservedUntil"`
}

type ShowSummary struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// PendingHold groups the seats a user currently holds on one show.
type PendingHold struct {
	ShowID string `json:"showId"`
	Title  string `json:"title"`
	Seats  []Seat `json:"seats"`
}

func (s *Show) seatIndex() map[string]int {
	idx := make(map[string]int, len(s.Seats))
	for i := range s.Seats {
		idx[s.Seats[i].ID] = i
	}
	return idx
}

// Clone returns a deep copy; the hold pointers are not shared.
func (s *Show) Clone() *Show {
	c := *s
	c.Seats = make([]Seat, len(s.Seats))
	for i, seat := range s.Seats {
		c.Seats[i] = seat.clone()
	}
	return &c
}

func (s Seat) clone() Seat {
	if s.ReservedBy != nil {
		by := *s.ReservedBy
		s.ReservedBy = &by
	}
	if s.ReservedUntil != nil {
		until := *s.ReservedUntil
		s.ReservedUntil = &until
	}
	return s
}

// HeldBy reports whether the seat carries a hold for userID, lapsed or not.
func (s *Seat) HeldBy(userID string) bool {
	return s.Reserved && s.ReservedBy != nil && *s.ReservedBy == userID
}

// HoldValid reports whether the seat's hold is still in force at now.
func (s *Seat) HoldValid(now time.Time) bool {
	return s.Reserved && s.ReservedUntil != nil && s.ReservedUntil.After(now)
}

func (s *Seat) clearHold() {
	s.Reserved = false
	s.ReservedBy = nil
	s.ReservedUntil = nil
}

func (s *Seat) hold(userID string, until time.Time) {
	by := userID
	s.Reserved = true
	s.ReservedBy = &by
	s.ReservedUntil = &until
}

// Validate checks the per-seat invariants and seat id uniqueness.
func (s *Show) Validate() error {
	seen := make(map[string]struct{}, len(s.Seats))
	for _, seat := range s.Seats {
		if _, dup := seen[seat.ID]; dup {
			return errors.Newf("show %s: duplicate seat id %q", s.ID, seat.ID)
		}
		seen[seat.ID] = struct{}{}
		if seat.Booked && (seat.Reserved || seat.ReservedBy != nil || seat.ReservedUntil != nil) {
			return errors.Newf("show %s: seat %s booked with hold fields set", s.ID, seat.ID)
		}
		if seat.Reserved && (seat.ReservedBy == nil || seat.ReservedUntil == nil) {
			return errors.Newf("show %s: seat %s reserved without holder or deadline", s.ID, seat.ID)
		}
	}
	return nil
}
