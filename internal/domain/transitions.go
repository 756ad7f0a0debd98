package domain

import (
	"sort"
	"time"

	"github.com/cockroachdb/errors"
)

// NormalizeSeatIDs de-duplicates ids while keeping request order. It rejects
// empty ids and an empty result.
func NormalizeSeatIDs(seatIDs []string) ([]string, error) {
	out := make([]string, 0, len(seatIDs))
	seen := make(map[string]struct{}, len(seatIDs))
	for _, id := range seatIDs {
		if id == "" {
			return nil, errors.Wrap(ErrInvalidInput, "empty seat id")
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, errors.Wrap(ErrInvalidInput, "no seats requested")
	}
	return out, nil
}

// Reserve places (or extends) a hold for userID on every requested seat.
// Every seat is validated before any is touched; on error the show is
// unchanged. All seats of the batch share the returned deadline.
func Reserve(show *Show, userID string, seatIDs []string, now time.Time, holdFor time.Duration) (time.Time, error) {
	if userID == "" {
		return time.Time{}, errors.Wrap(ErrInvalidInput, "empty user id")
	}
	ids, err := NormalizeSeatIDs(seatIDs)
	if err != nil {
		return time.Time{}, err
	}
	idx := show.seatIndex()
	for _, id := range ids {
		i, ok := idx[id]
		if !ok {
			return time.Time{}, errors.Wrapf(ErrInvalidSeat, "seat %s", id)
		}
		seat := &show.Seats[i]
		if seat.Booked {
			return time.Time{}, errors.Wrapf(ErrAlreadyBooked, "seat %s", id)
		}
		if seat.Reserved && !seat.HeldBy(userID) && seat.HoldValid(now) {
			return time.Time{}, errors.Wrapf(ErrConflict, "seat %s", id)
		}
	}

	until := now.Add(holdFor)
	for _, id := range ids {
		seat := &show.Seats[idx[id]]
		if seat.HeldBy(userID) {
			u := until
			seat.ReservedUntil = &u
			continue
		}
		seat.hold(userID, until)
	}
	return until, nil
}

// Book converts the caller's valid holds into permanent bookings.
func Book(show *Show, userID string, seatIDs []string, now time.Time) error {
	if userID == "" {
		return errors.Wrap(ErrInvalidInput, "empty user id")
	}
	ids, err := NormalizeSeatIDs(seatIDs)
	if err != nil {
		return err
	}
	idx := show.seatIndex()
	for _, id := range ids {
		i, ok := idx[id]
		if !ok {
			return errors.Wrapf(ErrInvalidSeat, "seat %s", id)
		}
		seat := &show.Seats[i]
		if seat.Booked {
			return errors.Wrapf(ErrAlreadyBooked, "seat %s", id)
		}
		if !seat.HeldBy(userID) || !seat.HoldValid(now) {
			return errors.Wrapf(ErrNotYoursOrExpired, "seat %s", id)
		}
	}
	for _, id := range ids {
		seat := &show.Seats[idx[id]]
		seat.clearHold()
		seat.Booked = true
	}
	return nil
}

// Cancel releases whichever of the requested seats userID holds. Unknown
// seats and seats held by someone else are skipped. It returns the ids that
// were released.
func Cancel(show *Show, userID string, seatIDs []string) []string {
	idx := show.seatIndex()
	var released []string
	seen := make(map[string]struct{}, len(seatIDs))
	for _, id := range seatIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		i, ok := idx[id]
		if !ok {
			continue
		}
		seat := &show.Seats[i]
		if seat.Booked || !seat.HeldBy(userID) {
			continue
		}
		seat.clearHold()
		released = append(released, id)
	}
	return released
}

// ReleaseLapsed frees every unbooked seat whose hold deadline is at or before
// now and returns the released seat ids keyed by the user who lost them.
func ReleaseLapsed(show *Show, now time.Time) map[string][]string {
	lost := make(map[string][]string)
	for i := range show.Seats {
		seat := &show.Seats[i]
		if !seat.Reserved || seat.Booked || seat.ReservedUntil == nil || seat.ReservedUntil.After(now) {
			continue
		}
		holder := ""
		if seat.ReservedBy != nil {
			holder = *seat.ReservedBy
		}
		seat.clearHold()
		lost[holder] = append(lost[holder], seat.ID)
	}
	return lost
}

// HasLapsedHolds reports whether ReleaseLapsed would change the show.
func HasLapsedHolds(show *Show, now time.Time) bool {
	for _, seat := range show.Seats {
		if seat.Reserved && !seat.Booked && seat.ReservedUntil != nil && !seat.ReservedUntil.After(now) {
			return true
		}
	}
	return false
}

// PendingSeats returns copies of the seats userID validly holds at now.
func PendingSeats(show *Show, userID string, now time.Time) []Seat {
	var seats []Seat
	for _, seat := range show.Seats {
		if seat.HeldBy(userID) && seat.HoldValid(now) {
			seats = append(seats, seat.clone())
		}
	}
	return seats
}

// SortedUsers returns the keys of a ReleaseLapsed result in a stable order.
func SortedUsers(lost map[string][]string) []string {
	users := make([]string, 0, len(lost))
	for u := range lost {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}
