package domain

import "github.com/cockroachdb/errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidSeat       = errors.New("invalid seat")
	ErrAlreadyBooked     = errors.New("already booked")
	ErrConflict          = errors.New("conflict")
	ErrNotYoursOrExpired = errors.New("not yours or expired")
	ErrStore             = errors.New("store error")
	ErrInvalidInput      = errors.New("invalid input")
	ErrVersionConflict   = errors.New("version conflict")
)

// Kind returns the stable name of the error kind carried by err, or "" when
// err does not belong to any known kind.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrInvalidSeat):
		return "InvalidSeat"
	case errors.Is(err, ErrAlreadyBooked):
		return "AlreadyBooked"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	case errors.Is(err, ErrNotYoursOrExpired):
		return "NotYoursOrExpired"
	case errors.Is(err, ErrInvalidInput):
		return "InvalidInput"
	case errors.Is(err, ErrStore):
		return "StoreError"
	}
	return ""
}

// StoreFailure marks err as a persistence failure while keeping its cause.
func StoreFailure(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, op), ErrStore)
}
