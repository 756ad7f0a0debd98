package domain

import "time"

const (
	AuditReserve = "reserve"
	AuditBook    = "book"
	AuditCancel  = "cancel"
	AuditExpire  = "expire"
)

// AuditEntry records one applied seat transition.
type AuditEntry struct {
	Op      string
	ShowID  string
	UserID  string
	SeatIDs []string
	At      time.Time
}
