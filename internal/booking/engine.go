// Package booking applies seat transitions to shows. Every operation on a
// show runs load, validate, mutate and save while holding that show's lock,
// so two requests never validate against the same snapshot.
package booking

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/robertarktes/seat-holds/internal/clock"
	"github.com/robertarktes/seat-holds/internal/domain"
	"github.com/robertarktes/seat-holds/internal/observability"
)

// maxAttempts bounds how often one operation revalidates after losing a
// version race.
const maxAttempts = 3

type ShowStore interface {
	LoadShow(ctx context.Context, showID string) (*domain.Show, error)
	// SaveShow must fail with domain.ErrVersionConflict when the stored
	// version differs from show.Version, and bump the version on success.
	SaveShow(ctx context.Context, show *domain.Show) error
	ListShows(ctx context.Context) ([]domain.ShowSummary, error)
	ShowsHeldBy(ctx context.Context, userID string) ([]*domain.Show, error)
	ShowsWithLapsedHolds(ctx context.Context, now time.Time) ([]string, error)
}

// Locker excludes other processes from a show for the duration of one
// operation.
type Locker interface {
	Lock(ctx context.Context, showID string) (release func(), err error)
}

type Notifier interface {
	BroadcastShowUpdate(showID string)
	NotifyUserExpiry(userID, showID string, seatIDs []string)
}

type ExpiryScheduler interface {
	Schedule(showID string, at time.Time)
}

type Auditor interface {
	Record(ctx context.Context, entry domain.AuditEntry) error
}

type Options struct {
	HoldDuration time.Duration
	ExpiryGrace  time.Duration
	// Scheduler, Locker and Auditor are optional.
	Scheduler ExpiryScheduler
	Locker    Locker
	Auditor   Auditor
}

type Engine struct {
	store    ShowStore
	clock    clock.Clock
	notifier Notifier
	logger   observability.Logger
	opts     Options
	locks    *showLocks
	tracer   trace.Tracer
}

func NewEngine(store ShowStore, clk clock.Clock, notifier Notifier, logger observability.Logger, opts Options) *Engine {
	if opts.HoldDuration <= 0 {
		opts.HoldDuration = 60 * time.Second
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Engine{
		store:    store,
		clock:    clk,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
		locks:    newShowLocks(),
		tracer:   otel.Tracer("booking"),
	}
}

func (e *Engine) HoldDuration() time.Duration { return e.opts.HoldDuration }

// Reserve holds seatIDs of showID for userID and returns the deadline shared
// by the whole batch. Seats the caller already holds get the new deadline.
func (e *Engine) Reserve(ctx context.Context, userID, showID string, seatIDs []string) (time.Time, error) {
	ctx, span := e.startSpan(ctx, "booking.Reserve", userID, showID)
	defer span.End()

	var until time.Time
	err := e.withShow(ctx, showID, func(show *domain.Show, now time.Time) (bool, error) {
		u, err := domain.Reserve(show, userID, seatIDs, now, e.opts.HoldDuration)
		if err != nil {
			return false, err
		}
		until = u
		return true, nil
	})
	if err == nil {
		seatIDs, _ = domain.NormalizeSeatIDs(seatIDs)
	}
	e.record(span, domain.AuditReserve, err)
	if err != nil {
		return time.Time{}, err
	}

	if e.opts.Scheduler != nil {
		e.opts.Scheduler.Schedule(showID, until.Add(e.opts.ExpiryGrace))
	}
	e.notifier.BroadcastShowUpdate(showID)
	e.audit(ctx, domain.AuditEntry{Op: domain.AuditReserve, ShowID: showID, UserID: userID, SeatIDs: seatIDs})
	return until, nil
}

// Book turns the caller's valid holds into bookings. All seats must qualify.
func (e *Engine) Book(ctx context.Context, userID, showID string, seatIDs []string) error {
	ctx, span := e.startSpan(ctx, "booking.Book", userID, showID)
	defer span.End()

	err := e.withShow(ctx, showID, func(show *domain.Show, now time.Time) (bool, error) {
		if err := domain.Book(show, userID, seatIDs, now); err != nil {
			return false, err
		}
		return true, nil
	})
	if err == nil {
		seatIDs, _ = domain.NormalizeSeatIDs(seatIDs)
	}
	e.record(span, domain.AuditBook, err)
	if err != nil {
		return err
	}

	e.notifier.BroadcastShowUpdate(showID)
	e.audit(ctx, domain.AuditEntry{Op: domain.AuditBook, ShowID: showID, UserID: userID, SeatIDs: seatIDs})
	return nil
}

// Cancel releases whatever subset of seatIDs the caller holds and returns the
// released ids. Nothing is saved or broadcast when nothing changed.
func (e *Engine) Cancel(ctx context.Context, userID, showID string, seatIDs []string) ([]string, error) {
	ctx, span := e.startSpan(ctx, "booking.Cancel", userID, showID)
	defer span.End()

	if userID == "" {
		err := errors.Wrap(domain.ErrInvalidInput, "empty user id")
		e.record(span, domain.AuditCancel, err)
		return nil, err
	}

	var released []string
	err := e.withShow(ctx, showID, func(show *domain.Show, _ time.Time) (bool, error) {
		released = domain.Cancel(show, userID, seatIDs)
		return len(released) > 0, nil
	})
	e.record(span, domain.AuditCancel, err)
	if err != nil {
		return nil, err
	}
	if len(released) == 0 {
		return nil, nil
	}

	e.notifier.BroadcastShowUpdate(showID)
	e.audit(ctx, domain.AuditEntry{Op: domain.AuditCancel, ShowID: showID, UserID: userID, SeatIDs: released})
	return released, nil
}

// ExpireShow releases every lapsed hold of showID. Unknown shows and shows
// without lapsed holds are left alone, so firing it late or twice is safe.
func (e *Engine) ExpireShow(ctx context.Context, showID string) error {
	ctx, span := e.startSpan(ctx, "booking.ExpireShow", "", showID)
	defer span.End()

	var lost map[string][]string
	err := e.withShow(ctx, showID, func(show *domain.Show, now time.Time) (bool, error) {
		lost = domain.ReleaseLapsed(show, now)
		return len(lost) > 0, nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	e.record(span, domain.AuditExpire, err)
	if err != nil {
		return err
	}
	if len(lost) == 0 {
		return nil
	}

	e.notifier.BroadcastShowUpdate(showID)
	for _, userID := range domain.SortedUsers(lost) {
		seats := lost[userID]
		observability.HoldsExpired.Add(float64(len(seats)))
		e.logger.WithField("show_id", showID).WithField("user_id", userID).WithField("seats", seats).Info("holds expired")
		if userID != "" {
			e.notifier.NotifyUserExpiry(userID, showID, seats)
		}
		e.audit(ctx, domain.AuditEntry{Op: domain.AuditExpire, ShowID: showID, UserID: userID, SeatIDs: seats})
	}
	return nil
}

// LapsedShows lists shows that still carry holds past their deadline.
func (e *Engine) LapsedShows(ctx context.Context) ([]string, error) {
	ids, err := e.store.ShowsWithLapsedHolds(ctx, e.clock.Now())
	if err != nil {
		return nil, domain.StoreFailure(err, "find lapsed holds")
	}
	return ids, nil
}

// PendingHoldsForUser lists the seats userID validly holds, grouped by show.
func (e *Engine) PendingHoldsForUser(ctx context.Context, userID string) ([]domain.PendingHold, error) {
	if userID == "" {
		return nil, errors.Wrap(domain.ErrInvalidInput, "empty user id")
	}
	shows, err := e.store.ShowsHeldBy(ctx, userID)
	if err != nil {
		return nil, domain.StoreFailure(err, "find held shows")
	}
	now := e.clock.Now()
	holds := make([]domain.PendingHold, 0, len(shows))
	for _, show := range shows {
		seats := domain.PendingSeats(show, userID, now)
		if len(seats) == 0 {
			continue
		}
		holds = append(holds, domain.PendingHold{ShowID: show.ID, Title: show.Title, Seats: seats})
	}
	return holds, nil
}

func (e *Engine) ListShows(ctx context.Context) ([]domain.ShowSummary, error) {
	shows, err := e.store.ListShows(ctx)
	if err != nil {
		return nil, domain.StoreFailure(err, "list shows")
	}
	return shows, nil
}

func (e *Engine) GetShow(ctx context.Context, showID string) (*domain.Show, error) {
	show, err := e.store.LoadShow(ctx, showID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, errors.Wrapf(domain.ErrNotFound, "show %s", showID)
	}
	if err != nil {
		return nil, domain.StoreFailure(err, "load show")
	}
	return show, nil
}

// withShow runs fn against a fresh copy of the show under the show's locks
// and saves the copy when fn reports a change.
func (e *Engine) withShow(ctx context.Context, showID string, fn func(show *domain.Show, now time.Time) (bool, error)) error {
	if showID == "" {
		return errors.Wrap(domain.ErrInvalidInput, "empty show id")
	}
	unlock, err := e.locks.acquire(ctx, showID)
	if err != nil {
		return errors.Wrapf(err, "wait for show %s", showID)
	}
	defer unlock()

	if e.opts.Locker != nil {
		release, err := e.opts.Locker.Lock(ctx, showID)
		if err != nil {
			return domain.StoreFailure(err, "lock show")
		}
		defer release()
	}

	// Without a shared Locker another process can save between our load and
	// save. A version conflict means fn validated stale state, so it runs
	// again on a fresh load and the caller sees the outcome against the
	// winner's state.
	for attempt := 1; ; attempt++ {
		start := time.Now()
		show, err := e.store.LoadShow(ctx, showID)
		observability.StoreOpDuration.WithLabelValues("load").Observe(time.Since(start).Seconds())
		if errors.Is(err, domain.ErrNotFound) {
			return errors.Wrapf(domain.ErrNotFound, "show %s", showID)
		}
		if err != nil {
			return domain.StoreFailure(err, "load show")
		}

		changed, err := fn(show, e.clock.Now())
		if err != nil || !changed {
			return err
		}

		start = time.Now()
		err = e.store.SaveShow(ctx, show)
		observability.StoreOpDuration.WithLabelValues("save").Observe(time.Since(start).Seconds())
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrVersionConflict) && attempt < maxAttempts {
			e.logger.WithField("show_id", showID).WithField("attempt", attempt).Debug("show changed under us, revalidating")
			continue
		}
		return domain.StoreFailure(err, "save show")
	}
}

func (e *Engine) startSpan(ctx context.Context, name, userID, showID string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("show.id", showID),
		attribute.String("user.id", userID),
	))
}

func (e *Engine) record(span trace.Span, op string, err error) {
	result := "ok"
	if err != nil {
		result = domain.Kind(err)
		if result == "" {
			result = "error"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	}
	observability.SeatOpsTotal.WithLabelValues(op, result).Inc()
}

func (e *Engine) audit(ctx context.Context, entry domain.AuditEntry) {
	if e.opts.Auditor == nil {
		return
	}
	entry.At = e.clock.Now()
	if err := e.opts.Auditor.Record(ctx, entry); err != nil {
		e.logger.WithField("show_id", entry.ShowID).WithField("op", entry.Op).WithError(err).Warn("failed to write audit entry")
	}
}

type noopNotifier struct{}

func (noopNotifier) BroadcastShowUpdate(string)                 {}
func (noopNotifier) NotifyUserExpiry(string, string, []string) {}
