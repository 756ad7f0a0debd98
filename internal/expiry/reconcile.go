package expiry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/robertarktes/seat-holds/internal/clock"
	"github.com/robertarktes/seat-holds/internal/observability"
)

// LapsedFinder lists shows that still carry holds past their deadline.
type LapsedFinder interface {
	LapsedShows(ctx context.Context) ([]string, error)
}

type ReconcilerOptions struct {
	Interval    time.Duration
	Parallelism int
	Attempts    int
	// Backoff is the wait before the first retry; it doubles per attempt.
	Backoff time.Duration
}

// Reconciler periodically sweeps every show with lapsed holds. It covers
// deadlines the in-process scheduler no longer knows about, such as those
// armed by a process that has since restarted.
type Reconciler struct {
	clock  clock.Clock
	finder LapsedFinder
	sweep  SweepFunc
	logger observability.Logger
	opts   ReconcilerOptions
}

func NewReconciler(clk clock.Clock, finder LapsedFinder, sweep SweepFunc, logger observability.Logger, opts ReconcilerOptions) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	return &Reconciler{clock: clk, finder: finder, sweep: sweep, logger: logger, opts: opts}
}

// Run reconciles once immediately and then every interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.WithError(err).Error("reconciliation pass failed")
		}
		if err := r.sleep(ctx, r.opts.Interval); err != nil {
			return nil
		}
	}
}

// sleep waits d on the reconciler's clock or until ctx ends.
func (r *Reconciler) sleep(ctx context.Context, d time.Duration) error {
	fired := make(chan struct{})
	t := r.clock.AfterFunc(d, func() { close(fired) })
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-fired:
		return nil
	}
}

// RunOnce sweeps the currently lapsed shows and returns how many were swept
// successfully. Shows that still fail after every attempt are logged and
// left for the next pass.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	showIDs, err := r.finder.LapsedShows(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "find lapsed shows")
	}
	if len(showIDs) == 0 {
		return 0, nil
	}

	var swept atomic.Int64
	var g errgroup.Group
	g.SetLimit(r.opts.Parallelism)
	for _, showID := range showIDs {
		g.Go(func() error {
			if err := r.sweepWithRetry(ctx, showID); err != nil {
				observability.ReconcileSweeps.WithLabelValues("error").Inc()
				r.logger.WithField("show_id", showID).WithError(err).Error("failed to sweep show after retries")
				return nil
			}
			observability.ReconcileSweeps.WithLabelValues("ok").Inc()
			swept.Add(1)
			return nil
		})
	}
	g.Wait()
	r.logger.WithField("lapsed", len(showIDs)).WithField("swept", swept.Load()).Debug("reconciliation pass done")
	return int(swept.Load()), nil
}

func (r *Reconciler) sweepWithRetry(ctx context.Context, showID string) error {
	var err error
	backoff := r.opts.Backoff
	for attempt := 1; attempt <= r.opts.Attempts; attempt++ {
		if err = r.sweep(ctx, showID); err == nil {
			return nil
		}
		if attempt == r.opts.Attempts {
			break
		}
		if err := r.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
	}
	return errors.Wrapf(err, "after %d attempts", r.opts.Attempts)
}
