package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seats_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "code", "method"},
	)

	SeatOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seats_operations_total",
			Help: "Seat operations by operation and result kind",
		},
		[]string{"op", "result"},
	)

	HoldsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seats_holds_expired_total",
			Help: "Seats released because their hold lapsed",
		},
	)

	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seats_store_op_seconds",
			Help:    "Duration of resource store calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seats_broadcasts_total",
			Help: "Realtime events emitted, by event type",
		},
		[]string{"type"},
	)

	BroadcastsCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seats_broadcasts_coalesced_total",
			Help: "Show update triggers merged into an already pending broadcast",
		},
	)

	ScheduledExpiries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "seats_scheduled_expiries",
			Help: "Expiry deadlines waiting in the scheduler",
		},
	)

	ReconcileSweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seats_reconcile_sweeps_total",
			Help: "Shows swept by the reconciliation loop, by result",
		},
		[]string{"result"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "seats_realtime_sessions",
			Help: "Connected realtime sessions",
		},
	)

	RabbitPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seats_rabbit_publish_failures_total",
			Help: "Events that could not be relayed to the broker",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seats_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)
