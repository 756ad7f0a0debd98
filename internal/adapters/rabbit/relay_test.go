package rabbit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/robertarktes/seat-holds/internal/adapters/rabbit"
	"github.com/robertarktes/seat-holds/internal/observability"
)

type syncHandler struct {
	mu        sync.Mutex
	refreshed []string
	expired   []string
}

func (h *syncHandler) RefreshShow(showID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refreshed = append(h.refreshed, showID)
}

func (h *syncHandler) DeliverExpiry(userID, showID string, seatIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.expired = append(h.expired, userID+"@"+showID)
}

func (h *syncHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.refreshed), len(h.expired)
}

func TestEventRelay_ReachesOtherProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "amqp")
	require.NoError(t, err)
	conn, err := amqp.Dial(endpoint)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	logger := observability.NewNopLogger()
	consumer, err := rabbit.NewConsumer(conn, "api-1", logger)
	require.NoError(t, err)
	h := &syncHandler{}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go consumer.Run(runCtx, h)

	pub, err := rabbit.NewPublisher(conn)
	require.NoError(t, err)
	defer pub.Close()

	own := rabbit.NewEventRelay(pub, "api-1")
	other := rabbit.NewEventRelay(pub, "worker-1")
	require.NoError(t, own.PublishShowUpdate(ctx, "s0"))
	require.NoError(t, other.PublishShowUpdate(ctx, "s1"))
	require.NoError(t, other.PublishHoldExpired(ctx, "u1", "s1", []string{"A1"}))

	assert.Eventually(t, func() bool {
		r, e := h.counts()
		return r == 1 && e == 1
	}, 5*time.Second, 20*time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"s1"}, h.refreshed)
	assert.Equal(t, []string{"u1@s1"}, h.expired)
}
