package mongo_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	mongoadapter "github.com/robertarktes/seat-holds/internal/adapters/mongo"
	"github.com/robertarktes/seat-holds/internal/domain"
	"github.com/robertarktes/seat-holds/internal/observability"
)

func startMongo(t *testing.T) *mongo.Database {
	t.Helper()
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "mongodb")
	require.NoError(t, err)
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(endpoint))
	require.NoError(t, err)
	t.Cleanup(func() { client.Disconnect(ctx) })
	return client.Database("seats_test")
}

func TestShowRepository_RoundTripAndCAS(t *testing.T) {
	db := startMongo(t)
	ctx := context.Background()
	logger := observability.NewNopLogger()
	repo := mongoadapter.NewShowRepository(db, logger)
	require.NoError(t, repo.EnsureIndexes(ctx))

	require.NoError(t, repo.InsertShow(ctx, &domain.Show{
		ID:    "s1",
		Title: "Dune",
		Seats: []domain.Seat{{ID: "A1", Row: "A", Number: 1}, {ID: "A2", Row: "A", Number: 2}},
	}))
	n, err := repo.CountShows(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	now := time.Now().UTC().Truncate(time.Millisecond)
	show, err := repo.LoadShow(ctx, "s1")
	require.NoError(t, err)
	stale := show.Clone()

	_, err = domain.Reserve(show, "u1", []string{"A1"}, now, time.Minute)
	require.NoError(t, err)
	require.NoError(t, repo.SaveShow(ctx, show))
	assert.Equal(t, int64(1), show.Version)

	err = repo.SaveShow(ctx, stale)
	assert.True(t, errors.Is(err, domain.ErrVersionConflict))

	got, err := repo.LoadShow(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got.Seats[0].ReservedUntil)
	assert.Equal(t, now.Add(time.Minute), *got.Seats[0].ReservedUntil)
	assert.Equal(t, "u1", *got.Seats[0].ReservedBy)

	held, err := repo.ShowsHeldBy(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, held, 1)

	lapsed, err := repo.ShowsWithLapsedHolds(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, lapsed)
	lapsed, err = repo.ShowsWithLapsedHolds(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, lapsed)

	list, err := repo.ListShows(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.ShowSummary{{ID: "s1", Title: "Dune"}}, list)

	_, err = repo.LoadShow(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestAuditLogger_Record(t *testing.T) {
	db := startMongo(t)
	ctx := context.Background()
	audit := mongoadapter.NewAuditLogger(db, observability.NewNopLogger())

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, audit.Record(ctx, domain.AuditEntry{Op: domain.AuditReserve, ShowID: "s1", UserID: "u1", SeatIDs: []string{"A1"}, At: at}))
	require.NoError(t, audit.Record(ctx, domain.AuditEntry{Op: domain.AuditBook, ShowID: "s1", UserID: "u1", SeatIDs: []string{"A1"}, At: at.Add(time.Second)}))

	logs, err := audit.History(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "seats.book", logs[0].Action)
	assert.Equal(t, "seats.reserve", logs[1].Action)
}
