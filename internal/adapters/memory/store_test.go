package memory

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/seat-holds/internal/domain"
)

func TestShowRepository_SaveIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	repo := NewShowRepository()
	require.NoError(t, repo.InsertShow(ctx, &domain.Show{ID: "s1", Title: "Dune", Seats: []domain.Seat{{ID: "A1"}}}))

	a, err := repo.LoadShow(ctx, "s1")
	require.NoError(t, err)
	b, err := repo.LoadShow(ctx, "s1")
	require.NoError(t, err)

	a.Seats[0].Booked = true
	require.NoError(t, repo.SaveShow(ctx, a))
	assert.Equal(t, int64(1), a.Version)

	b.Seats[0].Reserved = true
	err = repo.SaveShow(ctx, b)
	assert.True(t, errors.Is(err, domain.ErrVersionConflict))

	got, err := repo.LoadShow(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.Seats[0].Booked)
}

func TestShowRepository_Queries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := NewShowRepository()
	require.NoError(t, repo.InsertShow(ctx, &domain.Show{ID: "s1", Title: "Dune", Seats: []domain.Seat{{ID: "A1"}, {ID: "A2"}}}))
	require.NoError(t, repo.InsertShow(ctx, &domain.Show{ID: "s2", Title: "Heat", Seats: []domain.Seat{{ID: "A1"}}}))

	s1, err := repo.LoadShow(ctx, "s1")
	require.NoError(t, err)
	_, err = domain.Reserve(s1, "u1", []string{"A1"}, now, time.Minute)
	require.NoError(t, err)
	require.NoError(t, repo.SaveShow(ctx, s1))

	held, err := repo.ShowsHeldBy(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, "s1", held[0].ID)

	lapsed, err := repo.ShowsWithLapsedHolds(ctx, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Empty(t, lapsed)
	lapsed, err = repo.ShowsWithLapsedHolds(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, lapsed)

	list, err := repo.ListShows(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.ShowSummary{{ID: "s1", Title: "Dune"}, {ID: "s2", Title: "Heat"}}, list)

	_, err = repo.LoadShow(ctx, "nope")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
