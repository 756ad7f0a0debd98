package app

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/robertarktes/seat-holds/internal/domain"
)

// DefaultTitles are seeded when no titles are given.
var DefaultTitles = []string{"Avengers: Endgame"}

const (
	seedRows        = "ABCDEFGH"
	seedSeatsPerRow = 8
)

// NewSeatedShow builds a show with rows A-H of eight free seats each.
func NewSeatedShow(title string) *domain.Show {
	show := &domain.Show{ID: uuid.NewString(), Title: title}
	for _, row := range seedRows {
		for n := 1; n <= seedSeatsPerRow; n++ {
			show.Seats = append(show.Seats, domain.Seat{
				ID:     uuid.NewString(),
				Row:    string(row),
				Number: n,
			})
		}
	}
	return show
}

// Seed inserts one show per title into an empty store. A store that already
// holds shows is left alone and 0 is returned.
func Seed(ctx context.Context, store Store, titles []string) (int, error) {
	n, err := store.CountShows(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "count shows")
	}
	if n > 0 {
		return 0, nil
	}
	if len(titles) == 0 {
		titles = DefaultTitles
	}
	for i, title := range titles {
		if err := store.InsertShow(ctx, NewSeatedShow(title)); err != nil {
			return i, errors.Wrapf(err, "insert show %s", strconv.Quote(title))
		}
	}
	return len(titles), nil
}
