// Package memory is a process-local resource store for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/seat-holds/internal/domain"
)

type ShowRepository struct {
	mu    sync.RWMutex
	shows map[string]*domain.Show
	// failSaves makes SaveShow return this error; used to simulate outages.
	failSaves error
}

func NewShowRepository() *ShowRepository {
	return &ShowRepository{shows: make(map[string]*domain.Show)}
}

// FailSaves makes every following SaveShow fail with err; nil restores
// normal behaviour.
func (r *ShowRepository) FailSaves(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failSaves = err
}

func (r *ShowRepository) InsertShow(_ context.Context, show *domain.Show) error {
	if err := show.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.shows[show.ID]; ok {
		return errors.Newf("show %s already exists", show.ID)
	}
	r.shows[show.ID] = show.Clone()
	return nil
}

func (r *ShowRepository) CountShows(_ context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.shows)), nil
}

func (r *ShowRepository) LoadShow(_ context.Context, showID string) (*domain.Show, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shows[showID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.Clone(), nil
}

// SaveShow replaces the stored show if its version still matches and bumps
// the version on both copies.
func (r *ShowRepository) SaveShow(_ context.Context, show *domain.Show) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSaves != nil {
		return r.failSaves
	}
	cur, ok := r.shows[show.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != show.Version {
		return errors.Wrapf(domain.ErrVersionConflict, "show %s at version %d, saving %d", show.ID, cur.Version, show.Version)
	}
	show.Version++
	r.shows[show.ID] = show.Clone()
	return nil
}

func (r *ShowRepository) ListShows(_ context.Context) ([]domain.ShowSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ShowSummary, 0, len(r.shows))
	for _, s := range r.shows {
		out = append(out, domain.ShowSummary{ID: s.ID, Title: s.Title})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *ShowRepository) ShowsHeldBy(_ context.Context, userID string) ([]*domain.Show, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Show
	for _, s := range r.shows {
		for i := range s.Seats {
			if s.Seats[i].HeldBy(userID) {
				out = append(out, s.Clone())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *ShowRepository) ShowsWithLapsedHolds(_ context.Context, now time.Time) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, s := range r.shows {
		if domain.HasLapsedHolds(s, now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
