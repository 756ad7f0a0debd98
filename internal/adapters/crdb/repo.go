package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/robertarktes/seat-holds/internal/domain"
)

const (
	SerializationFailureCode = "40001"
)

const schema = `
CREATE TABLE IF NOT EXISTS shows (
	id STRING PRIMARY KEY,
	title STRING NOT NULL,
	version INT8 NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS seats (
	show_id STRING NOT NULL REFERENCES shows (id) ON DELETE CASCADE,
	seat_id STRING NOT NULL,
	position INT4 NOT NULL,
	row_label STRING NOT NULL,
	number INT4 NOT NULL,
	booked BOOL NOT NULL DEFAULT false,
	reserved BOOL NOT NULL DEFAULT false,
	reserved_by STRING,
	reserved_until TIMESTAMPTZ,
	PRIMARY KEY (show_id, seat_id),
	INDEX seats_reserved_by_idx (reserved_by) WHERE reserved,
	INDEX seats_reserved_until_idx (reserved_until) WHERE reserved AND NOT booked
);
`

// Repository stores shows in a shows table and one row per seat. Saves run
// in a SERIALIZABLE transaction guarded by the show's version.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "migrate schema")
	}
	return nil
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		return mapSerialization(err)
	}
	return mapSerialization(tx.Commit(ctx))
}

// A serialization failure means another writer touched the show first.
func mapSerialization(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode {
		return errors.Wrap(domain.ErrVersionConflict, pgErr.Message)
	}
	return err
}

func (r *Repository) InsertShow(ctx context.Context, show *domain.Show) error {
	if err := show.Validate(); err != nil {
		return err
	}
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO shows (id, title, version) VALUES ($1, $2, $3)`,
			show.ID, show.Title, show.Version); err != nil {
			return errors.Wrapf(err, "insert show %s", show.ID)
		}
		batch := &pgx.Batch{}
		for i, s := range show.Seats {
			batch.Queue(`
				INSERT INTO seats (show_id, seat_id, position, row_label, number, booked, reserved, reserved_by, reserved_until)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`, show.ID, s.ID, i, s.Row, s.Number, s.Booked, s.Reserved, s.ReservedBy, s.ReservedUntil)
		}
		return errors.Wrap(tx.SendBatch(ctx, batch).Close(), "insert seats")
	})
}

func (r *Repository) CountShows(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM shows`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count shows")
	}
	return n, nil
}

func (r *Repository) LoadShow(ctx context.Context, showID string) (*domain.Show, error) {
	show, err := loadShow(ctx, r.pool, showID)
	if err != nil {
		return nil, err
	}
	if err := show.Validate(); err != nil {
		return nil, errors.Wrap(err, "stored show is inconsistent")
	}
	return show, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadShow(ctx context.Context, q querier, showID string) (*domain.Show, error) {
	show := &domain.Show{ID: showID}
	err := q.QueryRow(ctx, `SELECT title, version FROM shows WHERE id = $1`, showID).Scan(&show.Title, &show.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load show %s", showID)
	}

	rows, err := q.Query(ctx, `
		SELECT seat_id, row_label, number, booked, reserved, reserved_by, reserved_until
		FROM seats WHERE show_id = $1 ORDER BY position
	`, showID)
	if err != nil {
		return nil, errors.Wrapf(err, "load seats of %s", showID)
	}
	defer rows.Close()

	for rows.Next() {
		var s domain.Seat
		if err := rows.Scan(&s.ID, &s.Row, &s.Number, &s.Booked, &s.Reserved, &s.ReservedBy, &s.ReservedUntil); err != nil {
			return nil, errors.Wrap(err, "scan seat")
		}
		if s.ReservedUntil != nil {
			until := s.ReservedUntil.UTC()
			s.ReservedUntil = &until
		}
		show.Seats = append(show.Seats, s)
	}
	return show, errors.Wrap(rows.Err(), "read seats")
}

// SaveShow bumps the show version if it still equals show.Version and
// rewrites every seat row in the same transaction.
func (r *Repository) SaveShow(ctx context.Context, show *domain.Show) error {
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE shows SET version = version + 1, title = $3
			WHERE id = $1 AND version = $2
		`, show.ID, show.Version, show.Title)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM shows WHERE id = $1)`, show.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return domain.ErrNotFound
			}
			return errors.Wrapf(domain.ErrVersionConflict, "show %s moved past version %d", show.ID, show.Version)
		}

		batch := &pgx.Batch{}
		for _, s := range show.Seats {
			batch.Queue(`
				UPDATE seats SET booked = $3, reserved = $4, reserved_by = $5, reserved_until = $6
				WHERE show_id = $1 AND seat_id = $2
			`, show.ID, s.ID, s.Booked, s.Reserved, s.ReservedBy, s.ReservedUntil)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return errors.Wrapf(err, "save show %s", show.ID)
	}
	show.Version++
	return nil
}

func (r *Repository) ListShows(ctx context.Context) ([]domain.ShowSummary, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, title FROM shows ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list shows")
	}
	defer rows.Close()

	var out []domain.ShowSummary
	for rows.Next() {
		var s domain.ShowSummary
		if err := rows.Scan(&s.ID, &s.Title); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) ShowsHeldBy(ctx context.Context, userID string) ([]*domain.Show, error) {
	ids, err := r.showIDs(ctx, `
		SELECT DISTINCT show_id FROM seats
		WHERE reserved AND reserved_by = $1 ORDER BY show_id
	`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "find held shows")
	}
	shows := make([]*domain.Show, 0, len(ids))
	for _, id := range ids {
		show, err := loadShow(ctx, r.pool, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		shows = append(shows, show)
	}
	return shows, nil
}

func (r *Repository) ShowsWithLapsedHolds(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := r.showIDs(ctx, `
		SELECT DISTINCT show_id FROM seats
		WHERE reserved AND NOT booked AND reserved_until <= $1 ORDER BY show_id
	`, now)
	return ids, errors.Wrap(err, "find lapsed holds")
}

func (r *Repository) showIDs(ctx context.Context, sql string, arg any) ([]string, error) {
	rows, err := r.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
