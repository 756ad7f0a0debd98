// Package app holds the wiring shared by the binaries.
package app

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/robertarktes/seat-holds/internal/adapters/crdb"
	"github.com/robertarktes/seat-holds/internal/adapters/memory"
	mongoadapter "github.com/robertarktes/seat-holds/internal/adapters/mongo"
	"github.com/robertarktes/seat-holds/internal/booking"
	"github.com/robertarktes/seat-holds/internal/config"
	"github.com/robertarktes/seat-holds/internal/domain"
	"github.com/robertarktes/seat-holds/internal/observability"
)

// Store is a show repository that can also be seeded.
type Store interface {
	booking.ShowStore
	InsertShow(ctx context.Context, show *domain.Show) error
	CountShows(ctx context.Context) (int64, error)
}

// Backend is an opened store together with what the binaries need around it.
type Backend struct {
	Store Store
	// Auditor is nil unless the backend keeps an audit trail.
	Auditor booking.Auditor
	Ping    func(ctx context.Context) error
	Close   func()
}

// OpenStore connects to the backend named by cfg.StoreBackend and prepares
// its schema.
func OpenStore(ctx context.Context, cfg *config.Config, logger observability.Logger) (*Backend, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	switch cfg.StoreBackend {
	case config.BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, errors.Wrap(err, "connect to mongo")
		}
		closeFn := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Disconnect(ctx)
		}
		db := client.Database(cfg.MongoDB)
		repo := mongoadapter.NewShowRepository(db, logger)
		if err := repo.EnsureIndexes(ctx); err != nil {
			closeFn()
			return nil, err
		}
		return &Backend{
			Store:   repo,
			Auditor: mongoadapter.NewAuditLogger(db, logger),
			Ping:    func(ctx context.Context) error { return client.Ping(ctx, nil) },
			Close:   closeFn,
		}, nil

	case config.BackendCRDB:
		pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
		if err != nil {
			return nil, errors.Wrap(err, "connect to crdb")
		}
		repo := crdb.NewRepository(pool)
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return &Backend{Store: repo, Ping: pool.Ping, Close: pool.Close}, nil

	case config.BackendMemory:
		return &Backend{
			Store: memory.NewShowRepository(),
			Ping:  func(context.Context) error { return nil },
			Close: func() {},
		}, nil
	}
	return nil, errors.Newf("unknown store backend %q", cfg.StoreBackend)
}
