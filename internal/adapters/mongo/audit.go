package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/robertarktes/seat-holds/internal/domain"
	"github.com/robertarktes/seat-holds/internal/observability"
)

type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID        string    `bson:"_id"`
	Action    string    `bson:"action"`
	ShowID    string    `bson:"show_id"`
	UserID    string    `bson:"user_id"`
	Seats     []string  `bson:"seats"`
	Timestamp time.Time `bson:"timestamp"`
}

func (a *AuditLogger) Record(ctx context.Context, entry domain.AuditEntry) error {
	log := AuditLog{
		ID:        uuid.NewString(),
		Action:    "seats." + entry.Op,
		ShowID:    entry.ShowID,
		UserID:    entry.UserID,
		Seats:     entry.SeatIDs,
		Timestamp: entry.At,
	}
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now()
	}
	if _, err := a.coll.InsertOne(ctx, log); err != nil {
		a.logger.WithField("action", log.Action).WithError(err).Error("failed to insert audit log")
		return errors.Wrap(err, "insert audit log")
	}
	return nil
}

// History returns the newest audit entries for a show, newest first.
func (a *AuditLogger) History(ctx context.Context, showID string, limit int64) ([]AuditLog, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(limit)
	cur, err := a.coll.Find(ctx, bson.M{"show_id": showID}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find audit logs")
	}
	var logs []AuditLog
	if err := cur.All(ctx, &logs); err != nil {
		return nil, errors.Wrap(err, "decode audit logs")
	}
	return logs, nil
}
