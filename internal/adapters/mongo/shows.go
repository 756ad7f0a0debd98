package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/robertarktes/seat-holds/internal/domain"
	"github.com/robertarktes/seat-holds/internal/observability"
)

// ShowRepository keeps one document per show with its seats embedded, so a
// show is always read and replaced as a whole.
type ShowRepository struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewShowRepository(db *mongo.Database, logger observability.Logger) *ShowRepository {
	return &ShowRepository{
		coll:   db.Collection("shows"),
		logger: logger,
	}
}

type ShowDoc struct {
	ID        string    `bson:"_id"`
	Title     string    `bson:"title"`
	Seats     []SeatDoc `bson:"seats"`
	Version   int64     `bson:"version"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type SeatDoc struct {
	ID            string     `bson:"seat_id"`
	Row           string     `bson:"row"`
	Number        int        `bson:"number"`
	Booked        bool       `bson:"booked"`
	Reserved      bool       `bson:"reserved"`
	ReservedBy    *string    `bson:"reserved_by"`
	ReservedUntil *time.Time `bson:"reserved_until"`
}

func toDoc(show *domain.Show) ShowDoc {
	doc := ShowDoc{ID: show.ID, Title: show.Title, Version: show.Version, Seats: make([]SeatDoc, len(show.Seats))}
	for i, s := range show.Seats {
		doc.Seats[i] = SeatDoc{
			ID:            s.ID,
			Row:           s.Row,
			Number:        s.Number,
			Booked:        s.Booked,
			Reserved:      s.Reserved,
			ReservedBy:    s.ReservedBy,
			ReservedUntil: s.ReservedUntil,
		}
	}
	return doc
}

func (d ShowDoc) toDomain() *domain.Show {
	show := &domain.Show{ID: d.ID, Title: d.Title, Version: d.Version, Seats: make([]domain.Seat, len(d.Seats))}
	for i, s := range d.Seats {
		seat := domain.Seat{
			ID:         s.ID,
			Row:        s.Row,
			Number:     s.Number,
			Booked:     s.Booked,
			Reserved:   s.Reserved,
			ReservedBy: s.ReservedBy,
		}
		if s.ReservedUntil != nil {
			until := s.ReservedUntil.UTC()
			seat.ReservedUntil = &until
		}
		show.Seats[i] = seat
	}
	return show
}

// EnsureIndexes creates the indexes the hold queries rely on.
func (r *ShowRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "seats.reserved_by", Value: 1}}},
		{Keys: bson.D{{Key: "seats.reserved_until", Value: 1}}},
	})
	if err != nil {
		return errors.Wrap(err, "create show indexes")
	}
	return nil
}

func (r *ShowRepository) InsertShow(ctx context.Context, show *domain.Show) error {
	if err := show.Validate(); err != nil {
		return err
	}
	doc := toDoc(show)
	doc.CreatedAt = time.Now()
	doc.UpdatedAt = doc.CreatedAt
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		return errors.Wrapf(err, "insert show %s", show.ID)
	}
	return nil
}

func (r *ShowRepository) CountShows(ctx context.Context) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, errors.Wrap(err, "count shows")
	}
	return n, nil
}

func (r *ShowRepository) LoadShow(ctx context.Context, showID string) (*domain.Show, error) {
	var doc ShowDoc
	err := r.coll.FindOne(ctx, bson.M{"_id": showID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		r.logger.WithField("show_id", showID).WithError(err).Error("failed to load show")
		return nil, errors.Wrapf(err, "load show %s", showID)
	}
	show := doc.toDomain()
	if err := show.Validate(); err != nil {
		return nil, errors.Wrap(err, "stored show is inconsistent")
	}
	return show, nil
}

// SaveShow replaces the document only while its version is unchanged.
func (r *ShowRepository) SaveShow(ctx context.Context, show *domain.Show) error {
	doc := toDoc(show)
	doc.Version = show.Version + 1
	doc.UpdatedAt = time.Now()

	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": show.ID, "version": show.Version},
		bson.M{"$set": bson.M{
			"title":      doc.Title,
			"seats":      doc.Seats,
			"version":    doc.Version,
			"updated_at": doc.UpdatedAt,
		}},
	)
	if err != nil {
		r.logger.WithField("show_id", show.ID).WithError(err).Error("failed to save show")
		return errors.Wrapf(err, "save show %s", show.ID)
	}
	if res.MatchedCount == 0 {
		n, err := r.coll.CountDocuments(ctx, bson.M{"_id": show.ID})
		if err != nil {
			return errors.Wrapf(err, "save show %s", show.ID)
		}
		if n == 0 {
			return domain.ErrNotFound
		}
		return errors.Wrapf(domain.ErrVersionConflict, "show %s moved past version %d", show.ID, show.Version)
	}
	show.Version = doc.Version
	return nil
}

func (r *ShowRepository) ListShows(ctx context.Context) ([]domain.ShowSummary, error) {
	opts := options.Find().
		SetProjection(bson.M{"title": 1}).
		SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := r.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "list shows")
	}
	var docs []ShowDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode shows")
	}
	out := make([]domain.ShowSummary, 0, len(docs))
	for _, d := range docs {
		out = append(out, domain.ShowSummary{ID: d.ID, Title: d.Title})
	}
	return out, nil
}

func (r *ShowRepository) ShowsHeldBy(ctx context.Context, userID string) ([]*domain.Show, error) {
	filter := bson.M{"seats": bson.M{"$elemMatch": bson.M{"reserved": true, "reserved_by": userID}}}
	cur, err := r.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "find held shows")
	}
	var docs []ShowDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode held shows")
	}
	shows := make([]*domain.Show, 0, len(docs))
	for _, d := range docs {
		shows = append(shows, d.toDomain())
	}
	return shows, nil
}

func (r *ShowRepository) ShowsWithLapsedHolds(ctx context.Context, now time.Time) ([]string, error) {
	filter := bson.M{"seats": bson.M{"$elemMatch": bson.M{
		"reserved":       true,
		"booked":         false,
		"reserved_until": bson.M{"$lte": now},
	}}}
	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find lapsed holds")
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode lapsed holds")
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	return ids, nil
}
