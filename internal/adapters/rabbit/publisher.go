package rabbit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	Exchange = "seats.events"

	KeyShowUpdate  = "resource.update"
	KeyHoldExpired = "hold.expired"
)

// Envelope is the message body for both event kinds. Origin identifies the
// publishing process so it can skip its own events.
type Envelope struct {
	ID      string    `json:"id"`
	Origin  string    `json:"origin"`
	ShowID  string    `json:"showId"`
	UserID  string    `json:"userId,omitempty"`
	SeatIDs []string  `json:"seatIds,omitempty"`
	SentAt  time.Time `json:"sentAt"`
}

type Publisher struct {
	mu sync.Mutex
	ch *amqp.Channel
}

func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open publish channel")
	}
	if err := declareExchange(ch); err != nil {
		ch.Close()
		return nil, err
	}
	return &Publisher{ch: ch}, nil
}

func declareExchange(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil)
	return errors.Wrapf(err, "declare exchange %s", Exchange)
}

func (p *Publisher) Publish(ctx context.Context, key string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, Exchange, key, false, false, msg)
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}

// EventRelay publishes show updates and hold expiries for other processes.
type EventRelay struct {
	pub    *Publisher
	origin string
}

func NewEventRelay(pub *Publisher, origin string) *EventRelay {
	return &EventRelay{pub: pub, origin: origin}
}

func (r *EventRelay) Origin() string { return r.origin }

func (r *EventRelay) PublishShowUpdate(ctx context.Context, showID string) error {
	return r.publish(ctx, KeyShowUpdate, Envelope{ShowID: showID})
}

func (r *EventRelay) PublishHoldExpired(ctx context.Context, userID, showID string, seatIDs []string) error {
	return r.publish(ctx, KeyHoldExpired, Envelope{ShowID: showID, UserID: userID, SeatIDs: seatIDs})
}

func (r *EventRelay) publish(ctx context.Context, key string, env Envelope) error {
	env.ID = uuid.NewString()
	env.Origin = r.origin
	env.SentAt = time.Now().UTC()
	body, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	err = r.pub.Publish(ctx, key, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   env.ID,
		Timestamp:   env.SentAt,
		Body:        body,
	})
	return errors.Wrapf(err, "publish %s", key)
}
