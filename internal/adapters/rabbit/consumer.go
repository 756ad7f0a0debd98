package rabbit

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/robertarktes/seat-holds/internal/observability"
)

// Handler applies events published by other processes to local sessions.
type Handler interface {
	RefreshShow(showID string)
	DeliverExpiry(userID, showID string, seatIDs []string)
}

// Consumer reads the event exchange through a private queue that lives as
// long as the connection. Realtime events are only useful to processes that
// are up, so nothing is kept for absent consumers.
type Consumer struct {
	ch     *amqp.Channel
	queue  string
	origin string
	logger observability.Logger
}

func NewConsumer(conn *amqp.Connection, origin string, logger observability.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open consume channel")
	}
	if err := declareExchange(ch); err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.Qos(50, 0, false); err != nil {
		logger.WithError(err).Warn("failed to set qos")
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, errors.Wrap(err, "declare event queue")
	}
	for _, key := range []string{KeyShowUpdate, KeyHoldExpired} {
		if err := ch.QueueBind(q.Name, key, Exchange, false, nil); err != nil {
			ch.Close()
			return nil, errors.Wrapf(err, "bind %s", key)
		}
	}
	return &Consumer{ch: ch, queue: q.Name, origin: origin, logger: logger}, nil
}

// Run dispatches deliveries to h until ctx ends or the channel closes.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	msgs, err := c.ch.Consume(c.queue, "", false, true, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "consume events")
	}
	defer c.ch.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("event deliveries channel closed")
			}
			if err := c.handle(d, h); err != nil {
				c.logger.WithField("routing_key", d.RoutingKey).WithError(err).Error("failed to handle event")
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (c *Consumer) handle(d amqp.Delivery, h Handler) error {
	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return errors.Wrap(err, "decode event")
	}
	return c.dispatch(d.RoutingKey, env, h)
}

func (c *Consumer) dispatch(key string, env Envelope, h Handler) error {
	if env.Origin == c.origin {
		return nil
	}
	if env.ShowID == "" {
		return errors.Newf("%s event without show id", key)
	}
	switch key {
	case KeyShowUpdate:
		h.RefreshShow(env.ShowID)
	case KeyHoldExpired:
		if env.UserID == "" {
			return errors.New("hold expiry without user id")
		}
		h.DeliverExpiry(env.UserID, env.ShowID, env.SeatIDs)
	default:
		return errors.Newf("unknown routing key %q", key)
	}
	return nil
}
