package redis

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/robertarktes/seat-holds/internal/observability"
)

var (
	ErrLockNotAcquired = errors.New("show lock not acquired")
	ErrLockNotOwned    = errors.New("show lock not owned")
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// ShowLock is a per-show mutex shared by every process using the same redis.
// The key expires after ttl so a crashed holder cannot wedge a show.
type ShowLock struct {
	client     *redis.Client
	ttl        time.Duration
	retryDelay time.Duration
	logger     observability.Logger
}

func NewShowLock(client *redis.Client, ttl time.Duration, logger observability.Logger) *ShowLock {
	return &ShowLock{client: client, ttl: ttl, retryDelay: 20 * time.Millisecond, logger: logger}
}

func lockKey(showID string) string { return "lock:show:" + showID }

// TryLock makes a single attempt and returns the token that owns the lock.
func (l *ShowLock) TryLock(ctx context.Context, showID string) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, lockKey(showID), token, l.ttl).Result()
	if err != nil {
		return "", errors.Wrap(err, "acquire show lock")
	}
	if !ok {
		return "", ErrLockNotAcquired
	}
	return token, nil
}

// Lock retries until the lock is free, ctx ends or one ttl has passed.
func (l *ShowLock) Lock(ctx context.Context, showID string) (func(), error) {
	deadline := time.Now().Add(l.ttl)
	for {
		token, err := l.TryLock(ctx, showID)
		if err == nil {
			return func() { l.release(showID, token) }, nil
		}
		if !errors.Is(err, ErrLockNotAcquired) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, errors.Wrapf(err, "show %s busy for %s", showID, l.ttl)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}
}

// Unlock deletes the key only if token still owns it.
func (l *ShowLock) Unlock(ctx context.Context, showID, token string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{lockKey(showID)}, token).Int()
	if err != nil {
		return errors.Wrap(err, "release show lock")
	}
	if n == 0 {
		return ErrLockNotOwned
	}
	return nil
}

func (l *ShowLock) release(showID, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Unlock(ctx, showID, token); err != nil {
		l.logger.WithField("show_id", showID).WithError(err).Warn("failed to release show lock")
	}
}
