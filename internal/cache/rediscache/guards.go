package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const defaultGuardPrefix = "handoff:guard:"

// GuardStore remembers delay flags across session restarts.
type GuardStore struct {
	c      *redis.Client
	prefix string
}

func NewGuardStore(addr string) *GuardStore {
	return &GuardStore{c: newClient(addr), prefix: defaultGuardPrefix}
}

func (g *GuardStore) Seen(ctx context.Context, key string) (bool, error) {
	n, err := g.c.Exists(ctx, g.prefix+key).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis exists")
	}
	return n > 0, nil
}

// Mark keeps the first mark; re-marking does not extend the TTL.
func (g *GuardStore) Mark(ctx context.Context, key string, ttl time.Duration) error {
	if err := g.c.SetNX(ctx, g.prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return errors.Wrap(err, "redis setnx")
	}
	return nil
}

func (g *GuardStore) Close() error {
	return g.c.Close()
}
