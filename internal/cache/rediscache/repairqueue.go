package rediscache

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const defaultRepairKey = "handoff:availability:repair"

// RepairQueue is a set of driver ids whose availability must be re-checked.
// A driver queued twice is repaired once.
type RepairQueue struct {
	c   *redis.Client
	key string
}

func NewRepairQueue(addr string) *RepairQueue {
	return &RepairQueue{c: newClient(addr), key: defaultRepairKey}
}

func (q *RepairQueue) Push(ctx context.Context, driverID string) error {
	if err := q.c.SAdd(ctx, q.key, driverID).Err(); err != nil {
		return errors.Wrap(err, "redis sadd")
	}
	return nil
}

func (q *RepairQueue) Pop(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	ids, err := q.c.SPopN(ctx, q.key, int64(n)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis spop")
	}
	return ids, nil
}

func (q *RepairQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.c.SCard(ctx, q.key).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis scard")
	}
	return n, nil
}

func (q *RepairQueue) Close() error {
	return q.c.Close()
}
