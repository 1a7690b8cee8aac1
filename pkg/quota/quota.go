// Package quota caps the number of tasks issued to a credential within a
// window. The counter lives in redis next to the rate limiter but uses its
// own namespace and a longer expiry, so quota resets lag rate-limit windows.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"node-coordinator/pkg/cache"
	"node-coordinator/pkg/models"
)

// Quota is a credential's charged task count.
type Quota struct {
	Token string
	Tasks int64
}

type Config struct {
	Limit            int64
	Bonus            int64
	BaseWindow       time.Duration
	ExpireMultiplier int
}

type TaskQuota struct {
	client redis.Cmdable
	cfg    Config
}

func New(client redis.Cmdable, cfg Config) *TaskQuota {
	if cfg.ExpireMultiplier < 1 {
		cfg.ExpireMultiplier = 1
	}
	if cfg.BaseWindow <= 0 {
		cfg.BaseWindow = time.Hour
	}
	return &TaskQuota{client: client, cfg: cfg}
}

func key(credential string) string {
	return cache.Key(cache.NamespaceTaskLimit, cache.HashCredential(credential))
}

// Expire is the record TTL: a multiple of the base window.
func (q *TaskQuota) Expire() time.Duration {
	return time.Duration(q.cfg.ExpireMultiplier) * q.cfg.BaseWindow
}

// Reserve reads the counter and checks it against the ceiling. A missing
// counter is a fresh quota. Cache failures wrap models.ErrQuotaUnknown so the
// caller can choose how to treat them.
func (q *TaskQuota) Reserve(ctx context.Context, credential string) (Quota, error) {
	tasks, err := q.client.Get(ctx, key(credential)).Int64()
	if errors.Is(err, redis.Nil) {
		return Quota{Token: credential}, nil
	}
	if err != nil {
		return Quota{}, fmt.Errorf("%w: %v", models.ErrQuotaUnknown, err)
	}

	record := Quota{Token: credential, Tasks: tasks}
	if record.Tasks >= q.cfg.Limit {
		return record, models.ErrQuotaExhausted
	}
	return record, nil
}

// Commit charges one assignment plus the configured bonus and refreshes the
// expiry. The increment happens in redis, so concurrent commits for the same
// credential all count.
func (q *TaskQuota) Commit(ctx context.Context, credential string) (Quota, error) {
	k := key(credential)
	var incr *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, k, 1+q.cfg.Bonus)
		pipe.Expire(ctx, k, q.Expire())
		return nil
	})
	if err != nil {
		return Quota{Token: credential}, fmt.Errorf("save quota: %w", err)
	}
	return Quota{Token: credential, Tasks: incr.Val()}, nil
}
