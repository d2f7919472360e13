package sweeper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Lease keeps concurrent sweeper instances from scanning at the same time.
// Correctness never depends on it; refund idempotence already resolves overlaps.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context)
}

// NoLease always grants the lease.
type NoLease struct{}

func (NoLease) Acquire(context.Context) (bool, error) { return true, nil }
func (NoLease) Release(context.Context)               {}

const leaseKey = "sweeper:lease"

// Deletes the key only if it still carries this holder's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a SET NX PX lease shared by all sweeper instances.
type RedisLease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

func NewRedisLease(client *redis.Client, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLease{client: client, key: leaseKey, ttl: ttl, token: uuid.New().String()}
}

func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
}

func (l *RedisLease) Release(ctx context.Context) {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		zap.L().Warn("Failed to release sweeper lease", zap.Error(err))
	}
}
