package idempotency

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "checkout:idem:"
	pending   = "pending"
	// DefaultTTL is how long a submission key is remembered.
	DefaultTTL = 24 * time.Hour
)

// beginScript sets the key when absent and otherwise returns its value.
var beginScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
	return ''
end
return redis.call('GET', KEYS[1]) or ''
`)

var _ Store = (*Redis)(nil)

// Redis keeps submission keys in Redis with a TTL.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedis creates a Redis store. A non-positive ttl selects DefaultTTL.
func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// Begin implements Store.
func (r *Redis) Begin(ctx context.Context, key string) (bool, string, error) {
	res, err := beginScript.Run(ctx, r.client, []string{keyPrefix + key}, pending, r.ttl.Milliseconds()).Text()
	if err != nil {
		return false, "", errors.Wrap(err, "reserve key")
	}
	switch res {
	case "":
		return true, "", nil
	case pending:
		return false, "", nil
	default:
		return false, res, nil
	}
}

// Complete implements Store.
func (r *Redis) Complete(ctx context.Context, key, orderID string) error {
	if err := r.client.Set(ctx, keyPrefix+key, orderID, r.ttl).Err(); err != nil {
		return errors.Wrap(err, "complete key")
	}
	return nil
}

// Abort implements Store.
func (r *Redis) Abort(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return errors.Wrap(err, "release key")
	}
	return nil
}
