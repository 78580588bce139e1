package lease

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when releasing or extending a lease owned by someone else.
var ErrNotHeld = errors.New("lease not held")

// Lease is a Redis-backed mutual-exclusion lease with an expiry, used so that
// only one replica scans the input location at a time.
type Lease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

// New constructs a lease on key. The token identifies this holder.
func New(client *redis.Client, key string, ttl time.Duration) *Lease {
	return &Lease{
		client: client,
		key:    key,
		ttl:    ttl,
		token:  uuid.New().String(),
	}
}

// Acquire takes the lease if nobody holds it. It reports whether it was taken.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Extend pushes the expiry out by the lease ttl if we still hold it.
func (l *Lease) Extend(ctx context.Context) error {
	res, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release drops the lease if we still hold it.
func (l *Lease) Release(ctx context.Context) error {
	res, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
