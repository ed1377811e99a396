package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlock deletes the key only while it still holds our token, so a holder
// whose lease already expired cannot free someone else's lease.
var unlock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var ErrLeaseLost = errors.New("lease lost")

// Locker hands out leased, non-reentrant mutual exclusion on a Redis key.
// Every Acquire mints a fresh owner token: a second Acquire on a held key
// waits even from the same goroutine.
type Locker struct {
	rdb   redis.Cmdable
	lease time.Duration
	wait  time.Duration
	poll  time.Duration
}

func NewLocker(rdb redis.Cmdable, lease, wait time.Duration) *Locker {
	return &Locker{rdb: rdb, lease: lease, wait: wait, poll: 25 * time.Millisecond}
}

type Lease struct {
	key   string
	token string
	rdb   redis.Cmdable
}

// Acquire blocks up to the configured wait for key. It fails with
// apperr.ErrLockTimeout when the wait runs out.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lease, error) {
	token := uuid.NewString()
	deadline := time.NewTimer(l.wait)
	defer deadline.Stop()
	tick := time.NewTicker(l.poll)
	defer tick.Stop()

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return &Lease{key: key, token: token, rdb: l.rdb}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("lock %s after %s: %w", key, l.wait, apperr.ErrLockTimeout)
		case <-tick.C:
		}
	}
}

// Release frees the lease. ErrLeaseLost means the lease expired and may
// already belong to another holder; the caller's writes are still guarded by
// the store.
func (ls *Lease) Release(ctx context.Context) error {
	n, err := unlock.Run(ctx, ls.rdb, []string{ls.key}, ls.token).Int64()
	if err != nil {
		return fmt.Errorf("unlock %s: %w", ls.key, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
