package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	leaderKey        = "reconciler:leader"
	DefaultLeaderTTL = 30 * time.Second
)

// ErrLeaseLost means another instance holds the reconciler lease or it expired.
var ErrLeaseLost = errors.New("leader lock lost")

// renewScript extends the lease only for its holder. It replies {1} on success, {0} when
// the key is gone and {-1, holder} when someone else owns it.
var renewScript = goredis.NewScript(`
local holder = redis.call("GET", KEYS[1])
if not holder then
	return {0}
end
if holder ~= ARGV[1] then
	return {-1, holder}
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return {1}`)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// LeaderElector holds the reconciler lease: a key set with NX and a TTL, renewed and
// released only by its owner. It implements app.Lease.
type LeaderElector struct {
	rdb        goredis.Cmdable
	instanceID string
	ttl        time.Duration
}

// NewLeaderElector returns a lease holder; instanceID must be unique per process.
func NewLeaderElector(rdb goredis.Cmdable, instanceID string, ttl time.Duration) *LeaderElector {
	if ttl <= 0 {
		ttl = DefaultLeaderTTL
	}
	return &LeaderElector{rdb: rdb, instanceID: instanceID, ttl: ttl}
}

func (l *LeaderElector) TryAcquire(ctx context.Context) (bool, error) {
	acquired, err := l.rdb.SetNX(ctx, leaderKey, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lock: %w", err)
	}
	return acquired, nil
}

// Renew atomically checks ownership and pushes the expiry out by the lease TTL.
func (l *LeaderElector) Renew(ctx context.Context) error {
	reply, err := renewScript.Run(ctx, l.rdb, []string{leaderKey}, l.instanceID, l.ttl.Milliseconds()).Slice()
	if err != nil {
		return fmt.Errorf("failed to renew leader lock: %w", err)
	}
	if len(reply) == 0 {
		return fmt.Errorf("failed to renew leader lock: empty reply")
	}

	switch code, _ := reply[0].(int64); code {
	case 1:
		return nil
	case -1:
		holder := ""
		if len(reply) > 1 {
			holder, _ = reply[1].(string)
		}
		return fmt.Errorf("%w: stolen by %s", ErrLeaseLost, holder)
	default:
		return ErrLeaseLost
	}
}

// Release deletes the key only while this instance still holds it.
func (l *LeaderElector) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{leaderKey}, l.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to release leader lock: %w", err)
	}
	return nil
}
