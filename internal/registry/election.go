package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultLeaderKey is the election key shared by all console replicas.
	DefaultLeaderKey = "jiascheduler:leader_election"

	notLeaderRetry = 1 * time.Second
	errorBackoff   = 5 * time.Second
)

// Election is a lease-style leader election: SET NX acquires the key, the
// holder refreshes the TTL at half the lease period, and losing the key
// (crash, partition) lets another replica take over within one TTL.
type Election struct {
	rdb *redis.Client
	key string
	id  string
	ttl time.Duration
	log *zap.Logger
}

// NewElection builds an election on key with the given lease ttl. Each
// participant gets a random identity so it can recognize its own lease.
func NewElection(rdb *redis.Client, key string, ttl time.Duration, logger *zap.Logger) *Election {
	return &Election{
		rdb: rdb,
		key: key,
		id:  uuid.NewString(),
		ttl: ttl,
		log: logger.Named("election"),
	}
}

// ID returns this participant's identity.
func (e *Election) ID() string { return e.id }

// IsLeader reports whether this participant currently holds the lease.
func (e *Election) IsLeader(ctx context.Context) (bool, error) {
	val, err := e.rdb.Get(ctx, e.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == e.id, nil
}

// tryAcquire attempts to take or renew the lease. It returns whether this
// participant is the leader afterwards.
func (e *Election) tryAcquire(ctx context.Context) (bool, error) {
	ok, err := e.rdb.SetNX(ctx, e.key, e.id, e.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	val, err := e.rdb.Get(ctx, e.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if val != e.id {
		return false, nil
	}
	// Still ours: extend the lease.
	if err := e.rdb.Expire(ctx, e.key, e.ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// Run drives the election until ctx is canceled, invoking onChange whenever
// leadership flips. While leading it renews at ttl/2; while following it
// retries every second; redis errors back off for five seconds.
func (e *Election) Run(ctx context.Context, onChange func(leader bool)) {
	var wasLeader bool
	for {
		leader, err := e.tryAcquire(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			e.log.Warn("election check failed", zap.Error(err))
			if !sleepCtx(ctx, errorBackoff) {
				return
			}
			continue
		case leader != wasLeader:
			wasLeader = leader
			e.log.Info("leadership changed", zap.Bool("leader", leader))
			if onChange != nil {
				onChange(leader)
			}
		}

		wait := notLeaderRetry
		if leader {
			wait = e.ttl / 2
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// Resign drops the lease if this participant holds it.
func (e *Election) Resign(ctx context.Context) error {
	val, err := e.rdb.Get(ctx, e.key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if val != e.id {
		return nil
	}
	return e.rdb.Del(ctx, e.key).Err()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
