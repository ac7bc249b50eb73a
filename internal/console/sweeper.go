package console

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/jiawesoft/jiascheduler-sub000/internal/registry"
)

const (
	sweepInterval   = 30 * time.Second
	heartbeatExpiry = 60 * time.Second
)

// Sweeper marks instances offline when their heartbeats go stale. Only the
// console holding the leader lease sweeps, so replicas do not race each
// other over the same rows.
type Sweeper struct {
	db       *gorm.DB
	election *registry.Election
	leading  atomic.Bool
	log      *zap.Logger
}

func NewSweeper(db *gorm.DB, election *registry.Election, logger *zap.Logger) *Sweeper {
	return &Sweeper{db: db, election: election, log: logger.Named("sweeper")}
}

// Run maintains the leader lease and sweeps on every tick while leading.
// It blocks until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	go s.election.Run(ctx, func(leading bool) {
		s.leading.Store(leading)
		if leading {
			s.log.Info("acquired sweep leadership")
		} else {
			s.log.Info("lost sweep leadership")
		}
	})

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !s.leading.Load() {
				continue
			}
			s.sweep(ctx)
		}
	}
}

// sweep flips every online instance whose last heartbeat is older than the
// expiry window. Instances that never heartbeated since creation are aged
// by their updated_at instead.
func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-heartbeatExpiry)
	res := s.db.WithContext(ctx).Model(&Instance{}).
		Where("status = ?", instanceOnline).
		Where("(last_heartbeat_at IS NOT NULL AND last_heartbeat_at < ?) OR (last_heartbeat_at IS NULL AND updated_at < ?)", cutoff, cutoff).
		Update("status", instanceOffline)
	if res.Error != nil {
		s.log.Error("sweep failed", zap.Error(res.Error))
		return
	}
	if res.RowsAffected > 0 {
		s.log.Info("swept stale instances", zap.Int64("count", res.RowsAffected))
	}
}
