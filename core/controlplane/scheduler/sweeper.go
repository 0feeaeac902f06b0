package scheduler

import (
	"context"
	"time"

	"github.com/cordum/tenantgate/core/infra/logging"
)

const sweeperLockKey = "sweeper"

type SweeperConfig struct {
	Horizon   time.Duration
	Interval  time.Duration
	BatchSize int64
	// Owner identifies this process in the sweeper lease. Random when empty.
	Owner string
}

// Sweeper deletes jobs whose completed_at is older than Horizon.
type Sweeper struct {
	store  RetentionStore
	locker Locker
	cfg    SweeperConfig
	token  string
	now    func() time.Time
}

func NewSweeper(store RetentionStore, locker Locker, cfg SweeperConfig) *Sweeper {
	if cfg.Horizon <= 0 {
		cfg.Horizon = 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Sweeper{store: store, locker: locker, cfg: cfg, token: leaseOwner(cfg.Owner), now: time.Now}
}

func (s *Sweeper) Start(ctx context.Context) {
	tickLoop(ctx, s.cfg.Interval, func(ctx context.Context) {
		runLeader(ctx, "sweeper", s.locker, sweeperLockKey, s.token, s.cfg.Interval, func(ctx context.Context) {
			s.Sweep(ctx)
		})
	})
}

// Sweep deletes expired jobs in batches and returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	cutoff := s.now().Add(-s.cfg.Horizon)
	total := 0
	for ctx.Err() == nil {
		n, err := s.store.DeleteCompletedBefore(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			logging.Error("sweeper", "delete completed jobs", "error", err)
			break
		}
		total += n
		if int64(n) < s.cfg.BatchSize {
			break
		}
	}
	if total > 0 {
		logging.Info("sweeper", "retention sweep", "deleted", total, "cutoff", cutoff.UTC().Format(time.RFC3339))
	}
	return total
}
