package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/tenantgate/core/infra/logging"
)

// LeaderResources names the leases taken by the reaper and the sweeper.
func LeaderResources() []string {
	return []string{reaperLockKey, sweeperLockKey}
}

func leaseOwner(owner string) string {
	if owner = strings.TrimSpace(owner); owner != "" {
		return owner
	}
	return uuid.NewString()
}

// runLeader runs fn only when this process wins key for ttl. The lease is
// renewed every ttl/3 while fn runs; if a renewal finds the lease gone, fn's
// context is cancelled. Without a locker fn always runs.
func runLeader(ctx context.Context, component string, locker Locker, key, token string, ttl time.Duration, fn func(context.Context)) {
	if locker == nil || key == "" || ttl <= 0 {
		fn(ctx)
		return
	}
	ok, err := locker.TryAcquireLock(ctx, key, token, ttl)
	if err != nil {
		logging.Error(component, "lock acquisition failed", "key", key, "error", err)
		return
	}
	if !ok {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepLease(runCtx, cancel, component, locker, key, token, ttl)
	}()
	fn(runCtx)
	cancel()
	<-done

	releaseCtx, cancelRelease := context.WithTimeout(context.WithoutCancel(ctx), storeOpTimeout)
	defer cancelRelease()
	if err := locker.ReleaseLock(releaseCtx, key, token); err != nil {
		logging.Warn(component, "lock release failed", "key", key, "error", err)
	}
}

func keepLease(ctx context.Context, lost context.CancelFunc, component string, locker Locker, key, token string, ttl time.Duration) {
	ticker := time.NewTicker(max(ttl/3, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := locker.Renew(ctx, key, token, ttl)
			if err != nil {
				if ctx.Err() == nil {
					logging.Warn(component, "lock renewal failed", "key", key, "error", err)
				}
				continue
			}
			if !held {
				logging.Warn(component, "lock lost; stopping", "key", key)
				lost()
				return
			}
		}
	}
}

// tickLoop calls tick every interval until ctx is done.
func tickLoop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}
