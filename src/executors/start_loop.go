package executors

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradeengine/src/dca"
	"tradeengine/src/execution"
	"tradeengine/src/session"
)

// StartLoop drives the periodic work: due-strategy scans on every tick,
// plus session cleanup and the stale-record sweep on a slower cadence.
// Blocks until ctx is cancelled; individual cycle errors are logged and
// absorbed.
func StartLoop(ctx context.Context, scheduler *dca.Scheduler, enforcer *session.Enforcer, manager *execution.Manager) error {
	config := GetConfig()

	ticker := time.NewTicker(config.LoopPeriod) // Set up a ticker that fires periodically
	defer ticker.Stop()

	cleanup := time.NewTicker(config.CleanupPeriod)
	defer cleanup.Stop()

	logger.WithField("period", config.LoopPeriod).Info("scheduler loop started")

	for {
		select {
		case <-ctx.Done():
			logger.Println("loop stopped")
			return nil

		case <-ticker.C:
			now := time.Now()
			picked, err := scheduler.RunDue(ctx, now)
			if err != nil {
				logger.WithError(err).Error("due-strategy scan failed")
				continue
			}
			if picked > 0 {
				logger.WithField("picked", picked).Info("scheduler cycle done")
			}

		case <-cleanup.C:
			now := time.Now()
			expired, err := enforcer.CleanupExpired(ctx, now)
			if err != nil {
				logger.WithError(err).Error("session cleanup failed")
			} else if expired > 0 {
				logger.WithField("expired", expired).Info("sessions expired")
			}

			swept, err := manager.ExpireStale(ctx, now, config.StaleSweepAge)
			if err != nil {
				logger.WithError(err).Error("stale-record sweep failed")
			} else if swept > 0 {
				logger.WithField("swept", swept).Warn("stale executions failed out")
			}
		}
	}
}
