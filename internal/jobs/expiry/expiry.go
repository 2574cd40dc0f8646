package expiry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type sweeper interface {
	ProcessExpired(ctx context.Context) (int, error)
}

// Job sweeps lapsed subscriptions in the background so entitlements do
// not depend on a user hitting the lazy-expiry read path.
type Job struct {
	sweeper  sweeper
	interval time.Duration
	logger   *zap.Logger
}

func New(sweeper sweeper, interval time.Duration, logger *zap.Logger) *Job {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Job{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
	}
}

func (j *Job) Run(ctx context.Context) error {
	if j.sweeper == nil {
		return nil
	}

	transitioned, err := j.sweeper.ProcessExpired(ctx)
	if err != nil {
		return fmt.Errorf("sweep expired subscriptions: %w", err)
	}
	if transitioned > 0 {
		j.logger.Info("expired subscriptions swept", zap.Int("transitioned", transitioned))
	}
	return nil
}

// RunLoop executes the sweep on a fixed interval until the context is
// cancelled. Errors are logged and the loop keeps going.
func (j *Job) RunLoop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("subscription expiry sweep failed", zap.Error(err))
			}
		}
	}
}
