package janitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/VenkatGGG/leasekeeper/internal/lease"
)

// Janitor removes expired lease records from stores without native expiry.
// Expired leases are already invisible to every read; sweeping only bounds
// storage growth.
type Janitor struct {
	sweeper  lease.Sweeper
	interval time.Duration
	logger   *zap.Logger
}

func New(sweeper lease.Sweeper, interval time.Duration, logger *zap.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
	}
}

func (j *Janitor) Run(ctx context.Context) {
	if j.sweeper == nil {
		j.logger.Info("lease janitor disabled: store expires leases natively")
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("lease janitor started", zap.Duration("interval", j.interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = j.Sweep(ctx)
		}
	}
}

func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	removed, err := j.sweeper.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			j.logger.Warn("lease sweep failed", zap.Error(err))
		}
		return removed, err
	}
	if removed > 0 {
		j.logger.Debug("lease sweep removed expired leases", zap.Int("removed", removed))
	}
	return removed, nil
}
