// Package scheduler runs the periodic token refresh.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/instagram-connect/internal/service/token"
)

// Refresher refreshes every stored token that is close to expiry.
type Refresher interface {
	RefreshAll(ctx context.Context, now time.Time) (token.RefreshReport, error)
}

// RefreshJob calls RefreshAll on start and on every tick.
type RefreshJob struct {
	refresher Refresher
	interval  time.Duration
	logger    *zap.Logger
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRefreshJob(refresher Refresher, interval time.Duration, logger *zap.Logger) *RefreshJob {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.L()
	}
	return &RefreshJob{refresher: refresher, interval: interval, logger: logger, now: time.Now}
}

// RunOnce performs a single refresh pass.
func (j *RefreshJob) RunOnce(ctx context.Context) (token.RefreshReport, error) {
	report, err := j.refresher.RefreshAll(ctx, j.now())
	if err != nil {
		j.logger.Error("token refresh failed", zap.Error(err))
		return report, err
	}
	j.logger.Info("token refresh finished",
		zap.Int("checked", report.Checked),
		zap.Int("refreshed", report.Refreshed),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// Start runs the job in the background until Stop is called.
func (j *RefreshJob) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.loop(ctx)
	}()
}

// Stop cancels the job and waits for the running pass, bounded by ctx.
func (j *RefreshJob) Stop(ctx context.Context) error {
	if j.cancel == nil {
		return nil
	}
	j.cancel()

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *RefreshJob) loop(ctx context.Context) {
	_, _ = j.RunOnce(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = j.RunOnce(ctx)
		}
	}
}

// Register ties the job to the fx lifecycle.
func Register(lc fx.Lifecycle, job *RefreshJob) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			job.Start()
			return nil
		},
		OnStop: job.Stop,
	})
}
