package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// SyncSource lists connections due for a periodic sync and queues them.
type SyncSource interface {
	ActiveConnectionIDs(ctx context.Context) ([]string, error)
	EnqueueSync(connectionID string) error
}

// SyncJob periodically queues a sync for every active connection. Each sync
// lands on its connection's lane behind any pending callback.
type SyncJob struct {
	cron         *cron.Cron
	source       SyncSource
	spec         string
	runOnStartup bool
	listTimeout  time.Duration
	logger       zerolog.Logger
}

// NewSyncJob validates spec (standard five-field cron syntax) and registers the job.
func NewSyncJob(source SyncSource, spec string, runOnStartup bool, logger zerolog.Logger) (*SyncJob, error) {
	logger = logger.With().Str("component", "sync_job").Logger()
	cronLogger := logger
	c := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(&cronLogger))))

	j := &SyncJob{
		cron:         c,
		source:       source,
		spec:         spec,
		runOnStartup: runOnStartup,
		listTimeout:  30 * time.Second,
		logger:       logger,
	}
	if _, err := c.AddFunc(spec, j.run); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return j, nil
}

// Start launches the cron loop.
func (j *SyncJob) Start() {
	j.logger.Info().Str("schedule", j.spec).Msg("Scheduled periodic connection sync")
	if j.runOnStartup {
		go j.run()
	}
	j.cron.Start()
}

// Stop halts scheduling; the returned context is done once a running trigger returns.
func (j *SyncJob) Stop() context.Context {
	return j.cron.Stop()
}

func (j *SyncJob) run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.listTimeout)
	defer cancel()
	queued, failed, err := j.RunOnce(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("Periodic sync failed")
		return
	}
	j.logger.Info().Int("queued", queued).Int("failed", failed).Msg("Periodic sync queued")
}

// RunOnce queues one sync per active connection and reports how many were
// queued and how many were rejected.
func (j *SyncJob) RunOnce(ctx context.Context) (queued, failed int, err error) {
	ids, err := j.source.ActiveConnectionIDs(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list connections: %w", err)
	}
	for _, id := range ids {
		if err := j.source.EnqueueSync(id); err != nil {
			failed++
			j.logger.Warn().Err(err).Str("connection_id", id).Msg("Failed to queue sync")
			continue
		}
		queued++
	}
	return queued, failed, nil
}
