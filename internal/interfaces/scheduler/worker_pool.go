package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"moneymanager/internal/domain/banksync"
)

var (
	jobTracer          = otel.Tracer("moneymanager/scheduler")
	jobMeter           = otel.Meter("moneymanager/scheduler")
	jobDuration, _     = jobMeter.Float64Histogram("scheduler.job.duration", metric.WithDescription("Job execution duration in seconds"), metric.WithUnit("s"))
	jobTotal, _        = jobMeter.Int64Counter("scheduler.job.total", metric.WithDescription("Total jobs executed by status"))
	jobQueueDropped, _ = jobMeter.Int64Counter("scheduler.job.queue_dropped", metric.WithDescription("Jobs dropped due to full queue"))
	activeLanes, _     = jobMeter.Int64UpDownCounter("scheduler.lanes.active", metric.WithDescription("Keys with queued or running jobs"))
)

var (
	// ErrQueueFull is returned when a key's lane has no room. It wraps
	// banksync.ErrQueueFull.
	ErrQueueFull = fmt.Errorf("scheduler: %w", banksync.ErrQueueFull)
	ErrShutdown  = errors.New("scheduler: worker pool is shut down")
)

// WorkerPool runs jobs on per-key FIFO lanes. Jobs sharing a key run one at
// a time in submission order; different keys run in parallel, at most
// workerCount at once. A lane's goroutine exits when its queue drains.
type WorkerPool struct {
	queueSize  int
	jobTimeout time.Duration
	slots      *semaphore.Weighted
	logger     zerolog.Logger

	mu     sync.Mutex
	lanes  map[string]chan func(ctx context.Context)
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

var _ banksync.Submitter = (*WorkerPool)(nil)

// NewWorkerPool creates a pool. queueSize bounds the jobs waiting per key and
// jobTimeout bounds each job's context.
func NewWorkerPool(workerCount, queueSize int, jobTimeout time.Duration, logger zerolog.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		queueSize:  queueSize,
		jobTimeout: jobTimeout,
		slots:      semaphore.NewWeighted(int64(workerCount)),
		logger:     logger.With().Str("component", "worker_pool").Logger(),
		lanes:      make(map[string]chan func(ctx context.Context)),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Submit queues task on key's lane without blocking.
func (wp *WorkerPool) Submit(key string, task func(ctx context.Context)) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.closed {
		return ErrShutdown
	}

	lane, ok := wp.lanes[key]
	if !ok {
		lane = make(chan func(ctx context.Context), wp.queueSize)
		wp.lanes[key] = lane
		wp.wg.Add(1)
		activeLanes.Add(context.Background(), 1)
		go wp.run(key, lane)
	}

	select {
	case lane <- task:
		return nil
	default:
		jobQueueDropped.Add(context.Background(), 1)
		wp.logger.Warn().Str("key", key).Msg("Job queue full, dropping job")
		return fmt.Errorf("%w: %s", ErrQueueFull, key)
	}
}

// run drains a lane. The emptiness check and the lane removal happen under
// the pool lock, the same lock Submit sends under, so no job is stranded.
func (wp *WorkerPool) run(key string, lane chan func(ctx context.Context)) {
	defer wp.wg.Done()
	defer activeLanes.Add(context.Background(), -1)

	for {
		wp.mu.Lock()
		var task func(ctx context.Context)
		select {
		case task = <-lane:
		default:
			delete(wp.lanes, key)
			wp.mu.Unlock()
			return
		}
		wp.mu.Unlock()

		if err := wp.slots.Acquire(wp.ctx, 1); err != nil {
			wp.logger.Warn().Str("key", key).Msg("Worker pool stopped, dropping queued job")
			continue
		}
		wp.processJob(key, task)
		wp.slots.Release(1)
	}
}

// processJob executes a single job with panic recovery, logging and telemetry.
func (wp *WorkerPool) processJob(key string, task func(ctx context.Context)) {
	ctx := wp.ctx
	if wp.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wp.jobTimeout)
		defer cancel()
	}

	ctx, span := jobTracer.Start(ctx, "job.execute",
		trace.WithAttributes(attribute.String("job.key", key)),
	)
	defer span.End()

	start := time.Now()
	status := "success"
	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			span.SetStatus(codes.Error, fmt.Sprint(r))
			wp.logger.Error().Str("key", key).Interface("panic", r).Msg("Job panicked")
		}
		jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
		jobDuration.Record(ctx, time.Since(start).Seconds())
	}()

	task(ctx)
	if ctx.Err() != nil {
		status = "timeout"
		wp.logger.Warn().Str("key", key).Err(ctx.Err()).Msg("Job context ended before completion")
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish. When ctx
// ends first, running jobs are cancelled and the rest are dropped.
func (wp *WorkerPool) Shutdown(ctx context.Context) error {
	wp.mu.Lock()
	wp.closed = true
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.cancel()
		wp.logger.Info().Msg("Worker pool: all lanes drained")
		return nil
	case <-ctx.Done():
		wp.cancel()
		<-done
		wp.logger.Warn().Msg("Worker pool: shutdown timeout reached, cancelled remaining jobs")
		return ctx.Err()
	}
}
