// Package worker drains the campaign and send queues: campaign jobs fan out
// into per-recipient messages, send jobs hand messages to a provider.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/queue"
)

// JobQueue is the consumer side of the job queue.
type JobQueue interface {
	Next(ctx context.Context, queueName string) (*queue.Job, error)
	Complete(ctx context.Context, job *queue.Job) error
	Fail(ctx context.Context, job *queue.Job, cause error) error
}

// Handler processes one job. A returned error fails the attempt.
type Handler interface {
	Handle(ctx context.Context, job *queue.Job) error
}

type Worker struct {
	queue     JobQueue
	queueName string
	handler   Handler
	config    Config
	logger    *zap.Logger
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// New creates a worker that polls queueName and passes jobs to handler.
func New(q JobQueue, queueName string, handler Handler, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}

	return &Worker{
		queue:     q,
		queueName: queueName,
		handler:   handler,
		config:    cfg,
		logger:    logger.With(zap.String("queue", queueName)),
	}
}

// Start polls until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Info("worker started", zap.Duration("poll_interval", w.config.PollInterval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

// processBatch handles up to BatchSize jobs and reports how many it took.
func (w *Worker) processBatch(ctx context.Context) int {
	processed := 0
	for processed < w.config.BatchSize {
		if ctx.Err() != nil {
			return processed
		}

		job, err := w.queue.Next(ctx, w.queueName)
		if err != nil {
			w.logger.Error("failed to fetch next job", zap.Error(err))
			return processed
		}
		if job == nil {
			return processed
		}

		w.processJob(ctx, job)
		processed++
	}
	return processed
}

func (w *Worker) processJob(ctx context.Context, job *queue.Job) {
	if err := w.handler.Handle(ctx, job); err != nil {
		w.logger.Error("job failed",
			zap.Error(err),
			zap.String("job_id", job.ID),
			zap.String("job_name", job.Name),
			zap.Int("attempt", job.AttemptsMade),
		)
		if ferr := w.queue.Fail(ctx, job, err); ferr != nil {
			w.logger.Error("failed to record job failure", zap.Error(ferr), zap.String("job_id", job.ID))
		}
		return
	}

	if err := w.queue.Complete(ctx, job); err != nil {
		w.logger.Error("failed to complete job", zap.Error(err), zap.String("job_id", job.ID))
	}
}
