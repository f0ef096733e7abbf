package campaign

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/beacon/internal/apperr"
	"github.com/lalithlochan/beacon/internal/metrics"
	"github.com/lalithlochan/beacon/internal/queue"
)

const recentJobLimit = 10

var recentJobStates = []queue.JobState{queue.StateCompleted, queue.StateFailed, queue.StateActive}

// QueueInspector is the read side of the job queue.
type QueueInspector interface {
	Counts(ctx context.Context, queueName string) (*queue.Counts, error)
	GetJobs(ctx context.Context, queueName string, states []queue.JobState, limit int) ([]*queue.Job, error)
	GetJobState(ctx context.Context, queueName, id string) (queue.JobState, error)
}

// JobSummary is one recent job as shown by the status endpoint.
type JobSummary struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	State        queue.JobState  `json:"state"`
	Data         json.RawMessage `json:"data"`
	AttemptsMade int             `json:"attemptsMade"`
	FailedReason string          `json:"failedReason,omitempty"`
	Timestamp    int64           `json:"timestamp"`
	ProcessedOn  int64           `json:"processedOn,omitempty"`
	FinishedOn   int64           `json:"finishedOn,omitempty"`
}

// QueueStatus is the counts and recent jobs of one queue.
type QueueStatus struct {
	queue.Counts
	RecentJobs []JobSummary `json:"recentJobs"`
}

// Status is a snapshot of every monitored queue.
type Status struct {
	Queues    map[string]*QueueStatus `json:"queues"`
	Timestamp time.Time               `json:"timestamp"`
}

// QueueMonitor aggregates queue counts and recent jobs.
type QueueMonitor struct {
	inspector QueueInspector
	queues    []string
	logger    *zap.Logger
	now       func() time.Time
}

// NewQueueMonitor watches the named queues; with none given it watches the
// sms and campaign queues.
func NewQueueMonitor(inspector QueueInspector, logger *zap.Logger, queues ...string) *QueueMonitor {
	if len(queues) == 0 {
		queues = []string{queue.SMS, queue.Campaign}
	}
	return &QueueMonitor{
		inspector: inspector,
		queues:    queues,
		logger:    logger,
		now:       time.Now,
	}
}

// Status reads every queue in parallel and resolves each recent job's state
// in parallel. The first failing collaborator call aborts the whole read.
func (m *QueueMonitor) Status(ctx context.Context) (*Status, error) {
	results := make([]*QueueStatus, len(m.queues))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range m.queues {
		g.Go(func() error {
			qs, err := m.queueStatus(gctx, name)
			if err != nil {
				return err
			}
			results[i] = qs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Error("queue status read failed", zap.Error(err))
		return nil, apperr.Upstream("read queue status", err)
	}

	status := &Status{
		Queues:    make(map[string]*QueueStatus, len(m.queues)),
		Timestamp: m.now().UTC(),
	}
	for i, name := range m.queues {
		status.Queues[name] = results[i]
		metrics.SetQueueJobs(name, string(queue.StateWaiting), results[i].Waiting)
		metrics.SetQueueJobs(name, string(queue.StateActive), results[i].Active)
		metrics.SetQueueJobs(name, string(queue.StateCompleted), results[i].Completed)
		metrics.SetQueueJobs(name, string(queue.StateFailed), results[i].Failed)
	}

	return status, nil
}

func (m *QueueMonitor) queueStatus(ctx context.Context, name string) (*QueueStatus, error) {
	counts, err := m.inspector.Counts(ctx, name)
	if err != nil {
		return nil, err
	}

	jobs, err := m.inspector.GetJobs(ctx, name, recentJobStates, recentJobLimit)
	if err != nil {
		return nil, err
	}
	if len(jobs) > recentJobLimit {
		jobs = jobs[:recentJobLimit]
	}

	summaries := make([]JobSummary, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	for i, job := range jobs {
		g.Go(func() error {
			state, err := m.inspector.GetJobState(gctx, name, job.ID)
			if err != nil {
				return err
			}
			summaries[i] = JobSummary{
				ID:           job.ID,
				Name:         job.Name,
				State:        state,
				Data:         job.Data,
				AttemptsMade: job.AttemptsMade,
				FailedReason: job.FailedReason,
				Timestamp:    job.Timestamp,
				ProcessedOn:  job.ProcessedOn,
				FinishedOn:   job.FinishedOn,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &QueueStatus{Counts: *counts, RecentJobs: summaries}, nil
}
