package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CompletionStore marks finished campaigns completed.
type CompletionStore interface {
	CompleteFinishedCampaigns(ctx context.Context, at time.Time) ([]uuid.UUID, error)
}

// CompletionSweeper periodically completes running campaigns whose messages
// have all left pending.
type CompletionSweeper struct {
	store   CompletionStore
	cron    *cron.Cron
	logger  *zap.Logger
	now     func() time.Time
	timeout time.Duration
}

// NewCompletionSweeper schedules the sweep on schedule, a standard cron
// expression or descriptor such as "@every 1m".
func NewCompletionSweeper(store CompletionStore, schedule string, logger *zap.Logger) (*CompletionSweeper, error) {
	s := &CompletionSweeper{
		store:   store,
		cron:    cron.New(),
		logger:  logger,
		now:     time.Now,
		timeout: 30 * time.Second,
	}

	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid completion sweep schedule %q: %w", schedule, err)
	}

	return s, nil
}

// Start runs the schedule in the background.
func (s *CompletionSweeper) Start() {
	s.cron.Start()
	s.logger.Info("completion sweeper started")
}

// Stop halts the schedule; the returned context is done once a running sweep
// has finished.
func (s *CompletionSweeper) Stop() context.Context {
	return s.cron.Stop()
}

func (s *CompletionSweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("completion sweep failed", zap.Error(err))
	}
}

// Sweep completes every finished campaign once and returns how many changed.
func (s *CompletionSweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := s.store.CompleteFinishedCampaigns(ctx, s.now())
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		s.logger.Info("campaign completed", zap.String("campaign_id", id.String()))
	}

	return len(ids), nil
}
