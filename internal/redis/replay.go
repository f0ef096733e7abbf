package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// ReplayTTL is how long a processed webhook stays remembered. Providers
	// retry callbacks for a few hours at most.
	ReplayTTL = 24 * time.Hour

	// processingTTL bounds the lock held while a webhook is being applied.
	processingTTL = 2 * time.Minute

	processingMarker = "processing"
	doneMarker       = "done"
)

// ReplayGuard remembers which provider callbacks were already handled so a
// retried delivery report is acknowledged without being applied twice.
type ReplayGuard struct {
	client *Client
	logger *zap.Logger
}

// NewReplayGuard creates a replay guard.
func NewReplayGuard(client *Client, logger *zap.Logger) *ReplayGuard {
	return &ReplayGuard{
		client: client,
		logger: logger,
	}
}

func (g *ReplayGuard) buildKey(messageSid, status string) string {
	return fmt.Sprintf("webhook:%s:%s", messageSid, strings.ToLower(status))
}

// Reserve claims a (message, status) callback using SET NX. It returns false
// when the same callback is already being processed or was processed.
func (g *ReplayGuard) Reserve(ctx context.Context, messageSid, status string) (bool, error) {
	set, err := g.client.rdb.SetNX(ctx, g.buildKey(messageSid, status), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		g.logger.Debug("webhook replay detected",
			zap.String("message_sid", messageSid),
			zap.String("status", status),
		)
	}
	return set, nil
}

// Complete records a reserved callback as processed for ReplayTTL.
func (g *ReplayGuard) Complete(ctx context.Context, messageSid, status string) error {
	if err := g.client.rdb.Set(ctx, g.buildKey(messageSid, status), doneMarker, ReplayTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Release drops a reservation so the provider's next retry is processed.
func (g *ReplayGuard) Release(ctx context.Context, messageSid, status string) error {
	if err := g.client.rdb.Del(ctx, g.buildKey(messageSid, status)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
