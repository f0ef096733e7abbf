package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/apperr"
	"github.com/lalithlochan/beacon/internal/campaign"
	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/metrics"
	"github.com/lalithlochan/beacon/internal/queue"
)

// MessageStore is what the send handler reads and writes.
type MessageStore interface {
	GetMessage(ctx context.Context, id uuid.UUID) (*db.Message, error)
	ApplyTransition(ctx context.Context, t db.StatusTransition) (bool, error)
}

// MessageProcessor sends one pending message per send-message job.
type MessageProcessor struct {
	store  MessageStore
	sender Sender
	logger *zap.Logger
	now    func() time.Time
}

// NewMessageProcessor creates a send handler.
func NewMessageProcessor(store MessageStore, sender Sender, logger *zap.Logger) *MessageProcessor {
	return &MessageProcessor{store: store, sender: sender, logger: logger, now: time.Now}
}

// Handle sends the job's message. Provider errors are returned so the queue
// retries; on the last attempt the message is marked failed first.
func (p *MessageProcessor) Handle(ctx context.Context, job *queue.Job) error {
	var payload campaign.SendMessageJob
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return fmt.Errorf("decode send job: %w", err)
	}
	id, err := uuid.Parse(payload.MessageID)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", payload.MessageID, err)
	}

	msg, err := p.store.GetMessage(ctx, id)
	if apperr.IsNotFound(err) {
		p.logger.Info("message gone, dropping send job", zap.String("message_id", id.String()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if msg.Status != db.StatusPending {
		p.logger.Debug("message already processed",
			zap.String("message_id", id.String()),
			zap.String("status", msg.Status),
		)
		return nil
	}

	start := p.now()
	providerID, sendErr := p.sender.Send(ctx, msg)
	latency := p.now().Sub(start)

	if sendErr != nil {
		metrics.RecordMessageProcessed(msg.Channel, db.StatusFailed, latency)
		if job.AttemptsMade < job.MaxAttempts {
			return sendErr
		}

		reason := sendErr.Error()
		if _, err := p.store.ApplyTransition(ctx, db.StatusTransition{
			MessageID:    msg.ID,
			From:         []string{db.StatusPending},
			To:           db.StatusFailed,
			At:           p.now(),
			ErrorMessage: &reason,
			Counter:      db.CounterFailed,
		}); err != nil {
			return fmt.Errorf("mark message failed: %w", err)
		}
		return sendErr
	}

	metrics.RecordMessageProcessed(msg.Channel, db.StatusSent, latency)
	applied, err := p.store.ApplyTransition(ctx, db.StatusTransition{
		MessageID:         msg.ID,
		From:              []string{db.StatusPending},
		To:                db.StatusSent,
		At:                p.now(),
		ProviderMessageID: &providerID,
		ProviderResponse:  map[string]any{"provider_message_id": providerID, "send_latency_ms": latency.Milliseconds()},
		Counter:           db.CounterSent,
	})
	if err != nil {
		// The provider already accepted the message; retrying would send it twice.
		p.logger.Error("message sent but status update failed",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
			zap.String("provider_message_id", providerID),
		)
		return nil
	}
	if !applied {
		p.logger.Warn("message changed status while sending",
			zap.String("message_id", msg.ID.String()),
			zap.String("provider_message_id", providerID),
		)
	}

	return nil
}
