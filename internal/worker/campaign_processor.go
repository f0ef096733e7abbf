package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/campaign"
	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/queue"
)

// CampaignStore is what the campaign fan-out reads and writes.
type CampaignStore interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	GetContacts(ctx context.Context, ids []uuid.UUID) ([]*db.Contact, error)
	CreateMessage(ctx context.Context, m *db.Message) (*db.Message, bool, error)
	ApplyTransition(ctx context.Context, t db.StatusTransition) (bool, error)
}

// CampaignProcessor turns a process-campaign job into one message row and one
// send job per recipient. Reprocessing a job is safe: message rows are unique
// per campaign, contact and channel and send jobs are deduplicated by id.
type CampaignProcessor struct {
	store  CampaignStore
	queue  campaign.Queue
	logger *zap.Logger
	now    func() time.Time
}

// NewCampaignProcessor creates a campaign fan-out handler.
func NewCampaignProcessor(store CampaignStore, q campaign.Queue, logger *zap.Logger) *CampaignProcessor {
	return &CampaignProcessor{store: store, queue: q, logger: logger, now: time.Now}
}

// Handle processes one process-campaign job.
func (p *CampaignProcessor) Handle(ctx context.Context, job *queue.Job) error {
	var payload campaign.ProcessCampaignJob
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return fmt.Errorf("decode campaign job: %w", err)
	}
	campaignID, err := uuid.Parse(payload.CampaignID)
	if err != nil {
		return fmt.Errorf("invalid campaign id %q: %w", payload.CampaignID, err)
	}

	c, err := p.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if c.Status == db.CampaignPaused || c.Status == db.CampaignCancelled {
		p.logger.Info("skipping campaign job",
			zap.String("campaign_id", c.ID.String()),
			zap.String("status", c.Status),
		)
		return nil
	}

	ids := make([]uuid.UUID, 0, len(payload.RecipientIDs))
	for _, raw := range payload.RecipientIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			p.logger.Warn("skipping invalid recipient id", zap.String("recipient_id", raw))
			continue
		}
		ids = append(ids, id)
	}

	contacts, err := p.store.GetContacts(ctx, ids)
	if err != nil {
		return fmt.Errorf("load contacts: %w", err)
	}

	channel := c.Channel()
	queued, undeliverable := 0, 0
	for _, contact := range contacts {
		ok, err := p.dispatch(ctx, c, channel, contact)
		if err != nil {
			return err
		}
		if ok {
			queued++
		} else {
			undeliverable++
		}
	}

	p.logger.Info("campaign fanned out",
		zap.String("campaign_id", c.ID.String()),
		zap.String("channel", channel),
		zap.Int("queued", queued),
		zap.Int("undeliverable", undeliverable),
	)

	return nil
}

// dispatch records the contact's message and queues its send. It reports
// false when the contact has no address on channel; that message is failed
// straight away so the campaign can still complete.
func (p *CampaignProcessor) dispatch(ctx context.Context, c *db.Campaign, channel string, contact *db.Contact) (bool, error) {
	destination := contact.PhoneNumber
	if channel == db.ChannelEmail {
		destination = contact.Email
	}

	msg, _, err := p.store.CreateMessage(ctx, &db.Message{
		CampaignID:  c.ID,
		ContactID:   contact.ID,
		Channel:     channel,
		Destination: destination,
		Content:     campaign.Render(c.MessageTemplate, contact),
		Subject:     campaign.Render(c.Subject, contact),
	})
	if err != nil {
		return false, fmt.Errorf("create message for contact %s: %w", contact.ID, err)
	}
	if msg.Status != db.StatusPending {
		return true, nil
	}

	if destination == "" {
		reason := fmt.Sprintf("contact has no %s address", channel)
		if _, err := p.store.ApplyTransition(ctx, db.StatusTransition{
			MessageID:    msg.ID,
			From:         []string{db.StatusPending},
			To:           db.StatusFailed,
			At:           p.now(),
			ErrorMessage: &reason,
			Counter:      db.CounterFailed,
		}); err != nil {
			return false, fmt.Errorf("fail undeliverable message: %w", err)
		}
		return false, nil
	}

	_, err = p.queue.Enqueue(ctx, campaign.QueueForChannel(channel), campaign.JobSendMessage, campaign.SendMessageJob{
		MessageID:  msg.ID.String(),
		CampaignID: c.ID.String(),
		Channel:    channel,
	}, campaign.SendJobOptions(msg.ID, msg.RetryCount))
	if err != nil {
		return false, fmt.Errorf("enqueue send for message %s: %w", msg.ID, err)
	}

	return true, nil
}
