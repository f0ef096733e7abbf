// Package campaign owns the campaign status machine, recipient bookkeeping
// and delivery reconciliation. Persistence and job dispatch are reached
// through the Store and Queue interfaces.
package campaign

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/apperr"
	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/metrics"
	"github.com/lalithlochan/beacon/internal/queue"
)

// Job names and retention used for campaign dispatch.
const (
	JobProcessCampaign = "process-campaign"
	JobSendMessage     = "send-message"

	keepCompletedJobs = 100
	keepFailedJobs    = 50
	campaignAttempts  = 3
	messageAttempts   = 3
)

// Store is the datastore the manager works against.
type Store interface {
	CreateCampaign(ctx context.Context, c *db.Campaign) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	ListCampaigns(ctx context.Context, limit, offset int) ([]*db.Campaign, error)
	ResolveRecipients(ctx context.Context, filters db.Filters, restrictTo []uuid.UUID) ([]uuid.UUID, error)
	MarkCampaignRunning(ctx context.Context, id uuid.UUID, total int) (bool, error)
	UpdateRecipients(ctx context.Context, id uuid.UUID, fn func(existing []uuid.UUID) []uuid.UUID) (*db.Campaign, error)
	UpdateCampaignStatus(ctx context.Context, id uuid.UUID, status string, completedAt *time.Time) (*db.Campaign, error)
	ListRecipients(ctx context.Context, campaignID uuid.UUID, channel string, contactIDs []uuid.UUID) ([]*db.Recipient, error)

	ListMessages(ctx context.Context, campaignID uuid.UUID, channel string) ([]*db.Message, error)
	ListMessagesByStatus(ctx context.Context, channel, status string) ([]*db.Message, error)
	GetMessageByProviderID(ctx context.Context, providerID string) (*db.Message, error)
	ApplyTransition(ctx context.Context, t db.StatusTransition) (bool, error)
	MergeProviderResponse(ctx context.Context, id uuid.UUID, patch map[string]any) error
	ResetFailedMessage(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	DeletePendingMessages(ctx context.Context, channel string) (int64, error)
	DeleteMessage(ctx context.Context, id uuid.UUID) (string, error)
}

// Queue submits jobs. Enqueue must return the existing job when opts.JobID is
// already taken.
type Queue interface {
	Enqueue(ctx context.Context, queueName, jobName string, data any, opts queue.JobOptions) (*queue.Job, error)
}

// EventSink receives messages whose delivery status changed.
type EventSink interface {
	PublishDelivery(ctx context.Context, msg *db.Message, providerStatus string) error
}

// ProcessCampaignJob is the payload of a process-campaign job.
type ProcessCampaignJob struct {
	CampaignID   string   `json:"campaignId"`
	CampaignType string   `json:"campaignType"`
	RecipientIDs []string `json:"recipientIds"`
}

// SendMessageJob is the payload of a send-message job.
type SendMessageJob struct {
	MessageID  string `json:"messageId"`
	CampaignID string `json:"campaignId"`
	Channel    string `json:"channel"`
}

// CampaignJobID is the deterministic job id for a campaign's processing job.
func CampaignJobID(id uuid.UUID) string {
	return "campaign-" + id.String()
}

// MessageJobID is the job id for a send attempt. Retries get their own id so
// they are not swallowed by the retained job of the earlier attempt.
func MessageJobID(id uuid.UUID, retry int) string {
	if retry == 0 {
		return "message-" + id.String()
	}
	return fmt.Sprintf("message-%s-retry-%d", id, retry)
}

// SendJobOptions returns the queue options for attempt retry of message id.
func SendJobOptions(id uuid.UUID, retry int) queue.JobOptions {
	return queue.JobOptions{
		JobID:         MessageJobID(id, retry),
		KeepCompleted: keepCompletedJobs,
		KeepFailed:    keepFailedJobs,
		MaxAttempts:   messageAttempts,
	}
}

// QueueForChannel returns the queue that carries sends for channel.
func QueueForChannel(channel string) string {
	if channel == db.ChannelEmail {
		return queue.Email
	}
	return queue.SMS
}

// Manager implements the campaign and message lifecycle.
type Manager struct {
	store  Store
	queue  Queue
	events EventSink
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a manager. events may be nil.
func NewManager(store Store, q Queue, events EventSink, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		queue:  q,
		events: events,
		logger: logger,
		now:    time.Now,
	}
}

// CreateInput holds the fields accepted when creating a campaign.
type CreateInput struct {
	Name              string
	Description       string
	MessageTemplate   string
	Subject           string
	CampaignType      string
	RecipientContacts []uuid.UUID
	Filters           db.Filters
}

// CreateCampaign stores a new draft campaign.
func (m *Manager) CreateCampaign(ctx context.Context, in CreateInput) (*db.Campaign, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, apperr.Validation("name is required")
	}
	if strings.TrimSpace(in.MessageTemplate) == "" {
		return nil, apperr.Validation("message_template is required")
	}
	if in.CampaignType == "" {
		in.CampaignType = db.CampaignTypeSMS
	}

	c := &db.Campaign{
		Name:              in.Name,
		Description:       in.Description,
		MessageTemplate:   in.MessageTemplate,
		Subject:           in.Subject,
		CampaignType:      in.CampaignType,
		Status:            db.CampaignDraft,
		RecipientContacts: mergeRecipients(nil, in.RecipientContacts),
		Filters:           in.Filters,
	}
	if err := m.store.CreateCampaign(ctx, c); err != nil {
		return nil, apperr.Upstream("create campaign", err)
	}

	return c, nil
}

// GetCampaign returns a campaign or a NotFound error.
func (m *Manager) GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error) {
	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, apperr.Upstream("load campaign", err)
	}
	return c, nil
}

// ListCampaigns returns a page of campaigns, newest first.
func (m *Manager) ListCampaigns(ctx context.Context, limit, offset int) ([]*db.Campaign, error) {
	campaigns, err := m.store.ListCampaigns(ctx, limit, offset)
	if err != nil {
		return nil, apperr.Upstream("list campaigns", err)
	}
	return campaigns, nil
}

// StartResult is returned by Start.
type StartResult struct {
	TotalRecipients int
	JobID           string
}

// Start resolves the recipients of a draft campaign, marks it running and
// enqueues its processing job. The draft check is repeated by the datastore
// so two concurrent starts cannot both succeed, and the job id is derived
// from the campaign id so the queue drops a duplicate submission.
func (m *Manager) Start(ctx context.Context, id uuid.UUID) (*StartResult, error) {
	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, apperr.Upstream("load campaign", err)
	}
	if c.Status != db.CampaignDraft {
		return nil, apperr.InvalidState("campaign is %s; only draft campaigns can be started", c.Status)
	}

	recipients, err := m.store.ResolveRecipients(ctx, c.Filters, c.RecipientContacts)
	if err != nil {
		return nil, apperr.Upstream("resolve recipients", err)
	}
	if len(recipients) == 0 {
		return nil, apperr.EmptyResult("no active contacts match this campaign")
	}

	started, err := m.store.MarkCampaignRunning(ctx, id, len(recipients))
	if err != nil {
		return nil, apperr.Upstream("update campaign", err)
	}
	if !started {
		return nil, apperr.InvalidState("campaign is no longer a draft")
	}

	ids := make([]string, len(recipients))
	for i, r := range recipients {
		ids[i] = r.String()
	}

	job, err := m.queue.Enqueue(ctx, queue.Campaign, JobProcessCampaign, ProcessCampaignJob{
		CampaignID:   id.String(),
		CampaignType: c.CampaignType,
		RecipientIDs: ids,
	}, queue.JobOptions{
		JobID:         CampaignJobID(id),
		KeepCompleted: keepCompletedJobs,
		KeepFailed:    keepFailedJobs,
		MaxAttempts:   campaignAttempts,
	})
	if err != nil {
		m.logger.Error("campaign marked running but job enqueue failed",
			zap.Error(err),
			zap.String("campaign_id", id.String()),
		)
		return nil, apperr.Upstream("enqueue campaign job", err)
	}

	metrics.RecordCampaignStarted(c.CampaignType)
	m.logger.Info("campaign started",
		zap.String("campaign_id", id.String()),
		zap.Int("total_recipients", len(recipients)),
		zap.String("job_id", job.ID),
	)

	return &StartResult{TotalRecipients: len(recipients), JobID: job.ID}, nil
}

// AssignResult is returned by AssignRecipients.
type AssignResult struct {
	AssignedContacts int
	TotalRecipients  int
	NewRecipients    int
}

// AssignRecipients replaces or extends a campaign's recipient list. The list
// stays duplicate free in first-seen order and total_recipients follows its
// size. Any campaign status is accepted.
func (m *Manager) AssignRecipients(ctx context.Context, id uuid.UUID, contactIDs []uuid.UUID, replace bool) (*AssignResult, error) {
	if len(contactIDs) == 0 {
		return nil, apperr.Validation("contactIds must be a non-empty array")
	}

	assigned := mergeRecipients(nil, contactIDs)
	added := 0

	c, err := m.store.UpdateRecipients(ctx, id, func(existing []uuid.UUID) []uuid.UUID {
		prev := make(map[uuid.UUID]struct{}, len(existing))
		for _, e := range existing {
			prev[e] = struct{}{}
		}

		next := assigned
		if !replace {
			next = mergeRecipients(existing, assigned)
		}

		added = 0
		for _, n := range next {
			if _, ok := prev[n]; !ok {
				added++
			}
		}
		return next
	})
	if err != nil {
		return nil, apperr.Upstream("assign recipients", err)
	}

	m.logger.Info("recipients assigned",
		zap.String("campaign_id", id.String()),
		zap.Int("assigned", len(assigned)),
		zap.Int("added", added),
		zap.Bool("replace", replace),
	)

	return &AssignResult{
		AssignedContacts: len(assigned),
		TotalRecipients:  c.TotalRecipients,
		NewRecipients:    added,
	}, nil
}

// UpdateStatus overwrites a campaign's status. completed and cancelled stamp
// completed_at with completedAt, or now when it is nil; other targets clear it.
// No transition table is applied: this is an operator override.
func (m *Manager) UpdateStatus(ctx context.Context, id uuid.UUID, status string, completedAt *time.Time) (*db.Campaign, error) {
	if !settableStatuses[status] {
		return nil, apperr.Validation("invalid status %q", status)
	}

	var stamp *time.Time
	if stampsCompletion(status) {
		at := m.now()
		if completedAt != nil {
			at = *completedAt
		}
		stamp = &at
	}

	c, err := m.store.UpdateCampaignStatus(ctx, id, status, stamp)
	if err != nil {
		return nil, apperr.Upstream("update campaign status", err)
	}

	m.logger.Info("campaign status updated",
		zap.String("campaign_id", id.String()),
		zap.String("status", status),
	)

	return c, nil
}

// ListRecipients returns the campaign's recipients joined with their message
// status. The set is resolved the same way Start resolves it: active contacts
// matching the filters, restricted to the explicit recipient list when one is
// assigned.
func (m *Manager) ListRecipients(ctx context.Context, id uuid.UUID) ([]*db.Recipient, error) {
	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, apperr.Upstream("load campaign", err)
	}

	ids, err := m.store.ResolveRecipients(ctx, c.Filters, c.RecipientContacts)
	if err != nil {
		return nil, apperr.Upstream("resolve recipients", err)
	}
	if len(ids) == 0 {
		return []*db.Recipient{}, nil
	}

	recipients, err := m.store.ListRecipients(ctx, id, c.Channel(), ids)
	if err != nil {
		return nil, apperr.Upstream("list recipients", err)
	}
	return recipients, nil
}

// ListMessages returns a campaign's messages on channel.
func (m *Manager) ListMessages(ctx context.Context, campaignID uuid.UUID, channel string) ([]*db.Message, error) {
	messages, err := m.store.ListMessages(ctx, campaignID, channel)
	if err != nil {
		return nil, apperr.Upstream("list messages", err)
	}
	return messages, nil
}

// WebhookUpdate is a provider delivery report.
type WebhookUpdate struct {
	ProviderMessageID string
	Status            string
	ErrorCode         string
	ErrorMessage      string
}

// ReconcileResult describes what a webhook did.
type ReconcileResult struct {
	MessageID uuid.UUID
	Status    string
	Applied   bool
}

// ReconcileWebhook applies a provider status report to its message. The
// status change and the campaign counter increment happen together as a
// compare-and-set on the message's prior status, so replayed or reordered
// reports do not double count. Unrecognised statuses are only recorded in
// provider_response.
func (m *Manager) ReconcileWebhook(ctx context.Context, u WebhookUpdate) (*ReconcileResult, error) {
	if strings.TrimSpace(u.ProviderMessageID) == "" {
		return nil, apperr.Validation("MessageSid is required")
	}

	msg, err := m.store.GetMessageByProviderID(ctx, u.ProviderMessageID)
	if err != nil {
		if apperr.IsNotFound(err) {
			metrics.RecordWebhook(u.Status, "not_found")
			m.logger.Warn("webhook for unknown message dropped",
				zap.String("provider_message_id", u.ProviderMessageID),
				zap.String("status", u.Status),
			)
		}
		return nil, apperr.Upstream("load message", err)
	}

	now := m.now()
	diag := diagnostics(u, now)
	result := &ReconcileResult{MessageID: msg.ID, Status: msg.Status}

	t, known := webhookTransition(msg.ID, u, now)
	if known {
		t.ProviderResponse = diag
		applied, err := m.store.ApplyTransition(ctx, t)
		if err != nil {
			metrics.RecordWebhook(u.Status, "error")
			return nil, apperr.Upstream("apply delivery status", err)
		}
		if applied {
			result.Applied = true
			result.Status = t.To
			m.publish(ctx, msg, t, u.Status)
			metrics.RecordWebhook(u.Status, "applied")
			m.logger.Info("delivery status reconciled",
				zap.String("message_id", msg.ID.String()),
				zap.String("campaign_id", msg.CampaignID.String()),
				zap.String("from", msg.Status),
				zap.String("to", t.To),
			)
			return result, nil
		}
	}

	if err := m.store.MergeProviderResponse(ctx, msg.ID, diag); err != nil {
		return nil, apperr.Upstream("record provider response", err)
	}
	metrics.RecordWebhook(u.Status, "ignored")
	m.logger.Debug("webhook recorded without status change",
		zap.String("message_id", msg.ID.String()),
		zap.String("message_status", msg.Status),
		zap.String("provider_status", u.Status),
	)

	return result, nil
}

func (m *Manager) publish(ctx context.Context, msg *db.Message, t db.StatusTransition, providerStatus string) {
	if m.events == nil {
		return
	}
	updated := *msg
	updated.Status = t.To
	updated.ErrorMessage = t.ErrorMessage
	switch t.To {
	case db.StatusDelivered:
		updated.DeliveredAt = &t.At
	case db.StatusFailed:
		updated.FailedAt = &t.At
	case db.StatusSent:
		updated.SentAt = &t.At
	}

	if err := m.events.PublishDelivery(ctx, &updated, providerStatus); err != nil {
		m.logger.Warn("failed to publish delivery event",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
	}
}

// RetryResult counts messages moved back to pending.
type RetryResult struct {
	SMS   int
	Email int
}

// RetryFailed resets every failed message to pending and queues a fresh send.
// Rows are handled one at a time; the first error stops the loop and rows
// already reset stay reset.
func (m *Manager) RetryFailed(ctx context.Context) (*RetryResult, error) {
	result := &RetryResult{}

	for _, channel := range []string{db.ChannelSMS, db.ChannelEmail} {
		failed, err := m.store.ListMessagesByStatus(ctx, channel, db.StatusFailed)
		if err != nil {
			return result, apperr.Upstream("list failed messages", err)
		}

		for _, msg := range failed {
			reset, err := m.store.ResetFailedMessage(ctx, msg.ID, m.now())
			if err != nil {
				return result, apperr.Upstream("reset failed message", err)
			}
			if !reset {
				continue
			}

			_, err = m.queue.Enqueue(ctx, QueueForChannel(channel), JobSendMessage, SendMessageJob{
				MessageID:  msg.ID.String(),
				CampaignID: msg.CampaignID.String(),
				Channel:    channel,
			}, SendJobOptions(msg.ID, msg.RetryCount+1))
			if err != nil {
				return result, apperr.Upstream("enqueue retry", err)
			}

			if channel == db.ChannelEmail {
				result.Email++
			} else {
				result.SMS++
			}
		}
	}

	m.logger.Info("failed messages retried",
		zap.Int("sms", result.SMS),
		zap.Int("email", result.Email),
	)

	return result, nil
}

// ClearResult counts deleted pending messages.
type ClearResult struct {
	SMS   int64
	Email int64
}

// ClearPending deletes every pending message on both channels.
func (m *Manager) ClearPending(ctx context.Context) (*ClearResult, error) {
	sms, err := m.store.DeletePendingMessages(ctx, db.ChannelSMS)
	if err != nil {
		return nil, apperr.Upstream("clear pending sms", err)
	}
	email, err := m.store.DeletePendingMessages(ctx, db.ChannelEmail)
	if err != nil {
		return nil, apperr.Upstream("clear pending email", err)
	}

	m.logger.Warn("pending messages cleared",
		zap.Int64("sms", sms),
		zap.Int64("email", email),
	)

	return &ClearResult{SMS: sms, Email: email}, nil
}

// DeleteMessage removes one message and reports its channel.
func (m *Manager) DeleteMessage(ctx context.Context, id uuid.UUID) (string, error) {
	channel, err := m.store.DeleteMessage(ctx, id)
	if err != nil {
		return "", apperr.Upstream("delete message", err)
	}
	return channel, nil
}
