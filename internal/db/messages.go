package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/apperr"
)

const messageColumns = `
	id, campaign_id, contact_id, channel, destination, content, subject, status,
	provider_message_id, provider_response, error_message, sent_at, delivered_at,
	failed_at, retry_count, last_retry_at, created_at, updated_at`

var counterColumns = map[string]string{
	CounterSent:      "sent_count",
	CounterDelivered: "delivered_count",
	CounterFailed:    "failed_count",
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(
		&m.ID,
		&m.CampaignID,
		&m.ContactID,
		&m.Channel,
		&m.Destination,
		&m.Content,
		&m.Subject,
		&m.Status,
		&m.ProviderMessageID,
		&m.ProviderResponse,
		&m.ErrorMessage,
		&m.SentAt,
		&m.DeliveredAt,
		&m.FailedAt,
		&m.RetryCount,
		&m.LastRetryAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func collectMessages(rows pgx.Rows) ([]*Message, error) {
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return messages, nil
}

// CreateMessage inserts a pending message. A message already recorded for the
// same campaign, contact and channel is returned instead with created=false.
func (r *Repository) CreateMessage(ctx context.Context, m *Message) (msg *Message, created bool, err error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = StatusPending
	}

	insert := `
		INSERT INTO messages (
			id, campaign_id, contact_id, channel, destination, content, subject, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (campaign_id, contact_id, channel) DO NOTHING
		RETURNING ` + messageColumns

	msg, err = scanMessage(r.db.Pool().QueryRow(ctx, insert,
		m.ID,
		m.CampaignID,
		m.ContactID,
		m.Channel,
		m.Destination,
		m.Content,
		m.Subject,
		m.Status,
	))
	if err == nil {
		return msg, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		r.logger.Error("failed to create message",
			zap.Error(err),
			zap.String("campaign_id", m.CampaignID.String()),
			zap.String("contact_id", m.ContactID.String()),
		)
		return nil, false, fmt.Errorf("insert message: %w", err)
	}

	existing := `SELECT ` + messageColumns + `
		FROM messages
		WHERE campaign_id = $1 AND contact_id = $2 AND channel = $3
	`
	msg, err = scanMessage(r.db.Pool().QueryRow(ctx, existing, m.CampaignID, m.ContactID, m.Channel))
	if err != nil {
		return nil, false, fmt.Errorf("query existing message: %w", err)
	}

	return msg, false, nil
}

// GetMessage retrieves a message by ID
func (r *Repository) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	m, err := scanMessage(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("message")
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}

	return m, nil
}

// GetMessageByProviderID looks a message up by the id the provider assigned
func (r *Repository) GetMessageByProviderID(ctx context.Context, providerID string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE provider_message_id = $1`

	m, err := scanMessage(r.db.Pool().QueryRow(ctx, query, providerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("message")
	}
	if err != nil {
		r.logger.Error("failed to get message by provider id",
			zap.Error(err),
			zap.String("provider_message_id", providerID),
		)
		return nil, fmt.Errorf("query message: %w", err)
	}

	return m, nil
}

// ListMessages returns a campaign's messages on one channel, newest first
func (r *Repository) ListMessages(ctx context.Context, campaignID uuid.UUID, channel string) ([]*Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE campaign_id = $1 AND channel = $2
		ORDER BY created_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, campaignID, channel)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return collectMessages(rows)
}

// ListMessagesByStatus returns every message on channel with the given status
func (r *Repository) ListMessagesByStatus(ctx context.Context, channel, status string) ([]*Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE channel = $1 AND status = $2
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, channel, status)
	if err != nil {
		return nil, fmt.Errorf("query messages by status: %w", err)
	}
	return collectMessages(rows)
}

// ApplyTransition performs t as a single compare-and-set. The campaign
// counter named by t.Counter is incremented in the same transaction, and only
// when the message row actually changed. A sent message that later fails is
// moved out of sent_count so sent_count + failed_count never exceeds the
// number of messages.
func (r *Repository) ApplyTransition(ctx context.Context, t StatusTransition) (bool, error) {
	patch := []byte("{}")
	if len(t.ProviderResponse) > 0 {
		var err error
		if patch, err = json.Marshal(t.ProviderResponse); err != nil {
			return false, fmt.Errorf("marshal provider response: %w", err)
		}
	}

	counterCol := ""
	if t.Counter != "" {
		col, ok := counterColumns[t.Counter]
		if !ok {
			return false, fmt.Errorf("unknown campaign counter %q", t.Counter)
		}
		counterCol = col
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	update := `
		UPDATE messages m SET
			status = $2::text,
			sent_at = CASE WHEN $2::text = 'sent' THEN $3::timestamptz ELSE m.sent_at END,
			delivered_at = CASE WHEN $2::text = 'delivered' THEN $3::timestamptz ELSE m.delivered_at END,
			failed_at = CASE WHEN $2::text = 'failed' THEN $3::timestamptz ELSE m.failed_at END,
			error_message = COALESCE($4::text, m.error_message),
			provider_message_id = COALESCE($5::text, m.provider_message_id),
			provider_response = m.provider_response || $6::jsonb,
			updated_at = NOW()
		FROM (SELECT id, status FROM messages WHERE id = $1 FOR UPDATE) prev
		WHERE m.id = prev.id AND prev.status = ANY($7::text[])
		RETURNING m.campaign_id, prev.status
	`

	var (
		campaignID uuid.UUID
		prior      string
	)
	err = tx.QueryRow(ctx, update,
		t.MessageID,
		t.To,
		t.At,
		t.ErrorMessage,
		t.ProviderMessageID,
		patch,
		t.From,
	).Scan(&campaignID, &prior)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		r.logger.Error("failed to apply message transition",
			zap.Error(err),
			zap.String("message_id", t.MessageID.String()),
			zap.String("to", t.To),
		)
		return false, fmt.Errorf("update message status: %w", err)
	}

	var sets []string
	if counterCol != "" {
		sets = append(sets, fmt.Sprintf("%s = %s + 1", counterCol, counterCol))
	}
	if t.To == StatusFailed && prior == StatusSent {
		sets = append(sets, "sent_count = GREATEST(sent_count - 1, 0)")
	}
	if len(sets) > 0 {
		bump := `UPDATE campaigns SET ` + strings.Join(sets, ", ") + `, updated_at = NOW() WHERE id = $1`
		if _, err := tx.Exec(ctx, bump, campaignID); err != nil {
			return false, fmt.Errorf("update campaign counters: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Debug("message transition applied",
		zap.String("message_id", t.MessageID.String()),
		zap.String("from", prior),
		zap.String("to", t.To),
	)

	return true, nil
}

// MergeProviderResponse merges patch into the message's provider_response
func (r *Repository) MergeProviderResponse(ctx context.Context, id uuid.UUID, patch map[string]any) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal provider response: %w", err)
	}

	query := `
		UPDATE messages
		SET provider_response = provider_response || $2::jsonb, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, data)
	if err != nil {
		return fmt.Errorf("merge provider response: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperr.NotFound("message")
	}

	return nil
}

// ResetFailedMessage moves a failed message back to pending and bumps its
// retry counter. The campaign's failed_count is released in the same
// statement so a resend is not counted twice. It reports false when the
// message was no longer failed.
func (r *Repository) ResetFailedMessage(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `
		WITH reset AS (
			UPDATE messages
			SET status = 'pending', retry_count = retry_count + 1, last_retry_at = $2, updated_at = NOW()
			WHERE id = $1 AND status = 'failed'
			RETURNING campaign_id
		), released AS (
			UPDATE campaigns c
			SET failed_count = GREATEST(c.failed_count - 1, 0), updated_at = NOW()
			FROM reset
			WHERE c.id = reset.campaign_id
		)
		SELECT count(*) FROM reset
	`

	var reset int
	if err := r.db.Pool().QueryRow(ctx, query, id, at).Scan(&reset); err != nil {
		r.logger.Error("failed to reset message",
			zap.Error(err),
			zap.String("message_id", id.String()),
		)
		return false, fmt.Errorf("reset failed message: %w", err)
	}

	return reset == 1, nil
}

// DeletePendingMessages removes every pending message on channel
func (r *Repository) DeletePendingMessages(ctx context.Context, channel string) (int64, error) {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM messages WHERE channel = $1 AND status = 'pending'`, channel)
	if err != nil {
		return 0, fmt.Errorf("delete pending messages: %w", err)
	}

	return result.RowsAffected(), nil
}

// DeleteMessage removes a message and returns the channel it belonged to
func (r *Repository) DeleteMessage(ctx context.Context, id uuid.UUID) (string, error) {
	var channel string
	err := r.db.Pool().QueryRow(ctx, `DELETE FROM messages WHERE id = $1 RETURNING channel`, id).Scan(&channel)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperr.NotFound("message")
	}
	if err != nil {
		return "", fmt.Errorf("delete message: %w", err)
	}

	r.logger.Info("message deleted",
		zap.String("message_id", id.String()),
		zap.String("channel", channel),
	)

	return channel, nil
}
