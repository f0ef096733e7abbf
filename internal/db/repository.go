package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/apperr"
)

// Repository handles database operations for campaigns, contacts and messages
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const campaignColumns = `
	id, name, description, message_template, subject, campaign_type, status,
	recipient_contacts, total_recipients, sent_count, delivered_count, failed_count,
	filters, created_at, updated_at, completed_at`

func scanCampaign(row pgx.Row) (*Campaign, error) {
	var c Campaign
	var recipients []string
	var filters []byte

	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Description,
		&c.MessageTemplate,
		&c.Subject,
		&c.CampaignType,
		&c.Status,
		&recipients,
		&c.TotalRecipients,
		&c.SentCount,
		&c.DeliveredCount,
		&c.FailedCount,
		&filters,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	c.RecipientContacts, err = parseUUIDs(recipients)
	if err != nil {
		return nil, fmt.Errorf("campaign %s recipient_contacts: %w", c.ID, err)
	}

	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &c.Filters); err != nil {
			return nil, fmt.Errorf("campaign %s filters: %w", c.ID, err)
		}
	}

	return &c, nil
}

func parseUUIDs(values []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(values))
	for _, v := range values {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// CreateCampaign inserts a new campaign. Status defaults to draft.
func (r *Repository) CreateCampaign(ctx context.Context, c *Campaign) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = CampaignDraft
	}

	filters, err := json.Marshal(c.Filters)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}

	query := `
		INSERT INTO campaigns (
			id, name, description, message_template, subject, campaign_type,
			status, recipient_contacts, total_recipients, filters
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		c.ID,
		c.Name,
		c.Description,
		c.MessageTemplate,
		c.Subject,
		c.CampaignType,
		c.Status,
		uuidStrings(c.RecipientContacts),
		len(c.RecipientContacts),
		filters,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create campaign",
			zap.Error(err),
			zap.String("campaign_id", c.ID.String()),
		)
		return fmt.Errorf("insert campaign: %w", err)
	}
	c.TotalRecipients = len(c.RecipientContacts)

	r.logger.Info("campaign created",
		zap.String("campaign_id", c.ID.String()),
		zap.String("campaign_type", c.CampaignType),
	)

	return nil
}

// GetCampaign retrieves a campaign by ID
func (r *Repository) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	c, err := scanCampaign(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("campaign")
	}
	if err != nil {
		r.logger.Error("failed to get campaign",
			zap.Error(err),
			zap.String("campaign_id", id.String()),
		)
		return nil, fmt.Errorf("query campaign: %w", err)
	}

	return c, nil
}

// ListCampaigns returns campaigns newest first
func (r *Repository) ListCampaigns(ctx context.Context, limit, offset int) ([]*Campaign, error) {
	query := `SELECT ` + campaignColumns + `
		FROM campaigns
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Pool().Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	campaigns := []*Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return campaigns, nil
}

// MarkCampaignRunning flips a draft campaign to running and fixes its
// recipient total. It reports false when the campaign was no longer a draft.
func (r *Repository) MarkCampaignRunning(ctx context.Context, id uuid.UUID, total int) (bool, error) {
	query := `
		UPDATE campaigns
		SET status = 'running', total_recipients = $2, completed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'draft'
	`

	result, err := r.db.Pool().Exec(ctx, query, id, total)
	if err != nil {
		r.logger.Error("failed to mark campaign running",
			zap.Error(err),
			zap.String("campaign_id", id.String()),
		)
		return false, fmt.Errorf("update campaign status: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// UpdateRecipients rewrites a campaign's recipient list under a row lock.
// fn receives the stored list and returns the new one; total_recipients is
// set to its length.
func (r *Repository) UpdateRecipients(
	ctx context.Context,
	id uuid.UUID,
	fn func(existing []uuid.UUID) []uuid.UUID,
) (*Campaign, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var stored []string
	err = tx.QueryRow(ctx, `SELECT recipient_contacts FROM campaigns WHERE id = $1 FOR UPDATE`, id).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("campaign")
	}
	if err != nil {
		return nil, fmt.Errorf("lock campaign: %w", err)
	}

	existing, err := parseUUIDs(stored)
	if err != nil {
		return nil, fmt.Errorf("campaign %s recipient_contacts: %w", id, err)
	}
	next := fn(existing)

	query := `
		UPDATE campaigns
		SET recipient_contacts = $2, total_recipients = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + campaignColumns

	c, err := scanCampaign(tx.QueryRow(ctx, query, id, uuidStrings(next), len(next)))
	if err != nil {
		return nil, fmt.Errorf("update recipients: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("campaign recipients updated",
		zap.String("campaign_id", id.String()),
		zap.Int("total_recipients", c.TotalRecipients),
	)

	return c, nil
}

// UpdateCampaignStatus overwrites the status and completed_at of a campaign.
func (r *Repository) UpdateCampaignStatus(
	ctx context.Context,
	id uuid.UUID,
	status string,
	completedAt *time.Time,
) (*Campaign, error) {
	query := `
		UPDATE campaigns
		SET status = $2, completed_at = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + campaignColumns

	c, err := scanCampaign(r.db.Pool().QueryRow(ctx, query, id, status, completedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("campaign")
	}
	if err != nil {
		r.logger.Error("failed to update campaign status",
			zap.Error(err),
			zap.String("campaign_id", id.String()),
			zap.String("status", status),
		)
		return nil, fmt.Errorf("update campaign status: %w", err)
	}

	return c, nil
}

// CompleteFinishedCampaigns marks running campaigns completed once every
// recipient has a message and none are pending. It returns the affected ids.
func (r *Repository) CompleteFinishedCampaigns(ctx context.Context, at time.Time) ([]uuid.UUID, error) {
	query := `
		UPDATE campaigns c
		SET status = 'completed', completed_at = $1, updated_at = NOW()
		WHERE c.status = 'running'
		  AND NOT EXISTS (
			SELECT 1 FROM messages m WHERE m.campaign_id = c.id AND m.status = 'pending'
		  )
		  AND (SELECT COUNT(*) FROM messages m WHERE m.campaign_id = c.id) >= c.total_recipients
		RETURNING c.id
	`

	rows, err := r.db.Pool().Query(ctx, query, at)
	if err != nil {
		return nil, fmt.Errorf("complete campaigns: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan campaign id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return ids, nil
}
