package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const contactColumns = `
	id, first_name, last_name, phone_number, email, status, group_id,
	job_type, state, city, tags, created_at, updated_at`

func scanContact(row pgx.Row) (*Contact, error) {
	var c Contact
	err := row.Scan(
		&c.ID,
		&c.FirstName,
		&c.LastName,
		&c.PhoneNumber,
		&c.Email,
		&c.Status,
		&c.GroupID,
		&c.JobType,
		&c.State,
		&c.City,
		&c.Tags,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateContact inserts a contact. Status defaults to active.
func (r *Repository) CreateContact(ctx context.Context, c *Contact) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = ContactActive
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}

	query := `
		INSERT INTO contacts (
			id, first_name, last_name, phone_number, email, status,
			group_id, job_type, state, city, tags
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		c.ID,
		c.FirstName,
		c.LastName,
		c.PhoneNumber,
		c.Email,
		c.Status,
		c.GroupID,
		c.JobType,
		c.State,
		c.City,
		c.Tags,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create contact",
			zap.Error(err),
			zap.String("contact_id", c.ID.String()),
		)
		return fmt.Errorf("insert contact: %w", err)
	}

	return nil
}

// GetContacts loads contacts by id. Missing ids are skipped.
func (r *Repository) GetContacts(ctx context.Context, ids []uuid.UUID) ([]*Contact, error) {
	query := `SELECT ` + contactColumns + `
		FROM contacts
		WHERE id::text = ANY($1::text[])
		ORDER BY array_position($1::text[], id::text)
	`

	rows, err := r.db.Pool().Query(ctx, query, uuidStrings(ids))
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	contacts := []*Contact{}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return contacts, nil
}

// ResolveRecipients returns the ids of active contacts matching filters. When
// restrictTo is non-empty only those contacts are considered and their order
// is kept; otherwise contacts come back oldest first.
func (r *Repository) ResolveRecipients(ctx context.Context, filters Filters, restrictTo []uuid.UUID) ([]uuid.UUID, error) {
	tags := filters.Tags
	if tags == nil {
		tags = []string{}
	}

	query := `
		SELECT id FROM contacts
		WHERE status = 'active'
		  AND (COALESCE(cardinality($1::text[]), 0) = 0 OR tags && $1::text[])
		  AND ($2::timestamptz IS NULL OR created_at >= $2::timestamptz)
		  AND ($3::timestamptz IS NULL OR created_at <= $3::timestamptz)
		  AND (COALESCE(cardinality($4::text[]), 0) = 0 OR id::text = ANY($4::text[]))
		ORDER BY array_position($4::text[], id::text), created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query,
		tags,
		filters.CreatedAfter,
		filters.CreatedBefore,
		uuidStrings(restrictTo),
	)
	if err != nil {
		r.logger.Error("failed to resolve recipients", zap.Error(err))
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return ids, nil
}

// ListRecipients joins the given contacts with the campaign's messages on
// channel. Contacts without a message have a nil MessageStatus.
func (r *Repository) ListRecipients(
	ctx context.Context,
	campaignID uuid.UUID,
	channel string,
	contactIDs []uuid.UUID,
) ([]*Recipient, error) {
	query := `
		SELECT
			c.id, c.first_name, c.last_name, c.phone_number, c.email, c.status, c.group_id,
			c.job_type, c.state, c.city, c.tags, c.created_at, c.updated_at,
			m.id, m.status
		FROM contacts c
		LEFT JOIN messages m
			ON m.contact_id = c.id AND m.campaign_id = $1 AND m.channel = $2
		WHERE c.id::text = ANY($3::text[])
		ORDER BY array_position($3::text[], c.id::text)
	`

	rows, err := r.db.Pool().Query(ctx, query, campaignID, channel, uuidStrings(contactIDs))
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	recipients := []*Recipient{}
	for rows.Next() {
		rec := Recipient{CampaignID: campaignID}
		c := &rec.Contact
		err := rows.Scan(
			&c.ID,
			&c.FirstName,
			&c.LastName,
			&c.PhoneNumber,
			&c.Email,
			&c.Status,
			&c.GroupID,
			&c.JobType,
			&c.State,
			&c.City,
			&c.Tags,
			&c.CreatedAt,
			&c.UpdatedAt,
			&rec.MessageID,
			&rec.MessageStatus,
		)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		rec.ContactID = c.ID
		recipients = append(recipients, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return recipients, nil
}

// ListContactGroups returns every group with its live contact count
func (r *Repository) ListContactGroups(ctx context.Context) ([]*ContactGroup, error) {
	query := `
		SELECT g.id, g.name, g.description, g.color, g.created_by, g.created_at,
			COUNT(c.id)
		FROM contact_groups g
		LEFT JOIN contacts c ON c.group_id = g.id
		GROUP BY g.id
		ORDER BY g.name ASC
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query contact groups: %w", err)
	}
	defer rows.Close()

	groups := []*ContactGroup{}
	for rows.Next() {
		var g ContactGroup
		err := rows.Scan(
			&g.ID,
			&g.Name,
			&g.Description,
			&g.Color,
			&g.CreatedBy,
			&g.CreatedAt,
			&g.ContactCount,
		)
		if err != nil {
			return nil, fmt.Errorf("scan contact group: %w", err)
		}
		groups = append(groups, &g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return groups, nil
}
