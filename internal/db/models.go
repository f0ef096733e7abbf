package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Campaign status constants
const (
	CampaignDraft     = "draft"
	CampaignActive    = "active"
	CampaignRunning   = "running"
	CampaignPaused    = "paused"
	CampaignCancelled = "cancelled"
	CampaignCompleted = "completed"
)

// Campaign types
const (
	CampaignTypeRenewalReminder = "renewal_reminder"
	CampaignTypeEmail           = "email"
	CampaignTypeSMS             = "sms"
)

// Message status constants
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Channel constants
const (
	ChannelSMS   = "sms"
	ChannelEmail = "email"
)

// Contact status constants
const (
	ContactActive       = "active"
	ContactInactive     = "inactive"
	ContactUnsubscribed = "unsubscribed"
)

// Campaign counters that can be incremented atomically
const (
	CounterSent      = "sent"
	CounterDelivered = "delivered"
	CounterFailed    = "failed"
)

// Filters is the recipient predicate stored on a campaign. Empty fields match
// everything.
type Filters struct {
	Tags          []string   `json:"tags,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
}

// Campaign represents a batch send
type Campaign struct {
	ID                uuid.UUID   `json:"id"`
	Name              string      `json:"name"`
	Description       string      `json:"description"`
	MessageTemplate   string      `json:"message_template"`
	Subject           string      `json:"subject,omitempty"`
	CampaignType      string      `json:"campaign_type"`
	Status            string      `json:"status"`
	RecipientContacts []uuid.UUID `json:"recipient_contacts"`
	TotalRecipients   int         `json:"total_recipients"`
	SentCount         int         `json:"sent_count"`
	DeliveredCount    int         `json:"delivered_count"`
	FailedCount       int         `json:"failed_count"`
	Filters           Filters     `json:"filters"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
	CompletedAt       *time.Time  `json:"completed_at"`
}

// Channel reports which message channel the campaign sends on. Email
// campaigns use email; every other type, renewal reminders included, is SMS.
func (c *Campaign) Channel() string {
	if c.CampaignType == CampaignTypeEmail {
		return ChannelEmail
	}
	return ChannelSMS
}

// Contact is an addressable person. Patients and leads are contacts too.
type Contact struct {
	ID          uuid.UUID  `json:"id"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	PhoneNumber string     `json:"phone_number"`
	Email       string     `json:"email"`
	Status      string     `json:"status"`
	GroupID     *uuid.UUID `json:"group_id,omitempty"`
	JobType     string     `json:"job_type"`
	State       string     `json:"state"`
	City        string     `json:"city"`
	Tags        []string   `json:"tags"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ContactGroup groups contacts. ContactCount is computed on read.
type ContactGroup struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Color        string    `json:"color"`
	CreatedBy    string    `json:"created_by"`
	ContactCount int       `json:"contact_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Message is one per-recipient send attempt on a single channel.
type Message struct {
	ID                uuid.UUID       `json:"id"`
	CampaignID        uuid.UUID       `json:"campaign_id"`
	ContactID         uuid.UUID       `json:"contact_id"`
	Channel           string          `json:"channel"`
	Destination       string          `json:"destination"`
	Content           string          `json:"content"`
	Subject           string          `json:"subject,omitempty"`
	Status            string          `json:"status"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty"`
	ProviderResponse  json.RawMessage `json:"provider_response,omitempty"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
	FailedAt          *time.Time      `json:"failed_at,omitempty"`
	RetryCount        int             `json:"retry_count"`
	LastRetryAt       *time.Time      `json:"last_retry_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Recipient is a contact resolved for a campaign plus the status of the
// message sent to it, if any.
type Recipient struct {
	CampaignID    uuid.UUID  `json:"campaign_id"`
	ContactID     uuid.UUID  `json:"contact_id"`
	MessageID     *uuid.UUID `json:"message_id,omitempty"`
	MessageStatus *string    `json:"message_status,omitempty"`
	Contact       Contact    `json:"contact"`
}

// StatusTransition is a compare-and-set on a message's status. It applies only
// when the current status is one of From; Counter, when set, names the
// campaign counter incremented alongside.
type StatusTransition struct {
	MessageID         uuid.UUID
	From              []string
	To                string
	At                time.Time
	ErrorMessage      *string
	ProviderMessageID *string
	ProviderResponse  map[string]any
	Counter           string
}
