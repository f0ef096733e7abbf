package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/apperr"
	"github.com/lalithlochan/beacon/internal/campaign"
	"github.com/lalithlochan/beacon/internal/db"
)

// CreateCampaignRequest is the body of POST /campaigns.
type CreateCampaignRequest struct {
	Name              string     `json:"name" validate:"required,max=200"`
	Description       string     `json:"description" validate:"max=2000"`
	MessageTemplate   string     `json:"message_template" validate:"required"`
	Subject           string     `json:"subject" validate:"required_if=CampaignType email"`
	CampaignType      string     `json:"campaign_type" validate:"omitempty,max=50"`
	RecipientContacts []string   `json:"recipient_contacts" validate:"omitempty,dive,uuid"`
	Filters           db.Filters `json:"filters"`
}

// CreateCampaign handles POST /campaigns
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.validateStruct(req); err != nil {
		h.writeError(w, r, err)
		return
	}

	recipients, err := parseIDs(req.RecipientContacts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.campaigns.CreateCampaign(r.Context(), campaign.CreateInput{
		Name:              req.Name,
		Description:       req.Description,
		MessageTemplate:   req.MessageTemplate,
		Subject:           req.Subject,
		CampaignType:      req.CampaignType,
		RecipientContacts: recipients,
		Filters:           req.Filters,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("campaign created",
		zap.String("campaign_id", c.ID.String()),
		zap.String("campaign_type", c.CampaignType),
	)

	writeJSON(w, http.StatusCreated, c)
}

// ListCampaigns handles GET /campaigns?limit=20&offset=0
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	campaigns, err := h.campaigns.ListCampaigns(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":   campaigns,
		"limit":  limit,
		"offset": offset,
		"count":  len(campaigns),
	})
}

// GetCampaign handles GET /campaigns/{id}
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "campaign")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.campaigns.GetCampaign(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// StartCampaign handles POST /campaigns/{id}/start
func (h *Handler) StartCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "campaign")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.campaigns.Start(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"totalPatients": result.TotalRecipients,
		"jobId":         result.JobID,
	})
}

type assignContactsRequest struct {
	ContactIDs      []string `json:"contactIds"`
	ReplaceExisting bool     `json:"replaceExisting"`
}

// AssignContacts handles POST /campaigns/{id}/assign-contacts
func (h *Handler) AssignContacts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "campaign")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req assignContactsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	contactIDs, err := parseIDs(req.ContactIDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.campaigns.AssignRecipients(r.Context(), id, contactIDs, req.ReplaceExisting)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"assignedContacts": result.AssignedContacts,
		"totalRecipients":  result.TotalRecipients,
		"newRecipients":    result.NewRecipients,
	})
}

// updated_at is accepted for compatibility; the datastore stamps it.
type updateStatusRequest struct {
	Status      string     `json:"status"`
	UpdatedAt   *time.Time `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// UpdateCampaignStatus handles PUT /campaigns/{id}/status
func (h *Handler) UpdateCampaignStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "campaign")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req updateStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.campaigns.UpdateStatus(r.Context(), id, req.Status, req.CompletedAt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"campaign": c,
	})
}

// ListRecipients handles GET /campaigns/{id}/recipients
func (h *Handler) ListRecipients(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "campaign")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	recipients, err := h.campaigns.ListRecipients(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, recipients)
}

// ListMessages handles GET /campaigns/{id}/sms-messages and /email-messages.
func (h *Handler) ListMessages(channel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "campaign")
		if err != nil {
			h.writeError(w, r, err)
			return
		}

		messages, err := h.campaigns.ListMessages(r.Context(), id, channel)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if messages == nil {
			messages = []*db.Message{}
		}

		writeJSON(w, http.StatusOK, messages)
	}
}

func parseIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, apperr.Validation("invalid contact id %q", s)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
