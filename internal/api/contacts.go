package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/apperr"
	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/redis"
)

const (
	maxImportRows   = 10000
	maxImportErrors = 100
	importSaveEvery = 25
)

// ContactRequest is one contact in POST /contacts or POST /contacts/import.
type ContactRequest struct {
	FirstName   string   `json:"first_name" validate:"required,max=100"`
	LastName    string   `json:"last_name" validate:"max=100"`
	PhoneNumber string   `json:"phone_number" validate:"required_without=Email"`
	Email       string   `json:"email" validate:"omitempty,email"`
	Status      string   `json:"status" validate:"omitempty,oneof=active inactive unsubscribed"`
	GroupID     string   `json:"group_id" validate:"omitempty,uuid"`
	JobType     string   `json:"job_type"`
	State       string   `json:"state"`
	City        string   `json:"city"`
	Tags        []string `json:"tags"`
}

type importContactsRequest struct {
	Contacts []ContactRequest `json:"contacts"`
}

// toContact validates req and normalises its phone number.
func (h *Handler) toContact(req ContactRequest) (*db.Contact, error) {
	if err := h.validateStruct(req); err != nil {
		return nil, err
	}

	c := &db.Contact{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Status:    req.Status,
		JobType:   req.JobType,
		State:     req.State,
		City:      req.City,
		Tags:      req.Tags,
	}

	if req.PhoneNumber != "" {
		normalized, err := h.phones.Normalize(req.PhoneNumber)
		if err != nil {
			return nil, apperr.Validation("phone_number %q is not a valid phone number", req.PhoneNumber)
		}
		c.PhoneNumber = normalized
	}

	if req.GroupID != "" {
		groupID := uuid.MustParse(req.GroupID)
		c.GroupID = &groupID
	}

	return c, nil
}

// CreateContact handles POST /contacts
func (h *Handler) CreateContact(w http.ResponseWriter, r *http.Request) {
	var req ContactRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.toContact(req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.contacts.CreateContact(r.Context(), c); err != nil {
		h.writeError(w, r, apperr.Upstream("create contact", err))
		return
	}

	h.logger.Info("contact created", zap.String("contact_id", c.ID.String()))

	writeJSON(w, http.StatusCreated, c)
}

// ListContactGroups handles GET /contact-groups
func (h *Handler) ListContactGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.contacts.ListContactGroups(r.Context())
	if err != nil {
		h.writeError(w, r, apperr.Upstream("list contact groups", err))
		return
	}
	if groups == nil {
		groups = []*db.ContactGroup{}
	}

	writeJSON(w, http.StatusOK, groups)
}

// ImportContacts handles POST /contacts/import
// Rows are imported in the background; progress is polled through
// GET /imports/{id}.
func (h *Handler) ImportContacts(w http.ResponseWriter, r *http.Request) {
	if h.imports == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "contact import requires redis"})
		return
	}

	var req importContactsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(req.Contacts) == 0 {
		h.writeError(w, r, apperr.Validation("contacts must be a non-empty array"))
		return
	}
	if len(req.Contacts) > maxImportRows {
		h.writeError(w, r, apperr.Validation("at most %d contacts can be imported at once", maxImportRows))
		return
	}

	session, err := h.imports.Start(r.Context(), len(req.Contacts))
	if err != nil {
		h.writeError(w, r, apperr.Upstream("start import", err))
		return
	}

	h.logger.Info("contact import started",
		zap.String("import_id", session.ID),
		zap.Int("rows", len(req.Contacts)),
	)

	rows := req.Contacts
	h.async(func() { h.runImport(session, rows) })

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":  true,
		"importId": session.ID,
		"total":    session.Total,
	})
}

func (h *Handler) runImport(session *redis.ImportSession, rows []ContactRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), h.importTimeout)
	defer cancel()

	result := &redis.ImportResult{}
	for i, row := range rows {
		if ctx.Err() != nil {
			break
		}

		if err := h.importRow(ctx, row); err != nil {
			result.Skipped++
			if len(session.Errors) < maxImportErrors {
				session.Errors = append(session.Errors, fmt.Sprintf("row %d: %s", i+1, apperr.PublicMessage(err)))
			}
		} else {
			result.Imported++
		}

		session.Advance(i+1, fmt.Sprintf("processed %d of %d contacts", i+1, len(rows)))
		if (i+1)%importSaveEvery == 0 && i+1 < len(rows) {
			if err := h.imports.Save(ctx, session); err != nil {
				h.logger.Warn("failed to save import progress", zap.Error(err), zap.String("import_id", session.ID))
			}
		}
	}

	session.Result = result
	session.Status = redis.ImportCompleted
	session.Message = fmt.Sprintf("imported %d contacts, skipped %d", result.Imported, result.Skipped)
	if ctx.Err() != nil {
		session.Status = redis.ImportFailed
		session.Message = "import timed out"
	}

	// The session outlives the import context.
	if err := h.imports.Save(context.Background(), session); err != nil {
		h.logger.Error("failed to save import result", zap.Error(err), zap.String("import_id", session.ID))
		return
	}

	h.logger.Info("contact import finished",
		zap.String("import_id", session.ID),
		zap.String("status", session.Status),
		zap.Int("imported", result.Imported),
		zap.Int("skipped", result.Skipped),
	)
}

func (h *Handler) importRow(ctx context.Context, row ContactRequest) error {
	c, err := h.toContact(row)
	if err != nil {
		return err
	}
	if err := h.contacts.CreateContact(ctx, c); err != nil {
		return apperr.Upstream("create contact", err)
	}
	return nil
}

// GetImport handles GET /imports/{id}
func (h *Handler) GetImport(w http.ResponseWriter, r *http.Request) {
	if h.imports == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "contact import requires redis"})
		return
	}

	session, err := h.imports.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, redis.ErrSessionNotFound) {
		h.writeError(w, r, apperr.NotFound("import session"))
		return
	}
	if err != nil {
		h.writeError(w, r, apperr.Upstream("load import session", err))
		return
	}

	writeJSON(w, http.StatusOK, session)
}
