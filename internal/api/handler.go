package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/apperr"
	"github.com/lalithlochan/beacon/internal/campaign"
	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/phone"
	"github.com/lalithlochan/beacon/internal/redis"
)

// CampaignService is the lifecycle manager as seen by the HTTP layer.
type CampaignService interface {
	CreateCampaign(ctx context.Context, in campaign.CreateInput) (*db.Campaign, error)
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	ListCampaigns(ctx context.Context, limit, offset int) ([]*db.Campaign, error)
	Start(ctx context.Context, id uuid.UUID) (*campaign.StartResult, error)
	AssignRecipients(ctx context.Context, id uuid.UUID, contactIDs []uuid.UUID, replace bool) (*campaign.AssignResult, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, completedAt *time.Time) (*db.Campaign, error)
	ListRecipients(ctx context.Context, id uuid.UUID) ([]*db.Recipient, error)
	ListMessages(ctx context.Context, campaignID uuid.UUID, channel string) ([]*db.Message, error)
	ReconcileWebhook(ctx context.Context, u campaign.WebhookUpdate) (*campaign.ReconcileResult, error)
	RetryFailed(ctx context.Context) (*campaign.RetryResult, error)
	ClearPending(ctx context.Context) (*campaign.ClearResult, error)
	DeleteMessage(ctx context.Context, id uuid.UUID) (string, error)
}

// ContactRepository defines the contact operations used by the API.
type ContactRepository interface {
	CreateContact(ctx context.Context, c *db.Contact) error
	ListContactGroups(ctx context.Context) ([]*db.ContactGroup, error)
}

// QueueStatusReader reports queue counts and recent jobs.
type QueueStatusReader interface {
	Status(ctx context.Context) (*campaign.Status, error)
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Deps are the collaborators of a Handler. Replay and Imports need Redis and
// may be nil.
type Deps struct {
	Campaigns CampaignService
	Contacts  ContactRepository
	Queues    QueueStatusReader
	Phones    *phone.Normalizer
	Replay    *redis.ReplayGuard
	Imports   *redis.ImportSessions

	// Health checks run by GET /health, keyed by component name.
	Health map[string]func(context.Context) error
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger    *zap.Logger
	campaigns CampaignService
	contacts  ContactRepository
	queues    QueueStatusReader
	phones    *phone.Normalizer
	replay    *redis.ReplayGuard
	imports   *redis.ImportSessions
	health    map[string]func(context.Context) error
	validate  *validator.Validate

	// async runs background work such as contact imports.
	async         func(func())
	importTimeout time.Duration
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, deps Deps) *Handler {
	phones := deps.Phones
	if phones == nil {
		phones = phone.NewNormalizer("")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handler{
		logger:        logger,
		campaigns:     deps.Campaigns,
		contacts:      deps.Contacts,
		queues:        deps.Queues,
		phones:        phones,
		replay:        deps.Replay,
		imports:       deps.Imports,
		health:        deps.Health,
		validate:      validate,
		async:         func(f func()) { go f() },
		importTimeout: 10 * time.Minute,
	}
}

// Routes mounts every endpoint on r. webhookLimit wraps the provider webhook
// and may be nil.
func (h *Handler) Routes(r chi.Router, webhookLimit func(http.Handler) http.Handler) {
	if webhookLimit == nil {
		webhookLimit = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", h.CreateCampaign)
		r.Get("/", h.ListCampaigns)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetCampaign)
			r.Post("/start", h.StartCampaign)
			r.Post("/assign-contacts", h.AssignContacts)
			r.Put("/status", h.UpdateCampaignStatus)
			r.Get("/recipients", h.ListRecipients)
			r.Get("/sms-messages", h.ListMessages(db.ChannelSMS))
			r.Get("/email-messages", h.ListMessages(db.ChannelEmail))
		})
	})

	r.With(webhookLimit).Post("/webhooks/twilio", h.TwilioWebhook)

	r.Get("/queue/status", h.QueueStatus)

	r.Post("/messages/retry-failed", h.RetryFailed)
	r.Post("/messages/clear-pending", h.ClearPending)
	r.Delete("/messages/{id}", h.DeleteMessage)

	r.Post("/contacts", h.CreateContact)
	r.Post("/contacts/import", h.ImportContacts)
	r.Get("/contact-groups", h.ListContactGroups)
	r.Get("/imports/{id}", h.GetImport)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(h.health))
	for name, check := range h.health {
		if err := check(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("component", name), zap.Error(err))
			checks[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

// decodeJSON reads r's body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return apperr.Validation("malformed JSON body")
	}
	return nil
}

// validateStruct runs the struct's validate tags and reports the first
// failing field by its JSON name.
func (h *Handler) validateStruct(v any) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.Validation("invalid request")
	}

	fe := verrs[0]
	switch fe.Tag() {
	case "required", "required_if", "required_without":
		return apperr.Validation("%s is required", fe.Field())
	case "email":
		return apperr.Validation("%s must be a valid email address", fe.Field())
	case "uuid":
		return apperr.Validation("%s must be a valid id", fe.Field())
	case "max":
		return apperr.Validation("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return apperr.Validation("%s is invalid", fe.Field())
	}
}

func pathID(r *http.Request, entity string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid %s id", entity)
	}
	return id, nil
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a status code and writes {"error": ...}. Server
// errors are logged with their cause; the client only sees the public message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
	}
	writeJSON(w, status, ErrorResponse{Error: apperr.PublicMessage(err)})
}
