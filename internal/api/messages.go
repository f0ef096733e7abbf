package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/apperr"
	"github.com/lalithlochan/beacon/internal/campaign"
	"github.com/lalithlochan/beacon/internal/metrics"
)

// TwilioWebhook handles POST /webhooks/twilio
// Twilio posts a form per status change and retries on non-2xx responses, so a
// report is reserved in the replay guard before it is applied and released
// again when applying fails.
func (h *Handler) TwilioWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, apperr.Validation("malformed form body"))
		return
	}

	status := r.PostForm.Get("MessageStatus")
	if status == "" {
		status = r.PostForm.Get("SmsStatus")
	}
	update := campaign.WebhookUpdate{
		ProviderMessageID: r.PostForm.Get("MessageSid"),
		Status:            status,
		ErrorCode:         r.PostForm.Get("ErrorCode"),
		ErrorMessage:      r.PostForm.Get("ErrorMessage"),
	}

	reserved := false
	if h.replay != nil && update.ProviderMessageID != "" {
		ok, err := h.replay.Reserve(ctx, update.ProviderMessageID, update.Status)
		switch {
		case err != nil:
			h.logger.Warn("webhook replay check failed, proceeding",
				zap.Error(err),
				zap.String("message_sid", update.ProviderMessageID),
			)
		case !ok:
			metrics.RecordWebhookReplay()
			h.logger.Info("webhook replay ignored",
				zap.String("message_sid", update.ProviderMessageID),
				zap.String("status", update.Status),
			)
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
			return
		default:
			reserved = true
		}
	}

	result, err := h.campaigns.ReconcileWebhook(ctx, update)
	if err != nil {
		if reserved {
			if rerr := h.replay.Release(ctx, update.ProviderMessageID, update.Status); rerr != nil {
				h.logger.Warn("failed to release webhook reservation", zap.Error(rerr))
			}
		}
		h.writeError(w, r, err)
		return
	}

	if reserved {
		if err := h.replay.Complete(ctx, update.ProviderMessageID, update.Status); err != nil {
			h.logger.Warn("failed to record webhook", zap.Error(err))
		}
	}

	h.logger.Info("twilio webhook processed",
		zap.String("message_sid", update.ProviderMessageID),
		zap.String("status", update.Status),
		zap.String("message_id", result.MessageID.String()),
		zap.Bool("applied", result.Applied),
	)

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// QueueStatus handles GET /queue/status
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.queues.Status(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// RetryFailed handles POST /messages/retry-failed
func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	result, err := h.campaigns.RetryFailed(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"retriedSms":   result.SMS,
		"retriedEmail": result.Email,
	})
}

// ClearPending handles POST /messages/clear-pending
func (h *Handler) ClearPending(w http.ResponseWriter, r *http.Request) {
	result, err := h.campaigns.ClearPending(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"cleared": map[string]int64{
			"sms":   result.SMS,
			"email": result.Email,
		},
	})
}

// DeleteMessage handles DELETE /messages/{id}
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "message")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	channel, err := h.campaigns.DeleteMessage(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("message deleted",
		zap.String("message_id", id.String()),
		zap.String("channel", channel),
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"type":    channel,
	})
}
