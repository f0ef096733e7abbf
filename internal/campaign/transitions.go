package campaign

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/beacon/internal/db"
)

const defaultDeliveryError = "Message delivery failed"

// settableStatuses are the targets accepted by UpdateStatus. running is
// reserved for Start.
var settableStatuses = map[string]bool{
	db.CampaignDraft:     true,
	db.CampaignActive:    true,
	db.CampaignPaused:    true,
	db.CampaignCancelled: true,
	db.CampaignCompleted: true,
}

// stampsCompletion reports whether moving to status sets completed_at.
func stampsCompletion(status string) bool {
	return status == db.CampaignCompleted || status == db.CampaignCancelled
}

// webhookTransition maps a provider status report onto a message transition.
// delivered and failed are terminal, so a late "sent" never regresses a
// message and a second "delivered" finds nothing to change. ok is false for
// statuses that only get recorded for diagnostics.
func webhookTransition(messageID uuid.UUID, u WebhookUpdate, at time.Time) (t db.StatusTransition, ok bool) {
	t = db.StatusTransition{MessageID: messageID, At: at}

	switch strings.ToLower(strings.TrimSpace(u.Status)) {
	case "delivered":
		t.From = []string{db.StatusPending, db.StatusSent}
		t.To = db.StatusDelivered
		t.Counter = db.CounterDelivered
	case "failed", "undelivered":
		msg := u.ErrorMessage
		if msg == "" && u.ErrorCode != "" {
			msg = fmt.Sprintf("%s (error code %s)", defaultDeliveryError, u.ErrorCode)
		}
		if msg == "" {
			msg = defaultDeliveryError
		}
		t.From = []string{db.StatusPending, db.StatusSent}
		t.To = db.StatusFailed
		t.Counter = db.CounterFailed
		t.ErrorMessage = &msg
	case "sent":
		t.From = []string{db.StatusPending}
		t.To = db.StatusSent
	default:
		return t, false
	}

	return t, true
}

// diagnostics is the provider_response patch recorded for every webhook.
func diagnostics(u WebhookUpdate, at time.Time) map[string]any {
	d := map[string]any{
		"last_status":     u.Status,
		"last_webhook_at": at.UTC().Format(time.RFC3339),
	}
	if u.ErrorCode != "" {
		d["error_code"] = u.ErrorCode
	}
	if u.ErrorMessage != "" {
		d["error_message"] = u.ErrorMessage
	}
	return d
}

// mergeRecipients appends ids to base, dropping duplicates and keeping the
// first occurrence of each id.
func mergeRecipients(base, ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(base)+len(ids))
	out := make([]uuid.UUID, 0, len(base)+len(ids))
	for _, list := range [][]uuid.UUID{base, ids} {
		for _, id := range list {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
