package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"mailqueue/internal/bulk"
	"mailqueue/internal/models"
	"mailqueue/internal/queue"
)

// Handler exposes the queue operations over a thin JSON API. The processor
// endpoint exists for operational use; in production the processor runs on
// the scheduler.
type Handler struct {
	Enqueuer  *queue.Enqueuer
	Processor *queue.Processor
	Log       *zap.Logger
}

// QueueEmail handles POST /emails. A duplicate enqueue returns 200 with an
// empty id and duplicate=true; it is a no-op, not an error.
func (h *Handler) QueueEmail(w http.ResponseWriter, r *http.Request) {
	var req queue.EnqueueRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := h.Enqueuer.Enqueue(r.Context(), req)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidJob) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.Log.Error("enqueue failed", zap.Error(err))
		http.Error(w, "failed to queue email", http.StatusInternalServerError)
		return
	}

	if id == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":        nil,
			"duplicate": true,
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id": id,
	})
}

// CancelEmail handles POST /emails/cancel with body {"id": "..."}.
func (h *Handler) CancelEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "job id is required", http.StatusBadRequest)
		return
	}

	ok, err := h.Enqueuer.Cancel(r.Context(), req.ID)
	if err != nil {
		h.Log.Error("cancel failed", zap.String("job_id", req.ID), zap.Error(err))
		http.Error(w, "failed to cancel email", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cancelled": ok,
	})
}

// PendingEmails handles GET /emails/pending?user_id=...
func (h *Handler) PendingEmails(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	jobs, err := h.Enqueuer.PendingForUser(r.Context(), userID)
	if err != nil {
		h.Log.Error("pending lookup failed", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "failed to list pending emails", http.StatusInternalServerError)
		return
	}

	if jobs == nil {
		jobs = []*models.PendingEmailJob{}
	}

	writeJSON(w, http.StatusOK, jobs)
}

// ProcessQueue handles POST /queue/process and triggers one batch run.
func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Processor.Run(r.Context())
	if err != nil {
		h.Log.Error("queue run failed", zap.Error(err))
		http.Error(w, "queue run failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// BulkQueue handles POST /emails/bulk: a CSV body of recipients, with the
// campaign described in query parameters.
func (h *Handler) BulkQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	campaign := bulk.Campaign{
		ID:        q.Get("campaign_id"),
		UserID:    q.Get("user_id"),
		EmailType: models.EmailType(q.Get("email_type")),
		Subject:   q.Get("subject"),
	}
	if campaign.ID == "" || campaign.UserID == "" || campaign.EmailType == "" || campaign.Subject == "" {
		http.Error(w, "campaign_id, user_id, email_type and subject are required", http.StatusBadRequest)
		return
	}

	recipients, err := bulk.ParseRecipients(r.Body, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := bulk.Queue(r.Context(), h.Enqueuer, campaign, recipients)
	if err != nil {
		h.Log.Error("bulk enqueue failed", zap.String("campaign_id", campaign.ID), zap.Error(err))
		http.Error(w, "failed to queue campaign", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
