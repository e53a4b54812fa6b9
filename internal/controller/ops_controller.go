package controller

import (
	"context"
	"net/http"
	"time"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/cassiomorais/paygate/internal/domain/notification"
	"github.com/go-chi/chi/v5"
)

// NotificationOps is the dispatcher surface exposed to operators.
type NotificationOps interface {
	Stats(ctx context.Context) (notification.Stats, error)
	Requeue(ctx context.Context, orderNo string) error
	Defer(ctx context.Context, orderNo string, delay time.Duration) error
}

// OpsController serves operational endpoints for the notification lanes.
type OpsController struct {
	notifications NotificationOps
}

func NewOpsController(notifications NotificationOps) *OpsController {
	return &OpsController{notifications: notifications}
}

// Stats handles GET /ops/notifications/stats
func (h *OpsController) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.notifications.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse(stats))
}

// Requeue handles POST /ops/notifications/{orderNo}/requeue
func (h *OpsController) Requeue(w http.ResponseWriter, r *http.Request) {
	orderNo := chi.URLParam(r, "orderNo")
	if err := h.notifications.Requeue(r.Context(), orderNo); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"order_no": orderNo, "status": "requeued"})
}

// Defer handles POST /ops/notifications/{orderNo}/defer?delay=30m
func (h *OpsController) Defer(w http.ResponseWriter, r *http.Request) {
	orderNo := chi.URLParam(r, "orderNo")
	delay, err := time.ParseDuration(r.URL.Query().Get("delay"))
	if err != nil {
		writeError(w, domainErrors.NewValidationError("delay", "must be a duration such as 30m"))
		return
	}
	if err := h.notifications.Defer(r.Context(), orderNo, delay); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"order_no": orderNo, "status": "deferred", "delay": delay.String()})
}
