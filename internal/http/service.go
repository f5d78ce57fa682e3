// Package httpapi exposes the sync engine over HTTP: agent check-ins,
// calendar and event mutations, conflict administration and the
// WebSocket nudge endpoint.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mistakeknot/converge/internal/controller"
	"github.com/mistakeknot/converge/internal/core"
	"github.com/mistakeknot/converge/internal/queue"
	"github.com/mistakeknot/converge/internal/registry"
	"github.com/mistakeknot/converge/internal/storage"
)

type Service struct {
	store storage.Store
	reg   *registry.Registry
	queue *queue.Queue
	ctrl  *controller.Controller
}

func NewService(store storage.Store, reg *registry.Registry, q *queue.Queue, ctrl *controller.Controller) *Service {
	return &Service{store: store, reg: reg, queue: q, ctrl: ctrl}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain error kinds onto HTTP statuses: unknown
// entities are 404, capability rejections 403, version conflicts 409,
// dead-lettered updates 410, anything else 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrCapabilityDenied):
		status = http.StatusForbidden
	case errors.Is(err, core.ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, core.ErrDeliveryExhausted):
		status = http.StatusGone
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
