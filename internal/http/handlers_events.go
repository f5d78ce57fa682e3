package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mistakeknot/converge/internal/controller"
	"github.com/mistakeknot/converge/internal/core"
)

type eventMutation struct {
	BaseVersion uint64     `json:"base_version"`
	Event       core.Event `json:"event"`
}

func (s *Service) listEvents(w http.ResponseWriter, r *http.Request, calendarID string) {
	events, err := s.store.ListEvents(r.Context(), calendarID)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []core.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Service) createEvent(w http.ResponseWriter, r *http.Request, calendarID string) {
	var ev core.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ev.CalendarID = calendarID
	if strings.TrimSpace(ev.Title) == "" || ev.Start.IsZero() || ev.End.IsZero() {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	res, err := s.ctrl.SubmitChange(r.Context(), core.OriginAPI, controller.Change{
		Kind:  core.KindEvent,
		Op:    controller.OpCreate,
		Event: &ev,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Committed {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Service) handleEventByID(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/events/"), "/")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getEvent(w, r, id)
	case http.MethodPut:
		s.updateEvent(w, r, id)
	case http.MethodDelete:
		s.deleteEvent(w, r, id)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) getEvent(w http.ResponseWriter, r *http.Request, id string) {
	ev, err := s.store.GetEvent(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Service) updateEvent(w http.ResponseWriter, r *http.Request, id string) {
	var req eventMutation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	req.Event.ID = id
	res, err := s.ctrl.SubmitChange(r.Context(), core.OriginAPI, controller.Change{
		Kind:        core.KindEvent,
		Op:          controller.OpUpdate,
		BaseVersion: req.BaseVersion,
		Event:       &req.Event,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) deleteEvent(w http.ResponseWriter, r *http.Request, id string) {
	req := eventMutation{}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	ev, err := s.store.GetEvent(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	base := req.BaseVersion
	if base == 0 {
		base = ev.Version
	}
	res, err := s.ctrl.SubmitChange(r.Context(), core.OriginAPI, controller.Change{
		Kind:        core.KindEvent,
		Op:          controller.OpDelete,
		BaseVersion: base,
		Event:       &ev,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
