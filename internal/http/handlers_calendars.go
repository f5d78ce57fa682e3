package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mistakeknot/converge/internal/controller"
	"github.com/mistakeknot/converge/internal/core"
)

type calendarMutation struct {
	BaseVersion uint64        `json:"base_version"`
	Calendar    core.Calendar `json:"calendar"`
}

func (s *Service) handleCalendars(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listCalendars(w, r)
	case http.MethodPost:
		s.createCalendar(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) listCalendars(w http.ResponseWriter, r *http.Request) {
	cals, err := s.store.ListCalendars(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if cals == nil {
		cals = []core.Calendar{}
	}
	writeJSON(w, http.StatusOK, cals)
}

func (s *Service) createCalendar(w http.ResponseWriter, r *http.Request) {
	var cal core.Calendar
	if err := json.NewDecoder(r.Body).Decode(&cal); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(cal.Name) == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	res, err := s.ctrl.SubmitChange(r.Context(), core.OriginAPI, controller.Change{
		Kind:     core.KindCalendar,
		Op:       controller.OpCreate,
		Calendar: &cal,
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

// handleCalendarByID dispatches /api/calendars/{id} and
// /api/calendars/{id}/events.
func (s *Service) handleCalendarByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/calendars/"), "/")
	if path == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	id, rest, _ := strings.Cut(path, "/")

	switch rest {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.getCalendar(w, r, id)
		case http.MethodPut:
			s.updateCalendar(w, r, id)
		case http.MethodDelete:
			s.deleteCalendar(w, r, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "events":
		switch r.Method {
		case http.MethodGet:
			s.listEvents(w, r, id)
		case http.MethodPost:
			s.createEvent(w, r, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Service) getCalendar(w http.ResponseWriter, r *http.Request, id string) {
	cal, err := s.store.GetCalendar(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cal)
}

func (s *Service) updateCalendar(w http.ResponseWriter, r *http.Request, id string) {
	var req calendarMutation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	req.Calendar.ID = id
	res, err := s.ctrl.SubmitChange(r.Context(), core.OriginAPI, controller.Change{
		Kind:        core.KindCalendar,
		Op:          controller.OpUpdate,
		BaseVersion: req.BaseVersion,
		Calendar:    &req.Calendar,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) deleteCalendar(w http.ResponseWriter, r *http.Request, id string) {
	req := calendarMutation{}
	if r.Body != nil {
		// Body is optional for deletes; base_version defaults to the
		// current version when omitted.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	cal, err := s.store.GetCalendar(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	base := req.BaseVersion
	if base == 0 {
		base = cal.Version
	}
	res, err := s.ctrl.SubmitChange(r.Context(), core.OriginAPI, controller.Change{
		Kind:        core.KindCalendar,
		Op:          controller.OpDelete,
		BaseVersion: base,
		Calendar:    &cal,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
