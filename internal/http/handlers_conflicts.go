package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mistakeknot/converge/internal/core"
)

func (s *Service) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	conflicts, err := s.ctrl.OpenConflicts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []core.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

type resolveConflictRequest struct {
	Winner string `json:"winner"`
}

func (s *Service) handleConflictByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/conflicts/"), "/")
	id, rest, _ := strings.Cut(path, "/")
	if id == "" || rest != "resolve" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req resolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	res, err := s.ctrl.ResolveConflict(r.Context(), id, req.Winner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type syncConfigRequest struct {
	Settings map[string]string `json:"settings"`
	Targets  []string          `json:"targets,omitempty"`
}

func (s *Service) handleSyncConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req syncConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if len(req.Settings) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	queued, err := s.ctrl.PushSyncConfig(r.Context(), req.Settings, req.Targets)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"queued": queued})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	agents, err := s.reg.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": len(agents),
	})
}
