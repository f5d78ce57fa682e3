package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mistakeknot/converge/internal/auth"
	"github.com/mistakeknot/converge/internal/controller"
	"github.com/mistakeknot/converge/internal/core"
)

type registerAgentRequest struct {
	AgentID     string        `json:"agent_id"`
	Name        string        `json:"agent_name"`
	Environment string        `json:"environment"`
	Sources     []core.Source `json:"declared_sources"`
}

func (s *Service) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listAgents(w, r)
	case http.MethodPost:
		s.registerAgent(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	info, _ := auth.FromContext(r.Context())
	if info.Mode == auth.ModeAPIKey {
		// A keyed agent registers into the environment its key grants.
		if req.Environment != "" && req.Environment != info.Environment {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		req.Environment = info.Environment
	}

	agent, err := s.reg.RegisterOrTouch(r.Context(), core.Agent{
		ID:          req.AgentID,
		Name:        req.Name,
		Environment: req.Environment,
		Sources:     req.Sources,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Service) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.reg.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if agents == nil {
		agents = []core.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

// handleAgentByID dispatches /api/agents/{id} and its sub-resources:
// {id}/heartbeat, {id}/updates and {id}/updates/ack.
func (s *Service) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/agents/"), "/")
	if path == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	id, rest, _ := strings.Cut(path, "/")

	switch rest {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.agentReport(w, r, id)
		case http.MethodDelete:
			s.removeAgent(w, r, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "heartbeat":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.heartbeat(w, r, id)
	case "updates":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.pendingUpdates(w, r, id)
	case "updates/ack":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.ackUpdates(w, r, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Service) agentReport(w http.ResponseWriter, r *http.Request, id string) {
	report, err := s.ctrl.AgentReport(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Service) removeAgent(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.reg.Remove(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) heartbeat(w http.ResponseWriter, r *http.Request, id string) {
	var req controller.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	req.AgentID = id
	info, _ := auth.FromContext(r.Context())
	if info.Mode == auth.ModeAPIKey {
		req.Environment = info.Environment
	}
	resp, err := s.ctrl.Heartbeat(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if resp.Updates == nil {
		resp.Updates = []core.Update{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) pendingUpdates(w http.ResponseWriter, r *http.Request, id string) {
	updates, err := s.queue.Pending(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if updates == nil {
		updates = []core.Update{}
	}
	writeJSON(w, http.StatusOK, updates)
}

type ackRequest struct {
	Acks []controller.Ack `json:"acks"`
}

func (s *Service) ackUpdates(w http.ResponseWriter, r *http.Request, id string) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.ctrl.AcknowledgeUpdates(r.Context(), id, req.Acks); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
