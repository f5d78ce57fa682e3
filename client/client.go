// Package client is the Go client provider adapters use to talk to a
// converge server: register, heartbeat with locally observed changes,
// drain queued updates and acknowledge them. Types here mirror the
// server's wire format without importing its internal packages, so the
// package stays importable from other modules.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	BaseURL     string
	HTTP        *http.Client
	APIKey      string
	Environment string
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = strings.TrimSpace(key)
	}
}

func WithEnvironment(environment string) Option {
	return func(c *Client) {
		c.Environment = strings.TrimSpace(environment)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Capabilities struct {
	MetadataWritable bool `json:"metadata_writable"`
	EventWritable    bool `json:"event_writable"`
}

type Source struct {
	ID                 string       `json:"source_id"`
	Provider           string       `json:"provider_type"`
	ExternalCalendarID string       `json:"external_calendar_id"`
	CalendarID         string       `json:"calendar_id"`
	Capabilities       Capabilities `json:"capabilities"`
	LastSyncedVersion  uint64       `json:"last_synced_version"`
}

type Agent struct {
	ID          string    `json:"agent_id"`
	Name        string    `json:"agent_name"`
	Environment string    `json:"environment"`
	Sources     []Source  `json:"declared_sources"`
	Status      string    `json:"status"`
	LastSeen    time.Time `json:"last_seen_at"`
}

type Calendar struct {
	ID          string    `json:"calendar_id"`
	Name        string    `json:"name"`
	Color       string    `json:"color,omitempty"`
	Description string    `json:"description,omitempty"`
	Version     uint64    `json:"version"`
	Deleted     bool      `json:"deleted,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Event struct {
	ID             string    `json:"event_id"`
	CalendarID     string    `json:"calendar_id"`
	Title          string    `json:"title"`
	Start          time.Time `json:"start_time"`
	End            time.Time `json:"end_time"`
	Location       string    `json:"location,omitempty"`
	Description    string    `json:"description,omitempty"`
	RecurrenceRule string    `json:"recurrence_rule,omitempty"`
	Version        uint64    `json:"version"`
	Deleted        bool      `json:"deleted,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Change is one locally observed mutation reported on a heartbeat.
// Kind is "calendar" or "event"; Op is "create", "update" or "delete".
type Change struct {
	Kind        string    `json:"kind"`
	Op          string    `json:"op"`
	BaseVersion uint64    `json:"base_version"`
	SourceID    string    `json:"source_id,omitempty"`
	Calendar    *Calendar `json:"calendar,omitempty"`
	Event       *Event    `json:"event,omitempty"`
}

type ChangeOutcome struct {
	EntityID  string `json:"entity_id,omitempty"`
	Version   uint64 `json:"version,omitempty"`
	Committed bool   `json:"committed"`
	Error     string `json:"error,omitempty"`
}

type Update struct {
	ID            string          `json:"update_id"`
	AgentID       string          `json:"agent_id"`
	Type          string          `json:"type"`
	EntityID      string          `json:"entity_id,omitempty"`
	EntityVersion uint64          `json:"entity_version,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
}

type HeartbeatRequest struct {
	Name           string    `json:"agent_name,omitempty"`
	Environment    string    `json:"environment,omitempty"`
	Sources        []Source  `json:"declared_sources,omitempty"`
	Changes        []Change  `json:"locally_observed_changes,omitempty"`
	EchoServerTime time.Time `json:"echo_server_time,omitempty"`
	MaxUpdates     int       `json:"max_updates,omitempty"`
}

type HeartbeatResponse struct {
	Agent      Agent           `json:"agent"`
	Results    []ChangeOutcome `json:"results"`
	Updates    []Update        `json:"updates"`
	ServerTime time.Time       `json:"server_time"`
}

type Ack struct {
	UpdateID string `json:"update_id"`
	Outcome  string `json:"outcome"`
}

type QueueStats struct {
	Pending    int `json:"pending"`
	Delivered  int `json:"delivered"`
	Processed  int `json:"processed"`
	DeadLetter int `json:"dead_letter"`
}

type AgentReport struct {
	Agent       Agent      `json:"agent"`
	Queue       QueueStats `json:"queue"`
	DeadLetters []Update   `json:"dead_letters"`
}

type registerRequest struct {
	AgentID     string   `json:"agent_id"`
	Name        string   `json:"agent_name"`
	Environment string   `json:"environment"`
	Sources     []Source `json:"declared_sources"`
}

// Register creates or refreshes the agent record. The declared sources
// replace any previous declaration wholesale.
func (c *Client) Register(ctx context.Context, agent Agent) (Agent, error) {
	if agent.Environment == "" {
		agent.Environment = c.Environment
	}
	resp, err := c.postJSON(ctx, "/api/agents", registerRequest{
		AgentID:     agent.ID,
		Name:        agent.Name,
		Environment: agent.Environment,
		Sources:     agent.Sources,
	})
	if err != nil {
		return Agent{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return Agent{}, fmt.Errorf("register failed: %d", resp.StatusCode)
	}
	var out Agent
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Agent{}, err
	}
	return out, nil
}

// Heartbeat reports liveness and any locally observed changes, and
// returns the queued updates the agent must apply and acknowledge.
func (c *Client) Heartbeat(ctx context.Context, agentID string, req HeartbeatRequest) (HeartbeatResponse, error) {
	if req.Environment == "" {
		req.Environment = c.Environment
	}
	resp, err := c.postJSON(ctx, "/api/agents/"+url.PathEscape(agentID)+"/heartbeat", req)
	if err != nil {
		return HeartbeatResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return HeartbeatResponse{}, fmt.Errorf("heartbeat failed: %d", resp.StatusCode)
	}
	var out HeartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return HeartbeatResponse{}, err
	}
	return out, nil
}

// PendingUpdates lists queued work without marking anything delivered.
func (c *Client) PendingUpdates(ctx context.Context, agentID string) ([]Update, error) {
	resp, err := c.get(ctx, "/api/agents/"+url.PathEscape(agentID)+"/updates")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pending updates failed: %d", resp.StatusCode)
	}
	var out []Update
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// AckUpdates reports per-update outcomes ("processed" or "failed").
func (c *Client) AckUpdates(ctx context.Context, agentID string, acks []Ack) error {
	resp, err := c.postJSON(ctx, "/api/agents/"+url.PathEscape(agentID)+"/updates/ack", map[string]any{"acks": acks})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("ack failed: %d", resp.StatusCode)
	}
	return nil
}

// Report fetches the agent record with its queue statistics and any
// dead-lettered updates.
func (c *Client) Report(ctx context.Context, agentID string) (AgentReport, error) {
	resp, err := c.get(ctx, "/api/agents/"+url.PathEscape(agentID))
	if err != nil {
		return AgentReport{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return AgentReport{}, fmt.Errorf("report failed: %d", resp.StatusCode)
	}
	var out AgentReport
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return AgentReport{}, err
	}
	return out, nil
}

// RemoveAgent deletes the agent record and its queue.
func (c *Client) RemoveAgent(ctx context.Context, agentID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/api/agents/"+url.PathEscape(agentID), nil)
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("remove failed: %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	return c.HTTP.Do(req)
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)
	return c.HTTP.Do(req)
}

func (c *Client) applyHeaders(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
}
