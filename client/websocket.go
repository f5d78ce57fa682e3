package client

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Nudge is the wake-up event pushed when an update is queued for the
// agent or its liveness label changes. It carries no payload; the
// agent heartbeats to pull the actual work.
type Nudge struct {
	Type       string `json:"type"`
	AgentID    string `json:"agent_id"`
	UpdateID   string `json:"update_id"`
	UpdateType string `json:"update_type"`
}

// Listen connects to the server's push channel and invokes handler for
// each nudge until ctx is cancelled. The connection is best-effort:
// on error Listen redials after a short pause, and the agent's regular
// heartbeat covers anything missed in between.
func (c *Client) Listen(ctx context.Context, agentID string, handler func(Nudge)) error {
	wsURL, err := c.nudgeURL(agentID)
	if err != nil {
		return err
	}
	for {
		if err := c.listenOnce(ctx, wsURL, handler); err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
	}
}

func (c *Client) listenOnce(ctx context.Context, wsURL string, handler func(Nudge)) error {
	opts := &websocket.DialOptions{}
	if c.APIKey != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.APIKey}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var n Nudge
		if err := wsjson.Read(ctx, conn, &n); err != nil {
			return err
		}
		handler(n)
	}
}

func (c *Client) nudgeURL(agentID string) (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/agents/" + agentID
	if c.Environment != "" {
		u.RawQuery = "environment=" + url.QueryEscape(c.Environment)
	}
	return u.String(), nil
}
