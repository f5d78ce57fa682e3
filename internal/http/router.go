package httpapi

import "net/http"

// NewRouter wires every API endpoint, the health probe and the
// WebSocket handler, each behind the supplied middleware.
func NewRouter(svc *Service, wsHandler http.Handler, mw func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.Handler {
		handler := http.Handler(h)
		if mw != nil {
			handler = mw(handler)
		}
		return handler
	}

	mux.Handle("/api/agents", wrap(svc.handleAgents))
	mux.Handle("/api/agents/", wrap(svc.handleAgentByID))
	mux.Handle("/api/calendars", wrap(svc.handleCalendars))
	mux.Handle("/api/calendars/", wrap(svc.handleCalendarByID))
	mux.Handle("/api/events/", wrap(svc.handleEventByID))
	mux.Handle("/api/conflicts", wrap(svc.handleConflicts))
	mux.Handle("/api/conflicts/", wrap(svc.handleConflictByID))
	mux.Handle("/api/sync/config", wrap(svc.handleSyncConfig))
	mux.Handle("/api/health", wrap(svc.handleHealth))

	if wsHandler != nil {
		if mw != nil {
			mux.Handle("/ws/agents/", mw(wsHandler))
		} else {
			mux.Handle("/ws/agents/", wsHandler)
		}
	}

	return mux
}
