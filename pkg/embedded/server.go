// Package embedded runs an in-process converge server for host
// applications and tests that want the full engine without a separate
// daemon.
package embedded

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mistakeknot/converge/internal/auth"
	"github.com/mistakeknot/converge/internal/controller"
	"github.com/mistakeknot/converge/internal/core"
	httpapi "github.com/mistakeknot/converge/internal/http"
	"github.com/mistakeknot/converge/internal/queue"
	"github.com/mistakeknot/converge/internal/registry"
	"github.com/mistakeknot/converge/internal/storage/sqlite"
	"github.com/mistakeknot/converge/internal/ws"
)

type Config struct {
	// DBPath locates the SQLite file; empty defaults to
	// ~/.converge/data.db. ":memory:" is not supported here, use the
	// sqlite package directly for that.
	DBPath string

	// Host and Port for the listener. Defaults: 127.0.0.1, a
	// kernel-assigned free port.
	Host string
	Port int

	// Policy is the engine-wide conflict policy; empty means
	// latest_wins.
	Policy core.Policy

	// KeysFile enables bearer-key auth when set. Empty runs with the
	// localhost-bypass default, which suits in-process use.
	KeysFile string
}

type Server struct {
	cfg   Config
	store *sqlite.ResilientStore
	hub   *ws.Hub
	ctrl  *controller.Controller

	http    *http.Server
	ln      net.Listener
	started bool
	mu      sync.Mutex
}

func New(cfg Config) (*Server, error) {
	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		cfg.DBPath = filepath.Join(home, ".converge", "data.db")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	base, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	store := sqlite.NewResilient(base)

	var mw func(http.Handler) http.Handler
	if cfg.KeysFile != "" {
		keyring, err := auth.LoadKeyring(cfg.KeysFile)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("load auth: %w", err)
		}
		mw = auth.Middleware(keyring)
	}

	hub := ws.NewHub()
	reg := registry.New(store, registry.DefaultConfig())
	q := queue.New(store, queue.DefaultConfig()).WithBroadcaster(hub)
	ctrl := controller.New(store, reg, q, cfg.Policy)

	svc := httpapi.NewService(store, reg, q, ctrl)
	router := httpapi.NewRouter(svc, hub.Handler(), mw)

	return &Server{
		cfg:   cfg,
		store: store,
		hub:   hub,
		ctrl:  ctrl,
		http:  &http.Server{Handler: router},
	}, nil
}

// Start binds the listener and serves in a goroutine. Safe to call
// twice; the second call is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.ln = ln
	s.started = true
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "converge embedded server error: %v\n", err)
		}
	}()
	return nil
}

// Stop shuts the listener down gracefully and closes the store.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.http.Shutdown(ctx)
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// URL returns the base URL of the running server.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return "http://" + s.ln.Addr().String()
}

// Controller exposes the engine for direct in-process submissions.
func (s *Server) Controller() *controller.Controller {
	return s.ctrl
}
