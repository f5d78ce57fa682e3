package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/converge/internal/auth"
	"github.com/mistakeknot/converge/internal/config"
	"github.com/mistakeknot/converge/internal/controller"
	httpapi "github.com/mistakeknot/converge/internal/http"
	"github.com/mistakeknot/converge/internal/queue"
	"github.com/mistakeknot/converge/internal/registry"
	"github.com/mistakeknot/converge/internal/server"
	"github.com/mistakeknot/converge/internal/storage/sqlite"
	"github.com/mistakeknot/converge/internal/ws"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.ResolvePath(configPath))
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file path (default: CONVERGE_CONFIG or ./converge.yaml)")
	return cmd
}

func serve(cfg config.Config) error {
	base, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return err
	}
	store := sqlite.NewResilient(base)
	defer store.Close()

	keysPath := cfg.KeysFile
	if keysPath == "" {
		keysPath = auth.ResolveKeysPath()
	}
	keyring, err := auth.LoadKeyring(keysPath)
	if err != nil {
		return err
	}

	hub := ws.NewHub()
	reg := registry.New(store, registry.Config{
		StaleAfter:       cfg.StaleAfter.Std(),
		UnreachableAfter: cfg.UnreachableAfter.Std(),
	})
	q := queue.New(store, queue.Config{
		MaxAttempts: cfg.MaxAttempts,
		DrainBatch:  cfg.DrainBatch,
	}).WithBroadcaster(hub)
	ctrl := controller.New(store, reg, q, cfg.ConflictPolicy)

	svc := httpapi.NewService(store, reg, q, ctrl)
	router := httpapi.NewRouter(svc, hub.Handler(), auth.Middleware(keyring))

	srv, err := server.New(server.Config{
		Addr:       cfg.Addr,
		SocketPath: cfg.SocketPath,
		Handler:    router,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := registry.NewSweeper(reg, hub, cfg.SweepInterval.Std())
	sweeper.Start(ctx)
	defer sweeper.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	log.Printf("converge listening on %s (policy %s)", cfg.Addr, cfg.ConflictPolicy)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
