package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/amonks/workcell/agent"
	"github.com/amonks/workcell/container"
	"github.com/amonks/workcell/internal/catalog"
	"github.com/amonks/workcell/internal/config"
	"github.com/amonks/workcell/internal/paths"
	"github.com/amonks/workcell/internal/sqlitestore"
	"github.com/amonks/workcell/internal/state"
	"github.com/amonks/workcell/server"
	"github.com/amonks/workcell/session"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var (
	serveSkipPreflight bool
	serveLogLevel      string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveSkipPreflight, "skip-preflight", false, "Start without checking that docker is reachable")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(serveLogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", serveLogLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	containers := container.New(container.Options{
		Runner: &container.DockerRunner{Binary: cfg.Container.Binary},
		Config: cfg.ContainerConfig(),
		Logger: logger,
	})
	if !serveSkipPreflight {
		if err := containers.Preflight(cmd.Context()); err != nil {
			return err
		}
	}

	cat := catalog.New(cfg.CatalogOptions())
	svc := session.New(session.Options{
		Store:         store,
		Containers:    containers,
		Agent:         agent.NewRunner(containers, cfg.AgentConfig(), logger),
		Repositories:  cat,
		Credentials:   cat,
		Logger:        logger,
		RatePerMinute: cfg.Billing.RatePerMinute,
		MaxDuration:   cfg.Session.MaxDuration.Duration,
		MaxLifetime:   cfg.Container.MaxLifetime.Duration,
		CommitPrefix:  cfg.Git.CommitPrefix,
	})
	if recovered, err := svc.RecoverOrphans(cmd.Context()); err != nil {
		logger.Error("recover orphaned sessions", "error", err)
	} else if recovered > 0 {
		logger.Info("recovered orphaned sessions", "count", recovered)
	}

	srv, err := server.New(server.Options{
		Sessions:        svc,
		Logger:          logger,
		SweepInterval:   cfg.Container.SweepInterval.Duration,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration,
	})
	if err != nil {
		return err
	}
	return srv.Serve(cmd.Context(), serverAddr())
}

func openStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		path, err := paths.ResolveWithDefault(cfg.Store.Path, paths.DefaultDatabasePath)
		if err != nil {
			return nil, err
		}
		store, err := sqlitestore.Open(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverFile:
		dir, err := paths.ResolveWithDefault(cfg.Store.Dir, paths.DefaultStateDir)
		if err != nil {
			return nil, err
		}
		return state.NewStore(dir), nil
	default:
		return nil, errors.New("unknown store driver " + cfg.Store.Driver)
	}
}
