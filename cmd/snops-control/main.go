// Command snops-control is the control plane entrypoint: it owns the
// bbolt-backed registry/environment/cannon state, serves the operator
// REST/WS API, accepts agent WebSocket connections, and drives the
// transaction cannon's tracking loop. Wiring and shutdown sequencing follow
// the teacher's cmd/warren cluster-init flow (build collaborators, start
// background loops, serve, wait for signal, stop in reverse order).
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/snops/pkg/api"
	"github.com/cuemby/snops/pkg/cannon"
	"github.com/cuemby/snops/pkg/config"
	"github.com/cuemby/snops/pkg/environment"
	"github.com/cuemby/snops/pkg/events"
	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/metrics"
	"github.com/cuemby/snops/pkg/registry"
	"github.com/cuemby/snops/pkg/security"
	"github.com/cuemby/snops/pkg/storage"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "snops-control",
	Short:   "snops control plane",
	Long:    "snops-control runs the control plane: environment lifecycle, agent registry, and the transaction cannon pipeline.",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("snops-control version %s\nCommit: %s\n", Version, Commit))
	config.RegisterControlFlags(rootCmd)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadControlConfig(cmd)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("snops-control")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	reg, err := registry.New(store, broker)
	if err != nil {
		return fmt.Errorf("failed to build registry: %w", err)
	}

	mgr, err := environment.New(store, reg, broker)
	if err != nil {
		return fmt.Errorf("failed to build environment manager: %w", err)
	}

	issuer, err := security.NewTokenIssuer([]byte(cfg.JWTSecret))
	if err != nil {
		return fmt.Errorf("failed to build token issuer: %w", err)
	}

	server := api.NewServer(store, mgr, reg, broker, issuer, nil, nil, cfg.DataDir)
	reg.SetReconcileNotifier(server.Hub())

	ledger := cannon.NewLedgerClient()
	engine := cannon.NewEngine(store, broker, cannon.Dependencies{
		Compute:     reg,
		Executor:    server.Hub(),
		Broadcaster: ledger,
		Confirmer:   ledger,
	})
	if err := reloadCannons(store, engine); err != nil {
		logger.Warn().Err(err).Msg("failed to reload persisted cannons")
	}

	metricsCollector := metrics.NewCollector(store)
	metricsCollector.Start()
	defer metricsCollector.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("storage", true, "ready")
	metrics.RegisterComponent("api", false, "initializing")

	health := api.NewHealthServer(store, reg, broker)
	go func() {
		if err := health.Start(cfg.HealthAddr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health server error")
		}
	}()
	logger.Info().Str("addr", cfg.HealthAddr).Msg("health/metrics endpoint listening")

	httpServer := &http.Server{
		Addr:         cfg.APIAddr,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	metrics.RegisterComponent("api", true, "ready")
	logger.Info().Str("addr", cfg.APIAddr).Msg("operator API listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("API server error")
	}

	_ = httpServer.Close()
	return nil
}

// reloadCannons re-registers every persisted cannon instance's tracking
// workers on startup, since Engine.RegisterCannon is an in-memory, per-
// process registration the bbolt-backed instances themselves don't trigger.
func reloadCannons(store storage.Store, engine *cannon.Engine) error {
	envs, err := store.ListEnvironments()
	if err != nil {
		return err
	}
	for _, env := range envs {
		cannons, err := store.ListCannonsByEnv(env.ID)
		if err != nil {
			return err
		}
		for _, inst := range cannons {
			if err := engine.RegisterCannon(inst); err != nil {
				return err
			}
		}
	}
	return nil
}
