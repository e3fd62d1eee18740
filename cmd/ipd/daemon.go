package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tic-hefr/ipd/internal/admin"
	"github.com/tic-hefr/ipd/internal/builder"
	"github.com/tic-hefr/ipd/internal/config"
	"github.com/tic-hefr/ipd/internal/descriptor"
	"github.com/tic-hefr/ipd/internal/hypervisor"
	"github.com/tic-hefr/ipd/internal/logging"
	"github.com/tic-hefr/ipd/internal/metrics"
	"github.com/tic-hefr/ipd/internal/observability"
	"github.com/tic-hefr/ipd/internal/projects"
	"github.com/tic-hefr/ipd/internal/sshexec"
	"github.com/tic-hefr/ipd/internal/store"
)

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)

	if v, _ := cmd.Flags().GetString("admin-addr"); v != "" {
		cfg.Daemon.AdminAddr = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Daemon.LogLevel = v
	}

	logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "ipd"
	}
	if err := observability.Init(context.Background(), observability.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	if len(cfg.Hypervisors) == 0 {
		return fmt.Errorf("no hypervisors configured")
	}

	keyPEM, err := os.ReadFile(cfg.SSHKeyPath)
	if err != nil {
		return fmt.Errorf("read scheduler key: %w", err)
	}
	signer, err := sshexec.ParsePrivateKey(keyPEM)
	if err != nil {
		return err
	}

	st, err := store.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := projects.NewRegistry(st, nil)
	if err := registry.Start(context.Background()); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}
	defer registry.Stop()

	hvs := make(map[string]builder.Hypervisor, len(cfg.Hypervisors))
	for key, ep := range hypervisor.EndpointMap(cfg.Hypervisors) {
		hvs[key] = ep
	}

	m := metrics.New()

	b := builder.New(st, registry, hvs, builder.Options{
		Workdir:       descriptor.Workdir{Root: cfg.Workdir},
		Signer:        signer,
		SSHUser:       cfg.Scheduler.SSHUser,
		SSHTimeout:    cfg.Scheduler.SSHTimeout,
		PhoneHomeWait: cfg.Scheduler.PhoneHomeWait,
		QueueDepth:    cfg.Scheduler.QueueDepth,
		Metrics:       m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/", admin.NewHandler(registry, b))
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:    cfg.Daemon.AdminAddr,
		Handler: observability.HTTPMiddleware(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Op().Info("admin API listening", "addr", cfg.Daemon.AdminAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Op().Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("admin server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Op().Warn("admin server shutdown", "error", err)
	}

	// Stop pairing new builds, then let in-flight ones run out.
	b.StopBuilding()
	b.WaitBuilds()

	return nil
}
