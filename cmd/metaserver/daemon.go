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

	"github.com/tic-hefr/ipd/internal/config"
	"github.com/tic-hefr/ipd/internal/hypervisor"
	"github.com/tic-hefr/ipd/internal/logging"
	"github.com/tic-hefr/ipd/internal/metadata"
	"github.com/tic-hefr/ipd/internal/metrics"
	"github.com/tic-hefr/ipd/internal/observability"
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

	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Daemon.MetadataAddr = fmt.Sprintf(":%d", port)
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Daemon.LogLevel = v
	}

	logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "metaserver"
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

	hvs := make(map[string]metadata.Hypervisor, len(cfg.Hypervisors))
	for key, ep := range hypervisor.EndpointMap(cfg.Hypervisors) {
		hvs[key] = ep
	}

	m := metrics.New()
	svc := metadata.NewService(st, hvs, signer.PublicKey())

	mux := http.NewServeMux()
	mux.Handle("/", metadata.NewHandler(svc, m))
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:    cfg.Daemon.MetadataAddr,
		Handler: observability.HTTPMiddleware(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Op().Info("metadata server listening", "addr", cfg.Daemon.MetadataAddr)
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
		return fmt.Errorf("metadata server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
