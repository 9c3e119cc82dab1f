// Package cli implements the luthien subcommands. Wiring lives here so the
// cmd entrypoint stays a thin cobra assembly.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/luthien-dev/luthien/internal/bus"
	"github.com/luthien-dev/luthien/internal/config"
	"github.com/luthien-dev/luthien/internal/events"
	"github.com/luthien-dev/luthien/internal/judge"
	"github.com/luthien-dev/luthien/internal/obs"
	"github.com/luthien-dev/luthien/internal/policy"
	"github.com/luthien-dev/luthien/internal/server"
	"github.com/luthien-dev/luthien/internal/store"
	"github.com/luthien-dev/luthien/internal/upstream"
)

const shutdownGrace = 15 * time.Second

// ServeCommand runs the control plane.
func ServeCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Luthien control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides LUTHIEN_LISTEN)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	obs.SetupLogging(obs.LogConfig{
		Level:    cfg.LogLevel,
		Format:   cfg.LogFormat,
		FilePath: cfg.LogFile,
	})

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var eventBus *bus.Bus
	if cfg.RedisURL != "" {
		eventBus, err = bus.New(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		defer eventBus.Close()
	} else {
		logrus.Warn("LUTHIEN_REDIS_URL unset; live event streaming disabled")
	}

	publisher := events.NewPublisher(st, busOrNil(eventBus))
	defer publisher.Close(shutdownGrace)

	telemetry, err := obs.NewTelemetry(obs.DefaultMetricsConfig())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("Telemetry shutdown failed")
		}
	}()

	backend, err := buildBackend(cfg)
	if err != nil {
		return err
	}

	deps := policy.Dependencies{}
	if judgeCfg, ok := judge.FromEnv(); ok {
		client, err := judge.New(judgeCfg)
		if err != nil {
			return fmt.Errorf("init judge client: %w", err)
		}
		deps.Judge = client
	}

	srv, err := server.NewServer(cfg, server.Options{
		Store:      st,
		Bus:        eventBus,
		Publisher:  publisher,
		Telemetry:  telemetry,
		Backend:    backend,
		PolicyDeps: deps,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logrus.WithField("signal", sig.String()).Info("Shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildBackend(cfg *config.Config) (upstream.Client, error) {
	switch cfg.UpstreamDialect {
	case config.UpstreamAnthropic:
		return upstream.NewAnthropicBackend(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey), nil
	case config.UpstreamOpenAI:
		if cfg.UpstreamBaseURL == "" {
			return nil, fmt.Errorf("LUTHIEN_UPSTREAM_BASE_URL is required for the openai upstream dialect")
		}
		return upstream.NewOpenAIBackend(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, &http.Client{}), nil
	default:
		return nil, fmt.Errorf("unknown upstream dialect %q", cfg.UpstreamDialect)
	}
}

// busOrNil avoids handing a typed-nil Bus to the publisher interface.
func busOrNil(b *bus.Bus) events.Bus {
	if b == nil {
		return nil
	}
	return b
}
