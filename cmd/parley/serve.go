package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/parley/internal/api"
	"github.com/MikeSquared-Agency/parley/internal/auth"
	"github.com/MikeSquared-Agency/parley/internal/chat"
	"github.com/MikeSquared-Agency/parley/internal/config"
	"github.com/MikeSquared-Agency/parley/internal/events"
	"github.com/MikeSquared-Agency/parley/internal/generation"
	"github.com/MikeSquared-Agency/parley/internal/store"
	"github.com/MikeSquared-Agency/parley/internal/upstream"
	"github.com/MikeSquared-Agency/parley/internal/window"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *cfg)
		},
	}
	cmd.Flags().IntVar(&cfg.Port, "port", cfg.Port, "listen port")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := slog.Default()
	logger.Info("parley starting", "port", cfg.Port)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	repo, err := openRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer repo.Close()
	if m, ok := repo.(migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			return err
		}
	}
	logger.Info("database ready")

	// Upstream
	if cfg.UpstreamAPIKey == "" {
		logger.Warn("UPSTREAM_API_KEY not set")
	}
	llm := upstream.NewClient(cfg.UpstreamURL, cfg.UpstreamAPIKey, cfg.UpstreamModel)
	if cfg.UpstreamCumulative {
		llm.WithCumulativeOutput()
	}
	parserOpts := llm.ParserOptions()
	if cfg.UpstreamFragmentPath != "" {
		parserOpts = append(parserOpts, upstream.WithKeyPath(upstream.ParseKeyPath(cfg.UpstreamFragmentPath)...))
	}
	logger.Info("upstream client ready", "model", llm.Model(), "cumulative", cfg.UpstreamCumulative)

	registry := generation.NewRegistry()

	// NATS (optional)
	var (
		publisher     events.Publisher = events.Nop{}
		natsConnected func() bool
	)
	if cfg.NatsURL != "" {
		nc, err := events.NewClient(cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := nc.Subscribe(events.SubjectGenerationCancel, events.CancelHandler(registry, logger)); err != nil {
			return err
		}
		publisher = nc
		natsConnected = nc.Connected
		logger.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		logger.Warn("NATS_URL not set, events disabled")
	}

	hub := store.NewHub(repo, store.Options{
		PageSize:          cfg.PageSize,
		ConversationLimit: cfg.ConversationCap,
		TitleLength:       cfg.TitleLength,
	}, logger)
	svc := chat.NewService(llm, registry, window.NewManager(repo, cfg.PageSize, logger), publisher, chat.Options{
		ContextMessages: cfg.ContextMessages,
		PersistPartial:  cfg.PersistPartial,
		Throttle:        cfg.StreamThrottle,
		ParserOptions:   parserOpts,
	}, logger)

	srv := api.NewServer(cfg.Port, cfg.APIToken, hub, svc, auth.HeaderResolver{Token: cfg.APIToken}, logger).
		WithEventsStatus(natsConnected)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("parley ready", "port", cfg.Port)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if n := registry.CancelAll(); n > 0 {
		logger.Info("cancelled in-flight generations", "count", n)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", "error", err)
	}
	logger.Info("parley stopped")
	return nil
}
