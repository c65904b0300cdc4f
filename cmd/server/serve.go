package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"omnigate/internal/adapters/gateway"
	"omnigate/internal/adapters/handler"
	"omnigate/internal/adapters/websocket"
	"omnigate/internal/config"
	"omnigate/internal/core/domain"
	"omnigate/internal/core/ports"
	"omnigate/internal/core/services"
)

// runServe starts the full gateway: HTTP API, Messenger webhook, websocket
// hub, watchdog and (unless disabled) the delivery worker
func runServe(ctx context.Context, withWorker bool) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Every log line is mirrored to the dashboard log stream
	hub := websocket.NewLogHub(cfg.MeshSecret)
	setupLogger(cfg.App, hub)

	slog.Info("=== Omnigate - Initialization ===",
		"version", version,
		"db_driver", cfg.DB.Driver,
		"redis", cfg.Redis.Addr != "",
	)

	in, err := openInfra(ctx, cfg)
	if err != nil {
		return err
	}
	defer in.Close()

	// ==================================================================
	// Core services
	// ==================================================================
	contacts := services.NewContactRegistry(in.store, in.cache)
	agents := services.NewAgentRegistry(in.store, in.cache)
	routing := services.NewRoutingEngine(in.store, in.store)
	channels := services.NewChannelDirectory(in.store)
	dispatcher := services.NewDispatcher(in.store, in.queue, cfg.Delivery.MaxAttempts)

	channels.RegisterSender(domain.ChannelKindMessenger, gateway.NewFacebookClient(
		gateway.WithTokenRevokedHook(func(ctx context.Context, channelID string) {
			if err := channels.Deactivate(ctx, channelID); err != nil {
				slog.Error("Failed to deactivate channel after token revocation",
					"error", err,
					"channel_id", channelID,
				)
				return
			}
			slog.Warn("🔒 Channel deactivated, page token revoked", "channel_id", channelID)
		}),
	))
	channels.RegisterSender(domain.ChannelKindWebchat, gateway.NewWebchatSender(hub))

	pipeline := services.NewIngestionPipeline(
		contacts,
		routing,
		channels,
		in.store, // ConversationRepository
		in.store, // MessageRepository
		in.store, // AgentRepository
		in.dedup,
		dispatcher,
		services.IngestionConfig{
			SendTimeout: cfg.Ingestion.SendTimeout,
			DedupTTL:    cfg.Ingestion.DedupTTL,
		},
	)
	pipeline.AddAssignmentSink(hub)

	panicMode := services.NewPanicMode()

	var ai ports.AIResponder
	if cfg.AI.APIKey != "" {
		ai = gateway.NewAIClient(cfg.AI.APIKey, cfg.AI.BaseURL, cfg.AI.Model, cfg.AI.SystemPrompt)
	} else {
		slog.Warn("AI_API_KEY not set, webchat auto-replies are disabled")
	}
	responder := services.NewAutoResponder(
		ai,
		in.store,
		in.store,
		routing,
		pipeline,
		panicMode,
		services.AutoReplyConfig{EscalationKeywords: cfg.AI.EscalationKeywords},
	)
	responder.AddAssignmentSink(hub)
	pipeline.AddInboundObserver(responder)

	watchdog := services.NewWatchdog(in.queue, services.WatchdogConfig{
		Interval:        cfg.Watchdog.Interval,
		DiskPath:        cfg.Watchdog.DiskPath,
		DiskThreshold:   cfg.Watchdog.DiskThreshold,
		FailedRetention: cfg.Watchdog.FailedRetention,
	})

	// ==================================================================
	// HTTP surface
	// ==================================================================
	deps := handler.Deps{
		Pipeline:      pipeline,
		Contacts:      contacts,
		Agents:        agents,
		Webhooks:      services.NewWebhookService(in.store),
		Channels:      channels,
		Conversations: in.store,
		Messages:      in.store,
		Queue:         in.queue,
		PanicMode:     panicMode,
		Dashboard: handler.NewDashboardHandler(
			in.store,
			in.queue,
			watchdog,
			panicMode,
			hub.ClientCount,
			cfg.Watchdog.DiskPath,
			cfg.Watchdog.DiskThreshold,
		),
		Websockets: hub,
	}
	if cfg.Facebook.Enabled() {
		deps.Messenger = handler.NewWebhookHandler(pipeline, channels, cfg.Facebook.AppSecret, cfg.Facebook.VerifyToken)
	} else {
		slog.Warn("FB_APP_SECRET/FB_VERIFY_TOKEN not set, Messenger webhook is not mounted")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           handler.NewAPI(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ==================================================================
	// Run
	// ==================================================================
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return watchdog.Run(gctx) })
	if withWorker {
		worker := newDeliveryWorker(cfg, in, hub)
		g.Go(func() error { return worker.Run(gctx) })
	}

	g.Go(func() error {
		slog.Info("✅ HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	slog.Info("Omnigate stopped")
	return err
}

// runWorker runs only the delivery worker. The queue must be shared, so
// Redis is required.
func runWorker(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.App)

	if cfg.Redis.Addr == "" {
		return errors.New("worker mode needs REDIS_ADDR; the in-process queue is only reachable from serve")
	}

	in, err := openInfra(ctx, cfg)
	if err != nil {
		return err
	}
	defer in.Close()

	return newDeliveryWorker(cfg, in, nil).Run(ctx)
}

func newDeliveryWorker(cfg *config.Config, in *infra, hub *websocket.LogHub) *services.DeliveryWorker {
	wcfg := services.WorkerConfig{
		Concurrency:    cfg.Delivery.Concurrency,
		AttemptTimeout: cfg.Delivery.AttemptTimeout,
		RatePerSecond:  cfg.Delivery.RatePerSecond,
		Burst:          cfg.Delivery.Burst,
	}
	if hub == nil {
		return services.NewDeliveryWorker(in.queue, nil, wcfg)
	}
	return services.NewDeliveryWorker(in.queue, nil, wcfg, hub)
}
