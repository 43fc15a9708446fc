package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"callpilot/pkg/analysis"
	"callpilot/pkg/cache"
	"callpilot/pkg/callstate"
	"callpilot/pkg/config"
	"callpilot/pkg/errors"
	httpserver "callpilot/pkg/http"
	"callpilot/pkg/livecall"
	"callpilot/pkg/llm"
	"callpilot/pkg/messaging"
	"callpilot/pkg/metrics"
	"callpilot/pkg/ratelimit"
	"callpilot/pkg/records"
	"callpilot/pkg/scheduler"
	"callpilot/pkg/suggest"
	"callpilot/pkg/telemetry/tracing"
	"callpilot/pkg/util"
	"callpilot/pkg/version"
	"callpilot/pkg/watchdog"
	"callpilot/pkg/webhook"
)

// Shutdown priorities. Lower values stop first.
const (
	stopIntake     = 0
	stopTimers     = 10
	stopBackground = 20
	stopOutbound   = 30
)

var logger = logrus.New()

func main() {
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	appConfig, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := appConfig.ApplyLogging(logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply logging configuration")
	}
	if !appConfig.HTTP.Enabled {
		logger.Fatal("HTTP_ENABLED=false leaves no way to receive fragments")
	}

	metrics.Init(logger)
	logStartupConfig(appConfig)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	shutdown := util.NewGracefulShutdown(logger, appConfig.HTTP.ShutdownTimeout+30*time.Second)
	shutdown.RegisterFunc("root context", stopOutbound+10, rootCancel)

	if err := run(rootCtx, appConfig, shutdown); err != nil {
		logger.WithError(err).Error("Startup failed")
		_ = shutdown.Shutdown(context.Background())
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Received shutdown signal")

	if err := shutdown.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Error("Graceful shutdown finished with errors")
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

// run builds every component, starts the HTTP server and registers each
// component with shutdown
func run(ctx context.Context, cfg *config.Config, shutdown *util.GracefulShutdown) error {
	shutdownTracing, err := tracing.Init(ctx, &cfg.Tracing, logger)
	if err != nil {
		return err
	}
	shutdown.Register(util.ShutdownResource{Name: "tracing", Priority: stopOutbound, Shutdown: shutdownTracing})

	states, stateCheck, err := newStateStore(ctx, cfg, shutdown)
	if err != nil {
		return err
	}
	recs := records.NewMemoryStore(nil)
	util.NewPanicHandler(logger).SafeGo("record retention", func() { purgeRecords(ctx, recs) })

	limiter := ratelimit.NewLimiter(&cfg.RateLimit, nil, logger)
	suggestionCache := newSuggestionCache(&cfg.Cache)
	shutdown.RegisterFunc("suggestion cache", stopOutbound, suggestionCache.Close)

	var completer llm.Completer
	if cfg.LLM.APIKey != "" {
		completer = llm.NewOpenAIClient(&cfg.LLM, logger)
	} else {
		logger.Warn("No LLM API key configured; using rule-based suggestions and analysis")
	}

	genDeps := suggest.Deps{
		Completer: completer,
		Retriever: llm.NewRetriever(&cfg.Retrieval, logger),
		Limiter:   limiter,
		Cache:     suggestionCache,
		Logger:    logger,
	}

	// Always built so completions can name per-call endpoints
	webhooks := webhook.NewHTTPSender(logger, cfg.Webhook.Endpoints, cfg.Webhook.Timeout)

	supervisor := util.NewSupervisor(logger)
	shutdown.RegisterFunc("background tasks", stopBackground, func() {
		supervisor.Shutdown(cfg.HTTP.ShutdownTimeout + 20*time.Second)
	})

	hub := httpserver.NewHub(logger)
	util.NewPanicHandler(logger).SafeGo("websocket hub", func() { hub.Run(ctx) })

	broadcaster := messaging.MultiBroadcaster{hub}
	var amqpClient *messaging.AMQPClient
	if cfg.AMQP.Enabled {
		amqpClient = messaging.NewAMQPClient(logger, cfg.AMQP)
		if err := amqpClient.Connect(); err != nil {
			// The client reconnects on its own; events published meanwhile are dropped
			logger.WithError(err).Warn("AMQP broker unreachable at startup")
		}
		broadcaster = append(broadcaster, messaging.NewAMQPBroadcaster(amqpClient, logger))
		shutdown.RegisterFunc("amqp", stopOutbound, amqpClient.Disconnect)
	}

	analyzer := analysis.NewOrchestrator(&cfg.Analysis, analysis.Deps{
		Records:     recs,
		Completer:   completer,
		Broadcaster: broadcaster,
		Webhooks:    webhooks,
		Supervisor:  supervisor,
		Logger:      logger,
	})

	timers := scheduler.NewTimerScheduler(logger)
	shutdown.RegisterFunc("inactivity timers", stopTimers, timers.Stop)

	pipeline := livecall.NewPipeline(livecall.Deps{
		States:   states,
		Records:  recs,
		Engine:   callstate.NewEngine(&cfg.Trigger),
		Fast:     suggest.NewFastGenerator(&cfg.Suggest, genDeps),
		Enhanced: suggest.NewEnhancedGenerator(&cfg.Suggest, genDeps),
		Watchdog: watchdog.New(&cfg.Watchdog, watchdog.Deps{
			Scheduler:   timers,
			Records:     recs,
			States:      states,
			Analyzer:    analyzer,
			Logger:      logger,
			BaseContext: ctx,
		}),
		Analyzer:    analyzer,
		Broadcaster: broadcaster,
		Supervisor:  supervisor,
		Logger:      logger,
	})

	server := httpserver.NewServer(logger, &cfg.HTTP, states)
	server.SetWebSocketHub(hub)
	if stateCheck != nil {
		server.AddHealthCheck("state_store", true, stateCheck)
	}
	if amqpClient != nil {
		server.AddHealthCheck("amqp", false, func(context.Context) error {
			if !amqpClient.IsConnected() {
				return errNotConnected
			}
			return nil
		})
	}
	if cfg.HTTPRateLimit.Enabled {
		server.SetRateLimitMiddleware(ratelimit.NewHTTPMiddleware(&cfg.HTTPRateLimit, nil, logger))
	}
	callHandler := httpserver.NewCallHandler(logger, pipeline, recs, &cfg.HTTP)
	callHandler.SetWebhookRegistrar(webhooks)
	callHandler.RegisterHandlers(server)

	if err := server.Start(); err != nil {
		return err
	}
	shutdown.Register(util.ShutdownResource{
		Name:     "http server",
		Priority: stopIntake,
		Shutdown: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	})

	if cfg.HotReload.Enabled {
		startHotReload(cfg, shutdown)
	}

	logger.WithFields(logrus.Fields{
		"addr":    server.Addr(),
		"version": version.Version,
	}).Info("Call assistant ready")
	return nil
}

var errNotConnected = errors.New("AMQP connection is down")

// newSuggestionCache returns the shared model-response cache with its
// expiry janitor running. Close stops the janitor.
func newSuggestionCache(cfg *cache.Config) *cache.Cache[string, []suggest.Suggestion] {
	c := cache.New[string, []suggest.Suggestion](cfg, nil)
	c.StartJanitor(cfg.CleanupInterval)
	return c
}

// Completed calls stay readable through GET /api/calls/{id} for a day
const (
	recordRetention     = 24 * time.Hour
	recordPurgeInterval = time.Hour
)

func purgeRecords(ctx context.Context, recs *records.MemoryStore) {
	ticker := time.NewTicker(recordPurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := recs.Purge(recordRetention); n > 0 {
				logger.WithField("removed", n).Debug("Purged completed call records")
			}
		}
	}
}

// newStateStore returns the Redis store when configured and the in-process
// store otherwise. The returned check is nil for the in-process store.
func newStateStore(ctx context.Context, cfg *config.Config, shutdown *util.GracefulShutdown) (callstate.Store, func(context.Context) error, error) {
	if !cfg.Redis.Enabled {
		return callstate.NewMemoryStore(), nil, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := callstate.NewRedisClient(connectCtx, &cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	shutdown.RegisterCloser("redis", client, stopOutbound)

	logger.WithField("addr", cfg.Redis.Addr).Info("Using Redis for live call state")
	check := func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
	return callstate.NewRedisStore(client, cfg.Redis.StateTTL, logger), check, nil
}

// startHotReload re-applies the logging section when the .env file changes.
// Other sections are read once at startup.
func startHotReload(cfg *config.Config, shutdown *util.GracefulShutdown) {
	if cfg.EnvFile == "" {
		logger.Warn("CONFIG_HOT_RELOAD is set but no .env file was loaded")
		return
	}

	manager, err := config.NewHotReloadManager(cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("Configuration hot reload unavailable")
		return
	}
	manager.AddCallback(func(oldConfig, newConfig *config.Config) error {
		if newConfig.Logging != oldConfig.Logging {
			if err := newConfig.ApplyLogging(logger); err != nil {
				return err
			}
		}
		var restart []string
		for _, section := range []struct {
			name    string
			changed bool
		}{
			{"http", newConfig.HTTP != oldConfig.HTTP},
			{"trigger", newConfig.Trigger != oldConfig.Trigger},
			{"watchdog", newConfig.Watchdog != oldConfig.Watchdog},
			{"llm", newConfig.LLM != oldConfig.LLM},
			{"redis", newConfig.Redis != oldConfig.Redis},
		} {
			if section.changed {
				restart = append(restart, section.name)
			}
		}
		if len(restart) > 0 {
			logger.WithField("sections", strings.Join(restart, ",")).Warn("Changed settings take effect after a restart")
		}
		return nil
	})

	if err := manager.Start(); err != nil {
		logger.WithError(err).Warn("Failed to start configuration hot reload")
		return
	}
	shutdown.Register(util.ShutdownResource{
		Name:     "config hot reload",
		Priority: stopIntake,
		Shutdown: func(context.Context) error { return manager.Stop() },
	})
}

func logStartupConfig(cfg *config.Config) {
	logger.WithFields(logrus.Fields{
		"version":            version.Version,
		"http_port":          cfg.HTTP.Port,
		"trigger_min_length": cfg.Trigger.MinLength,
		"trigger_chunk":      cfg.Trigger.ChunkThreshold,
		"trigger_cooldown":   cfg.Trigger.Cooldown,
		"trigger_max":        cfg.Trigger.MaxPerCall,
		"inactivity_window":  cfg.Watchdog.InactivityWindow,
		"llm_model":          cfg.LLM.Model,
		"llm_configured":     cfg.LLM.APIKey != "",
		"redis":              cfg.Redis.Enabled,
		"amqp":               cfg.AMQP.Enabled,
		"webhooks":           len(cfg.Webhook.Endpoints),
		"env_file":           cfg.EnvFile,
	}).Info("Starting call assistant")
}
