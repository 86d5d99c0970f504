package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	driftguard "github.com/oarkflow/driftguard"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML config (defaults apply when empty)")
		listenAddr  = flag.String("listen", ":8080", "gateway listen address")
		metricsAddr = flag.String("metrics", ":9100", "Prometheus metrics listen address")
		ledgerPath  = flag.String("ledger", "", "SQLite ledger path (in-memory ledger when empty)")
		webhookURL  = flag.String("webhook", "", "notification webhook URL (optional)")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	cfg := driftguard.DefaultConfig()
	if *configPath != "" {
		cfg, err = driftguard.LoadConfig(*configPath)
		if err != nil {
			logger.Fatal("config load failed", zap.String("path", *configPath), zap.Error(err))
		}
	}

	var ledger driftguard.Ledger
	if *ledgerPath != "" {
		sl, err := driftguard.NewSQLiteLedger(*ledgerPath, cfg.RetentionHorizon, logger)
		if err != nil {
			logger.Fatal("ledger open failed", zap.Error(err))
		}
		defer sl.Close()
		ledger = sl
	} else {
		ledger = driftguard.NewMemoryLedger(cfg.RetentionHorizon)
	}

	notifier := driftguard.NewNotificationRegistry(logger)
	notifier.Register(&driftguard.LogSender{Logger: logger})
	if *webhookURL != "" {
		notifier.Register(driftguard.NewWebhookSender(*webhookURL))
	}

	metrics := driftguard.NewPrometheusCollector()

	engine, err := driftguard.NewEngine(cfg,
		driftguard.WithLogger(logger),
		driftguard.WithMetrics(metrics),
		driftguard.WithDecisionStore(driftguard.NewInMemoryDecisionStore()),
		driftguard.WithLedger(ledger),
		driftguard.WithNotifier(notifier),
	)
	if err != nil {
		logger.Fatal("engine init failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		logger.Fatal("engine start failed", zap.Error(err))
	}
	defer engine.Stop()

	if *configPath != "" {
		watcher, err := driftguard.NewConfigWatcher(*configPath, engine, logger)
		if err != nil {
			logger.Fatal("config watcher failed", zap.Error(err))
		}
		go watcher.Run(ctx)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		logger.Info("metrics listening", zap.String("addr", *metricsAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(engine.Middleware(nil))
	engine.RegisterAdminRoutes(app.Group("/driftguard"))
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		app.ShutdownWithContext(shutdownCtx)
	}()

	logger.Info("gateway listening", zap.String("addr", *listenAddr))
	if err := app.Listen(*listenAddr); err != nil {
		logger.Fatal("gateway failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
