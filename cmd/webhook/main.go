package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"anymail/internal/awsutil"
	"anymail/internal/config"
	"anymail/internal/dedupe"
	"anymail/internal/httpserver"
	"anymail/internal/logging"
	"anymail/internal/observability"
	"anymail/internal/providers"
	sqsqueue "anymail/internal/queue/sqs"
	"anymail/internal/store/pg"
	"anymail/internal/util"
)

func main() {
	cfg := config.LoadWebhook()
	logging.Init("webhook", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	parsers := make(map[string]providers.Parsers, len(cfg.WebhookESPs))
	for _, name := range cfg.WebhookESPs {
		name = strings.ToLower(strings.TrimSpace(name))
		p, err := providers.NewWebhookParsers(name, cfg.ESPConfig)
		if err != nil {
			slog.Error("webhook parser init failed", "err", err, "esp", name)
			os.Exit(1)
		}
		parsers[name] = p
	}

	db, err := pg.NewPool(ctx, cfg.DBConfig)
	if err != nil {
		slog.Error("webhook db connect failed", "err", err)
		os.Exit(1)
	}
	if err := pg.Migrate(ctx, db); err != nil {
		slog.Error("webhook db migrate failed", "err", err)
		os.Exit(1)
	}
	store := pg.New(db)
	checks := []httpserver.ReadyzCheck{store.Ping}

	var sink httpserver.EventSink = store
	if cfg.EventsQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			slog.Error("webhook sqs client init failed", "err", err)
			os.Exit(1)
		}
		sink = &sqsqueue.Sink{
			Producer: &sqsqueue.EventProducer{SQS: sqsClient, QueueURL: cfg.EventsQueueURL},
			Fallback: store,
		}
	}

	var deduper *dedupe.Deduper
	if cfg.RedisURL != "" {
		d, client, err := dedupe.Open(ctx, cfg.RedisURL, cfg.DedupeTTL)
		if err != nil {
			slog.Error("webhook redis connect failed", "err", err)
			os.Exit(1)
		}
		defer client.Close()
		deduper = d
		checks = append(checks, func(c context.Context) error { return client.Ping(c).Err() })
	}

	observability.Register(prometheus.DefaultRegisterer)

	s := httpserver.New(2*time.Second, checks...)
	hooks := &httpserver.Webhooks{
		Parsers:       parsers,
		Sink:          sink,
		Dedupe:        deduper,
		PublicBaseURL: cfg.PublicBaseURL,
		IDGen:         func() string { return util.NewID("evt_") },
		Now:           util.NowUTC,
	}
	hooks.Register(s.Mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: httpserver.MetricsHandler()}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("webhook shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	go func() {
		slog.Info("webhook metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("webhook metrics server failed", "err", err)
		}
	}()

	slog.Info("webhook listening", "port", cfg.Port, "esps", cfg.WebhookESPs)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("webhook server failed", "err", err)
		os.Exit(1)
	}
	db.Close()
}
