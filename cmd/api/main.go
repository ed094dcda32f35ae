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

	"anymail/internal/anymail"
	"anymail/internal/config"
	"anymail/internal/httpserver"
	"anymail/internal/logging"
	"anymail/internal/observability"
	"anymail/internal/providers"
	"anymail/internal/providers/testesp"
	"anymail/internal/store/pg"
	"anymail/internal/util"
)

func main() {
	cfg := config.LoadAPI()
	logger := logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	esp, err := providers.NewESP(cfg.ESP, cfg.ESPConfig)
	if err != nil {
		slog.Error("api esp init failed", "err", err, "esp", cfg.ESP)
		os.Exit(1)
	}
	settings, err := cfg.SendConfig.Settings()
	if err != nil {
		slog.Error("api send settings load failed", "err", err, "file", cfg.SendDefaultsFile)
		os.Exit(1)
	}
	opts := append(cfg.SendConfig.BackendOptions(esp.Name()), anymail.WithLogger(logger))
	if strings.EqualFold(cfg.ESP, "test") {
		opts = append(opts, anymail.WithHTTPClient(testesp.NewOutbox()))
	}
	backend := anymail.New(esp, settings, opts...)

	db, err := pg.NewPool(ctx, cfg.DBConfig)
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	if err := pg.Migrate(ctx, db); err != nil {
		slog.Error("api db migrate failed", "err", err)
		os.Exit(1)
	}
	store := pg.New(db)

	observability.Register(prometheus.DefaultRegisterer)

	s := httpserver.New(2*time.Second, store.Ping)
	api := &httpserver.SendAPI{
		Backend: backend,
		ESP:     esp.Name(),
		Store:   store,
		IDGen:   func() string { return util.NewID("res_") },
		Now:     util.NowUTC,
	}
	api.Register(s.Mux)

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
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api metrics server failed", "err", err)
		}
	}()

	slog.Info("api listening", "port", cfg.Port, "esp", esp.Name())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}

	db.Close()
}
