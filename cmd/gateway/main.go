// Command gateway is the chat gateway: it consumes the ingest stream,
// sanitizes and moderates messages, fans them out to websocket subscribers
// and appends the approved firehose.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/chorus-chat/chorus/internal/config"
	"github.com/chorus-chat/chorus/internal/gateway"
	"github.com/chorus-chat/chorus/internal/health"
	"github.com/chorus-chat/chorus/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath, config.ServiceGateway)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "chorus-gateway"})
	if err != nil {
		logger.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(flushCtx); err != nil {
			logger.Warn("telemetry shutdown error", "err", err)
		}
	}()

	hub := gateway.NewHub(cfg.Gateway.BroadcastQueueSize, logger)
	safety := gateway.NewSafety(cfg.Gateway.ContentMaxLength, cfg.Gateway.ModerationConfigPath, logger)
	stats := &gateway.Stats{}
	consumer := &gateway.Consumer{
		Bus:    cfg.Bus,
		Safety: safety,
		Hub:    hub,
		Stats:  stats,
		Log:    logger,
	}
	server := &gateway.Server{
		Hub:              hub,
		DefaultRoom:      cfg.Gateway.DefaultRoom,
		SubscribeTimeout: time.Duration(cfg.Gateway.SubscribeTimeoutS * float64(time.Second)),
		Log:              logger,
	}

	mux := http.NewServeMux()
	health.New().Register(mux)
	mux.HandleFunc("GET /stats", health.StatsHandler(func() map[string]any {
		return stats.Snapshot(hub.ActiveConnections())
	}))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", server.HandleWS)

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(observe.DefaultMetrics())(mux),
	}

	logger.Info("gateway starting",
		"listen_addr", cfg.Server.ListenAddr,
		"ingest_stream", cfg.Bus.IngestStream,
		"default_room", cfg.Gateway.DefaultRoom,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(ctx) })
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("gateway stopped", "err", err)
		return 1
	}
	logger.Info("gateway stopped")
	return 0
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
