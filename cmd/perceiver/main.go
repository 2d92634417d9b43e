// Command perceiver watches a stream: it consumes frame and transcript
// entries, joins them per room and emits structured observations for the
// persona workers.
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
	"github.com/chorus-chat/chorus/internal/health"
	"github.com/chorus-chat/chorus/internal/observe"
	"github.com/chorus-chat/chorus/internal/perceiver"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath, config.ServicePerceiver)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perceiver: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "chorus-perceiver"})
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

	svc, err := perceiver.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialise perceiver", "err", err)
		return 1
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.OK)
	mux.HandleFunc("GET /stats", health.StatsHandler(func() map[string]any {
		snap := svc.Stats.Snapshot()
		snap["llm"] = svc.Describe()
		return snap
	}))
	mux.Handle("GET /metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(observe.DefaultMetrics())(mux),
	}

	logger.Info("perceiver starting",
		"listen_addr", cfg.Server.ListenAddr,
		"frames_stream", cfg.Bus.FramesStream,
		"transcripts_stream", cfg.Bus.TranscriptsStream,
		"frame_root", cfg.Perceiver.FrameRoot,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
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
		logger.Error("perceiver stopped", "err", err)
		return 1
	}
	logger.Info("perceiver stopped")
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
