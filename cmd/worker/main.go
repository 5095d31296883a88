// cmd/worker is a render worker process. It announces itself on NATS,
// renders the frames the farm assigns to it and exits when retired.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/tendant/simple-renderfarm/internal/bus"
	"github.com/tendant/simple-renderfarm/internal/img"
	"github.com/tendant/simple-renderfarm/internal/worker"
)

type config struct {
	NATSURL       string
	SubjectPrefix string
	WorkerID      string
	Renderer      string
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := LoadConfig()
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger = logger.With("worker_id", cfg.WorkerID)
	logger.Info("worker starting", "nats_url", cfg.NATSURL, "subject_prefix", cfg.SubjectPrefix, "renderer", cfg.Renderer)

	renderer, err := img.GetRenderer(cfg.Renderer)
	if err != nil {
		fatal(logger, "select renderer", err)
	}

	nc, err := bus.Connect(cfg.NATSURL, nats.Name("render-worker "+cfg.WorkerID))
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
	}
	logger.Info("connected to NATS", "nats_url", cfg.NATSURL)
	defer nc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := worker.New(cfg.WorkerID, renderer, nc, bus.NewSubjects(cfg.SubjectPrefix), logger)
	if err := worker.Serve(ctx, nc, w); err != nil && !errors.Is(err, context.Canceled) {
		fatal(logger, "worker failed", err)
	}
	logger.Info("worker stopped")
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}

func LoadConfig() (config, error) {
	cfg := config{
		NATSURL:       getenv("NATS_URL", "nats://127.0.0.1:4222"),
		SubjectPrefix: getenv("SUBJECT_PREFIX", "render"),
		WorkerID:      getenv("WORKER_ID", ""),
		Renderer:      getenv("RENDERER", "pattern"),
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if _, err := uuid.Parse(cfg.WorkerID); err != nil {
		return config{}, fmt.Errorf("invalid WORKER_ID: %w", err)
	}
	return cfg, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
