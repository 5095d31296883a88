// cmd/server runs the render farm: the websocket endpoint for controlling
// clients, the hub that assigns frames, and the worker spawner.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-renderfarm/internal/bus"
	"github.com/tendant/simple-renderfarm/internal/farm"
	"github.com/tendant/simple-renderfarm/internal/img"
	"github.com/tendant/simple-renderfarm/internal/metrics"
	"github.com/tendant/simple-renderfarm/internal/spawn"
)

func main() {
	_ = godotenv.Load()

	cfg, err := LoadConfig()
	if err != nil {
		fatal(slog.Default(), "load config", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	logger.Info("render farm starting", "http_addr", cfg.HTTPAddr, "nats_url", cfg.NATSURL,
		"subject_prefix", cfg.SubjectPrefix, "spawn_mode", cfg.SpawnMode, "thumb_max_px", cfg.ThumbMaxPx)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nc, err := bus.Connect(cfg.NATSURL, nats.Name("render-farm"))
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
	}
	logger.Info("connected to NATS", "nats_url", cfg.NATSURL)
	defer nc.Close()

	subjects := bus.NewSubjects(cfg.SubjectPrefix)
	announce := spawn.NewAnnouncements()
	if _, err := announce.Listen(nc, subjects, logger); err != nil {
		fatal(logger, "subscribe worker announcements", err, "subject", subjects.Ready())
	}

	var spawner spawn.Spawner
	switch cfg.SpawnMode {
	case "exec":
		es := spawn.NewExecSpawner(cfg.WorkerBinary, nc, subjects, announce, logger)
		es.Timeout = cfg.SpawnTimeout
		es.Env = []string{"NATS_URL=" + cfg.NATSURL, "SUBJECT_PREFIX=" + subjects.Prefix, "RENDERER=" + cfg.Renderer}
		defer es.Shutdown()
		spawner = es
	default:
		renderer, err := img.GetRenderer(cfg.Renderer)
		if err != nil {
			fatal(logger, "select renderer", err, "renderer", cfg.Renderer)
		}
		ls := spawn.NewLocalSpawner(ctx, nc, subjects, renderer, announce, logger)
		ls.Timeout = cfg.SpawnTimeout
		defer ls.Wait()
		spawner = ls
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := farm.New(farm.Options{
		Spawner:    spawner,
		Publisher:  nc,
		Events:     nc,
		Subjects:   subjects,
		Metrics:    metrics.New(reg),
		ThumbMaxPx: cfg.ThumbMaxPx,
		DefaultJob: cfg.DefaultJob,
		Logger:     logger,
	})
	if _, err := hub.ListenResults(nc); err != nil {
		fatal(logger, "subscribe render results", err, "subject", subjects.Results())
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP, middleware.Recoverer)
	r.Get("/ws", hub.WebsocketHandler(cfg.ClientQueue))
	r.Get("/status", hub.StatusHandler())
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !nc.Conn().IsConnected() {
			http.Error(w, "nats disconnected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := hub.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		fatal(logger, "render farm stopped", err)
	}
	logger.Info("render farm stopped")
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
