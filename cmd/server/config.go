package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tendant/simple-renderfarm/internal/img"
	"github.com/tendant/simple-renderfarm/internal/spawn"
	"github.com/tendant/simple-renderfarm/internal/transport"
	"github.com/tendant/simple-renderfarm/pkg/schema"
)

type config struct {
	HTTPAddr      string
	NATSURL       string
	SubjectPrefix string
	SpawnMode     string
	WorkerBinary  string
	Renderer      string
	SpawnTimeout  time.Duration
	ThumbMaxPx    int
	ClientQueue   int
	LogLevel      slog.Level
	DefaultJob    schema.Job
}

func LoadConfig() (config, error) {
	cfg := config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		NATSURL:       getenv("NATS_URL", "nats://127.0.0.1:4222"),
		SubjectPrefix: getenv("SUBJECT_PREFIX", "render"),
		SpawnMode:     strings.ToLower(getenv("SPAWN_MODE", "local")),
		WorkerBinary:  getenv("WORKER_BINARY", "./bin/worker"),
		Renderer:      getenv("RENDERER", "pattern"),
	}

	switch cfg.SpawnMode {
	case "local", "exec":
	default:
		return config{}, fmt.Errorf("invalid SPAWN_MODE %q (want local or exec)", cfg.SpawnMode)
	}
	if _, err := img.GetRenderer(cfg.Renderer); err != nil {
		return config{}, fmt.Errorf("invalid RENDERER: %w", err)
	}

	timeout, err := parseDuration(getenv("SPAWN_TIMEOUT", spawn.DefaultTimeout.String()), "SPAWN_TIMEOUT")
	if err != nil {
		return config{}, err
	}
	cfg.SpawnTimeout = timeout

	if cfg.ThumbMaxPx, err = parsePositiveInt(getenv("THUMB_MAX_PX", strconv.Itoa(img.DefaultThumbMaxPx)), "THUMB_MAX_PX"); err != nil {
		return config{}, err
	}
	if cfg.ClientQueue, err = parsePositiveInt(getenv("CLIENT_QUEUE", strconv.Itoa(transport.DefaultQueueLen)), "CLIENT_QUEUE"); err != nil {
		return config{}, err
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getenv("LOG_LEVEL", "info"))); err != nil {
		return config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	def := schema.DefaultJob()
	fields := []struct {
		env string
		dst *int
		def int
	}{
		{"JOB_TOTAL_FRAMES", &cfg.DefaultJob.TotalFrames, def.TotalFrames},
		{"JOB_SAMPLES_PER_PIXEL", &cfg.DefaultJob.SamplesPerPixel, def.SamplesPerPixel},
		{"JOB_WIDTH", &cfg.DefaultJob.Width, def.Width},
		{"JOB_HEIGHT", &cfg.DefaultJob.Height, def.Height},
	}
	for _, f := range fields {
		v, err := parsePositiveInt(getenv(f.env, strconv.Itoa(f.def)), f.env)
		if err != nil {
			return config{}, err
		}
		*f.dst = v
	}
	if err := cfg.DefaultJob.Validate(); err != nil {
		return config{}, fmt.Errorf("invalid default job: %w", err)
	}

	return cfg, nil
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func parseDuration(value string, name string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %s)", name, d)
	}
	return d, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
