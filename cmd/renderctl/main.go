// cmd/renderctl controls a render farm from the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/tendant/simple-renderfarm/internal/client"
)

var (
	farmURL string
	timeout time.Duration
	verbose bool
	logger  *slog.Logger

	rootCmd = &cobra.Command{
		Use:           "renderctl",
		Short:         "Control a render farm",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen}))
			slog.SetDefault(logger)
		},
	}
)

func init() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&farmURL, "url", getenv("RENDERFARM_URL", "ws://127.0.0.1:8080/ws"), "farm websocket URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up after this long")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "renderctl: %v\n", err)
		os.Exit(1)
	}
}

// session is a connected client whose read loop runs in the background.
type session struct {
	*client.Client
	done chan error
}

// connect dials the farm and waits until the job and worker list arrive.
func connect(ctx context.Context, onUpdate func(client.Update, client.View)) (*session, error) {
	c, err := client.Dial(ctx, farmURL, client.Options{Logger: logger, OnUpdate: onUpdate})
	if err != nil {
		return nil, err
	}
	s := &session{Client: c, done: make(chan error, 1)}
	go func() { s.done <- c.Run() }()

	if _, err := c.Wait(ctx, func(v client.View) bool { return v.Synced }); err != nil {
		s.close()
		return nil, fmt.Errorf("sync with farm: %w", err)
	}
	return s, nil
}

// close flushes queued commands and disconnects. Individual violations are
// logged by the decoder; only the total is reported here.
func (s *session) close() {
	s.Client.Close()
	if err := <-s.done; err != nil {
		logger.Debug("connection ended", "err", err)
	}
	if n := s.Violations(); n > 0 {
		logger.Warn("server stream had protocol violations", "count", n)
	}
}

func commandContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func interrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
