// internal/spawn/local.go
package spawn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tendant/simple-renderfarm/internal/bus"
	"github.com/tendant/simple-renderfarm/internal/img"
	"github.com/tendant/simple-renderfarm/internal/worker"
)

// LocalSpawner runs workers as goroutines sharing the farm's NATS connection.
// They still talk to the farm only through NATS subjects.
type LocalSpawner struct {
	Timeout time.Duration

	client   *bus.Client
	subjects bus.Subjects
	renderer img.Renderer
	announce *Announcements
	logger   *slog.Logger

	// workers outlive the Spawn call, so they run under this context.
	ctx context.Context
	wg  sync.WaitGroup
}

func NewLocalSpawner(ctx context.Context, client *bus.Client, subjects bus.Subjects, renderer img.Renderer, announce *Announcements, logger *slog.Logger) *LocalSpawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalSpawner{
		Timeout:  DefaultTimeout,
		client:   client,
		subjects: subjects,
		renderer: renderer,
		announce: announce,
		logger:   logger.With("spawner", "local"),
		ctx:      ctx,
	}
}

func (s *LocalSpawner) Spawn(ctx context.Context, id string) error {
	ready := s.announce.Expect(id)
	defer s.announce.Cancel(id)

	w := worker.New(id, s.renderer, s.client, s.subjects, s.logger)
	exited := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := worker.Serve(s.ctx, s.client, w)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("local worker stopped", "worker_id", id, "err", err)
		}
		exited <- err
	}()

	if err := await(ctx, ready, exited, s.Timeout); err != nil {
		w.Retire()
		return err
	}
	return nil
}

func (s *LocalSpawner) Retire(id string) error {
	return retire(s.client, s.subjects, id)
}

// Wait blocks until every local worker has returned. Cancel the context
// passed to NewLocalSpawner first.
func (s *LocalSpawner) Wait() {
	s.wg.Wait()
}
