// Package spawn starts render workers and waits for them to announce
// themselves ready.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tendant/simple-renderfarm/internal/bus"
	"github.com/tendant/simple-renderfarm/pkg/schema"
)

// DefaultTimeout bounds how long a spawned worker has to announce itself.
const DefaultTimeout = 30 * time.Second

var (
	ErrTimeout = errors.New("worker did not announce itself in time")
	ErrExited  = errors.New("worker exited before announcing itself")
)

// Spawner starts workers. Spawn blocks until the worker with the given id is
// ready to accept frames or has failed to start; the returned error is the
// diagnostic shown for the worker.
type Spawner interface {
	Spawn(ctx context.Context, id string) error
	// Retire asks a worker to exit after its current frame.
	Retire(id string) error
}

// Announcements matches WorkerHello messages to pending spawns.
type Announcements struct {
	mu      sync.Mutex
	waiting map[string]chan schema.WorkerHello
}

func NewAnnouncements() *Announcements {
	return &Announcements{waiting: make(map[string]chan schema.WorkerHello)}
}

// Expect registers interest in id's hello. Call before starting the worker.
func (a *Announcements) Expect(id string) <-chan schema.WorkerHello {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan schema.WorkerHello, 1)
	a.waiting[id] = ch
	return ch
}

// Cancel drops interest in id's hello.
func (a *Announcements) Cancel(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.waiting, id)
}

// Announce delivers h to the spawn waiting for it. It reports false when
// nobody is waiting, e.g. a worker restarted outside the farm.
func (a *Announcements) Announce(h schema.WorkerHello) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.waiting[h.WorkerID]
	if !ok {
		return false
	}
	delete(a.waiting, h.WorkerID)
	ch <- h
	return true
}

// Listen feeds hellos published on the ready subject into a.
func (a *Announcements) Listen(c *bus.Client, subjects bus.Subjects, logger *slog.Logger) (*nats.Subscription, error) {
	return bus.Subscribe(c, subjects.Ready(), func(_ context.Context, h schema.WorkerHello) {
		if !a.Announce(h) {
			logger.Warn("unexpected worker hello", "worker_id", h.WorkerID, "host", h.Host)
			return
		}
		logger.Debug("worker announced", "worker_id", h.WorkerID, "host", h.Host)
	}, func(err error) {
		logger.Warn("bad worker hello", "err", err)
	})
}

// await waits for the hello on ready, the timeout, ctx or exited, whichever
// comes first.
func await(ctx context.Context, ready <-chan schema.WorkerHello, exited <-chan error, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ready:
		return nil
	case err := <-exited:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrExited, err)
		}
		return ErrExited
	case <-timer.C:
		return fmt.Errorf("%w (%s)", ErrTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retire publishes a Retire request on id's control subject.
func retire(pub bus.Publisher, subjects bus.Subjects, id string) error {
	if err := pub.Publish(subjects.Control(id), schema.Retire{WorkerID: id}); err != nil {
		return fmt.Errorf("retire %s: %w", id, err)
	}
	return nil
}
