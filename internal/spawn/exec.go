// internal/spawn/exec.go
package spawn

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/tendant/simple-renderfarm/internal/bus"
)

// ExecSpawner runs each worker as a child process of the farm. The worker id
// is passed in the WORKER_ID environment variable.
type ExecSpawner struct {
	Binary   string
	Args     []string
	Env      []string
	Timeout  time.Duration
	Subjects bus.Subjects

	pub      bus.Publisher
	announce *Announcements
	logger   *slog.Logger

	mu    sync.Mutex
	procs map[string]*os.Process
	wg    sync.WaitGroup
}

func NewExecSpawner(binary string, pub bus.Publisher, subjects bus.Subjects, announce *Announcements, logger *slog.Logger) *ExecSpawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecSpawner{
		Binary:   binary,
		Timeout:  DefaultTimeout,
		Subjects: subjects,
		pub:      pub,
		announce: announce,
		logger:   logger.With("spawner", "exec"),
		procs:    make(map[string]*os.Process),
	}
}

func (s *ExecSpawner) Spawn(ctx context.Context, id string) error {
	logger := s.logger.With("worker_id", id)
	ready := s.announce.Expect(id)
	defer s.announce.Cancel(id)

	cmd := exec.Command(s.Binary, s.Args...)
	cmd.Env = append(append(os.Environ(), s.Env...), "WORKER_ID="+id)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		logger.Error("start worker failed", "binary", s.Binary, "err", err)
		return fmt.Errorf("start worker: %w", err)
	}
	logger.Info("worker process started", "pid", cmd.Process.Pid)

	s.mu.Lock()
	s.procs[id] = cmd.Process
	s.mu.Unlock()

	exited := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := cmd.Wait()
		s.mu.Lock()
		delete(s.procs, id)
		s.mu.Unlock()
		logger.Info("worker process exited", "pid", cmd.Process.Pid, "err", err)
		exited <- err
	}()

	if err := await(ctx, ready, exited, s.Timeout); err != nil {
		_ = cmd.Process.Kill()
		logger.Warn("worker failed to start", "err", err)
		return err
	}
	return nil
}

func (s *ExecSpawner) Retire(id string) error {
	return retire(s.pub, s.Subjects, id)
}

// Shutdown kills every worker process still running and waits for them.
func (s *ExecSpawner) Shutdown() {
	s.mu.Lock()
	for id, p := range s.procs {
		s.logger.Info("killing worker process", "worker_id", id, "pid", p.Pid)
		_ = p.Kill()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
