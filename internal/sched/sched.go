// Package sched implements the cooperative task model used by the CAN node:
// edge-triggered wake flags, run-to-completion tasks, shutdown hooks and a
// terminal fatal path. Tasks never block; hardware pumps signal them through
// Notify and the run loop invokes every registered task once per kick, letting
// each task check and clear its own wake flag.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/lorenzodimauro97/klipper/internal/logging"
)

// Wake is an edge-triggered runnable flag. Multiple notifications before the
// owning task runs coalesce into a single run.
type Wake struct {
	flag atomic.Bool
}

// CheckAndClear reports whether the task was notified and clears the flag.
func (w *Wake) CheckAndClear() bool { return w.flag.Swap(false) }

type task struct {
	name string
	fn   func()
}

// HaltError is returned by Run after a Fatal call; it carries the cause the
// supervisor should surface before restarting the device.
type HaltError struct {
	Cause string
}

func (e *HaltError) Error() string { return "sched: halted: " + e.Cause }

// Scheduler owns the registered tasks and drives them on a single goroutine.
type Scheduler struct {
	mu        sync.Mutex
	tasks     []task
	shutdowns []func()
	kick      chan struct{}
	halted    atomic.Bool
	cause     string
	shutOnce  sync.Once
	log       *slog.Logger
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		kick: make(chan struct{}, 1),
		log:  logging.L(),
	}
}

// RegisterTask adds a task and returns its wake handle. Tasks are invoked in
// registration order on every kick and are expected to return immediately
// when CheckAndClear reports false.
func (s *Scheduler) RegisterTask(name string, fn func()) *Wake {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task{name: name, fn: fn})
	return &Wake{}
}

// RegisterShutdown adds a hook invoked once when the scheduler halts.
func (s *Scheduler) RegisterShutdown(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowns = append(s.shutdowns, fn)
}

// Notify marks the wake handle runnable and kicks the run loop. Safe to call
// from any goroutine.
func (s *Scheduler) Notify(w *Wake) {
	w.flag.Store(true)
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Fatal records a terminal cause and halts the run loop. The first call wins;
// later calls are ignored. No task runs after the halt is observed.
func (s *Scheduler) Fatal(cause string) {
	if s.halted.Swap(true) {
		return
	}
	s.mu.Lock()
	s.cause = cause
	s.mu.Unlock()
	s.log.Error("sched_fatal", "cause", cause)
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Halted reports whether Fatal has been called.
func (s *Scheduler) Halted() bool { return s.halted.Load() }

func (s *Scheduler) runShutdowns() {
	s.shutOnce.Do(func() {
		s.mu.Lock()
		hooks := append([]func(){}, s.shutdowns...)
		s.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	})
}

func (s *Scheduler) haltError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &HaltError{Cause: s.cause}
}

// Run drives tasks until the context is cancelled or Fatal halts the node.
// It returns a *HaltError after a fatal halt and the context error otherwise.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.kick:
		}
		s.mu.Lock()
		tasks := s.tasks
		s.mu.Unlock()
		for _, t := range tasks {
			if s.halted.Load() {
				break
			}
			t.fn()
		}
		if s.halted.Load() {
			s.runShutdowns()
			return s.haltError()
		}
	}
}
