// Package supervise keeps the engine's component goroutines alive. Each
// component runs inside a Unit that recovers panics, records the crash,
// and restarts the component under a budget. Exhausting the budget
// escalates: siblings restart too, or the whole supervisor gives up.
package supervise

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Restart budget: more than maxRestarts crashes inside restartWindow
// escalates instead of restarting again.
const (
	maxRestarts   = 3
	restartWindow = 10 * time.Second
)

// RestartPolicy says what a crash takes down with it.
type RestartPolicy int

const (
	// OneForOne restarts only the crashed unit.
	OneForOne RestartPolicy = iota
	// OneForAll restarts every unit when any one crashes.
	OneForAll
)

func (p RestartPolicy) String() string {
	if p == OneForAll {
		return "one_for_all"
	}
	return "one_for_one"
}

// Crash describes one component failure, delivered to the recorder
// before any restart attempt.
type Crash struct {
	Component string
	Message   string
	At        time.Time
}

// Recorder persists crash records. It is called synchronously before a
// restart so the record exists even if the restart never completes.
type Recorder interface {
	RecordCrash(ctx context.Context, c Crash) error
}

// RunFunc is a component run loop. It should block until its context is
// cancelled; returning a non-nil error or panicking counts as a crash.
type RunFunc func(ctx context.Context) error

type unit struct {
	name string
	run  RunFunc

	crashes []time.Time
}

// Supervisor owns a set of units and their shared lifecycle.
type Supervisor struct {
	policy   RestartPolicy
	recorder Recorder
	logger   *zap.Logger

	mu    sync.Mutex
	units []*unit

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	failure  chan string
	stopOnce sync.Once
}

// New creates a supervisor. The recorder may be nil when no durable
// crash store is available; crashes are then only logged.
func New(policy RestartPolicy, recorder Recorder, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		policy:   policy,
		recorder: recorder,
		logger:   logger,
		failure:  make(chan string, 1),
	}
}

// Add registers a component. Must be called before Start.
func (s *Supervisor) Add(name string, run RunFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units = append(s.units, &unit{name: name, run: run})
}

// Start launches all units. The returned channel closes when the
// supervisor gives up; the value received first names the component
// whose crashes exhausted the budget.
func (s *Supervisor) Start(ctx context.Context) <-chan string {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.mu.Lock()
	for _, u := range s.units {
		s.launch(runCtx, u)
	}
	s.mu.Unlock()
	return s.failure
}

func (s *Supervisor) launch(ctx context.Context, u *unit) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			err := s.runOnce(ctx, u)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				// Clean return without cancellation: the component
				// finished its work, nothing to restart.
				return
			}

			crash := Crash{Component: u.name, Message: err.Error(), At: time.Now().UTC()}
			s.logger.Error("component crashed",
				zap.String("component", u.name),
				zap.String("message", crash.Message))
			s.flushCrash(crash)

			if !s.allowRestart(u, crash.At) {
				s.logger.Error("restart budget exhausted, escalating",
					zap.String("component", u.name),
					zap.String("policy", s.policy.String()))
				s.escalate(u.name)
				return
			}

			if s.policy == OneForAll {
				// Restart the whole set: cancel everyone, then signal
				// the caller to rebuild. In-place restart of siblings
				// cannot restore cross-component state safely.
				s.escalate(u.name)
				return
			}

			s.logger.Warn("restarting component", zap.String("component", u.name))
		}
	}()
}

// runOnce executes the unit's run loop, converting panics into errors.
func (s *Supervisor) runOnce(ctx context.Context, u *unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return u.run(ctx)
}

// allowRestart applies the sliding restart window.
func (s *Supervisor) allowRestart(u *unit, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-restartWindow)
	kept := u.crashes[:0]
	for _, t := range u.crashes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	u.crashes = append(kept, now)
	return len(u.crashes) <= maxRestarts
}

func (s *Supervisor) flushCrash(c Crash) {
	if s.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.recorder.RecordCrash(ctx, c); err != nil {
		s.logger.Warn("crash record flush failed", zap.Error(err))
	}
}

func (s *Supervisor) escalate(component string) {
	s.stopOnce.Do(func() {
		s.failure <- component
		close(s.failure)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Stop cancels all units and waits for them to exit.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
