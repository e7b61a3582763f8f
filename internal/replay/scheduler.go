// Package replay implements the sleep side of the engine: the state
// machine deciding when consolidation mode starts and ends, the
// priority-ranked replay of stored memories, and the homeostasis pass
// that decays and prunes the association graph.
package replay

import (
	"sync"
	"time"
)

// State is a sleep phase. Waking thought generation only happens in
// StateAwake; everything else is consolidation mode.
type State string

const (
	StateAwake         State = "awake"
	StateEnteringSleep State = "entering_sleep"
	StateLightSleep    State = "light_sleep"
	StateDeepSleep     State = "deep_sleep"
	StateDreaming      State = "dreaming"
	StateWaking        State = "waking"
)

// deepSleepStartPct is the fraction of a sleep cycle after which light
// sleep gives way to deep sleep; dreaming fills the remainder.
const deepSleepStartPct = 0.7

// Config tunes sleep entry and pacing.
type Config struct {
	// IdleThreshold is the silence on the waking pipeline required
	// before sleep is considered.
	IdleThreshold time.Duration `json:"idle_threshold_ms"`
	// MinAwakeDuration guards against oscillation: a fresh waking must
	// last at least this long unless the queue forces sleep.
	MinAwakeDuration time.Duration `json:"min_awake_duration_ms"`
	// MinQueue is the consolidation backlog that forces sleep even on a
	// short waking.
	MinQueue int `json:"min_consolidation_queue"`
	// LightSleepPct is the fraction of a sleep cycle spent in
	// interruptible light sleep before deep sleep begins.
	LightSleepPct float64 `json:"light_sleep_pct"`
	// MaxCycles bounds one sleep session.
	MaxCycles int `json:"max_cycles"`
}

// DefaultConfig mirrors a short nocturnal pattern scaled to engine time.
func DefaultConfig() Config {
	return Config{
		IdleThreshold:    30 * time.Second,
		MinAwakeDuration: 5 * time.Minute,
		MinQueue:         50,
		LightSleepPct:    0.3,
		MaxCycles:        10,
	}
}

// Summary aggregates what one sleep session accomplished.
type Summary struct {
	Cycles       int `json:"cycles"`
	Replayed     int `json:"replayed"`
	Consolidated int `json:"consolidated"`
	Strengthened int `json:"strengthened"`
	Decayed      int `json:"decayed"`
	Pruned       int `json:"pruned"`
}

// Scheduler is the sleep state machine. The engine drives all
// transitions from the cycle goroutine; State alone is safe for
// concurrent readers so status snapshots can observe the phase.
type Scheduler struct {
	cfg Config

	stateMu sync.Mutex
	state   State

	lastActivity time.Time
	awakeSince   time.Time
	queueSize    int
	summary      Summary
}

// NewScheduler starts awake.
func NewScheduler(cfg Config) *Scheduler {
	now := time.Now().UTC()
	return &Scheduler{
		cfg:          cfg,
		state:        StateAwake,
		lastActivity: now,
		awakeSince:   now,
	}
}

// State returns the current phase.
func (s *Scheduler) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Scheduler) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// QueueSize returns the estimated consolidation backlog.
func (s *Scheduler) QueueSize() int {
	return s.queueSize
}

// RecordActivity resets the idle timer. Called whenever the waking
// pipeline emits a thought.
func (s *Scheduler) RecordActivity(now time.Time) {
	s.lastActivity = now
}

// NoteConsolidation grows the backlog estimate by one tagged record.
func (s *Scheduler) NoteConsolidation() {
	s.queueSize++
}

// ShouldSleep evaluates the entry condition: idle long enough AND
// (awake long enough OR backlog large enough).
func (s *Scheduler) ShouldSleep(now time.Time) bool {
	if s.state != StateAwake {
		return false
	}
	idle := now.Sub(s.lastActivity) > s.cfg.IdleThreshold
	awakeLong := now.Sub(s.awakeSince) > s.cfg.MinAwakeDuration
	queueLarge := s.queueSize >= s.cfg.MinQueue
	return idle && (awakeLong || queueLarge)
}

// EnterSleep transitions Awake into EnteringSleep. Returns false when
// conditions are not met or sleep is already underway.
func (s *Scheduler) EnterSleep(now time.Time) bool {
	if !s.ShouldSleep(now) {
		return false
	}
	s.setState(StateEnteringSleep)
	s.summary = Summary{}
	return true
}

// AdvancePhase moves through the sleep phases by the elapsed fraction of
// the current sleep cycle: light sleep first, deep sleep from 70%, then
// dreaming.
func (s *Scheduler) AdvancePhase(cycleElapsedPct float64) {
	switch {
	case cycleElapsedPct < s.cfg.LightSleepPct:
		s.setState(StateLightSleep)
	case cycleElapsedPct < deepSleepStartPct:
		s.setState(StateDeepSleep)
	default:
		s.setState(StateDreaming)
	}
}

// Interruptible reports whether an ordinary external stimulus wakes the
// engine from the current phase. Deep sleep and dreaming are protected.
func (s *Scheduler) Interruptible() bool {
	switch s.state {
	case StateAwake, StateEnteringSleep, StateLightSleep, StateWaking:
		return true
	}
	return false
}

// Stimulus classifies an external stimulus against the current phase.
// Urgent stimuli always break sleep; ordinary ones only interrupt
// interruptible phases. Returns true when the engine should wake. The
// caller performs the wake so the session summary is handed over once.
func (s *Scheduler) Stimulus(now time.Time, urgent bool) bool {
	if s.state == StateAwake {
		s.RecordActivity(now)
		return false
	}
	return urgent || s.Interruptible()
}

// AddCycle folds a completed replay cycle's results into the session
// summary and reports whether the session should end.
func (s *Scheduler) AddCycle(replayed, consolidated, strengthened, decayed, pruned int) bool {
	s.summary.Cycles++
	s.summary.Replayed += replayed
	s.summary.Consolidated += consolidated
	s.summary.Strengthened += strengthened
	s.summary.Decayed += decayed
	s.summary.Pruned += pruned
	return s.summary.Cycles >= s.cfg.MaxCycles || replayed == 0
}

// Wake returns to the awake state, clears the backlog estimate, and
// hands back the session summary.
func (s *Scheduler) Wake(now time.Time) Summary {
	summary := s.summary
	s.setState(StateAwake)
	s.awakeSince = now
	s.lastActivity = now
	s.queueSize = 0
	s.summary = Summary{}
	return summary
}
