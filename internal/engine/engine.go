// Package engine owns the cognitive cycle: it drives stimulus
// generation, attention competition, the veto gate, and consolidation on
// a fixed tick while awake, and hands control to the replay scheduler
// when sleep conditions are met.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mollendorff-ai/noesis/internal/attention"
	"github.com/mollendorff-ai/noesis/internal/checkpoint"
	"github.com/mollendorff-ai/noesis/internal/consolidate"
	"github.com/mollendorff-ai/noesis/internal/gate"
	"github.com/mollendorff-ai/noesis/internal/memory"
	"github.com/mollendorff-ai/noesis/internal/metrics"
	"github.com/mollendorff-ai/noesis/internal/replay"
	"github.com/mollendorff-ai/noesis/internal/salience"
	"github.com/mollendorff-ai/noesis/internal/stimulus"
	"github.com/mollendorff-ai/noesis/internal/stream"
	"github.com/mollendorff-ai/noesis/internal/thought"
)

// metricsWindow is how many recent winner scores and emission gaps feed
// the entropy and fractality metrics.
const metricsWindow = 256

// Transport is the slice of the stream bus the engine drives.
type Transport interface {
	Publish(ctx context.Context, c thought.Candidate) (string, error)
	PublishAssembled(ctx context.Context, c thought.Candidate) (string, error)
	PublishReplay(ctx context.Context, c thought.Candidate) (string, error)
	ReadCandidates(ctx context.Context, count int64, block time.Duration) ([]stream.Entry, error)
	Ack(ctx context.Context, e stream.Entry) error
	Forget(ctx context.Context, e stream.Entry) error
	Inject(ctx context.Context, c thought.Candidate) (string, error)
	DrainInjected(ctx context.Context) ([]thought.Candidate, error)
	PendingTotal(ctx context.Context) (int64, error)
}

// Recaller is the slice of the memory store the recall path queries.
type Recaller interface {
	Search(ctx context.Context, vector []float32, topK uint64, episode *uuid.UUID) ([]*memory.Record, error)
}

// RelevanceSource reports how connected a stored memory currently is in
// the association graph.
type RelevanceSource interface {
	ConnectionRelevance(ctx context.Context, id uuid.UUID) (float64, error)
}

// Checkpointer persists periodic engine snapshots. Nil disables
// checkpointing.
type Checkpointer interface {
	Save(ctx context.Context, cp *checkpoint.Checkpoint) error
}

// Options bundles engine construction parameters.
type Options struct {
	Cycle              time.Duration
	InterventionWindow time.Duration
	SleepCycle         time.Duration
	ForgetThreshold    float64
	CheckpointEvery    int
	ReplayBatchSize    int
	ReplayPoolLimit    int
	Seed               int64
}

// Engine is the cycle driver. Construct with New, run with Run.
type Engine struct {
	opts   Options
	logger *zap.Logger

	bus          Transport
	gen          *stimulus.Generator
	drive        *salience.Drive
	gate         *gate.Gate
	consolidator *consolidate.Consolidator
	replayer     *replay.Replayer
	scheduler    *replay.Scheduler
	checkpoints  Checkpointer
	recall       Recaller
	relevance    RelevanceSource

	mu         sync.Mutex
	cycle      uint64
	composites []float64
	gaps       []float64
	lastEmit   time.Time
	lastSleep  replay.Summary
	pending    int64
	lastVector []float32
	lastRecord uuid.UUID
}

// New wires an engine. Replayer, consolidator and checkpointer may be
// nil when their backing stores are unavailable; the engine then runs
// degraded but alive.
func New(
	opts Options,
	bus Transport,
	drive *salience.Drive,
	g *gate.Gate,
	consolidator *consolidate.Consolidator,
	replayer *replay.Replayer,
	scheduler *replay.Scheduler,
	checkpoints Checkpointer,
	logger *zap.Logger,
) *Engine {
	if opts.ForgetThreshold <= 0 {
		opts.ForgetThreshold = attention.DefaultForgetThreshold
	}
	if opts.SleepCycle <= 0 {
		opts.SleepCycle = 2 * time.Second
	}
	return &Engine{
		opts:         opts,
		logger:       logger,
		bus:          bus,
		gen:          stimulus.NewGenerator(opts.Seed, opts.InterventionWindow),
		drive:        drive,
		gate:         g,
		consolidator: consolidator,
		replayer:     replayer,
		scheduler:    scheduler,
		checkpoints:  checkpoints,
	}
}

// AttachRecall enables memory-driven retrieval: when both stores are
// available, the memory channel surfaces stored experiences related to
// the last consolidated thought instead of purely synthetic candidates.
func (e *Engine) AttachRecall(mem Recaller, graph RelevanceSource) {
	e.recall = mem
	e.relevance = graph
}

// Run drives the engine until the context is cancelled. It is shaped as
// a supervisor run loop: any internal panic propagates to the supervisor,
// which records it and restarts the engine from the last checkpoint.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.Cycle)
	defer ticker.Stop()

	e.logger.Info("engine running",
		zap.Duration("cycle", e.opts.Cycle),
		zap.Duration("intervention_window", e.opts.InterventionWindow))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := time.Now().UTC()
			if e.scheduler.State() != replay.StateAwake {
				continue
			}
			e.runCycle(ctx, now)
			if e.scheduler.ShouldSleep(now) && e.scheduler.EnterSleep(now) {
				e.runSleep(ctx)
			}
		}
	}
}

// runCycle executes one waking cycle: generate, inject, compete, gate,
// consolidate, forget.
func (e *Engine) runCycle(ctx context.Context, now time.Time) {
	e.mu.Lock()
	e.cycle++
	cycle := e.cycle
	e.mu.Unlock()

	for _, ch := range thought.Channels() {
		cand, ok := e.recallCandidate(ctx, ch)
		if !ok {
			cand = e.gen.Generate(ch)
		}
		if _, err := e.bus.Publish(ctx, cand); err != nil {
			e.logger.Warn("publish failed", zap.String("channel", string(ch)), zap.Error(err))
		}
	}

	injected, err := e.bus.DrainInjected(ctx)
	if err != nil {
		e.logger.Warn("drain injected", zap.Error(err))
	}
	for _, cand := range injected {
		if _, err := e.bus.Publish(ctx, e.normalizeInjected(cand, now)); err != nil {
			e.logger.Warn("publish injected", zap.Error(err))
		}
	}

	if pending, err := e.bus.PendingTotal(ctx); err == nil {
		e.mu.Lock()
		e.pending = pending
		e.mu.Unlock()
	}

	entries, err := e.bus.ReadCandidates(ctx, attention.BatchSize, -1)
	if err != nil {
		e.logger.Warn("read candidates", zap.Error(err))
		return
	}

	result := attention.Compete(entries, e.drive, now, e.opts.ForgetThreshold)

	for _, sc := range result.Forgotten {
		if err := e.bus.Forget(ctx, sc.Entry); err != nil {
			e.logger.Debug("forget failed", zap.Error(err))
		}
	}

	if result.Winner != nil {
		e.attend(ctx, *result.Winner, now)
	}

	if e.checkpoints != nil && e.opts.CheckpointEvery > 0 && cycle%uint64(e.opts.CheckpointEvery) == 0 {
		go e.saveCheckpoint(cycle)
	}
}

// normalizeInjected prepares an external stimulus for competition:
// unknown or dream channels fall back to sensory, signals are clamped,
// and the intervention window restarts now, when the stimulus actually
// enters competition rather than when it was queued.
func (e *Engine) normalizeInjected(c thought.Candidate, now time.Time) thought.Candidate {
	if !c.Channel.Valid() || c.Channel == thought.ChannelDreamReplay {
		c.Channel = thought.ChannelSensory
	}
	c.Signals = c.Signals.Clamped()
	c.Deadline = now.Add(e.opts.InterventionWindow)
	return c
}

// recallCandidate surfaces a stored memory related to the last
// consolidated thought on the memory channel. Returns false when recall
// is not wired, nothing has been consolidated yet, or the search comes
// up empty; the caller then falls back to the generator.
func (e *Engine) recallCandidate(ctx context.Context, ch thought.Channel) (thought.Candidate, bool) {
	if ch != thought.ChannelMemoryRetrieval || e.recall == nil {
		return thought.Candidate{}, false
	}
	e.mu.Lock()
	vector := e.lastVector
	last := e.lastRecord
	e.mu.Unlock()
	if len(vector) == 0 {
		return thought.Candidate{}, false
	}

	records, err := e.recall.Search(ctx, vector, 3, nil)
	if err != nil {
		e.logger.Debug("memory recall failed", zap.Error(err))
		return thought.Candidate{}, false
	}
	var rec *memory.Record
	for _, r := range records {
		if r.ID != last {
			rec = r
			break
		}
	}
	if rec == nil {
		return thought.Candidate{}, false
	}

	conn := rec.Connection
	if e.relevance != nil {
		if rel, err := e.relevance.ConnectionRelevance(ctx, rec.ID); err == nil && rel > 0 {
			conn = rel
		}
	}
	// A re-lived memory is familiar, not novel, and carries an
	// attenuated echo of its stored emotion.
	sig := salience.Signals{
		Valence:    rec.EmotionalIntensity,
		Arousal:    rec.EmotionalIntensity,
		Novelty:    0.1,
		Connection: conn,
	}
	return *thought.NewCandidate(rec.Content, thought.ChannelMemoryRetrieval,
		sig, e.opts.InterventionWindow), true
}

// attend runs the winner through the gate and, if approved, emits and
// consolidates it.
func (e *Engine) attend(ctx context.Context, winner attention.Scored, now time.Time) {
	if err := e.bus.Ack(ctx, winner.Entry); err != nil {
		e.logger.Debug("ack winner", zap.Error(err))
	}

	cand := winner.Entry.Candidate
	decision := e.gate.Evaluate(cand, winner.Score)
	if !decision.Allowed {
		e.logger.Info("winner vetoed",
			zap.String("candidate", cand.ID.String()),
			zap.String("rule", decision.Rule))
		if err := e.bus.Forget(ctx, winner.Entry); err != nil {
			e.logger.Debug("forget vetoed", zap.Error(err))
		}
		return
	}

	if _, err := e.bus.PublishAssembled(ctx, cand); err != nil {
		e.logger.Warn("publish assembled", zap.Error(err))
	}
	e.scheduler.RecordActivity(now)
	e.observeEmission(winner.Score, now)

	if e.consolidator == nil {
		return
	}
	rec, err := e.consolidator.Consolidate(ctx, cand, winner.Score)
	if err != nil {
		e.logger.Warn("consolidation failed",
			zap.String("candidate", cand.ID.String()),
			zap.Error(err))
		return
	}
	if rec.Tagged {
		e.scheduler.NoteConsolidation()
	}
	if len(rec.Vector) > 0 {
		e.mu.Lock()
		e.lastVector = rec.Vector
		e.lastRecord = rec.ID
		e.mu.Unlock()
	}
}

// runSleep owns the engine until the session ends. Light sleep remains
// interruptible: any injected stimulus wakes the engine mid-session.
func (e *Engine) runSleep(ctx context.Context) {
	e.logger.Info("entering sleep",
		zap.Int("queue", e.scheduler.QueueSize()))

	cycleStart := time.Now().UTC()
	ticker := time.NewTicker(e.opts.Cycle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.scheduler.Wake(time.Now().UTC())
			return
		case <-ticker.C:
		}
		now := time.Now().UTC()

		elapsed := now.Sub(cycleStart)
		pct := float64(elapsed) / float64(e.opts.SleepCycle)
		if pct > 1 {
			pct = 1
		}
		e.scheduler.AdvancePhase(pct)

		// Any stimulus interrupts light sleep; only urgent ones break
		// through deep sleep and dreaming. Non-urgent arrivals during
		// protected phases go back to the injection stream and wait.
		injected, err := e.bus.DrainInjected(ctx)
		if err != nil {
			e.logger.Debug("drain injected", zap.Error(err))
		}
		if len(injected) > 0 {
			urgent := false
			for _, cand := range injected {
				if cand.Urgent {
					urgent = true
					break
				}
			}
			if e.scheduler.Stimulus(now, urgent) {
				for _, cand := range injected {
					if _, err := e.bus.Publish(ctx, e.normalizeInjected(cand, now)); err != nil {
						e.logger.Warn("publish injected", zap.Error(err))
					}
				}
				e.finishSleep(now, "stimulus")
				return
			}
			for _, cand := range injected {
				if _, err := e.bus.Inject(ctx, cand); err != nil {
					e.logger.Warn("requeue injected", zap.Error(err))
				}
			}
		}

		if elapsed < e.opts.SleepCycle {
			continue
		}

		// One sleep cycle elapsed: replay, then either start the next
		// cycle or wake.
		done := true
		if e.replayer != nil {
			res, err := e.replayer.RunCycle(ctx, e.opts.ReplayPoolLimit, e.opts.ReplayBatchSize)
			if err != nil {
				e.logger.Warn("replay cycle failed", zap.Error(err))
			}
			done = e.scheduler.AddCycle(res.Replayed, res.Consolidated, res.Strengthened, res.Decayed, res.Pruned)
			e.publishDreams(ctx, res)
		}
		if done {
			e.finishSleep(now, "complete")
			return
		}
		cycleStart = now
	}
}

// publishDreams surfaces replay activity on the replay stream so dreams
// are observable without polluting the waking assembled stream.
func (e *Engine) publishDreams(ctx context.Context, res replay.CycleResult) {
	if res.Replayed == 0 {
		return
	}
	cand := thought.NewCandidate("replayed memories", thought.ChannelDreamReplay,
		salience.Signals{Connection: salience.MinConnectionWeight}, e.opts.InterventionWindow)
	if _, err := e.bus.PublishReplay(ctx, *cand); err != nil {
		e.logger.Debug("publish replay marker", zap.Error(err))
	}
}

func (e *Engine) finishSleep(now time.Time, reason string) {
	summary := e.scheduler.Wake(now)
	e.mu.Lock()
	e.lastSleep = summary
	e.mu.Unlock()
	e.logger.Info("awake",
		zap.String("reason", reason),
		zap.Int("cycles", summary.Cycles),
		zap.Int("replayed", summary.Replayed),
		zap.Int("pruned", summary.Pruned))
}

// observeEmission feeds the metrics windows.
func (e *Engine) observeEmission(score float64, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.composites = append(e.composites, score)
	if len(e.composites) > metricsWindow {
		e.composites = e.composites[1:]
	}
	if !e.lastEmit.IsZero() {
		gap := float64(now.Sub(e.lastEmit).Microseconds()) / 1000.0
		e.gaps = append(e.gaps, gap)
		if len(e.gaps) > metricsWindow {
			e.gaps = e.gaps[1:]
		}
	}
	e.lastEmit = now
}

func (e *Engine) saveCheckpoint(cycle uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cp := &checkpoint.Checkpoint{
		Cycle:      cycle,
		Weights:    e.drive.Weights(),
		DriveLevel: e.drive.Level(),
		VetoCount:  e.gate.VetoCount(),
	}
	if e.consolidator != nil {
		cp.EpisodeID = e.consolidator.Episode().ID
	}
	if err := e.checkpoints.Save(ctx, cp); err != nil {
		e.logger.Warn("checkpoint save failed", zap.Uint64("cycle", cycle), zap.Error(err))
	}
}

// Restore applies a checkpoint loaded at boot. Weights are validated by
// the drive; a violation is returned to the caller, which treats it as
// fatal.
func (e *Engine) Restore(cp *checkpoint.Checkpoint) error {
	if cp == nil {
		return nil
	}
	if err := e.drive.Update(cp.Weights); err != nil {
		return err
	}
	e.drive.SetLevel(cp.DriveLevel)
	e.gate.RestoreVetoCount(cp.VetoCount)
	e.mu.Lock()
	e.cycle = cp.Cycle
	e.mu.Unlock()
	e.logger.Info("restored from checkpoint",
		zap.Uint64("cycle", cp.Cycle),
		zap.Float64("drive", cp.DriveLevel),
		zap.Uint64("vetoes", cp.VetoCount))
	return nil
}

// Status is the observation snapshot served by the API.
type Status struct {
	Cycle         uint64                   `json:"cycle"`
	SleepState    replay.State             `json:"sleep_state"`
	Weights       salience.Weights         `json:"weights"`
	DriveLevel    float64                  `json:"drive_level"`
	VetoCount     uint64                   `json:"veto_count"`
	WorkingMemory int64                    `json:"working_memory"`
	Entropy       metrics.EntropyResult    `json:"entropy"`
	Fractality    metrics.FractalityResult `json:"fractality"`
	LastSleep     replay.Summary           `json:"last_sleep"`
}

// Snapshot returns the current engine status for the observation
// surface. Read-only; never blocks the cycle for long.
func (e *Engine) Snapshot() Status {
	e.mu.Lock()
	composites := make([]float64, len(e.composites))
	copy(composites, e.composites)
	gaps := make([]float64, len(e.gaps))
	copy(gaps, e.gaps)
	cycle := e.cycle
	lastSleep := e.lastSleep
	pending := e.pending
	e.mu.Unlock()

	return Status{
		Cycle:         cycle,
		SleepState:    e.scheduler.State(),
		Weights:       e.drive.Weights(),
		DriveLevel:    e.drive.Level(),
		VetoCount:     e.gate.VetoCount(),
		WorkingMemory: pending,
		Entropy:       metrics.Entropy(composites),
		Fractality:    metrics.Fractality(gaps),
		LastSleep:     lastSleep,
	}
}

// SignalBoundary forwards an explicit episode boundary to the
// consolidator.
func (e *Engine) SignalBoundary() {
	if e.consolidator != nil {
		e.consolidator.SignalBoundary()
	}
}
