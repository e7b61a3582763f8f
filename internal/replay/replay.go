package replay

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mollendorff-ai/noesis/internal/assoc"
	"github.com/mollendorff-ai/noesis/internal/memory"
)

// pruneBatch bounds each delete round during pruning.
const pruneBatch = 200

// Tuning controls replay pacing and graph homeostasis. Zero fields fall
// back to defaults, so a partially filled config stays safe.
type Tuning struct {
	// StrengthDelta is the consolidation gain per replay, so a record
	// needs 1/StrengthDelta replays to become permanent.
	StrengthDelta float64
	// NovelFraction is the share of each batch reserved for records
	// never replayed before. The remainder re-replays old records so
	// established associations are refreshed rather than overwritten.
	NovelFraction float64
	// DecayFactor shrinks untouched association weights each
	// homeostasis pass.
	DecayFactor float64
	// PruneThreshold is the edge weight below which associations are
	// removed during homeostasis.
	PruneThreshold float64
	// MaxRecords bounds the memory store. When the store grows past it,
	// the weakest non-permanent records in the replay pool are deleted.
	MaxRecords uint64
}

// DefaultTuning returns the stock replay parameters.
func DefaultTuning() Tuning {
	return Tuning{
		StrengthDelta:  0.1,
		NovelFraction:  0.7,
		DecayFactor:    0.95,
		PruneThreshold: 0.05,
		MaxRecords:     100000,
	}
}

func (t Tuning) withDefaults() Tuning {
	d := DefaultTuning()
	if t.StrengthDelta <= 0 {
		t.StrengthDelta = d.StrengthDelta
	}
	if t.NovelFraction <= 0 || t.NovelFraction > 1 {
		t.NovelFraction = d.NovelFraction
	}
	if t.DecayFactor <= 0 || t.DecayFactor >= 1 {
		t.DecayFactor = d.DecayFactor
	}
	if t.PruneThreshold <= 0 {
		t.PruneThreshold = d.PruneThreshold
	}
	if t.MaxRecords == 0 {
		t.MaxRecords = d.MaxRecords
	}
	return t
}

// Store is the slice of the memory store replay needs.
type Store interface {
	ReplayPool(ctx context.Context, limit int) ([]*memory.Record, error)
	UpdateConsolidation(ctx context.Context, r *memory.Record) error
	Count(ctx context.Context) (uint64, error)
	Delete(ctx context.Context, ids []uuid.UUID) error
}

// Graph is the slice of the association graph replay needs. Nil disables
// graph work for the session.
type Graph interface {
	Strengthen(ctx context.Context, from, to uuid.UUID, t assoc.Type, delta float64) error
	Decay(ctx context.Context, factor float64, touchedSince time.Time) (int, error)
	Prune(ctx context.Context, threshold float64, batch int) (int, error)
}

// Replayer executes replay cycles against the stores.
type Replayer struct {
	store  Store
	graph  Graph
	tuning Tuning
	logger *zap.Logger
}

// NewReplayer wires a replayer to its stores.
func NewReplayer(store Store, graph Graph, tuning Tuning, logger *zap.Logger) *Replayer {
	return &Replayer{store: store, graph: graph, tuning: tuning.withDefaults(), logger: logger}
}

// SelectBatch ranks the pool by replay priority and interleaves the
// given fraction of never-replayed records with veterans. When one side
// runs dry the other fills the remainder.
func SelectBatch(pool []*memory.Record, batchSize int, novelFraction float64, now time.Time) []*memory.Record {
	if batchSize <= 0 || len(pool) == 0 {
		return nil
	}

	sorted := make([]*memory.Record, len(pool))
	copy(sorted, pool)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ReplayPriority(now) > sorted[j].ReplayPriority(now)
	})

	var novel, veteran []*memory.Record
	for _, r := range sorted {
		if r.ReplayCount == 0 {
			novel = append(novel, r)
		} else {
			veteran = append(veteran, r)
		}
	}

	novelQuota := int(float64(batchSize) * novelFraction)
	if novelQuota > len(novel) {
		novelQuota = len(novel)
	}
	veteranQuota := batchSize - novelQuota
	if veteranQuota > len(veteran) {
		veteranQuota = len(veteran)
		if rest := batchSize - novelQuota - veteranQuota; rest > 0 && novelQuota+rest <= len(novel) {
			novelQuota += rest
		}
	}

	batch := make([]*memory.Record, 0, novelQuota+veteranQuota)
	ni, vi := 0, 0
	for len(batch) < novelQuota+veteranQuota {
		// Interleave at the target ratio instead of concatenating, so a
		// truncated cycle still touched both populations.
		if ni < novelQuota && (vi >= veteranQuota || float64(ni) <= float64(ni+vi)*novelFraction) {
			batch = append(batch, novel[ni])
			ni++
		} else {
			batch = append(batch, veteran[vi])
			vi++
		}
	}
	return batch
}

// CycleResult reports what one replay cycle did.
type CycleResult struct {
	Replayed     int
	Consolidated int
	Strengthened int
	Decayed      int
	Pruned       int
	Forgotten    int
}

// RunCycle executes one full replay cycle: select a batch, reinforce
// each record, strengthen emotional associations between co-replayed
// neighbors, then run homeostasis over the graph.
func (r *Replayer) RunCycle(ctx context.Context, poolLimit, batchSize int) (CycleResult, error) {
	start := time.Now().UTC()
	var res CycleResult

	pool, err := r.store.ReplayPool(ctx, poolLimit)
	if err != nil {
		return res, err
	}
	batch := SelectBatch(pool, batchSize, r.tuning.NovelFraction, start)

	for i, rec := range batch {
		rec.Reinforce(r.tuning.StrengthDelta, start)
		if err := r.store.UpdateConsolidation(ctx, rec); err != nil {
			r.logger.Warn("consolidation update failed",
				zap.String("record", rec.ID.String()),
				zap.Error(err))
			continue
		}
		res.Replayed++
		if rec.Permanent() {
			res.Consolidated++
		}

		// Co-replay is co-activation: link each record to its batch
		// predecessor.
		if r.graph != nil && i > 0 {
			if err := r.graph.Strengthen(ctx, batch[i-1].ID, rec.ID, assoc.Emotional, r.tuning.StrengthDelta); err != nil {
				r.logger.Warn("replay association failed", zap.Error(err))
			} else {
				res.Strengthened++
			}
		}
	}

	if r.graph != nil {
		decayed, err := r.graph.Decay(ctx, r.tuning.DecayFactor, start)
		if err != nil {
			r.logger.Warn("homeostasis decay failed", zap.Error(err))
		}
		res.Decayed = decayed

		pruned, err := r.graph.Prune(ctx, r.tuning.PruneThreshold, pruneBatch)
		if err != nil {
			r.logger.Warn("homeostasis prune failed", zap.Error(err))
		}
		res.Pruned = pruned
	}

	res.Forgotten = r.trimOverBudget(ctx, pool, start)

	r.logger.Info("replay cycle complete",
		zap.Int("replayed", res.Replayed),
		zap.Int("consolidated", res.Consolidated),
		zap.Int("strengthened", res.Strengthened),
		zap.Int("decayed", res.Decayed),
		zap.Int("pruned", res.Pruned),
		zap.Int("forgotten", res.Forgotten))
	return res, nil
}

// trimOverBudget enforces the memory budget: when the store holds more
// than MaxRecords, the lowest-priority non-permanent records from this
// cycle's pool are deleted. Permanent records are never trimmed.
func (r *Replayer) trimOverBudget(ctx context.Context, pool []*memory.Record, now time.Time) int {
	count, err := r.store.Count(ctx)
	if err != nil {
		r.logger.Warn("memory count failed", zap.Error(err))
		return 0
	}
	if count <= r.tuning.MaxRecords {
		return 0
	}
	over := int(count - r.tuning.MaxRecords)

	sorted := make([]*memory.Record, len(pool))
	copy(sorted, pool)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ReplayPriority(now) < sorted[j].ReplayPriority(now)
	})

	var ids []uuid.UUID
	for _, rec := range sorted {
		if len(ids) >= over {
			break
		}
		if rec.Permanent() {
			continue
		}
		ids = append(ids, rec.ID)
	}
	if len(ids) == 0 {
		return 0
	}
	if err := r.store.Delete(ctx, ids); err != nil {
		r.logger.Warn("memory trim failed", zap.Error(err))
		return 0
	}
	return len(ids)
}
