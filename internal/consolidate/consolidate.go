// Package consolidate turns gate-approved winners into durable memory:
// it embeds the content, assigns the record to the open episode, writes
// it to the vector store, and links it into the associative graph.
package consolidate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mollendorff-ai/noesis/internal/assoc"
	"github.com/mollendorff-ai/noesis/internal/embedding"
	"github.com/mollendorff-ai/noesis/internal/memory"
	"github.com/mollendorff-ai/noesis/internal/thought"
)

// Defaults for boundary and tagging behavior.
const (
	// DefaultTagThreshold is the composite salience above which a record
	// is tagged for priority replay.
	DefaultTagThreshold = 0.7
	// DefaultSurpriseThreshold is the novelty level that forces a new
	// episode.
	DefaultSurpriseThreshold = 0.85
	// DefaultMaxEpisodeAge closes an episode that has simply run long.
	DefaultMaxEpisodeAge = 10 * time.Minute
	// temporalDelta is the strengthening applied to the edge between
	// consecutive consolidated memories.
	temporalDelta = 0.1
)

// RecordStore is the slice of the memory store consolidation needs.
type RecordStore interface {
	Upsert(ctx context.Context, r *memory.Record) error
}

// GraphWriter is the slice of the association graph consolidation needs.
// A nil GraphWriter (graph unavailable) skips linking without failing.
type GraphWriter interface {
	EnsureNode(ctx context.Context, id uuid.UUID, content string) error
	Strengthen(ctx context.Context, from, to uuid.UUID, t assoc.Type, delta float64) error
}

// Options tune episode segmentation and replay tagging.
type Options struct {
	TagThreshold      float64
	SurpriseThreshold float64
	MaxEpisodeAge     time.Duration
}

// DefaultOptions returns the standard thresholds.
func DefaultOptions() Options {
	return Options{
		TagThreshold:      DefaultTagThreshold,
		SurpriseThreshold: DefaultSurpriseThreshold,
		MaxEpisodeAge:     DefaultMaxEpisodeAge,
	}
}

// Consolidator owns the open episode and the last consolidated record.
// One instance per engine; not safe for concurrent use.
type Consolidator struct {
	store    RecordStore
	graph    GraphWriter
	embedder embedding.Provider
	opts     Options
	logger   *zap.Logger

	episode  *memory.Episode
	lastID   uuid.UUID
	boundary bool
}

// New builds a consolidator with an initial open episode.
func New(store RecordStore, graph GraphWriter, embedder embedding.Provider, opts Options, logger *zap.Logger) *Consolidator {
	return &Consolidator{
		store:    store,
		graph:    graph,
		embedder: embedder,
		opts:     opts,
		logger:   logger,
		episode:  memory.NewEpisode("boot", memory.BoundaryExplicit),
	}
}

// Episode returns the currently open episode.
func (c *Consolidator) Episode() *memory.Episode {
	return c.episode
}

// AdoptEpisode replaces the open episode, used at boot when a checkpoint
// names an episode that was open at crash time.
func (c *Consolidator) AdoptEpisode(e *memory.Episode) {
	if e != nil && e.Open() {
		c.episode = e
	}
}

// SignalBoundary marks that an explicit context change arrived; the next
// consolidation starts a fresh episode.
func (c *Consolidator) SignalBoundary() {
	c.boundary = true
}

// Consolidate writes one approved winner to durable memory. Embedding
// failure is not fatal: the record is stored with a zero vector and a
// warning, so no experience is lost to a flaky embedder. The record ID
// equals the candidate ID, making retries idempotent.
func (c *Consolidator) Consolidate(ctx context.Context, cand thought.Candidate, score float64) (*memory.Record, error) {
	now := time.Now().UTC()
	c.rollEpisode(cand, now)

	vector, err := c.embed(ctx, cand.Content)
	if err != nil {
		c.logger.Warn("embedding failed, storing zero vector",
			zap.String("candidate", cand.ID.String()),
			zap.Error(err))
		vector = embedding.Zero(c.embedder.Dimension())
	}

	rec := &memory.Record{
		ID:                 cand.ID,
		Content:            cand.Content,
		Channel:            cand.Channel,
		Vector:             vector,
		EmotionalIntensity: cand.Signals.EmotionalIntensity(),
		Connection:         cand.Signals.Connection,
		Strength:           0,
		Tagged:             score >= c.opts.TagThreshold,
		EpisodeID:          c.episode.ID,
		CreatedAt:          now,
	}

	if err := c.store.Upsert(ctx, rec); err != nil {
		return nil, err
	}
	c.episode.Absorb(rec)

	c.link(ctx, rec)
	c.lastID = rec.ID
	return rec, nil
}

// rollEpisode closes the open episode and opens a new one when a boundary
// condition fired: explicit signal, a novelty spike, or plain age.
func (c *Consolidator) rollEpisode(cand thought.Candidate, now time.Time) {
	var boundary memory.BoundaryType
	switch {
	case c.boundary:
		boundary = memory.BoundaryExplicit
	case cand.Signals.Novelty >= c.opts.SurpriseThreshold:
		boundary = memory.BoundarySurprise
	case now.Sub(c.episode.StartedAt) >= c.opts.MaxEpisodeAge:
		boundary = memory.BoundaryElapsed
	default:
		return
	}

	c.episode.Close()
	c.logger.Info("episode boundary",
		zap.String("closed", c.episode.ID.String()),
		zap.String("boundary", string(boundary)),
		zap.Int("records", c.episode.RecordCount))
	c.episode = memory.NewEpisode(cand.Content, boundary)
	c.boundary = false
	// A new episode breaks the temporal chain; the first record of an
	// episode links to nothing.
	c.lastID = uuid.Nil
}

// link inserts the record into the graph and strengthens the temporal
// edge from its predecessor. Graph failures degrade to a warning; the
// record is already durable.
func (c *Consolidator) link(ctx context.Context, rec *memory.Record) {
	if c.graph == nil {
		return
	}
	if err := c.graph.EnsureNode(ctx, rec.ID, rec.Content); err != nil {
		c.logger.Warn("graph node creation failed", zap.Error(err))
		return
	}
	if c.lastID == uuid.Nil {
		return
	}
	if err := c.graph.Strengthen(ctx, c.lastID, rec.ID, assoc.Temporal, temporalDelta); err != nil {
		c.logger.Warn("temporal association failed", zap.Error(err))
	}
}

func (c *Consolidator) embed(ctx context.Context, content string) ([]float32, error) {
	vectors, err := c.embedder.Embed(ctx, []string{content})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) != c.embedder.Dimension() {
		return embedding.Zero(c.embedder.Dimension()), nil
	}
	return vectors[0], nil
}
