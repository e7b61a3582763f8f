package memory

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mollendorff-ai/noesis/internal/thought"
)

// PermanentStrength is the consolidation strength at which a record stops
// being eligible for decay-driven forgetting.
const PermanentStrength = 0.8

// Replay priority weights. Emotion dominates, then graph relevance, then
// recency, with a flat bonus for records tagged at encoding time.
const (
	priorityEmotionWeight    = 0.4
	priorityConnectionWeight = 0.3
	priorityRecencyWeight    = 0.2
	priorityTagBonus         = 0.1

	// Recency halves roughly daily.
	recencyHalfLife = 24 * time.Hour
)

// Record is one consolidated experience. Its ID equals the winning
// candidate's ID, which makes re-consolidation after a crash an idempotent
// upsert rather than a duplicate.
type Record struct {
	ID                 uuid.UUID       `json:"id"`
	Content            string          `json:"content"`
	Channel            thought.Channel `json:"channel"`
	Vector             []float32       `json:"-"`
	EmotionalIntensity float64         `json:"emotional_intensity"`
	Connection         float64         `json:"connection"`
	Strength           float64         `json:"strength"`
	ReplayCount        int             `json:"replay_count"`
	Tagged             bool            `json:"tagged"`
	EpisodeID          uuid.UUID       `json:"episode_id"`
	CreatedAt          time.Time       `json:"created_at"`
	LastReplayed       time.Time       `json:"last_replayed,omitempty"`
}

// Permanent reports whether the record has consolidated past the point of
// forgetting.
func (r *Record) Permanent() bool {
	return r.Strength >= PermanentStrength
}

// ReplayPriority scores the record for sleep-time replay selection.
// Emotionally intense, graph-connected, recent, and tagged records replay
// first.
func (r *Record) ReplayPriority(now time.Time) float64 {
	age := now.Sub(r.CreatedAt)
	if age < 0 {
		age = 0
	}
	recency := math.Exp2(-float64(age) / float64(recencyHalfLife))

	p := priorityEmotionWeight*r.EmotionalIntensity +
		priorityConnectionWeight*r.Connection +
		priorityRecencyWeight*recency
	if r.Tagged {
		p += priorityTagBonus
	}
	if p > 1 {
		p = 1
	}
	return p
}

// Reinforce applies one replay pass: strength rises by delta, capped at
// 1.0, and the replay bookkeeping advances.
func (r *Record) Reinforce(delta float64, now time.Time) {
	r.Strength += delta
	if r.Strength > 1 {
		r.Strength = 1
	}
	r.ReplayCount++
	r.LastReplayed = now
}

// BoundaryType says why an episode started.
type BoundaryType string

const (
	// BoundaryExplicit is an externally signalled context change.
	BoundaryExplicit BoundaryType = "explicit"
	// BoundarySurprise is a novelty spike past the surprise threshold.
	BoundarySurprise BoundaryType = "surprise"
	// BoundaryElapsed is an episode aging out.
	BoundaryElapsed BoundaryType = "elapsed"
)

// Episode groups records between two boundaries. Closing is one-way: a
// closed episode never reopens.
type Episode struct {
	ID        uuid.UUID    `json:"id"`
	Label     string       `json:"label"`
	Boundary  BoundaryType `json:"boundary"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`

	// Running emotional summary over member records.
	RecordCount  int     `json:"record_count"`
	PeakEmotion  float64 `json:"peak_emotion"`
	TotalEmotion float64 `json:"total_emotion"`
}

// NewEpisode opens an episode starting now.
func NewEpisode(label string, boundary BoundaryType) *Episode {
	return &Episode{
		ID:        uuid.New(),
		Label:     label,
		Boundary:  boundary,
		StartedAt: time.Now().UTC(),
	}
}

// Open reports whether the episode is still accepting records.
func (e *Episode) Open() bool {
	return e.EndedAt == nil
}

// Close ends the episode. Closing an already closed episode is a no-op
// that preserves the original end time.
func (e *Episode) Close() {
	if e.EndedAt != nil {
		return
	}
	t := time.Now().UTC()
	e.EndedAt = &t
}

// Absorb folds one record's emotion into the episode summary.
func (e *Episode) Absorb(r *Record) {
	e.RecordCount++
	e.TotalEmotion += r.EmotionalIntensity
	if r.EmotionalIntensity > e.PeakEmotion {
		e.PeakEmotion = r.EmotionalIntensity
	}
}

// MeanEmotion is the average emotional intensity across member records.
func (e *Episode) MeanEmotion() float64 {
	if e.RecordCount == 0 {
		return 0
	}
	return e.TotalEmotion / float64(e.RecordCount)
}
