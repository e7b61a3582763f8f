package salience

import (
	"fmt"
	"math"
)

// MinConnectionWeight is the floor for the connection-relevance weight.
// The scoring subsystem refuses any weight vector below it; this is the
// one protected invariant of the scorer and is re-verified on every
// checkpoint restore.
const MinConnectionWeight = 0.001

// Signals is the raw tuple attached to a thought candidate before scoring.
type Signals struct {
	Valence    float64 `json:"valence"`    // -1..1
	Arousal    float64 `json:"arousal"`    // 0..1
	Novelty    float64 `json:"novelty"`    // 0..1
	Connection float64 `json:"connection"` // 0..1
}

// Clamped returns a copy with every component forced into its valid range.
// NaN collapses to zero rather than propagating.
func (s Signals) Clamped() Signals {
	return Signals{
		Valence:    clamp(s.Valence, -1, 1),
		Arousal:    clamp(s.Arousal, 0, 1),
		Novelty:    clamp(s.Novelty, 0, 1),
		Connection: clamp(s.Connection, 0, 1),
	}
}

// EmotionalIntensity is |valence| x arousal, the primary salience driver.
func (s Signals) EmotionalIntensity() float64 {
	c := s.Clamped()
	return math.Abs(c.Valence) * c.Arousal
}

// Weights is the composite scoring weight vector.
type Weights struct {
	Emotional  float64 `json:"emotional"`
	Semantic   float64 `json:"semantic"`
	Connection float64 `json:"connection"`
}

// DefaultWeights mirrors the tuning the engine ships with: emotion-led,
// with a protected connection term.
func DefaultWeights() Weights {
	return Weights{Emotional: 0.4, Semantic: 0.3, Connection: 0.3}
}

// Validate checks the connection invariant and basic sanity of the vector.
func (w Weights) Validate() error {
	if math.IsNaN(w.Emotional) || math.IsNaN(w.Semantic) || math.IsNaN(w.Connection) {
		return fmt.Errorf("weight vector contains NaN")
	}
	if w.Emotional < 0 || w.Semantic < 0 {
		return fmt.Errorf("negative weight: emotional=%v semantic=%v", w.Emotional, w.Semantic)
	}
	if w.Connection < MinConnectionWeight {
		return fmt.Errorf("connection weight %v below minimum %v", w.Connection, MinConnectionWeight)
	}
	return nil
}

// Composite computes the scalar competition score for a signal tuple.
// Pure and deterministic: identical inputs always produce identical scores.
// Malformed inputs are clamped, never rejected.
//
//	composite = wE * (|valence| * arousal) + wS * novelty + wC * connection
//
// The result is clamped to [0,1].
func Composite(s Signals, w Weights) float64 {
	c := s.Clamped()
	score := w.Emotional*c.EmotionalIntensity() +
		w.Semantic*c.Novelty +
		w.Connection*c.Connection
	return clamp(score, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
