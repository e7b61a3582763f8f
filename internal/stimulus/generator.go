package stimulus

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/mollendorff-ai/noesis/internal/salience"
	"github.com/mollendorff-ai/noesis/internal/thought"
)

// highSalienceRate is the base probability that a generated candidate is
// emotionally significant. Burst events raise the effective rate; the
// other ~90% are neutral background that the forgetting path discards.
const highSalienceRate = 0.10

// Generator produces synthetic thought candidates with a skewed salience
// distribution: mostly neutral, occasionally significant, with pink noise
// perturbing every signal and power-law bursts clustering the significant
// ones in time.
//
// Not safe for concurrent use; the engine owns one per channel set.
type Generator struct {
	rng    *rand.Rand
	pink   *PinkNoise
	bursts *BurstTimer
	window time.Duration
	count  uint64
}

// NewGenerator builds a generator whose candidates carry the given
// intervention window as their deadline.
func NewGenerator(seed int64, window time.Duration) *Generator {
	rng := rand.New(rand.NewSource(seed))
	return &Generator{
		rng:    rng,
		pink:   NewPinkNoise(rng),
		bursts: NewBurstTimer(rng),
		window: window,
	}
}

// Generate produces one candidate for the given channel. If the channel is
// unknown or the produced signals are corrupt, it falls back to a neutral
// null candidate rather than propagating bad state downstream.
func (g *Generator) Generate(ch thought.Channel) thought.Candidate {
	if !ch.Valid() || ch == thought.ChannelDreamReplay {
		return g.nullCandidate(thought.ChannelSensory)
	}

	g.count++
	sig := g.signals()
	if corrupt(sig) {
		return g.nullCandidate(ch)
	}

	content := fmt.Sprintf("%s_%d", ch, g.count)
	return *thought.NewCandidate(content, ch, sig, g.window)
}

// signals draws base values from the neutral or high-salience range, then
// perturbs each with pink noise and clamps back into range. Connection
// keeps a 0.1 floor so generated candidates always pass the invariant
// with margin.
func (g *Generator) signals() salience.Signals {
	burst := g.bursts.Fire()

	var sig salience.Signals
	if burst || g.rng.Float64() < highSalienceRate {
		sig = salience.Signals{
			Valence:    g.rangeIn(-0.5, 0.5),
			Arousal:    g.rangeIn(0.6, 0.95),
			Novelty:    g.rangeIn(0.4, 0.85),
			Connection: g.rangeIn(0.5, 0.90),
		}
	} else {
		sig = salience.Signals{
			Valence:    g.rangeIn(-0.5, 0.5),
			Arousal:    g.rangeIn(0.2, 0.5),
			Novelty:    g.rangeIn(0.0, 0.30),
			Connection: g.rangeIn(0.1, 0.40),
		}
	}

	sig.Valence = clampTo(sig.Valence+g.pink.Sample(), -1, 1)
	sig.Arousal = clampTo(sig.Arousal+g.pink.Sample(), 0, 1)
	sig.Novelty = clampTo(sig.Novelty+g.pink.Sample(), 0, 1)
	sig.Connection = clampTo(sig.Connection+g.pink.Sample(), 0.1, 1)
	return sig
}

// nullCandidate is the recovery output: a contentless, zero-salience
// candidate that cannot win attention but keeps the cycle's output shape
// intact.
func (g *Generator) nullCandidate(ch thought.Channel) thought.Candidate {
	sig := salience.Signals{Connection: 0.1}
	return *thought.NewCandidate("", ch, sig, g.window)
}

func (g *Generator) rangeIn(lo, hi float64) float64 {
	return lo + g.rng.Float64()*(hi-lo)
}

func corrupt(s salience.Signals) bool {
	for _, v := range []float64{s.Valence, s.Arousal, s.Novelty, s.Connection} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

func clampTo(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
