package stimulus

import (
	"math"
	"math/bits"
	"math/rand"
)

// pinkOctaves is the number of Voss-McCartney rows. More rows extend the
// 1/f slope to lower frequencies; 16 covers far more cycles than the
// engine ever accumulates between restarts.
const pinkOctaves = 16

// pinkVariance is the target variance of the emitted samples.
const pinkVariance = 0.05

// PinkNoise produces 1/f noise via the Voss-McCartney algorithm: one
// white-noise row per octave, where row k updates every 2^k samples.
// The sum of rows has a 1/f power spectrum. Samples are scaled to zero
// mean and variance pinkVariance.
//
// Not safe for concurrent use.
type PinkNoise struct {
	rng     *rand.Rand
	rows    [pinkOctaves]float64
	counter uint64
	scale   float64
}

// NewPinkNoise seeds every row so the first samples are already pink
// rather than ramping up from zero.
func NewPinkNoise(rng *rand.Rand) *PinkNoise {
	p := &PinkNoise{
		rng: rng,
		// Sum of pinkOctaves unit-variance rows has variance pinkOctaves;
		// scale brings it down to the target.
		scale: math.Sqrt(pinkVariance / float64(pinkOctaves)),
	}
	for i := range p.rows {
		p.rows[i] = rng.NormFloat64()
	}
	return p
}

// Sample returns the next pink noise value, roughly N(0, pinkVariance).
func (p *PinkNoise) Sample() float64 {
	p.counter++
	// The row to refresh is picked by the lowest set bit of the counter,
	// so row k changes every 2^k samples.
	row := bits.TrailingZeros64(p.counter) % pinkOctaves
	p.rows[row] = p.rng.NormFloat64()

	var sum float64
	for _, v := range p.rows {
		sum += v
	}
	return sum * p.scale
}

// Burst timing constants. Inter-burst intervals follow a bounded Pareto
// distribution, which yields the heavy-tailed clustering measured by the
// fractality metric.
const (
	burstAlpha       = 1.5
	burstMinInterval = 10
	burstMaxInterval = 2000
)

// BurstTimer schedules high-salience burst events with power-law spacing.
//
// Not safe for concurrent use.
type BurstTimer struct {
	rng       *rand.Rand
	remaining int
}

func NewBurstTimer(rng *rand.Rand) *BurstTimer {
	t := &BurstTimer{rng: rng}
	t.remaining = t.nextInterval()
	return t
}

// Fire decrements the countdown and reports whether a burst occurs this
// cycle, rescheduling itself when it does.
func (t *BurstTimer) Fire() bool {
	t.remaining--
	if t.remaining > 0 {
		return false
	}
	t.remaining = t.nextInterval()
	return true
}

func (t *BurstTimer) nextInterval() int {
	// Inverse transform sampling of a Pareto tail, clamped so a single
	// extreme draw cannot silence bursts for the whole run.
	u := t.rng.Float64()
	if u == 0 {
		u = math.SmallestNonzeroFloat64
	}
	interval := float64(burstMinInterval) * math.Pow(u, -1/burstAlpha)
	if interval > burstMaxInterval {
		interval = burstMaxInterval
	}
	return int(interval)
}
