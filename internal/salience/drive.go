package salience

import "fmt"

// Drive is the engine's single owned mutable scoring state: the current
// weight vector plus the connection-drive level that modulates the
// connection signal. It is passed by pointer into the scorer and gate each
// cycle and mutated only through Update, which runs the invariant check
// inline. There is no package-level instance.
type Drive struct {
	weights Weights
	level   float64 // connection drive, 0..1
}

// NewDrive builds a Drive, rejecting weight vectors that violate the
// connection invariant.
func NewDrive(w Weights, level float64) (*Drive, error) {
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("new drive: %w", err)
	}
	return &Drive{weights: w, level: clamp(level, 0, 1)}, nil
}

// Weights returns the current weight vector.
func (d *Drive) Weights() Weights { return d.weights }

// Level returns the current connection-drive level.
func (d *Drive) Level() float64 { return d.level }

// Update replaces the weight vector. The connection invariant is checked
// before anything is mutated; a violating update leaves the Drive untouched.
func (d *Drive) Update(w Weights) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("update weights: %w", err)
	}
	d.weights = w
	return nil
}

// SetLevel adjusts the connection-drive level, clamped to [0,1].
func (d *Drive) SetLevel(level float64) {
	d.level = clamp(level, 0, 1)
}

// Score rates a signal tuple under the current weights. The drive level
// boosts the connection signal before composition: a high drive makes
// relational content harder to out-compete.
func (d *Drive) Score(s Signals) float64 {
	boosted := s.Clamped()
	boosted.Connection = clamp(boosted.Connection*(0.5+d.level*0.5)+d.level*0.1, 0, 1)
	return Composite(boosted, d.weights)
}
