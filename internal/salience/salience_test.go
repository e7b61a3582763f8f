package salience

import (
	"math"
	"testing"
)

func TestCompositeDeterministic(t *testing.T) {
	s := Signals{Valence: -0.8, Arousal: 0.9, Novelty: 0.5, Connection: 0.7}
	w := DefaultWeights()

	a := Composite(s, w)
	b := Composite(s, w)
	if a != b {
		t.Fatalf("composite not deterministic: %v != %v", a, b)
	}
	// |−0.8|·0.9·0.4 + 0.5·0.3 + 0.7·0.3 = 0.288 + 0.15 + 0.21
	want := 0.648
	if math.Abs(a-want) > 1e-9 {
		t.Errorf("got %v, want %v", a, want)
	}
}

func TestCompositeClampsMalformedInput(t *testing.T) {
	cases := []struct {
		name string
		s    Signals
	}{
		{"nan valence", Signals{Valence: math.NaN(), Arousal: 0.5}},
		{"inf arousal", Signals{Arousal: math.Inf(1)}},
		{"out of range", Signals{Valence: 5, Arousal: -3, Novelty: 9, Connection: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Composite(tc.s, DefaultWeights())
			if math.IsNaN(got) || got < 0 || got > 1 {
				t.Errorf("composite escaped [0,1]: %v", got)
			}
		})
	}
}

func TestWeightsConnectionInvariant(t *testing.T) {
	bad := []Weights{
		{Emotional: 0.4, Semantic: 0.3, Connection: 0},
		{Emotional: 0.4, Semantic: 0.3, Connection: -0.2},
		{Emotional: 0.4, Semantic: 0.3, Connection: MinConnectionWeight / 2},
	}
	for _, w := range bad {
		if err := w.Validate(); err == nil {
			t.Errorf("weights %+v should violate connection invariant", w)
		}
	}

	good := Weights{Emotional: 0.4, Semantic: 0.3, Connection: MinConnectionWeight}
	if err := good.Validate(); err != nil {
		t.Errorf("minimum connection weight rejected: %v", err)
	}
}

func TestDriveRejectsZeroConnection(t *testing.T) {
	if _, err := NewDrive(Weights{Emotional: 1, Semantic: 1, Connection: 0}, 0.5); err == nil {
		t.Fatal("NewDrive accepted a zero connection weight")
	}

	d, err := NewDrive(DefaultWeights(), 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.Update(Weights{Emotional: 0.5, Semantic: 0.5, Connection: 0}); err == nil {
		t.Fatal("Update accepted a zero connection weight")
	}
	// A failed update must leave the previous weights in place.
	if d.Weights().Connection != DefaultWeights().Connection {
		t.Errorf("failed update mutated weights: %+v", d.Weights())
	}
}

func TestDriveBoostsConnectionSignal(t *testing.T) {
	low, _ := NewDrive(DefaultWeights(), 0.0)
	high, _ := NewDrive(DefaultWeights(), 1.0)

	s := Signals{Valence: 0.2, Arousal: 0.2, Novelty: 0.2, Connection: 0.8}
	if high.Score(s) <= low.Score(s) {
		t.Errorf("high drive should score connection content above low drive: high=%v low=%v",
			high.Score(s), low.Score(s))
	}
}

func TestSignalsClampedNaN(t *testing.T) {
	s := Signals{Valence: math.NaN(), Arousal: math.NaN()}
	c := s.Clamped()
	if c.Valence != 0 || c.Arousal != 0 {
		t.Errorf("NaN should clamp to zero, got %+v", c)
	}
}
