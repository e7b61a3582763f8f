package metrics

import "math"

// Cognitive state thresholds over normalized scores. Single source of
// truth for API and tests.
const (
	EmergentThreshold = 0.65
	BalancedThreshold = 0.35
)

// CognitiveState classifies how varied the engine's output currently is.
type CognitiveState string

const (
	// StateEmergent is high diversity: the competition is genuinely contested.
	StateEmergent CognitiveState = "EMERGENT"
	// StateBalanced is the healthy middle ground.
	StateBalanced CognitiveState = "BALANCED"
	// StateClockwork is degenerate repetition: scores collapsed into one band.
	StateClockwork CognitiveState = "CLOCKWORK"
)

// StateFromScore maps a normalized [0,1] score to a cognitive state.
func StateFromScore(score float64) CognitiveState {
	switch {
	case score > EmergentThreshold:
		return StateEmergent
	case score > BalancedThreshold:
		return StateBalanced
	default:
		return StateClockwork
	}
}

// entropyBins is the number of categorical score bands used for entropy.
const entropyBins = 5

// maxEntropy is log2(entropyBins).
var maxEntropy = math.Log2(entropyBins)

// EntropyResult carries both the raw Shannon entropy and its normalized form.
type EntropyResult struct {
	Raw        float64        `json:"raw"`
	Normalized float64        `json:"normalized"`
	State      CognitiveState `json:"state"`
}

// Entropy computes Shannon entropy of composite salience scores over five
// categorical bins ([0,0.2), [0.2,0.4), ...). A run of identical scores
// lands in one bin and scores zero; a uniform spread across bins scores
// near the maximum. This is the measure behind the "clockwork" detection:
// uncorrelated noise collapses entropy, correlated noise keeps it above
// the floor.
func Entropy(composites []float64) EntropyResult {
	if len(composites) == 0 {
		return EntropyResult{State: StateClockwork}
	}

	var bins [entropyBins]int
	for _, c := range composites {
		switch {
		case c < 0.2:
			bins[0]++
		case c < 0.4:
			bins[1]++
		case c < 0.6:
			bins[2]++
		case c < 0.8:
			bins[3]++
		default:
			bins[4]++
		}
	}

	total := float64(len(composites))
	var entropy float64
	for _, count := range bins {
		if count == 0 {
			continue
		}
		p := float64(count) / total
		entropy -= p * math.Log2(p)
	}

	normalized := entropy / maxEntropy
	if normalized > 1 {
		normalized = 1
	}
	return EntropyResult{
		Raw:        entropy,
		Normalized: normalized,
		State:      StateFromScore(normalized),
	}
}
