package metrics

import "math"

// Fractality combines two signatures of self-similar activity.
const (
	cvWeight    = 0.6
	burstWeight = 0.4

	// A coefficient of variation of 2.0 or more counts as fully fractal
	// on the CV axis.
	cvCeiling = 2.0
	// Burst ratios range from 1 (no bursts) up to roughly 15 under the
	// Pareto inter-arrival model, so 14 spans the useful range.
	burstSpan = 14.0
)

// FractalityResult reports the combined score and its two components.
type FractalityResult struct {
	Score      float64 `json:"score"`
	CV         float64 `json:"cv"`
	BurstRatio float64 `json:"burst_ratio"`
}

// Fractality scores inter-arrival gaps between emitted thoughts for
// self-similar burstiness. Gaps are in milliseconds. The score blends
// the coefficient of variation of the gaps with the ratio of the mean
// gap to the minimum gap; both are normalized before blending so the
// result stays in [0,1].
func Fractality(gaps []float64) FractalityResult {
	if len(gaps) < 2 {
		return FractalityResult{}
	}

	var sum float64
	minGap := math.Inf(1)
	for _, g := range gaps {
		sum += g
		if g < minGap {
			minGap = g
		}
	}
	mean := sum / float64(len(gaps))
	if mean <= 0 {
		return FractalityResult{}
	}

	var variance float64
	for _, g := range gaps {
		d := g - mean
		variance += d * d
	}
	variance /= float64(len(gaps))
	cv := math.Sqrt(variance) / mean

	burstRatio := 1.0
	if minGap > 0 {
		burstRatio = mean / minGap
	}

	cvScore := math.Min(cv/cvCeiling, 1)
	burstScore := math.Min((burstRatio-1)/burstSpan, 1)
	if burstScore < 0 {
		burstScore = 0
	}

	return FractalityResult{
		Score:      cvWeight*cvScore + burstWeight*burstScore,
		CV:         cv,
		BurstRatio: burstRatio,
	}
}
