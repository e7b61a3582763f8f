package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// HashProvider is a deterministic, dependency-free embedding: token
// hashes scattered into a fixed-size vector, L2-normalized. It carries
// no semantics beyond token overlap, but it keeps the memory pipeline
// fully functional when no embedding service is configured, and two
// identical contents always map to the identical vector.
type HashProvider struct {
	dimension int
}

// NewHashProvider creates a hash embedder with the given dimension.
// Dimension zero defaults to 768.
func NewHashProvider(dimension int) *HashProvider {
	if dimension <= 0 {
		dimension = 768
	}
	return &HashProvider{dimension: dimension}
}

// Embed maps each text to a normalized bag-of-tokens vector.
func (p *HashProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = p.embedOne(text)
	}
	return out, nil
}

func (p *HashProvider) embedOne(text string) []float32 {
	vec := make([]float32, p.dimension)

	start := 0
	flush := func(end int) {
		if end <= start {
			return
		}
		h := fnv.New64a()
		h.Write([]byte(text[start:end]))
		sum := h.Sum64()
		idx := int(sum % uint64(p.dimension))
		// Low bit picks the sign so common tokens do not all pile up
		// positive.
		if sum&1 == 0 {
			vec[idx]++
		} else {
			vec[idx]--
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] == ' ' || text[i] == '\t' || text[i] == '\n' {
			flush(i)
			start = i + 1
		}
	}
	flush(len(text))

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

// Dimension returns the fixed embedding dimension.
func (p *HashProvider) Dimension() int {
	return p.dimension
}
