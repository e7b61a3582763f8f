package embedding

import "context"

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "api", "local" or "hash"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// New builds the provider named in the config. Unknown or empty provider
// names fall back to the hash provider, which needs no external service.
func New(cfg Config) Provider {
	switch cfg.Provider {
	case "api":
		return NewAPIProvider(cfg)
	case "local":
		return NewLocalProvider(cfg)
	default:
		return NewHashProvider(cfg.Dimension)
	}
}

// Zero returns an all-zero vector of the given dimension. Consolidation
// uses it as the placeholder when embedding fails; a zero vector is never
// similar to anything, so the record stays findable by ID but inert in
// search.
func Zero(dimension int) []float32 {
	return make([]float32, dimension)
}
