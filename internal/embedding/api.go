package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// requestTimeout bounds one embedding call so a stalled provider cannot
// wedge consolidation for longer than the sleep budget tolerates.
const requestTimeout = 30 * time.Second

// maxErrBody caps how much of a provider error response is carried into
// the returned error.
const maxErrBody = 512

// APIProvider embeds through an OpenAI-compatible /embeddings endpoint.
// Vectors must come back at the configured dimension: the memory
// collection is created at that width, and a mismatched vector would
// poison every similarity search after it.
type APIProvider struct {
	endpoint  string
	model     string
	apiKey    string
	dimension int
	client    *http.Client
}

// NewAPIProvider builds a provider from config. The endpoint is the API
// base URL without the /embeddings suffix.
func NewAPIProvider(cfg Config) *APIProvider {
	return &APIProvider{
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		dimension: cfg.Dimension,
		client:    &http.Client{Timeout: requestTimeout},
	}
}

type apiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type apiEmbeddingData struct {
	Embedding []float32 `json:"embedding"`
}

type apiResponse struct {
	Data []apiEmbeddingData `json:"data"`
}

// Embed embeds all texts in one request.
func (p *APIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(apiRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed %d texts: %w", len(texts), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed endpoint status %d: %s", resp.StatusCode, readErrBody(resp.Body))
	}

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embed returned %d vectors for %d texts", len(result.Data), len(texts))
	}

	out := make([][]float32, len(result.Data))
	for i, d := range result.Data {
		if err := checkDimension(d.Embedding, p.dimension); err != nil {
			return nil, err
		}
		out[i] = d.Embedding
	}
	return out, nil
}

// Dimension returns the configured vector width.
func (p *APIProvider) Dimension() int {
	return p.dimension
}

func checkDimension(vec []float32, want int) error {
	if want > 0 && len(vec) != want {
		return fmt.Errorf("embed dimension %d, collection expects %d", len(vec), want)
	}
	return nil
}

func readErrBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrBody))
	return string(b)
}
