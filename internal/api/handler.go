package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/mollendorff-ai/noesis/internal/assoc"
	"github.com/mollendorff-ai/noesis/internal/engine"
	"github.com/mollendorff-ai/noesis/internal/gate"
	"github.com/mollendorff-ai/noesis/internal/salience"
	"github.com/mollendorff-ai/noesis/internal/thought"
)

// StatusSource exposes the engine's observation snapshot and episode
// boundary signal.
type StatusSource interface {
	Snapshot() engine.Status
	SignalBoundary()
}

// ThoughtBus is the slice of the stream bus the API touches: reading
// recently assembled thoughts and injecting external stimuli.
type ThoughtBus interface {
	Inject(ctx context.Context, c thought.Candidate) (string, error)
	RecentAssembled(ctx context.Context, count int64) ([]thought.Candidate, error)
}

// GraphExporter dumps a bounded view of the association graph.
type GraphExporter interface {
	ExportGraph(ctx context.Context, nodeLimit, edgeLimit int) (*assoc.Export, error)
}

// Handler holds dependencies for HTTP handlers. Bus and graph may be nil
// when their stores are down; the affected routes answer 503.
type Handler struct {
	status StatusSource
	bus    ThoughtBus
	graph  GraphExporter
	gate   *gate.Gate
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(status StatusSource, bus ThoughtBus, graph GraphExporter, g *gate.Gate, logger *zap.Logger) *Handler {
	return &Handler{
		status: status,
		bus:    bus,
		graph:  graph,
		gate:   g,
		logger: logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/state", h.getState)
		r.Get("/metrics", h.getMetrics)

		r.Get("/thoughts/recent", h.recentThoughts)
		r.Post("/thoughts/inject", h.injectStimulus)

		r.Get("/gate", h.gateStatus)
		r.Post("/gate/commitments", h.addCommitment)
		r.Post("/gate/check", h.checkAction)

		r.Post("/episodes/boundary", h.signalBoundary)
		r.Get("/graph/export", h.exportGraph)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "noesis"})
}

func (h *Handler) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status.Snapshot())
}

func (h *Handler) getMetrics(w http.ResponseWriter, r *http.Request) {
	snap := h.status.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entropy":    snap.Entropy,
		"fractality": snap.Fractality,
		"state":      snap.Entropy.State,
		"cycle":      snap.Cycle,
	})
}

func (h *Handler) recentThoughts(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "stream bus not initialized"})
		return
	}
	count := queryInt(r, "count", 20)
	if count < 1 || count > 100 {
		count = 20
	}
	thoughts, err := h.bus.RecentAssembled(r.Context(), int64(count))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, thoughts)
}

type injectRequest struct {
	Content string           `json:"content"`
	Channel thought.Channel  `json:"channel"`
	Signals salience.Signals `json:"signals"`
	Urgent  bool             `json:"urgent"`
}

func (h *Handler) injectStimulus(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "stream bus not initialized"})
		return
	}
	var req injectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	}
	if !req.Channel.Valid() || req.Channel == thought.ChannelDreamReplay {
		req.Channel = thought.ChannelSensory
	}
	if req.Urgent {
		req.Signals.Arousal = 1
	}

	cand := thought.NewCandidate(req.Content, req.Channel, req.Signals.Clamped(), 0)
	cand.Urgent = req.Urgent
	id, err := h.bus.Inject(r.Context(), *cand)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":        cand.ID.String(),
		"stream_id": id,
		"status":    "queued",
	})
}

func (h *Handler) gateStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"floor":       h.gate.Floor(),
		"veto_count":  h.gate.VetoCount(),
		"commitments": h.gate.Commitments(),
	})
}

type commitmentRequest struct {
	Pattern string `json:"pattern"`
	Reason  string `json:"reason"`
}

func (h *Handler) addCommitment(w http.ResponseWriter, r *http.Request) {
	var req commitmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Pattern == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pattern is required"})
		return
	}
	h.gate.Commit(req.Pattern, req.Reason)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "committed"})
}

type actionCheckRequest struct {
	Action string `json:"action"`
}

func (h *Handler) checkAction(w http.ResponseWriter, r *http.Request) {
	var req actionCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Action == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "action is required"})
		return
	}
	writeJSON(w, http.StatusOK, h.gate.ActionCheck(req.Action))
}

func (h *Handler) signalBoundary(w http.ResponseWriter, r *http.Request) {
	h.status.SignalBoundary()
	writeJSON(w, http.StatusOK, map[string]string{"status": "boundary signaled"})
}

func (h *Handler) exportGraph(w http.ResponseWriter, r *http.Request) {
	if h.graph == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "association graph not initialized"})
		return
	}
	nodes := queryInt(r, "nodes", 100)
	edges := queryInt(r, "edges", 500)
	export, err := h.graph.ExportGraph(r.Context(), nodes, edges)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, export)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
