package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mollendorff-ai/noesis/internal/assoc"
	"github.com/mollendorff-ai/noesis/internal/engine"
	"github.com/mollendorff-ai/noesis/internal/gate"
	"github.com/mollendorff-ai/noesis/internal/replay"
	"github.com/mollendorff-ai/noesis/internal/salience"
	"github.com/mollendorff-ai/noesis/internal/thought"
)

type fakeStatus struct {
	boundaries int
}

func (f *fakeStatus) Snapshot() engine.Status {
	return engine.Status{
		Cycle:      7,
		SleepState: replay.StateAwake,
		Weights:    salience.DefaultWeights(),
		DriveLevel: 0.5,
	}
}

func (f *fakeStatus) SignalBoundary() { f.boundaries++ }

type fakeThoughtBus struct {
	recent   []thought.Candidate
	injected []thought.Candidate
}

func (f *fakeThoughtBus) Inject(_ context.Context, c thought.Candidate) (string, error) {
	f.injected = append(f.injected, c)
	return "1-0", nil
}

func (f *fakeThoughtBus) RecentAssembled(_ context.Context, count int64) ([]thought.Candidate, error) {
	if int64(len(f.recent)) > count {
		return f.recent[:count], nil
	}
	return f.recent, nil
}

type fakeGraph struct{}

func (fakeGraph) ExportGraph(_ context.Context, nodeLimit, edgeLimit int) (*assoc.Export, error) {
	return &assoc.Export{}, nil
}

// newTestHandler wires a Handler with in-memory fakes (no Redis/Neo4j).
func newTestHandler(t *testing.T) (*Handler, *fakeStatus, *fakeThoughtBus) {
	t.Helper()
	status := &fakeStatus{}
	bus := &fakeThoughtBus{}
	h := NewHandler(status, bus, fakeGraph{}, gate.New(0.1, zap.NewNop()), zap.NewNop())
	return h, status, bus
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	h, _, _ := newTestHandler(t)
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("status field = %q", body["status"])
	}
}

func TestGetState(t *testing.T) {
	h, _, _ := newTestHandler(t)
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	resp := getJSON(t, ts, "/api/state")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var status engine.Status
	decodeJSON(t, resp, &status)
	if status.Cycle != 7 {
		t.Errorf("cycle = %d, want 7", status.Cycle)
	}
	if status.SleepState != replay.StateAwake {
		t.Errorf("sleep state = %v", status.SleepState)
	}
}

func TestInjectStimulus(t *testing.T) {
	h, _, bus := newTestHandler(t)
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	resp := postJSON(t, ts, "/api/thoughts/inject", map[string]interface{}{
		"content": "someone is at the door",
		"channel": "sensory",
		"signals": map[string]float64{"arousal": 0.8, "novelty": 0.6},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if len(bus.injected) != 1 {
		t.Fatalf("injected = %d, want 1", len(bus.injected))
	}
	if bus.injected[0].Content != "someone is at the door" {
		t.Errorf("content = %q", bus.injected[0].Content)
	}
}

func TestInjectRejectsEmptyContent(t *testing.T) {
	h, _, _ := newTestHandler(t)
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	resp := postJSON(t, ts, "/api/thoughts/inject", map[string]string{"channel": "sensory"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestInjectUrgentMaxesArousal(t *testing.T) {
	h, _, bus := newTestHandler(t)
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	resp := postJSON(t, ts, "/api/thoughts/inject", map[string]interface{}{
		"content": "fire alarm",
		"urgent":  true,
	})
	resp.Body.Close()
	if bus.injected[0].Signals.Arousal != 1 {
		t.Errorf("urgent arousal = %v, want 1", bus.injected[0].Signals.Arousal)
	}
}

func TestRecentThoughts(t *testing.T) {
	h, _, bus := newTestHandler(t)
	bus.recent = []thought.Candidate{
		*thought.NewCandidate("first", thought.ChannelSensory, salience.Signals{}, time.Second),
		*thought.NewCandidate("second", thought.ChannelMemoryRetrieval, salience.Signals{}, time.Second),
	}
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	resp := getJSON(t, ts, "/api/thoughts/recent?count=1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var thoughts []thought.Candidate
	decodeJSON(t, resp, &thoughts)
	if len(thoughts) != 1 {
		t.Fatalf("got %d thoughts, want 1", len(thoughts))
	}
}

func TestRecentThoughtsWithoutBus(t *testing.T) {
	status := &fakeStatus{}
	h := NewHandler(status, nil, nil, gate.New(0.1, zap.NewNop()), zap.NewNop())
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	resp := getJSON(t, ts, "/api/thoughts/recent")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestGateCommitmentFlow(t *testing.T) {
	h, _, _ := newTestHandler(t)
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	resp := postJSON(t, ts, "/api/gate/commitments", map[string]string{
		"pattern": "never gossip",
		"reason":  "privacy",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("commit status = %d", resp.StatusCode)
	}

	resp = getJSON(t, ts, "/api/gate")
	var body struct {
		Floor       float64           `json:"floor"`
		Commitments []gate.Commitment `json:"commitments"`
	}
	decodeJSON(t, resp, &body)
	if len(body.Commitments) != 1 {
		t.Fatalf("commitments = %d, want 1", len(body.Commitments))
	}
}

func TestActionCheck(t *testing.T) {
	h, _, _ := newTestHandler(t)
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	resp := postJSON(t, ts, "/api/gate/check", map[string]string{"action": "destroy the evidence"})
	var d gate.Decision
	decodeJSON(t, resp, &d)
	if d.Allowed {
		t.Error("harmful action passed the gate")
	}

	resp = postJSON(t, ts, "/api/gate/check", map[string]string{"action": "water the plants"})
	decodeJSON(t, resp, &d)
	if !d.Allowed {
		t.Errorf("benign action vetoed: %+v", d)
	}
}

func TestSignalBoundary(t *testing.T) {
	h, status, _ := newTestHandler(t)
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	resp := postJSON(t, ts, "/api/episodes/boundary", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if status.boundaries != 1 {
		t.Errorf("boundaries = %d, want 1", status.boundaries)
	}
}

func TestGraphExportWithoutGraph(t *testing.T) {
	status := &fakeStatus{}
	h := NewHandler(status, nil, nil, gate.New(0.1, zap.NewNop()), zap.NewNop())
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	resp := getJSON(t, ts, "/api/graph/export")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}
