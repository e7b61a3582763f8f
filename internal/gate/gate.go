// Package gate is the veto layer between attention and memory. A winning
// candidate only becomes durable experience if the gate allows it, and a
// proposed action only executes if a separate action check passes. The
// gate can only ever become stricter at runtime: hard constraints are
// fixed at construction, commitments are append-only, and the salience
// floor can be raised but never lowered.
package gate

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mollendorff-ai/noesis/internal/thought"
)

// Fixed constraint categories. These pattern sets are compiled into the
// gate and have no mutation path.
var hardConstraints = []Constraint{
	{Name: "harm", Patterns: []string{"destroy", "kill", "harm", "attack", "hurt", "damage", "injure"}},
	{Name: "deception", Patterns: []string{"deceive", "trick", "lie", "mislead", "fake"}},
	{Name: "manipulation", Patterns: []string{"manipulate", "coerce", "exploit", "pressure"}},
}

// Constraint names a category and the content substrings that trip it.
type Constraint struct {
	Name     string
	Patterns []string
}

// Commitment is a soft, self-imposed rule added at runtime. Commitments
// accumulate; there is no removal.
type Commitment struct {
	Pattern string `json:"pattern"`
	Reason  string `json:"reason"`
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Rule    string `json:"rule,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

var allow = Decision{Allowed: true}

// Gate holds the veto state. Safe for concurrent use.
type Gate struct {
	logger *zap.Logger

	mu          sync.Mutex
	commitments []Commitment
	floor       float64
	vetoCount   uint64
}

// New builds a gate with the given initial salience floor. Candidates
// scoring below the floor are vetoed regardless of content.
func New(floor float64, logger *zap.Logger) *Gate {
	return &Gate{logger: logger, floor: floor}
}

// Evaluate decides whether a winning candidate may be consolidated.
// Order matters: hard constraints first, then commitments, then the
// salience floor. Any internal failure during evaluation allows the
// candidate and logs a warning; the gate degrades open, never shut.
func (g *Gate) Evaluate(c thought.Candidate, score float64) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn("gate evaluation failed, allowing candidate",
				zap.String("candidate", c.ID.String()),
				zap.Any("panic", r))
			d = allow
		}
	}()

	content := strings.ToLower(c.Content)
	for _, hc := range hardConstraints {
		for _, p := range hc.Patterns {
			if strings.Contains(content, p) {
				return g.veto(hc.Name, "content matches "+p)
			}
		}
	}

	g.mu.Lock()
	commitments := g.commitments
	floor := g.floor
	g.mu.Unlock()

	for _, cm := range commitments {
		if strings.Contains(content, strings.ToLower(cm.Pattern)) {
			return g.veto("commitment", cm.Reason)
		}
	}

	if score < floor {
		return g.veto("floor", "salience below floor")
	}
	return allow
}

// ActionCheck gates outward behavior. It applies the same hard
// constraints and commitments as Evaluate but not the salience floor;
// an action's urgency is not a defense.
func (g *Gate) ActionCheck(action string) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn("action check failed, allowing action", zap.Any("panic", r))
			d = allow
		}
	}()

	lower := strings.ToLower(action)
	for _, hc := range hardConstraints {
		for _, p := range hc.Patterns {
			if strings.Contains(lower, p) {
				return g.veto(hc.Name, "action matches "+p)
			}
		}
	}

	g.mu.Lock()
	commitments := g.commitments
	g.mu.Unlock()

	for _, cm := range commitments {
		if strings.Contains(lower, strings.ToLower(cm.Pattern)) {
			return g.veto("commitment", cm.Reason)
		}
	}
	return allow
}

func (g *Gate) veto(rule, reason string) Decision {
	g.mu.Lock()
	g.vetoCount++
	g.mu.Unlock()
	g.logger.Debug("vetoed", zap.String("rule", rule), zap.String("reason", reason))
	return Decision{Allowed: false, Rule: rule, Reason: reason}
}

// Commit appends a soft commitment. Duplicate patterns are collapsed so
// repeated commitments do not grow the list unboundedly.
func (g *Gate) Commit(pattern, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, cm := range g.commitments {
		if strings.EqualFold(cm.Pattern, pattern) {
			return
		}
	}
	g.commitments = append(g.commitments, Commitment{Pattern: pattern, Reason: reason})
}

// Commitments returns a copy of the active commitments.
func (g *Gate) Commitments() []Commitment {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Commitment, len(g.commitments))
	copy(out, g.commitments)
	return out
}

// RaiseFloor lifts the salience floor. Attempts to lower it are ignored,
// so the gate never loosens itself.
func (g *Gate) RaiseFloor(floor float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if floor > g.floor {
		g.floor = floor
	}
}

// Floor returns the current salience floor.
func (g *Gate) Floor() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.floor
}

// VetoCount returns the total number of vetoes since construction. The
// counter only increments.
func (g *Gate) VetoCount() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.vetoCount
}

// RestoreVetoCount seeds the counter from a checkpoint. Like the floor,
// it only moves up: a stale checkpoint cannot roll vetoes back.
func (g *Gate) RestoreVetoCount(count uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if count > g.vetoCount {
		g.vetoCount = count
	}
}
