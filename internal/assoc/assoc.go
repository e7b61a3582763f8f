// Package assoc maintains the associative graph in Neo4j: memory nodes
// linked by directed, typed, weighted edges. Co-activation strengthens
// edges, sleep-time homeostasis decays and prunes them.
package assoc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Type labels why two memories are linked.
type Type string

const (
	Semantic  Type = "semantic"
	Temporal  Type = "temporal"
	Causal    Type = "causal"
	Emotional Type = "emotional"
	Spatial   Type = "spatial"
	Goal      Type = "goal"
)

// Valid reports whether t is a known association type.
func (t Type) Valid() bool {
	switch t {
	case Semantic, Temporal, Causal, Emotional, Spatial, Goal:
		return true
	}
	return false
}

// ReverseFraction is the weight a back edge gets when an association
// first forms. Association is directional; the reverse link exists but
// starts weaker.
const ReverseFraction = 0.5

// Association is one directed edge as read back from the graph.
type Association struct {
	From              uuid.UUID `json:"from"`
	To                uuid.UUID `json:"to"`
	Type              Type      `json:"type"`
	Weight            float64   `json:"weight"`
	CoactivationCount int64     `json:"coactivation_count"`
	LastCoactivated   time.Time `json:"last_coactivated"`
}

// Node is a memory vertex in the export view.
type Node struct {
	ID      uuid.UUID `json:"id"`
	Content string    `json:"content"`
}

// Export is the full graph dump served on the observation surface.
type Export struct {
	Nodes []Node        `json:"nodes"`
	Edges []Association `json:"edges"`
}

// Graph handles Neo4j operations for the association layer.
type Graph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewGraph creates a Neo4j-backed association graph.
func NewGraph(uri, user, password string, logger *zap.Logger) (*Graph, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Graph{driver: driver, logger: logger}, nil
}

// Ping verifies the Neo4j connection.
func (g *Graph) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

// Close shuts down the Neo4j driver.
func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// EnsureNode makes sure a memory vertex exists for the record.
func (g *Graph) EnsureNode(ctx context.Context, id uuid.UUID, content string) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (m:Memory {id: $id})
		 ON CREATE SET m.content = $content, m.created_at = datetime()`,
		map[string]interface{}{"id": id.String(), "content": content})
	if err != nil {
		return fmt.Errorf("ensure node %s: %w", id, err)
	}
	return nil
}

// Strengthen reinforces the association from one memory to another.
// The forward edge is created or bumped by delta and capped at 1.0. The
// reverse edge is created and reinforced the same way at half delta:
// directionality starts asymmetric and converges as co-activations
// accumulate from both sides.
func (g *Graph) Strengthen(ctx context.Context, from, to uuid.UUID, t Type, delta float64) error {
	if !t.Valid() {
		return fmt.Errorf("unknown association type %q", t)
	}
	if from == to {
		return fmt.Errorf("self association on %s", from)
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MATCH (a:Memory {id: $from}), (b:Memory {id: $to})
		 MERGE (a)-[r:ASSOC {type: $type}]->(b)
		 ON CREATE SET r.weight = $delta,
		               r.coactivation_count = 1,
		               r.last_coactivated = datetime()
		 ON MATCH SET r.weight = CASE
		       WHEN r.weight + $delta > 1.0 THEN 1.0
		       ELSE r.weight + $delta
		     END,
		     r.coactivation_count = r.coactivation_count + 1,
		     r.last_coactivated = datetime()
		 MERGE (b)-[rev:ASSOC {type: $type}]->(a)
		 ON CREATE SET rev.weight = $reverse,
		               rev.coactivation_count = 1,
		               rev.last_coactivated = datetime()
		 ON MATCH SET rev.weight = CASE
		       WHEN rev.weight + $reverse > 1.0 THEN 1.0
		       ELSE rev.weight + $reverse
		     END,
		     rev.coactivation_count = rev.coactivation_count + 1,
		     rev.last_coactivated = datetime()`,
		map[string]interface{}{
			"from":    from.String(),
			"to":      to.String(),
			"type":    string(t),
			"delta":   delta,
			"reverse": delta * ReverseFraction,
		})
	if err != nil {
		return fmt.Errorf("strengthen %s->%s: %w", from, to, err)
	}
	return nil
}

// Decay multiplies every edge weight not co-activated since the cutoff
// by the given factor. Edges touched during the current sleep cycle keep
// their fresh weight.
func (g *Graph) Decay(ctx context.Context, factor float64, touchedSince time.Time) (int, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH ()-[r:ASSOC]->()
		 WHERE r.last_coactivated < datetime($cutoff)
		 SET r.weight = r.weight * $factor
		 RETURN count(r) AS decayed`,
		map[string]interface{}{
			"cutoff": touchedSince.UTC().Format(time.RFC3339Nano),
			"factor": factor,
		})
	if err != nil {
		return 0, fmt.Errorf("decay sweep: %w", err)
	}

	var decayed int
	if result.Next(ctx) {
		if v, ok := result.Record().Get("decayed"); ok {
			decayed = int(v.(int64))
		}
	}
	g.logger.Debug("association decay complete", zap.Int("decayed", decayed))
	return decayed, nil
}

// Prune deletes edges whose weight fell below the threshold, in batches
// so a large graph cannot block the homeostasis pass.
func (g *Graph) Prune(ctx context.Context, threshold float64, batch int) (int, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	total := 0
	for {
		result, err := session.Run(ctx,
			`MATCH ()-[r:ASSOC]->()
			 WHERE r.weight < $threshold
			 WITH r LIMIT $batch
			 DELETE r
			 RETURN count(r) AS pruned`,
			map[string]interface{}{"threshold": threshold, "batch": batch})
		if err != nil {
			return total, fmt.Errorf("prune sweep: %w", err)
		}

		pruned := 0
		if result.Next(ctx) {
			if v, ok := result.Record().Get("pruned"); ok {
				pruned = int(v.(int64))
			}
		}
		total += pruned
		if pruned < batch {
			break
		}
	}

	if total > 0 {
		g.logger.Info("pruned weak associations", zap.Int("pruned", total))
	}
	return total, nil
}

// ConnectionRelevance reports how connected a memory is: the mean weight
// of its strongest outgoing edges, 0 for an isolated node.
func (g *Graph) ConnectionRelevance(ctx context.Context, id uuid.UUID) (float64, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (m:Memory {id: $id})-[r:ASSOC]->()
		 WITH r.weight AS w ORDER BY w DESC LIMIT 10
		 RETURN avg(w) AS relevance`,
		map[string]interface{}{"id": id.String()})
	if err != nil {
		return 0, fmt.Errorf("connection relevance %s: %w", id, err)
	}
	if result.Next(ctx) {
		if v, ok := result.Record().Get("relevance"); ok && v != nil {
			return v.(float64), nil
		}
	}
	return 0, nil
}

// Neighbors returns the strongest associations leaving a memory.
func (g *Graph) Neighbors(ctx context.Context, id uuid.UUID, limit int) ([]Association, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (a:Memory {id: $id})-[r:ASSOC]->(b:Memory)
		 RETURN b.id AS to, r.type AS type, r.weight AS weight,
		        r.coactivation_count AS count, r.last_coactivated AS last
		 ORDER BY r.weight DESC LIMIT $limit`,
		map[string]interface{}{"id": id.String(), "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("neighbors %s: %w", id, err)
	}

	var out []Association
	for result.Next(ctx) {
		rec := result.Record()
		a, ok := associationFromRecord(rec, id)
		if !ok {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// ExportGraph dumps nodes and edges for the observation surface, bounded
// by the given limits.
func (g *Graph) ExportGraph(ctx context.Context, nodeLimit, edgeLimit int) (*Export, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	exp := &Export{}

	nodes, err := session.Run(ctx,
		`MATCH (m:Memory) RETURN m.id AS id, m.content AS content LIMIT $limit`,
		map[string]interface{}{"limit": nodeLimit})
	if err != nil {
		return nil, fmt.Errorf("export nodes: %w", err)
	}
	for nodes.Next(ctx) {
		rec := nodes.Record()
		idVal, _ := rec.Get("id")
		id, err := uuid.Parse(asString(idVal))
		if err != nil {
			continue
		}
		contentVal, _ := rec.Get("content")
		exp.Nodes = append(exp.Nodes, Node{ID: id, Content: asString(contentVal)})
	}

	edges, err := session.Run(ctx,
		`MATCH (a:Memory)-[r:ASSOC]->(b:Memory)
		 RETURN a.id AS from, b.id AS to, r.type AS type, r.weight AS weight,
		        r.coactivation_count AS count, r.last_coactivated AS last
		 ORDER BY r.weight DESC LIMIT $limit`,
		map[string]interface{}{"limit": edgeLimit})
	if err != nil {
		return nil, fmt.Errorf("export edges: %w", err)
	}
	for edges.Next(ctx) {
		rec := edges.Record()
		fromVal, _ := rec.Get("from")
		from, err := uuid.Parse(asString(fromVal))
		if err != nil {
			continue
		}
		a, ok := associationFromRecord(rec, from)
		if !ok {
			continue
		}
		exp.Edges = append(exp.Edges, a)
	}
	return exp, nil
}

func associationFromRecord(rec *neo4j.Record, from uuid.UUID) (Association, bool) {
	toVal, _ := rec.Get("to")
	to, err := uuid.Parse(asString(toVal))
	if err != nil {
		return Association{}, false
	}
	typeVal, _ := rec.Get("type")
	weightVal, _ := rec.Get("weight")
	countVal, _ := rec.Get("count")

	a := Association{
		From: from,
		To:   to,
		Type: Type(asString(typeVal)),
	}
	if w, ok := weightVal.(float64); ok {
		a.Weight = w
	}
	if c, ok := countVal.(int64); ok {
		a.CoactivationCount = c
	}
	if lastVal, ok := rec.Get("last"); ok {
		if t, ok := lastVal.(time.Time); ok {
			a.LastCoactivated = t
		}
	}
	return a, true
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}
