package graph

import (
	"context"
	"fmt"

	"github.com/WessleyAI/ifcgraph/engine/domain"
	"github.com/WessleyAI/ifcgraph/engine/schema"
)

// NodeCounts returns node counts grouped by label. A node with several labels
// counts once under each of them.
func (g *GraphStore) NodeCounts(ctx context.Context) (map[string]int64, error) {
	return g.countBy(ctx, `MATCH (n) UNWIND labels(n) AS type RETURN type, count(*) AS count`, nil)
}

// RelationshipCounts returns relationship counts grouped by type.
func (g *GraphStore) RelationshipCounts(ctx context.Context) (map[string]int64, error) {
	return g.countBy(ctx, `MATCH ()-[r]->() RETURN type(r) AS type, count(*) AS count`, nil)
}

// ProvenanceCounts returns relationship counts grouped by provenance tag.
// Structural edges without a tag are not counted.
func (g *GraphStore) ProvenanceCounts(ctx context.Context) (map[string]int64, error) {
	cypher := fmt.Sprintf(`MATCH ()-[r]->() WHERE r.%[1]s IS NOT NULL
		RETURN r.%[1]s AS type, count(*) AS count`, schema.PropProvenance)
	return g.countBy(ctx, cypher, nil)
}

func (g *GraphStore) countBy(ctx context.Context, cypher string, params map[string]any) (map[string]int64, error) {
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64)
	for result.Next(ctx) {
		rec := result.Record()
		if t := stringValue(rec, "type"); t != "" {
			counts[t] = int64Value(rec, "count")
		}
	}
	return counts, result.Err()
}

// ExistingIDs reports which of ids already exist as entity nodes. It has the
// shape of identity.ExistsFunc.
func (g *GraphStore) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(`UNWIND $ids AS id
		MATCH (n:%s {%s: id})
		RETURN DISTINCT id`, schema.LabelEntity, schema.PropID)
	result, err := sess.Run(ctx, cypher, map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}
	for result.Next(ctx) {
		if id := stringValue(result.Record(), "id"); id != "" {
			out[id] = true
		}
	}
	return out, result.Err()
}

// ContainmentPath returns the ids from the hierarchy root down to id,
// following CONTAINS edges. An id that is not in the graph yields nil.
func (g *GraphStore) ContainmentPath(ctx context.Context, id string) ([]string, error) {
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(`MATCH (n:%[1]s {%[2]s: $id})
		OPTIONAL MATCH p = (root:%[1]s)-[:%[3]s*]->(n)
		WHERE NOT ()-[:%[3]s]->(root)
		WITH n, p ORDER BY length(p) DESC LIMIT 1
		RETURN CASE WHEN p IS NULL THEN [n.%[2]s]
			ELSE [x IN nodes(p) | x.%[2]s] END AS path`,
		schema.LabelEntity, schema.PropID, schema.RelContains)
	result, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if !result.Next(ctx) {
		return nil, result.Err()
	}
	return stringList(result.Record(), "path"), nil
}

// Violation is one failed integrity check on a populated graph.
type Violation struct {
	Check string   `json:"check"`
	IDs   []string `json:"ids"`
}

// integrityChecks are read-only queries each returning offending ids as "id".
var integrityChecks = []struct {
	name   string
	cypher string
}{
	{
		name: "duplicate-identity",
		cypher: fmt.Sprintf(`MATCH (n:%[1]s) WITH n.%[2]s AS id, count(*) AS c
			WHERE c > 1 RETURN id ORDER BY id LIMIT $limit`, schema.LabelEntity, schema.PropID),
	},
	{
		name: "missing-identity",
		cypher: fmt.Sprintf(`MATCH (n:%[1]s) WHERE n.%[2]s IS NULL OR n.%[2]s = ''
			RETURN elementId(n) AS id LIMIT $limit`, schema.LabelEntity, schema.PropID),
	},
	{
		name: "multi-parent",
		cypher: fmt.Sprintf(`MATCH (p:%[1]s)-[r:%[2]s]->(c:%[1]s)
			WHERE r.%[3]s = $explicit
			WITH c, count(DISTINCT p) AS parents WHERE parents > 1
			RETURN c.%[4]s AS id ORDER BY id LIMIT $limit`,
			schema.LabelSpatial, schema.RelContains, schema.PropProvenance, schema.PropID),
	},
	{
		name: "uncontained-element",
		cypher: fmt.Sprintf(`MATCH (e:%[1]s)
			WHERE NOT (:%[2]s)-[:%[3]s]->(e)
			RETURN e.%[4]s AS id ORDER BY id LIMIT $limit`,
			schema.LabelElement, schema.LabelSpatial, schema.RelContains, schema.PropID),
	},
	{
		name: "self-relationship",
		cypher: fmt.Sprintf(`MATCH (n:%[1]s)-[r]->(n) WHERE r.%[2]s IS NOT NULL
			RETURN DISTINCT n.%[3]s AS id ORDER BY id LIMIT $limit`,
			schema.LabelEntity, schema.PropProvenance, schema.PropID),
	},
}

// CheckIntegrity runs the read-only invariant checks and returns every check
// that found offenders, at most limit ids each.
func (g *GraphStore) CheckIntegrity(ctx context.Context, limit int) ([]Violation, error) {
	if limit <= 0 {
		limit = 100
	}
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	var out []Violation
	for _, check := range integrityChecks {
		result, err := sess.Run(ctx, check.cypher, map[string]any{
			"limit":    int64(limit),
			"explicit": string(domain.ProvenanceExplicit),
		})
		if err != nil {
			return out, fmt.Errorf("check %s: %w", check.name, err)
		}
		var ids []string
		for result.Next(ctx) {
			ids = append(ids, stringValue(result.Record(), "id"))
		}
		if err := result.Err(); err != nil {
			return out, fmt.Errorf("check %s: %w", check.name, err)
		}
		if len(ids) > 0 {
			out = append(out, Violation{Check: check.name, IDs: ids})
		}
	}
	return out, nil
}
