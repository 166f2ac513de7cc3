package graph

import (
	"context"
	"fmt"

	"github.com/WessleyAI/ifcgraph/engine/schema"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

var _ schema.Catalog = (*GraphStore)(nil)

// Constraints lists the constraints the database reports.
func (g *GraphStore) Constraints(ctx context.Context) ([]schema.Discovered, error) {
	return g.discover(ctx, `SHOW CONSTRAINTS YIELD name, type, labelsOrTypes, properties
		RETURN name, type, labelsOrTypes, properties`)
}

// Indexes lists the indexes the database reports.
func (g *GraphStore) Indexes(ctx context.Context) ([]schema.Discovered, error) {
	return g.discover(ctx, `SHOW INDEXES YIELD name, type, labelsOrTypes, properties, owningConstraint
		RETURN name, type, labelsOrTypes, properties, owningConstraint`)
}

func (g *GraphStore) discover(ctx context.Context, cypher string) ([]schema.Discovered, error) {
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, cypher, nil)
	if err != nil {
		return nil, err
	}
	var out []schema.Discovered
	for result.Next(ctx) {
		rec := result.Record()
		out = append(out, schema.Discovered{
			Name:             stringValue(rec, "name"),
			Type:             stringValue(rec, "type"),
			Labels:           stringList(rec, "labelsOrTypes"),
			Properties:       stringList(rec, "properties"),
			OwningConstraint: stringValue(rec, "owningConstraint"),
		})
	}
	return out, result.Err()
}

// Exec runs one schema statement in its own auto-commit transaction.
func (g *GraphStore) Exec(ctx context.Context, cypher string) error {
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, cypher, nil)
	if err != nil {
		return err
	}
	for result.Next(ctx) {
	}
	return result.Err()
}

// ClearAll deletes every node and relationship, chunk nodes per transaction,
// and returns how many nodes were removed.
func (g *GraphStore) ClearAll(ctx context.Context, chunk int) (int64, error) {
	if chunk <= 0 {
		chunk = 10000
	}
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		deleted, err := g.clearChunk(ctx, chunk)
		if err != nil {
			return total, fmt.Errorf("clear graph: %w", err)
		}
		total += deleted
		if deleted < int64(chunk) {
			return total, nil
		}
	}
}

func (g *GraphStore) clearChunk(ctx context.Context, chunk int) (int64, error) {
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	res, err := sess.ExecuteWrite(ctx, func(tx CypherRunner) (any, error) {
		result, err := tx.Run(ctx, `MATCH (n) WITH n LIMIT $limit DETACH DELETE n RETURN count(*) AS deleted`,
			map[string]any{"limit": int64(chunk)})
		if err != nil {
			return int64(0), err
		}
		if !result.Next(ctx) {
			return int64(0), result.Err()
		}
		return int64Value(result.Record(), "deleted"), nil
	})
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}

func stringList(rec *neo4j.Record, key string) []string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, x := range raw {
		if s, ok := x.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
