package graph

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/WessleyAI/ifcgraph/engine/domain"
	"github.com/WessleyAI/ifcgraph/engine/mapper"
	"github.com/WessleyAI/ifcgraph/engine/merge"
	"github.com/WessleyAI/ifcgraph/engine/schema"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// MaterialLink attaches a shared material to one owner.
type MaterialLink struct {
	OwnerID string
	mapper.MaterialWrite
}

// Batch is one unit of work committed in a single transaction.
type Batch struct {
	Nodes        []mapper.NodeWrite
	PropertySets []mapper.PropertySetWrite
	Materials    []MaterialLink
	Edges        []merge.EdgeOp
}

// Empty reports whether the batch has nothing to write.
func (b Batch) Empty() bool {
	return len(b.Nodes) == 0 && len(b.PropertySets) == 0 && len(b.Materials) == 0 && len(b.Edges) == 0
}

// Add appends everything an entity write operation carries, except its
// containment edge which the caller builds.
func (b *Batch) Add(op mapper.WriteOp) {
	b.Nodes = append(b.Nodes, op.Node)
	b.PropertySets = append(b.PropertySets, op.PropertySets...)
	for _, m := range op.Materials {
		b.Materials = append(b.Materials, MaterialLink{OwnerID: op.Node.ID, MaterialWrite: m})
	}
}

// WriteSummary counts what a committed batch touched.
type WriteSummary struct {
	Nodes        int64
	PropertySets int64
	Materials    int64
	Edges        int64
	// EdgesUnmatched is the number of edges whose endpoints were not found
	// at commit time.
	EdgesUnmatched int64
}

const propertySetCypher = `UNWIND $rows AS row
MATCH (o:` + schema.LabelEntity + ` {` + schema.PropID + `: row.owner})
MERGE (ps:` + schema.LabelPropertySet + ` {` + schema.PropKey + `: row.key})
SET ps = row.props
MERGE (o)-[:` + schema.RelHasPropertySet + `]->(ps)
RETURN count(ps) AS written`

const materialCypher = `UNWIND $rows AS row
MATCH (o:` + schema.LabelEntity + ` {` + schema.PropID + `: row.owner})
MERGE (m:` + schema.LabelMaterial + ` {` + schema.PropKey + `: row.key})
ON CREATE SET m.` + schema.PropName + ` = row.name, m.` + schema.PropCategory + ` = row.category
MERGE (o)-[:` + schema.RelIsMadeOf + `]->(m)
RETURN count(m) AS written`

// CommitBatch writes the batch in one transaction: nodes first, then their
// attachments, then edges. Every statement is an upsert, so replaying a
// batch leaves the graph unchanged.
func (g *GraphStore) CommitBatch(ctx context.Context, b Batch) (WriteSummary, error) {
	if b.Empty() {
		return WriteSummary{}, nil
	}
	sess := g.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	var sum WriteSummary
	_, err := sess.ExecuteWrite(ctx, func(tx CypherRunner) (any, error) {
		sum = WriteSummary{}
		for _, group := range groupNodes(b.Nodes) {
			n, err := runCount(ctx, tx, group.cypher, map[string]any{"rows": group.rows})
			if err != nil {
				return nil, fmt.Errorf("write nodes %s: %w", group.labels, err)
			}
			sum.Nodes += n
		}
		if len(b.PropertySets) > 0 {
			n, err := runCount(ctx, tx, propertySetCypher, map[string]any{"rows": propertySetRows(b.PropertySets)})
			if err != nil {
				return nil, fmt.Errorf("write property sets: %w", err)
			}
			sum.PropertySets = n
		}
		if len(b.Materials) > 0 {
			n, err := runCount(ctx, tx, materialCypher, map[string]any{"rows": materialRows(b.Materials)})
			if err != nil {
				return nil, fmt.Errorf("write materials: %w", err)
			}
			sum.Materials = n
		}
		for _, group := range groupEdges(b.Edges) {
			n, err := runCount(ctx, tx, group.cypher, map[string]any{"rows": group.rows})
			if err != nil {
				return nil, fmt.Errorf("write %s edges: %w", group.relType, err)
			}
			sum.Edges += n
		}
		sum.EdgesUnmatched = int64(len(b.Edges)) - sum.Edges
		return nil, nil
	})
	if err != nil {
		return WriteSummary{}, err
	}
	return sum, nil
}

// runCount runs a statement ending in RETURN count(...) AS written. A result
// without a record counts as everything written.
func runCount(ctx context.Context, tx CypherRunner, cypher string, params map[string]any) (int64, error) {
	res, err := tx.Run(ctx, cypher, params)
	if err != nil {
		return 0, err
	}
	rows, _ := params["rows"].([]map[string]any)
	if res == nil {
		return int64(len(rows)), nil
	}
	if !res.Next(ctx) {
		return int64(len(rows)), res.Err()
	}
	rec := res.Record()
	if rec == nil {
		return int64(len(rows)), nil
	}
	if _, ok := rec.Get("written"); !ok {
		return int64(len(rows)), nil
	}
	return int64Value(rec, "written"), nil
}

type nodeGroup struct {
	labels string
	cypher string
	rows   []map[string]any
}

// groupNodes splits nodes by label set; labels cannot be parameters.
func groupNodes(nodes []mapper.NodeWrite) []nodeGroup {
	byLabels := map[string]*nodeGroup{}
	var order []string
	for _, n := range nodes {
		var extra []string
		for _, l := range n.Labels {
			if l = sanitizeIdent(l); l != "" && l != schema.LabelEntity {
				extra = append(extra, l)
			}
		}
		key := strings.Join(extra, ":")
		grp, ok := byLabels[key]
		if !ok {
			grp = &nodeGroup{labels: key, cypher: nodeCypher(extra)}
			byLabels[key] = grp
			order = append(order, key)
		}
		grp.rows = append(grp.rows, map[string]any{"id": n.ID, "props": Params(n.Props)})
	}
	out := make([]nodeGroup, 0, len(order))
	for _, k := range order {
		out = append(out, *byLabels[k])
	}
	return out
}

func nodeCypher(labels []string) string {
	var sb strings.Builder
	sb.WriteString("UNWIND $rows AS row\n")
	sb.WriteString("MERGE (n:" + schema.LabelEntity + " {" + schema.PropID + ": row.id})\n")
	if len(labels) > 0 {
		sb.WriteString("SET n:" + strings.Join(labels, ":") + "\n")
	}
	sb.WriteString("SET n += row.props\n")
	sb.WriteString("RETURN count(n) AS written")
	return sb.String()
}

type edgeGroup struct {
	relType string
	cypher  string
	rows    []map[string]any
}

// groupEdges splits edges by relationship type; types cannot be parameters.
func groupEdges(edges []merge.EdgeOp) []edgeGroup {
	byType := map[string]*edgeGroup{}
	var order []string
	for _, e := range edges {
		t := sanitizeIdent(e.Type)
		if t == "" {
			continue
		}
		grp, ok := byType[t]
		if !ok {
			grp = &edgeGroup{relType: t, cypher: edgeCypher(t)}
			byType[t] = grp
			order = append(order, t)
		}
		grp.rows = append(grp.rows, map[string]any{
			"key":   e.Key,
			"src":   e.SourceID,
			"tgt":   e.TargetID,
			"prov":  string(e.Provenance),
			"props": Params(e.Props),
		})
	}
	out := make([]edgeGroup, 0, len(order))
	for _, k := range order {
		out = append(out, *byType[k])
	}
	return out
}

func edgeCypher(relType string) string {
	return fmt.Sprintf(`UNWIND $rows AS row
MATCH (a:%[1]s {%[2]s: row.src})
MATCH (b:%[1]s {%[2]s: row.tgt})
MERGE (a)-[r:%[3]s {%[4]s: row.key}]->(b)
SET r += row.props, r.%[5]s = row.prov
RETURN count(r) AS written`, schema.LabelEntity, schema.PropID, relType, schema.PropKey, schema.PropProvenance)
}

func propertySetRows(sets []mapper.PropertySetWrite) []map[string]any {
	rows := make([]map[string]any, 0, len(sets))
	for _, ps := range sets {
		props := Params(ps.Props)
		props[schema.PropKey] = ps.Key
		props[schema.PropOwner] = ps.OwnerID
		props[schema.PropName] = ps.Name
		rows = append(rows, map[string]any{"owner": ps.OwnerID, "key": ps.Key, "props": props})
	}
	return rows
}

func materialRows(links []MaterialLink) []map[string]any {
	rows := make([]map[string]any, 0, len(links))
	for _, m := range links {
		rows = append(rows, map[string]any{
			"owner":    m.OwnerID,
			"key":      m.Key,
			"name":     m.Name,
			"category": m.Category,
		})
	}
	return rows
}

// Params converts typed values into driver parameters.
func Params(values map[string]domain.Value) map[string]any {
	out := make(map[string]any, len(values))
	for _, k := range slices.Sorted(maps.Keys(values)) {
		out[k] = param(values[k])
	}
	return out
}

func param(v domain.Value) any {
	switch v.Kind {
	case domain.KindDate:
		return dbtype.Date(v.Time)
	case domain.KindDateTime:
		return v.Time.In(time.UTC)
	default:
		return v.Native()
	}
}
