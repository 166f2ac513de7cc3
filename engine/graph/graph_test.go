package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/WessleyAI/ifcgraph/engine/domain"
	"github.com/WessleyAI/ifcgraph/engine/mapper"
	"github.com/WessleyAI/ifcgraph/engine/merge"
	"github.com/WessleyAI/ifcgraph/engine/schema"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

type fakeResult struct {
	records []*neo4j.Record
	idx     int
	err     error
}

func newFakeResult(recs ...*neo4j.Record) *fakeResult { return &fakeResult{records: recs} }

func (r *fakeResult) Next(context.Context) bool {
	if r.idx < len(r.records) {
		r.idx++
		return true
	}
	return false
}

func (r *fakeResult) Record() *neo4j.Record { return r.records[r.idx-1] }
func (r *fakeResult) Err() error            { return r.err }

func record(kv ...any) *neo4j.Record {
	rec := &neo4j.Record{}
	for i := 0; i+1 < len(kv); i += 2 {
		rec.Keys = append(rec.Keys, kv[i].(string))
		rec.Values = append(rec.Values, kv[i+1])
	}
	return rec
}

// trackingTx records all cypher queries executed and answers through respond.
type trackingTx struct {
	queries []string
	params  []map[string]any
	respond func(cypher string, params map[string]any) (CypherResult, error)
}

func (t *trackingTx) Run(_ context.Context, cypher string, params map[string]any) (CypherResult, error) {
	t.queries = append(t.queries, cypher)
	t.params = append(t.params, params)
	if t.respond != nil {
		return t.respond(cypher, params)
	}
	return newFakeResult(), nil
}

type trackingSession struct {
	tx       *trackingTx
	writes   int
	writeErr error
	closed   int
}

func (s *trackingSession) Run(ctx context.Context, cypher string, params map[string]any) (CypherResult, error) {
	return s.tx.Run(ctx, cypher, params)
}

func (s *trackingSession) Close(context.Context) error {
	s.closed++
	return nil
}

func (s *trackingSession) ExecuteWrite(_ context.Context, work func(tx CypherRunner) (any, error)) (any, error) {
	s.writes++
	if s.writeErr != nil {
		return nil, s.writeErr
	}
	return work(s.tx)
}

type trackingOpener struct {
	session *trackingSession
}

func (o *trackingOpener) OpenSession(context.Context) CypherSession {
	return o.session
}

func newTrackingStore() (*GraphStore, *trackingSession) {
	sess := &trackingSession{tx: &trackingTx{}}
	return NewWithOpener(&trackingOpener{session: sess}), sess
}

func sampleBatch() Batch {
	var b Batch
	b.Add(mapper.WriteOp{
		Node: mapper.NodeWrite{
			ID:     "S1",
			Labels: []string{schema.LabelEntity, schema.LabelSpatial, "Storey"},
			Props:  map[string]domain.Value{schema.PropName: domain.String("Level 1")},
		},
	})
	b.Add(mapper.WriteOp{
		Node: mapper.NodeWrite{
			ID:     "W1",
			Labels: []string{schema.LabelEntity, schema.LabelElement, "Wall"},
			Props: map[string]domain.Value{
				schema.PropName: domain.String("Wall-01"),
				"installed":     domain.Date(time.Date(2024, 3, 9, 15, 0, 0, 0, time.UTC)),
			},
		},
		PropertySets: []mapper.PropertySetWrite{{
			Key: mapper.PropertySetKey("W1", "Pset_WallCommon"), OwnerID: "W1", Name: "Pset_WallCommon",
			Props: map[string]domain.Value{"FireRating": domain.String("REI60")},
		}},
		Materials: []mapper.MaterialWrite{{Key: "concrete c30|Concrete", Name: "Concrete C30", Category: "Concrete"}},
	})
	b.Add(mapper.WriteOp{
		Node: mapper.NodeWrite{ID: "W2", Labels: []string{schema.LabelEntity, schema.LabelElement, "Wall"}},
	})
	b.Edges = append(b.Edges,
		merge.EdgeOp{Key: "k1", SourceID: "S1", TargetID: "W1", Type: schema.RelContains, Provenance: domain.ProvenanceExplicit},
		merge.EdgeOp{Key: "k2", SourceID: "W1", TargetID: "W2", Type: "ADJACENT", Provenance: domain.ProvenanceDerived,
			Props: map[string]domain.Value{"sharedFaceCount": domain.Int(2)}},
	)
	return b
}

func TestCommitBatch_OneTransactionInOrder(t *testing.T) {
	gs, sess := newTrackingStore()
	sum, err := gs.CommitBatch(context.Background(), sampleBatch())
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if sess.writes != 1 {
		t.Fatalf("expected 1 transaction, got %d", sess.writes)
	}
	q := sess.tx.queries
	// two node groups, property sets, materials, two edge types
	if len(q) != 6 {
		t.Fatalf("expected 6 statements, got %d: %v", len(q), q)
	}
	if !strings.Contains(q[0], "SET n:SpatialContainer:Storey") {
		t.Errorf("first statement should write spatial nodes: %s", q[0])
	}
	if !strings.Contains(q[1], "SET n:Element:Wall") {
		t.Errorf("second statement should write elements: %s", q[1])
	}
	if !strings.Contains(q[2], "PropertySet") || !strings.Contains(q[2], "SET ps = row.props") {
		t.Errorf("property sets must be replaced: %s", q[2])
	}
	if !strings.Contains(q[3], "MERGE (m:Material") {
		t.Errorf("materials statement: %s", q[3])
	}
	if !strings.Contains(q[4], "[r:CONTAINS") || !strings.Contains(q[5], "[r:ADJACENT") {
		t.Errorf("edge statements: %s / %s", q[4], q[5])
	}
	for _, stmt := range q {
		if strings.Contains(stmt, "CREATE ") {
			t.Errorf("writes must be upserts: %s", stmt)
		}
	}
	if sum.Nodes != 3 || sum.PropertySets != 1 || sum.Materials != 1 || sum.Edges != 2 || sum.EdgesUnmatched != 0 {
		t.Fatalf("summary: %+v", sum)
	}
	if sess.closed != 1 {
		t.Fatalf("session not closed")
	}
}

func TestCommitBatch_Params(t *testing.T) {
	gs, sess := newTrackingStore()
	if _, err := gs.CommitBatch(context.Background(), sampleBatch()); err != nil {
		t.Fatal(err)
	}
	rows := sess.tx.params[1]["rows"].([]map[string]any)
	if len(rows) != 2 || rows[0]["id"] != "W1" {
		t.Fatalf("element rows: %+v", rows)
	}
	props := rows[0]["props"].(map[string]any)
	if _, ok := props["installed"].(dbtype.Date); !ok {
		t.Fatalf("date should be a driver date, got %T", props["installed"])
	}
	edge := sess.tx.params[5]["rows"].([]map[string]any)[0]
	if edge["key"] != "k2" || edge["prov"] != string(domain.ProvenanceDerived) {
		t.Fatalf("edge row: %+v", edge)
	}
	if edge["props"].(map[string]any)["sharedFaceCount"] != int64(2) {
		t.Fatalf("edge props: %+v", edge["props"])
	}
	ps := sess.tx.params[2]["rows"].([]map[string]any)[0]["props"].(map[string]any)
	if ps[schema.PropKey] != "W1/Pset_WallCommon" || ps[schema.PropOwner] != "W1" || ps["FireRating"] != "REI60" {
		t.Fatalf("property set props: %+v", ps)
	}
}

func TestCommitBatch_UnmatchedEdges(t *testing.T) {
	gs, sess := newTrackingStore()
	sess.tx.respond = func(cypher string, _ map[string]any) (CypherResult, error) {
		if strings.Contains(cypher, "[r:ADJACENT") {
			return newFakeResult(record("written", int64(0))), nil
		}
		return newFakeResult(), nil
	}
	sum, err := gs.CommitBatch(context.Background(), sampleBatch())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Edges != 1 || sum.EdgesUnmatched != 1 {
		t.Fatalf("summary: %+v", sum)
	}
}

func TestCommitBatch_Empty(t *testing.T) {
	gs, sess := newTrackingStore()
	sum, err := gs.CommitBatch(context.Background(), Batch{})
	if err != nil || sum != (WriteSummary{}) {
		t.Fatalf("got %+v, %v", sum, err)
	}
	if sess.writes != 0 {
		t.Fatal("empty batch must not open a transaction")
	}
}

func TestCommitBatch_Errors(t *testing.T) {
	gs, sess := newTrackingStore()
	sess.writeErr = errors.New("write fail")
	if _, err := gs.CommitBatch(context.Background(), sampleBatch()); err == nil {
		t.Fatal("expected error")
	}

	gs, sess = newTrackingStore()
	sess.tx.respond = func(cypher string, _ map[string]any) (CypherResult, error) {
		if strings.Contains(cypher, "MERGE (m:Material") {
			return nil, errors.New("tx run error")
		}
		return newFakeResult(), nil
	}
	_, err := gs.CommitBatch(context.Background(), sampleBatch())
	if err == nil || !strings.Contains(err.Error(), "write materials") {
		t.Fatalf("expected wrapped materials error, got %v", err)
	}
}

func TestGroupEdges_DropsUnsafeTypes(t *testing.T) {
	groups := groupEdges([]merge.EdgeOp{
		{Key: "a", Type: "ADJACENT"},
		{Key: "b", Type: "9BAD"},
		{Key: "c", Type: "ADJACENT"},
	})
	if len(groups) != 1 || len(groups[0].rows) != 2 {
		t.Fatalf("groups: %+v", groups)
	}
}

func TestSanitizeIdent(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"CONTAINS", "CONTAINS"},
		{"BOUNDS_SPACE", "BOUNDS_SPACE"},
		{"Wall`) DETACH DELETE", "WallDETACHDELETE"},
		{"has-wire", "haswire"},
		{"1Storey", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := sanitizeIdent(tt.input); got != tt.want {
			t.Errorf("sanitizeIdent(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestSchemaCatalog(t *testing.T) {
	gs, sess := newTrackingStore()
	sess.tx.respond = func(cypher string, _ map[string]any) (CypherResult, error) {
		switch {
		case strings.HasPrefix(cypher, "SHOW CONSTRAINTS"):
			return newFakeResult(record(
				"name", "ifc_entity_globalid", "type", "UNIQUENESS",
				"labelsOrTypes", []any{"Entity"}, "properties", []any{"GlobalId"},
			)), nil
		case strings.HasPrefix(cypher, "SHOW INDEXES"):
			return newFakeResult(record(
				"name", "ifc_entity_globalid", "type", "RANGE",
				"labelsOrTypes", []any{"Entity"}, "properties", []any{"GlobalId"},
				"owningConstraint", "ifc_entity_globalid",
			)), nil
		}
		return newFakeResult(), nil
	}
	ctx := context.Background()
	cons, err := gs.Constraints(ctx)
	if err != nil || len(cons) != 1 {
		t.Fatalf("constraints: %+v, %v", cons, err)
	}
	if cons[0].Labels[0] != "Entity" || cons[0].Properties[0] != "GlobalId" {
		t.Fatalf("constraint: %+v", cons[0])
	}
	idx, err := gs.Indexes(ctx)
	if err != nil || len(idx) != 1 || idx[0].OwningConstraint != "ifc_entity_globalid" {
		t.Fatalf("indexes: %+v, %v", idx, err)
	}

	plan, err := schema.Default().Apply(ctx, gs)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(plan.Present) != 1 {
		t.Fatalf("expected 1 present, got %v", plan.Present)
	}
	var creates int
	for _, q := range sess.tx.queries {
		if strings.HasPrefix(q, "CREATE ") {
			creates++
		}
	}
	if creates != len(plan.Statements) || creates == 0 {
		t.Fatalf("executed %d creates for %d statements", creates, len(plan.Statements))
	}
}

func TestExec_SurfacesResultError(t *testing.T) {
	gs, sess := newTrackingStore()
	sess.tx.respond = func(string, map[string]any) (CypherResult, error) {
		return &fakeResult{err: errors.New("constraint already exists")}, nil
	}
	if err := gs.Exec(context.Background(), "CREATE CONSTRAINT x"); err == nil {
		t.Fatal("expected error from result")
	}
}

func TestClearAll_LoopsUntilShortChunk(t *testing.T) {
	gs, sess := newTrackingStore()
	left := int64(25)
	sess.tx.respond = func(_ string, params map[string]any) (CypherResult, error) {
		limit := params["limit"].(int64)
		n := min(left, limit)
		left -= n
		return newFakeResult(record("deleted", n)), nil
	}
	total, err := gs.ClearAll(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if total != 25 || sess.writes != 3 {
		t.Fatalf("total=%d writes=%d", total, sess.writes)
	}
}

func TestClearAll_Cancelled(t *testing.T) {
	gs, sess := newTrackingStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := gs.ClearAll(ctx, 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if sess.writes != 0 {
		t.Fatal("no deletes after cancellation")
	}
}

func TestCounts(t *testing.T) {
	gs, sess := newTrackingStore()
	sess.tx.respond = func(cypher string, _ map[string]any) (CypherResult, error) {
		if strings.Contains(cypher, "labels(n)") {
			return newFakeResult(
				record("type", "Entity", "count", int64(3)),
				record("type", "Element", "count", int64(2)),
			), nil
		}
		return newFakeResult(
			record("type", "explicit-model", "count", int64(4)),
			record("type", nil, "count", int64(9)),
		), nil
	}
	ctx := context.Background()
	nodes, err := gs.NodeCounts(ctx)
	if err != nil || nodes["Entity"] != 3 || nodes["Element"] != 2 {
		t.Fatalf("nodes: %v, %v", nodes, err)
	}
	prov, err := gs.ProvenanceCounts(ctx)
	if err != nil || len(prov) != 1 || prov["explicit-model"] != 4 {
		t.Fatalf("provenance: %v, %v", prov, err)
	}
}

func TestExistingIDs(t *testing.T) {
	gs, sess := newTrackingStore()
	sess.tx.respond = func(_ string, params map[string]any) (CypherResult, error) {
		ids := params["ids"].([]string)
		if len(ids) != 2 {
			return nil, fmt.Errorf("unexpected ids %v", ids)
		}
		return newFakeResult(record("id", "W1")), nil
	}
	got, err := gs.ExistingIDs(context.Background(), []string{"W1", "W9"})
	if err != nil {
		t.Fatal(err)
	}
	if !got["W1"] || got["W9"] {
		t.Fatalf("got %v", got)
	}

	gs, sess = newTrackingStore()
	if got, err := gs.ExistingIDs(context.Background(), nil); err != nil || len(got) != 0 {
		t.Fatalf("empty lookup: %v, %v", got, err)
	}
	if len(sess.tx.queries) != 0 {
		t.Fatal("empty lookup must not query")
	}
}

func TestContainmentPath(t *testing.T) {
	gs, sess := newTrackingStore()
	sess.tx.respond = func(string, map[string]any) (CypherResult, error) {
		return newFakeResult(record("path", []any{"B1", "S1", "W1"})), nil
	}
	path, err := gs.ContainmentPath(context.Background(), "W1")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(path, ">") != "B1>S1>W1" {
		t.Fatalf("path: %v", path)
	}

	gs, _ = newTrackingStore()
	path, err = gs.ContainmentPath(context.Background(), "nope")
	if err != nil || path != nil {
		t.Fatalf("missing id: %v, %v", path, err)
	}
}

func TestCheckIntegrity(t *testing.T) {
	gs, sess := newTrackingStore()
	sess.tx.respond = func(cypher string, _ map[string]any) (CypherResult, error) {
		if strings.Contains(cypher, "parents > 1") {
			return newFakeResult(record("id", "S2")), nil
		}
		return newFakeResult(), nil
	}
	v, err := gs.CheckIntegrity(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(v) != 1 || v[0].Check != "multi-parent" || v[0].IDs[0] != "S2" {
		t.Fatalf("violations: %+v", v)
	}
	if len(sess.tx.queries) != len(integrityChecks) {
		t.Fatalf("expected every check to run")
	}
	if sess.tx.params[0]["limit"] != int64(100) {
		t.Fatalf("default limit: %v", sess.tx.params[0]["limit"])
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
		conn bool
	}{
		{"nil", nil, false, false},
		{"deadlock", &neo4j.Neo4jError{Code: "Neo.TransientError.Transaction.DeadlockDetected"}, true, false},
		{"wrapped lock timeout", fmt.Errorf("commit: %w", &neo4j.Neo4jError{Code: "Neo.TransientError.Transaction.LockClientStopped"}), true, false},
		{"syntax", &neo4j.Neo4jError{Code: "Neo.ClientError.Statement.SyntaxError"}, false, false},
		{"connectivity", &neo4j.ConnectivityError{Inner: errors.New("eof")}, true, true},
		{"sentinel", fmt.Errorf("batch 3: %w", domain.ErrTransientWrite), true, false},
		{"lost", domain.ErrConnectivityLost, true, true},
		{"plain", errors.New("boom"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient = %v, want %v", got, tt.want)
			}
			if got := IsConnectivity(tt.err); got != tt.conn {
				t.Errorf("IsConnectivity = %v, want %v", got, tt.conn)
			}
		})
	}
}
