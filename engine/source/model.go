package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"strings"

	"github.com/WessleyAI/ifcgraph/engine/domain"
)

// modelDoc is the parser's JSON export.
type modelDoc struct {
	Schema       string                          `json:"schema"`
	Entities     []json.RawMessage               `json:"entities"`
	PropertySets map[string][]domain.PropertySet `json:"property_sets"`
	Materials    map[string][]domain.Material    `json:"materials"`
	Hierarchy    []domain.HierarchyLink          `json:"hierarchy"`
	Relations    []json.RawMessage               `json:"relations"`
}

// ModelFile is a Model backed by the parser's JSON export. Entities and
// relations stay encoded until iterated.
type ModelFile struct {
	Path   string
	Schema string
	doc    modelDoc
}

var _ Model = (*ModelFile)(nil)

// OpenModel reads and indexes a JSON model export.
func OpenModel(path string) (*ModelFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("source: read model: %w", err)
	}
	m, err := ParseModel(data)
	if err != nil {
		return nil, fmt.Errorf("source: %s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// ParseModel decodes a JSON model export held in memory.
func ParseModel(data []byte) (*ModelFile, error) {
	var doc modelDoc
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	return &ModelFile{Schema: doc.Schema, doc: doc}, nil
}

// UndecodableEntity is yielded for an entity that does not decode but still
// names a string identifier. It unwraps to the anomaly.
type UndecodableEntity struct {
	ID      string
	Anomaly *domain.Anomaly
}

func (e *UndecodableEntity) Error() string { return e.Anomaly.Error() }

func (e *UndecodableEntity) Unwrap() error { return e.Anomaly }

func (m *ModelFile) Entities() iter.Seq2[domain.Entity, error] {
	return func(yield func(domain.Entity, error) bool) {
		for i, msg := range m.doc.Entities {
			e, err := decode[domain.Entity](msg)
			if err != nil {
				a := domain.NewAnomaly(domain.KindUnsupportedValue, fmt.Sprintf("entity#%d", i), "decode: "+err.Error())
				err = a
				if id := entityID(msg); id != "" {
					a.ID = id
					err = &UndecodableEntity{ID: id, Anomaly: a}
				}
			}
			if !yield(e, err) {
				return
			}
		}
	}
}

// entityID recovers the identifier of an entity that failed to decode.
func entityID(msg json.RawMessage) string {
	var head struct {
		ID json.RawMessage `json:"id"`
	}
	var id string
	if json.Unmarshal(msg, &head) != nil || json.Unmarshal(head.ID, &id) != nil {
		return ""
	}
	return strings.TrimSpace(id)
}

func (m *ModelFile) Relations() iter.Seq2[domain.RelationshipFact, error] {
	return func(yield func(domain.RelationshipFact, error) bool) {
		for f, err := range decodeEach[domain.RelationshipFact](m.doc.Relations, "relation") {
			f.Provenance = domain.ProvenanceExplicit
			if !yield(f, err) {
				return
			}
		}
	}
}

func (m *ModelFile) PropertySets(id string) []domain.PropertySet { return m.doc.PropertySets[id] }

func (m *ModelFile) Materials(id string) []domain.Material { return m.doc.Materials[id] }

// Hierarchy returns the declared links with surrounding blanks trimmed,
// without repeats. Links implied by a container's own container_id are
// derived after identity resolution, where the category is known.
func (m *ModelFile) Hierarchy() []domain.HierarchyLink {
	seen := make(map[domain.HierarchyLink]bool, len(m.doc.Hierarchy))
	out := make([]domain.HierarchyLink, 0, len(m.doc.Hierarchy))
	for _, l := range m.doc.Hierarchy {
		l = domain.HierarchyLink{ParentID: strings.TrimSpace(l.ParentID), ChildID: strings.TrimSpace(l.ChildID)}
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}

// decodeEach decodes items lazily. An item that does not decode is reported
// as an anomaly and skipped.
func decodeEach[T any](raw []json.RawMessage, what string) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for i, msg := range raw {
			v, err := decode[T](msg)
			if err != nil {
				a := domain.NewAnomaly(domain.KindUnsupportedValue, fmt.Sprintf("%s#%d", what, i), "decode: "+err.Error())
				if !yield(v, a) {
					return
				}
				continue
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

func decode[T any](msg json.RawMessage) (T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}
