// Package domain defines the building-model types that flow through the
// transformation engine, together with the error taxonomy used to classify
// rejected input. It acts as the validation gate at pipeline entry points.
package domain

import "strings"

// Category is the broad class of a building-model entity.
type Category string

const (
	CategorySpatial Category = "spatial" // project, site, building, storey, space
	CategoryElement Category = "element" // walls, doors, slabs, furniture ...
	CategoryType    Category = "type"    // type objects shared by many elements
)

// Provenance identifies which stream a relationship fact came from.
type Provenance string

const (
	ProvenanceExplicit Provenance = "explicit-model"
	ProvenanceDerived  Provenance = "geometry-analysis"
)

// Valid reports whether p is one of the known provenances.
func (p Provenance) Valid() bool {
	return p == ProvenanceExplicit || p == ProvenanceDerived
}

// Entity is one parsed object from the building model. Attributes hold the raw
// values as delivered by the parser; the mapper turns them into typed scalars.
type Entity struct {
	ID          string         `json:"id"`
	Category    Category       `json:"category,omitempty"`
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	ContainerID string         `json:"container_id,omitempty"`
}

// PropertySet is a named bag of properties owned by exactly one entity.
type PropertySet struct {
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties"`
}

// Material is a shared physical material. Its identity is the normalized name
// plus category.
type Material struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
}

// Key returns the deduplication key of the material.
func (m Material) Key() string {
	cat := m.Category
	if cat == "" {
		cat = MaterialCategory(m.Name)
	}
	return NormalizeName(m.Name) + "|" + cat
}

// HierarchyLink is one parent/child edge of the spatial tree.
type HierarchyLink struct {
	ParentID string `json:"parent"`
	ChildID  string `json:"child"`
}

// RelationshipFact is a directed, typed statement about two entities.
type RelationshipFact struct {
	SourceID   string         `json:"source"`
	TargetID   string         `json:"target"`
	Type       string         `json:"type"`
	Provenance Provenance     `json:"provenance"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// NormalizeName lowercases and collapses whitespace in a display name.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
