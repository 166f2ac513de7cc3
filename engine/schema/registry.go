// Package schema is the closed vocabulary of the building graph: node labels,
// relationship types, the classification table that maps IFC type tags to
// label sets, and the constraints and indexes the database must carry.
package schema

import (
	"fmt"
	"slices"
	"strings"

	"github.com/WessleyAI/ifcgraph/engine/domain"
)

// Node labels.
const (
	LabelEntity      = "Entity"
	LabelElement     = "Element"
	LabelSpatial     = "SpatialContainer"
	LabelType        = "Type"
	LabelPropertySet = "PropertySet"
	LabelMaterial    = "Material"
)

// Property names shared by writers and readers of the graph.
const (
	PropID         = "GlobalId"
	PropIfcType    = "IfcType"
	PropName       = "Name"
	PropCategory   = "Category"
	PropVersion    = "classificationVersion"
	PropKey        = "key"
	PropOwner      = "owner"
	PropProvenance = "provenance"
	PropSource     = "relationshipSource"
)

// Relationship types from the parsed model.
const (
	RelContains       = "CONTAINS"
	RelDefines        = "DEFINES"
	RelConnectedTo    = "CONNECTED_TO"
	RelBoundedBy      = "BOUNDED_BY"
	RelFills          = "FILLS"
	RelHostedBy       = "HOSTED_BY"
	RelGroups         = "GROUPS"
	RelHasPropertySet = "HAS_PROPERTY_SET"
	RelIsMadeOf       = "IS_MADE_OF"
)

// Relationship types from geometry analysis.
const (
	RelAdjacent              = "ADJACENT"
	RelBoundsSpace           = "BOUNDS_SPACE"
	RelContainsTopologically = "CONTAINS_TOPOLOGICALLY"
	RelConnectsSpaces        = "CONNECTS_SPACES"
	RelContainsOpening       = "CONTAINS_OPENING"
	RelIsContainedIn         = "IS_CONTAINED_IN"
	RelIsBoundedBy           = "IS_BOUNDED_BY"
)

var explicitRelTypes = []string{
	RelContains, RelDefines, RelConnectedTo, RelBoundedBy, RelFills,
	RelHostedBy, RelGroups, RelHasPropertySet, RelIsMadeOf,
}

var derivedRelTypes = []string{
	RelAdjacent, RelBoundsSpace, RelContainsTopologically, RelConnectsSpaces,
	RelContainsOpening, RelIsContainedIn, RelIsBoundedBy,
}

// IFC relationship classes as emitted by the parser.
var explicitRelMap = map[string]string{
	"ifcrelcontainedinspatialstructure": RelContains,
	"ifcrelaggregates":                  RelContains,
	"ifcreldefinesbytype":               RelDefines,
	"ifcrelconnectselements":            RelConnectedTo,
	"ifcrelconnectspathelements":        RelConnectedTo,
	"ifcrelspaceboundary":               RelBoundedBy,
	"ifcrelfillselement":                RelFills,
	"ifcrelvoidselement":                RelHostedBy,
	"ifcrelassignstogroup":              RelGroups,
}

// Relation kinds as emitted by the topology analyzer. Keys are lowercased
// with underscores folded to dashes.
var derivedRelMap = map[string]string{
	"adjacency":               RelAdjacent,
	"adjacent":                RelAdjacent,
	"space-boundary":          RelBoundsSpace,
	"bounds-space":            RelBoundsSpace,
	"topological-containment": RelContainsTopologically,
	"contains":                RelContainsTopologically,
	"space-connection":        RelConnectsSpaces,
	"connects-spaces":         RelConnectsSpaces,
	"opening-containment":     RelContainsOpening,
	"contained-by":            RelIsContainedIn,
	"bounded-by":              RelIsBoundedBy,
}

// Constraint is a uniqueness constraint on one node property.
type Constraint struct {
	Name     string
	Label    string
	Property string
}

// CreateCypher returns the idempotent creation statement.
func (c Constraint) CreateCypher() string {
	return fmt.Sprintf("CREATE CONSTRAINT %s IF NOT EXISTS FOR (n:%s) REQUIRE n.%s IS UNIQUE", c.Name, c.Label, c.Property)
}

// DropCypher returns the idempotent removal statement.
func (c Constraint) DropCypher() string {
	return fmt.Sprintf("DROP CONSTRAINT %s IF EXISTS", c.Name)
}

// Index is a range index on one node property.
type Index struct {
	Name     string
	Label    string
	Property string
}

// CreateCypher returns the idempotent creation statement.
func (i Index) CreateCypher() string {
	return fmt.Sprintf("CREATE INDEX %s IF NOT EXISTS FOR (n:%s) ON (n.%s)", i.Name, i.Label, i.Property)
}

// DropCypher returns the idempotent removal statement.
func (i Index) DropCypher() string {
	return fmt.Sprintf("DROP INDEX %s IF EXISTS", i.Name)
}

// Registry is the declared schema. It is immutable after construction and
// safe for concurrent use.
type Registry struct {
	Version     int
	Constraints []Constraint
	Indexes     []Index

	classes map[string]Classification
}

// Default returns the registry for the current classification table.
func Default() *Registry {
	return &Registry{
		Version: ClassificationVersion,
		Constraints: []Constraint{
			{Name: "ifc_entity_globalid", Label: LabelEntity, Property: PropID},
			{Name: "ifc_element_globalid", Label: LabelElement, Property: PropID},
			{Name: "ifc_spatial_globalid", Label: LabelSpatial, Property: PropID},
			{Name: "ifc_type_globalid", Label: LabelType, Property: PropID},
			{Name: "ifc_pset_key", Label: LabelPropertySet, Property: PropKey},
			{Name: "ifc_material_key", Label: LabelMaterial, Property: PropKey},
		},
		Indexes: []Index{
			{Name: "ifc_entity_type", Label: LabelEntity, Property: PropIfcType},
			{Name: "ifc_entity_name", Label: LabelEntity, Property: PropName},
			{Name: "ifc_pset_name", Label: LabelPropertySet, Property: PropName},
			{Name: "ifc_material_category", Label: LabelMaterial, Property: PropCategory},
		},
		classes: classificationTable(),
	}
}

// RelationshipTypes returns the full relationship vocabulary.
func (r *Registry) RelationshipTypes() []string {
	return slices.Concat(explicitRelTypes, derivedRelTypes)
}

// IsRelType reports whether t belongs to the vocabulary.
func (r *Registry) IsRelType(t string) bool {
	return slices.Contains(explicitRelTypes, t) || slices.Contains(derivedRelTypes, t)
}

// NormalizeRelType maps a collaborator's raw relation type onto the
// vocabulary of the fact's provenance. Unknown types are rejected.
func (r *Registry) NormalizeRelType(raw string, prov domain.Provenance) (string, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	upper := strings.ToUpper(strings.TrimSpace(raw))
	switch prov {
	case domain.ProvenanceExplicit:
		if t, ok := explicitRelMap[key]; ok {
			return t, nil
		}
		if slices.Contains(explicitRelTypes, upper) {
			return upper, nil
		}
	case domain.ProvenanceDerived:
		if t, ok := derivedRelMap[strings.ReplaceAll(key, "_", "-")]; ok {
			return t, nil
		}
		if slices.Contains(derivedRelTypes, upper) {
			return upper, nil
		}
	default:
		return "", domain.NewAnomaly(domain.KindUnknownRelType, raw, fmt.Sprintf("unknown provenance %q", prov))
	}
	return "", domain.NewAnomaly(domain.KindUnknownRelType, raw, fmt.Sprintf("no %s relationship type for %q", prov, raw))
}
