// Package source reads the outputs of the model parser and the topology
// analyzer.
package source

import (
	"iter"

	"github.com/WessleyAI/ifcgraph/engine/domain"
)

// Model is the parsed building model.
type Model interface {
	// Entities yields entities in file order. A *domain.Anomaly error
	// rejects one item; any other error ends the stream.
	Entities() iter.Seq2[domain.Entity, error]
	PropertySets(id string) []domain.PropertySet
	Materials(id string) []domain.Material
	// Hierarchy is the declared spatial containment tree as parent/child
	// links. Containers that name a container_id add their own links once
	// their category is resolved.
	Hierarchy() []domain.HierarchyLink
	// Relations yields the relations the model declares explicitly.
	Relations() iter.Seq2[domain.RelationshipFact, error]
}

// Topology is the output of geometry analysis.
type Topology interface {
	Facts() iter.Seq2[domain.RelationshipFact, error]
}
