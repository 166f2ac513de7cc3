package pipeline

import (
	"fmt"
	"strings"

	"github.com/WessleyAI/ifcgraph/engine/domain"
)

// tree is the validated spatial containment tree.
type tree struct {
	parent map[string]string
	levels [][]string // breadth-first, roots first
}

// buildTree validates links against the accepted spatial ids and groups
// the containers into breadth-first levels. A link with an unknown or
// non-spatial end, a second parent or one that would close a cycle is
// reported and dropped. Link ends are trimmed first. spatial is in model
// order, which fixes the order of roots and siblings.
func buildTree(spatial []string, links []domain.HierarchyLink, isSpatial func(string) bool, report func(*domain.Anomaly)) tree {
	t := tree{parent: make(map[string]string)}
	children := make(map[string][]string)

	for _, l := range links {
		l = domain.HierarchyLink{ParentID: strings.TrimSpace(l.ParentID), ChildID: strings.TrimSpace(l.ChildID)}
		if err := domain.ValidateLink(l); err != nil {
			a, _ := domain.AsAnomaly(err)
			report(a)
			continue
		}
		switch {
		case !isSpatial(l.ParentID):
			report(domain.NewAnomaly(domain.KindHierarchyViolation, l.ChildID,
				fmt.Sprintf("parent %s is not an accepted spatial container", l.ParentID)))
			continue
		case !isSpatial(l.ChildID):
			report(domain.NewAnomaly(domain.KindHierarchyViolation, l.ChildID,
				fmt.Sprintf("child of %s is not an accepted spatial container", l.ParentID)))
			continue
		}
		if p, ok := t.parent[l.ChildID]; ok {
			if p != l.ParentID {
				report(domain.NewAnomaly(domain.KindHierarchyViolation, l.ChildID,
					fmt.Sprintf("second parent %s ignored, already contained in %s", l.ParentID, p)))
			}
			continue
		}
		if t.isAncestor(l.ChildID, l.ParentID) {
			report(domain.NewAnomaly(domain.KindHierarchyViolation, l.ChildID,
				fmt.Sprintf("containment in %s would form a cycle", l.ParentID)))
			continue
		}
		t.parent[l.ChildID] = l.ParentID
		children[l.ParentID] = append(children[l.ParentID], l.ChildID)
	}

	var level []string
	for _, id := range spatial {
		if _, ok := t.parent[id]; !ok {
			level = append(level, id)
		}
	}
	for len(level) > 0 {
		t.levels = append(t.levels, level)
		var next []string
		for _, id := range level {
			next = append(next, children[id]...)
		}
		level = next
	}
	return t
}

// isAncestor reports whether a is id or one of its ancestors.
func (t tree) isAncestor(a, id string) bool {
	for cur, ok := id, true; ok; cur, ok = t.parent[cur] {
		if cur == a {
			return true
		}
	}
	return false
}
