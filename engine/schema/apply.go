package schema

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/WessleyAI/ifcgraph/engine/domain"
)

// Discovered is one constraint or index as reported by the database.
type Discovered struct {
	Name             string
	Type             string // UNIQUENESS, NODE_KEY, RANGE, LOOKUP ...
	Labels           []string
	Properties       []string
	OwningConstraint string // indexes only
}

func (d Discovered) on(label, prop string) bool {
	return slices.Equal(d.Labels, []string{label}) && slices.Equal(d.Properties, []string{prop})
}

func (d Discovered) unique() bool {
	switch strings.ToUpper(d.Type) {
	case "UNIQUENESS", "NODE_PROPERTY_UNIQUENESS", "NODE_KEY":
		return true
	}
	return false
}

func (d Discovered) String() string {
	return fmt.Sprintf("%s %s ON %s(%s)", d.Name, d.Type, strings.Join(d.Labels, ":"), strings.Join(d.Properties, ","))
}

// Catalog is the database side of schema management.
type Catalog interface {
	Constraints(ctx context.Context) ([]Discovered, error)
	Indexes(ctx context.Context) ([]Discovered, error)
	Exec(ctx context.Context, cypher string) error
}

// ConflictError lists every declared item that an existing database object
// contradicts.
type ConflictError struct {
	Conflicts []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("schema conflict: %s", strings.Join(e.Conflicts, "; "))
}

func (e *ConflictError) Unwrap() error { return domain.ErrSchemaConflict }

// Plan is the outcome of comparing the declared schema with the database.
type Plan struct {
	Present    []string // names already configured correctly
	Statements []string // creation statements still to run
	Conflicts  []string
}

// Plan compares declared items against discovered ones without touching
// the database.
func (r *Registry) Plan(constraints, indexes []Discovered) Plan {
	var p Plan
	for _, c := range r.Constraints {
		p.planConstraint(c, constraints, indexes)
	}
	for _, ix := range r.Indexes {
		p.planIndex(ix, indexes)
	}
	return p
}

func (p *Plan) planConstraint(c Constraint, constraints, indexes []Discovered) {
	for _, d := range constraints {
		if d.Name != c.Name {
			continue
		}
		if d.unique() && d.on(c.Label, c.Property) {
			p.Present = append(p.Present, c.Name)
			return
		}
		p.Conflicts = append(p.Conflicts, fmt.Sprintf("constraint %s is declared on %s(%s) but exists as %s", c.Name, c.Label, c.Property, d))
		return
	}
	for _, d := range constraints {
		if d.unique() && d.on(c.Label, c.Property) {
			p.Present = append(p.Present, c.Name)
			return
		}
	}
	for _, d := range indexes {
		if d.OwningConstraint == "" && d.on(c.Label, c.Property) {
			p.Conflicts = append(p.Conflicts, fmt.Sprintf("index %s occupies %s(%s) needed by constraint %s", d.Name, c.Label, c.Property, c.Name))
			return
		}
	}
	p.Statements = append(p.Statements, c.CreateCypher())
}

func (p *Plan) planIndex(ix Index, indexes []Discovered) {
	for _, d := range indexes {
		if d.Name != ix.Name {
			continue
		}
		if d.on(ix.Label, ix.Property) {
			p.Present = append(p.Present, ix.Name)
			return
		}
		p.Conflicts = append(p.Conflicts, fmt.Sprintf("index %s is declared on %s(%s) but exists as %s", ix.Name, ix.Label, ix.Property, d))
		return
	}
	for _, d := range indexes {
		if d.on(ix.Label, ix.Property) {
			p.Present = append(p.Present, ix.Name)
			return
		}
	}
	p.Statements = append(p.Statements, ix.CreateCypher())
}

// Apply brings the database in line with the declared schema. It is
// idempotent. When any conflict is found nothing is executed and a
// *ConflictError is returned.
func (r *Registry) Apply(ctx context.Context, cat Catalog) (Plan, error) {
	constraints, err := cat.Constraints(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("schema: list constraints: %w", err)
	}
	indexes, err := cat.Indexes(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("schema: list indexes: %w", err)
	}
	plan := r.Plan(constraints, indexes)
	if len(plan.Conflicts) > 0 {
		return plan, &ConflictError{Conflicts: plan.Conflicts}
	}
	for _, stmt := range plan.Statements {
		if err := cat.Exec(ctx, stmt); err != nil {
			return plan, fmt.Errorf("schema: %s: %w", stmt, err)
		}
	}
	return plan, nil
}

// Drop removes every declared constraint and index.
func (r *Registry) Drop(ctx context.Context, cat Catalog) error {
	for _, ix := range r.Indexes {
		if err := cat.Exec(ctx, ix.DropCypher()); err != nil {
			return fmt.Errorf("schema: drop index %s: %w", ix.Name, err)
		}
	}
	for _, c := range r.Constraints {
		if err := cat.Exec(ctx, c.DropCypher()); err != nil {
			return fmt.Errorf("schema: drop constraint %s: %w", c.Name, err)
		}
	}
	return nil
}
