package plan

import (
	"strconv"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/federation"
)

// paginationArguments are treated as list size hints when computing cost.
var paginationArguments = []string{"first", "last", "limit"}

// queryDepth returns the maximum selection nesting of the expanded operation.
func queryDepth(fields []*expandedField) int {
	max := 0
	for _, f := range fields {
		d := 1
		if len(f.children) > 0 {
			d += queryDepth(f.children)
		}
		if d > max {
			max = d
		}
	}
	return max
}

// queryCost scores the operation: every field costs one, and a list-shaped
// field multiplies the cost of its children by the declared page size (or the
// configured default when the size is not a literal).
func (p *Planner) queryCost(sg *federation.Supergraph, parentType string, fields []*expandedField) int {
	cost := 0
	for _, f := range fields {
		cost++
		if len(f.children) == 0 {
			continue
		}
		multiplier := 1
		if sg.FieldIsList(parentType, f.field.Name) {
			multiplier = p.cfg.DefaultListSize
			if n, ok := literalPageSize(f.field.Arguments); ok {
				multiplier = n
			}
		}
		childType := sg.FieldType(parentType, f.field.Name)
		cost += multiplier * p.queryCost(sg, childType, f.children)
	}
	return cost
}

func literalPageSize(args ast.ArgumentList) (int, bool) {
	for _, name := range paginationArguments {
		arg := args.ForName(name)
		if arg == nil || arg.Value == nil || arg.Value.Kind != ast.IntValue {
			continue
		}
		n, err := strconv.Atoi(arg.Value.Raw)
		if err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}
