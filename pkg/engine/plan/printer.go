package plan

import (
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

// selNode is the planner's working copy of a retained field selection.
type selNode struct {
	field    *ast.Field
	children []*selNode
}

func (n *selNode) alias() string {
	if n.field.Alias != "" {
		return n.field.Alias
	}
	return n.field.Name
}

// printOperation renders a sub-operation document for one span node.
func printOperation(opType ast.Operation, varDefs ast.VariableDefinitionList, usedVars []string, sels []*selNode) string {
	var b strings.Builder
	b.WriteString(string(opType))
	printVariableDefinitions(&b, varDefs, usedVars, false)
	b.WriteString(" ")
	printSelectionSet(&b, sels)
	return b.String()
}

// printEntityOperation renders a reference resolution document:
// query($representations: [_Any!]!) { _entities(representations: $representations) { ... on T { ... } } }
func printEntityOperation(typeName string, varDefs ast.VariableDefinitionList, usedVars []string, sels []*selNode) string {
	var b strings.Builder
	b.WriteString("query")
	printVariableDefinitions(&b, varDefs, usedVars, true)
	b.WriteString(" { _entities(representations: $representations) { ... on ")
	b.WriteString(typeName)
	b.WriteString(" ")
	printSelectionSet(&b, sels)
	b.WriteString(" } }")
	return b.String()
}

func printVariableDefinitions(b *strings.Builder, varDefs ast.VariableDefinitionList, usedVars []string, withRepresentations bool) {
	used := make(map[string]bool, len(usedVars))
	for _, v := range usedVars {
		used[v] = true
	}

	var defs []string
	if withRepresentations {
		defs = append(defs, "$representations: [_Any!]!")
	}
	for _, def := range varDefs {
		if !used[def.Variable] {
			continue
		}
		s := "$" + def.Variable + ": " + def.Type.String()
		if def.DefaultValue != nil {
			s += " = " + def.DefaultValue.String()
		}
		defs = append(defs, s)
	}
	if len(defs) == 0 {
		return
	}
	b.WriteString("(")
	b.WriteString(strings.Join(defs, ", "))
	b.WriteString(")")
}

func printSelectionSet(b *strings.Builder, sels []*selNode) {
	b.WriteString("{ ")
	for i, sel := range sels {
		if i > 0 {
			b.WriteString(" ")
		}
		printField(b, sel)
	}
	b.WriteString(" }")
}

func printField(b *strings.Builder, n *selNode) {
	if n.field.Alias != "" && n.field.Alias != n.field.Name {
		b.WriteString(n.field.Alias)
		b.WriteString(": ")
	}
	b.WriteString(n.field.Name)

	if len(n.field.Arguments) > 0 {
		b.WriteString("(")
		for i, arg := range n.field.Arguments {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(arg.Name)
			b.WriteString(": ")
			b.WriteString(arg.Value.String())
		}
		b.WriteString(")")
	}

	if len(n.children) > 0 {
		b.WriteString(" ")
		printSelectionSet(b, n.children)
	}
}

// collectVariables gathers every variable name referenced in the retained
// selection tree's arguments, sorted for stable output.
func collectVariables(sels []*selNode) []string {
	seen := make(map[string]bool)
	var walk func(nodes []*selNode)
	walk = func(nodes []*selNode) {
		for _, n := range nodes {
			for _, arg := range n.field.Arguments {
				collectValueVariables(arg.Value, seen)
			}
			walk(n.children)
		}
	}
	walk(sels)

	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func collectValueVariables(v *ast.Value, seen map[string]bool) {
	if v == nil {
		return
	}
	if v.Kind == ast.Variable {
		seen[v.Raw] = true
	}
	for _, child := range v.Children {
		collectValueVariables(child.Value, seen)
	}
}
