package federation

import (
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

// renderSDL prints the client-facing supergraph SDL. Types and fields are
// emitted in sorted order so identical inputs render byte-identically.
func renderSDL(types map[string]*TypeInfo, col *collector) string {
	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		info := types[name]
		switch info.Kind {
		case ast.Object:
			printObject(&b, "type", info, col)
		case ast.Interface:
			printObject(&b, "interface", info, col)
		case ast.Enum:
			printEnum(&b, name, col)
		case ast.Union:
			printUnion(&b, name, col)
		case ast.Scalar:
			b.WriteString("scalar ")
			b.WriteString(name)
			b.WriteString("\n\n")
		case ast.InputObject:
			printInput(&b, name, col)
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func printObject(b *strings.Builder, keyword string, info *TypeInfo, col *collector) {
	if len(info.FieldDefs) == 0 {
		return
	}
	b.WriteString(keyword)
	b.WriteString(" ")
	b.WriteString(info.Name)

	interfaces := mergedInterfaces(info.Name, col)
	if len(interfaces) > 0 {
		b.WriteString(" implements ")
		b.WriteString(strings.Join(interfaces, " & "))
	}
	b.WriteString(" {\n")

	fieldNames := make([]string, 0, len(info.FieldDefs))
	for name := range info.FieldDefs {
		fieldNames = append(fieldNames, name)
	}
	sort.Strings(fieldNames)

	for _, fieldName := range fieldNames {
		def := info.FieldDefs[fieldName]
		b.WriteString("  ")
		b.WriteString(fieldName)
		printArguments(b, def.Arguments)
		b.WriteString(": ")
		b.WriteString(def.Type.String())
		b.WriteString("\n")
	}
	b.WriteString("}\n\n")
}

func printArguments(b *strings.Builder, args ast.ArgumentDefinitionList) {
	if len(args) == 0 {
		return
	}
	sorted := make([]*ast.ArgumentDefinition, len(args))
	copy(sorted, args)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	b.WriteString("(")
	for i, arg := range sorted {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(arg.Name)
		b.WriteString(": ")
		b.WriteString(arg.Type.String())
		if arg.DefaultValue != nil {
			b.WriteString(" = ")
			b.WriteString(arg.DefaultValue.String())
		}
	}
	b.WriteString(")")
}

func printEnum(b *strings.Builder, name string, col *collector) {
	values := make(map[string]bool)
	for _, decl := range col.typeDecls[name] {
		for _, v := range decl.def.EnumValues {
			values[v.Name] = true
		}
	}
	if len(values) == 0 {
		return
	}
	b.WriteString("enum ")
	b.WriteString(name)
	b.WriteString(" {\n")
	for _, v := range sortedKeysOf(values) {
		b.WriteString("  ")
		b.WriteString(v)
		b.WriteString("\n")
	}
	b.WriteString("}\n\n")
}

func printUnion(b *strings.Builder, name string, col *collector) {
	members := make(map[string]bool)
	for _, decl := range col.typeDecls[name] {
		for _, m := range decl.def.Types {
			members[m] = true
		}
	}
	if len(members) == 0 {
		return
	}
	b.WriteString("union ")
	b.WriteString(name)
	b.WriteString(" = ")
	b.WriteString(strings.Join(sortedKeysOf(members), " | "))
	b.WriteString("\n\n")
}

func printInput(b *strings.Builder, name string, col *collector) {
	fields := make(map[string]*ast.FieldDefinition)
	for _, decl := range col.typeDecls[name] {
		for _, f := range decl.def.Fields {
			if _, ok := fields[f.Name]; !ok {
				fields[f.Name] = f
			}
		}
	}
	if len(fields) == 0 {
		return
	}
	b.WriteString("input ")
	b.WriteString(name)
	b.WriteString(" {\n")

	fieldNames := make([]string, 0, len(fields))
	for fn := range fields {
		fieldNames = append(fieldNames, fn)
	}
	sort.Strings(fieldNames)
	for _, fn := range fieldNames {
		def := fields[fn]
		b.WriteString("  ")
		b.WriteString(fn)
		b.WriteString(": ")
		b.WriteString(def.Type.String())
		if def.DefaultValue != nil {
			b.WriteString(" = ")
			b.WriteString(def.DefaultValue.String())
		}
		b.WriteString("\n")
	}
	b.WriteString("}\n\n")
}

func mergedInterfaces(typeName string, col *collector) []string {
	set := make(map[string]bool)
	for _, decl := range col.typeDecls[typeName] {
		for _, iface := range decl.def.Interfaces {
			set[iface] = true
		}
	}
	if len(set) == 0 {
		return nil
	}
	return sortedKeysOf(set)
}
