// Package federation composes the schemas of independently owned subgraphs
// into one supergraph, validating entity keys and field ownership at
// composition time so that conflicts never surface at query time.
package federation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/subgraph"
)

var builtinScalars = map[string]bool{
	"Int":     true,
	"Float":   true,
	"String":  true,
	"Boolean": true,
	"ID":      true,
}

// fieldDecl is one subgraph's declaration of a field.
type fieldDecl struct {
	subgraph  string
	def       *ast.FieldDefinition
	external  bool
	shareable bool
	requires  string
	provides  string
}

// typeDecl is one subgraph's declaration (or extension) of a type.
type typeDecl struct {
	subgraph  string
	def       *ast.Definition
	extends   bool
	shareable bool
	keys      []string
}

type collector struct {
	kinds      map[string]ast.DefinitionKind
	typeDecls  map[string][]typeDecl
	fieldDecls map[string]map[string][]fieldDecl
	conflicts  []Conflict
}

// Compose merges the given descriptor set into a Supergraph, or fails with a
// CompositionError enumerating every conflict found. Composition is pure and
// deterministic: identical descriptor sets, in any order, produce the same
// supergraph byte for byte.
func Compose(descriptors []*subgraph.Descriptor) (*Supergraph, error) {
	if len(descriptors) == 0 {
		return nil, errors.New("cannot compose an empty subgraph set")
	}

	sorted := make([]*subgraph.Descriptor, len(descriptors))
	copy(sorted, descriptors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	col := &collector{
		kinds:      make(map[string]ast.DefinitionKind),
		typeDecls:  make(map[string][]typeDecl),
		fieldDecls: make(map[string]map[string][]fieldDecl),
	}
	for _, d := range sorted {
		doc := d.Schema
		if doc == nil {
			parsed, err := subgraph.ParseSDL(d.Name, d.SDL)
			if err != nil {
				return nil, errors.Wrapf(err, "subgraph %q", d.Name)
			}
			doc = parsed
		}
		col.collectDocument(d.Name, doc)
	}

	types := col.resolve()
	if len(col.conflicts) > 0 {
		return nil, &CompositionError{Conflicts: col.conflicts}
	}

	sdl := renderSDL(types, col)
	schema, err := loadSchema(sdl)
	if err != nil {
		return nil, errors.Wrap(err, "loading composed supergraph schema")
	}

	byName := make(map[string]*subgraph.Descriptor, len(sorted))
	names := make([]string, 0, len(sorted))
	for _, d := range sorted {
		byName[d.Name] = d
		names = append(names, d.Name)
	}

	sg := &Supergraph{
		types:       types,
		subgraphs:   byName,
		schema:      schema,
		sdl:         sdl,
		hash:        hashDescriptors(sorted),
		rootTypes:   make(map[ast.Operation]string),
		subgraphSeq: names,
	}
	if _, ok := types["Query"]; ok {
		sg.rootTypes[ast.Query] = "Query"
	}
	if _, ok := types["Mutation"]; ok {
		sg.rootTypes[ast.Mutation] = "Mutation"
	}
	if _, ok := types["Subscription"]; ok {
		sg.rootTypes[ast.Subscription] = "Subscription"
	}
	return sg, nil
}

// HashDescriptors computes the composition cache key for a descriptor set,
// independent of registration order.
func HashDescriptors(descriptors []*subgraph.Descriptor) uint64 {
	sorted := make([]*subgraph.Descriptor, len(descriptors))
	copy(sorted, descriptors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return hashDescriptors(sorted)
}

func hashDescriptors(sorted []*subgraph.Descriptor) uint64 {
	h := xxhash.New()
	for _, d := range sorted {
		_, _ = h.WriteString(d.Name)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(d.SDL)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

func (c *collector) collectDocument(subgraphName string, doc *ast.SchemaDocument) {
	for _, def := range doc.Definitions {
		c.collectDefinition(subgraphName, def, false)
	}
	for _, def := range doc.Extensions {
		c.collectDefinition(subgraphName, def, true)
	}
}

func (c *collector) collectDefinition(subgraphName string, def *ast.Definition, fromExtend bool) {
	if strings.HasPrefix(def.Name, "_") {
		return
	}

	if _, seen := c.kinds[def.Name]; !seen {
		c.kinds[def.Name] = def.Kind
	}

	decl := typeDecl{
		subgraph:  subgraphName,
		def:       def,
		extends:   fromExtend || def.Directives.ForName("extends") != nil,
		shareable: def.Directives.ForName("shareable") != nil,
	}
	for _, dir := range def.Directives {
		if dir.Name != "key" {
			continue
		}
		if arg := dir.Arguments.ForName("fields"); arg != nil {
			decl.keys = append(decl.keys, canonicalFieldSet(arg.Value.Raw))
		}
	}
	c.typeDecls[def.Name] = append(c.typeDecls[def.Name], decl)

	if def.Kind != ast.Object && def.Kind != ast.Interface {
		return
	}
	fields := c.fieldDecls[def.Name]
	if fields == nil {
		fields = make(map[string][]fieldDecl)
		c.fieldDecls[def.Name] = fields
	}
	for _, f := range def.Fields {
		if strings.HasPrefix(f.Name, "__") {
			continue
		}
		if isRootTypeName(def.Name) && strings.HasPrefix(f.Name, "_") {
			// _service / _entities are subgraph plumbing, not client surface
			continue
		}
		fd := fieldDecl{
			subgraph:  subgraphName,
			def:       f,
			external:  f.Directives.ForName("external") != nil,
			shareable: decl.shareable || f.Directives.ForName("shareable") != nil,
		}
		if dir := f.Directives.ForName("requires"); dir != nil {
			if arg := dir.Arguments.ForName("fields"); arg != nil {
				fd.requires = canonicalFieldSet(arg.Value.Raw)
			}
		}
		if dir := f.Directives.ForName("provides"); dir != nil {
			if arg := dir.Arguments.ForName("fields"); arg != nil {
				fd.provides = canonicalFieldSet(arg.Value.Raw)
			}
		}
		fields[f.Name] = append(fields[f.Name], fd)
	}
}

// resolve turns the collected declarations into TypeInfos, recording every
// conflict it finds along the way.
func (c *collector) resolve() map[string]*TypeInfo {
	types := make(map[string]*TypeInfo, len(c.kinds))

	typeNames := make([]string, 0, len(c.kinds))
	for name := range c.kinds {
		typeNames = append(typeNames, name)
	}
	sort.Strings(typeNames)

	for _, typeName := range typeNames {
		kind := c.kinds[typeName]
		decls := c.typeDecls[typeName]

		info := &TypeInfo{
			Name:          typeName,
			Kind:          kind,
			FieldOwners:   make(map[string]string),
			FieldServers:  make(map[string][]string),
			FieldDefs:     make(map[string]*ast.FieldDefinition),
			FieldRequires: make(map[string][]string),
			FieldProvides: make(map[string][]string),
		}
		types[typeName] = info

		c.resolveOwnerAndKeys(info, decls)
		if kind == ast.Object || kind == ast.Interface {
			c.resolveFields(info, decls)
		}
	}

	c.checkDanglingReferences(types, typeNames)
	return types
}

func (c *collector) resolveOwnerAndKeys(info *TypeInfo, decls []typeDecl) {
	keySets := make(map[string][]string) // canonical field set → declaring subgraphs
	declaringSubgraphs := make(map[string]bool)
	keyDeclaringSubgraphs := make(map[string]bool)

	for _, decl := range decls {
		declaringSubgraphs[decl.subgraph] = true
		if info.Owner == "" && !decl.extends {
			info.Owner = decl.subgraph
		}
		for _, ks := range decl.keys {
			keySets[ks] = append(keySets[ks], decl.subgraph)
			keyDeclaringSubgraphs[decl.subgraph] = true
		}
	}

	// A single subgraph may declare several keys (@key is repeatable). The
	// incompatibility is cross-subgraph: every subgraph that declares keys
	// must share at least one key set, or representations cannot round-trip.
	if len(keyDeclaringSubgraphs) > 1 && !sharedKeySetExists(keySets, len(keyDeclaringSubgraphs)) {
		sets := make([]string, 0, len(keySets))
		for ks := range keySets {
			sets = append(sets, ks)
		}
		sort.Strings(sets)
		c.conflicts = append(c.conflicts, Conflict{
			Kind:      IncompatibleEntityKey,
			TypeName:  info.Name,
			Subgraphs: sortedKeysOf(keyDeclaringSubgraphs),
			Detail:    fmt.Sprintf("no key field set shared by all declaring subgraphs: %q", sets),
		})
	}

	for ks, sgs := range keySets {
		sort.Strings(sgs)
		info.Keys = append(info.Keys, Key{
			Subgraph: sgs[0],
			FieldSet: ks,
			Fields:   topLevelKeyFields(ks),
		})
	}
	sort.Slice(info.Keys, func(i, j int) bool { return info.Keys[i].FieldSet < info.Keys[j].FieldSet })

	referencedAcross := len(declaringSubgraphs) > 1
	if referencedAcross && len(info.Keys) == 0 &&
		info.Kind == ast.Object && !isRootTypeName(info.Name) {
		c.conflicts = append(c.conflicts, Conflict{
			Kind:      MissingKeyResolver,
			TypeName:  info.Name,
			Subgraphs: sortedKeysOf(declaringSubgraphs),
			Detail:    "type spans subgraphs but declares no @key",
		})
	}
}

func (c *collector) resolveFields(info *TypeInfo, decls []typeDecl) {
	keyFields := make(map[string]bool)
	for _, k := range info.Keys {
		for _, f := range k.Fields {
			keyFields[f] = true
		}
	}

	fields := c.fieldDecls[info.Name]
	fieldNames := make([]string, 0, len(fields))
	for name := range fields {
		fieldNames = append(fieldNames, name)
	}
	sort.Strings(fieldNames)

	for _, fieldName := range fieldNames {
		declsForField := fields[fieldName]

		var owners []string
		allShareable := true
		for _, fd := range declsForField {
			info.FieldServers[fieldName] = append(info.FieldServers[fieldName], fd.subgraph)
			if fd.external {
				continue
			}
			owners = append(owners, fd.subgraph)
			if !fd.shareable {
				allShareable = false
			}
		}
		sort.Strings(owners)
		sort.Strings(info.FieldServers[fieldName])

		switch {
		case len(owners) == 0:
			// declared external everywhere; route to whoever declared it first
			info.FieldOwners[fieldName] = info.FieldServers[fieldName][0]
		case len(owners) == 1:
			info.FieldOwners[fieldName] = owners[0]
		default:
			if allShareable || keyFields[fieldName] || isRootTypeName(info.Name) {
				// shareable tie-break: lexicographically first subgraph name.
				// A policy choice, kept deterministic so identical descriptor
				// sets compose identically in any registration order.
				info.FieldOwners[fieldName] = owners[0]
			} else {
				c.conflicts = append(c.conflicts, Conflict{
					Kind:      ConflictingFieldOwnership,
					TypeName:  info.Name,
					FieldName: fieldName,
					Subgraphs: owners,
					Detail:    "field defined by multiple subgraphs without a shareable marker",
				})
				info.FieldOwners[fieldName] = owners[0]
			}
		}

		info.FieldDefs[fieldName] = declsForField[0].def
		owner := info.FieldOwners[fieldName]
		for _, fd := range declsForField {
			if fd.subgraph != owner {
				continue
			}
			if fd.requires != "" {
				info.FieldRequires[fieldName] = topLevelKeyFields(fd.requires)
			}
			if fd.provides != "" {
				info.FieldProvides[fieldName] = topLevelKeyFields(fd.provides)
			}
		}
	}
}

func (c *collector) checkDanglingReferences(types map[string]*TypeInfo, typeNames []string) {
	for _, typeName := range typeNames {
		info := types[typeName]
		fieldNames := make([]string, 0, len(info.FieldDefs))
		for name := range info.FieldDefs {
			fieldNames = append(fieldNames, name)
		}
		sort.Strings(fieldNames)

		for _, fieldName := range fieldNames {
			ref := namedType(info.FieldDefs[fieldName].Type)
			if builtinScalars[ref] || strings.HasPrefix(ref, "_") {
				continue
			}
			if _, defined := types[ref]; !defined {
				c.conflicts = append(c.conflicts, Conflict{
					Kind:      DanglingTypeReference,
					TypeName:  typeName,
					FieldName: fieldName,
					Subgraphs: info.FieldServers[fieldName],
					Detail:    fmt.Sprintf("return type %q is not defined by any subgraph", ref),
				})
			}
		}
	}
}

func loadSchema(sdl string) (*ast.Schema, error) {
	schema, gqlErr := gqlparser.LoadSchema(&ast.Source{Name: "supergraph", Input: sdl})
	if gqlErr != nil {
		return nil, gqlErr
	}
	return schema, nil
}

// canonicalFieldSet collapses whitespace in a @key/@requires field set so that
// semantically identical declarations compare equal.
func canonicalFieldSet(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

// topLevelKeyFields extracts the depth-0 field names from a field set. For a
// composite set like "owner { login } name" it yields ["owner", "name"].
func topLevelKeyFields(fieldSet string) []string {
	var out []string
	depth := 0
	var cur strings.Builder
	flush := func() {
		if depth == 0 && cur.Len() > 0 {
			out = append(out, cur.String())
		}
		cur.Reset()
	}
	for _, r := range fieldSet {
		switch r {
		case '{':
			flush()
			depth++
		case '}':
			cur.Reset()
			depth--
		case ' ', '\t', '\n', ',':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

func sharedKeySetExists(keySets map[string][]string, declaring int) bool {
	for _, sgs := range keySets {
		distinct := make(map[string]bool, len(sgs))
		for _, sg := range sgs {
			distinct[sg] = true
		}
		if len(distinct) == declaring {
			return true
		}
	}
	return false
}

func isRootTypeName(name string) bool {
	return name == "Query" || name == "Mutation" || name == "Subscription"
}

func sortedKeysOf(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
