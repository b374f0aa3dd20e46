package federation

import (
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/subgraph"
)

// Key is one entity key declaration: the subgraph that declared it and the
// canonicalized key field set.
type Key struct {
	Subgraph string
	FieldSet string
	Fields   []string
}

// TypeInfo records, for one composed type, which subgraph serves each field
// and how instances are addressed across subgraph boundaries.
type TypeInfo struct {
	Name  string
	Kind  ast.DefinitionKind
	Owner string
	Keys  []Key

	// FieldOwners maps field name to the single subgraph chosen to serve it.
	FieldOwners map[string]string
	// FieldServers lists every subgraph declaring the field; more than one
	// entry means the field is shareable or a repeated key field.
	FieldServers map[string][]string
	// FieldDefs holds the merged field definitions, for return type lookups.
	FieldDefs map[string]*ast.FieldDefinition
	// FieldRequires maps a field to the sibling fields its serving subgraph
	// declared via @requires.
	FieldRequires map[string][]string
	// FieldProvides maps a field to the child fields of its return type the
	// serving subgraph resolves locally via @provides.
	FieldProvides map[string][]string
}

// PrimaryKey returns the canonical key of the type, or nil for non-entities.
func (t *TypeInfo) PrimaryKey() *Key {
	if len(t.Keys) == 0 {
		return nil
	}
	return &t.Keys[0]
}

// Supergraph is the composed schema: one validated client-facing schema plus
// the per-field routing table the planner consumes. It is immutable once
// composed; the gateway swaps whole instances atomically.
type Supergraph struct {
	types       map[string]*TypeInfo
	subgraphs   map[string]*subgraph.Descriptor
	schema      *ast.Schema
	sdl         string
	hash        uint64
	rootTypes   map[ast.Operation]string
	subgraphSeq []string
}

// SDL returns the merged client-facing schema document. Identical descriptor
// sets produce byte-identical SDL regardless of registration order.
func (s *Supergraph) SDL() string {
	return s.sdl
}

// Hash identifies the composed result; derived from the sorted input SDLs.
func (s *Supergraph) Hash() uint64 {
	return s.hash
}

// Schema exposes the validated merged schema for operation validation.
func (s *Supergraph) Schema() *ast.Schema {
	return s.schema
}

// Type returns composition info for a type name, or nil.
func (s *Supergraph) Type(name string) *TypeInfo {
	return s.types[name]
}

// RootTypeName maps an operation kind to its object type name.
func (s *Supergraph) RootTypeName(op ast.Operation) string {
	return s.rootTypes[op]
}

// FieldOwner resolves the subgraph serving typeName.fieldName. The empty
// string means the field is unknown to the supergraph.
func (s *Supergraph) FieldOwner(typeName, fieldName string) string {
	t, ok := s.types[typeName]
	if !ok {
		return ""
	}
	return t.FieldOwners[fieldName]
}

// FieldServedBy reports whether the named subgraph can serve
// typeName.fieldName directly, without a reference resolution hop.
func (s *Supergraph) FieldServedBy(typeName, fieldName, subgraph string) bool {
	t, ok := s.types[typeName]
	if !ok {
		return false
	}
	for _, server := range t.FieldServers[fieldName] {
		if server == subgraph {
			return true
		}
	}
	return false
}

// FieldProvides lists the child fields of typeName.fieldName's return type
// that the serving subgraph resolves locally via @provides.
func (s *Supergraph) FieldProvides(typeName, fieldName string) []string {
	t, ok := s.types[typeName]
	if !ok {
		return nil
	}
	return t.FieldProvides[fieldName]
}

// FieldType resolves the named return type of typeName.fieldName, unwrapping
// list and non-null wrappers. Empty string if unknown.
func (s *Supergraph) FieldType(typeName, fieldName string) string {
	t, ok := s.types[typeName]
	if !ok {
		return ""
	}
	def, ok := t.FieldDefs[fieldName]
	if !ok {
		return ""
	}
	return namedType(def.Type)
}

// FieldIsList reports whether the field's return type is list-shaped at any
// wrapping level. The planner uses this for cost multipliers.
func (s *Supergraph) FieldIsList(typeName, fieldName string) bool {
	t, ok := s.types[typeName]
	if !ok {
		return false
	}
	def, ok := t.FieldDefs[fieldName]
	if !ok {
		return false
	}
	return isListType(def.Type)
}

// Subgraph returns the descriptor snapshot the supergraph was composed from.
func (s *Supergraph) Subgraph(name string) *subgraph.Descriptor {
	return s.subgraphs[name]
}

// SubgraphNames lists contributing subgraphs in name order.
func (s *Supergraph) SubgraphNames() []string {
	return s.subgraphSeq
}

func namedType(t *ast.Type) string {
	for t.Elem != nil {
		t = t.Elem
	}
	return t.NamedType
}

func isListType(t *ast.Type) bool {
	for cur := t; cur != nil; cur = cur.Elem {
		if cur.NamedType == "" {
			return true
		}
	}
	return false
}
