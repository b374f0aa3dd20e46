package subgraph

import (
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// federationPrelude declares the directives and scalars of the subgraph
// contract so that plain SDL documents using them parse cleanly.
const federationPrelude = `
scalar _Any
scalar _FieldSet

directive @external on FIELD_DEFINITION
directive @requires(fields: _FieldSet!) on FIELD_DEFINITION
directive @provides(fields: _FieldSet!) on FIELD_DEFINITION
directive @key(fields: _FieldSet!) repeatable on OBJECT | INTERFACE
directive @shareable on FIELD_DEFINITION | OBJECT
directive @extends on OBJECT | INTERFACE
`

// ParseSDL parses a subgraph schema document with the federation prelude in
// scope. It performs syntax parsing only; semantic validation happens during
// composition.
func ParseSDL(name, sdl string) (*ast.SchemaDocument, error) {
	doc, gqlErr := parser.ParseSchema(&ast.Source{
		Name:  name,
		Input: federationPrelude + sdl,
	})
	if gqlErr != nil {
		return nil, gqlErr
	}
	return doc, nil
}

// FederationPrelude exposes the prelude for composers that need to load a
// merged document through a validating schema loader.
func FederationPrelude() string {
	return federationPrelude
}
