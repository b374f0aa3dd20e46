// Package plan turns validated client operations into executable query plans:
// trees of fetch nodes, each targeting exactly one subgraph, with entity
// reference resolution hops at subgraph ownership boundaries.
package plan

import (
	"github.com/vektah/gqlparser/v2/ast"
)

// EntityResolution marks a FetchNode as a reference resolution hop: it fetches
// entity fields from the owning subgraph, keyed on values produced by its
// parent node.
type EntityResolution struct {
	// TypeName is the entity type the representations refer to.
	TypeName string
	// KeyFields are copied from each parent object into its representation,
	// including any @requires fields of the fetched selections.
	KeyFields []string
}

// FetchNode is one unit of the query plan targeting a single subgraph.
type FetchNode struct {
	// Subgraph is the registry name of the target service.
	Subgraph string
	// Operation is the printed GraphQL document sent to the subgraph.
	Operation string
	// OperationType is query, mutation, or subscription.
	OperationType ast.Operation
	// Variables lists the client variable names forwarded with the fetch.
	Variables []string
	// Entity is set on reference resolution nodes, nil on span nodes.
	Entity *EntityResolution
	// InsertionPath locates the objects this node's output merges into,
	// expressed in response field aliases. Empty for root nodes.
	InsertionPath []string
	// OutputFields are the aliases this node produces at InsertionPath level.
	OutputFields []string
	// Children depend on this node's output and start after it completes.
	Children []*FetchNode
}

// RootField maps one top level response field to the node producing it, in
// the client query's selection order. The merge step uses this ordering, not
// fetch completion order.
type RootField struct {
	Alias string
	Node  *FetchNode
}

// SubscriptionPlan routes a subscription to its single owning subgraph.
type SubscriptionPlan struct {
	Subgraph  string
	Operation string
	Variables []string
	// FieldAlias is the client-facing root field the events arrive under.
	FieldAlias string
}

// Plan is the executable form of one client operation. The node dependency
// graph is a forest: acyclic by construction, every leaf field of the client
// query covered by exactly one node.
type Plan struct {
	OperationType ast.Operation
	RootNodes     []*FetchNode
	RootFields    []RootField
	Subscription  *SubscriptionPlan
}

// NodeCount returns the number of fetch nodes in the plan.
func (p *Plan) NodeCount() int {
	count := 0
	var walk func(nodes []*FetchNode)
	walk = func(nodes []*FetchNode) {
		for _, n := range nodes {
			count++
			walk(n.Children)
		}
	}
	walk(p.RootNodes)
	return count
}
