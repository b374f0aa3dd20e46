package plan

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/federation"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/subgraph"
)

const accountsSDL = `
type Query {
	me: User
	user(id: ID!): User
}

type Subscription {
	userUpdated(id: ID!): User!
}

type User @key(fields: "id") {
	id: ID!
	name: String!
	email: String!
}
`

const reviewsSDL = `
type Query {
	topReviews(first: Int): [Review!]!
}

type Review @key(fields: "id") {
	id: ID!
	body: String!
	author: User!
}

extend type User @key(fields: "id") {
	id: ID! @external
	reviews: [Review!]!
	reviewCount: Int!
}
`

func testSupergraph(t *testing.T) *federation.Supergraph {
	t.Helper()
	var descriptors []*subgraph.Descriptor
	for name, sdl := range map[string]string{
		"accounts": accountsSDL,
		"reviews":  reviewsSDL,
	} {
		doc, err := subgraph.ParseSDL(name, sdl)
		require.NoError(t, err)
		descriptors = append(descriptors, &subgraph.Descriptor{
			Name:       name,
			RoutingURL: "http://" + name + ".internal/graphql",
			SDL:        sdl,
			Schema:     doc,
		})
	}
	sg, err := federation.Compose(descriptors)
	require.NoError(t, err)
	return sg
}

func planKind(t *testing.T, err error) PlanningErrorKind {
	t.Helper()
	var perr *PlanningError
	require.True(t, errors.As(err, &perr), "expected a PlanningError, got %v", err)
	return perr.Kind
}

func TestPlanSingleSubgraph(t *testing.T) {
	sg := testSupergraph(t)
	p := NewPlanner(Config{})

	built, err := p.Plan(sg, `query { me { name email } }`, "")
	require.NoError(t, err)

	require.Len(t, built.RootNodes, 1)
	node := built.RootNodes[0]
	assert.Equal(t, "accounts", node.Subgraph)
	assert.Equal(t, ast.Query, node.OperationType)
	assert.Contains(t, node.Operation, "me")
	assert.Contains(t, node.Operation, "email")
	assert.Empty(t, node.Children)
	assert.Equal(t, []string{"me"}, node.OutputFields)

	require.Len(t, built.RootFields, 1)
	assert.Equal(t, "me", built.RootFields[0].Alias)
	assert.Same(t, node, built.RootFields[0].Node)
}

func TestPlanSplitsRootFieldsByOwner(t *testing.T) {
	sg := testSupergraph(t)
	p := NewPlanner(Config{})

	built, err := p.Plan(sg, `query { me { name } topReviews { body } }`, "")
	require.NoError(t, err)

	require.Len(t, built.RootNodes, 2)
	assert.Equal(t, "accounts", built.RootNodes[0].Subgraph)
	assert.Equal(t, "reviews", built.RootNodes[1].Subgraph)

	// response assembly order follows the client's selection order
	require.Len(t, built.RootFields, 2)
	assert.Equal(t, "me", built.RootFields[0].Alias)
	assert.Same(t, built.RootNodes[0], built.RootFields[0].Node)
	assert.Equal(t, "topReviews", built.RootFields[1].Alias)
	assert.Same(t, built.RootNodes[1], built.RootFields[1].Node)
}

func TestPlanEntityBoundary(t *testing.T) {
	sg := testSupergraph(t)
	p := NewPlanner(Config{})

	built, err := p.Plan(sg, `query { me { name reviews { body } } }`, "")
	require.NoError(t, err)

	require.Len(t, built.RootNodes, 1)
	root := built.RootNodes[0]
	assert.Equal(t, "accounts", root.Subgraph)
	// the parent span must fetch the key and typename for the hop
	assert.Contains(t, root.Operation, "__typename")
	assert.Contains(t, root.Operation, "id")

	require.Len(t, root.Children, 1)
	child := root.Children[0]
	assert.Equal(t, "reviews", child.Subgraph)
	require.NotNil(t, child.Entity)
	assert.Equal(t, "User", child.Entity.TypeName)
	assert.Equal(t, []string{"id"}, child.Entity.KeyFields)
	assert.Equal(t, []string{"me"}, child.InsertionPath)
	assert.Equal(t, []string{"reviews"}, child.OutputFields)
	assert.Contains(t, child.Operation, "_entities")
	assert.Contains(t, child.Operation, "... on User")
	assert.Contains(t, child.Operation, "$representations")

	assert.Equal(t, 2, built.NodeCount())
}

func TestPlanBatchesSiblingBoundaryFields(t *testing.T) {
	sg := testSupergraph(t)
	p := NewPlanner(Config{})

	built, err := p.Plan(sg, `query { me { reviews { body } reviewCount } }`, "")
	require.NoError(t, err)

	require.Len(t, built.RootNodes, 1)
	root := built.RootNodes[0]
	// both foreign fields ride the same entity fetch, not one hop each
	require.Len(t, root.Children, 1)
	assert.Equal(t, []string{"reviews", "reviewCount"}, root.Children[0].OutputFields)
}

func TestPlanProvidedFieldsStayLocal(t *testing.T) {
	sdls := map[string]string{
		"accounts": `
type Query { me: User }
type User @key(fields: "id") {
	id: ID!
	name: String!
}
`,
		"reviews": `
type Query { topReviews: [Review!]! }
type Review @key(fields: "id") {
	id: ID!
	body: String!
	author: User! @provides(fields: "name")
}
extend type User @key(fields: "id") {
	id: ID! @external
}
`,
	}
	var descriptors []*subgraph.Descriptor
	for name, sdl := range sdls {
		doc, err := subgraph.ParseSDL(name, sdl)
		require.NoError(t, err)
		descriptors = append(descriptors, &subgraph.Descriptor{
			Name:       name,
			RoutingURL: "http://" + name + ".internal/graphql",
			SDL:        sdl,
			Schema:     doc,
		})
	}
	sg, err := federation.Compose(descriptors)
	require.NoError(t, err)

	built, err := NewPlanner(Config{}).Plan(sg, `query { topReviews { author { name } } }`, "")
	require.NoError(t, err)

	// author.name is provided by reviews; no entity hop to accounts
	require.Len(t, built.RootNodes, 1)
	root := built.RootNodes[0]
	assert.Equal(t, "reviews", root.Subgraph)
	assert.Empty(t, root.Children)
	assert.Contains(t, root.Operation, "name")
}

func TestPlanForwardsVariables(t *testing.T) {
	sg := testSupergraph(t)
	p := NewPlanner(Config{})

	built, err := p.Plan(sg, `query Lookup($id: ID!) { user(id: $id) { name } }`, "Lookup")
	require.NoError(t, err)

	require.Len(t, built.RootNodes, 1)
	node := built.RootNodes[0]
	assert.Equal(t, []string{"id"}, node.Variables)
	assert.Contains(t, node.Operation, "$id: ID!")
}

func TestPlanFragmentsAreExpanded(t *testing.T) {
	sg := testSupergraph(t)
	p := NewPlanner(Config{})

	built, err := p.Plan(sg, `
query {
	me { ...names }
}
fragment names on User {
	name
	email
}`, "")
	require.NoError(t, err)

	require.Len(t, built.RootNodes, 1)
	assert.Contains(t, built.RootNodes[0].Operation, "name")
	assert.Contains(t, built.RootNodes[0].Operation, "email")
}

func TestPlanUnknownField(t *testing.T) {
	sg := testSupergraph(t)
	p := NewPlanner(Config{})

	_, err := p.Plan(sg, `query { me { shoeSize } }`, "")
	assert.Equal(t, UnknownField, planKind(t, err))
}

func TestPlanUnknownOperation(t *testing.T) {
	sg := testSupergraph(t)
	p := NewPlanner(Config{})

	_, err := p.Plan(sg, `query A { me { name } }`, "B")
	assert.Equal(t, UnknownOperation, planKind(t, err))

	_, err = p.Plan(sg, `query A { me { name } } query B { me { name } }`, "")
	assert.Equal(t, UnknownOperation, planKind(t, err))
}

func TestPlanDepthLimit(t *testing.T) {
	sg := testSupergraph(t)
	p := NewPlanner(Config{MaxDepth: 2})

	_, err := p.Plan(sg, `query { topReviews { author { reviews { body } } } }`, "")
	assert.Equal(t, DepthLimitExceeded, planKind(t, err))
}

func TestPlanCostLimit(t *testing.T) {
	sg := testSupergraph(t)
	p := NewPlanner(Config{CostBudget: 10})

	_, err := p.Plan(sg, `query { topReviews(first: 100) { body author { name } } }`, "")
	assert.Equal(t, CostLimitExceeded, planKind(t, err))
}

func TestPlanSubscription(t *testing.T) {
	sg := testSupergraph(t)
	p := NewPlanner(Config{})

	built, err := p.Plan(sg, `subscription OnUpdate($id: ID!) { userUpdated(id: $id) { name } }`, "")
	require.NoError(t, err)

	require.NotNil(t, built.Subscription)
	assert.Equal(t, ast.Subscription, built.OperationType)
	assert.Equal(t, "accounts", built.Subscription.Subgraph)
	assert.Equal(t, "userUpdated", built.Subscription.FieldAlias)
	assert.Equal(t, []string{"id"}, built.Subscription.Variables)
	assert.Contains(t, built.Subscription.Operation, "subscription")
	assert.Empty(t, built.RootNodes)
}

func TestPlanSubscriptionSingleRootOnly(t *testing.T) {
	sg := testSupergraph(t)
	p := NewPlanner(Config{})

	_, err := p.Plan(sg, `subscription { a: userUpdated(id: "1") { name } b: userUpdated(id: "2") { name } }`, "")
	assert.Equal(t, SubscriptionNotSingleRoot, planKind(t, err))
}

func TestPlanCacheReturnsSamePlan(t *testing.T) {
	sg := testSupergraph(t)
	p := NewPlanner(Config{})

	a, err := p.Plan(sg, `query { me { name } }`, "")
	require.NoError(t, err)
	b, err := p.Plan(sg, `query { me { name } }`, "")
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := p.Plan(sg, `query { me { email } }`, "")
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}

func TestParseQueryRejectsBadSyntax(t *testing.T) {
	_, err := ParseQuery(`query { me {`)
	assert.Error(t, err)

	_, err = ParseQuery(`query { me { name } }`)
	assert.NoError(t, err)
}
