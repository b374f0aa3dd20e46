package plan

import (
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"

	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/federation"
)

const (
	DefaultMaxDepth        = 15
	DefaultCostBudget      = 1000
	DefaultDefaultListSize = 10
	defaultPlanCacheSize   = 128
)

type Config struct {
	// MaxDepth caps selection nesting; zero means DefaultMaxDepth.
	MaxDepth int
	// CostBudget caps the query cost score; zero means DefaultCostBudget.
	CostBudget int
	// DefaultListSize is the multiplier assumed for list fields without a
	// literal pagination argument.
	DefaultListSize int
	// CacheSize bounds the plan cache; zero means the default.
	CacheSize int
}

// Planner produces query plans from the supergraph and a client operation.
// Planning is pure with respect to its inputs; plans are cached keyed by
// (supergraph hash, operation hash).
type Planner struct {
	cfg   Config
	cache *lru.Cache
}

func NewPlanner(cfg Config) *Planner {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.CostBudget <= 0 {
		cfg.CostBudget = DefaultCostBudget
	}
	if cfg.DefaultListSize <= 0 {
		cfg.DefaultListSize = DefaultDefaultListSize
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultPlanCacheSize
	}
	cache, _ := lru.New(cfg.CacheSize)
	return &Planner{
		cfg:   cfg,
		cache: cache,
	}
}

// ParseQuery checks a request document for syntax errors. The front door uses
// it to reject malformed requests before planning.
func ParseQuery(query string) (*ast.QueryDocument, error) {
	doc, gqlErr := parser.ParseQuery(&ast.Source{Name: "request", Input: query})
	if gqlErr != nil {
		return nil, gqlErr
	}
	return doc, nil
}

func (p *Planner) Plan(sg *federation.Supergraph, query, operationName string) (*Plan, error) {
	cacheKey := planCacheKey(sg, query, operationName)
	if cached, ok := p.cache.Get(cacheKey); ok {
		return cached.(*Plan), nil
	}

	doc, err := ParseQuery(query)
	if err != nil {
		return nil, newPlanningError(InvalidOperation, "parsing operation: %v", err)
	}

	op, opErr := selectOperation(doc, operationName)
	if opErr != nil {
		return nil, opErr
	}

	b := &builder{
		planner: p,
		sg:      sg,
		doc:     doc,
		op:      op,
	}
	built, buildErr := b.build()
	if buildErr != nil {
		return nil, buildErr
	}

	if validationErrs := validator.Validate(sg.Schema(), doc); len(validationErrs) > 0 {
		return nil, newPlanningError(InvalidOperation, "operation validation failed: %v", validationErrs)
	}

	p.cache.Add(cacheKey, built)
	return built, nil
}

func planCacheKey(sg *federation.Supergraph, query, operationName string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(query)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(operationName)
	return h.Sum64() ^ sg.Hash()
}

func selectOperation(doc *ast.QueryDocument, operationName string) (*ast.OperationDefinition, *PlanningError) {
	if operationName != "" {
		op := doc.Operations.ForName(operationName)
		if op == nil {
			return nil, newPlanningError(UnknownOperation, "operation %q not found in document", operationName)
		}
		return op, nil
	}
	if len(doc.Operations) != 1 {
		return nil, newPlanningError(UnknownOperation, "document defines %d operations, operationName is required", len(doc.Operations))
	}
	return doc.Operations[0], nil
}

// expandedField is a client query field with fragments flattened and
// duplicate aliases merged.
type expandedField struct {
	field      *ast.Field
	selections ast.SelectionSet
	children   []*expandedField
}

func (f *expandedField) alias() string {
	if f.field.Alias != "" {
		return f.field.Alias
	}
	return f.field.Name
}

func buildExpanded(doc *ast.QueryDocument, selSet ast.SelectionSet) []*expandedField {
	var order []*expandedField
	byAlias := make(map[string]*expandedField)

	var add func(sels ast.SelectionSet)
	add = func(sels ast.SelectionSet) {
		for _, sel := range sels {
			switch s := sel.(type) {
			case *ast.Field:
				key := s.Name
				if s.Alias != "" {
					key = s.Alias
				}
				if existing, ok := byAlias[key]; ok {
					existing.selections = append(existing.selections, s.SelectionSet...)
					continue
				}
				ef := &expandedField{field: s, selections: s.SelectionSet}
				byAlias[key] = ef
				order = append(order, ef)
			case *ast.InlineFragment:
				add(s.SelectionSet)
			case *ast.FragmentSpread:
				if def := doc.Fragments.ForName(s.Name); def != nil {
					add(def.SelectionSet)
				}
			}
		}
	}
	add(selSet)

	for _, ef := range order {
		ef.children = buildExpanded(doc, ef.selections)
	}
	return order
}

type builder struct {
	planner *Planner
	sg      *federation.Supergraph
	doc     *ast.QueryDocument
	op      *ast.OperationDefinition
}

func (b *builder) build() (*Plan, *PlanningError) {
	rootType := b.sg.RootTypeName(b.op.Operation)
	if rootType == "" {
		return nil, newPlanningError(InvalidOperation, "the supergraph defines no %s type", b.op.Operation)
	}

	fields := buildExpanded(b.doc, b.op.SelectionSet)

	if depth := queryDepth(fields); depth > b.planner.cfg.MaxDepth {
		return nil, newPlanningError(DepthLimitExceeded, "query depth %d exceeds the maximum of %d", depth, b.planner.cfg.MaxDepth)
	}
	if cost := b.planner.queryCost(b.sg, rootType, fields); cost > b.planner.cfg.CostBudget {
		return nil, newPlanningError(CostLimitExceeded, "query cost %d exceeds the budget of %d", cost, b.planner.cfg.CostBudget)
	}

	if b.op.Operation == ast.Subscription {
		return b.buildSubscription(rootType, fields)
	}

	// group root fields by owning subgraph, preserving selection order
	type span struct {
		owner  string
		fields []*expandedField
	}
	var spans []*span
	spanByOwner := make(map[string]*span)
	fieldOwnerOf := make(map[*expandedField]string)

	for _, f := range fields {
		if f.field.Name == "__typename" {
			continue
		}
		owner := b.sg.FieldOwner(rootType, f.field.Name)
		if owner == "" {
			return nil, newPlanningError(UnknownField, "field %q is not defined on type %q", f.field.Name, rootType)
		}
		fieldOwnerOf[f] = owner
		sp, ok := spanByOwner[owner]
		if !ok {
			sp = &span{owner: owner}
			spanByOwner[owner] = sp
			spans = append(spans, sp)
		}
		sp.fields = append(sp.fields, f)
	}
	if len(spans) == 0 {
		return nil, newPlanningError(InvalidOperation, "operation selects no routable fields")
	}

	built := &Plan{OperationType: b.op.Operation}
	nodeByOwner := make(map[string]*FetchNode)
	for _, sp := range spans {
		node := &FetchNode{
			Subgraph:      sp.owner,
			OperationType: b.op.Operation,
		}
		kept, err := b.planFields(sp.owner, rootType, sp.fields, nil, nil, node)
		if err != nil {
			return nil, err
		}
		node.Variables = collectVariables(kept)
		node.Operation = printOperation(b.op.Operation, b.op.VariableDefinitions, node.Variables, kept)
		node.OutputFields = aliasesOf(kept)
		built.RootNodes = append(built.RootNodes, node)
		nodeByOwner[sp.owner] = node
	}

	for _, f := range fields {
		if f.field.Name == "__typename" {
			continue
		}
		built.RootFields = append(built.RootFields, RootField{
			Alias: f.alias(),
			Node:  nodeByOwner[fieldOwnerOf[f]],
		})
	}
	return built, nil
}

// planFields retains the fields owner can serve and spawns one reference
// resolution child per (selection set, foreign subgraph) boundary. The
// grouping is what keeps sibling entity lookups in a single batched fetch.
// provided lists fields of parentType the owner resolves locally because the
// parent field declared them via @provides.
func (b *builder) planFields(owner, parentType string, fields []*expandedField, provided []string, path []string, node *FetchNode) ([]*selNode, *PlanningError) {
	var kept []*selNode
	var boundaryOrder []string
	boundaries := make(map[string][]*expandedField)

	for _, f := range fields {
		if f.field.Name == "__typename" {
			kept = append(kept, &selNode{field: f.field})
			continue
		}
		fieldOwner := b.sg.FieldOwner(parentType, f.field.Name)
		if fieldOwner == "" {
			return nil, newPlanningError(UnknownField, "field %q is not defined on type %q", f.field.Name, parentType)
		}

		if b.sg.FieldServedBy(parentType, f.field.Name, owner) || fieldInList(provided, f.field.Name) {
			sel := &selNode{field: f.field}
			if len(f.children) > 0 {
				childType := b.sg.FieldType(parentType, f.field.Name)
				var childProvided []string
				if fieldOwner == owner {
					childProvided = b.sg.FieldProvides(parentType, f.field.Name)
				}
				sub, err := b.planFields(owner, childType, f.children, childProvided, append(path, f.alias()), node)
				if err != nil {
					return nil, err
				}
				sel.children = sub
			}
			kept = append(kept, sel)
			continue
		}

		if _, ok := boundaries[fieldOwner]; !ok {
			boundaryOrder = append(boundaryOrder, fieldOwner)
		}
		boundaries[fieldOwner] = append(boundaries[fieldOwner], f)
	}

	if len(boundaries) == 0 {
		return kept, nil
	}

	info := b.sg.Type(parentType)
	key := info.PrimaryKey()
	if key == nil {
		return nil, newPlanningError(MissingKey, "type %q crosses subgraph boundaries but declares no key", parentType)
	}
	kept = injectFields(kept, append([]string{"__typename"}, key.Fields...))

	for _, target := range boundaryOrder {
		bfields := boundaries[target]

		keyFields := append([]string{}, key.Fields...)
		for _, f := range bfields {
			for _, req := range info.FieldRequires[f.field.Name] {
				kept = injectFields(kept, []string{req})
				keyFields = appendUnique(keyFields, req)
			}
		}

		child := &FetchNode{
			Subgraph:      target,
			OperationType: ast.Query,
			Entity: &EntityResolution{
				TypeName:  parentType,
				KeyFields: keyFields,
			},
			InsertionPath: append([]string{}, path...),
		}
		sub, err := b.planFields(target, parentType, bfields, nil, path, child)
		if err != nil {
			return nil, err
		}
		child.Variables = collectVariables(sub)
		child.Operation = printEntityOperation(parentType, b.op.VariableDefinitions, child.Variables, sub)
		child.OutputFields = aliasesOf(sub)
		node.Children = append(node.Children, child)
	}
	return kept, nil
}

func (b *builder) buildSubscription(rootType string, fields []*expandedField) (*Plan, *PlanningError) {
	var rootFields []*expandedField
	for _, f := range fields {
		if f.field.Name == "__typename" {
			continue
		}
		rootFields = append(rootFields, f)
	}
	if len(rootFields) != 1 {
		return nil, newPlanningError(SubscriptionNotSingleRoot, "subscriptions must select exactly one root field, got %d", len(rootFields))
	}

	f := rootFields[0]
	owner := b.sg.FieldOwner(rootType, f.field.Name)
	if owner == "" {
		return nil, newPlanningError(UnknownField, "field %q is not defined on type %q", f.field.Name, rootType)
	}

	node := &FetchNode{Subgraph: owner, OperationType: ast.Subscription}
	kept, err := b.planFields(owner, rootType, rootFields, nil, nil, node)
	if err != nil {
		return nil, err
	}
	if len(node.Children) > 0 {
		return nil, newPlanningError(InvalidOperation, "subscription selections must not cross subgraph boundaries")
	}

	variables := collectVariables(kept)
	return &Plan{
		OperationType: ast.Subscription,
		Subscription: &SubscriptionPlan{
			Subgraph:   owner,
			Operation:  printOperation(ast.Subscription, b.op.VariableDefinitions, variables, kept),
			Variables:  variables,
			FieldAlias: f.alias(),
		},
	}, nil
}

func aliasesOf(sels []*selNode) []string {
	out := make([]string, 0, len(sels))
	for _, s := range sels {
		out = append(out, s.alias())
	}
	return out
}

func injectFields(kept []*selNode, names []string) []*selNode {
	existing := make(map[string]bool, len(kept))
	for _, s := range kept {
		existing[s.alias()] = true
	}
	for _, name := range names {
		if existing[name] {
			continue
		}
		kept = append(kept, &selNode{field: &ast.Field{Name: name}})
		existing[name] = true
	}
	return kept
}

func fieldInList(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
