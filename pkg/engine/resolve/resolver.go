package resolve

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jensneuse/abstractlogger"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"

	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/engine/plan"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/federation"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/graphql"
)

const (
	DefaultNodeTimeout = 5 * time.Second
	DefaultMaxRetries  = 2

	retryBackoff = 100 * time.Millisecond
)

// Resolver executes query plans against the subgraphs. Root spans run
// concurrently; a failed span surfaces as error entries scoped to its root
// fields while the other spans still contribute data.
type Resolver struct {
	client      Client
	log         abstractlogger.Logger
	nodeTimeout time.Duration
	maxRetries  int
}

type Options struct {
	Client      Client
	Logger      abstractlogger.Logger
	NodeTimeout time.Duration
	MaxRetries  int
}

func New(opts Options) *Resolver {
	if opts.Client == nil {
		opts.Client = NewHTTPClient(nil)
	}
	if opts.Logger == nil {
		opts.Logger = abstractlogger.NoopLogger
	}
	if opts.NodeTimeout <= 0 {
		opts.NodeTimeout = DefaultNodeTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	return &Resolver{
		client:      opts.Client,
		log:         opts.Logger,
		nodeTimeout: opts.NodeTimeout,
		maxRetries:  opts.MaxRetries,
	}
}

func (r *Resolver) Resolve(ctx context.Context, sg *federation.Supergraph, p *plan.Plan, variables json.RawMessage) *graphql.Response {
	if p.Subscription != nil {
		return graphql.ErrorResponse("subscription operations cannot be resolved over a single request")
	}

	type rootResult struct {
		data []byte
		errs []graphql.Error
	}
	results := make([]*rootResult, len(p.RootNodes))

	var g errgroup.Group
	for i, node := range p.RootNodes {
		i, node := i, node
		g.Go(func() error {
			data, errs := r.executeRoot(ctx, sg, node, variables)
			results[i] = &rootResult{data: data, errs: errs}
			return nil
		})
	}
	_ = g.Wait()

	byNode := make(map[*plan.FetchNode]*rootResult, len(results))
	var allErrs []graphql.Error
	for i, node := range p.RootNodes {
		byNode[node] = results[i]
		allErrs = append(allErrs, results[i].errs...)
	}

	// assemble the response in the client's root field order
	out := []byte(`{}`)
	for _, rf := range p.RootFields {
		res := byNode[rf.Node]
		if res != nil && res.data != nil {
			if v := gjson.GetBytes(res.data, rf.Alias); v.Exists() {
				out, _ = sjson.SetRawBytes(out, rf.Alias, []byte(v.Raw))
				continue
			}
		}
		out, _ = sjson.SetBytes(out, rf.Alias, nil)
	}

	return &graphql.Response{Data: out, Errors: allErrs}
}

func (r *Resolver) executeRoot(ctx context.Context, sg *federation.Supergraph, node *plan.FetchNode, variables json.RawMessage) ([]byte, []graphql.Error) {
	body, err := requestBody(node.Operation, node.Variables, variables)
	if err != nil {
		return nil, fieldErrors(node, "building subgraph request: "+err.Error())
	}

	data, errs, fetchErr := r.fetchNode(ctx, sg, node, body)
	if fetchErr != nil {
		r.log.Error("root fetch failed",
			abstractlogger.String("subgraph", node.Subgraph),
			abstractlogger.Error(fetchErr),
		)
		return nil, fieldErrors(node, fetchErr.Error())
	}
	if data == nil {
		return nil, errs
	}

	for _, child := range node.Children {
		var childErrs []graphql.Error
		data, childErrs = r.resolveEntities(ctx, sg, data, child, variables)
		errs = append(errs, childErrs...)
	}
	return data, errs
}

// fieldErrors scopes a span-wide failure to each root field the span was
// responsible for.
func fieldErrors(node *plan.FetchNode, message string) []graphql.Error {
	out := make([]graphql.Error, 0, len(node.OutputFields))
	for _, alias := range node.OutputFields {
		out = append(out, graphql.SubgraphError(node.Subgraph, message, []interface{}{alias}))
	}
	return out
}
