// Package gateway ties the registry, composer, planner, resolver and
// subscription bridge together behind one executor the front door serves.
package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/jensneuse/abstractlogger"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/engine/plan"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/engine/resolve"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/federation"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/graphql"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/subgraph"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/subscription"
)

type Options struct {
	Logger   abstractlogger.Logger
	Registry *subgraph.Registry
	Composer *federation.Composer
	Planner  *plan.Planner
	Resolver *resolve.Resolver
	Bridge   *subscription.Bridge
}

type Gateway struct {
	log      abstractlogger.Logger
	registry *subgraph.Registry
	composer *federation.Composer
	planner  *plan.Planner
	resolver *resolve.Resolver
	bridge   *subscription.Bridge

	// current holds the active supergraph; swapped atomically so in-flight
	// requests keep the snapshot they started with. A failed composition
	// leaves the last good supergraph in place.
	current        atomic.Pointer[federation.Supergraph]
	composeMu      sync.Mutex
	lastComposeErr atomic.Error
}

func New(opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = abstractlogger.NoopLogger
	}
	if opts.Registry == nil {
		opts.Registry = subgraph.NewRegistry(subgraph.RegistryOptions{
			Fetcher: subgraph.NewHTTPFetcher(nil, 0),
			Logger:  opts.Logger,
		})
	}
	if opts.Composer == nil {
		opts.Composer = federation.NewComposer(opts.Logger)
	}
	if opts.Planner == nil {
		opts.Planner = plan.NewPlanner(plan.Config{})
	}
	if opts.Resolver == nil {
		opts.Resolver = resolve.New(resolve.Options{Logger: opts.Logger})
	}
	if opts.Bridge == nil {
		opts.Bridge = subscription.NewBridge(subscription.Options{Logger: opts.Logger})
	}

	g := &Gateway{
		log:      opts.Logger,
		registry: opts.Registry,
		composer: opts.Composer,
		planner:  opts.Planner,
		resolver: opts.Resolver,
		bridge:   opts.Bridge,
	}
	g.registry.SetObserver(g)
	return g
}

func (g *Gateway) Registry() *subgraph.Registry { return g.registry }
func (g *Gateway) Bridge() *subscription.Bridge { return g.bridge }

// Supergraph returns the active supergraph snapshot, nil before the first
// successful composition.
func (g *Gateway) Supergraph() *federation.Supergraph {
	return g.current.Load()
}

// CompositionError returns the failure of the most recent composition
// attempt, nil when the active supergraph is current.
func (g *Gateway) CompositionError() error {
	return g.lastComposeErr.Load()
}

// SubgraphsChanged recomposes the supergraph from a registry snapshot. On
// failure the previous supergraph keeps serving and the error is retained
// for operators.
func (g *Gateway) SubgraphsChanged(descriptors []*subgraph.Descriptor) {
	g.composeMu.Lock()
	defer g.composeMu.Unlock()

	if len(descriptors) == 0 {
		g.current.Store(nil)
		g.lastComposeErr.Store(nil)
		g.log.Info("all subgraphs removed, supergraph cleared")
		return
	}

	sg, err := g.composer.Compose(descriptors)
	if err != nil {
		g.lastComposeErr.Store(err)
		g.log.Error("composition failed, keeping last good supergraph",
			abstractlogger.Error(err),
			abstractlogger.Int("subgraphs", len(descriptors)),
		)
		return
	}
	g.lastComposeErr.Store(nil)
	g.current.Store(sg)
	g.log.Info("supergraph updated",
		abstractlogger.String("hash", fmt.Sprintf("%016x", sg.Hash())),
		abstractlogger.Int("subgraphs", len(descriptors)),
	)
}

func (g *Gateway) Execute(ctx context.Context, req *graphql.Request) *graphql.Response {
	sg := g.current.Load()
	if sg == nil {
		return graphql.ErrorResponse("gateway has no composed supergraph")
	}
	p, err := g.planner.Plan(sg, req.Query, req.OperationName)
	if err != nil {
		return planningErrorResponse(err)
	}
	return g.resolver.Resolve(ctx, sg, p, req.Variables)
}

func (g *Gateway) Subscribe(ctx context.Context, req *graphql.Request) (*subscription.Channel, error) {
	sg := g.current.Load()
	if sg == nil {
		return nil, pkgerrors.New("gateway has no composed supergraph")
	}
	p, err := g.planner.Plan(sg, req.Query, req.OperationName)
	if err != nil {
		return nil, err
	}
	if p.Subscription == nil {
		return nil, pkgerrors.New("operation is not a subscription")
	}
	return g.bridge.Subscribe(ctx, sg, p.Subscription, req.Variables)
}

// planningErrorResponse maps planner failures onto a client-facing GraphQL
// error with the failure kind in extensions. No partial data: nothing ran.
func planningErrorResponse(err error) *graphql.Response {
	var perr *plan.PlanningError
	if pkgerrors.As(err, &perr) {
		return &graphql.Response{
			Errors: []graphql.Error{{
				Message:    perr.Message,
				Extensions: map[string]interface{}{"code": perr.Kind.String()},
			}},
		}
	}
	return graphql.ErrorResponse(err.Error())
}
