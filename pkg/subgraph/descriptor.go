// Package subgraph implements the registry of federated services: their
// routing endpoints, declared schemas, and the rebuild trigger that keeps the
// composed supergraph in sync with schema refreshes.
package subgraph

import (
	"fmt"
	"time"

	"github.com/vektah/gqlparser/v2/ast"
)

// SubscriptionProtocol declares how a subgraph exposes subscriptions, if at all.
type SubscriptionProtocol string

const (
	SubscriptionProtocolNone      SubscriptionProtocol = "none"
	SubscriptionProtocolWebsocket SubscriptionProtocol = "websocket"
	SubscriptionProtocolSSE       SubscriptionProtocol = "sse"
)

// Descriptor identifies one federated service. A descriptor is immutable once
// stored; refreshes replace it wholesale.
type Descriptor struct {
	Name                 string
	RoutingURL           string
	SubscriptionURL      string
	SubscriptionProtocol SubscriptionProtocol
	SDL                  string
	Schema               *ast.SchemaDocument
	FetchedAt            time.Time
}

// Copy returns a shallow copy. The schema document is shared, it is never
// mutated after parsing.
func (d *Descriptor) Copy() *Descriptor {
	cp := *d
	return &cp
}

type DuplicateSubgraphNameError struct {
	Name string
}

func (e *DuplicateSubgraphNameError) Error() string {
	return fmt.Sprintf("subgraph %q is already registered", e.Name)
}

type UnknownSubgraphError struct {
	Name string
}

func (e *UnknownSubgraphError) Error() string {
	return fmt.Sprintf("subgraph %q is not registered", e.Name)
}

// SubgraphUnreachableError indicates a transient fetch failure. The caller may
// retry; the previously stored descriptor stays valid.
type SubgraphUnreachableError struct {
	Name string
	URL  string
	Err  error
}

func (e *SubgraphUnreachableError) Error() string {
	return fmt.Sprintf("subgraph %q unreachable at %s: %v", e.Name, e.URL, e.Err)
}

func (e *SubgraphUnreachableError) Unwrap() error {
	return e.Err
}

// SchemaFetchInvalidError indicates the subgraph answered with malformed SDL.
// Retrying without operator intervention will not help.
type SchemaFetchInvalidError struct {
	Name string
	Err  error
}

func (e *SchemaFetchInvalidError) Error() string {
	return fmt.Sprintf("subgraph %q returned an invalid schema: %v", e.Name, e.Err)
}

func (e *SchemaFetchInvalidError) Unwrap() error {
	return e.Err
}
