// Package upstream adapts the subscription transports subgraphs expose
// (graphql-ws over WebSocket, Server-Sent Events) into a single event-stream
// shape the bridge can consume uniformly.
package upstream

import (
	"context"
	"encoding/json"
)

type EventKind int

const (
	// EventData carries one {data, errors} frame.
	EventData EventKind = iota
	// EventError carries a terminal error payload for the subscription.
	EventError
	// EventComplete signals orderly end of the stream.
	EventComplete
)

type Event struct {
	Kind    EventKind
	Payload json.RawMessage
}

// Request is the subscription operation sent to the subgraph.
type Request struct {
	Query         string
	OperationName string
	Variables     json.RawMessage
}

// Conn is one live upstream subscription stream. The events channel closes
// when the underlying transport drops; a terminal event (error or complete)
// is delivered before the close when the upstream ended the stream itself.
type Conn interface {
	Events() <-chan Event
	// Close unsubscribes upstream and tears the transport down, waiting for
	// acknowledgement until ctx expires.
	Close(ctx context.Context) error
}

// Dialer opens a subscription stream against one subgraph endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string, req Request) (Conn, error)
}
