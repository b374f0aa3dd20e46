// Package subscription bridges client subscriptions onto the transport each
// subgraph actually speaks. The client sees a uniform event stream; whether
// the upstream is graphql-ws over WebSocket or Server-Sent Events is decided
// per subgraph by its descriptor.
package subscription

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jensneuse/abstractlogger"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/engine/plan"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/federation"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/subgraph"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/subscription/upstream"
)

type ChannelState int32

const (
	StateInitiating ChannelState = iota
	StateActive
	StateDraining
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateInitiating:
		return "initiating"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	// EventData carries one {data, errors} frame for the client.
	EventData EventKind = iota
	// EventError is terminal; the channel closes after delivering it.
	EventError
	// EventComplete signals orderly end of the subscription.
	EventComplete
	// EventHeartbeat is a keep-alive; transports that don't need one drop it.
	EventHeartbeat
)

type Event struct {
	Kind    EventKind
	Payload json.RawMessage
}

// Channel is one client subscription bound to an upstream stream. The events
// channel closes once the channel reaches StateClosed.
type Channel struct {
	id     string
	state  *atomic.Int32
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *Channel) ID() string           { return c.id }
func (c *Channel) Events() <-chan Event { return c.events }
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) State() ChannelState {
	return ChannelState(c.state.Load())
}

// Cancel unsubscribes: the upstream connection is drained and the channel
// moves to StateClosed. Safe to call more than once.
func (c *Channel) Cancel() {
	c.cancel()
}

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultDrainTimeout      = 5 * time.Second
	DefaultRetryBudget       = 5
	DefaultRetryBackoff      = 500 * time.Millisecond

	channelBufferSize = 16
)

type Options struct {
	Logger            abstractlogger.Logger
	WebsocketDialer   upstream.Dialer
	SSEDialer         upstream.Dialer
	HeartbeatInterval time.Duration
	DrainTimeout      time.Duration
	// RetryBudget bounds reconnect attempts after a dropped upstream
	// transport; terminal upstream events are never retried.
	RetryBudget  int
	RetryBackoff time.Duration
}

type Bridge struct {
	log          abstractlogger.Logger
	dialers      map[subgraph.SubscriptionProtocol]upstream.Dialer
	heartbeat    time.Duration
	drainTimeout time.Duration
	retryBudget  int
	retryBackoff time.Duration

	mu       sync.Mutex
	channels map[string]*Channel
}

func NewBridge(opts Options) *Bridge {
	if opts.Logger == nil {
		opts.Logger = abstractlogger.NoopLogger
	}
	if opts.WebsocketDialer == nil {
		opts.WebsocketDialer = upstream.NewWebsocketDialer()
	}
	if opts.SSEDialer == nil {
		opts.SSEDialer = upstream.NewSSEDialer(nil)
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = DefaultRetryBudget
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	return &Bridge{
		log: opts.Logger,
		dialers: map[subgraph.SubscriptionProtocol]upstream.Dialer{
			subgraph.SubscriptionProtocolWebsocket: opts.WebsocketDialer,
			subgraph.SubscriptionProtocolSSE:       opts.SSEDialer,
		},
		heartbeat:    opts.HeartbeatInterval,
		drainTimeout: opts.DrainTimeout,
		retryBudget:  opts.RetryBudget,
		retryBackoff: opts.RetryBackoff,
		channels:     make(map[string]*Channel),
	}
}

// Subscribe opens an upstream stream for the planned subscription and returns
// the client-facing channel. The channel is torn down when ctx is canceled,
// when Cancel is called, or when the upstream ends the stream.
func (b *Bridge) Subscribe(ctx context.Context, sg *federation.Supergraph, sp *plan.SubscriptionPlan, variables json.RawMessage) (*Channel, error) {
	desc := sg.Subgraph(sp.Subgraph)
	if desc == nil {
		return nil, errors.Errorf("subgraph %q is no longer registered", sp.Subgraph)
	}
	if desc.SubscriptionProtocol == subgraph.SubscriptionProtocolNone || desc.SubscriptionURL == "" {
		return nil, errors.Errorf("subgraph %q does not advertise a subscription transport", sp.Subgraph)
	}
	dialer, ok := b.dialers[desc.SubscriptionProtocol]
	if !ok {
		return nil, errors.Errorf("no dialer for subscription protocol %q", desc.SubscriptionProtocol)
	}

	chanCtx, cancel := context.WithCancel(ctx)
	ch := &Channel{
		id:     uuid.New().String(),
		state:  atomic.NewInt32(int32(StateInitiating)),
		events: make(chan Event, channelBufferSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	req := upstream.Request{Query: sp.Operation, Variables: variables}

	conn, err := dialer.Dial(chanCtx, desc.SubscriptionURL, req)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "opening subscription to subgraph %q", sp.Subgraph)
	}
	ch.state.Store(int32(StateActive))

	b.mu.Lock()
	b.channels[ch.id] = ch
	b.mu.Unlock()

	b.log.Debug("subscription channel opened",
		abstractlogger.String("channel", ch.id),
		abstractlogger.String("subgraph", sp.Subgraph),
		abstractlogger.String("protocol", string(desc.SubscriptionProtocol)),
	)

	go b.run(chanCtx, ch, conn, dialer, desc.SubscriptionURL, req)
	return ch, nil
}

// Channel returns a live channel by id, nil if unknown or already closed.
func (b *Bridge) Channel(id string) *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels[id]
}

func (b *Bridge) ActiveChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

func (b *Bridge) run(ctx context.Context, ch *Channel, conn upstream.Conn, dialer upstream.Dialer, url string, req upstream.Request) {
	defer b.finish(ch)

	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-ctx.Done():
			b.drain(ch, conn)
			return

		case <-ticker.C:
			select {
			case ch.events <- Event{Kind: EventHeartbeat}:
			default:
				// client writer is behind; skipping a heartbeat is harmless
			}

		case ev, ok := <-conn.Events():
			if !ok {
				next := b.reconnect(ctx, ch, dialer, url, req, &retries)
				if next == nil {
					if ctx.Err() == nil {
						b.forward(ctx, ch, Event{Kind: EventError, Payload: json.RawMessage(`[{"message":"upstream subscription connection lost"}]`)})
					}
					b.drain(ch, conn)
					return
				}
				conn = next
				continue
			}
			switch ev.Kind {
			case upstream.EventData:
				retries = 0
				b.forward(ctx, ch, Event{Kind: EventData, Payload: ev.Payload})
			case upstream.EventError:
				b.forward(ctx, ch, Event{Kind: EventError, Payload: ev.Payload})
				b.drain(ch, conn)
				return
			case upstream.EventComplete:
				b.forward(ctx, ch, Event{Kind: EventComplete})
				b.drain(ch, conn)
				return
			}
		}
	}
}

func (b *Bridge) forward(ctx context.Context, ch *Channel, ev Event) {
	select {
	case ch.events <- ev:
	case <-ctx.Done():
	}
}

// reconnect re-dials a dropped upstream with exponential backoff, up to the
// retry budget. The client-facing channel stays open throughout.
func (b *Bridge) reconnect(ctx context.Context, ch *Channel, dialer upstream.Dialer, url string, req upstream.Request, retries *int) upstream.Conn {
	for *retries < b.retryBudget {
		*retries++
		backoff := b.retryBackoff << (*retries - 1)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		conn, err := dialer.Dial(ctx, url, req)
		if err == nil {
			b.log.Debug("subscription channel reconnected",
				abstractlogger.String("channel", ch.id),
				abstractlogger.Int("attempt", *retries),
			)
			return conn
		}
		b.log.Warn("subscription reconnect failed",
			abstractlogger.String("channel", ch.id),
			abstractlogger.Int("attempt", *retries),
			abstractlogger.Error(err),
		)
	}
	return nil
}

func (b *Bridge) drain(ch *Channel, conn upstream.Conn) {
	ch.state.Store(int32(StateDraining))
	drainCtx, cancel := context.WithTimeout(context.Background(), b.drainTimeout)
	defer cancel()
	if err := conn.Close(drainCtx); err != nil {
		b.log.Debug("upstream close failed",
			abstractlogger.String("channel", ch.id),
			abstractlogger.Error(err),
		)
	}
}

func (b *Bridge) finish(ch *Channel) {
	ch.state.Store(int32(StateClosed))
	b.mu.Lock()
	delete(b.channels, ch.id)
	b.mu.Unlock()
	close(ch.events)
	close(ch.done)
	b.log.Debug("subscription channel closed", abstractlogger.String("channel", ch.id))
}
