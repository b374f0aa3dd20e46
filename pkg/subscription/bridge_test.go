package subscription

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/engine/plan"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/federation"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/subgraph"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/subscription/upstream"
)

const accountsSDL = `
type Query {
	me: User
}

type Subscription {
	userUpdated(id: ID!): User!
}

type User @key(fields: "id") {
	id: ID!
	name: String!
}
`

type fakeConn struct {
	events chan upstream.Event
	closed *atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan upstream.Event, 8),
		closed: atomic.NewBool(false),
	}
}

func (c *fakeConn) Events() <-chan upstream.Event { return c.events }

func (c *fakeConn) Close(context.Context) error {
	c.closed.Store(true)
	return nil
}

type fakeDialer struct {
	conns chan *fakeConn
	dials *atomic.Int64
}

func newFakeDialer(conns ...*fakeConn) *fakeDialer {
	d := &fakeDialer{
		conns: make(chan *fakeConn, len(conns)),
		dials: atomic.NewInt64(0),
	}
	for _, c := range conns {
		d.conns <- c
	}
	return d
}

func (d *fakeDialer) Dial(context.Context, string, upstream.Request) (upstream.Conn, error) {
	d.dials.Inc()
	select {
	case c := <-d.conns:
		return c, nil
	default:
		return nil, errors.New("upstream unavailable")
	}
}

func subscriptionFixture(t *testing.T) (*federation.Supergraph, *plan.SubscriptionPlan) {
	t.Helper()
	doc, err := subgraph.ParseSDL("accounts", accountsSDL)
	require.NoError(t, err)
	sg, err := federation.Compose([]*subgraph.Descriptor{{
		Name:                 "accounts",
		RoutingURL:           "http://accounts.internal/graphql",
		SubscriptionURL:      "ws://accounts.internal/graphql",
		SubscriptionProtocol: subgraph.SubscriptionProtocolWebsocket,
		SDL:                  accountsSDL,
		Schema:               doc,
	}})
	require.NoError(t, err)

	built, err := plan.NewPlanner(plan.Config{}).Plan(sg, `subscription { userUpdated(id: "1") { name } }`, "")
	require.NoError(t, err)
	require.NotNil(t, built.Subscription)
	return sg, built.Subscription
}

func testBridge(dialer upstream.Dialer) *Bridge {
	return NewBridge(Options{
		WebsocketDialer:   dialer,
		HeartbeatInterval: time.Hour, // out of the way unless a test wants it
		DrainTimeout:      100 * time.Millisecond,
		RetryBudget:       2,
		RetryBackoff:      5 * time.Millisecond,
	})
}

func nextEvent(t *testing.T, ch *Channel) Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		require.True(t, ok, "channel closed while waiting for an event")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func waitClosed(t *testing.T, ch *Channel) {
	t.Helper()
	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel teardown")
	}
}

func TestBridgeForwardsEvents(t *testing.T) {
	sg, sp := subscriptionFixture(t)
	conn := newFakeConn()
	bridge := testBridge(newFakeDialer(conn))

	ch, err := bridge.Subscribe(context.Background(), sg, sp, nil)
	require.NoError(t, err)
	assert.Equal(t, StateActive, ch.State())
	assert.Equal(t, 1, bridge.ActiveChannels())

	conn.events <- upstream.Event{Kind: upstream.EventData, Payload: json.RawMessage(`{"data":{"userUpdated":{"name":"Ada"}}}`)}
	ev := nextEvent(t, ch)
	assert.Equal(t, EventData, ev.Kind)
	assert.JSONEq(t, `{"data":{"userUpdated":{"name":"Ada"}}}`, string(ev.Payload))

	conn.events <- upstream.Event{Kind: upstream.EventComplete}
	assert.Equal(t, EventComplete, nextEvent(t, ch).Kind)

	waitClosed(t, ch)
	assert.Equal(t, StateClosed, ch.State())
	assert.True(t, conn.closed.Load(), "upstream must be drained on completion")
	assert.Equal(t, 0, bridge.ActiveChannels())
}

func TestBridgeTerminalErrorClosesChannel(t *testing.T) {
	sg, sp := subscriptionFixture(t)
	conn := newFakeConn()
	bridge := testBridge(newFakeDialer(conn))

	ch, err := bridge.Subscribe(context.Background(), sg, sp, nil)
	require.NoError(t, err)

	conn.events <- upstream.Event{Kind: upstream.EventError, Payload: json.RawMessage(`[{"message":"topic gone"}]`)}
	ev := nextEvent(t, ch)
	assert.Equal(t, EventError, ev.Kind)
	assert.Contains(t, string(ev.Payload), "topic gone")

	waitClosed(t, ch)
	assert.True(t, conn.closed.Load())
}

func TestBridgeReconnectsAfterTransportDrop(t *testing.T) {
	sg, sp := subscriptionFixture(t)
	first := newFakeConn()
	second := newFakeConn()
	dialer := newFakeDialer(first, second)
	bridge := testBridge(dialer)

	ch, err := bridge.Subscribe(context.Background(), sg, sp, nil)
	require.NoError(t, err)

	// transport drop without a terminal event: the client channel survives
	close(first.events)
	second.events <- upstream.Event{Kind: upstream.EventData, Payload: json.RawMessage(`{"data":{}}`)}

	ev := nextEvent(t, ch)
	assert.Equal(t, EventData, ev.Kind)
	assert.Equal(t, int64(2), dialer.dials.Load())

	ch.Cancel()
	waitClosed(t, ch)
}

func TestBridgeRetryBudgetExhausted(t *testing.T) {
	sg, sp := subscriptionFixture(t)
	conn := newFakeConn()
	bridge := testBridge(newFakeDialer(conn)) // no replacement conns

	ch, err := bridge.Subscribe(context.Background(), sg, sp, nil)
	require.NoError(t, err)

	close(conn.events)

	ev := nextEvent(t, ch)
	assert.Equal(t, EventError, ev.Kind)
	assert.Contains(t, string(ev.Payload), "connection lost")
	waitClosed(t, ch)
}

func TestBridgeCancelDrainsUpstream(t *testing.T) {
	sg, sp := subscriptionFixture(t)
	conn := newFakeConn()
	bridge := testBridge(newFakeDialer(conn))

	ch, err := bridge.Subscribe(context.Background(), sg, sp, nil)
	require.NoError(t, err)

	ch.Cancel()
	waitClosed(t, ch)
	assert.True(t, conn.closed.Load())
	assert.Equal(t, 0, bridge.ActiveChannels())
}

func TestBridgeContextCancellation(t *testing.T) {
	sg, sp := subscriptionFixture(t)
	conn := newFakeConn()
	bridge := testBridge(newFakeDialer(conn))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bridge.Subscribe(ctx, sg, sp, nil)
	require.NoError(t, err)

	cancel()
	waitClosed(t, ch)
	assert.True(t, conn.closed.Load())
}

func TestBridgeHeartbeat(t *testing.T) {
	sg, sp := subscriptionFixture(t)
	conn := newFakeConn()
	bridge := NewBridge(Options{
		WebsocketDialer:   newFakeDialer(conn),
		HeartbeatInterval: 10 * time.Millisecond,
	})

	ch, err := bridge.Subscribe(context.Background(), sg, sp, nil)
	require.NoError(t, err)
	defer ch.Cancel()

	assert.Equal(t, EventHeartbeat, nextEvent(t, ch).Kind)
}

func TestBridgeRejectsSubgraphWithoutTransport(t *testing.T) {
	doc, err := subgraph.ParseSDL("accounts", accountsSDL)
	require.NoError(t, err)
	sg, err := federation.Compose([]*subgraph.Descriptor{{
		Name:       "accounts",
		RoutingURL: "http://accounts.internal/graphql",
		SDL:        accountsSDL,
		Schema:     doc,
	}})
	require.NoError(t, err)

	built, err := plan.NewPlanner(plan.Config{}).Plan(sg, `subscription { userUpdated(id: "1") { name } }`, "")
	require.NoError(t, err)

	bridge := testBridge(newFakeDialer())
	_, err = bridge.Subscribe(context.Background(), sg, built.Subscription, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscription transport")
}

func TestChannelStateString(t *testing.T) {
	assert.Equal(t, "initiating", StateInitiating.String())
	assert.Equal(t, "closed", StateClosed.String())
}
