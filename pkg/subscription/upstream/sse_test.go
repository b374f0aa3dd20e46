package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, stream func(w http.ResponseWriter, flush func(), req Request)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		var req Request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		flusher, ok := w.(http.Flusher)
		assert.True(t, ok)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		stream(w, flusher.Flush, req)
	}))
	t.Cleanup(server.Close)
	return server
}

func nextUpstreamEvent(t *testing.T, conn Conn) Event {
	t.Helper()
	select {
	case ev, ok := <-conn.Events():
		require.True(t, ok, "event channel closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream event")
		return Event{}
	}
}

func expectClosed(t *testing.T, conn Conn) {
	t.Helper()
	select {
	case ev, ok := <-conn.Events():
		require.False(t, ok, "expected closed channel, got event %v", ev)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the event channel to close")
	}
}

func TestSSEDialStreamsDataEvents(t *testing.T) {
	server := sseServer(t, func(w http.ResponseWriter, flush func(), req Request) {
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "event: next\ndata: {\"data\":{\"tick\":1}}\n\n")
		fmt.Fprint(w, "data: {\"data\":{\"tick\":2}}\n\n")
		fmt.Fprint(w, "event: complete\n\n")
		flush()
	})

	conn, err := NewSSEDialer(nil).Dial(context.Background(), server.URL, Request{Query: "subscription { tick }"})
	require.NoError(t, err)
	defer conn.Close(context.Background())

	ev := nextUpstreamEvent(t, conn)
	assert.Equal(t, EventData, ev.Kind)
	assert.JSONEq(t, `{"data":{"tick":1}}`, string(ev.Payload))

	// untyped frames carry data too
	ev = nextUpstreamEvent(t, conn)
	assert.Equal(t, EventData, ev.Kind)
	assert.JSONEq(t, `{"data":{"tick":2}}`, string(ev.Payload))

	assert.Equal(t, EventComplete, nextUpstreamEvent(t, conn).Kind)
	expectClosed(t, conn)
}

func TestSSEDialDeliversTerminalErrors(t *testing.T) {
	server := sseServer(t, func(w http.ResponseWriter, flush func(), req Request) {
		fmt.Fprint(w, "event: error\ndata: [{\"message\":\"topic gone\"}]\n\n")
		flush()
	})

	conn, err := NewSSEDialer(nil).Dial(context.Background(), server.URL, Request{Query: "subscription { tick }"})
	require.NoError(t, err)
	defer conn.Close(context.Background())

	ev := nextUpstreamEvent(t, conn)
	assert.Equal(t, EventError, ev.Kind)
	assert.JSONEq(t, `[{"message":"topic gone"}]`, string(ev.Payload))
	expectClosed(t, conn)
}

func TestSSEDialForwardsRequestPayload(t *testing.T) {
	captured := make(chan Request, 1)
	server := sseServer(t, func(w http.ResponseWriter, flush func(), req Request) {
		captured <- req
		fmt.Fprint(w, "event: complete\n\n")
		flush()
	})

	conn, err := NewSSEDialer(nil).Dial(context.Background(), server.URL, Request{
		Query:         "subscription Updates($id: ID!) { userUpdated(id: $id) { name } }",
		OperationName: "Updates",
		Variables:     json.RawMessage(`{"id":"1"}`),
	})
	require.NoError(t, err)
	defer conn.Close(context.Background())

	req := <-captured
	assert.Equal(t, "Updates", req.OperationName)
	assert.Contains(t, req.Query, "userUpdated")
	assert.JSONEq(t, `{"id":"1"}`, string(req.Variables))
}

func TestSSEDialRejectsNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no subscriptions here", http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	_, err := NewSSEDialer(nil).Dial(context.Background(), server.URL, Request{Query: "subscription { tick }"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestSSECloseStopsStream(t *testing.T) {
	server := sseServer(t, func(w http.ResponseWriter, flush func(), req Request) {
		for i := 0; ; i++ {
			if _, err := fmt.Fprintf(w, "event: next\ndata: {\"data\":{\"tick\":%d}}\n\n", i); err != nil {
				return
			}
			flush()
			time.Sleep(5 * time.Millisecond)
		}
	})

	conn, err := NewSSEDialer(nil).Dial(context.Background(), server.URL, Request{Query: "subscription { tick }"})
	require.NoError(t, err)

	assert.Equal(t, EventData, nextUpstreamEvent(t, conn).Kind)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Close(ctx))
	expectClosed(t, conn)
}
