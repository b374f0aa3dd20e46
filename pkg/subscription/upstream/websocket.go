package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	ProtocolGraphQLTransportWS = "graphql-transport-ws"
	ProtocolGraphQLWS          = "graphql-ws"

	messageTypeConnectionInit = "connection_init"
	messageTypeConnectionAck  = "connection_ack"
	messageTypeKeepAlive      = "ka"
	messageTypePing           = "ping"
	messageTypePong           = "pong"
	messageTypeSubscribe      = "subscribe"
	messageTypeStart          = "start"
	messageTypeNext           = "next"
	messageTypeData           = "data"
	messageTypeError          = "error"
	messageTypeComplete       = "complete"
	messageTypeStop           = "stop"

	defaultAckWaitTimeout = 10 * time.Second
	eventBufferSize       = 16
)

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WebsocketDialer speaks graphql-transport-ws to the subgraph, falling back
// to the legacy graphql-ws message vocabulary when that is the subprotocol
// the server negotiated.
type WebsocketDialer struct {
	dialer         *websocket.Dialer
	ackWaitTimeout time.Duration
}

func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			Subprotocols:     []string{ProtocolGraphQLTransportWS, ProtocolGraphQLWS},
			HandshakeTimeout: defaultAckWaitTimeout,
		},
		ackWaitTimeout: defaultAckWaitTimeout,
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, rawURL string, req Request) (Conn, error) {
	wsURL, err := toWebsocketURL(rawURL)
	if err != nil {
		return nil, err
	}

	conn, resp, err := d.dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		return nil, errors.Wrapf(err, "dialing subscription endpoint %s", wsURL)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	legacy := conn.Subprotocol() == ProtocolGraphQLWS

	if err := conn.WriteJSON(wsMessage{Type: messageTypeConnectionInit}); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "sending connection_init")
	}
	if err := awaitAck(conn, d.ackWaitTimeout); err != nil {
		conn.Close()
		return nil, err
	}

	payload, err := json.Marshal(struct {
		Query         string          `json:"query"`
		OperationName string          `json:"operationName,omitempty"`
		Variables     json.RawMessage `json:"variables,omitempty"`
	}{Query: req.Query, OperationName: req.OperationName, Variables: req.Variables})
	if err != nil {
		conn.Close()
		return nil, err
	}
	startType := messageTypeSubscribe
	if legacy {
		startType = messageTypeStart
	}
	if err := conn.WriteJSON(wsMessage{ID: "1", Type: startType, Payload: payload}); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "sending subscribe")
	}

	c := &wsConn{
		conn:   conn,
		legacy: legacy,
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func awaitAck(conn *websocket.Conn, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return errors.Wrap(err, "waiting for connection_ack")
		}
		switch msg.Type {
		case messageTypeConnectionAck:
			return nil
		case messageTypeKeepAlive, messageTypePing:
			// servers may interleave these before the ack
			if msg.Type == messageTypePing {
				_ = conn.WriteJSON(wsMessage{Type: messageTypePong})
			}
		default:
			return errors.Errorf("expected connection_ack, got %q", msg.Type)
		}
	}
}

type wsConn struct {
	conn   *websocket.Conn
	legacy bool
	events chan Event

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) Events() <-chan Event { return c.events }

func (c *wsConn) readLoop() {
	defer close(c.events)
	for {
		var msg wsMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
				// expected after Close
			default:
			}
			return
		}
		switch msg.Type {
		case messageTypeNext, messageTypeData:
			c.events <- Event{Kind: EventData, Payload: msg.Payload}
		case messageTypeError:
			c.events <- Event{Kind: EventError, Payload: msg.Payload}
			return
		case messageTypeComplete:
			c.events <- Event{Kind: EventComplete}
			return
		case messageTypePing:
			c.write(wsMessage{Type: messageTypePong})
		case messageTypeKeepAlive, messageTypePong, messageTypeConnectionAck:
			// ignore
		}
	}
}

func (c *wsConn) write(msg wsMessage) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteJSON(msg)
}

func (c *wsConn) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		stopType := messageTypeComplete
		if c.legacy {
			stopType = messageTypeStop
		}
		c.write(wsMessage{ID: "1", Type: stopType})

		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(defaultAckWaitTimeout)
		}
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

func toWebsocketURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrapf(err, "parsing subscription URL %q", rawURL)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Errorf("unsupported subscription URL scheme %q", u.Scheme)
	}
	return u.String(), nil
}
