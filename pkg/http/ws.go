package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jensneuse/abstractlogger"

	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/graphql"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/subscription"
)

const (
	protocolGraphQLTransportWS = "graphql-transport-ws"
	protocolGraphQLWS          = "graphql-ws"

	wsTypeConnectionInit      = "connection_init"
	wsTypeConnectionAck       = "connection_ack"
	wsTypeConnectionTerminate = "connection_terminate"
	wsTypeKeepAlive           = "ka"
	wsTypePing                = "ping"
	wsTypePong                = "pong"
	wsTypeSubscribe           = "subscribe"
	wsTypeStart               = "start"
	wsTypeNext                = "next"
	wsTypeData                = "data"
	wsTypeError               = "error"
	wsTypeComplete            = "complete"
	wsTypeStop                = "stop"
)

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (h *Handler) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", abstractlogger.Error(err))
		return
	}

	session := &wsSession{
		handler: h,
		conn:    conn,
		legacy:  conn.Subprotocol() == protocolGraphQLWS,
		subs:    make(map[string]*subscription.Channel),
	}
	session.serve(r.Context())
}

type wsSession struct {
	handler *Handler
	conn    *websocket.Conn
	legacy  bool

	writeMu sync.Mutex
	subsMu  sync.Mutex
	subs    map[string]*subscription.Channel
}

func (s *wsSession) serve(ctx context.Context) {
	defer s.teardown()

	if !s.awaitConnectionInit() {
		return
	}

	for {
		var msg wsMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case wsTypeSubscribe, wsTypeStart:
			s.handleSubscribe(ctx, msg)
		case wsTypeComplete, wsTypeStop:
			s.handleStop(msg.ID)
		case wsTypePing:
			s.write(wsMessage{Type: wsTypePong})
		case wsTypePong, wsTypeConnectionInit:
			// ignore
		case wsTypeConnectionTerminate:
			return
		}
	}
}

func (s *wsSession) awaitConnectionInit() bool {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.handler.connectionInitTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	var msg wsMessage
	if err := s.conn.ReadJSON(&msg); err != nil {
		return false
	}
	if msg.Type != wsTypeConnectionInit {
		s.closeWithReason(4400, "connection_init expected")
		return false
	}
	s.write(wsMessage{Type: wsTypeConnectionAck})
	if s.legacy {
		s.write(wsMessage{Type: wsTypeKeepAlive})
	}
	return true
}

func (s *wsSession) handleSubscribe(ctx context.Context, msg wsMessage) {
	if msg.ID == "" {
		s.closeWithReason(4400, "subscribe requires an id")
		return
	}
	s.subsMu.Lock()
	_, exists := s.subs[msg.ID]
	s.subsMu.Unlock()
	if exists {
		s.closeWithReason(4409, "subscriber for "+msg.ID+" already exists")
		return
	}

	var req graphql.Request
	if err := graphql.UnmarshalRequest(msg.Payload, &req); err != nil {
		s.writeError(msg.ID, "invalid subscribe payload: "+err.Error())
		return
	}

	ch, err := s.handler.exec.Subscribe(ctx, &req)
	if err != nil {
		s.writeError(msg.ID, err.Error())
		return
	}

	s.subsMu.Lock()
	s.subs[msg.ID] = ch
	s.subsMu.Unlock()

	go s.pump(msg.ID, ch)
}

func (s *wsSession) handleStop(id string) {
	s.subsMu.Lock()
	ch := s.subs[id]
	delete(s.subs, id)
	s.subsMu.Unlock()
	if ch != nil {
		ch.Cancel()
	}
}

// pump forwards one channel's events to the socket until the channel closes.
func (s *wsSession) pump(id string, ch *subscription.Channel) {
	nextType := wsTypeNext
	if s.legacy {
		nextType = wsTypeData
	}
	terminal := false
	for ev := range ch.Events() {
		switch ev.Kind {
		case subscription.EventData:
			s.write(wsMessage{ID: id, Type: nextType, Payload: ev.Payload})
		case subscription.EventError:
			s.write(wsMessage{ID: id, Type: wsTypeError, Payload: ev.Payload})
			terminal = true
		case subscription.EventComplete:
			s.write(wsMessage{ID: id, Type: wsTypeComplete})
			terminal = true
		case subscription.EventHeartbeat:
			if s.legacy {
				s.write(wsMessage{Type: wsTypeKeepAlive})
			}
		}
	}
	if !terminal {
		s.write(wsMessage{ID: id, Type: wsTypeComplete})
	}
	s.subsMu.Lock()
	delete(s.subs, id)
	s.subsMu.Unlock()
}

func (s *wsSession) write(msg wsMessage) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteJSON(msg)
}

func (s *wsSession) writeError(id, message string) {
	payload, _ := json.Marshal([]graphql.Error{{Message: message}})
	s.write(wsMessage{ID: id, Type: wsTypeError, Payload: payload})
}

func (s *wsSession) closeWithReason(code int, reason string) {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	s.writeMu.Unlock()
}

func (s *wsSession) teardown() {
	s.subsMu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		ch.Cancel()
	}
	s.subsMu.Unlock()
	_ = s.conn.Close()
}
