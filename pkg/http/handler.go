// Package http is the gateway front door: GraphQL over plain HTTP POST for
// queries and mutations, WebSocket or Server-Sent Events for subscriptions.
// It stays thin; planning and execution live behind the Executor.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jensneuse/abstractlogger"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/engine/plan"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/graphql"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/subscription"
)

// Executor is what the front door needs from the gateway core.
type Executor interface {
	Execute(ctx context.Context, req *graphql.Request) *graphql.Response
	Subscribe(ctx context.Context, req *graphql.Request) (*subscription.Channel, error)
}

type Handler struct {
	exec     Executor
	log      abstractlogger.Logger
	upgrader websocket.Upgrader

	connectionInitTimeout time.Duration
}

func NewHandler(exec Executor, logger abstractlogger.Logger) *Handler {
	if logger == nil {
		logger = abstractlogger.NoopLogger
	}
	return &Handler{
		exec: exec,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{protocolGraphQLTransportWS, protocolGraphQLWS},
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		connectionInitTimeout: 10 * time.Second,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case websocket.IsWebSocketUpgrade(r):
		h.serveWebsocket(w, r)
	case acceptsEventStream(r):
		h.serveSSE(w, r)
	case r.Method == http.MethodPost:
		h.servePost(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) servePost(w http.ResponseWriter, r *http.Request) {
	var req graphql.Request
	if err := graphql.UnmarshalHTTPRequest(r, &req); err != nil {
		writeResponse(w, http.StatusBadRequest, graphql.ErrorResponse("bad request: "+err.Error()))
		return
	}

	doc, err := plan.ParseQuery(req.Query)
	if err != nil {
		writeResponse(w, http.StatusBadRequest, graphql.ErrorResponse("parsing query: "+err.Error()))
		return
	}
	if operationType(doc, req.OperationName) == ast.Subscription {
		writeResponse(w, http.StatusBadRequest, graphql.ErrorResponse(
			"subscriptions are not supported over plain HTTP; connect via WebSocket or text/event-stream"))
		return
	}

	resp := h.exec.Execute(r.Context(), &req)
	writeResponse(w, http.StatusOK, resp)
}

func operationType(doc *ast.QueryDocument, operationName string) ast.Operation {
	if operationName != "" {
		if op := doc.Operations.ForName(operationName); op != nil {
			return op.Operation
		}
	}
	if len(doc.Operations) > 0 {
		return doc.Operations[0].Operation
	}
	return ast.Query
}

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func writeResponse(w http.ResponseWriter, status int, resp *graphql.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
