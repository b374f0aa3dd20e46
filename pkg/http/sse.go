package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/engine/plan"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/graphql"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/subscription"
)

// serveSSE streams a subscription as Server-Sent Events. Queries and
// mutations over an event-stream request execute once and stream a single
// next frame followed by complete.
func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request) {
	req, err := sseRequest(r)
	if err != nil {
		writeResponse(w, http.StatusBadRequest, graphql.ErrorResponse("bad request: "+err.Error()))
		return
	}
	doc, err := plan.ParseQuery(req.Query)
	if err != nil {
		writeResponse(w, http.StatusBadRequest, graphql.ErrorResponse("parsing query: "+err.Error()))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream := &sseStream{w: w, flusher: flusher}

	if operationType(doc, req.OperationName) != ast.Subscription {
		resp := h.exec.Execute(r.Context(), req)
		payload, _ := json.Marshal(resp)
		stream.event("next", payload)
		stream.event("complete", nil)
		return
	}

	ch, err := h.exec.Subscribe(r.Context(), req)
	if err != nil {
		payload, _ := json.Marshal(graphql.ErrorResponse(err.Error()))
		stream.event("next", payload)
		stream.event("complete", nil)
		return
	}
	defer ch.Cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch.Events():
			if !open {
				stream.event("complete", nil)
				return
			}
			switch ev.Kind {
			case subscription.EventData:
				stream.event("next", ev.Payload)
			case subscription.EventHeartbeat:
				stream.comment("keep-alive")
			case subscription.EventError:
				payload, _ := json.Marshal(struct {
					Errors json.RawMessage `json:"errors"`
				}{Errors: ev.Payload})
				stream.event("next", payload)
				stream.event("complete", nil)
				return
			case subscription.EventComplete:
				stream.event("complete", nil)
				return
			}
		}
	}
}

func sseRequest(r *http.Request) (*graphql.Request, error) {
	if r.Method == http.MethodPost {
		var req graphql.Request
		if err := graphql.UnmarshalHTTPRequest(r, &req); err != nil {
			return nil, err
		}
		return &req, nil
	}
	q := r.URL.Query()
	req := &graphql.Request{
		Query:         q.Get("query"),
		OperationName: q.Get("operationName"),
	}
	if vars := q.Get("variables"); vars != "" {
		req.Variables = json.RawMessage(vars)
	}
	if req.Query == "" {
		return nil, graphql.ErrEmptyRequest
	}
	return req, nil
}

type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseStream) event(name string, data []byte) {
	if len(data) > 0 {
		fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data)
	} else {
		fmt.Fprintf(s.w, "event: %s\ndata:\n\n", name)
	}
	s.flusher.Flush()
}

func (s *sseStream) comment(text string) {
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.flusher.Flush()
}
