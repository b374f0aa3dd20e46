// Package graphql contains the GraphQL-over-HTTP wire shapes shared by the
// gateway front door and the execution engine.
package graphql

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var ErrEmptyRequest = errors.New("the provided request is empty")

// Request is the standard GraphQL HTTP request body.
type Request struct {
	Query         string          `json:"query"`
	OperationName string          `json:"operationName,omitempty"`
	Variables     json.RawMessage `json:"variables,omitempty"`
}

// UnmarshalHTTPRequest reads a GraphQL request from an incoming HTTP request body.
func UnmarshalHTTPRequest(r *http.Request, req *Request) error {
	if r == nil || r.Body == nil {
		return ErrEmptyRequest
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	return UnmarshalRequest(body, req)
}

// UnmarshalRequest reads a GraphQL request from a raw JSON body.
func UnmarshalRequest(data []byte, req *Request) error {
	if len(data) == 0 {
		return ErrEmptyRequest
	}
	if err := json.Unmarshal(data, req); err != nil {
		return fmt.Errorf("invalid graphql request body: %w", err)
	}
	if req.Query == "" {
		return ErrEmptyRequest
	}
	return nil
}
