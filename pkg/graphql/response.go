package graphql

import (
	"encoding/json"
)

// Response is the standard GraphQL HTTP response body.
// Data is kept raw so partial results can be merged without re-decoding.
type Response struct {
	Data   json.RawMessage `json:"data"`
	Errors []Error         `json:"errors,omitempty"`
}

// Error is a GraphQL response error in the standard wire format.
type Error struct {
	Message    string                 `json:"message"`
	Locations  []Location             `json:"locations,omitempty"`
	Path       []interface{}          `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

func (e Error) Error() string {
	return e.Message
}

// Location points at a position within the request document.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// ErrorResponse builds a data-less response from top level error messages.
func ErrorResponse(messages ...string) *Response {
	resp := &Response{Data: json.RawMessage("null")}
	for _, msg := range messages {
		resp.Errors = append(resp.Errors, Error{Message: msg})
	}
	return resp
}

// SubgraphError annotates an error with the subgraph it originated from.
func SubgraphError(subgraph, message string, path []interface{}) Error {
	return Error{
		Message: message,
		Path:    path,
		Extensions: map[string]interface{}{
			"subgraph": subgraph,
		},
	}
}

// PathFromStrings converts a field path into the interface slice shape the
// error format requires.
func PathFromStrings(path []string) []interface{} {
	if len(path) == 0 {
		return nil
	}
	out := make([]interface{}, len(path))
	for i, p := range path {
		out[i] = p
	}
	return out
}
