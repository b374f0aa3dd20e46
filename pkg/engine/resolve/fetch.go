package resolve

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/engine/plan"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/federation"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/graphql"
)

// Client performs a single GraphQL POST against a subgraph URL.
type Client interface {
	Do(ctx context.Context, url string, body []byte) ([]byte, error)
}

type HTTPClient struct {
	client *http.Client
}

func NewHTTPClient(client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPClient{client: client}
}

func (h *HTTPClient) Do(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return raw, nil
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return nil, &transientError{err: errors.Errorf("subgraph returned status %d", resp.StatusCode)}
	default:
		return nil, errors.Errorf("subgraph returned status %d", resp.StatusCode)
	}
}

// transientError marks failures worth retrying: upstream gateway statuses and
// network-level faults.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// fetchNode sends one plan node's request to its subgraph, retrying transient
// failures up to the resolver's retry budget. The returned error is a
// transport failure; GraphQL-level errors come back tagged with the subgraph
// name.
func (r *Resolver) fetchNode(ctx context.Context, sg *federation.Supergraph, node *plan.FetchNode, body []byte) ([]byte, []graphql.Error, error) {
	desc := sg.Subgraph(node.Subgraph)
	if desc == nil {
		return nil, nil, errors.Errorf("subgraph %q is no longer registered", node.Subgraph)
	}

	var raw []byte
	var err error
	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.nodeTimeout)
		raw, err = r.client.Do(attemptCtx, desc.RoutingURL, body)
		cancel()
		if err == nil || attempt >= r.maxRetries || !isTransient(err) || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * retryBackoff):
		}
	}
	if err != nil {
		return nil, nil, err
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphql.Error `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, nil, errors.Wrap(err, "decoding subgraph response")
	}
	errs := tagSubgraph(envelope.Errors, node.Subgraph)
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil, errs, nil
	}
	return envelope.Data, errs, nil
}

func tagSubgraph(errs []graphql.Error, subgraph string) []graphql.Error {
	for i := range errs {
		if errs[i].Extensions == nil {
			errs[i].Extensions = make(map[string]interface{})
		}
		errs[i].Extensions["subgraph"] = subgraph
	}
	return errs
}

// requestBody assembles {"query": ..., "variables": {...}} forwarding only
// the variables the plan node actually uses.
func requestBody(operation string, varNames []string, clientVars json.RawMessage) ([]byte, error) {
	body, err := sjson.SetBytes([]byte(`{}`), "query", operation)
	if err != nil {
		return nil, err
	}
	if len(varNames) == 0 || len(clientVars) == 0 {
		return body, nil
	}
	vars := gjson.ParseBytes(clientVars)
	for _, name := range varNames {
		v := vars.Get(name)
		if !v.Exists() {
			continue
		}
		body, err = sjson.SetRawBytes(body, "variables."+name, []byte(v.Raw))
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}

func entityRequestBody(operation string, varNames []string, clientVars json.RawMessage, reps []json.RawMessage) ([]byte, error) {
	body, err := requestBody(operation, varNames, clientVars)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, rep := range reps {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(rep)
	}
	buf.WriteByte(']')
	return sjson.SetRawBytes(body, "variables.representations", buf.Bytes())
}
