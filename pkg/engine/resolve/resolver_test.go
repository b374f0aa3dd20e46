package resolve

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/atomic"

	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/engine/plan"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/federation"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/subgraph"
)

const accountsSDL = `
type Query {
	me: User
	user(id: ID!): User
}

type User @key(fields: "id") {
	id: ID!
	name: String!
	email: String!
}
`

const reviewsSDL = `
type Query {
	topReviews(first: Int): [Review!]!
}

type Review @key(fields: "id") {
	id: ID!
	body: String!
	author: User!
}

extend type User @key(fields: "id") {
	id: ID! @external
	reviews: [Review!]!
}
`

type capturedRequest struct {
	Query     string          `json:"query"`
	Variables json.RawMessage `json:"variables"`
}

// subgraphServer answers every request with the handler's response and keeps
// a request log.
func subgraphServer(t *testing.T, respond func(req capturedRequest) string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	hits := atomic.NewInt64(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Inc()
		var req capturedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(respond(req)))
	}))
	t.Cleanup(server.Close)
	return server, hits
}

func buildSupergraph(t *testing.T, urls map[string]string) *federation.Supergraph {
	t.Helper()
	sdls := map[string]string{"accounts": accountsSDL, "reviews": reviewsSDL}
	var descriptors []*subgraph.Descriptor
	for name, sdl := range sdls {
		doc, err := subgraph.ParseSDL(name, sdl)
		require.NoError(t, err)
		descriptors = append(descriptors, &subgraph.Descriptor{
			Name:       name,
			RoutingURL: urls[name],
			SDL:        sdl,
			Schema:     doc,
		})
	}
	sg, err := federation.Compose(descriptors)
	require.NoError(t, err)
	return sg
}

func planQuery(t *testing.T, sg *federation.Supergraph, query string) *plan.Plan {
	t.Helper()
	p, err := plan.NewPlanner(plan.Config{}).Plan(sg, query, "")
	require.NoError(t, err)
	return p
}

func TestResolveSingleSubgraph(t *testing.T) {
	accounts, _ := subgraphServer(t, func(capturedRequest) string {
		return `{"data":{"me":{"name":"Ada","email":"ada@example.com"}}}`
	})
	sg := buildSupergraph(t, map[string]string{"accounts": accounts.URL, "reviews": "http://unused.invalid"})

	r := New(Options{})
	resp := r.Resolve(context.Background(), sg, planQuery(t, sg, `query { me { name email } }`), nil)

	require.Empty(t, resp.Errors)
	assert.Equal(t, "Ada", gjson.GetBytes(resp.Data, "me.name").String())
	assert.Equal(t, "ada@example.com", gjson.GetBytes(resp.Data, "me.email").String())
}

func TestResolveMergesInSelectionOrder(t *testing.T) {
	accounts, _ := subgraphServer(t, func(capturedRequest) string {
		time.Sleep(30 * time.Millisecond) // finish after reviews
		return `{"data":{"me":{"name":"Ada"}}}`
	})
	reviews, _ := subgraphServer(t, func(capturedRequest) string {
		return `{"data":{"topReviews":[{"body":"great"}]}}`
	})
	sg := buildSupergraph(t, map[string]string{"accounts": accounts.URL, "reviews": reviews.URL})

	r := New(Options{})
	resp := r.Resolve(context.Background(), sg, planQuery(t, sg, `query { me { name } topReviews { body } }`), nil)

	require.Empty(t, resp.Errors)
	// completion order must not leak into the response shape
	assert.True(t, strings.Index(string(resp.Data), `"me"`) < strings.Index(string(resp.Data), `"topReviews"`),
		"me must precede topReviews: %s", resp.Data)
}

func TestResolveBatchesEntityFetches(t *testing.T) {
	reviews, _ := subgraphServer(t, func(capturedRequest) string {
		return `{"data":{"topReviews":[
			{"body":"great","author":{"__typename":"User","id":"1"}},
			{"body":"meh","author":{"__typename":"User","id":"2"}}
		]}}`
	})
	accounts, accountHits := subgraphServer(t, func(req capturedRequest) string {
		require.Contains(t, req.Query, "_entities")
		reps := gjson.GetBytes(req.Variables, "representations").Array()
		require.Len(t, reps, 2)
		assert.Equal(t, "1", reps[0].Get("id").String())
		assert.Equal(t, "2", reps[1].Get("id").String())
		return `{"data":{"_entities":[{"name":"Ada"},{"name":"Bob"}]}}`
	})
	sg := buildSupergraph(t, map[string]string{"accounts": accounts.URL, "reviews": reviews.URL})

	r := New(Options{})
	resp := r.Resolve(context.Background(), sg, planQuery(t, sg, `query { topReviews { body author { name } } }`), nil)

	require.Empty(t, resp.Errors)
	// one batched hop for both authors, not one request per entity
	assert.Equal(t, int64(1), accountHits.Load())
	assert.Equal(t, "Ada", gjson.GetBytes(resp.Data, "topReviews.0.author.name").String())
	assert.Equal(t, "Bob", gjson.GetBytes(resp.Data, "topReviews.1.author.name").String())
	assert.Equal(t, "meh", gjson.GetBytes(resp.Data, "topReviews.1.body").String())
}

func TestResolvePartialFailure(t *testing.T) {
	accounts, _ := subgraphServer(t, func(capturedRequest) string {
		return `{"data":{"me":{"name":"Ada"}}}`
	})
	reviews := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(reviews.Close)
	sg := buildSupergraph(t, map[string]string{"accounts": accounts.URL, "reviews": reviews.URL})

	r := New(Options{})
	resp := r.Resolve(context.Background(), sg, planQuery(t, sg, `query { me { name } topReviews { body } }`), nil)

	// healthy span still delivers
	assert.Equal(t, "Ada", gjson.GetBytes(resp.Data, "me.name").String())
	assert.True(t, gjson.GetBytes(resp.Data, "topReviews").Type == gjson.Null)

	require.Len(t, resp.Errors, 1)
	assert.Equal(t, []interface{}{"topReviews"}, resp.Errors[0].Path)
	assert.Equal(t, "reviews", resp.Errors[0].Extensions["subgraph"])
}

func TestResolveForwardsSubgraphErrors(t *testing.T) {
	accounts, _ := subgraphServer(t, func(capturedRequest) string {
		return `{"data":{"me":null},"errors":[{"message":"user service degraded"}]}`
	})
	sg := buildSupergraph(t, map[string]string{"accounts": accounts.URL, "reviews": "http://unused.invalid"})

	r := New(Options{})
	resp := r.Resolve(context.Background(), sg, planQuery(t, sg, `query { me { name } }`), nil)

	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "user service degraded", resp.Errors[0].Message)
	assert.Equal(t, "accounts", resp.Errors[0].Extensions["subgraph"])
}

func TestResolveForwardsOnlyUsedVariables(t *testing.T) {
	accounts, _ := subgraphServer(t, func(req capturedRequest) string {
		assert.Equal(t, "42", gjson.GetBytes(req.Variables, "id").String())
		assert.False(t, gjson.GetBytes(req.Variables, "unused").Exists())
		return `{"data":{"user":{"name":"Ada"}}}`
	})
	sg := buildSupergraph(t, map[string]string{"accounts": accounts.URL, "reviews": "http://unused.invalid"})

	r := New(Options{})
	p, err := plan.NewPlanner(plan.Config{}).Plan(sg, `query Lookup($id: ID!) { user(id: $id) { name } }`, "Lookup")
	require.NoError(t, err)

	resp := r.Resolve(context.Background(), sg, p, json.RawMessage(`{"id":"42","unused":true}`))
	require.Empty(t, resp.Errors)
	assert.Equal(t, "Ada", gjson.GetBytes(resp.Data, "user.name").String())
}

func TestResolveRetriesTransientFailures(t *testing.T) {
	attempts := atomic.NewInt64(0)
	accounts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Inc() <= 2 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"me":{"name":"Ada"}}}`))
	}))
	t.Cleanup(accounts.Close)
	sg := buildSupergraph(t, map[string]string{"accounts": accounts.URL, "reviews": "http://unused.invalid"})

	r := New(Options{MaxRetries: 2})
	resp := r.Resolve(context.Background(), sg, planQuery(t, sg, `query { me { name } }`), nil)

	require.Empty(t, resp.Errors)
	assert.Equal(t, int64(3), attempts.Load())
	assert.Equal(t, "Ada", gjson.GetBytes(resp.Data, "me.name").String())
}

func TestResolveDoesNotRetryHardFailures(t *testing.T) {
	attempts := atomic.NewInt64(0)
	accounts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Inc()
		http.Error(w, "no", http.StatusForbidden)
	}))
	t.Cleanup(accounts.Close)
	sg := buildSupergraph(t, map[string]string{"accounts": accounts.URL, "reviews": "http://unused.invalid"})

	r := New(Options{MaxRetries: 2})
	resp := r.Resolve(context.Background(), sg, planQuery(t, sg, `query { me { name } }`), nil)

	assert.Equal(t, int64(1), attempts.Load())
	require.NotEmpty(t, resp.Errors)
}

func TestCollectSitesFansOutOverArrays(t *testing.T) {
	data := []byte(`{"a":[{"b":{"id":1}},{"b":{"id":2}},{"b":null}]}`)
	sites := collectSites(data, []string{"a", "b"})
	require.Len(t, sites, 2)
	assert.Equal(t, "a.0.b", sites[0].path)
	assert.Equal(t, "a.1.b", sites[1].path)
}

func TestResolveCancellationAbortsFetches(t *testing.T) {
	accounts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background connection
		// read; otherwise it never notices the client hanging up and
		// r.Context() stays open, deadlocking Close in cleanup.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	t.Cleanup(accounts.Close)
	sg := buildSupergraph(t, map[string]string{"accounts": accounts.URL, "reviews": "http://unused.invalid"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	r := New(Options{})
	start := time.Now()
	resp := r.Resolve(ctx, sg, planQuery(t, sg, `query { me { name } }`), nil)
	assert.Less(t, time.Since(start), 2*time.Second, "cancellation must abort the in-flight fetch")
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, []interface{}{"me"}, resp.Errors[0].Path)
}
