package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/subgraph"
)

// AdminRouter exposes the operator surface: subgraph lifecycle, supergraph
// inspection and health. Composition failures surface here, never to
// GraphQL clients.
func (g *Gateway) AdminRouter() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", g.handleHealth)
	r.Get("/supergraph", g.handleSupergraph)
	r.Get("/subgraphs", g.handleListSubgraphs)
	r.Post("/subgraphs", g.handleRegisterSubgraph)
	r.Post("/subgraphs/{name}/refresh", g.handleRefreshSubgraph)
	r.Delete("/subgraphs/{name}", g.handleDeregisterSubgraph)
	return r
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":              "ok",
		"subgraphs":           len(g.registry.List()),
		"activeSubscriptions": g.bridge.ActiveChannels(),
	}
	if g.current.Load() == nil {
		status["status"] = "no supergraph"
	}
	if err := g.lastComposeErr.Load(); err != nil {
		status["compositionError"] = err.Error()
	}
	writeJSON(w, http.StatusOK, status)
}

func (g *Gateway) handleSupergraph(w http.ResponseWriter, r *http.Request) {
	sg := g.current.Load()
	if sg == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no supergraph composed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hash":      fmt.Sprintf("%016x", sg.Hash()),
		"subgraphs": sg.SubgraphNames(),
		"sdl":       sg.SDL(),
	})
}

type subgraphStatus struct {
	Name                 string    `json:"name"`
	RoutingURL           string    `json:"routingUrl"`
	SubscriptionURL      string    `json:"subscriptionUrl,omitempty"`
	SubscriptionProtocol string    `json:"subscriptionProtocol"`
	FetchedAt            time.Time `json:"fetchedAt"`
}

func (g *Gateway) handleListSubgraphs(w http.ResponseWriter, r *http.Request) {
	descriptors := g.registry.ListSorted()
	out := make([]subgraphStatus, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, subgraphStatus{
			Name:                 d.Name,
			RoutingURL:           d.RoutingURL,
			SubscriptionURL:      d.SubscriptionURL,
			SubscriptionProtocol: string(d.SubscriptionProtocol),
			FetchedAt:            d.FetchedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type registerSubgraphRequest struct {
	Name                 string `json:"name"`
	RoutingURL           string `json:"routingUrl"`
	SubscriptionURL      string `json:"subscriptionUrl"`
	SubscriptionProtocol string `json:"subscriptionProtocol"`
	// SDL is optional; when empty the schema is fetched from the routing URL.
	SDL     string `json:"sdl"`
	Replace bool   `json:"replace"`
}

func (g *Gateway) handleRegisterSubgraph(w http.ResponseWriter, r *http.Request) {
	var req registerSubgraphRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}
	if req.Name == "" || req.RoutingURL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and routingUrl are required"})
		return
	}

	d := &subgraph.Descriptor{
		Name:                 req.Name,
		RoutingURL:           req.RoutingURL,
		SubscriptionURL:      req.SubscriptionURL,
		SubscriptionProtocol: subgraph.SubscriptionProtocol(req.SubscriptionProtocol),
		SDL:                  req.SDL,
	}

	var err error
	if req.SDL == "" {
		err = g.registry.RegisterRemote(r.Context(), d, req.Replace)
	} else {
		err = g.registry.Register(d, req.Replace)
	}
	if err != nil {
		writeJSON(w, registryErrorStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
}

func (g *Gateway) handleRefreshSubgraph(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := g.registry.Refresh(r.Context(), name); err != nil {
		writeJSON(w, registryErrorStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

func (g *Gateway) handleDeregisterSubgraph(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := g.registry.Deregister(name); err != nil {
		writeJSON(w, registryErrorStatus(err), map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func registryErrorStatus(err error) int {
	switch err.(type) {
	case *subgraph.DuplicateSubgraphNameError:
		return http.StatusConflict
	case *subgraph.UnknownSubgraphError:
		return http.StatusNotFound
	case *subgraph.SchemaFetchInvalidError:
		return http.StatusUnprocessableEntity
	case *subgraph.SubgraphUnreachableError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
