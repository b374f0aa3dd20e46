package resolve

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/jensneuse/abstractlogger"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/engine/plan"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/federation"
	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/graphql"
)

// site is one location in the parent span's data that needs fields from
// another subgraph: the sjson path for writing back plus the parent object.
type site struct {
	path string
	obj  gjson.Result
}

// resolveEntities performs a single batched _entities fetch for every entity
// instance found under node.InsertionPath, then merges the fetched fields
// back into data in representation order.
func (r *Resolver) resolveEntities(ctx context.Context, sg *federation.Supergraph, data []byte, node *plan.FetchNode, variables json.RawMessage) ([]byte, []graphql.Error) {
	sites := collectSites(data, node.InsertionPath)

	var errs []graphql.Error
	var reps []json.RawMessage
	repSites := sites[:0:0]
	for _, s := range sites {
		rep, ok := buildRepresentation(s.obj, node.Entity)
		if !ok {
			errs = append(errs, graphql.SubgraphError(node.Subgraph,
				"cannot build entity representation: missing key fields for "+node.Entity.TypeName,
				insertionErrorPath(node)))
			continue
		}
		reps = append(reps, rep)
		repSites = append(repSites, s)
	}
	if len(reps) == 0 {
		return data, errs
	}

	body, err := entityRequestBody(node.Operation, node.Variables, variables, reps)
	if err != nil {
		errs = append(errs, graphql.SubgraphError(node.Subgraph, "building entity request: "+err.Error(), insertionErrorPath(node)))
		return data, errs
	}

	respData, fetchErrs, fetchErr := r.fetchNode(ctx, sg, node, body)
	if fetchErr != nil {
		r.log.Error("entity fetch failed",
			abstractlogger.String("subgraph", node.Subgraph),
			abstractlogger.String("type", node.Entity.TypeName),
			abstractlogger.Error(fetchErr),
		)
		errs = append(errs, graphql.SubgraphError(node.Subgraph, fetchErr.Error(), insertionErrorPath(node)))
		return data, errs
	}
	errs = append(errs, fetchErrs...)
	if respData == nil {
		return data, errs
	}

	entities := gjson.GetBytes(respData, "_entities").Array()
	for i, s := range repSites {
		if i >= len(entities) {
			break
		}
		ent := entities[i]
		if !ent.Exists() || ent.Type == gjson.Null {
			continue
		}
		for _, alias := range node.OutputFields {
			v := ent.Get(alias)
			if !v.Exists() {
				continue
			}
			data, _ = sjson.SetRawBytes(data, joinPath(s.path, alias), []byte(v.Raw))
		}
	}

	for _, grandchild := range node.Children {
		var childErrs []graphql.Error
		data, childErrs = r.resolveEntities(ctx, sg, data, grandchild, variables)
		errs = append(errs, childErrs...)
	}
	return data, errs
}

// collectSites walks the insertion path from the data root, fanning out over
// arrays at every step, and returns one site per concrete entity object.
func collectSites(data []byte, insertionPath []string) []site {
	sites := []site{{path: "", obj: gjson.ParseBytes(data)}}
	for _, seg := range insertionPath {
		var next []site
		for _, s := range sites {
			v := s.obj.Get(seg)
			if !v.Exists() || v.Type == gjson.Null {
				continue
			}
			p := joinPath(s.path, seg)
			if v.IsArray() {
				for i, item := range v.Array() {
					if item.Type == gjson.Null {
						continue
					}
					next = append(next, site{path: p + "." + strconv.Itoa(i), obj: item})
				}
				continue
			}
			next = append(next, site{path: p, obj: v})
		}
		sites = next
	}
	return sites
}

func buildRepresentation(obj gjson.Result, ent *plan.EntityResolution) (json.RawMessage, bool) {
	rep := []byte(`{}`)
	rep, _ = sjson.SetBytes(rep, "__typename", ent.TypeName)
	for _, kf := range ent.KeyFields {
		v := obj.Get(kf)
		if !v.Exists() {
			return nil, false
		}
		rep, _ = sjson.SetRawBytes(rep, kf, []byte(v.Raw))
	}
	return rep, true
}

func insertionErrorPath(node *plan.FetchNode) []interface{} {
	return graphql.PathFromStrings(node.InsertionPath)
}

func joinPath(base, seg string) string {
	if base == "" {
		return seg
	}
	return base + "." + seg
}
