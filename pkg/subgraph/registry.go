package subgraph

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jensneuse/abstractlogger"
	"github.com/pkg/errors"
)

var errNoFetcher = errors.New("registry has no schema fetcher configured")

// ChangeObserver is notified, debounced, after the descriptor set changed in a
// way that requires recomposition.
type ChangeObserver interface {
	SubgraphsChanged(descriptors []*Descriptor)
}

// ChangeObserverFunc adapts a plain function to a ChangeObserver.
type ChangeObserverFunc func(descriptors []*Descriptor)

func (f ChangeObserverFunc) SubgraphsChanged(descriptors []*Descriptor) {
	f(descriptors)
}

// Registry tracks the set of known subgraphs. Mutations and reads may race;
// List returns a snapshot so compositions are isolated from later changes.
type Registry struct {
	fetcher  Fetcher
	log      abstractlogger.Logger
	debounce time.Duration

	mu          sync.Mutex
	descriptors map[string]*Descriptor
	order       []string

	observerMu    sync.Mutex
	observer      ChangeObserver
	rebuildTimer  *time.Timer
	pendingReason string
}

type RegistryOptions struct {
	Fetcher  Fetcher
	Logger   abstractlogger.Logger
	Debounce time.Duration
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Logger == nil {
		opts.Logger = abstractlogger.NoopLogger
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	return &Registry{
		fetcher:     opts.Fetcher,
		log:         opts.Logger,
		debounce:    opts.Debounce,
		descriptors: make(map[string]*Descriptor),
	}
}

// SetObserver registers the single composition observer. Passing nil detaches.
func (r *Registry) SetObserver(observer ChangeObserver) {
	r.observerMu.Lock()
	defer r.observerMu.Unlock()
	r.observer = observer
}

// Register adds a descriptor. The SDL must already be present; it is parsed
// here so a malformed document never enters the registry. When replace is
// false a name collision fails with DuplicateSubgraphName.
func (r *Registry) Register(d *Descriptor, replace bool) error {
	doc, err := ParseSDL(d.Name, d.SDL)
	if err != nil {
		return &SchemaFetchInvalidError{Name: d.Name, Err: err}
	}

	stored := d.Copy()
	stored.Schema = doc
	if stored.SubscriptionProtocol == "" {
		stored.SubscriptionProtocol = SubscriptionProtocolNone
	}
	if stored.FetchedAt.IsZero() {
		stored.FetchedAt = time.Now()
	}

	r.mu.Lock()
	if _, exists := r.descriptors[d.Name]; exists && !replace {
		r.mu.Unlock()
		return &DuplicateSubgraphNameError{Name: d.Name}
	}
	if _, exists := r.descriptors[d.Name]; !exists {
		r.order = append(r.order, d.Name)
	}
	r.descriptors[d.Name] = stored
	r.mu.Unlock()

	r.log.Debug("subgraph registered", abstractlogger.String("subgraph", d.Name))
	r.scheduleRebuild("register")
	return nil
}

// RegisterRemote fetches the subgraph's SDL from its endpoint before
// registering it. Used when the caller knows only where the subgraph lives.
func (r *Registry) RegisterRemote(ctx context.Context, d *Descriptor, replace bool) error {
	if r.fetcher == nil {
		return &SubgraphUnreachableError{Name: d.Name, URL: d.RoutingURL, Err: errNoFetcher}
	}
	sdl, err := r.fetcher.FetchSDL(ctx, d)
	if err != nil {
		return err
	}
	next := d.Copy()
	next.SDL = sdl
	next.FetchedAt = time.Now()
	return r.Register(next, replace)
}

// Refresh re-fetches one subgraph's schema. On any failure the stored
// descriptor is left untouched: stale-but-available beats broken. An
// unchanged SDL is a no-op and does not schedule a rebuild.
func (r *Registry) Refresh(ctx context.Context, name string) error {
	r.mu.Lock()
	current, ok := r.descriptors[name]
	r.mu.Unlock()
	if !ok {
		return &UnknownSubgraphError{Name: name}
	}
	if r.fetcher == nil {
		return &SubgraphUnreachableError{Name: name, URL: current.RoutingURL, Err: errNoFetcher}
	}

	sdl, err := r.fetcher.FetchSDL(ctx, current)
	if err != nil {
		return err
	}
	if sdl == current.SDL {
		r.log.Debug("subgraph schema unchanged", abstractlogger.String("subgraph", name))
		return nil
	}

	doc, parseErr := ParseSDL(name, sdl)
	if parseErr != nil {
		return &SchemaFetchInvalidError{Name: name, Err: parseErr}
	}

	next := current.Copy()
	next.SDL = sdl
	next.Schema = doc
	next.FetchedAt = time.Now()

	r.mu.Lock()
	// the descriptor may have been replaced while fetching; last write wins
	r.descriptors[name] = next
	r.mu.Unlock()

	r.log.Info("subgraph schema refreshed", abstractlogger.String("subgraph", name))
	r.scheduleRebuild("refresh")
	return nil
}

// Deregister removes a subgraph if present.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	if _, ok := r.descriptors[name]; !ok {
		r.mu.Unlock()
		return &UnknownSubgraphError{Name: name}
	}
	delete(r.descriptors, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.scheduleRebuild("deregister")
	return nil
}

// List returns a snapshot of all descriptors in registration order.
func (r *Registry) List() []*Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Descriptor, 0, len(r.descriptors))
	for _, name := range r.order {
		out = append(out, r.descriptors[name])
	}
	return out
}

// ListSorted returns a snapshot sorted by name, independent of registration
// order. Composition determinism relies on this ordering.
func (r *Registry) ListSorted() []*Descriptor {
	out := r.List()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the stored descriptor for name, or nil.
func (r *Registry) Get(name string) *Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.descriptors[name]
}

// scheduleRebuild coalesces rebuild requests within the debounce window into
// a single observer notification.
func (r *Registry) scheduleRebuild(reason string) {
	r.observerMu.Lock()
	defer r.observerMu.Unlock()
	if r.observer == nil {
		return
	}
	r.pendingReason = reason
	if r.rebuildTimer != nil {
		r.rebuildTimer.Reset(r.debounce)
		return
	}
	r.rebuildTimer = time.AfterFunc(r.debounce, r.fireRebuild)
}

func (r *Registry) fireRebuild() {
	r.observerMu.Lock()
	observer := r.observer
	reason := r.pendingReason
	r.rebuildTimer = nil
	r.observerMu.Unlock()

	if observer == nil {
		return
	}
	r.log.Debug("triggering supergraph rebuild", abstractlogger.String("reason", reason))
	observer.SubgraphsChanged(r.List())
}
