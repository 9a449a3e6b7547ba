package graph

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/checkpoint"
	"github.com/loomhq/loom/internal/common/logger"
)

// DefaultGraphID is the graph unknown ids fall back to.
const DefaultGraphID = "agent"

// Params is the per-request input to a graph factory. Checkpointer and
// store arrive scoped to the request and may be nil when persistence is
// unavailable.
type Params struct {
	Config       map[string]interface{}
	Checkpointer checkpoint.Saver
	Store        checkpoint.Store
}

// Factory builds a runnable graph for one request.
type Factory func(params Params) (Graph, error)

// Registry maps graph ids to factories. Writes happen at startup; resolution
// afterwards is read-mostly.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	deferred  map[string]func() (Factory, error)
	logger    *logger.Logger
}

// NewRegistry creates an empty graph registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		deferred:  make(map[string]func() (Factory, error)),
		logger:    log.WithFields(zap.String("component", "graph-registry")),
	}
}

// Register adds a graph factory eagerly.
func (r *Registry) Register(id string, factory Factory) error {
	if id == "" {
		return fmt.Errorf("graph id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registered(id) {
		return fmt.Errorf("graph %q already registered", id)
	}
	r.factories[id] = factory
	r.logger.Info("registered graph", zap.String("graph_id", id))
	return nil
}

// RegisterDeferred registers a graph whose factory is built on first
// resolve. This keeps cold start cheap for graphs with expensive setup.
func (r *Registry) RegisterDeferred(id string, build func() (Factory, error)) error {
	if id == "" {
		return fmt.Errorf("graph id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registered(id) {
		return fmt.Errorf("graph %q already registered", id)
	}
	r.deferred[id] = build
	r.logger.Info("registered graph", zap.String("graph_id", id), zap.Bool("deferred", true))
	return nil
}

func (r *Registry) registered(id string) bool {
	if _, ok := r.factories[id]; ok {
		return true
	}
	_, ok := r.deferred[id]
	return ok
}

// Resolve returns the factory for id. Unknown ids fall back to the default
// graph with a warning; a missing default is an error.
func (r *Registry) Resolve(id string) (Factory, error) {
	if factory, ok, err := r.lookup(id); err != nil {
		return nil, err
	} else if ok {
		return factory, nil
	}

	if id == DefaultGraphID {
		return nil, fmt.Errorf("graph %q not registered", id)
	}
	r.logger.Warn("unknown graph id, using default",
		zap.String("graph_id", id),
		zap.String("default", DefaultGraphID))
	return r.Resolve(DefaultGraphID)
}

// lookup finds a factory by exact id, promoting deferred registrations on
// first use.
func (r *Registry) lookup(id string) (Factory, bool, error) {
	r.mu.RLock()
	factory, ok := r.factories[id]
	_, isDeferred := r.deferred[id]
	r.mu.RUnlock()

	if ok {
		return factory, true, nil
	}
	if !isDeferred {
		return nil, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another resolver may have promoted it while we waited for the lock.
	if factory, ok := r.factories[id]; ok {
		return factory, true, nil
	}
	build, ok := r.deferred[id]
	if !ok {
		return nil, false, nil
	}
	factory, err := build()
	if err != nil {
		return nil, false, fmt.Errorf("build graph %q: %w", id, err)
	}
	r.factories[id] = factory
	delete(r.deferred, id)
	r.logger.Debug("promoted deferred graph", zap.String("graph_id", id))
	return factory, true, nil
}

// Exists reports whether a graph id is registered, without promoting
// deferred registrations.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registered(id)
}

// IDs returns all registered graph ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.factories)+len(r.deferred))
	for id := range r.factories {
		ids = append(ids, id)
	}
	for id := range r.deferred {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
