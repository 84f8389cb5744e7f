package bridge

import (
	"sort"
	"sync"

	"github.com/wudi/fabric/internal/errors"
)

// AdapterFactory constructs an adapter from bridge opts.
type AdapterFactory func(opts map[string]any) (Adapter, error)

var (
	moduleMu      sync.RWMutex
	moduleFactory = make(map[string]AdapterFactory)
)

// RegisterAdapterModule registers a named adapter module factory. Platform
// packages call this from init.
func RegisterAdapterModule(name string, f AdapterFactory) {
	moduleMu.Lock()
	moduleFactory[name] = f
	moduleMu.Unlock()
}

// ResolveAdapterModule looks up a registered factory.
func ResolveAdapterModule(name string) (AdapterFactory, bool) {
	moduleMu.RLock()
	f, ok := moduleFactory[name]
	moduleMu.RUnlock()
	return f, ok
}

// Manifest is one registered bridge: the adapter instance plus its declared
// capability surface and optional secondary capability adapters.
type Manifest struct {
	BridgeID      string
	AdapterModule string
	Label         string
	Capabilities  []Capability
	Adapter       Adapter
	Adapters      map[string]Adapter // secondary capability adapters
}

// Registry is the process-wide directory of registered bridges.
type Registry struct {
	mu        sync.RWMutex
	manifests map[string]*Manifest
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{manifests: make(map[string]*Manifest)}
}

// Register validates the manifest's capability contract and stores it,
// replacing any existing manifest with the same bridge id.
func (r *Registry) Register(m *Manifest) error {
	if m.BridgeID == "" || m.Adapter == nil {
		return errors.Newf(errors.ReasonInvalidRequest, "manifest requires bridge id and adapter")
	}
	if len(m.Capabilities) == 0 {
		m.Capabilities = AdapterCapabilities(m.Adapter)
	}
	if err := CheckCapabilities(m.Adapter, m.Capabilities); err != nil {
		return err
	}
	r.mu.Lock()
	r.manifests[m.BridgeID] = m
	r.mu.Unlock()
	return nil
}

// Get returns the manifest for a bridge id.
func (r *Registry) Get(bridgeID string) (*Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.manifests[bridgeID]
	if !ok {
		return nil, errors.ErrBridgeNotFound
	}
	return m, nil
}

// Adapter returns the primary adapter for a bridge id.
func (r *Registry) Adapter(bridgeID string) (Adapter, error) {
	m, err := r.Get(bridgeID)
	if err != nil {
		return nil, err
	}
	return m.Adapter, nil
}

// List returns all manifests ordered by bridge id.
func (r *Registry) List() []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Manifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BridgeID < out[j].BridgeID })
	return out
}

// Remove deletes a manifest.
func (r *Registry) Remove(bridgeID string) {
	r.mu.Lock()
	delete(r.manifests, bridgeID)
	r.mu.Unlock()
}

// Clear removes all manifests.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.manifests = make(map[string]*Manifest)
	r.mu.Unlock()
}
