package feature

import (
	"fmt"
	"log"
	"sort"
	"sync"
)

// Priority constants for feature registration.
// Higher priority values override lower priority features with the same name.
const (
	// PriorityDefault is the default priority for features.
	// Public/reference implementations should use this priority.
	PriorityDefault = 0

	// PriorityOverride is used by private implementations to override
	// public features. Private features should use this priority to ensure
	// they take precedence over the default implementation.
	PriorityOverride = 100
)

// Info contains metadata about a registered feature.
type Info struct {
	// Name is the unique identifier for the feature.
	// Features with the same name will override based on priority.
	Name string

	// Description is a human-readable description of the feature.
	Description string

	// Version is the feature's version string, reported through the API.
	Version string

	// Dependencies names the features that must be started before this
	// one. The manager resolves start order from these declarations and
	// refuses to load a feature whose dependencies are missing.
	Dependencies []string

	// Events names the bus events the feature consumes. The manager
	// subscribes each one to the feature's HandleEvent when it starts.
	// Features listing events here must implement EventHandler.
	Events []string

	// Priority determines which feature wins when multiple features
	// register with the same name. Higher priority wins.
	Priority int

	// Factory creates new instances of the feature.
	Factory Factory
}

// Registry manages feature registration.
// It supports priority-based override, allowing private implementations
// to replace public ones at compile time through import ordering.
// Instantiation and start ordering are the feature manager's job; the
// registry only answers what is available.
type Registry struct {
	mu       sync.RWMutex
	features map[string]Info
	order    []string
}

// NewRegistry creates a new feature registry.
func NewRegistry() *Registry {
	return &Registry{
		features: make(map[string]Info),
		order:    make([]string, 0),
	}
}

// Register adds a feature to the registry.
// If a feature with the same name already exists, the one with higher
// priority wins. If priorities are equal, the later registration wins.
func (r *Registry) Register(info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Name == "" {
		return fmt.Errorf("feature name cannot be empty")
	}

	if info.Factory == nil {
		return fmt.Errorf("feature %s: factory cannot be nil", info.Name)
	}

	existing, exists := r.features[info.Name]
	if exists {
		if info.Priority < existing.Priority {
			log.Printf("Feature %q registration skipped (priority %d < existing %d)",
				info.Name, info.Priority, existing.Priority)
			return nil
		}

		log.Printf("Feature %q being overridden (priority %d -> %d)",
			info.Name, existing.Priority, info.Priority)
	}

	r.features[info.Name] = info

	if !exists {
		r.order = append(r.order, info.Name)
	}

	log.Printf("Feature %q registered (priority %d): %s",
		info.Name, info.Priority, info.Description)

	return nil
}

// Get returns the feature info for a given name, or nil if not found.
func (r *Registry) Get(name string) *Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.features[name]
	if !ok {
		return nil
	}
	return &info
}

// List returns all registered features sorted by name. Start ordering is
// derived from dependency declarations, not list position.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Info, 0, len(r.features))
	for _, name := range r.order {
		result = append(result, r.features[name])
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})

	return result
}

// Names returns the names of all registered features in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// Clear removes all registered features. Useful for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.features = make(map[string]Info)
	r.order = make([]string, 0)
}

// Global registry instance
var globalRegistry = NewRegistry()

// Register adds a feature to the global registry.
// This is typically called from init() functions in feature packages.
func Register(info Info) error {
	return globalRegistry.Register(info)
}

// Get returns feature info from the global registry.
func Get(name string) *Info {
	return globalRegistry.Get(name)
}

// List returns all features from the global registry.
func List() []Info {
	return globalRegistry.List()
}

// Names returns all feature names from the global registry.
func Names() []string {
	return globalRegistry.Names()
}

// ClearGlobal clears the global registry. Useful for testing.
func ClearGlobal() {
	globalRegistry.Clear()
}
