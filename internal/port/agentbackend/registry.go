package agentbackend

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Factory builds a Backend from its config map.
type Factory func(config map[string]string) (Backend, error)

var registry = struct {
	sync.RWMutex
	factories map[string]Factory
}{factories: make(map[string]Factory)}

// Register adds a backend factory under name, usually from an init() in
// the adapter package. Registering a name twice panics.
func Register(name string, factory Factory) {
	registry.Lock()
	defer registry.Unlock()
	if _, taken := registry.factories[name]; taken {
		panic(fmt.Sprintf("agentbackend: duplicate registration for %q", name))
	}
	registry.factories[name] = factory
}

// New builds the named backend. Unknown names report what is registered,
// since they usually mean a config typo.
func New(name string, config map[string]string) (Backend, error) {
	registry.RLock()
	factory, ok := registry.factories[name]
	registry.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agentbackend: unknown backend %q (registered: %s)",
			name, strings.Join(Available(), ", "))
	}
	return factory(config)
}

// Available lists registered backend names in sorted order.
func Available() []string {
	registry.RLock()
	defer registry.RUnlock()
	names := make([]string, 0, len(registry.factories))
	for name := range registry.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
