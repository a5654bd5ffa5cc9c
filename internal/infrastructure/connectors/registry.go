package connectors

import (
	"fmt"
	"sort"

	"cmis-platform-sync/internal/domain"
	"cmis-platform-sync/internal/ports"
)

// Registry resolves platform keys to their connector. The set is fixed at
// construction; there is no runtime registration.
type Registry struct {
	connectors map[string]ports.Connector
}

// NewRegistry builds a registry from the given connectors, keyed by their
// Platform() value.
func NewRegistry(conns ...ports.Connector) *Registry {
	byPlatform := make(map[string]ports.Connector, len(conns))
	for _, c := range conns {
		byPlatform[c.Platform()] = c
	}
	return &Registry{connectors: byPlatform}
}

// Get returns the connector for a platform key.
func (r *Registry) Get(platform string) (ports.Connector, error) {
	c, ok := r.connectors[platform]
	if !ok {
		return nil, fmt.Errorf("%q: %w", platform, domain.ErrUnsupportedPlatform)
	}
	return c, nil
}

// Platforms lists the registered platform keys, sorted.
func (r *Registry) Platforms() []string {
	keys := make([]string, 0, len(r.connectors))
	for k := range r.connectors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
