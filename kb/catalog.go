package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownNetwork indicates a topology lookup for a name that was never loaded.
var ErrUnknownNetwork = errors.New("unknown network")

// Catalog is an in-memory topology source keyed by network name.
type Catalog struct {
	mu       sync.RWMutex
	networks map[string]*KnowledgeBase
}

// NewCatalog constructs an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{networks: make(map[string]*KnowledgeBase)}
}

// Add registers a network, replacing any network previously loaded under
// the same name.
func (c *Catalog) Add(kb *KnowledgeBase) {
	if kb == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.networks[kb.Name()] = kb
}

// Topology returns the knowledge base for the named network.
func (c *Catalog) Topology(name string) (*KnowledgeBase, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	kb, ok := c.networks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
	}
	return kb, nil
}

// Names lists loaded network names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.networks))
	for name := range c.networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
