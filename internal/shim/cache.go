package shim

import (
	"sort"
	"sync"

	"github.com/danmuck/portbroker/internal/port"
)

// Cache stores looked-up send rights by service name. The cache owns the
// rights it holds: Put closes any right it displaces, Remove and Flush
// close what they evict. Callers that outlive an eviction should hold a
// DupSend of the cached right instead of the right itself.
type Cache struct {
	mu     sync.RWMutex
	rights map[string]*port.Port
}

func NewCache() *Cache {
	return &Cache{
		rights: make(map[string]*port.Port),
	}
}

func (c *Cache) Put(name string, p *port.Port) {
	if name == "" || p == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.rights[name]; ok && old != p {
		old.Close()
	}
	c.rights[name] = p
}

func (c *Cache) Get(name string) (*port.Port, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.rights[name]
	return p, ok
}

func (c *Cache) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.rights[name]; ok {
		p.Close()
		delete(c.rights, name)
	}
}

func (c *Cache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.rights))
	for name := range c.rights {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Flush evicts and closes every cached right.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, p := range c.rights {
		p.Close()
		delete(c.rights, name)
	}
}
