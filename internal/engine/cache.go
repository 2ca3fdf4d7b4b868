package engine

import "sync"

// TemplateCache retains resolved templates keyed by source-shape signature.
// It is the only state shared between concurrent transformation runs. Reads
// never block writes for long: entries are published as whole pointers under
// a short critical section, so a reader sees either the previous template or
// the new one, never a partially built value. Last writer wins on the same
// signature; templates for one signature are deterministic functions of the
// same rule base and repair history, so the race is benign.
type TemplateCache struct {
	mu      sync.RWMutex
	entries map[ShapeSignature]*Template
}

func NewTemplateCache() *TemplateCache {
	return &TemplateCache{entries: make(map[ShapeSignature]*Template)}
}

// Get returns the cached template for sig, or nil.
func (c *TemplateCache) Get(sig ShapeSignature) *Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[sig]
}

// Put publishes tpl under its signature, replacing any previous version.
func (c *TemplateCache) Put(tpl *Template) {
	c.mu.Lock()
	c.entries[tpl.Signature] = tpl
	c.mu.Unlock()
}

// Len reports the number of cached signatures.
func (c *TemplateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
