package runtime

import (
	"encoding/json"
	"strings"
	"sync"
)

// Context is the run-scoped key/value store stages use to hand data to later,
// non-adjacent stages (for example the consolidated analysis needed by the
// finalize stages).
type Context struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewContext() *Context {
	return &Context{values: map[string]any{}}
}

func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *Context) GetString(key string, def string) string {
	v, ok := c.Get(key)
	if !ok || v == nil {
		return def
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// SnapshotValues returns a JSON-safe shallow copy of the store. Values that do
// not marshal are reported by type name only.
func (c *Context) SnapshotValues() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		if _, err := json.Marshal(v); err != nil {
			out[k] = "<unserializable>"
			continue
		}
		out[k] = v
	}
	return out
}
