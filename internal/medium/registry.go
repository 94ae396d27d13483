package medium

import (
	"fmt"
	"sort"
)

// Factory creates a medium instance from opaque config (medium-specific).
type Factory func(any) (Medium, error)

var registry = map[string]Factory{}

// Register binds a medium name to its factory.
func Register(name string, f Factory) {
	registry[name] = f
}

// New returns a medium instance by name.
func New(name string, cfg any) (Medium, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("medium not found: %s (registered: %v)", name, Names())
	}
	return f(cfg)
}

// Names lists registered media, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
