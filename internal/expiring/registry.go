// Package expiring provides the in-process TTL caches shared by the gateway
// and the registry that hands out one instance per cache name.
package expiring

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Registry owns the named caches of a process. The composing application
// constructs one Registry and passes it to every component that needs a cache;
// each name resolves to exactly one instance for the Registry's lifetime.
type Registry struct {
	defaults Options
	options  map[string]Options

	mu       sync.Mutex
	snapshot atomic.Pointer[map[string]any]
}

// NewRegistry builds a registry. perName overrides defaults for individual
// cache names.
func NewRegistry(defaults Options, perName map[string]Options) *Registry {
	opts := make(map[string]Options, len(perName))
	for name, o := range perName {
		opts[name] = o
	}
	r := &Registry{defaults: defaults, options: opts}
	empty := map[string]any{}
	r.snapshot.Store(&empty)
	return r
}

// Options reports the settings a cache with the given name is created with.
func (r *Registry) Options(name string) Options {
	if o, ok := r.options[name]; ok {
		if o.Clock == nil {
			o.Clock = r.defaults.Clock
		}
		return o
	}
	return r.defaults
}

// Names lists the caches created so far.
func (r *Registry) Names() []string {
	current := *r.snapshot.Load()
	names := make([]string, 0, len(current))
	for name := range current {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Named returns the cache registered under name, creating it on first use.
// The common path is a lock-free read of the current snapshot; creation
// re-checks under the lock so racing callers never build two instances.
func Named[K comparable, V any](r *Registry, name string) (*Cache[K, V], error) {
	if existing, ok := (*r.snapshot.Load())[name]; ok {
		return typed[K, V](name, existing)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	current := *r.snapshot.Load()
	if existing, ok := current[name]; ok {
		return typed[K, V](name, existing)
	}

	c := New[K, V](name, r.Options(name))
	next := make(map[string]any, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[name] = c
	r.snapshot.Store(&next)
	return c, nil
}

func typed[K comparable, V any](name string, existing any) (*Cache[K, V], error) {
	c, ok := existing.(*Cache[K, V])
	if !ok {
		return nil, fmt.Errorf("expiring: cache %q already registered with type %T", name, existing)
	}
	return c, nil
}
