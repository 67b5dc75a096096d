package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

var (
	registry = map[string]Factory{}
	regLock  sync.RWMutex
)

// Factory builds a storage backend from its JSON parameters.
type Factory interface {
	Build(ctx context.Context, config json.RawMessage) (Interface, error)
	Valid(config json.RawMessage) error
}

// Register makes a backend available under name. Backends call this from
// their init functions.
func Register(name string, impl Factory) {
	regLock.Lock()
	defer regLock.Unlock()

	registry[name] = impl
}

func Get(name string) (Factory, bool) {
	regLock.RLock()
	defer regLock.RUnlock()
	result, ok := registry[name]
	return result, ok
}

// Methods lists the names of every registered backend in sorted order.
func Methods() []string {
	regLock.RLock()
	defer regLock.RUnlock()

	result := make([]string, 0, len(registry))
	for method := range registry {
		result = append(result, method)
	}
	slices.Sort(result)
	return result
}

// Build looks up the named backend and builds it with the given parameters.
func Build(ctx context.Context, backend string, params json.RawMessage) (Interface, error) {
	fac, ok := Get(backend)
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend %q, known backends: %v", ErrBadConfig, backend, Methods())
	}

	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	return fac.Build(ctx, params)
}
