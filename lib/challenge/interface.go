package challenge

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Impl is a proof-of-work algorithm. The gateway only calls Validate; Solve
// is the client side and is what the handshake agent runs.
type Impl interface {
	// Validate checks solution against the challenge's salt and difficulty.
	// It returns an error wrapping ErrFailed when the solution does not pass.
	Validate(c *Challenge, solution string) error

	// Solve searches for a solution, giving up after maxIterations attempts.
	// It returns the solution and how many attempts it took.
	Solve(ctx context.Context, salt string, difficulty, maxIterations int) (string, int, error)
}

var algorithms = struct {
	sync.RWMutex
	byName map[string]Impl
}{byName: map[string]Impl{}}

// Register makes an algorithm available under name. It panics on an empty
// name or when name is taken, both are programming errors in an init
// function.
func Register(name string, impl Impl) {
	algorithms.Lock()
	defer algorithms.Unlock()

	if name == "" || impl == nil {
		panic("challenge: Register needs a name and an implementation")
	}
	if _, dup := algorithms.byName[name]; dup {
		panic(fmt.Sprintf("challenge: algorithm %q registered twice", name))
	}

	algorithms.byName[name] = impl
}

func Get(name string) (Impl, bool) {
	algorithms.RLock()
	defer algorithms.RUnlock()

	impl, ok := algorithms.byName[name]
	return impl, ok
}

// Methods lists the registered algorithm names in sorted order.
func Methods() []string {
	algorithms.RLock()
	defer algorithms.RUnlock()

	return slices.Sorted(maps.Keys(algorithms.byName))
}
