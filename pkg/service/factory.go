package service

import (
	"context"
	"sync"
)

// Instance is one running copy of a deployed service. Execute runs
// until ctx is cancelled or the instance's work completes on its own;
// Cancel is the cooperative stop hook invoked before the executor is
// torn down (spec §4.7 redeployment: "invoke the service's cancel
// hook, then shutdown its executor").
type Instance interface {
	Execute(ctx context.Context) error
	Cancel()
}

// Factory creates one new, independent Instance for a single assignment
// slot — standing in for "each copy is independently deep-copied via
// the shared serializer to avoid shared mutable state" (spec §4.7):
// calling Factory twice must never hand out two instances that share
// mutable state.
type Factory func() Instance

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory installs f under name, the same pre-deployed-code
// convention cq.RegisterNamedFunc uses: every node that might host this
// service must call RegisterFactory with the same name before Deploy
// references it.
func RegisterFactory(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

func lookupFactory(name string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}
