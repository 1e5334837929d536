package process

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// Registry maps instance ids to engines for hosts that supervise several
// processes. Ids are case-insensitive.
//
// The registry does not order shutdown beyond forwarding Close to each
// engine.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]*Engine)}
}

// NormaliseID returns the canonical form of an instance id.
func NormaliseID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Get returns the engine registered under id.
func (r *Registry) Get(id string) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[NormaliseID(id)]
	return e, ok
}

// Add registers e under id unless the id is already taken.
// It reports whether e was added.
func (r *Registry) Add(id string, e *Engine) bool {
	key := NormaliseID(id)
	if key == "" || e == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.engines[key]; exists {
		return false
	}
	r.engines[key] = e
	return true
}

// Remove unregisters id and returns the engine it held. The engine is not
// closed.
func (r *Registry) Remove(id string) (*Engine, bool) {
	key := NormaliseID(id)

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[key]
	if ok {
		delete(r.engines, key)
	}
	return e, ok
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered engines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}

// Each calls fn for every engine in id order. fn runs without the registry
// lock held, so it may call back into the registry.
func (r *Registry) Each(fn func(id string, e *Engine)) {
	for _, id := range r.IDs() {
		if e, ok := r.Get(id); ok {
			fn(id, e)
		}
	}
}

// Close closes every registered engine concurrently and returns the joined
// errors.
func (r *Registry) Close() error {
	r.mu.RLock()
	engines := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, e := range engines {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			if err := e.Close(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(e)
	}
	wg.Wait()
	return errors.Join(errs...)
}
