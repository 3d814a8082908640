package studio

import (
	"errors"
	"sort"
	"sync"

	"livecast/internal/live"
)

// Registry is the concurrency-safe contract for the set of streams being
// watched. A stream has at most one open watch.
type Registry interface {
	// Add records w. ErrAlreadyWatching is returned if the stream already
	// has a watch.
	Add(w *Watch) error

	// Get returns the watch of id.
	Get(id live.StreamID) (*Watch, bool)

	// Remove forgets the watch of id and returns it. Removing an unknown
	// stream is a no-op.
	Remove(id live.StreamID) (*Watch, bool)

	// List returns every watch ordered by stream id.
	List() []*Watch
}

var (
	// ErrAlreadyWatching is returned when a stream is opened twice.
	ErrAlreadyWatching = errors.New("stream is already being watched")

	// ErrNotWatching is returned for operations on a stream with no watch.
	ErrNotWatching = errors.New("stream is not being watched")
)

// InMemoryRegistry is a concurrency-safe in-memory implementation of Registry.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	store Store
}

// NewInMemoryRegistry constructs a registry with a default in-memory store.
func NewInMemoryRegistry() *InMemoryRegistry {
	return NewInMemoryRegistryWithStore(NewInMemoryStore())
}

// NewInMemoryRegistryWithStore constructs a registry that uses the given Store.
func NewInMemoryRegistryWithStore(store Store) *InMemoryRegistry {
	return &InMemoryRegistry{store: store}
}

// Add implements Registry.Add.
func (r *InMemoryRegistry) Add(w *Watch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.store.Get(w.StreamID); exists {
		return ErrAlreadyWatching
	}
	r.store.Set(w)
	return nil
}

// Get implements Registry.Get.
func (r *InMemoryRegistry) Get(id live.StreamID) (*Watch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.Get(id)
}

// Remove implements Registry.Remove.
func (r *InMemoryRegistry) Remove(id live.StreamID) (*Watch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.store.Get(id)
	if ok {
		r.store.Delete(id)
	}
	return w, ok
}

// List implements Registry.List.
func (r *InMemoryRegistry) List() []*Watch {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.store.IDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*Watch, 0, len(ids))
	for _, id := range ids {
		if w, ok := r.store.Get(id); ok {
			out = append(out, w)
		}
	}
	return out
}
