package studio

import "livecast/internal/live"

// Store is the persistence abstraction for open watches. The Registry uses
// Store for all reads and writes and does its own locking.
type Store interface {
	Get(id live.StreamID) (*Watch, bool)
	Set(w *Watch)
	Delete(id live.StreamID)
	IDs() []live.StreamID
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	watches map[live.StreamID]*Watch
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{watches: make(map[live.StreamID]*Watch)}
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(id live.StreamID) (*Watch, bool) {
	w, ok := s.watches[id]
	return w, ok
}

// Set implements Store.Set.
func (s *InMemoryStore) Set(w *Watch) {
	s.watches[w.StreamID] = w
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(id live.StreamID) {
	delete(s.watches, id)
}

// IDs implements Store.IDs.
func (s *InMemoryStore) IDs() []live.StreamID {
	ids := make([]live.StreamID, 0, len(s.watches))
	for id := range s.watches {
		ids = append(ids, id)
	}
	return ids
}
