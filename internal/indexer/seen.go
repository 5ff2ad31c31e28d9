package indexer

import (
	"sync"

	"github.com/ethereum/go-ethereum/common/lru"
)

// DefaultSeenCapacity is the number of signatures remembered by default.
const DefaultSeenCapacity = 1000

// SeenSet is a bounded set of recently handled signatures; the least recently
// added signature is evicted once capacity is exceeded.
type SeenSet struct {
	mu    sync.Mutex
	cache lru.BasicLRU[string, struct{}]
}

func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	return &SeenSet{cache: lru.NewBasicLRU[string, struct{}](capacity)}
}

// Add records signature and reports whether it was new.
func (s *SeenSet) Add(signature string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache.Contains(signature) {
		return false
	}
	s.cache.Add(signature, struct{}{})
	return true
}

// Contains reports whether signature is remembered.
func (s *SeenSet) Contains(signature string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Contains(signature)
}

func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// Remove forgets signature so a later observation is handled again.
func (s *SeenSet) Remove(signature string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(signature)
}
