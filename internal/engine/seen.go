package engine

// seenSet is a bounded first-in-first-out set of processed transaction
// signatures. Oldest-inserted eviction trades unbounded memory for a bounded
// risk of reprocessing a very old signature, which is safe: reprocessing
// reapplies the same computed delta.
type seenSet struct {
	capacity int
	set      map[string]struct{}
	order    []string
}

// defaultSeenCapacity bounds the set when no capacity is configured.
const defaultSeenCapacity = 10000

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = defaultSeenCapacity
	}
	return &seenSet{
		capacity: capacity,
		set:      make(map[string]struct{}, capacity),
	}
}

// Contains reports whether sig has been processed.
func (s *seenSet) Contains(sig string) bool {
	_, ok := s.set[sig]
	return ok
}

// Add records sig, evicting the oldest entry beyond capacity.
func (s *seenSet) Add(sig string) {
	if _, ok := s.set[sig]; ok {
		return
	}
	s.set[sig] = struct{}{}
	s.order = append(s.order, sig)
	for len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.set, oldest)
	}
}

// Len returns the number of tracked signatures.
func (s *seenSet) Len() int {
	return len(s.set)
}
