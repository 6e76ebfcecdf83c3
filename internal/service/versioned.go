package service

import "sync"

// Versioned holds a value replaced by generation-stamped writes.
// A write started before the currently applied one is discarded.
type Versioned[T any] struct {
	mu      sync.RWMutex
	issued  uint64
	applied uint64
	value   T
}

// Begin issues the generation for a refresh about to start.
func (v *Versioned[T]) Begin() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.issued++
	return v.issued
}

// Apply stores value if gen is newer than the applied generation. It reports whether it did.
func (v *Versioned[T]) Apply(gen uint64, value T) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if gen <= v.applied {
		return false
	}
	v.applied = gen
	v.value = value
	return true
}

// Reset stores value under a fresh generation, invalidating every refresh in flight.
func (v *Versioned[T]) Reset(value T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.issued++
	v.applied = v.issued
	v.value = value
}

// Load returns the applied value.
func (v *Versioned[T]) Load() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// Generation returns the applied generation, 0 before the first Apply.
func (v *Versioned[T]) Generation() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.applied
}
