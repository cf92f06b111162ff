package cache

import (
	"sync"
	"unsafe"

	"github.com/bitbased/archengine/page"
)

// uintptrOf returns ref's address for hazard-bucket hashing. It is never
// dereferenced as a pointer, only compared/hashed, so this does not
// defeat the garbage collector's ability to track ref.
func uintptrOf(ref *page.Ref) uintptr { return uintptr(unsafe.Pointer(ref)) }

// hazardSlots is the fixed size of each session's hazard-pointer array,
// per spec.md §5: "each session has a small fixed array of page
// pointers." A session rarely needs more than a couple of concurrently
// referenced pages (the current cursor position plus one ancestor during
// a descent), so 8 is generous headroom without growing unbounded.
const hazardSlots = 8

// hazardArray is one session's fixed set of published refs.
type hazardArray struct {
	mu    sync.Mutex
	slots [hazardSlots]*page.Ref
}

// HazardSet is the process-wide registry of every session's hazard
// array, per spec.md §5's "Hazard records" pattern: a reader publishes a
// pointer before dereferencing it, and the evictor linearly scans every
// session's array before freeing a page. This replaces RCU grace periods
// with a simple, bounded scan (spec.md §9).
type HazardSet struct {
	mu       sync.Mutex
	bySource map[int64]*hazardArray
	nextID   int64
}

// NewHazardSet builds an empty registry.
func NewHazardSet() *HazardSet {
	return &HazardSet{bySource: make(map[int64]*hazardArray)}
}

// Publish records ref as protected, preventing the evictor from freeing
// its page until Clear is called. Safe to call repeatedly for the same
// ref (idempotent).
func (h *HazardSet) Publish(ref *page.Ref) {
	a := h.arrayFor(ref)
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.slots {
		if s == ref {
			return
		}
	}
	for i, s := range a.slots {
		if s == nil {
			a.slots[i] = ref
			return
		}
	}
	// All slots full: extremely deep cursor stacks are not expected
	// (spec.md caps traversal depth at the tree height), so this
	// degrades to "not hazard-protected" rather than panicking: the ref
	// is not recorded, Protected reports false for it, and its page may
	// be reclaimed underneath a pathological caller.
}

// Clear retires a previously published hazard record.
func (h *HazardSet) Clear(ref *page.Ref) {
	a := h.arrayFor(ref)
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, s := range a.slots {
		if s == ref {
			a.slots[i] = nil
			return
		}
	}
}

// arrayFor returns the shared hazard array bucket for ref, keyed by a
// coarse hash of the ref's address to spread contention across buckets
// without requiring per-goroutine registration.
func (h *HazardSet) arrayFor(ref *page.Ref) *hazardArray {
	const buckets = 64
	key := int64(uintptrOf(ref)) % buckets

	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.bySource[key]
	if !ok {
		a = &hazardArray{}
		h.bySource[key] = a
	}
	return a
}

// Protected reports whether any published hazard record currently
// references ref, scanning every bucket. Called by the evictor
// immediately before freeing a clean page's memory (spec.md §4.2's
// "Clean discard" kind).
func (h *HazardSet) Protected(ref *page.Ref) bool {
	h.mu.Lock()
	arrays := make([]*hazardArray, 0, len(h.bySource))
	for _, a := range h.bySource {
		arrays = append(arrays, a)
	}
	h.mu.Unlock()

	for _, a := range arrays {
		a.mu.Lock()
		for _, s := range a.slots {
			if s == ref {
				a.mu.Unlock()
				return true
			}
		}
		a.mu.Unlock()
	}
	return false
}
