package page

import (
	"sync/atomic"
)

// RefState is a parent-to-child ref's state, per spec.md §3's Ref entity:
// "the single source of truth for whether the child may be touched".
// Transitions happen under compare-and-swap; the btree/latch.go teacher
// file's RWMutex-per-page model is too coarse for this (a ref swings
// between on-disk and in-memory independent of any single page's lock),
// so this generalizes that into a dedicated atomic state machine.
type RefState int32

const (
	RefDisk RefState = iota
	RefMem
	RefLocked
	RefReading
	RefDeleted
	RefSplit
)

func (s RefState) String() string {
	switch s {
	case RefDisk:
		return "disk"
	case RefMem:
		return "mem"
	case RefLocked:
		return "locked"
	case RefReading:
		return "reading"
	case RefDeleted:
		return "deleted"
	case RefSplit:
		return "split"
	default:
		return "unknown"
	}
}

// DeletionRecord records a page-delete that has not yet been reconciled
// away, per spec.md §4.3's "Empty page" edge case.
type DeletionRecord struct {
	TxnID       uint64
	GloballyVis bool
}

// Ref is a parent-to-child pointer: spec.md §3's Ref entity. Exactly one
// of Addr (not resident) or Page (resident, state Mem/Locked) is
// meaningful at a time, selected by State.
type Ref struct {
	state atomic.Int32

	// Addr is the block-manager address cookie when State is Disk; it
	// stays valid even once the page is faulted in, since eviction may
	// discard the page and leave the ref pointing at disk again.
	Addr uint64

	// PromotedKey (row) or StartRecno (col) is this ref's key in the
	// parent's index, used by search to choose a child without touching
	// it.
	PromotedKey []byte
	StartRecno  uint64

	page    atomic.Pointer[Page]
	Deleted *DeletionRecord
}

// State returns the ref's current state.
func (r *Ref) State() RefState { return RefState(r.state.Load()) }

// TransitionState attempts from->to via CAS, the single mechanism by which
// a ref moves between disk/mem/locked/reading/deleted/split.
func (r *Ref) TransitionState(from, to RefState) bool {
	return r.state.CompareAndSwap(int32(from), int32(to))
}

// ForceState unconditionally sets the ref's state; used only during
// construction and single-threaded recovery paths.
func (r *Ref) ForceState(s RefState) { r.state.Store(int32(s)) }

// Page returns the resident child page, or nil if the ref is not
// currently Mem/Locked. Callers must have already published a hazard
// record (cache.HazardSet) before calling this and must re-check State
// after, per spec.md §3's ownership rule: "readers publish a hazard
// record before re-reading state".
func (r *Ref) Page() *Page { return r.page.Load() }

// SetPage installs p as the resident child and transitions to Mem. Called
// after a successful fault-in (RefReading -> RefMem).
func (r *Ref) SetPage(p *Page) {
	r.page.Store(p)
	r.state.Store(int32(RefMem))
}

// ClearPage discards the resident child and reverts to Disk, recording
// addr as the block to re-read on next fault-in. Called by eviction's
// clean-discard and reconcile-and-discard paths.
func (r *Ref) ClearPage(addr uint64) {
	r.page.Store(nil)
	r.Addr = addr
	r.state.Store(int32(RefDisk))
}
