package page

import (
	"sync/atomic"
)

// ModKind describes how a page's reconciliation result should be applied
// to its parent, per spec.md §4.3 step 6.
type ModKind int

const (
	ModNone ModKind = iota
	ModReplace
	ModMultiBlock
)

// ModRecord records where a page's last reconciliation put it, per
// spec.md §4.3's "Outputs": one block address for ModReplace, or one
// address per written boundary for ModMultiBlock. reconcile.Boundary
// carries the full per-boundary result; Page only stores the addresses.
type ModRecord struct {
	Kind       ModKind
	Addr       uint64   // ModReplace
	Boundaries []uint64 // ModMultiBlock: one address per boundary
}

// Slot is one row-store or col-var-store position: an immutable on-disk
// cell (nil once the page has been reconciled away and the cell deleted),
// its update chain, and the insert list for keys strictly between this
// slot and the next, per spec.md §4.1's in-memory page format.
type Slot struct {
	Cell    *Cell
	Updates Chain
	Inserts *InsertList
}

// Page is the in-memory representation of one B-tree node, per spec.md
// §3's Page entity. Which of the leaf/internal fields are meaningful
// depends on Kind.
type Page struct {
	ID   uint64
	Kind Kind

	// Leaf fields (RowLeaf, ColVarLeaf).
	Slots           []Slot
	SmallestInserts *InsertList // keys smaller than Slots[0]

	// ColFixLeaf fields: a bit-packed array plus sparse updates, since a
	// fixed-width column rarely needs a full update chain per recno.
	FixStartRecno uint64
	FixBitWidth   int
	FixBitmap     []byte
	fixUpdates    map[uint64]*Chain
	FixAppends    *InsertList

	// Internal fields (RowInternal, ColInternal).
	Refs []*Ref

	Latch FairLock

	dirty         atomic.Bool
	evicting      atomic.Bool
	buildKeysDone atomic.Bool
	deletedCount  atomic.Uint64

	Mod ModRecord
}

// NewLeaf builds an empty leaf page of the given kind.
func NewLeaf(id uint64, kind Kind) *Page {
	p := &Page{ID: id, Kind: kind}
	if kind == ColFixLeaf {
		p.fixUpdates = make(map[uint64]*Chain)
		p.FixAppends = NewInsertList()
	} else {
		p.SmallestInserts = NewInsertList()
	}
	return p
}

// NewInternal builds an empty internal page of the given kind.
func NewInternal(id uint64, kind Kind) *Page {
	return &Page{ID: id, Kind: kind}
}

// IsLeaf reports whether this page holds data rather than child refs.
func (p *Page) IsLeaf() bool { return p.Kind.IsLeaf() }

// Dirty reports whether the page has unreconciled modifications.
func (p *Page) Dirty() bool { return p.dirty.Load() }

// MarkDirty flags the page as modified since its last reconciliation.
func (p *Page) MarkDirty() { p.dirty.Store(true) }

// ClearDirty flags the page as having been reconciled.
func (p *Page) ClearDirty() { p.dirty.Store(false) }

// Evicting reports whether eviction has claimed this page.
func (p *Page) Evicting() bool { return p.evicting.Load() }

// TryMarkEvicting attempts to claim the page for eviction, returning
// false if another worker already claimed it.
func (p *Page) TryMarkEvicting() bool { return p.evicting.CompareAndSwap(false, true) }

// ClearEvicting releases a failed eviction attempt.
func (p *Page) ClearEvicting() { p.evicting.Store(false) }

// NoteDeleted increments the running tombstone counter a cursor
// encountered while scanning this page, per spec.md §4.1 step 5: "a
// running counter exceeds a threshold" marks the page evict-soon.
func (p *Page) NoteDeleted() uint64 { return p.deletedCount.Add(1) }

// DeletedCount returns the running tombstone counter.
func (p *Page) DeletedCount() uint64 { return p.deletedCount.Load() }

// EvictSoonThreshold is the tombstone count past which a page is flagged
// evict-soon by the cursor traversal (spec.md §4.1 step 5). It has no
// single canonical value in the original; this picks a conservative
// per-page constant proportional to a typical page's slot count.
const EvictSoonThreshold = 200

// EvictSoon reports whether this page has accumulated enough skipped
// tombstones that the cache should prioritize it for eviction.
func (p *Page) EvictSoon() bool { return p.deletedCount.Load() > EvictSoonThreshold }

// NumSlots returns the number of on-disk-cell slots (0 for internal and
// col-fix-leaf pages, which use Refs / FixBitmap instead).
func (p *Page) NumSlots() int { return len(p.Slots) }

// fixedUpdateChain returns the sparse update chain for recno within a
// col-fix-leaf page, creating it only when create is true. Structural map writes must happen
// under Latch.
func (p *Page) fixedUpdateChain(recno uint64, create bool) *Chain {
	if c, ok := p.fixUpdates[recno]; ok {
		return c
	}
	if !create {
		return nil
	}
	c := &Chain{}
	p.fixUpdates[recno] = c
	return c
}
