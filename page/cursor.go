package page

import (
	"bytes"

	"github.com/bitbased/archengine/errs"
	"github.com/bitbased/archengine/txn"
)

// phase identifies where within a leaf page the cursor is positioned,
// implementing spec.md §4.1's "interleaves skip-list slots (odd) with
// on-page slots (even)" ordering: beforeSlots walks SmallestInserts,
// atSlot sits on a slot's on-page cell, afterSlot walks that slot's
// insert list before moving to the next slot.
type phase int

const (
	phaseBeforeSlots phase = iota
	phaseAtSlot
	phaseAfterSlot
	phaseDone
)

// frame is one level of the tree-walk stack used to ascend/descend
// between leaves, since row/col pages carry no on-disk sibling pointer
// (unlike the teacher's btree/page.go RightPtr): spec.md §4.1 calls this
// walk "tree_walk", descending via Refs and ascending by popping frames.
type frame struct {
	page *Page
	ref  *Ref // the ref on page.Refs[idx]
	idx  int
}

// Cursor implements spec.md §4.1's public contract: next/prev/reset/
// search/search_near/insert/update/remove/close.
type Cursor struct {
	src  Source
	root *Ref
	txn  *txn.Txn

	stack []frame
	leaf  *Page

	slotIdx   int // current on-page slot index within leaf
	ph        phase
	insertKey []byte // current insert-list position when ph != phaseAtSlot

	key   []byte
	value []byte
	err   error
}

// NewCursor returns a cursor over the tree rooted at root, operating
// under t's snapshot.
func NewCursor(src Source, root *Ref, t *txn.Txn) *Cursor {
	return &Cursor{src: src, root: root, txn: t, ph: phaseDone}
}

// Reset drops the cursor's position without closing it, per spec.md
// §4.1's "after any failed cursor positioning operation, the cursor is
// reset".
func (c *Cursor) Reset() {
	for _, f := range c.stack {
		c.src.Release(f.ref)
	}
	c.stack = nil
	c.leaf = nil
	c.ph = phaseDone
	c.key, c.value, c.err = nil, nil, nil
}

// Close releases all resident-page hazard records the cursor holds.
func (c *Cursor) Close() error {
	c.Reset()
	return nil
}

// Key returns the current position's key.
func (c *Cursor) Key() []byte { return c.key }

// Value returns the current position's value.
func (c *Cursor) Value() []byte { return c.value }

// Err returns the last error encountered.
func (c *Cursor) Err() error { return c.err }

// descendLeftmost fetches children from page down to the leftmost leaf,
// pushing a frame per internal level.
func (c *Cursor) descendLeftmost(startRef *Ref) (*Page, error) {
	ref := startRef
	for {
		pg, err := c.src.Fetch(ref)
		if err != nil {
			return nil, err
		}
		if pg.IsLeaf() {
			return pg, nil
		}
		if len(pg.Refs) == 0 {
			c.src.Release(ref)
			return pg, nil
		}
		child := pg.Refs[0]
		c.stack = append(c.stack, frame{page: pg, ref: ref, idx: 0})
		ref = child
	}
}

// descendFor is descendLeftmost's keyed analogue: it follows ChildIndex
// at every internal level instead of always taking Refs[0].
func (c *Cursor) descendFor(startRef *Ref, key []byte) (*Page, error) {
	ref := startRef
	for {
		pg, err := c.src.Fetch(ref)
		if err != nil {
			return nil, err
		}
		if pg.IsLeaf() {
			return pg, nil
		}
		if len(pg.Refs) == 0 {
			c.src.Release(ref)
			return pg, nil
		}
		idx := pg.ChildIndex(key)
		c.stack = append(c.stack, frame{page: pg, ref: ref, idx: idx})
		ref = pg.Refs[idx]
	}
}

// ascendToNextLeaf pops the stack until it finds a frame with an
// unvisited next child, then descends leftmost from there. Returns nil,
// nil at end-of-tree.
func (c *Cursor) ascendToNextLeaf() (*Page, error) {
	for len(c.stack) > 0 {
		top := c.stack[len(c.stack)-1]
		c.stack = c.stack[:len(c.stack)-1]
		if top.idx+1 < len(top.page.Refs) {
			nextRef := top.page.Refs[top.idx+1]
			c.stack = append(c.stack, frame{page: top.page, ref: top.ref, idx: top.idx + 1})
			return c.descendLeftmost(nextRef)
		}
		c.src.Release(top.ref)
	}
	return nil, nil
}

// ascendToPrevLeaf mirrors ascendToNextLeaf for reverse iteration.
func (c *Cursor) ascendToPrevLeaf() (*Page, error) {
	for len(c.stack) > 0 {
		top := c.stack[len(c.stack)-1]
		c.stack = c.stack[:len(c.stack)-1]
		if top.idx-1 >= 0 {
			prevRef := top.page.Refs[top.idx-1]
			c.stack = append(c.stack, frame{page: top.page, ref: top.ref, idx: top.idx - 1})
			return c.descendRightmost(prevRef)
		}
		c.src.Release(top.ref)
	}
	return nil, nil
}

func (c *Cursor) descendRightmost(startRef *Ref) (*Page, error) {
	ref := startRef
	for {
		pg, err := c.src.Fetch(ref)
		if err != nil {
			return nil, err
		}
		if pg.IsLeaf() {
			return pg, nil
		}
		if len(pg.Refs) == 0 {
			c.src.Release(ref)
			return pg, nil
		}
		idx := len(pg.Refs) - 1
		c.stack = append(c.stack, frame{page: pg, ref: ref, idx: idx})
		ref = pg.Refs[idx]
	}
}

// visible returns the value bytes of the newest update in chain visible
// to c.txn, and whether that update is a tombstone. ok is false if no
// update in the chain is visible at all.
func (c *Cursor) visible(chain *Chain) (value []byte, tombstone bool, ok bool) {
	u := chain.Visible(c.txn)
	if u == nil {
		return nil, false, false
	}
	return u.Value, u.Tombstone, true
}

// Next advances the cursor and reports whether a valid position resulted,
// per spec.md §4.1's forward traversal algorithm (row-leaf path; see
// NextColVar/NextColFix for the column-store variants).
func (c *Cursor) Next() bool {
	for {
		ok, err := c.stepForward()
		if err != nil {
			c.err = err
			return false
		}
		if !ok {
			c.key, c.value = nil, nil
			return false
		}
		if c.ph == phaseAtSlot {
			slot := c.leaf.Slots[c.slotIdx]
			if slot.Cell == nil || slot.Cell.Removed {
				continue
			}
			v, tomb, vis := c.visible(&slot.Updates)
			if !vis {
				// No update chain entry at all but the on-page cell
				// itself is always implicitly visible (txn 0).
				if slot.Cell.Value == nil {
					continue
				}
				c.key, c.value = slot.Cell.Key, slot.Cell.Value
				return true
			}
			if tomb {
				c.leaf.NoteDeleted()
				continue
			}
			c.key, c.value = slot.Cell.Key, v
			return true
		}

		// phaseBeforeSlots / phaseAfterSlot: positioned on an insert node.
		list := c.currentInsertList()
		chain := list.Get(c.insertKey)
		if chain == nil {
			continue
		}
		v, tomb, vis := c.visible(chain)
		if !vis || tomb {
			if vis && tomb {
				c.leaf.NoteDeleted()
			}
			continue
		}
		c.key, c.value = append([]byte(nil), c.insertKey...), v
		return true
	}
}

func (c *Cursor) currentInsertList() *InsertList {
	if c.ph == phaseBeforeSlots {
		return c.leaf.SmallestInserts
	}
	return c.leaf.Slots[c.slotIdx].Inserts
}

// stepForward advances exactly one raw position (without visibility
// filtering), crossing leaf boundaries via the tree-walk stack as needed.
func (c *Cursor) stepForward() (bool, error) {
	if c.leaf == nil {
		return false, nil
	}

	switch c.ph {
	case phaseBeforeSlots:
		key, _ := c.leaf.SmallestInserts.Next(c.insertKey)
		if key != nil {
			c.insertKey = key
			return true, nil
		}
		if len(c.leaf.Slots) == 0 {
			return c.advanceLeaf()
		}
		c.ph, c.slotIdx = phaseAtSlot, 0
		return true, nil

	case phaseAtSlot:
		c.ph = phaseAfterSlot
		c.insertKey = nil
		return true, nil

	case phaseAfterSlot:
		list := c.leaf.Slots[c.slotIdx].Inserts
		var key []byte
		if c.insertKey == nil {
			key, _ = list.First()
		} else {
			key, _ = list.Next(c.insertKey)
		}
		if key != nil {
			c.insertKey = key
			return true, nil
		}
		c.slotIdx++
		if c.slotIdx >= len(c.leaf.Slots) {
			return c.advanceLeaf()
		}
		c.ph, c.insertKey = phaseAtSlot, nil
		return true, nil
	}
	return false, nil
}

func (c *Cursor) advanceLeaf() (bool, error) {
	pg, err := c.ascendToNextLeaf()
	if err != nil {
		return false, err
	}
	if pg == nil {
		c.leaf = nil
		c.ph = phaseDone
		return false, nil
	}
	c.leaf = pg
	c.ph = phaseBeforeSlots
	c.insertKey = nil
	return true, nil
}

// Prev mirrors Next for reverse iteration.
func (c *Cursor) Prev() bool {
	for {
		ok, err := c.stepBackward()
		if err != nil {
			c.err = err
			return false
		}
		if !ok {
			c.key, c.value = nil, nil
			return false
		}
		if c.ph == phaseAtSlot {
			slot := c.leaf.Slots[c.slotIdx]
			if slot.Cell == nil || slot.Cell.Removed {
				continue
			}
			v, tomb, vis := c.visible(&slot.Updates)
			if !vis {
				if slot.Cell.Value == nil {
					continue
				}
				c.key, c.value = slot.Cell.Key, slot.Cell.Value
				return true
			}
			if tomb {
				c.leaf.NoteDeleted()
				continue
			}
			c.key, c.value = slot.Cell.Key, v
			return true
		}
		list := c.currentInsertList()
		chain := list.Get(c.insertKey)
		if chain == nil {
			continue
		}
		v, tomb, vis := c.visible(chain)
		if !vis || tomb {
			continue
		}
		c.key, c.value = append([]byte(nil), c.insertKey...), v
		return true
	}
}

// stepBackward reconstructs the predecessor position via InsertList.Prev,
// per spec.md §4.1's note that reverse skip-list walks require a fresh
// bounded re-search rather than a maintained backward pointer.
func (c *Cursor) stepBackward() (bool, error) {
	if c.leaf == nil {
		return false, nil
	}

	switch c.ph {
	case phaseAfterSlot:
		key, _ := c.leaf.Slots[c.slotIdx].Inserts.Prev(c.insertKey)
		if key != nil {
			c.insertKey = key
			return true, nil
		}
		c.ph = phaseAtSlot
		c.insertKey = nil
		return true, nil

	case phaseAtSlot:
		if c.slotIdx == 0 {
			c.ph = phaseBeforeSlots
			c.insertKey = nil
			key, _ := c.leaf.SmallestInserts.Prev(nil)
			if key != nil {
				c.insertKey = key
			}
			if c.insertKey == nil {
				return c.retreatLeaf()
			}
			return true, nil
		}
		c.slotIdx--
		c.ph = phaseAfterSlot
		key, _ := c.leaf.Slots[c.slotIdx].Inserts.Prev(nil)
		c.insertKey = key
		if key == nil {
			c.ph = phaseAtSlot
		}
		return true, nil

	case phaseBeforeSlots:
		key, _ := c.leaf.SmallestInserts.Prev(c.insertKey)
		if key != nil {
			c.insertKey = key
			return true, nil
		}
		return c.retreatLeaf()
	}
	return false, nil
}

func (c *Cursor) retreatLeaf() (bool, error) {
	pg, err := c.ascendToPrevLeaf()
	if err != nil {
		return false, err
	}
	if pg == nil {
		c.leaf = nil
		c.ph = phaseDone
		return false, nil
	}
	c.leaf = pg
	if len(pg.Slots) == 0 {
		c.ph = phaseBeforeSlots
		key, _ := pg.SmallestInserts.Prev(nil)
		c.insertKey = key
		if key == nil {
			return c.retreatLeaf()
		}
		return true, nil
	}
	c.ph, c.slotIdx = phaseAfterSlot, len(pg.Slots)-1
	key, _ := pg.Slots[c.slotIdx].Inserts.Prev(nil)
	c.insertKey = key
	if key == nil {
		c.ph = phaseAtSlot
	}
	return true, nil
}

// startAt positions the cursor at the leftmost leaf (key == nil) or the
// leaf containing key, resetting any prior position.
func (c *Cursor) startAt(key []byte) error {
	c.Reset()
	var leaf *Page
	var err error
	if len(key) == 0 {
		leaf, err = c.descendLeftmost(c.root)
	} else {
		leaf, err = c.descendFor(c.root, key)
	}
	if err != nil {
		return err
	}
	c.leaf = leaf
	c.ph = phaseBeforeSlots
	c.insertKey = nil
	return nil
}

// SeekFirst positions the cursor before the smallest key in the tree, so
// that a following Next() returns it. This is the cursor.reset()+next()
// entry point spec.md §4.1 describes as "no current page, start at the
// root and descend to the leftmost leaf".
func (c *Cursor) SeekFirst() error { return c.startAt(nil) }

// SeekLast positions the cursor after the largest key in the tree, so
// that a following Prev() returns it.
func (c *Cursor) SeekLast() error {
	c.Reset()
	leaf, err := c.descendRightmost(c.root)
	if err != nil {
		return err
	}
	c.leaf = leaf
	// insertKey sits just past the last insert-list key (nil for an
	// empty list), so the first stepBackward lands on the largest key.
	list := leaf.SmallestInserts
	c.ph = phaseBeforeSlots
	if len(leaf.Slots) > 0 {
		c.ph, c.slotIdx = phaseAfterSlot, len(leaf.Slots)-1
		list = leaf.Slots[c.slotIdx].Inserts
	}
	c.insertKey = nil
	if key, _ := list.Last(); key != nil {
		c.insertKey = append(append([]byte(nil), key...), 0)
	}
	return nil
}

// Search positions the cursor on an exact match for key, visible to the
// cursor's transaction, or fails with errs.NotFound.
func (c *Cursor) Search(key []byte) error {
	if err := c.startAt(key); err != nil {
		c.Reset()
		return err
	}

	if chain := c.leaf.SmallestInserts.Get(key); chain != nil {
		if v, tomb, ok := c.visible(chain); ok && !tomb {
			c.key, c.value = append([]byte(nil), key...), v
			return nil
		}
	}

	idx := c.searchSlot(key)
	if idx >= 0 {
		slot := c.leaf.Slots[idx]
		if v, tomb, ok := c.visible(&slot.Updates); ok {
			if tomb {
				c.Reset()
				return errs.New(errs.NotFound, "key not found", nil)
			}
			c.ph, c.slotIdx = phaseAtSlot, idx
			c.key, c.value = slot.Cell.Key, v
			return nil
		}
		if slot.Cell != nil && !slot.Cell.Removed && slot.Cell.Value != nil {
			c.ph, c.slotIdx = phaseAtSlot, idx
			c.key, c.value = slot.Cell.Key, slot.Cell.Value
			return nil
		}
	}

	for i := range c.leaf.Slots {
		if chain := c.leaf.Slots[i].Inserts.Get(key); chain != nil {
			if v, tomb, ok := c.visible(chain); ok && !tomb {
				c.ph, c.slotIdx, c.insertKey = phaseAfterSlot, i, append([]byte(nil), key...)
				c.key, c.value = c.insertKey, v
				return nil
			}
		}
	}

	c.Reset()
	return errs.New(errs.NotFound, "key not found", nil)
}

// searchSlot returns the index of the slot whose cell key equals key, or
// -1. Adapted from the teacher's btree/page.go searchCell.
func (c *Cursor) searchSlot(key []byte) int {
	slots := c.leaf.Slots
	lo, hi := 0, len(slots)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		if slots[mid].Cell == nil {
			return -1
		}
		cmp := bytes.Compare(key, slots[mid].Cell.Key)
		switch {
		case cmp == 0:
			return mid
		case cmp < 0:
			hi = mid - 1
		default:
			lo = mid + 1
		}
	}
	return -1
}

// SearchNear positions on the closest key to key, per spec.md §4.1.
// exact is -1/0/+1 for less-than/equal/greater-than.
func (c *Cursor) SearchNear(key []byte) (exact int, err error) {
	if err := c.Search(key); err == nil {
		return 0, nil
	} else if errs.Classify(err) != errs.NotFound {
		return 0, err
	}

	if err := c.startAt(key); err != nil {
		return 0, err
	}
	for c.Next() {
		if bytes.Compare(c.key, key) > 0 {
			return 1, nil
		}
	}
	if c.err != nil {
		return 0, c.err
	}
	// No larger key: the largest key in the tree is the closest.
	if err := c.SeekLast(); err != nil {
		return 0, err
	}
	for c.Prev() {
		return -1, nil
	}
	c.Reset()
	return 0, errs.New(errs.NotFound, "tree is empty", nil)
}

// chainInLeaf returns (creating as needed) the update chain key should
// write into on c.leaf: the matching on-page slot if one exists, else a
// per-slot (or smallest-region) insert-list entry. Caller must hold
// c.leaf.Latch for writing: GetOrInsert splices the skip list in-place
// and is not safe to race against another splice.
func (c *Cursor) chainInLeaf(key []byte) *Chain {
	if idx := c.searchSlot(key); idx >= 0 {
		return &c.leaf.Slots[idx].Updates
	}

	idx := 0
	for idx < len(c.leaf.Slots) && c.leaf.Slots[idx].Cell != nil && bytes.Compare(c.leaf.Slots[idx].Cell.Key, key) < 0 {
		idx++
	}
	var list *InsertList
	if idx == 0 {
		list = c.leaf.SmallestInserts
	} else {
		list = c.leaf.Slots[idx-1].Inserts
	}
	return list.GetOrInsert(key)
}

// Insert adds key/value. With overwrite=false it fails with
// errs.DuplicateKey if a visible entry already exists; with overwrite=true
// it upserts, per spec.md §4.1.
func (c *Cursor) Insert(key, value []byte, overwrite bool) error {
	if err := c.startAt(key); err != nil {
		return err
	}
	c.leaf.Latch.Lock()
	defer c.leaf.Latch.Unlock()

	chain := c.chainInLeaf(key)
	if !overwrite && c.existsIn(key, chain) {
		return errs.New(errs.DuplicateKey, "key already exists", nil)
	}

	u := NewUpdate(0, append([]byte(nil), value...), false)
	c.recordForRollback(chain, u)
	c.leaf.MarkDirty()
	return nil
}

// Update overwrites key's value unconditionally (alias for Insert with
// overwrite=true, kept distinct to match spec.md's cursor contract).
func (c *Cursor) Update(key, value []byte) error {
	return c.Insert(key, value, true)
}

// Remove deletes key, failing with errs.NotFound if it does not currently
// have a visible value.
func (c *Cursor) Remove(key []byte) error {
	if err := c.startAt(key); err != nil {
		return err
	}
	c.leaf.Latch.Lock()
	defer c.leaf.Latch.Unlock()

	chain := c.chainInLeaf(key)
	if !c.existsIn(key, chain) {
		return errs.New(errs.NotFound, "key not found", nil)
	}

	u := NewUpdate(0, nil, true)
	c.recordForRollback(chain, u)
	c.leaf.MarkDirty()
	return nil
}

// existsIn reports whether key has a visible value: the newest visible
// update on chain decides, else key's on-page cell if it carries one.
func (c *Cursor) existsIn(key []byte, chain *Chain) bool {
	if _, tomb, ok := c.visible(chain); ok {
		return !tomb
	}
	if idx := c.searchSlot(key); idx >= 0 {
		cell := c.leaf.Slots[idx].Cell
		return cell != nil && !cell.Removed && cell.Value != nil
	}
	return false
}

// recordForRollback assigns u the cursor's transaction id, prepends it,
// and registers an undo closure so Txn.Rollback can unwind it.
func (c *Cursor) recordForRollback(chain *Chain, u *Update) {
	u.TxnID = c.txn.ID()
	prev := chain.Prepend(u)
	c.txn.RecordRollback(func() { chain.rollbackTo(u, prev) })
}
