// Package block implements the block manager of spec.md §4.4: extent
// allocation/free/checkpoint bookkeeping, positioned file reads/writes, a
// whole-file read mapping, and salvage/verify. Per-checkpoint extent
// lists generalize the teacher's lsm/levels.go (which ages SSTable runs
// across compactions into a fixed ladder of levels) into the aging of
// free byte ranges across checkpoints that spec.md §4.4 describes;
// positioned file I/O is adapted from btree/pager.go.
package block

import "math/rand"

// Extent is a contiguous run of file bytes, per spec.md §3's Extent
// entity.
type Extent struct {
	Offset uint64
	Size   uint64
}

// End returns the first byte past the extent.
func (e Extent) End() uint64 { return e.Offset + e.Size }

const maxExtentSkipLevel = 16

// extentNode is one node of the by-offset skip list.
type extentNode struct {
	ext     Extent
	forward []*extentNode
}

// ExtentList is a skip list of Extents ordered and searched by Offset,
// per spec.md §4.4: "a by-offset skip list (used to merge adjacent
// extents on free)". The design is adapted from page/skiplist.go's
// multi-level skip list, re-keyed from byte-string keys to uint64
// offsets.
type ExtentList struct {
	head  extentNode
	level int
	rnd   *rand.Rand
	count int
}

// NewExtentList returns an empty offset-ordered extent list.
func NewExtentList() *ExtentList {
	return &ExtentList{
		head:  extentNode{forward: make([]*extentNode, maxExtentSkipLevel)},
		level: 1,
		rnd:   rand.New(rand.NewSource(0x4552434841)),
	}
}

func (l *ExtentList) randomLevel() int {
	lvl := 1
	for lvl < maxExtentSkipLevel && l.rnd.Int31()&3 == 0 {
		lvl++
	}
	return lvl
}

func (l *ExtentList) search(offset uint64) ([maxExtentSkipLevel]*extentNode, *extentNode) {
	var update [maxExtentSkipLevel]*extentNode
	cur := &l.head
	for i := l.level - 1; i >= 0; i-- {
		for cur.forward[i] != nil && cur.forward[i].ext.Offset < offset {
			cur = cur.forward[i]
		}
		update[i] = cur
	}
	var hit *extentNode
	if cur.forward[0] != nil && cur.forward[0].ext.Offset == offset {
		hit = cur.forward[0]
	}
	return update, hit
}

// Insert adds ext, attempting to merge with its immediate offset
// predecessor and successor so adjacent free ranges coalesce, per
// spec.md §4.4's "Free" operation.
func (l *ExtentList) Insert(ext Extent) {
	update, hit := l.search(ext.Offset)
	if hit != nil {
		// Same start offset already present (shouldn't happen for a
		// well-formed free list); grow it defensively rather than drop
		// the incoming extent.
		if ext.Size > hit.ext.Size {
			hit.ext.Size = ext.Size
		}
		l.tryMergeForward(hit)
		return
	}

	pred := update[0]
	if pred != &l.head && pred.ext.End() == ext.Offset {
		pred.ext.Size += ext.Size
		l.tryMergeForward(pred)
		return
	}

	lvl := l.randomLevel()
	if lvl > l.level {
		for i := l.level; i < lvl; i++ {
			update[i] = &l.head
		}
		l.level = lvl
	}
	n := &extentNode{ext: ext, forward: make([]*extentNode, lvl)}
	for i := 0; i < lvl; i++ {
		n.forward[i] = update[i].forward[i]
		update[i].forward[i] = n
	}
	l.count++
	l.tryMergeForward(n)
}

// tryMergeForward absorbs n's immediate successor into n if they are
// byte-adjacent, keeping the list free of fragmentable adjacent pairs.
func (l *ExtentList) tryMergeForward(n *extentNode) {
	next := n.forward[0]
	if next == nil || n.ext.End() != next.ext.Offset {
		return
	}
	n.ext.Size += next.ext.Size
	l.removeNode(next)
}

// Remove deletes the extent starting at offset, returning it and whether
// it was present.
func (l *ExtentList) Remove(offset uint64) (Extent, bool) {
	update, hit := l.search(offset)
	if hit == nil {
		return Extent{}, false
	}
	for i := 0; i < l.level; i++ {
		if update[i].forward[i] == hit {
			update[i].forward[i] = hit.forward[i]
		}
	}
	l.count--
	return hit.ext, true
}

func (l *ExtentList) removeNode(n *extentNode) {
	update, hit := l.search(n.ext.Offset)
	if hit != n {
		return
	}
	for i := 0; i < l.level; i++ {
		if update[i].forward[i] == hit {
			update[i].forward[i] = hit.forward[i]
		}
	}
	l.count--
}

// Len returns the number of extents currently tracked.
func (l *ExtentList) Len() int { return l.count }

// All returns every extent in offset order, used by checkpoint
// serialization and verify.
func (l *ExtentList) All() []Extent {
	out := make([]Extent, 0, l.count)
	for n := l.head.forward[0]; n != nil; n = n.forward[0] {
		out = append(out, n.ext)
	}
	return out
}

// Contains reports whether offset falls within any tracked extent.
func (l *ExtentList) Contains(offset uint64) bool {
	cur := &l.head
	for i := l.level - 1; i >= 0; i-- {
		for cur.forward[i] != nil && cur.forward[i].ext.Offset <= offset {
			cur = cur.forward[i]
		}
	}
	return cur != &l.head && offset < cur.ext.End()
}

// Clone returns a deep copy, used by Checkpoint to capture a point-in-
// time triplet without holding the live list locked during serialization.
func (l *ExtentList) Clone() *ExtentList {
	out := NewExtentList()
	for _, e := range l.All() {
		out.insertRaw(e)
	}
	return out
}

// insertRaw inserts without merge, used by Clone (the source list is
// already merged), by AvailList.Take for a split-off remainder, and by
// Manager.Write, which keeps every allocated block as its own extent.
func (l *ExtentList) insertRaw(ext Extent) {
	update, _ := l.search(ext.Offset)
	lvl := l.randomLevel()
	if lvl > l.level {
		for i := l.level; i < lvl; i++ {
			update[i] = &l.head
		}
		l.level = lvl
	}
	n := &extentNode{ext: ext, forward: make([]*extentNode, lvl)}
	for i := 0; i < lvl; i++ {
		n.forward[i] = update[i].forward[i]
		update[i].forward[i] = n
	}
	l.count++
}

// FromExtents bulk-loads a list from a decoded extent slice (checkpoint
// restore / recovery), merging adjacent entries as it goes.
func FromExtents(extents []Extent) *ExtentList {
	l := NewExtentList()
	for _, e := range extents {
		l.Insert(e)
	}
	return l
}
