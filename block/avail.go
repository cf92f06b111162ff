package block

import "math/rand"

// sizeNode is one node of the avail list's by-size skip list, ordered by
// (Size, Offset) so multiple same-size extents remain individually
// addressable.
type sizeNode struct {
	ext     Extent
	forward []*sizeNode
}

func sizeLess(a, b Extent) bool {
	if a.Size != b.Size {
		return a.Size < b.Size
	}
	return a.Offset < b.Offset
}

// AvailList is spec.md §4.4's avail extent list: dual-indexed by offset
// (inherited ExtentList behavior, for offset-adjacency merging on free)
// and by size (first-fit or best-fit allocation search).
type AvailList struct {
	byOffset  *ExtentList
	sizeHead  sizeNode
	sizeLevel int
	rnd       *rand.Rand
}

// NewAvailList returns an empty avail list.
func NewAvailList() *AvailList {
	return &AvailList{
		byOffset:  NewExtentList(),
		sizeHead:  sizeNode{forward: make([]*sizeNode, maxExtentSkipLevel)},
		sizeLevel: 1,
		rnd:       rand.New(rand.NewSource(0x41564c37)),
	}
}

// Len returns the number of extents tracked (post-merge) in the list.
func (a *AvailList) Len() int { return a.byOffset.Len() }

// All returns every extent in offset order.
func (a *AvailList) All() []Extent { return a.byOffset.All() }

// Contains reports whether offset falls within any tracked extent.
func (a *AvailList) Contains(offset uint64) bool { return a.byOffset.Contains(offset) }

func (a *AvailList) randomLevel() int {
	lvl := 1
	for lvl < maxExtentSkipLevel && a.rnd.Int31()&3 == 0 {
		lvl++
	}
	return lvl
}

// insertSize adds ext to the by-size index alone; callers are
// responsible for keeping the by-offset index (a.byOffset) consistent,
// which Free and Take do on its behalf.
func (a *AvailList) insertSize(ext Extent) {
	var update [maxExtentSkipLevel]*sizeNode
	cur := &a.sizeHead
	for i := a.sizeLevel - 1; i >= 0; i-- {
		for cur.forward[i] != nil && sizeLess(cur.forward[i].ext, ext) {
			cur = cur.forward[i]
		}
		update[i] = cur
	}
	lvl := a.randomLevel()
	if lvl > a.sizeLevel {
		for i := a.sizeLevel; i < lvl; i++ {
			update[i] = &a.sizeHead
		}
		a.sizeLevel = lvl
	}
	n := &sizeNode{ext: ext, forward: make([]*sizeNode, lvl)}
	for i := 0; i < lvl; i++ {
		n.forward[i] = update[i].forward[i]
		update[i].forward[i] = n
	}
}

func (a *AvailList) removeSize(ext Extent) {
	var update [maxExtentSkipLevel]*sizeNode
	cur := &a.sizeHead
	for i := a.sizeLevel - 1; i >= 0; i-- {
		for cur.forward[i] != nil && sizeLess(cur.forward[i].ext, ext) {
			cur = cur.forward[i]
		}
		update[i] = cur
	}
	hit := cur.forward[0]
	if hit == nil || hit.ext != ext {
		// Size-sorted position may have shifted if Size ties broke
		// differently; fall back to a linear scan over the tie range.
		n := cur
		for n.forward[0] != nil && n.forward[0].ext.Size == ext.Size {
			if n.forward[0].ext.Offset == ext.Offset {
				hit = n.forward[0]
				break
			}
			n = n.forward[0]
		}
		if hit == nil || hit.ext != ext {
			return
		}
	}
	for i := 0; i < a.sizeLevel; i++ {
		if update[i].forward[i] == hit {
			update[i].forward[i] = hit.forward[i]
		}
	}
}

// Free adds ext to the avail list, merging with any offset-adjacent
// neighbors first (spec.md §4.4's merge-on-free) and keeping the size
// index in sync with whatever extent results from that merge.
func (a *AvailList) Free(ext Extent) {
	before := a.byOffset.All()
	a.byOffset.Insert(ext)
	after := a.byOffset.All()

	for _, e := range before {
		a.removeSize(e)
	}
	for _, e := range after {
		a.insertSize(e)
	}
}

// Take removes and returns an extent covering at least size bytes,
// splitting off any remainder back into the list. policy selects
// first-fit by offset (default) or best-fit by size (compaction's knob,
// per spec.md §4.4).
func (a *AvailList) Take(size uint64, bestFit bool) (Extent, bool) {
	var ext Extent
	found := false
	if bestFit {
		cur := &a.sizeHead
		for i := a.sizeLevel - 1; i >= 0; i-- {
			for cur.forward[i] != nil && cur.forward[i].ext.Size < size {
				cur = cur.forward[i]
			}
		}
		if n := cur.forward[0]; n != nil {
			ext, found = n.ext, true
		}
	} else {
		for _, e := range a.byOffset.All() {
			if e.Size >= size {
				ext, found = e, true
				break
			}
		}
	}
	if !found {
		return Extent{}, false
	}

	a.removeSize(ext)
	a.byOffset.Remove(ext.Offset)

	if ext.Size > size {
		remainder := Extent{Offset: ext.Offset + size, Size: ext.Size - size}
		a.byOffset.insertRaw(remainder)
		a.insertSize(remainder)
	}
	return Extent{Offset: ext.Offset, Size: size}, true
}

// FromAvailExtents bulk-loads an avail list from a decoded extent slice
// (checkpoint restore), merging adjacent entries and rebuilding the size
// index as it goes.
func FromAvailExtents(extents []Extent) *AvailList {
	a := NewAvailList()
	for _, e := range extents {
		a.Free(e)
	}
	return a
}
