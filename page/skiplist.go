package page

import (
	"bytes"
	"math/rand"
)

// maxSkipLevel bounds insert-list height; spec.md §3 describes Insert
// entries as carrying "skip-list forward pointers" without bounding their
// count, so this follows the conventional log2(expected-size) choice used
// by every skip-list implementation in the corpus's ancestry (bbolt's
// B+tree doesn't use one, but levelable structures in the wider Go
// ecosystem converge on 16-32; 16 comfortably covers a page's worth of
// inserts between reconciliations).
const maxSkipLevel = 16

// insertNode is one key in a per-slot insert list: a newly written key not
// yet present in the page's on-disk cell array, per spec.md §3's Insert
// entity. The teacher's lsm/memtable.go keeps inserts in a sorted slice
// searched by binary search; that works for a single-writer memtable but
// spec.md explicitly calls for skip-list forward pointers so concurrent
// inserts can splice in without shifting a slice, so this generalizes the
// sorted-insert idea into a true multi-level skip list.
type insertNode struct {
	key     []byte
	updates Chain
	forward []*insertNode
}

// InsertList is the per-slot (or per-append-region) skip list of newly
// written keys described in spec.md §4.1's in-memory page format.
type InsertList struct {
	head  insertNode
	level int
	rnd   *rand.Rand
}

// NewInsertList returns an empty insert list.
func NewInsertList() *InsertList {
	return &InsertList{
		head:  insertNode{forward: make([]*insertNode, maxSkipLevel)},
		level: 1,
		rnd:   rand.New(rand.NewSource(0x4152434845)),
	}
}

func (l *InsertList) randomLevel() int {
	lvl := 1
	for lvl < maxSkipLevel && l.rnd.Int31()&3 == 0 {
		lvl++
	}
	return lvl
}

// search locates, per level, the rightmost node with key < target. The
// returned update slice is the splice point for Insert and the exact hit
// (or nil) is returned as the last argument.
func (l *InsertList) search(key []byte) ([maxSkipLevel]*insertNode, *insertNode) {
	var update [maxSkipLevel]*insertNode
	cur := &l.head
	for i := l.level - 1; i >= 0; i-- {
		for cur.forward[i] != nil && bytes.Compare(cur.forward[i].key, key) < 0 {
			cur = cur.forward[i]
		}
		update[i] = cur
	}
	var hit *insertNode
	if cur.forward[0] != nil && bytes.Equal(cur.forward[0].key, key) {
		hit = cur.forward[0]
	}
	return update, hit
}

// Get returns the chain for key, or nil if the key has no insert-list
// entry (it may still exist on the page's on-disk cell array).
func (l *InsertList) Get(key []byte) *Chain {
	_, hit := l.search(key)
	if hit == nil {
		return nil
	}
	return &hit.updates
}

// GetOrInsert returns the chain for key, creating an empty insert-list
// entry if one does not already exist. Safe only under the page's write
// lock; spec.md §4.1 serializes insert-list structural changes through
// the page latch, while Chain.Prepend itself is lock-free.
func (l *InsertList) GetOrInsert(key []byte) *Chain {
	update, hit := l.search(key)
	if hit != nil {
		return &hit.updates
	}

	lvl := l.randomLevel()
	if lvl > l.level {
		for i := l.level; i < lvl; i++ {
			update[i] = &l.head
		}
		l.level = lvl
	}

	n := &insertNode{key: append([]byte(nil), key...), forward: make([]*insertNode, lvl)}
	for i := 0; i < lvl; i++ {
		n.forward[i] = update[i].forward[i]
		update[i].forward[i] = n
	}
	return &n.updates
}

// Remove unlinks key's insert-list entry entirely. Used only when an
// aborted insert must be retracted rather than merely marked deleted
// (e.g. a transaction that inserted a brand-new key then rolled back
// before any other reader observed it).
func (l *InsertList) Remove(key []byte) {
	update, hit := l.search(key)
	if hit == nil {
		return
	}
	for i := 0; i < l.level; i++ {
		if update[i].forward[i] != hit {
			continue
		}
		update[i].forward[i] = hit.forward[i]
	}
}

// Last returns the largest key's node, or nil if the list is empty, by
// walking the base level to its tail. Used by Cursor.SeekLast.
func (l *InsertList) Last() (key []byte, chain *Chain) {
	n := &l.head
	for n.forward[0] != nil {
		n = n.forward[0]
	}
	if n == &l.head {
		return nil, nil
	}
	return n.key, &n.updates
}

// First returns the smallest key's node, or nil if the list is empty.
func (l *InsertList) First() (key []byte, chain *Chain) {
	n := l.head.forward[0]
	if n == nil {
		return nil, nil
	}
	return n.key, &n.updates
}

// Next returns the node immediately after key, or nil at end-of-list. It
// performs a fresh bounded search rather than following a stored stack,
// since spec.md §4.1 notes insert-list back-walks require re-search to
// tolerate concurrent splices; Next here is the one-step forward
// analogue used by the forward cursor path.
func (l *InsertList) Next(key []byte) (nextKey []byte, chain *Chain) {
	cur := &l.head
	for i := l.level - 1; i >= 0; i-- {
		for cur.forward[i] != nil && bytes.Compare(cur.forward[i].key, key) <= 0 {
			cur = cur.forward[i]
		}
	}
	n := cur.forward[0]
	if n == nil {
		return nil, nil
	}
	return n.key, &n.updates
}

// Prev reconstructs the predecessor of key by a fresh bounded search from
// head, per spec.md §4.1's note that "the stack points after the current
// item" so stepping back needs a fresh search rather than a maintained
// backward pointer.
func (l *InsertList) Prev(key []byte) (prevKey []byte, chain *Chain) {
	update, _ := l.search(key)
	n := update[0]
	if n == &l.head {
		return nil, nil
	}
	return n.key, &n.updates
}

// SearchNear returns the node whose key is closest to key: an exact match
// if present, else the smallest key greater than it, else the largest key
// less than it. exact reports -1/0/+1 per spec.md §4.1's search_near.
func (l *InsertList) SearchNear(key []byte) (foundKey []byte, chain *Chain, exact int) {
	update, hit := l.search(key)
	if hit != nil {
		return hit.key, &hit.updates, 0
	}
	if n := update[0].forward[0]; n != nil {
		return n.key, &n.updates, 1
	}
	if update[0] != &l.head {
		return update[0].key, &update[0].updates, -1
	}
	return nil, nil, 0
}
