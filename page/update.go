package page

import (
	"sync/atomic"

	"github.com/bitbased/archengine/txn"
)

// Update is a single versioned write to one key, per spec.md §3's Update
// entity. Chains are ordered newest-to-oldest by prepend time.
type Update struct {
	TxnID   txn.ID
	Value   []byte // nil + Tombstone true for a delete
	Tombstone bool
	aborted atomic.Bool
	next    atomic.Pointer[Update]
}

// Aborted reports whether the owning transaction rolled back; readers
// skip aborted updates regardless of isolation level (spec.md §4.1's
// write path / §4.5's rollback semantics).
func (u *Update) Aborted() bool { return u.aborted.Load() }

// MarkAborted flips the update to aborted; used by Txn.Rollback via the
// undo closure recorded when the update was prepended.
func (u *Update) MarkAborted() { u.aborted.Store(true) }

// Next returns the next-older update in the chain.
func (u *Update) Next() *Update { return u.next.Load() }

// Chain is an atomic singly-linked stack of Updates, one per slot (or per
// appended recno for column stores). The head is the newest write.
type Chain struct {
	head atomic.Pointer[Update]
}

// Head returns the current chain head without synchronization beyond the
// atomic load; callers walk via Update.Next.
func (c *Chain) Head() *Update { return c.head.Load() }

// Prepend installs u as the new chain head via CAS, retrying against
// concurrent prependers per spec.md §4.1's write path. It returns the
// previous head so the caller (a Txn) can record an undo closure that
// restores it on rollback.
func (c *Chain) Prepend(u *Update) *Update {
	for {
		old := c.head.Load()
		u.next.Store(old)
		if c.head.CompareAndSwap(old, u) {
			return old
		}
	}
}

// rollbackTo resets the chain head to prev, used by the undo closure
// Chain.Prepend's caller registers with Txn.RecordRollback. It is a plain
// CAS attempt; if a newer update was prepended after u, rollback instead
// marks u aborted rather than unlinking it, since unlinking out of order
// would drop the newer entry.
func (c *Chain) rollbackTo(u, prev *Update) {
	if c.head.CompareAndSwap(u, prev) {
		return
	}
	u.MarkAborted()
}

// Visible returns the newest update in the chain visible to t, walking
// newest-to-oldest and skipping aborted entries, per spec.md §4.5.
//
// u.TxnID == 0 is an update with no assigned writer (a chain entry built
// while loading a page's initial on-disk content): it is always
// committed. Every other entry reaching a chain has already had an id
// assigned by Cursor.recordForRollback before becoming reachable, and the
// only way it is not yet committed is if its owning Txn is still active
// -- in which case it is either the reader's own write (ids are assigned
// lazily on first write, so a read-only cursor never calls t.ID() here)
// or still present in the reader's snapshot Ids, both handled by
// Txn.Visible itself. So once an aborted entry is filtered out, the
// update is committed from every other transaction's point of view.
func (c *Chain) Visible(t *txn.Txn) *Update {
	for u := c.head.Load(); u != nil; u = u.Next() {
		if u.Aborted() {
			continue
		}
		if t.Visible(u.TxnID, true) {
			return u
		}
	}
	return nil
}

// NewUpdate builds an Update for a write, to be installed via Chain.Prepend.
func NewUpdate(id txn.ID, value []byte, tombstone bool) *Update {
	u := &Update{TxnID: id, Value: value, Tombstone: tombstone}
	return u
}
