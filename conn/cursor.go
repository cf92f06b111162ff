package conn

import (
	"github.com/bitbased/archengine/errs"
	"github.com/bitbased/archengine/page"
	"github.com/bitbased/archengine/stats"
	"github.com/bitbased/archengine/txn"
	"github.com/bitbased/archengine/wal"
)

// Cursor is spec.md §4.1/§6's public cursor: get/set key/value, next,
// prev, reset, search, search_near, insert, update, remove, close. In
// explicit-transaction mode (Session.BeginTransaction was called) every
// positioning and mutating call shares the session's one transaction;
// otherwise each mutating call is its own autocommit transaction, per
// spec.md §6's default isolation model.
type Cursor struct {
	session *Session
	ot      *openTree
	uri     string

	cur *page.Cursor

	// readTx is the snapshot this Cursor's positioning calls (Next,
	// Prev, Search, SearchNear) run under in autocommit mode. It is
	// opened lazily on first use and lives until Reset/Close, so
	// repeated traversal calls see a stable snapshot instead of a new
	// one per call.
	readTx *txn.Txn

	pendingKey   []byte
	pendingValue []byte
}

func newCursor(s *Session, ot *openTree) *Cursor {
	return &Cursor{session: s, ot: ot, uri: ot.uri}
}

// positioningTxn returns the transaction positioning calls should use:
// the session's explicit transaction if one is active, else a lazily
// opened, cursor-owned read snapshot.
func (cur *Cursor) positioningTxn() *txn.Txn {
	if cur.session.tx != nil {
		return cur.session.tx
	}
	if cur.readTx == nil {
		cur.readTx = cur.session.conn.txns.Begin(cur.session.isolation)
	}
	return cur.readTx
}

func (cur *Cursor) ensurePageCursor() {
	if cur.cur == nil {
		cur.cur = cur.ot.tree.OpenCursor(cur.positioningTxn())
	}
}

func (cur *Cursor) closeReadTx() {
	if cur.cur != nil {
		cur.cur.Close()
		cur.cur = nil
	}
	if cur.readTx != nil {
		cur.readTx.Rollback()
		cur.readTx = nil
	}
}

// GetKey returns the cursor's current key.
func (cur *Cursor) GetKey() []byte {
	if cur.cur == nil {
		return nil
	}
	return cur.cur.Key()
}

// GetValue returns the cursor's current value.
func (cur *Cursor) GetValue() []byte {
	if cur.cur == nil {
		return nil
	}
	return cur.cur.Value()
}

// SetKey stages a key for the next Insert/Update/Remove/Search call.
func (cur *Cursor) SetKey(key []byte) { cur.pendingKey = key }

// SetValue stages a value for the next Insert/Update call.
func (cur *Cursor) SetValue(value []byte) { cur.pendingValue = value }

// Next advances to the next key in collation order.
func (cur *Cursor) Next() bool {
	cur.ensurePageCursor()
	ok := cur.cur.Next()
	cur.countOp("next", cur.cur.Err())
	return ok
}

// Prev moves to the previous key in collation order.
func (cur *Cursor) Prev() bool {
	cur.ensurePageCursor()
	ok := cur.cur.Prev()
	cur.countOp("prev", cur.cur.Err())
	return ok
}

// Reset drops the cursor's position and, in autocommit mode, its read
// snapshot, per spec.md §4.1's "after any failed positioning op, the
// cursor is reset."
func (cur *Cursor) Reset() {
	if cur.session.tx != nil {
		if cur.cur != nil {
			cur.cur.Reset()
		}
		return
	}
	cur.closeReadTx()
}

// Search positions the cursor exactly at the staged key (SetKey), or
// reports errs.NotFound.
func (cur *Cursor) Search() error {
	cur.ensurePageCursor()
	err := cur.cur.Search(cur.pendingKey)
	cur.countOp("search", err)
	return err
}

// SearchNear positions at the staged key, else its nearest successor,
// else (no larger key) its nearest predecessor, returning exact<0
// (before), 0 (exact), or >0 (after).
func (cur *Cursor) SearchNear() (exact int, err error) {
	cur.ensurePageCursor()
	exact, err = cur.cur.SearchNear(cur.pendingKey)
	cur.countOp("search_near", err)
	return exact, err
}

// Insert inserts or overwrites the staged key/value.
func (cur *Cursor) Insert(overwrite bool) error {
	return cur.mutate("insert", func(pc *page.Cursor) error {
		return pc.Insert(cur.pendingKey, cur.pendingValue, overwrite)
	}, false)
}

// Update overwrites an existing key's value, failing with errs.NotFound
// if the key is absent.
func (cur *Cursor) Update() error {
	return cur.mutate("update", func(pc *page.Cursor) error {
		return pc.Update(cur.pendingKey, cur.pendingValue)
	}, false)
}

// Remove deletes the staged key.
func (cur *Cursor) Remove() error {
	return cur.mutate("remove", func(pc *page.Cursor) error {
		return pc.Remove(cur.pendingKey)
	}, true)
}

// mutate runs fn against the session's explicit transaction if one is
// active, or else opens, commits, and durably logs its own autocommit
// transaction, per spec.md §6's per-call-commit default.
func (cur *Cursor) mutate(op string, fn func(*page.Cursor) error, tombstone bool) error {
	if cur.session.tx != nil {
		pc := cur.ot.tree.OpenCursor(cur.session.tx)
		err := fn(pc)
		pc.Close()
		cur.countOp(op, err)
		return err
	}

	tx := cur.session.conn.txns.Begin(cur.session.isolation)
	pc := cur.ot.tree.OpenCursor(tx)
	if err := fn(pc); err != nil {
		pc.Close()
		tx.Rollback()
		cur.countOp(op, err)
		return err
	}
	pc.Close()

	if err := cur.logAutocommit(tombstone); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		cur.countOp(op, err)
		return err
	}
	cur.ot.tree.NoteCommitted(tx.ID())
	cur.countOp(op, nil)
	return nil
}

// logAutocommit durably records the staged update in ot.wal before the
// in-memory transaction commits, per spec.md §1's WAL collaborator
// interface ("write_record ... sync").
func (cur *Cursor) logAutocommit(tombstone bool) error {
	if cur.ot.wal == nil {
		return nil
	}
	data := encodeWALUpdate(cur.pendingKey, cur.pendingValue, tombstone)
	if _, err := cur.ot.wal.WriteRecord(wal.Record{
		Type:   wal.RecordPageWrite,
		TreeID: cur.ot.tree.ID,
		Data:   data,
	}); err != nil {
		return errs.Wrap(errs.Io, err, "writing WAL record for %s", cur.uri)
	}
	return cur.ot.wal.Sync()
}

func (cur *Cursor) countOp(op string, err error) {
	stats.CursorOpsTotal.WithLabelValues(cur.uri, op).Inc()
	if err != nil && errs.Classify(err) != errs.NotFound {
		stats.CursorOpErrorsTotal.WithLabelValues(cur.uri, op, errs.Classify(err).String()).Inc()
	}
}

// Close releases the cursor's resources, rolling back any autocommit
// read snapshot it still holds open.
func (cur *Cursor) Close() error {
	cur.closeReadTx()
	return nil
}
