// Package txn implements the MVCC transaction layer of spec.md §4.5: id
// assignment, per-transaction snapshots, the isolation-level visibility
// table, and the oldest-id watermark the cache and reconciliation layers
// consult before reclaiming an update chain.
//
// The id counter and watermark tracking here generalize the atomic
// counters the teacher scatters inline (btree/btree.go's stats struct,
// lsm/lsm.go's sequence/nextFileNum) into a dedicated snapshot manager,
// since MVCC visibility has no analog in the teacher's single-writer
// engines.
package txn

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bitbased/archengine/errs"
	"github.com/bitbased/archengine/logging"
)

// Isolation selects which rows of spec.md §4.5's visibility table apply.
type Isolation int

const (
	ReadUncommitted Isolation = iota
	ReadCommitted
	SnapshotIsolation
)

// State is a transaction's lifecycle stage.
type State int

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

// ID is a transaction id. 0 is never assigned; it means "no transaction"
// / "visible to everyone" in update-chain bookkeeping.
type ID uint64

// Snapshot captures the set of ids a transaction should treat as
// not-yet-committed, per spec.md §3's Txn entity.
type Snapshot struct {
	Min ID
	Max ID
	Ids []ID // active-at-capture-time ids in [Min, Max)
}

// contains reports whether id appears in the snapshot's active set.
func (s Snapshot) contains(id ID) bool {
	for _, x := range s.Ids {
		if x == id {
			return true
		}
	}
	return false
}

// Manager is the global MVCC state for one Connection: the monotonic id
// counter, the set of active transactions, and the oldest-reader
// watermark.
type Manager struct {
	mu      sync.Mutex
	current ID
	active  map[ID]*Txn
}

// NewManager creates a Manager with its id counter starting at 1.
func NewManager() *Manager {
	return &Manager{current: 0, active: make(map[ID]*Txn)}
}

// Txn is a single in-progress (or resolved) transaction.
type Txn struct {
	mgr       *Manager
	id        ID // 0 until the first write assigns one
	isolation Isolation
	snapshot  Snapshot
	state     atomic.Int32 // State

	mu           sync.Mutex
	modifiedRefs []func() // rollback actions, run LIFO on abort
}

// Begin starts a new transaction under the given isolation level. For
// Snapshot and ReadUncommitted isolation the snapshot is captured now;
// ReadCommitted recaptures it on every operation (see Refresh).
func (m *Manager) Begin(isolation Isolation) *Txn {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &Txn{mgr: m, isolation: isolation}
	if isolation != ReadCommitted {
		t.snapshot = m.snapshotLocked()
	}
	return t
}

// snapshotLocked must be called with m.mu held.
func (m *Manager) snapshotLocked() Snapshot {
	ids := make([]ID, 0, len(m.active))
	for id, t := range m.active {
		if t.state.Load() == int32(StateActive) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	min := m.oldestActiveLocked()
	return Snapshot{Min: min, Max: m.current + 1, Ids: ids}
}

func (m *Manager) oldestActiveLocked() ID {
	min := m.current + 1
	for id, t := range m.active {
		if t.state.Load() == int32(StateActive) && id < min {
			min = id
		}
	}
	return min
}

// Refresh recaptures the snapshot for read-committed isolation; a no-op
// for snapshot/read-uncommitted transactions, whose snapshot is fixed at
// Begin time (spec.md §4.5's visibility table).
func (t *Txn) Refresh() {
	if t.isolation != ReadCommitted {
		return
	}
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	t.snapshot = t.mgr.snapshotLocked()
}

// assignID lazily assigns this transaction's id on its first write, per
// spec.md §3 ("Id assigned on first write").
func (t *Txn) assignID() ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.id != 0 {
		return t.id
	}
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	t.mgr.current++
	t.id = t.mgr.current
	t.mgr.active[t.id] = t
	return t.id
}

// ID returns the transaction's id, assigning one if this is the first
// write the caller has made.
func (t *Txn) ID() ID { return t.assignID() }

// RecordRollback registers an undo action run (in LIFO order) if the
// transaction aborts, mirroring spec.md §3's "modified-refs list".
func (t *Txn) RecordRollback(undo func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.modifiedRefs = append(t.modifiedRefs, undo)
}

// Commit publishes the transaction's id as committed and retires its
// snapshot. It is a no-op if the transaction never wrote anything (no id
// was ever assigned).
func (t *Txn) Commit() error {
	if t.state.Load() != int32(StateActive) {
		return errs.New(errs.Rollback, "transaction is not active", nil)
	}
	t.state.Store(int32(StateCommitted))

	t.mu.Lock()
	id := t.id
	t.mu.Unlock()
	if id == 0 {
		return nil
	}

	t.mgr.mu.Lock()
	delete(t.mgr.active, id)
	t.mgr.mu.Unlock()
	return nil
}

// Rollback runs every registered undo action (newest first) and marks
// the transaction aborted so readers skip its updates.
func (t *Txn) Rollback() error {
	if t.state.Load() == int32(StateCommitted) {
		return errs.New(errs.Rollback, "cannot roll back a committed transaction", nil)
	}
	t.state.Store(int32(StateAborted))

	t.mu.Lock()
	actions := t.modifiedRefs
	t.modifiedRefs = nil
	id := t.id
	t.mu.Unlock()

	for i := len(actions) - 1; i >= 0; i-- {
		actions[i]()
	}

	if id != 0 {
		t.mgr.mu.Lock()
		delete(t.mgr.active, id)
		t.mgr.mu.Unlock()
	}
	return nil
}

// Aborted reports whether id's owning transaction has rolled back. The
// Manager keeps no history for committed/aborted ids past their removal
// from `active`, so this only answers meaningfully for ids still being
// tracked; callers (update-chain readers) call it while the writer's
// Txn is reachable from the chain entry itself, not via the Manager.
func (t *Txn) Aborted() bool { return t.state.Load() == int32(StateAborted) }

// Visible implements spec.md §4.5's visibility table: does this
// transaction's snapshot make update id u observable?
func (t *Txn) Visible(u ID, committed bool) bool {
	switch t.isolation {
	case ReadUncommitted:
		return true // caller is responsible for skipping aborted updates
	default: // ReadCommitted, Snapshot
		t.mu.Lock()
		own := t.id
		t.mu.Unlock()
		if u != 0 && u == own {
			return true // the transaction's own write
		}
		s := t.snapshot
		if u < s.Min {
			return true
		}
		if u < s.Max && !s.contains(u) && committed {
			return true
		}
		return false
	}
}

// OldestID returns the smallest snapshot.Min across all active
// transactions, i.e. spec.md §4.5's oldest_id watermark: updates with an
// id strictly less than this are globally visible and may be reclaimed
// once no hazard record references their page (cache.HazardSet).
func (m *Manager) OldestID() ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.oldestActiveLocked()
}

// VisibleAll reports spec.md §4.5's visible_all(u) predicate.
func (m *Manager) VisibleAll(u ID) bool {
	return u < m.OldestID()
}

// CurrentID returns the most recently assigned transaction id, exported
// by stats.Collector as a gauge.
func (m *Manager) CurrentID() ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// warnIfStale logs via logging.Component when a long-running reader is
// pinning the oldest_id watermark well behind the current id.
func (m *Manager) warnIfStale(oldest ID, current ID, threshold ID) {
	if current-oldest <= threshold {
		return
	}
	logging.Component("txn").Warn().
		Uint64("oldest_id", uint64(oldest)).
		Uint64("current_id", uint64(current)).
		Msg("oldest_id watermark is stalled; a long-running reader may be pinning GC")
}

// CheckWatermarkStall is called periodically by conn's watermark task to
// surface the "long-running reader blocks reclamation" condition
// operators need to know about.
func (m *Manager) CheckWatermarkStall(threshold ID) {
	m.mu.Lock()
	oldest := m.oldestActiveLocked()
	current := m.current
	m.mu.Unlock()
	m.warnIfStale(oldest, current, threshold)
}
