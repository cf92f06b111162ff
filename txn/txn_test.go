package txn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotIsolationRepeatableRead(t *testing.T) {
	mgr := NewManager()

	writer := mgr.Begin(SnapshotIsolation)
	v0 := writer.ID()
	require.NoError(t, writer.Commit())

	reader := mgr.Begin(SnapshotIsolation)

	writer2 := mgr.Begin(SnapshotIsolation)
	v1 := writer2.ID()
	require.NoError(t, writer2.Commit())

	// Reader's snapshot was captured before v1 committed, so v1 must not
	// be visible, but v0 (committed before the reader began) must be.
	require.True(t, reader.Visible(v0, true))
	require.False(t, reader.Visible(v1, true))
}

func TestReadCommittedSeesNewCommitsAfterRefresh(t *testing.T) {
	mgr := NewManager()
	reader := mgr.Begin(ReadCommitted)

	w := mgr.Begin(SnapshotIsolation)
	id := w.ID()
	require.NoError(t, w.Commit())

	reader.Refresh()
	require.True(t, reader.Visible(id, true))
}

func TestRollbackRunsUndoActionsLIFO(t *testing.T) {
	mgr := NewManager()
	tx := mgr.Begin(SnapshotIsolation)
	tx.ID()

	var order []int
	tx.RecordRollback(func() { order = append(order, 1) })
	tx.RecordRollback(func() { order = append(order, 2) })

	require.NoError(t, tx.Rollback())
	require.Equal(t, []int{2, 1}, order)
	require.True(t, tx.Aborted())
}

func TestOldestIDAdvancesAfterReaderCommits(t *testing.T) {
	mgr := NewManager()

	w := mgr.Begin(SnapshotIsolation)
	id := w.ID()
	require.NoError(t, w.Commit())

	reader := mgr.Begin(SnapshotIsolation)
	require.LessOrEqual(t, mgr.OldestID(), id)

	require.NoError(t, reader.Commit())

	w2 := mgr.Begin(SnapshotIsolation)
	w2.ID()
	require.NoError(t, w2.Commit())

	require.True(t, mgr.VisibleAll(id))
}
