package page

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bitbased/archengine/txn"
)

func TestInsertListOrderedTraversal(t *testing.T) {
	l := NewInsertList()
	for _, k := range []string{"banana", "apple", "cherry", "date"} {
		l.GetOrInsert([]byte(k))
	}

	var got []string
	key, _ := l.First()
	for key != nil {
		got = append(got, string(key))
		key, _ = l.Next(key)
	}
	require.Equal(t, []string{"apple", "banana", "cherry", "date"}, got)
}

func TestInsertListPrevReconstructsPredecessor(t *testing.T) {
	l := NewInsertList()
	for _, k := range []string{"a", "b", "c"} {
		l.GetOrInsert([]byte(k))
	}
	prev, _ := l.Prev([]byte("c"))
	require.Equal(t, "b", string(prev))
	prev, _ = l.Prev([]byte("a"))
	require.Nil(t, prev)
}

func TestInsertListSearchNear(t *testing.T) {
	l := NewInsertList()
	for _, k := range []string{"b", "d", "f"} {
		l.GetOrInsert([]byte(k))
	}

	_, _, exact := l.SearchNear([]byte("d"))
	require.Equal(t, 0, exact)

	k, _, exact := l.SearchNear([]byte("c"))
	require.Equal(t, 1, exact)
	require.Equal(t, "d", string(k))

	k, _, exact = l.SearchNear([]byte("z"))
	require.Equal(t, -1, exact)
	require.Equal(t, "f", string(k))
}

func TestChainVisibilitySkipsAbortedAndHonorsSnapshot(t *testing.T) {
	mgr := txn.NewManager()
	var chain Chain

	w1 := mgr.Begin(txn.SnapshotIsolation)
	u1 := NewUpdate(0, []byte("v1"), false)
	u1.TxnID = w1.ID()
	chain.Prepend(u1)
	require.NoError(t, w1.Commit())

	reader := mgr.Begin(txn.SnapshotIsolation)

	w2 := mgr.Begin(txn.SnapshotIsolation)
	u2 := NewUpdate(0, []byte("v2"), false)
	u2.TxnID = w2.ID()
	chain.Prepend(u2)
	u2.MarkAborted()

	seen := chain.Visible(reader)
	require.NotNil(t, seen)
	require.Equal(t, "v1", string(seen.Value))
}

// fakeSource treats every Ref as already resident; it exists purely to
// exercise Cursor without cache/ or block/.
type fakeSource struct{}

func (fakeSource) Fetch(r *Ref) (*Page, error) { return r.Page(), nil }
func (fakeSource) Release(*Ref)                {}

func newSingleLeafTree() (*Ref, *Page) {
	leaf := NewLeaf(1, RowLeaf)
	ref := &Ref{}
	ref.SetPage(leaf)
	return ref, leaf
}

func TestCursorInsertSearchRemoveOnRowLeaf(t *testing.T) {
	mgr := txn.NewManager()
	root, _ := newSingleLeafTree()

	writer := mgr.Begin(txn.SnapshotIsolation)
	wc := NewCursor(fakeSource{}, root, writer)
	require.NoError(t, wc.Insert([]byte("k1"), []byte("v1"), false))
	require.NoError(t, wc.Insert([]byte("k2"), []byte("v2"), false))
	require.NoError(t, writer.Commit())

	reader := mgr.Begin(txn.SnapshotIsolation)
	rc := NewCursor(fakeSource{}, root, reader)
	require.NoError(t, rc.Search([]byte("k1")))
	require.Equal(t, "v1", string(rc.Value()))

	var keys []string
	require.NoError(t, rc.SeekFirst())
	for rc.Next() {
		keys = append(keys, string(rc.Key()))
	}
	require.Equal(t, []string{"k1", "k2"}, keys)

	writer2 := mgr.Begin(txn.SnapshotIsolation)
	wc2 := NewCursor(fakeSource{}, root, writer2)
	require.NoError(t, wc2.Remove([]byte("k1")))
	require.NoError(t, writer2.Commit())

	reader2 := mgr.Begin(txn.SnapshotIsolation)
	rc2 := NewCursor(fakeSource{}, root, reader2)
	err := rc2.Search([]byte("k1"))
	require.Error(t, err)
}

func TestCursorDuplicateKeyWithoutOverwrite(t *testing.T) {
	mgr := txn.NewManager()
	root, _ := newSingleLeafTree()

	w := mgr.Begin(txn.SnapshotIsolation)
	c := NewCursor(fakeSource{}, root, w)
	require.NoError(t, c.Insert([]byte("k"), []byte("v1"), false))
	require.NoError(t, w.Commit())

	w2 := mgr.Begin(txn.SnapshotIsolation)
	c2 := NewCursor(fakeSource{}, root, w2)
	err := c2.Insert([]byte("k"), []byte("v2"), false)
	require.Error(t, err)
}

func TestFairLockSequentialReadersThenWriter(t *testing.T) {
	var l FairLock

	l.RLock()
	l.RLock()
	l.RUnlock()
	l.RUnlock()

	l.Lock()
	unlocked := make(chan struct{})
	go func() {
		l.Lock()
		close(unlocked)
		l.Unlock()
	}()
	l.Unlock()
	<-unlocked
}
