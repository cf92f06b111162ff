package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteRecordAndScan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	w, err := Open(path)
	require.NoError(t, err)

	var lsns []uint64
	for i := 0; i < 5; i++ {
		lsn, err := w.WriteRecord(Record{
			Type:   RecordPageWrite,
			PageID: uint32(i),
			Data:   []byte(fmt.Sprintf("page-%d", i)),
		})
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	require.NoError(t, w.Sync())

	var got []Record
	require.NoError(t, w.Scan(func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 5)
	for i, r := range got {
		require.Equal(t, lsns[i], r.LSN)
		require.Equal(t, fmt.Sprintf("page-%d", i), string(r.Data))
	}
	require.NoError(t, w.Close())
}

func TestRecoveryAfterReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	w, err := Open(path)
	require.NoError(t, err)
	_, err = w.WriteRecord(Record{Type: RecordCommit, TxnID: 42})
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	w2, err := Open(path)
	require.NoError(t, err)
	defer w2.Close()

	var replayed []Record
	require.NoError(t, w2.Scan(func(r Record) error {
		replayed = append(replayed, r)
		return nil
	}))
	require.Len(t, replayed, 1)
	require.Equal(t, uint64(42), replayed[0].TxnID)

	// nextLSN must continue past the recovered record.
	lsn, err := w2.WriteRecord(Record{Type: RecordCommit, TxnID: 43})
	require.NoError(t, err)
	require.Equal(t, uint64(2), lsn)
}

func TestArchiveDropsOldRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	w, err := Open(path)
	require.NoError(t, err)

	var last uint64
	for i := 0; i < 3; i++ {
		last, err = w.WriteRecord(Record{Type: RecordPageWrite, PageID: uint32(i)})
		require.NoError(t, err)
	}
	require.NoError(t, w.Sync())
	require.NoError(t, w.Archive(last))

	var got []Record
	require.NoError(t, w.Scan(func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Empty(t, got)

	next, err := w.WriteRecord(Record{Type: RecordPageWrite, PageID: 99})
	require.NoError(t, err)
	require.Greater(t, next, last)

	require.NoError(t, w.Close())
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}
