package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bitbased/archengine/wal"
)

var printlogCmd = &cobra.Command{
	Use:   "printlog <uri>",
	Short: "Dump a tree's write-ahead log records in append order",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrintlog,
}

func init() {
	rootCmd.AddCommand(printlogCmd)
}

var recordTypeNames = map[wal.RecordType]string{
	wal.RecordPageWrite:  "page-write",
	wal.RecordCheckpoint: "checkpoint",
	wal.RecordCommit:     "commit",
}

func runPrintlog(cmd *cobra.Command, args []string) error {
	c, s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer closeSession(c, s)

	return s.ScanLog(args[0], func(rec wal.Record) error {
		name := recordTypeNames[rec.Type]
		if name == "" {
			name = fmt.Sprintf("type(%d)", rec.Type)
		}
		fmt.Printf("lsn=%d %-11s tree=%d page=%d txn=%d bytes=%d\n",
			rec.LSN, name, rec.TreeID, rec.PageID, rec.TxnID, len(rec.Data))
		return nil
	})
}
