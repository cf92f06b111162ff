package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup <uri> <dest-dir>",
	Short: "Checkpoint a tree and copy its durable files to dest-dir (Session::backup)",
	Long: `Backup forces a checkpoint on uri, then copies its block file,
write-ahead log, and lookaside store (if configured) into dest-dir.

Full hot-backup orchestration (incremental, online, multi-tree) is out
of the storage-engine core's scope; this is the single-tree
programmatic equivalent the core still exposes.`,
	Args: cobra.ExactArgs(2),
	RunE: runBackup,
}

func init() {
	rootCmd.AddCommand(backupCmd)
}

func runBackup(cmd *cobra.Command, args []string) error {
	c, s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer closeSession(c, s)

	if err := s.Backup(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("backed up %s -> %s\n", args[0], args[1])
	return nil
}
