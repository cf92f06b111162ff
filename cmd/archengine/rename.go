package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var renameCmd = &cobra.Command{
	Use:   "rename <old-uri> <new-uri>",
	Short: "Rename a tree's metadata row (Session::rename)",
	Args:  cobra.ExactArgs(2),
	RunE:  runRename,
}

func init() {
	rootCmd.AddCommand(renameCmd)
}

func runRename(cmd *cobra.Command, args []string) error {
	c, s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer closeSession(c, s)

	if err := s.Rename(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("renamed %s -> %s\n", args[0], args[1])
	return nil
}
