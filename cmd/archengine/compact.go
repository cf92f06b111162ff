package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var compactCmd = &cobra.Command{
	Use:   "compact <uri>",
	Short: "Reclaim space by checkpointing under best-fit allocation (Session::compact)",
	Args:  cobra.ExactArgs(1),
	RunE:  runCompact,
}

func init() {
	rootCmd.AddCommand(compactCmd)
}

func runCompact(cmd *cobra.Command, args []string) error {
	c, s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer closeSession(c, s)

	if err := s.Compact(args[0]); err != nil {
		return err
	}
	fmt.Printf("%s: compacted\n", args[0])
	return nil
}
