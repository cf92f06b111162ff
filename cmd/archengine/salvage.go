package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var salvageCmd = &cobra.Command{
	Use:   "salvage <uri>",
	Short: "Best-effort recovery of a damaged tree's blocks (Session::salvage)",
	Args:  cobra.ExactArgs(1),
	RunE:  runSalvage,
}

func init() {
	rootCmd.AddCommand(salvageCmd)
}

func runSalvage(cmd *cobra.Command, args []string) error {
	c, s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer closeSession(c, s)

	blocks, err := s.Salvage(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("recovered %d block(s)\n", len(blocks))
	for _, b := range blocks {
		fmt.Printf("  addr=%d size=%d\n", b.Addr, len(b.Payload))
	}
	return nil
}
