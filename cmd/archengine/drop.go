package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dropCmd = &cobra.Command{
	Use:   "drop <uri>",
	Short: "Drop a tree and its on-disk files (Session::drop)",
	Args:  cobra.ExactArgs(1),
	RunE:  runDrop,
}

func init() {
	rootCmd.AddCommand(dropCmd)
}

func runDrop(cmd *cobra.Command, args []string) error {
	c, s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer closeSession(c, s)

	if err := s.Drop(args[0]); err != nil {
		return err
	}
	fmt.Printf("dropped %s\n", args[0])
	return nil
}
