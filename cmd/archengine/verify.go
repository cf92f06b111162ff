package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <uri>",
	Short: "Validate a tree's on-disk block structure (Session::verify)",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	c, s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer closeSession(c, s)

	if err := s.Verify(args[0]); err != nil {
		return err
	}
	fmt.Printf("%s: ok\n", args[0])
	return nil
}
