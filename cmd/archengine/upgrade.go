package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade <uri>",
	Short: "Bump a tree's stored format version (Session::upgrade)",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpgrade,
}

func init() {
	upgradeCmd.Flags().Int64("version", 1, "target format version")
	rootCmd.AddCommand(upgradeCmd)
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	version, _ := cmd.Flags().GetInt64("version")

	c, s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer closeSession(c, s)

	if err := s.Upgrade(args[0], version); err != nil {
		return err
	}
	fmt.Printf("%s: upgraded to version %d\n", args[0], version)
	return nil
}
