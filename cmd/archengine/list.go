package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list [prefix]",
	Short: "List tree URIs known to the metadata table",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	var prefix string
	if len(args) == 1 {
		prefix = args[0]
	}

	c, s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer closeSession(c, s)

	uris, err := s.List(prefix)
	if err != nil {
		return err
	}
	for _, u := range uris {
		fmt.Println(u)
	}
	return nil
}
