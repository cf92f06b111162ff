package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create <uri>",
	Short: "Create a new tree (Session::create)",
	Long: `Create registers a new tree at uri, e.g. "table:orders" or
"file:scratch". --config takes the same comma-separated key=value
grammar as every other option string in §6.

Examples:
  archengine create table:orders --config "type=row,compressor=snappy"`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

func init() {
	createCmd.Flags().String("config", "", "tree config string (§6 grammar)")
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	cfgStr, _ := cmd.Flags().GetString("config")
	c, s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer closeSession(c, s)

	if err := s.Create(args[0], cfgStr); err != nil {
		return err
	}
	fmt.Printf("created %s\n", args[0])
	return nil
}
