package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var dumpCmd = &cobra.Command{
	Use:   "dump <uri>",
	Short: "Dump every key/value pair in collation order, hex-encoded",
	Long: `Dump iterates uri forward and prints one "key\tvalue" line per
pair, each field hex-encoded so arbitrary binary keys/values round-trip
through "archengine load" unambiguously.`,
	Args: cobra.ExactArgs(1),
	RunE: runDump,
}

func init() {
	rootCmd.AddCommand(dumpCmd)
}

func runDump(cmd *cobra.Command, args []string) error {
	c, s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer closeSession(c, s)

	cur, err := s.OpenCursor(args[0])
	if err != nil {
		return err
	}
	defer cur.Close()

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	for cur.Next() {
		fmt.Fprintf(w, "%s\t%s\n", hex.EncodeToString(cur.GetKey()), hex.EncodeToString(cur.GetValue()))
	}
	return nil
}
