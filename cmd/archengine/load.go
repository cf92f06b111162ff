package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bitbased/archengine/errs"
)

var loadCmd = &cobra.Command{
	Use:   "load <uri>",
	Short: "Load key/value pairs from a file produced by \"archengine dump\"",
	Args:  cobra.ExactArgs(1),
	RunE:  runLoad,
}

func init() {
	loadCmd.Flags().String("file", "", "input file (default: stdin)")
	loadCmd.Flags().Bool("overwrite", true, "upsert instead of failing on duplicate keys")
	rootCmd.AddCommand(loadCmd)
}

func runLoad(cmd *cobra.Command, args []string) error {
	filePath, _ := cmd.Flags().GetString("file")
	overwrite, _ := cmd.Flags().GetBool("overwrite")

	in := os.Stdin
	if filePath != "" {
		f, err := os.Open(filePath)
		if err != nil {
			return errs.Wrap(errs.Io, err, "opening load input")
		}
		defer f.Close()
		in = f
	}

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

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)

	var n int
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		keyHex, valHex, ok := strings.Cut(line, "\t")
		if !ok {
			return errs.New(errs.Config, "malformed load line (expected key\\tvalue): "+line, nil)
		}
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return errs.Wrap(errs.Config, err, "decoding key hex")
		}
		value, err := hex.DecodeString(valHex)
		if err != nil {
			return errs.Wrap(errs.Config, err, "decoding value hex")
		}
		cur.SetKey(key)
		cur.SetValue(value)
		if err := cur.Insert(overwrite); err != nil {
			return err
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return errs.Wrap(errs.Io, err, "reading load input")
	}
	fmt.Printf("loaded %d pair(s) into %s\n", n, args[0])
	return nil
}
