package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statCmd = &cobra.Command{
	Use:   "stat <uri>",
	Short: "Print a tree's cache and block-manager counters (Session::stat)",
	Args:  cobra.ExactArgs(1),
	RunE:  runStat,
}

func init() {
	rootCmd.AddCommand(statCmd)
}

func runStat(cmd *cobra.Command, args []string) error {
	c, s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer closeSession(c, s)

	st, err := s.Stat(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("cache.bytes_in_use    %d\n", st.Cache.BytesInUse.Load())
	fmt.Printf("cache.bytes_dirty     %d\n", st.Cache.BytesDirty.Load())
	fmt.Printf("cache.bytes_internal  %d\n", st.Cache.BytesInternal.Load())
	fmt.Printf("cache.bytes_overflow  %d\n", st.Cache.BytesOverflow.Load())
	fmt.Printf("cache.pages_in_use    %d\n", st.Cache.PagesInUse.Load())
	fmt.Printf("block.file_size       %d\n", st.Block.FileSize)
	fmt.Printf("block.alloc_bytes     %d\n", st.Block.AllocBytes)
	fmt.Printf("block.avail_bytes     %d\n", st.Block.AvailBytes)
	fmt.Printf("block.discard_bytes   %d\n", st.Block.DiscardBytes)
	return nil
}
