// Command archengine is the CLI surface spec.md §6 requires: "the core
// must expose programmatic equivalents of every CLI verb (create, drop,
// rename, list, salvage, upgrade, verify, dump, load, printlog, stat,
// backup, compact)." Each subcommand opens a conn.Connection against
// --db, runs exactly one Session verb, and closes the connection —
// there is no long-lived server process here, matching spec.md §1's
// "embedded in-process; it is not a server."
//
// Structured the way cuemby-warren/cmd/warren/main.go lays out its
// cobra tree: one rootCmd in this file, one file per verb registering
// itself with rootCmd.AddCommand from its own init().
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bitbased/archengine/conn"
	"github.com/bitbased/archengine/logging"
	"github.com/bitbased/archengine/plugin"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "archengine",
	Short: "ArchEngine storage engine core — programmatic CLI",
	Long: `archengine drives the embedded transactional key/value storage
engine core defined by the ArchEngine specification directly from the
command line: one invocation, one Session verb, no background server.`,
}

func init() {
	rootCmd.PersistentFlags().String("db", "./archengine-data", "database directory (created if absent)")
	rootCmd.PersistentFlags().String("connection-config", "", "connection-level config string (§6 grammar)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	logging.Init(logging.Config{Level: logging.Level(level), JSONOutput: jsonOut})
}

// openSession opens the --db connection and a single Session on it. The
// caller must call closeSession when done; most subcommands defer it
// immediately after a successful open.
func openSession(cmd *cobra.Command) (*conn.Connection, *conn.Session, error) {
	dbPath, _ := cmd.Flags().GetString("db")
	cfgStr, _ := cmd.Flags().GetString("connection-config")

	c, err := conn.Open(dbPath, cfgStr, plugin.NoopEventHandler{})
	if err != nil {
		return nil, nil, err
	}
	return c, c.OpenSession(), nil
}

// closeSession closes s then c, discarding both close errors since the
// command's own result already determines exit status.
func closeSession(c *conn.Connection, s *conn.Session) {
	if s != nil {
		_ = s.Close()
	}
	if c != nil {
		_ = c.Close()
	}
}
