// Command cloakd operates the server side of CLOAKmatch: dataset
// lifecycle, source synchronization, rekeying, and the HTTP endpoint
// clients sync and query against.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing cloakd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "cloakd",
		Short: "CLOAKmatch server: private IOC lookup datasets",
		Long: `cloakd manages CLOAKmatch datasets and serves the lookup protocol.

A dataset is an OPRF-keyed index of indicators of compromise with
per-entry encrypted metadata and an append-only, hash-chained change
log. Clients mirror the change log and query obliviously: the server
never learns which IOC was looked up.`,
	}

	cmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "cloakmatch-data", "Directory holding dataset state")

	cmd.AddCommand(
		newCreateCommand(&dataDir),
		newRemoveCommand(&dataDir),
		newPurgeCommand(&dataDir),
		newListCommand(&dataDir),
		newSyncCommand(&dataDir),
		newRekeyCommand(&dataDir),
		newServeCommand(&dataDir),
	)
	return cmd
}
