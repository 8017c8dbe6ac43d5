// Command cloak is the CLOAKmatch client: it mirrors a server's
// change log and runs oblivious IOC lookups against it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing cloak: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts clientOptions

	cmd := &cobra.Command{
		Use:   "cloak",
		Short: "CLOAKmatch client: oblivious IOC lookup",
		Long: `cloak mirrors a CLOAKmatch server's change log and answers IOC
queries without revealing the queried IOC to the server. A query that
matches decrypts the entry's metadata locally.`,
	}

	cmd.PersistentFlags().StringVarP(&opts.stateDir, "state-dir", "d", defaultStateDir(), "Directory holding mirror state")
	cmd.PersistentFlags().StringVarP(&opts.serverURL, "server", "s", "http://127.0.0.1:8808", "Server base URL")
	cmd.PersistentFlags().StringVarP(&opts.label, "label", "L", "default", "Label distinguishing this server's local state")

	cmd.AddCommand(
		newSyncCommand(&opts),
		newQueryCommand(&opts),
		newResetCommand(&opts),
		newPurgeCommand(&opts),
		newInfoCommand(&opts),
	)
	return cmd
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cloakmatch-client"
	}
	return home + "/.cloakmatch"
}
