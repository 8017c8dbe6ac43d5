package main

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/xrpeter/cloakmatch/mirror"
	"github.com/xrpeter/cloakmatch/server"
)

type clientOptions struct {
	stateDir  string
	serverURL string
	label     string
}

func (o *clientOptions) openMirror() *mirror.Mirror {
	remote := server.NewClient(o.serverURL, nil)
	return mirror.New(o.stateDir, o.label, remote)
}

func newSyncCommand(opts *clientOptions) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "sync NAME",
		Short: "Bring the local mirror up to the server's tip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := opts.openMirror()
			start := time.Now()
			if err := m.Sync(args[0]); err != nil {
				return err
			}

			n, err := m.EntryCount(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %s: %s active entries\n", args[0], humanize.Comma(int64(n)))
			if verbose {
				tip, err := m.Tip(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStderr(), "Tip.......: %s\n", hex.EncodeToString(tip))
				fmt.Fprintf(cmd.OutOrStderr(), "Elapsed...: %s\n", time.Since(start))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	return cmd
}

func newQueryCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "query NAME IOC",
		Short: "Obliviously look up one IOC",
		Long: `Query blinds the IOC, has the server evaluate it, and checks the
result against the local mirror. On a match the entry's metadata is
decrypted and printed. The server never sees the IOC.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.openMirror().Query(args[0], []byte(args[1]))
			if err != nil {
				return err
			}
			switch res.Outcome {
			case mirror.OutcomeMatch:
				fmt.Fprintf(cmd.OutOrStdout(), "match: %s\n", res.Metadata)
			case mirror.OutcomeNoMatch:
				fmt.Fprintln(cmd.OutOrStdout(), "no match")
			case mirror.OutcomeDecryptFailed:
				fmt.Fprintln(cmd.OutOrStdout(), "match found but metadata failed to decrypt; try `cloak reset`")
			}
			return nil
		},
	}
}

func newResetCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset NAME",
		Short: "Discard local state and perform a full sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.openMirror().Reset(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", args[0])
			return nil
		},
	}
}

func newPurgeCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge NAME",
		Short: "Delete local state without contacting the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.openMirror().Purge(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged local state for %s\n", args[0])
			return nil
		},
	}
}

func newInfoCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info NAME",
		Short: "Show the server's cipher suite for a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			et, err := server.NewClient(opts.serverURL, nil).EncryptionType(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "suite.......: %s\n", et.Suite)
			fmt.Fprintf(cmd.OutOrStdout(), "encryption..: %s\n", et.Encryption)
			return nil
		},
	}
}
