package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xrpeter/cloakmatch/dataset"
	"github.com/xrpeter/cloakmatch/server"
)

func openStore(dataDir string) (*dataset.Store, error) {
	return dataset.NewStore(dataDir)
}

func newCreateCommand(dataDir *string) *cobra.Command {
	var algorithm, rekeyInterval string

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a dataset and generate its private key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*dataDir)
			if err != nil {
				return err
			}
			cfg := dataset.Config{Algorithm: algorithm, RekeyInterval: rekeyInterval}
			if err := store.Create(args[0], cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created dataset %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", dataset.AlgorithmClassic, "Algorithm tag")
	cmd.Flags().StringVarP(&rekeyInterval, "rekey-interval", "r", "", "Informational rekey interval (e.g. 720h)")
	return cmd
}

func newRemoveCommand(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Delete a dataset's key and config, leaving published data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*dataDir)
			if err != nil {
				return err
			}
			if err := store.Remove(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed dataset %s (index and change log retained)\n", args[0])
			return nil
		},
	}
}

func newPurgeCommand(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "purge NAME",
		Short: "Destroy a dataset completely",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*dataDir)
			if err != nil {
				return err
			}
			if err := store.Purge(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged dataset %s\n", args[0])
			return nil
		},
	}
}

func newListCommand(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List datasets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*dataDir)
			if err != nil {
				return err
			}
			names, err := store.List()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newSyncCommand(dataDir *string) *cobra.Command {
	var sourcePath string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "sync NAME",
		Short: "Diff a source file against the dataset and append the changes",
		Long: `Sync recomputes the dataset index from a source file of
"ioc,metadata" lines and appends the resulting ADDED/REMOVED events to
the change log. Re-running with an unchanged source appends nothing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*dataDir)
			if err != nil {
				return err
			}
			f, err := os.Open(sourcePath)
			if err != nil {
				return fmt.Errorf("open source: %w", err)
			}
			defer f.Close()

			start := time.Now()
			delta, err := store.SyncFromSource(args[0], dataset.NewLineSource(f))
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "synced %s: %s added, %s removed\n",
				args[0],
				humanize.Comma(int64(delta.Added)),
				humanize.Comma(int64(delta.Removed)))
			if verbose {
				fmt.Fprintf(cmd.OutOrStderr(), "Events appended...: %s\n", humanize.Comma(int64(len(delta.Events))))
				fmt.Fprintf(cmd.OutOrStderr(), "Elapsed...........: %s\n", time.Since(start))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&sourcePath, "source", "s", "", "Source file of ioc,metadata lines")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	cmd.MarkFlagRequired("source")
	return cmd
}

func newRekeyCommand(dataDir *string) *cobra.Command {
	var sourcePath string

	cmd := &cobra.Command{
		Use:   "rekey NAME",
		Short: "Rotate the private key and republish the dataset",
		Long: `Rekey generates a fresh OPRF key, rebuilds the whole index from the
source file, and truncates the change log to an ADDED-only sequence.
Every previously published ciphertext becomes undecryptable; clients
fall back to a full sync automatically.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*dataDir)
			if err != nil {
				return err
			}
			f, err := os.Open(sourcePath)
			if err != nil {
				return fmt.Errorf("open source: %w", err)
			}
			defer f.Close()

			if err := store.Rekey(args[0], dataset.NewLineSource(f)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rekeyed dataset %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&sourcePath, "source", "s", "", "Source file of ioc,metadata lines")
	cmd.MarkFlagRequired("source")
	return cmd
}

func newServeCommand(dataDir *string) *cobra.Command {
	var listen string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the lookup protocol over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*dataDir)
			if err != nil {
				return err
			}

			log := logrus.New()
			log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			if debug {
				log.SetLevel(logrus.DebugLevel)
			}

			srv := server.New(store, log)
			log.WithFields(logrus.Fields{
				"listen":   listen,
				"data_dir": *dataDir,
			}).Info("cloakd listening")
			return http.ListenAndServe(listen, srv.Handler())
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", ":8808", "Listen address")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}
