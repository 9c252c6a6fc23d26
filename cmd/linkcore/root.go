package main

import (
	"log/slog"

	"github.com/kazimsarikaya/linkcore/internal/store"
	"github.com/spf13/cobra"
)

// rootOptions carries everything a subcommand needs once persistent flags
// and config have been resolved, mirroring the teacher's
// `opts *rootOptions` threading through `newISOCommand`.
type rootOptions struct {
	config  *config
	logger  *slog.Logger
	cfgFile string
	dbFile  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{logger: slog.Default()}

	cmd := &cobra.Command{
		Use:           "linkcore",
		Short:         "Ingest ELF-subset object files and link them into a flat or PE/UEFI image",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.cfgFile)
			if err != nil {
				return err
			}

			opts.config = cfg

			if opts.dbFile == "" {
				opts.dbFile = cfg.DBFile
			}

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "path to an optional config file")
	cmd.PersistentFlags().StringVar(&opts.dbFile, "db-file", "", "path to the link metadata store (default from config's db_file)")

	cmd.AddCommand(newIngestCommand(opts))
	cmd.AddCommand(newLinkCommand(opts))
	cmd.AddCommand(newPrintCommand(opts))
	cmd.AddCommand(newSelfcheckCommand(opts))

	return cmd
}

// openStore is the shared store.Open call every subcommand makes once
// persistent flags have resolved opts.dbFile.
func openStore(opts *rootOptions) (*store.Store, error) {
	return store.Open(opts.dbFile)
}
