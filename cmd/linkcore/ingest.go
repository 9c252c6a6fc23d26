package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kazimsarikaya/linkcore/internal/ingest"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// newIngestCommand recovers the original `generatelinkerdb` two-phase build
// (SPEC_FULL.md §4): ingest a whole directory of object files, or an
// explicit list, ahead of a single later `link` pass — while keeping
// spec.md §4.2's one-object-file-per-transaction boundary intact by
// serializing the batch through an errgroup limited to a single in-flight
// ingest at a time, so the store's exclusive-write-during-ingest contract
// (spec.md §5) is never shared across two files, but a failure still
// cancels the rest of the batch promptly.
func newIngestCommand(opts *rootOptions) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "ingest [object-files...]",
		Short: "Ingest one or more ELF-subset object files into the link database",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args

			if dir != "" {
				entries, err := os.ReadDir(dir)
				if err != nil {
					return fmt.Errorf("ingest: read directory %q: %w", dir, err)
				}

				for _, e := range entries {
					if e.IsDir() {
						continue
					}

					paths = append(paths, filepath.Join(dir, e.Name()))
				}
			}

			if len(paths) == 0 {
				return fmt.Errorf("ingest: no object files given (pass paths, or --dir)")
			}

			s, err := openStore(opts)
			if err != nil {
				return fmt.Errorf("ingest: open store: %w", err)
			}
			defer func() { _ = s.Close() }()

			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(1)

			for _, path := range paths {
				path := path

				g.Go(func() error {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}

					stats, report, err := ingest.Ingest(s, path)
					if err != nil {
						return fmt.Errorf("ingest %q: %w", path, err)
					}

					opts.logger.Info("ingested object file",
						"path", path, "module", stats.ModuleName, "implementation", stats.ImplementationName,
						"sections", stats.NewSections, "symbols", stats.NewSymbols, "relocations", stats.NewRelocations,
						"unresolved", len(report.Unresolved), "duplicate", len(report.Duplicate),
					)

					return nil
				})
			}

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "ingest every file in this directory instead of (or in addition to) explicit paths")

	return cmd
}
