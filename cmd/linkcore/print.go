package main

import (
	"fmt"

	"github.com/kazimsarikaya/linkcore/internal/cli"
	"github.com/kazimsarikaya/linkcore/internal/link"
	"github.com/spf13/cobra"
)

func newPrintCommand(opts *rootOptions) *cobra.Command {
	var (
		entrypoint                               string
		recursive                                bool
		programStartPhysical, programStartVirtual uint64
		allowDuplicateSymbols                     bool
	)

	cmd := &cobra.Command{
		Use:   "print",
		Short: "Build the module closure and dump its layout without emitting an image",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore(opts)
			if err != nil {
				return fmt.Errorf("print: open store: %w", err)
			}
			defer func() { _ = s.Close() }()

			if programStartPhysical == 0 {
				programStartPhysical = opts.config.DefaultProgramBase
			}
			if programStartVirtual == 0 {
				programStartVirtual = opts.config.DefaultProgramBase
			}

			builder := link.NewBuilder(s, recursive)
			if allowDuplicateSymbols {
				builder = builder.AllowDuplicateSymbols()
			}

			res, err := builder.Build(entrypoint)
			if err != nil {
				return fmt.Errorf("print: build module closure: %w", err)
			}

			if err := link.Bind(res, programStartPhysical, programStartVirtual); err != nil {
				return fmt.Errorf("print: bind addresses: %w", err)
			}

			return cli.PrintContext(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&entrypoint, "entrypoint", "", "entry symbol name (required)")
	cmd.Flags().BoolVar(&recursive, "recursive", true, "pull in defining modules transitively instead of leaving stub GOT entries")
	cmd.Flags().Uint64Var(&programStartPhysical, "program-start-physical", 0, "program physical base address (default from config)")
	cmd.Flags().Uint64Var(&programStartVirtual, "program-start-virtual", 0, "program virtual base address (default from config)")
	cmd.Flags().BoolVar(&allowDuplicateSymbols, "allow-duplicate-symbols", false, "accept the first definition found for an ambiguous symbol name instead of leaving its GOT entry unresolved")

	_ = cmd.MarkFlagRequired("entrypoint")

	return cmd
}
