package main

import (
	"fmt"
	"os"

	"github.com/kazimsarikaya/linkcore/internal/efiemit"
	"github.com/kazimsarikaya/linkcore/internal/efipe"
	"github.com/kazimsarikaya/linkcore/internal/flatimage"
	"github.com/kazimsarikaya/linkcore/internal/link"
	"github.com/kazimsarikaya/linkcore/internal/patch"
	"github.com/spf13/cobra"
)

func newLinkCommand(opts *rootOptions) *cobra.Command {
	var (
		entrypoint            string
		programStartPhysical  uint64
		programStartVirtual   uint64
		recursive             bool
		forEFI                bool
		allowDuplicateSymbols bool
		outputFile            string
		heapSize              uint64
		stackSize             uint64
	)

	cmd := &cobra.Command{
		Use:   "link",
		Short: "Build the transitive module closure from an entry symbol and emit an image",
		RunE: func(_ *cobra.Command, _ []string) error {
			s, err := openStore(opts)
			if err != nil {
				return fmt.Errorf("link: open store: %w", err)
			}
			defer func() { _ = s.Close() }()

			if programStartPhysical == 0 {
				programStartPhysical = opts.config.DefaultProgramBase
			}
			if programStartVirtual == 0 {
				programStartVirtual = opts.config.DefaultProgramBase
			}
			if heapSize == 0 {
				heapSize = opts.config.DefaultHeapSize
			}
			if stackSize == 0 {
				stackSize = opts.config.DefaultStackSize
			}

			builder := link.NewBuilder(s, recursive)
			if allowDuplicateSymbols {
				builder = builder.AllowDuplicateSymbols()
			}

			res, err := builder.Build(entrypoint)
			if err != nil {
				return fmt.Errorf("link: build module closure: %w", err)
			}

			if err := link.Bind(res, programStartPhysical, programStartVirtual); err != nil {
				return fmt.Errorf("link: bind addresses: %w", err)
			}

			if err := patch.Apply(res); err != nil {
				return fmt.Errorf("link: patch relocations: %w", err)
			}

			out, err := os.OpenFile(outputFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("link: open output file %q: %w", outputFile, err)
			}
			defer func() { _ = out.Close() }()

			if forEFI {
				exe, err := efiemit.New(res)
				if err != nil {
					return fmt.Errorf("link: build EFI executable: %w", err)
				}

				img, err := efipe.New(exe)
				if err != nil {
					return fmt.Errorf("link: build PE image: %w", err)
				}

				if _, err := img.WriteTo(out); err != nil {
					return fmt.Errorf("link: write PE image: %w", err)
				}
			} else {
				img, err := flatimage.Build(res, flatimage.Options{HeapSize: heapSize, StackSize: stackSize})
				if err != nil {
					return fmt.Errorf("link: build flat image: %w", err)
				}

				if _, err := img.WriteTo(out); err != nil {
					return fmt.Errorf("link: write flat image: %w", err)
				}
			}

			opts.logger.Info("link complete",
				"entrypoint", entrypoint, "modules", len(res.ModuleOrder), "got_entries", len(res.GOT),
				"output", outputFile, "for_efi", forEFI,
			)

			return nil
		},
	}

	cmd.Flags().StringVar(&entrypoint, "entrypoint", "", "entry symbol name (required)")
	cmd.Flags().Uint64Var(&programStartPhysical, "program-start-physical", 0, "program physical base address (default from config)")
	cmd.Flags().Uint64Var(&programStartVirtual, "program-start-virtual", 0, "program virtual base address (default from config)")
	cmd.Flags().BoolVar(&recursive, "recursive", true, "pull in defining modules transitively instead of leaving stub GOT entries")
	cmd.Flags().BoolVar(&forEFI, "for-efi", false, "emit a PE/UEFI-style image instead of the flat self-relocating image")
	cmd.Flags().BoolVar(&allowDuplicateSymbols, "allow-duplicate-symbols", false, "accept the first definition found for an ambiguous symbol name instead of leaving its GOT entry unresolved")
	cmd.Flags().StringVar(&outputFile, "output-file", "linkcore.img", "output image path")
	cmd.Flags().Uint64Var(&heapSize, "heap-size", 0, "flat image heap region size in bytes (default from config)")
	cmd.Flags().Uint64Var(&stackSize, "stack-size", 0, "flat image stack region size in bytes (default from config)")

	_ = cmd.MarkFlagRequired("entrypoint")

	return cmd
}
