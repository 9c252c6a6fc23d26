// Package cli holds presentation logic shared by cmd/linkcore's
// subcommands, kept separate from the core packages so none of them need to
// import formatting concerns.
package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/kazimsarikaya/linkcore/internal/link"
	"github.com/kazimsarikaya/linkcore/internal/model"
)

// PrintContext dumps a built (and, ideally, bound) link result: every
// materialized module's sections, its relocation table, then the full GOT
// with a resolved-count sanity check. Recovered from the original
// `linker_print_context` dump (see SPEC_FULL.md §4), reshaped around
// text/tabwriter instead of hand-aligned printf columns.
func PrintContext(w io.Writer, res *link.Result) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	for _, modID := range res.ModuleOrder {
		m := res.Modules[modID]

		fmt.Fprintf(tw, "module\t%d\t%s\n", m.ID, m.Name)
		fmt.Fprintf(tw, "  phys\t0x%x\n", m.PhysicalStart)
		fmt.Fprintf(tw, "  virt\t0x%x\n", m.VirtualStart)

		for i, sec := range m.Sections {
			if sec == nil || sec.Size == 0 {
				continue
			}

			fmt.Fprintf(tw, "  section\t%s\tphys=0x%x\tvirt=0x%x\tsize=%d\n",
				model.SectionType(i), sec.PhysicalStart, sec.VirtualStart, sec.Size)
		}

		for _, rel := range m.Relocations {
			fmt.Fprintf(tw, "  reloc\t%s\t%s+%d\tsymbol=%q\taddend=%d\n",
				rel.Type, rel.SectionType, rel.Offset, rel.SymbolName, rel.Addend)
		}
	}

	if err := tw.Flush(); err != nil {
		return fmt.Errorf("cli: flush module dump: %w", err)
	}

	fmt.Fprintf(w, "\ngot: %d entries, base phys=0x%x virt=0x%x\n", len(res.GOT), res.GOTAddressPhysical, res.GOTAddressVirtual)

	gw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	unresolved := 0

	for i, e := range res.GOT {
		status := "resolved"
		if !e.Resolved {
			status = "UNRESOLVED"
			unresolved++
		}

		fmt.Fprintf(gw, "  [%d]\t%s\t%s\tvalue=0x%x\n", i, e.SymbolName, status, e.EntryValue)
	}

	if err := gw.Flush(); err != nil {
		return fmt.Errorf("cli: flush GOT dump: %w", err)
	}

	fmt.Fprintf(w, "entry: virt=0x%x (GOT index %d)\n", res.EntrypointVirtual, res.EntryGOTIndex)

	// Index 0 is the permanently-unresolved null entry; anything beyond
	// that is a dangling external reference.
	if unresolved > 1 {
		fmt.Fprintf(w, "warning: %d unresolved GOT entries beyond the reserved null slot\n", unresolved-1)
	}

	return nil
}
