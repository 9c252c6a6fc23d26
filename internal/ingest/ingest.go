// Package ingest implements the ingester (C2 in spec.md §4.2): it opens one
// ELF-subset object file, classifies and materializes its sections, mangles
// and inserts its symbols, inserts its relocations, and runs the fixup pass
// that resolves a relocation's symbol_id/symbol_section_id by name.
package ingest

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kazimsarikaya/linkcore/internal/coreerr"
	"github.com/kazimsarikaya/linkcore/internal/model"
	"github.com/kazimsarikaya/linkcore/internal/objfile"
	"github.com/kazimsarikaya/linkcore/internal/store"
	bolt "go.etcd.io/bbolt"
)

// Stats reports how many new rows an ingest produced, per spec.md §4.2
// ("Output ... a stats record").
type Stats struct {
	ModuleID           uint64
	ImplementationID   uint64
	ModuleName         string
	ImplementationName string
	NewSections        int
	NewSymbols         int
	NewRelocations     int
}

// FixupReport carries the duplicate/unresolved symbol names the fixup pass
// found, recovered from the original `linker-tosdb.c` running-count detail
// (see SPEC_FULL.md §4): these are warnings, never failures, per spec.md
// §4.2 step 7.
type FixupReport struct {
	Unresolved []string
	Duplicate  []string
}

// sectionPrefixes maps an ELF section name prefix onto the store's section
// type, checked longest-prefix-first so ".data.rel.ro" beats ".data" and
// ".rodata.rel.ro" beats ".rodata" — the same ordering generatelinkerdb.c's
// reloc-type switch uses (it just didn't need the RODATA_RELOC case since
// its own inputs never produced one).
var sectionPrefixes = []struct {
	prefix string
	typ    model.SectionType
}{
	{".data.rel.ro", model.SectionDataReloc},
	{".rodata.rel.ro", model.SectionRodataReloc},
	{".data", model.SectionData},
	{".rodata", model.SectionRodata},
	{".bss", model.SectionBSS},
}

// classifySection returns the materialized section type for name, and
// whether the section should be materialized at all. Anything not matching
// one of the data/rodata/bss prefixes defaults to TEXT, matching
// generatelinkerdb.c's `sec_type = LINKER_SECTION_TYPE_TEXT` default —
// but only sections that are also .text-prefixed, or one of the other
// recognized prefixes, are actually materialized.
func classifySection(name string) (model.SectionType, bool) {
	for _, p := range sectionPrefixes {
		if strings.HasPrefix(name, p.prefix) {
			return p.typ, true
		}
	}

	if strings.HasPrefix(name, ".text") {
		return model.SectionText, true
	}

	return model.SectionText, false
}

// Ingest is the whole of C2: open the object file at path, ingest it into
// s, and return stats plus the fixup report. Every failure is wrapped as a
// *coreerr.Error with coreerr.KindIngest. Per spec.md §4.2/§5, this is one
// logical transaction per object file: the module get-or-create, the
// implementation replace, and every section/symbol/relocation insert for it
// run inside a single bbolt write transaction (via Store.Update and the
// store package's "…Tx" functions), so a concurrent reader or a mid-ingest
// failure never observes the old implementation gone and the new one only
// partly written. The fixup pass runs afterward, as its own separate
// transactions — it is a best-effort reconciliation step, not part of this
// object file's atomic unit, and is also called standalone by callers that
// seed the store directly.
func Ingest(s *store.Store, path string) (*Stats, *FixupReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, coreerr.Wrap(coreerr.KindIngest, "open object file", err)
	}
	defer f.Close()

	of, err := objfile.Open(f)
	if err != nil {
		return nil, nil, coreerr.Wrap(coreerr.KindIngest, "parse object file", err)
	}

	if of.ModuleName == "" {
		return nil, nil, coreerr.New(coreerr.KindIngest, fmt.Sprintf("%s: missing module name marker section", path))
	}

	implName := filepath.Base(path)

	var (
		mod   *model.Module
		impl  *model.Implementation
		stats *Stats
	)

	err = s.Update(func(tx *bolt.Tx) error {
		mod, err = store.GetOrCreateModuleTx(tx, of.ModuleName)
		if err != nil {
			return fmt.Errorf("get or create module: %w", err)
		}

		impl, err = store.BeginImplementationTx(tx, implName)
		if err != nil {
			return fmt.Errorf("replace implementation: %w", err)
		}

		slog.Debug("ingest: begin implementation", "module", mod.Name, "implementation", impl.Name)

		sectionIDs := make(map[int]uint64, len(of.Sections))
		stats = &Stats{
			ModuleID:           mod.ID,
			ImplementationID:   impl.ID,
			ModuleName:         mod.Name,
			ImplementationName: impl.Name,
		}

		for _, sec := range of.Sections {
			typ, materialize := classifySection(sec.Name)
			if !materialize || sec.Size == 0 {
				continue
			}

			row := &model.Section{
				ModuleID:         mod.ID,
				ImplementationID: impl.ID,
				Name:             sec.Name,
				Class:            of.Class,
				Alignment:        sec.Alignment,
				Type:             typ,
				Size:             sec.Size,
			}

			if !sec.IsBSS {
				row.Value = sec.Data
			}

			id, err := store.InsertSectionTx(tx, row)
			if err != nil {
				return fmt.Errorf("insert section %q: %w", sec.Name, err)
			}

			sectionIDs[sec.Index] = id
			stats.NewSections++
		}

		// rawToStoreSymbol maps a raw ELF symtab index to the store symbol id
		// and section id it was inserted with, for direct (by-index) relocation
		// resolution. Symbols excluded from materialization (undefined externals,
		// STT_SECTION symbols whose section wasn't materialized) are absent and
		// fall to the by-name fixup pass instead.
		rawToStoreSymbol := make(map[int]struct {
			id, sectionID uint64
		}, len(of.Symbols))

		for _, sym := range of.Symbols {
			secID, ok := sectionIDs[sym.SectionIndex]
			if !ok {
				continue
			}

			name := storeSymbolName(sym.Name, sym.IsSection, sym.Scope, of.Sections[sym.SectionIndex].Name)

			id, err := store.InsertSymbolTx(tx, &model.Symbol{
				ImplementationID: impl.ID,
				SectionID:        secID,
				Name:             name,
				Type:             sym.Type,
				Scope:            sym.Scope,
				Value:            sym.Value,
				Size:             sym.Size,
			})
			if err != nil {
				return fmt.Errorf("insert symbol %q: %w", name, err)
			}

			rawToStoreSymbol[sym.RawIndex] = struct{ id, sectionID uint64 }{id, secID}
			stats.NewSymbols++
		}

		for _, rel := range of.Relocations {
			patchedID, ok := sectionIDs[rel.PatchedSectionIndex]
			if !ok {
				// Relocation against a section we didn't materialize (e.g.
				// .eh_frame, .comment): nothing downstream can ever patch it.
				continue
			}

			row := &model.Relocation{
				SectionID: patchedID,
				Type:      rel.Type,
				Offset:    rel.Offset,
				Addend:    rel.Addend,
			}

			switch {
			case rel.IsGOTSelf:
				row.SymbolName = model.GOTSelfSymbolName
				row.SymbolID = model.GOTSymbolID
				row.SymbolSectionID = model.GOTSectionID
			default:
				raw := of.RawSymbols[rel.SymbolIndex]
				row.SymbolName = storeSymbolName(raw.Name, raw.IsSection, raw.Scope, sectionNameOf(of, raw.SectionIndex))

				if resolved, ok := rawToStoreSymbol[rel.SymbolIndex]; ok {
					row.SymbolID = resolved.id
					row.SymbolSectionID = resolved.sectionID
				}
			}

			if _, err := store.InsertRelocationTx(tx, row); err != nil {
				return fmt.Errorf("insert relocation at offset %d: %w", rel.Offset, err)
			}

			stats.NewRelocations++
		}

		return nil
	})
	if err != nil {
		return nil, nil, coreerr.Wrap(coreerr.KindIngest, "ingest implementation", err)
	}

	report, err := Fixup(s)
	if err != nil {
		return nil, nil, coreerr.Wrap(coreerr.KindIngest, "fixup pass", err)
	}

	slog.Info("ingest: complete",
		"module", mod.Name, "implementation", impl.Name,
		"sections", stats.NewSections, "symbols", stats.NewSymbols, "relocations", stats.NewRelocations,
		"unresolved", len(report.Unresolved), "duplicate", len(report.Duplicate),
	)

	return stats, report, nil
}

// Fixup resolves every relocation whose symbol_section_id is still zero by
// looking symbol_name up in the symbols table, per spec.md §4.2 step 7.
// Zero matches is reported as unresolved; more than one as duplicate.
// Neither fails the ingest.
func Fixup(s *store.Store) (*FixupReport, error) {
	report := &FixupReport{}

	unresolved, err := s.UnresolvedRelocations()
	if err != nil {
		return nil, fmt.Errorf("ingest: list unresolved relocations: %w", err)
	}

	for _, rel := range unresolved {
		matches, err := s.SymbolsByName(rel.SymbolName)
		if err != nil {
			return nil, fmt.Errorf("ingest: look up symbol %q: %w", rel.SymbolName, err)
		}

		switch len(matches) {
		case 0:
			slog.Warn("ingest: unresolved relocation target", "symbol", rel.SymbolName)
			report.Unresolved = append(report.Unresolved, rel.SymbolName)
		case 1:
			if err := s.ResolveRelocation(rel.ID, matches[0].ID, matches[0].SectionID); err != nil {
				return nil, fmt.Errorf("ingest: resolve relocation %d: %w", rel.ID, err)
			}
		default:
			slog.Warn("ingest: ambiguous symbol definitions", "symbol", rel.SymbolName, "count", len(matches))
			report.Duplicate = append(report.Duplicate, rel.SymbolName)
			// Keep existing "principled" default: leave unresolved until the
			// caller opts into --allow-duplicate-symbols at link time, where
			// the first definition found is accepted (see internal/link).
		}
	}

	return report, nil
}

// storeSymbolName derives the name a symbol is stored under: a SECTION-type
// symbol is named after its target section; a LOCAL-scope symbol is
// mangled by prepending its defining section's name, so name-based lookup
// stays unambiguous across implementations, per spec.md §3's key
// invariants.
func storeSymbolName(name string, isSection bool, scope model.Scope, sectionName string) string {
	if isSection {
		return sectionName
	}

	if scope == model.ScopeLocal {
		return model.MangledLocalName(sectionName, name)
	}

	return name
}

func sectionNameOf(of *objfile.File, sectionIndex int) string {
	if sectionIndex < 0 || sectionIndex >= len(of.Sections) {
		return ""
	}

	return of.Sections[sectionIndex].Name
}
