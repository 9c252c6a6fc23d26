package link

import (
	"fmt"
	"log/slog"

	"github.com/kazimsarikaya/linkcore/internal/align"
	"github.com/kazimsarikaya/linkcore/internal/coreerr"
	"github.com/kazimsarikaya/linkcore/internal/model"
	"github.com/kazimsarikaya/linkcore/internal/store"
)

// Builder runs the module builder algorithm (spec.md §4.3) against a store.
type Builder struct {
	s                     *store.Store
	recursive             bool
	allowDuplicateSymbols bool

	modules     map[uint64]*Module
	moduleOrder []uint64
	started     map[uint64]bool

	got                 []GOTEntry
	gotBySymbol         map[uint64]int
	gotByUnresolvedName map[string]int
	worklist            []uint64
	queued              map[uint64]bool
}

// NewBuilder prepares a builder. recursive selects the closure mode of
// spec.md §4.3 step 2: when true, an unresolved non-GOT-self relocation
// target causes its defining module to be pulled into the build; when
// false, a stub GOT entry is left for the patcher instead.
func NewBuilder(s *store.Store, recursive bool) *Builder {
	b := &Builder{
		s:                   s,
		recursive:           recursive,
		modules:             make(map[uint64]*Module),
		started:             make(map[uint64]bool),
		gotBySymbol:         make(map[uint64]int),
		gotByUnresolvedName: make(map[string]int),
		queued:              make(map[uint64]bool),
	}

	// Index 0: reserved null entry. Index 1: reserved GOT-itself entry,
	// whose EntryValue is filled in by Bind once got_address_virtual is
	// known.
	b.got = append(b.got, GOTEntry{}, GOTEntry{Resolved: true, SymbolName: model.GOTSelfSymbolName})

	return b
}

// AllowDuplicateSymbols degrades an ambiguous symbol name (one the ingest
// fixup pass left unresolved because more than one definition matched) from
// a permanently-dangling GOT stub to accepting the first definition found,
// per spec.md §9's "principled re-implementation" open-question decision.
// Without this, a relocation against a duplicate name resolves the same way
// as one against a genuinely missing name: a zero-valued GOT entry.
func (b *Builder) AllowDuplicateSymbols() *Builder {
	b.allowDuplicateSymbols = true
	return b
}

// Build runs the full algorithm, seeding the worklist from entrySymbol and
// draining it to completion.
func (b *Builder) Build(entrySymbol string) (*Result, error) {
	entrySyms, err := b.s.SymbolsByName(entrySymbol)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindLookup, fmt.Sprintf("look up entry symbol %q", entrySymbol), err)
	}

	switch len(entrySyms) {
	case 0:
		return nil, coreerr.New(coreerr.KindLookup, fmt.Sprintf("entry symbol %q not found", entrySymbol))
	case 1:
		// fall through
	default:
		return nil, coreerr.New(coreerr.KindLookup, fmt.Sprintf("entry symbol %q is ambiguous: %d definitions", entrySymbol, len(entrySyms)))
	}

	entrySec, err := b.s.SectionByID(entrySyms[0].SectionID)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindLookup, "resolve entry symbol's section", err)
	}

	b.enqueue(entrySec.ModuleID)

	for len(b.worklist) > 0 {
		modID := b.worklist[0]
		b.worklist = b.worklist[1:]

		if b.started[modID] {
			continue
		}

		b.started[modID] = true

		if err := b.processModule(modID); err != nil {
			return nil, err
		}
	}

	// Admit the entry symbol itself (it may not have been referenced by any
	// relocation, and so never otherwise gets a GOT slot).
	entryIdx, err := b.admitOrLookup(entrySyms[0])
	if err != nil {
		return nil, err
	}

	res := &Result{
		Modules:       b.modules,
		ModuleOrder:   b.moduleOrder,
		GOT:           b.got,
		EntryGOTIndex: entryIdx,
	}

	return res, nil
}

func (b *Builder) enqueue(moduleID uint64) {
	if b.started[moduleID] || b.queued[moduleID] {
		return
	}

	b.queued[moduleID] = true
	b.worklist = append(b.worklist, moduleID)
}

func (b *Builder) moduleFor(id uint64) (*Module, error) {
	if m, ok := b.modules[id]; ok {
		return m, nil
	}

	row, err := b.s.ModuleByID(id)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindLookup, fmt.Sprintf("look up module %d", id), err)
	}

	m := &Module{ID: id, Name: row.Name}
	b.modules[id] = m
	b.moduleOrder = append(b.moduleOrder, id)

	return m, nil
}

// processModule materializes every on-disk section of moduleID, grouped by
// section type (per model.OnDiskSectionTypes) then by ingestion order, per
// spec.md §4.3 step 2.
func (b *Builder) processModule(moduleID uint64) error {
	m, err := b.moduleFor(moduleID)
	if err != nil {
		return err
	}

	sections, err := b.s.SectionsByModule(moduleID)
	if err != nil {
		return coreerr.Wrap(coreerr.KindLookup, fmt.Sprintf("list sections of module %d", moduleID), err)
	}

	for _, typ := range model.OnDiskSectionTypes {
		for _, sec := range sections {
			if sec.Type != typ {
				continue
			}

			if err := b.materializeSection(m, sec); err != nil {
				return err
			}
		}
	}

	return nil
}

// materializeSection appends one ingested section's bytes into the module's
// SectionBuffer for its type, admits its symbols into the GOT, and harvests
// its relocations into the module's relocation table.
func (b *Builder) materializeSection(m *Module, sec *model.Section) error {
	buf := m.sectionOrCreate(sec.Type)

	alignment := sec.Alignment
	if alignment == 0 {
		alignment = 1
	}

	paddedSize := align.Address(buf.Size, alignment)
	if !sec.Type.IsBSS() {
		buf.Data = append(buf.Data, make([]byte, paddedSize-buf.Size)...)
	}

	buf.Size = paddedSize
	sectionOffset := buf.Size

	if !sec.Type.IsBSS() {
		if uint64(len(sec.Value)) != sec.Size {
			return coreerr.New(coreerr.KindLayout, fmt.Sprintf("section %q: stored value length %d does not match declared size %d", sec.Name, len(sec.Value), sec.Size))
		}

		buf.Data = append(buf.Data, sec.Value...)
	}

	buf.Size += sec.Size

	symbols, err := b.s.SymbolsBySection(sec.ID)
	if err != nil {
		return coreerr.Wrap(coreerr.KindLookup, fmt.Sprintf("list symbols of section %d", sec.ID), err)
	}

	for _, sym := range symbols {
		idx, err := b.admitOrLookup(sym)
		if err != nil {
			return err
		}

		entry := &b.got[idx]
		entry.Resolved = true
		entry.ModuleID = m.ID
		entry.SymbolID = sym.ID
		entry.SymbolName = sym.Name
		entry.SymbolType = sym.Type
		entry.SymbolScope = sym.Scope
		entry.SymbolValue = sym.Value + sectionOffset
		entry.SymbolSize = sym.Size
		entry.SectionType = sec.Type
	}

	relocs, err := b.s.RelocationsBySection(sec.ID)
	if err != nil {
		return coreerr.Wrap(coreerr.KindLookup, fmt.Sprintf("list relocations of section %d", sec.ID), err)
	}

	for _, rel := range relocs {
		if err := b.harvestRelocation(m, sec, rel, sectionOffset); err != nil {
			return err
		}
	}

	return nil
}

// admitOrLookup returns sym's existing GOT index, or appends a fresh
// (initially unresolved) entry and returns its index.
func (b *Builder) admitOrLookup(sym *model.Symbol) (int, error) {
	if idx, ok := b.gotBySymbol[sym.ID]; ok {
		return idx, nil
	}

	idx := len(b.got)
	b.got = append(b.got, GOTEntry{SymbolID: sym.ID, SymbolName: sym.Name})
	b.gotBySymbol[sym.ID] = idx

	return idx, nil
}

// harvestRelocation pushes rel into m's relocation table (with its offset
// adjusted by sectionOffset) and ensures the relocation's target has (or
// will eventually get) a GOT slot, per spec.md §4.3 step 2's "Harvest
// relocations":
//
//   - GOT-self targets use the permanently-resolved reserved slot.
//   - A resolved target (rel.SymbolID != 0) not yet admitted either enqueues
//     its defining module (recursive mode) or gets a stub, unresolved GOT
//     entry keyed by symbol id (non-recursive mode).
//   - A target left unresolved by the ingest fixup pass (rel.SymbolID == 0)
//     is not a link failure — spec.md §7 only makes entry-symbol-not-found
//     fatal, not this — so it gets a stub GOT entry keyed by name, shared
//     by every relocation referencing the same missing name, and stays at
//     entry_value == 0 once C4 finalizes the GOT.
func (b *Builder) harvestRelocation(m *Module, sec *model.Section, rel *model.Relocation, sectionOffset uint64) error {
	isGOTSelf := rel.SymbolID == model.GOTSymbolID

	m.Relocations = append(m.Relocations, RelocationRecord{
		SymbolID:    rel.SymbolID,
		SymbolName:  rel.SymbolName,
		SectionType: sec.Type,
		Type:        rel.Type,
		Offset:      rel.Offset + sectionOffset,
		Addend:      rel.Addend,
	})

	switch {
	case isGOTSelf:
		return nil

	case rel.SymbolID == 0:
		if _, ok := b.gotByUnresolvedName[rel.SymbolName]; ok {
			return nil
		}

		if b.allowDuplicateSymbols {
			matches, err := b.s.SymbolsByName(rel.SymbolName)
			if err != nil {
				return coreerr.Wrap(coreerr.KindLookup, fmt.Sprintf("re-resolve possibly-duplicate symbol %q", rel.SymbolName), err)
			}

			if len(matches) > 1 {
				slog.Warn("link: accepting first definition of duplicate symbol", "symbol", rel.SymbolName, "count", len(matches))

				idx, err := b.admitOrLookup(matches[0])
				if err != nil {
					return err
				}

				b.gotByUnresolvedName[rel.SymbolName] = idx

				if b.recursive {
					definingSection, err := b.s.SectionByID(matches[0].SectionID)
					if err != nil {
						return coreerr.Wrap(coreerr.KindLookup, fmt.Sprintf("resolve defining section of symbol %q", rel.SymbolName), err)
					}

					b.enqueue(definingSection.ModuleID)
				}

				return nil
			}
		}

		idx := len(b.got)
		b.got = append(b.got, GOTEntry{SymbolName: rel.SymbolName})
		b.gotByUnresolvedName[rel.SymbolName] = idx

		return nil

	default:
		if _, ok := b.gotBySymbol[rel.SymbolID]; ok {
			return nil
		}

		if b.recursive {
			definingSection, err := b.s.SectionByID(rel.SymbolSectionID)
			if err != nil {
				return coreerr.Wrap(coreerr.KindLookup, fmt.Sprintf("resolve defining section of symbol %q", rel.SymbolName), err)
			}

			b.enqueue(definingSection.ModuleID)

			return nil
		}

		// Non-recursive mode: leave a stub, unresolved GOT entry so the
		// patcher can still compute a GOT index for this relocation.
		idx := len(b.got)
		b.got = append(b.got, GOTEntry{SymbolID: rel.SymbolID, SymbolName: rel.SymbolName})
		b.gotBySymbol[rel.SymbolID] = idx

		return nil
	}
}
