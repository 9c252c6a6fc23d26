// Package patch implements the relocation patcher (C5 in spec.md §4.4): it
// applies the eight-way relocation algebra against a linked result's module
// section buffers, writing the final patched value at each relocation's
// site.
package patch

import (
	"encoding/binary"
	"fmt"

	"github.com/kazimsarikaya/linkcore/internal/coreerr"
	"github.com/kazimsarikaya/linkcore/internal/flatimage"
	"github.com/kazimsarikaya/linkcore/internal/link"
	"github.com/kazimsarikaya/linkcore/internal/model"
)

// gotEntrySize is the byte stride used to express a GOT index as a byte
// offset for R_64_GOT64 (`G` in spec.md §4.4's relocation algebra table).
// It is internal/flatimage's own wire GOT-entry stride, so a patched
// R_64_GOT64 site stays valid once the image round-trips through disk.
const gotEntrySize = flatimage.GOTEntrySize

// Apply patches every relocation in every module of res, per spec.md §4.4's
// algebra table. GOT is taken as res.GOTAddressVirtual.
func Apply(res *link.Result) error {
	for _, modID := range res.ModuleOrder {
		m := res.Modules[modID]

		for i := range m.Relocations {
			if err := patchOne(res, m, &m.Relocations[i]); err != nil {
				return err
			}
		}
	}

	return nil
}

func patchOne(res *link.Result, m *link.Module, rec *link.RelocationRecord) error {
	buf := m.Sections[rec.SectionType]
	if buf == nil {
		return coreerr.New(coreerr.KindRelocation, fmt.Sprintf("module %d: relocation targets empty section type %s", m.ID, rec.SectionType))
	}

	width := rec.Type.Width()
	if rec.Offset+uint64(width) > uint64(len(buf.Data)) {
		return coreerr.New(coreerr.KindRelocation, fmt.Sprintf("module %d: relocation at %s+%d overruns section of length %d", m.ID, rec.SectionType, rec.Offset, len(buf.Data)))
	}

	isGOTSelf := rec.SymbolID == model.GOTSymbolID

	if isGOTSelf && rec.Type != model.R64_GOTPC64 {
		return coreerr.New(coreerr.KindRelocation, fmt.Sprintf("module %d: relocation at %s+%d targets the GOT itself with illegal kind %s (only R_64_GOTPC64 is legal)", m.ID, rec.SectionType, rec.Offset, rec.Type))
	}

	if rec.Type == model.R64_GOTPC64 && !isGOTSelf {
		return coreerr.New(coreerr.KindRelocation, fmt.Sprintf("module %d: relocation at %s+%d uses R_64_GOTPC64 against non-GOT-self symbol %q", m.ID, rec.SectionType, rec.Offset, rec.SymbolName))
	}

	S, gotIndex := symbolAddress(res, *rec, isGOTSelf)
	A := rec.Addend
	P := int64(buf.VirtualStart + rec.Offset)
	GOT := int64(res.GOTAddressVirtual)
	G := int64(gotIndex) * gotEntrySize

	var value int64

	switch rec.Type {
	case model.R64_32, model.R64_32S:
		value = S + A
	case model.R64_64:
		value = S + A
	case model.R64_PC32, model.R64_PC64:
		value = S + A - P
	case model.R64_GOT64:
		value = G + A
	case model.R64_GOTOFF64:
		value = S + A - GOT
	case model.R64_GOTPC64:
		value = GOT + A - P
	default:
		return coreerr.New(coreerr.KindRelocation, fmt.Sprintf("module %d: relocation at %s+%d: unknown kind %v", m.ID, rec.SectionType, rec.Offset, rec.Type))
	}

	site := buf.Data[rec.Offset : rec.Offset+uint64(width)]

	switch width {
	case 4:
		binary.LittleEndian.PutUint32(site, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(site, uint64(value))
	default:
		return coreerr.New(coreerr.KindRelocation, fmt.Sprintf("module %d: relocation at %s+%d: unsupported width %d", m.ID, rec.SectionType, rec.Offset, width))
	}

	// R_64_32/R_64_32S/R_64_64 are absolute-address relocations (value =
	// S+A): this is exactly the quantity the resident self-relocating
	// loader needs to find in the on-disk relocation table's addend field
	// (spec.md §4.6 step 1, "add the load base to its addend"), not the raw
	// ELF addend. Every other kind is invariant under a uniform base shift
	// and is never touched by the loader, so its addend is left as-is.
	switch rec.Type {
	case model.R64_32, model.R64_32S, model.R64_64:
		rec.Addend = value
	}

	return nil
}

// symbolAddress returns the relocation's target virtual address (S in
// spec.md §4.4's table) and its GOT index (used only by R_64_GOT64).
func symbolAddress(res *link.Result, rec link.RelocationRecord, isGOTSelf bool) (s int64, gotIndex int) {
	if isGOTSelf {
		return int64(res.GOT[link.GOTSelfIndex].EntryValue), link.GOTSelfIndex
	}

	for i, e := range res.GOT {
		if rec.SymbolID != 0 && e.SymbolID == rec.SymbolID {
			return int64(e.EntryValue), i
		}

		if rec.SymbolID == 0 && e.SymbolName == rec.SymbolName {
			return int64(e.EntryValue), i
		}
	}

	return 0, 0
}
