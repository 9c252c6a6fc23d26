package objfile

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kazimsarikaya/linkcore/internal/model"
	"github.com/lunixbochs/struc"
)

// readRelocations walks every SHT_REL/SHT_RELA section and normalizes its
// entries to the core's eight-way relocation taxonomy, the way
// generatelinkerdb.c's reloc_type switch does: R_X86_64_* (and, for
// legacy 32-bit sections, the R_386_* subset) map onto the same closed
// set of kinds rather than being carried through as architecture codes.
func readRelocations(ef *elf.File, sections []Section) ([]Relocation, error) {
	var relocs []Relocation

	symtab, err := ef.Symbols()
	if err != nil {
		return nil, fmt.Errorf("objfile: read symbol table for relocations: %w", err)
	}

	// See the matching comment in objfile.go: elf.File.Symbols() drops the
	// reserved null entry at index 0, so relocation symbol indices (which
	// count from the raw symtab) would otherwise be off by one.
	symtab = append([]elf.Symbol{{}}, symtab...)

	for _, s := range ef.Sections {
		if s.Type != elf.SHT_REL && s.Type != elf.SHT_RELA {
			continue
		}

		// sh_info on a SHT_REL/SHT_RELA section holds the index of the
		// section it patches.
		targetIdx := int(s.Info)
		if targetIdx < 0 || targetIdx >= len(sections) {
			return nil, fmt.Errorf("objfile: relocation section %q targets out-of-range section %d", s.Name, targetIdx)
		}

		hasAddend := s.Type == elf.SHT_RELA
		reader := s.Open()
		numEntries := s.Size / s.Entsize

		for i := 0; i < int(numEntries); i++ {
			var relSymb, relType uint32
			var relOffset uint64
			var relAddend int64
			var err error

			if hasAddend {
				relSymb, relType, relOffset, relAddend, err = readRelaEntry(reader)
			} else {
				relSymb, relType, relOffset, err = readRelEntry(reader)
			}

			if err != nil {
				return nil, fmt.Errorf("objfile: read relocation entry %d in %q: %w", i, s.Name, err)
			}

			if int(relSymb) >= len(symtab) {
				return nil, fmt.Errorf("objfile: relocation %d in %q: symbol index %d out of range", i, s.Name, relSymb)
			}

			symName := symtab[relSymb].Name
			isGOTSelf := symName == model.GOTSelfSymbolName

			kind, err := classifyRelocationType(ef.Class, relType)
			if err != nil {
				return nil, fmt.Errorf("objfile: relocation %d in %q: %w", i, s.Name, err)
			}

			relocs = append(relocs, Relocation{
				PatchedSectionIndex: targetIdx,
				Type:                kind,
				Offset:              relOffset,
				Addend:              relAddend,
				SymbolIndex:         int(relSymb),
				IsGOTSelf:           isGOTSelf,
			})
		}
	}

	return relocs, nil
}

func readRelEntry(r io.Reader) (sym, typ uint32, offset uint64, err error) {
	var rel elf.Rel64

	if err := struc.UnpackWithOptions(r, &rel, &struc.Options{Order: binary.LittleEndian}); err != nil {
		return 0, 0, 0, fmt.Errorf("unpack Rel64 entry: %w", err)
	}

	sym, typ = relocationInfo(rel.Info)

	return sym, typ, rel.Off, nil
}

func readRelaEntry(r io.Reader) (sym, typ uint32, offset uint64, addend int64, err error) {
	var rel elf.Rela64

	if err := struc.UnpackWithOptions(r, &rel, &struc.Options{Order: binary.LittleEndian}); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("unpack Rela64 entry: %w", err)
	}

	sym, typ = relocationInfo(rel.Info)

	return sym, typ, rel.Off, rel.Addend, nil
}

func relocationInfo(info uint64) (sym, typ uint32) {
	return uint32(info >> 32), uint32(info & 0xFFFFFFFF)
}

// classifyRelocationType maps an architecture relocation type code onto the
// core's eight-way taxonomy, following generatelinkerdb.c's reloc_type
// switch: 64-bit objects use the full R_X86_64_* set, 32-bit legacy
// sections use only the R_386_32/R_386_PC32 subset (R_386_16/R_386_PC16
// real-mode relocations have no home in the eight-way algebra and are
// rejected).
func classifyRelocationType(class elf.Class, typ uint32) (model.RelocationType, error) {
	if class == elf.ELFCLASS32 {
		switch elf.R_386(typ) {
		case elf.R_386_32:
			return model.R64_32, nil
		case elf.R_386_PC32:
			return model.R64_PC32, nil
		default:
			return 0, fmt.Errorf("%w: R_386 type %d", ErrUnknownRelocationType, typ)
		}
	}

	switch elf.R_X86_64(typ) {
	case elf.R_X86_64_32:
		return model.R64_32, nil
	case elf.R_X86_64_32S:
		return model.R64_32S, nil
	case elf.R_X86_64_64:
		return model.R64_64, nil
	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
		return model.R64_PC32, nil
	case elf.R_X86_64_PC64:
		return model.R64_PC64, nil
	case elf.R_X86_64_GOT64:
		return model.R64_GOT64, nil
	case elf.R_X86_64_GOTOFF64:
		return model.R64_GOTOFF64, nil
	case elf.R_X86_64_GOTPC64:
		return model.R64_GOTPC64, nil
	default:
		return 0, fmt.Errorf("%w: R_X86_64 type %d", ErrUnknownRelocationType, typ)
	}
}
