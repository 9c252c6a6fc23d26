// Package objfile reads one ELF-subset relocatable object file and exposes
// its sections, symbols and relocations as a normalized, architecture
// agnostic intermediate form for the ingester (internal/ingest) to
// translate into store rows. It is built directly on debug/elf, following
// the teacher's own choice (internal/grub/elf.go) to treat ELF parsing as
// the domain algorithm rather than an ambient concern.
package objfile

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"github.com/kazimsarikaya/linkcore/internal/model"
)

// ErrUnknownRelocationType is returned for any relocation type the core's
// eight-way taxonomy can't classify.
var ErrUnknownRelocationType = errors.New("objfile: unknown relocation type")

// ErrUnsupportedClass is returned for anything other than 32- or 64-bit
// ELF.
var ErrUnsupportedClass = errors.New("objfile: unsupported ELF class")

// Section is a raw section read from the object file.
type Section struct {
	Index     int
	Name      string
	Alignment uint64
	Size      uint64
	IsBSS     bool
	Data      []byte // nil for BSS
}

// Symbol is a symbol read from the object file's symbol table, filtered to
// the ones the ingester can materialize (type <= SECTION, defined in a
// real section).
type Symbol struct {
	RawIndex     int // index into File.RawSymbols / Relocation.SymbolIndex space
	Name         string
	Type         model.SymbolType
	Scope        model.Scope
	Value        uint64
	Size         uint64
	SectionIndex int // index into Sections(); -1 if undefined/absolute
	IsSection    bool
}

// RawSymbol is every entry of the object file's raw symbol table, including
// undefined (external) ones, indexed exactly as the ELF symtab and as
// Relocation.SymbolIndex. The ingester uses this to resolve a relocation's
// target name even when the symbol itself was never materialized (because
// it's undefined in this object file and must be found elsewhere by name).
type RawSymbol struct {
	Name         string
	SectionIndex int // index into Sections(); -1 if undefined/absolute
	Scope        model.Scope
	IsSection    bool
}

// Relocation is a raw relocation entry, normalized to the core's eight-way
// taxonomy. SymbolIndex indexes into File.RawSymbols, the same numbering
// the object file's symbol table itself uses.
type Relocation struct {
	PatchedSectionIndex int
	Type                model.RelocationType
	Offset              uint64
	Addend              int64
	SymbolIndex         int // index into RawSymbols; meaningless when IsGOTSelf
	IsGOTSelf           bool
}

// File is the parsed, normalized view of one object file.
type File struct {
	Class       model.Class
	ModuleName  string
	Sections    []Section
	Symbols     []Symbol
	RawSymbols  []RawSymbol
	Relocations []Relocation
}

const moduleNameSection = ".___module___"

// Open parses the object file at r.
func Open(r io.ReaderAt) (*File, error) {
	ef, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("objfile: parse ELF: %w", err)
	}

	class, err := classOf(ef)
	if err != nil {
		return nil, err
	}

	sections := make([]Section, len(ef.Sections))

	var moduleName string

	for i, s := range ef.Sections {
		sections[i] = Section{
			Index:     i,
			Name:      s.Name,
			Alignment: max(s.Addralign, 1),
			Size:      s.Size,
			IsBSS:     s.Type == elf.SHT_NOBITS,
		}

		if s.Type != elf.SHT_NOBITS && s.Flags&elf.SHF_ALLOC != 0 {
			data, err := s.Data()
			if err != nil {
				return nil, fmt.Errorf("objfile: read section %q: %w", s.Name, err)
			}

			if uint64(len(data)) > s.Size {
				return nil, fmt.Errorf("objfile: section %q larger than declared size", s.Name)
			}

			sections[i].Data = data
		}

		if s.Name == moduleNameSection && s.Size > 0 {
			data, err := s.Data()
			if err != nil {
				return nil, fmt.Errorf("objfile: read module name section: %w", err)
			}

			moduleName = trimNUL(string(data))
		}
	}

	elfSymbols, err := ef.Symbols()
	if err != nil {
		return nil, fmt.Errorf("objfile: read symbol table: %w", err)
	}

	// elf.File.Symbols() silently drops the symbol table's reserved null
	// entry at index 0, so the slice it returns is shifted by one relative
	// to the raw symtab index a relocation's Info field refers to. Put the
	// null entry back so RawSymbols/Symbols stay index-aligned with
	// relocation symbol indices.
	elfSymbols = append([]elf.Symbol{{}}, elfSymbols...)

	symbols := make([]Symbol, 0, len(elfSymbols))
	rawSymbols := make([]RawSymbol, len(elfSymbols))

	for i, sym := range elfSymbols {
		isSection := elf.ST_TYPE(sym.Info) == elf.STT_SECTION
		scope := symbolScope(elf.ST_BIND(sym.Info))

		secIdx := -1
		if sym.Section != elf.SHN_UNDEF && sym.Section < elf.SHN_LOPROC {
			secIdx = int(sym.Section)
		}

		name := sym.Name
		if isSection && secIdx >= 0 {
			name = sections[secIdx].Name
		}

		rawSymbols[i] = RawSymbol{
			Name:         name,
			SectionIndex: secIdx,
			Scope:        scope,
			IsSection:    isSection,
		}

		if elf.ST_TYPE(sym.Info) > elf.STT_SECTION || secIdx < 0 {
			continue
		}

		if name == "___module___" || name == moduleNameSection {
			continue
		}

		symbols = append(symbols, Symbol{
			RawIndex:     i,
			Name:         name,
			Type:         symbolType(elf.ST_TYPE(sym.Info)),
			Scope:        scope,
			Value:        sym.Value,
			Size:         sym.Size,
			SectionIndex: secIdx,
			IsSection:    isSection,
		})
	}

	relocs, err := readRelocations(ef, sections)
	if err != nil {
		return nil, err
	}

	return &File{
		Class:       class,
		ModuleName:  moduleName,
		Sections:    sections,
		Symbols:     symbols,
		RawSymbols:  rawSymbols,
		Relocations: relocs,
	}, nil
}

func classOf(ef *elf.File) (model.Class, error) {
	switch ef.Class {
	case elf.ELFCLASS64:
		return model.Class64, nil
	case elf.ELFCLASS32:
		return model.Class32, nil
	default:
		return 0, ErrUnsupportedClass
	}
}

func symbolType(t elf.SymType) model.SymbolType {
	switch t {
	case elf.STT_OBJECT:
		return model.SymbolObject
	case elf.STT_FUNC:
		return model.SymbolFunction
	case elf.STT_SECTION:
		return model.SymbolSection
	case elf.STT_NOTYPE:
		return model.SymbolSymbol
	default:
		return model.SymbolSymbol
	}
}

func symbolScope(b elf.SymBind) model.Scope {
	switch b {
	case elf.STB_LOCAL:
		return model.ScopeLocal
	case elf.STB_WEAK:
		return model.ScopeWeak
	default:
		return model.ScopeGlobal
	}
}

func trimNUL(s string) string {
	for i, r := range s {
		if r == 0 {
			return s[:i]
		}
	}

	return s
}

func max(a, b uint64) uint64 {
	if a > b {
		return a
	}

	return b
}
