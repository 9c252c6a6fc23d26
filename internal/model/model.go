// Package model holds the entity types shared by the metadata store, the
// ingester and the module builder: modules, implementations, sections,
// symbols and relocations, per spec.md §3.
package model

// Class is the object file's word size.
type Class uint8

const (
	Class32 Class = 32
	Class64 Class = 64
)

// SectionType is the closed, tagged-sum set of section kinds: six are
// materialized from an object file, four more (RelocationTable, GOT, Stack,
// Heap) exist only during a link. Keeping this a fixed set (rather than open
// polymorphism) matches the "dynamic dispatch between section types" design
// note in spec.md §9: the relocation algebra is closed over these kinds.
type SectionType uint8

const (
	SectionText SectionType = iota
	SectionData
	SectionDataReloc
	SectionRodata
	SectionRodataReloc
	SectionBSS

	// Synthetic, link-time-only section types.
	SectionRelocationTable
	SectionGOT
	SectionStack
	SectionHeap

	sectionTypeCount
)

// NumSectionTypes is the size of a fixed per-module array indexed by
// SectionType, per the "no open polymorphism" design note.
const NumSectionTypes = int(sectionTypeCount)

// OnDiskSectionTypes are the section types ever materialized from an object
// file; order here also fixes the layout order used at address-binding time
// (spec.md §4.4 step 2).
var OnDiskSectionTypes = []SectionType{
	SectionText,
	SectionRodata,
	SectionData,
	SectionDataReloc,
	SectionRodataReloc,
	SectionBSS,
}

func (t SectionType) String() string {
	switch t {
	case SectionText:
		return "TEXT"
	case SectionData:
		return "DATA"
	case SectionDataReloc:
		return "DATA_RELOC"
	case SectionRodata:
		return "RODATA"
	case SectionRodataReloc:
		return "RODATA_RELOC"
	case SectionBSS:
		return "BSS"
	case SectionRelocationTable:
		return "RELOCATION_TABLE"
	case SectionGOT:
		return "GOT"
	case SectionStack:
		return "STACK"
	case SectionHeap:
		return "HEAP"
	default:
		return "UNKNOWN"
	}
}

// IsBSS reports whether sections of this type contribute only size, no
// on-disk bytes.
func (t SectionType) IsBSS() bool {
	return t == SectionBSS
}

// SymbolType is a symbol's kind.
type SymbolType uint8

const (
	SymbolUndef SymbolType = iota
	SymbolObject
	SymbolFunction
	SymbolSection
	SymbolSymbol
)

func (t SymbolType) String() string {
	switch t {
	case SymbolUndef:
		return "UNDEF"
	case SymbolObject:
		return "OBJECT"
	case SymbolFunction:
		return "FUNCTION"
	case SymbolSection:
		return "SECTION"
	case SymbolSymbol:
		return "SYMBOL"
	default:
		return "UNKNOWN"
	}
}

// Scope is a symbol's linkage scope. WEAK is carried but never consulted to
// override a strong definition — an explicit non-goal, per spec.md §9.
type Scope uint8

const (
	ScopeLocal Scope = iota
	ScopeGlobal
	ScopeWeak
)

func (s Scope) String() string {
	switch s {
	case ScopeLocal:
		return "LOCAL"
	case ScopeGlobal:
		return "GLOBAL"
	case ScopeWeak:
		return "WEAK"
	default:
		return "UNKNOWN"
	}
}

// RelocationType is one of the eight relocation kinds from spec.md §4.4.
type RelocationType uint8

const (
	R64_32 RelocationType = iota
	R64_32S
	R64_64
	R64_PC32
	R64_PC64
	R64_GOT64
	R64_GOTOFF64
	R64_GOTPC64
)

func (t RelocationType) String() string {
	switch t {
	case R64_32:
		return "R_64_32"
	case R64_32S:
		return "R_64_32S"
	case R64_64:
		return "R_64_64"
	case R64_PC32:
		return "R_64_PC32"
	case R64_PC64:
		return "R_64_PC64"
	case R64_GOT64:
		return "R_64_GOT64"
	case R64_GOTOFF64:
		return "R_64_GOTOFF64"
	case R64_GOTPC64:
		return "R_64_GOTPC64"
	default:
		return "UNKNOWN"
	}
}

// Width reports the patch width in bytes for this relocation kind.
func (t RelocationType) Width() int {
	switch t {
	case R64_32, R64_32S, R64_PC32:
		return 4
	default:
		return 8
	}
}

// GOTSelfSymbolName is the sentinel symbol name referring to the GOT itself.
const GOTSelfSymbolName = "_GLOBAL_OFFSET_TABLE_"

// Reserved ids for the GOT-self pseudo symbol/section, per spec.md §3.
const (
	GOTSymbolID  uint64 = ^uint64(0)
	GOTSectionID uint64 = ^uint64(0)
)

// Module is the logical unit of code produced by one or more compilations
// of the same name.
type Module struct {
	ID   uint64
	Name string
}

// Implementation is one compilation's output for a Module. Re-ingestion of
// an object file with the same Name replaces its Implementation wholesale.
type Implementation struct {
	ID   uint64
	Name string
}

// Section is a contiguous run of bytes (or, for BSS, zero-filled space)
// belonging to one Implementation.
type Section struct {
	ID               uint64
	ModuleID         uint64
	ImplementationID uint64
	Name             string
	Class            Class
	Alignment        uint64
	Type             SectionType
	Size             uint64
	Value            []byte // absent (nil) for BSS
}

// Symbol is a named reference into a Section.
type Symbol struct {
	ID               uint64
	ImplementationID uint64
	SectionID        uint64
	Name             string
	Type             SymbolType
	Scope            Scope
	Value            uint64
	Size             uint64
}

// Relocation is a patch instruction against a Section's bytes.
type Relocation struct {
	ID              uint64
	SectionID       uint64 // the section being patched
	SymbolID        uint64 // 0 until resolved by name, or GOTSymbolID
	SymbolName      string
	SymbolSectionID uint64 // 0 until resolved, or GOTSectionID
	Type            RelocationType
	Offset          uint64
	Addend          int64
}

// MangledLocalName is how a local-scope symbol's store name is derived: the
// section name is prepended so a uniform name->symbol lookup works
// downstream, per spec.md §3's key invariants.
func MangledLocalName(sectionName, symbolName string) string {
	return sectionName + symbolName
}
