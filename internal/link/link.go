// Package link implements the module builder and GOT & address binder
// (C3/C4 in spec.md §4.3-4.4): given a populated store and an entry symbol
// name, it walks the transitive closure of modules reachable from that
// symbol, materializes each module's sections into contiguous byte buffers,
// builds a single global offset table shared by every module, and binds
// physical/virtual addresses to every section and GOT entry.
package link

import "github.com/kazimsarikaya/linkcore/internal/model"

// pageSize is the rounding granularity for section and GOT placement, per
// spec.md §4.4 step 2 ("round up to 4 KiB").
const pageSize = 4096

// SectionBuffer is one on-disk-materialized section type's concatenated
// contents for a single module: the bytes of every ingested section of that
// type, in ingestion order, separated by alignment padding.
type SectionBuffer struct {
	Size          uint64
	PhysicalStart uint64
	VirtualStart  uint64
	Data          []byte // nil for BSS; len(Data) == Size otherwise
}

// RelocationRecord is one patch instruction harvested into a module's
// relocation table, per spec.md §4.3 step 2 ("Harvest relocations"). Offset
// is already adjusted by the section's offset within its SectionBuffer.
// SymbolID is 0 for a relocation that is still unresolved after the ingest
// fixup pass (spec.md §7's "unresolved reference after closure"); SymbolName
// is kept alongside it so the patcher can still find the (zero-valued) GOT
// entry reserved for that name.
type RelocationRecord struct {
	SymbolID    uint64
	SymbolName  string
	SectionType model.SectionType
	Type        model.RelocationType
	Offset      uint64
	Addend      int64
}

// Module is one materialized module: the teacher/student mapping of
// spec.md §4.3's "Materialized module" record.
type Module struct {
	ID            uint64
	Name          string
	PhysicalStart uint64
	VirtualStart  uint64
	Sections      [model.NumSectionTypes]*SectionBuffer
	Relocations   []RelocationRecord
}

// sectionOrCreate returns the module's buffer for typ, creating an empty one
// on first use.
func (m *Module) sectionOrCreate(typ model.SectionType) *SectionBuffer {
	if m.Sections[typ] == nil {
		m.Sections[typ] = &SectionBuffer{}
	}

	return m.Sections[typ]
}

// GOTNullIndex and GOTSelfIndex are the two reserved GOT slots spec.md
// §4.3 fixes: index 0 is always the null entry, index 1 is always the
// GOT-itself sentinel that R_64_GOTPC64 relocations against
// _GLOBAL_OFFSET_TABLE_ resolve to.
const (
	GOTNullIndex = 0
	GOTSelfIndex = 1
)

// GOTEntry is one global offset table slot, per spec.md §4.3's fixed GOT
// entry layout.
type GOTEntry struct {
	Resolved    bool
	ModuleID    uint64
	SymbolID    uint64
	SymbolName  string
	SymbolType  model.SymbolType
	SymbolScope model.Scope
	SymbolValue uint64 // offset within Sections[SectionType]'s buffer until C4 binds it, then unused
	SymbolSize  uint64
	SectionType model.SectionType
	EntryValue  uint64 // final virtual address; filled by Bind
}

// Result is everything the builder and binder produce: every reachable
// module plus the global offset table and the program's resolved entry
// point.
type Result struct {
	Modules            map[uint64]*Module
	ModuleOrder        []uint64 // insertion order, for address binding (spec.md §4.4 step 2)
	GOT                []GOTEntry
	EntryGOTIndex      int
	GOTAddressPhysical uint64
	GOTAddressVirtual  uint64
	EntrypointVirtual  uint64
}
