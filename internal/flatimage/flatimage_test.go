package flatimage

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/kazimsarikaya/linkcore/internal/ingest"
	"github.com/kazimsarikaya/linkcore/internal/link"
	"github.com/kazimsarikaya/linkcore/internal/model"
	"github.com/kazimsarikaya/linkcore/internal/patch"
	"github.com/kazimsarikaya/linkcore/internal/store"
)

// buildPatchedResult reproduces spec.md §8 scenario 1 end to end: ingest,
// recursive build, bind at (0x200000, 0x200000), and patch.
func buildPatchedResult(t *testing.T) *link.Result {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "flatimage.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	kernel, err := s.GetOrCreateModule("kernel")
	if err != nil {
		t.Fatalf("GetOrCreateModule: %v", err)
	}

	libc, err := s.GetOrCreateModule("libc")
	if err != nil {
		t.Fatalf("GetOrCreateModule: %v", err)
	}

	implA, err := s.BeginImplementation("a.o")
	if err != nil {
		t.Fatalf("BeginImplementation: %v", err)
	}

	implB, err := s.BeginImplementation("b.o")
	if err != nil {
		t.Fatalf("BeginImplementation: %v", err)
	}

	secA, err := s.InsertSection(&model.Section{
		ModuleID: kernel.ID, ImplementationID: implA.ID, Name: ".text",
		Class: model.Class64, Alignment: 16, Type: model.SectionText,
		Size: 8, Value: make([]byte, 8),
	})
	if err != nil {
		t.Fatalf("InsertSection(a): %v", err)
	}

	if _, err := s.InsertSymbol(&model.Symbol{
		ImplementationID: implA.ID, SectionID: secA, Name: "_start",
		Type: model.SymbolFunction, Scope: model.ScopeGlobal, Value: 0, Size: 8,
	}); err != nil {
		t.Fatalf("InsertSymbol(_start): %v", err)
	}

	if _, err := s.InsertRelocation(&model.Relocation{
		SectionID: secA, Type: model.R64_PC32, Offset: 4, Addend: -4, SymbolName: "f",
	}); err != nil {
		t.Fatalf("InsertRelocation: %v", err)
	}

	secB, err := s.InsertSection(&model.Section{
		ModuleID: libc.ID, ImplementationID: implB.ID, Name: ".text",
		Class: model.Class64, Alignment: 16, Type: model.SectionText,
		Size: 4, Value: make([]byte, 4),
	})
	if err != nil {
		t.Fatalf("InsertSection(b): %v", err)
	}

	if _, err := s.InsertSymbol(&model.Symbol{
		ImplementationID: implB.ID, SectionID: secB, Name: "f",
		Type: model.SymbolFunction, Scope: model.ScopeGlobal, Value: 0, Size: 4,
	}); err != nil {
		t.Fatalf("InsertSymbol(f): %v", err)
	}

	if _, err := ingest.Fixup(s); err != nil {
		t.Fatalf("Fixup: %v", err)
	}

	res, err := link.NewBuilder(s, true).Build("_start")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := link.Bind(res, 0x200000, 0x200000); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	if err := patch.Apply(res); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	return res
}

func TestBuildHeaderRoundTrips(t *testing.T) {
	res := buildPatchedResult(t)

	img, err := Build(res, Options{HeapSize: 4096, StackSize: 8192})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var buf bytes.Buffer
	if _, err := img.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	out := buf.Bytes()
	if len(out) < HeaderSize {
		t.Fatalf("image shorter than one header: %d bytes", len(out))
	}

	if out[0] != 0xE9 {
		t.Fatalf("expected jmp opcode 0xE9 at offset 0, got 0x%x", out[0])
	}

	if !bytes.Equal(out[5:21], Magic[:]) {
		t.Fatalf("magic mismatch: got %x, want %x", out[5:21], Magic)
	}

	// Header layout: JmpOpcode(1)+TrampolinePCRelative(4)+Magic(16)+
	// PhysicalBase(8)+VirtualBase(8)+ProgramOffset(8)+TotalSize(8)+
	// ProgramSize(8) = 61, then EntryVirtualAddress(8).
	entry := binary.LittleEndian.Uint64(out[61:69])
	if entry != res.EntrypointVirtual {
		t.Fatalf("header entry virtual address = 0x%x, want 0x%x", entry, res.EntrypointVirtual)
	}
}

// TestEncodeRelocationTableIsSortedByModuleIDNotDiscoveryOrder builds a
// closure where the entry module (kernel) is created, and thus assigned its
// module id, after the module it depends on (libc) — so BFS discovery order
// (kernel first, since it owns the entry symbol, then libc once its
// relocation pulls it in) disagrees with ascending module id order. The
// on-disk relocation table must follow the latter (spec.md §9).
func TestEncodeRelocationTableIsSortedByModuleIDNotDiscoveryOrder(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "flatimage-order.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	libc, err := s.GetOrCreateModule("libc")
	if err != nil {
		t.Fatalf("GetOrCreateModule(libc): %v", err)
	}

	kernel, err := s.GetOrCreateModule("kernel")
	if err != nil {
		t.Fatalf("GetOrCreateModule(kernel): %v", err)
	}

	if kernel.ID <= libc.ID {
		t.Fatalf("test requires kernel.ID (%d) > libc.ID (%d)", kernel.ID, libc.ID)
	}

	implA, err := s.BeginImplementation("a.o")
	if err != nil {
		t.Fatalf("BeginImplementation: %v", err)
	}

	implB, err := s.BeginImplementation("b.o")
	if err != nil {
		t.Fatalf("BeginImplementation: %v", err)
	}

	secA, err := s.InsertSection(&model.Section{
		ModuleID: kernel.ID, ImplementationID: implA.ID, Name: ".text",
		Class: model.Class64, Alignment: 16, Type: model.SectionText,
		Size: 8, Value: make([]byte, 8),
	})
	if err != nil {
		t.Fatalf("InsertSection(a): %v", err)
	}

	if _, err := s.InsertSymbol(&model.Symbol{
		ImplementationID: implA.ID, SectionID: secA, Name: "_start",
		Type: model.SymbolFunction, Scope: model.ScopeGlobal, Value: 0, Size: 8,
	}); err != nil {
		t.Fatalf("InsertSymbol(_start): %v", err)
	}

	if _, err := s.InsertRelocation(&model.Relocation{
		SectionID: secA, Type: model.R64_PC32, Offset: 4, Addend: -4, SymbolName: "f",
	}); err != nil {
		t.Fatalf("InsertRelocation: %v", err)
	}

	secB, err := s.InsertSection(&model.Section{
		ModuleID: libc.ID, ImplementationID: implB.ID, Name: ".text",
		Class: model.Class64, Alignment: 16, Type: model.SectionText,
		Size: 4, Value: make([]byte, 4),
	})
	if err != nil {
		t.Fatalf("InsertSection(b): %v", err)
	}

	if _, err := s.InsertSymbol(&model.Symbol{
		ImplementationID: implB.ID, SectionID: secB, Name: "f",
		Type: model.SymbolFunction, Scope: model.ScopeGlobal, Value: 0, Size: 4,
	}); err != nil {
		t.Fatalf("InsertSymbol(f): %v", err)
	}

	if _, err := s.InsertRelocation(&model.Relocation{
		SectionID: secB, Type: model.R64_PC32, Offset: 0, Addend: -4, SymbolName: "_start",
	}); err != nil {
		t.Fatalf("InsertRelocation(libc->_start): %v", err)
	}

	if _, err := ingest.Fixup(s); err != nil {
		t.Fatalf("Fixup: %v", err)
	}

	res, err := link.NewBuilder(s, true).Build("_start")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(res.ModuleOrder) != 2 || res.ModuleOrder[0] != kernel.ID || res.ModuleOrder[1] != libc.ID {
		t.Fatalf("expected discovery order [kernel, libc] = [%d, %d], got %v", kernel.ID, libc.ID, res.ModuleOrder)
	}

	if err := link.Bind(res, 0x200000, 0x200000); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	if err := patch.Apply(res); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	raw, err := encodeRelocationTable(res)
	if err != nil {
		t.Fatalf("encodeRelocationTable: %v", err)
	}

	entries, err := DecodeRelocationTable(raw)
	if err != nil {
		t.Fatalf("DecodeRelocationTable: %v", err)
	}

	if len(entries) == 0 {
		t.Fatalf("expected at least one relocation entry")
	}

	if entries[0].ModuleID != libc.ID {
		t.Fatalf("first relocation-table entry's module id = %d, want libc's %d (ascending order)", entries[0].ModuleID, libc.ID)
	}

	for i := 1; i < len(entries); i++ {
		if entries[i].ModuleID < entries[i-1].ModuleID {
			t.Fatalf("relocation table not sorted ascending by module id: %v", entries)
		}
	}
}

func TestWriteToPadsEveryRegionToPageBoundary(t *testing.T) {
	res := buildPatchedResult(t)

	img, err := Build(res, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var buf bytes.Buffer
	n, err := img.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	if n%HeaderSize != 0 {
		t.Fatalf("image size %d is not a multiple of the page size", n)
	}
}
