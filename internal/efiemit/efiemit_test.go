package efiemit

import (
	"path/filepath"
	"testing"

	"github.com/kazimsarikaya/linkcore/internal/efipe"
	"github.com/kazimsarikaya/linkcore/internal/ingest"
	"github.com/kazimsarikaya/linkcore/internal/link"
	"github.com/kazimsarikaya/linkcore/internal/model"
	"github.com/kazimsarikaya/linkcore/internal/patch"
	"github.com/kazimsarikaya/linkcore/internal/store"
)

// buildPatchedResult mirrors internal/flatimage's own fixture: a kernel
// module referencing libc's "f" two ways — an R_64_PC32 site (resolved
// entirely by internal/patch, never reaching the PE .reloc table) and an
// R_64_64 absolute site (which must survive into a HIGHLOW/DIR64 entry).
func buildPatchedResult(t *testing.T) *link.Result {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "efiemit.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	kernel, err := s.GetOrCreateModule("kernel")
	if err != nil {
		t.Fatalf("GetOrCreateModule(kernel): %v", err)
	}

	libc, err := s.GetOrCreateModule("libc")
	if err != nil {
		t.Fatalf("GetOrCreateModule(libc): %v", err)
	}

	implA, err := s.BeginImplementation("a.o")
	if err != nil {
		t.Fatalf("BeginImplementation(a): %v", err)
	}

	implB, err := s.BeginImplementation("b.o")
	if err != nil {
		t.Fatalf("BeginImplementation(b): %v", err)
	}

	secA, err := s.InsertSection(&model.Section{
		ModuleID: kernel.ID, ImplementationID: implA.ID, Name: ".text",
		Class: model.Class64, Alignment: 16, Type: model.SectionText,
		Size: 16, Value: make([]byte, 16),
	})
	if err != nil {
		t.Fatalf("InsertSection(a): %v", err)
	}

	if _, err := s.InsertSymbol(&model.Symbol{
		ImplementationID: implA.ID, SectionID: secA, Name: "_start",
		Type: model.SymbolFunction, Scope: model.ScopeGlobal, Value: 0, Size: 16,
	}); err != nil {
		t.Fatalf("InsertSymbol(_start): %v", err)
	}

	if _, err := s.InsertRelocation(&model.Relocation{
		SectionID: secA, Type: model.R64_PC32, Offset: 0, Addend: -4, SymbolName: "f",
	}); err != nil {
		t.Fatalf("InsertRelocation(PC32): %v", err)
	}

	if _, err := s.InsertRelocation(&model.Relocation{
		SectionID: secA, Type: model.R64_64, Offset: 8, Addend: 0, SymbolName: "f",
	}); err != nil {
		t.Fatalf("InsertRelocation(R64_64): %v", err)
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

func TestNewBuildsTextSectionAndEntrypoint(t *testing.T) {
	res := buildPatchedResult(t)

	exe, err := New(res)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text, ok := exe.Sections().GetByName(efipe.SectionText)
	if !ok {
		t.Fatalf("expected a %s section", efipe.SectionText)
	}

	if text.Header().VirtualAddress != efipe.UEFIPageSize {
		t.Fatalf("text section virtual address = 0x%x, want 0x%x", text.Header().VirtualAddress, efipe.UEFIPageSize)
	}

	wantEntry := uint32(res.EntrypointVirtual - exe.base + efipe.UEFIPageSize)
	if exe.Entrypoint() != wantEntry {
		t.Fatalf("Entrypoint() = 0x%x, want 0x%x", exe.Entrypoint(), wantEntry)
	}
}

// TestRelocationsOnlyCarryAbsoluteKinds confirms the R_64_PC32 site (fully
// resolved by internal/patch) never produces a PE .reloc entry, while the
// R_64_64 site (a load-time-relative-to-ImageBase address) does, as DIR64.
func TestRelocationsOnlyCarryAbsoluteKinds(t *testing.T) {
	res := buildPatchedResult(t)

	exe, err := New(res)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	relocs := exe.Relocations()
	if len(relocs) != 1 {
		t.Fatalf("expected exactly one PE relocation (the R_64_64 site), got %d: %+v", len(relocs), relocs)
	}

	if relocs[0].Kind != efipe.ImageRelBasedDir64 {
		t.Fatalf("relocation kind = %v, want ImageRelBasedDir64", relocs[0].Kind)
	}

	kernel := res.Modules[res.ModuleOrder[0]]
	wantOffset := kernel.VirtualStart - exe.base + efipe.UEFIPageSize + 8
	if relocs[0].FileOffset != wantOffset {
		t.Fatalf("relocation file offset = 0x%x, want 0x%x", relocs[0].FileOffset, wantOffset)
	}
}

func TestNewFailsOnEmptyResult(t *testing.T) {
	res := &link.Result{Modules: map[uint64]*link.Module{}}

	if _, err := New(res); err == nil {
		t.Fatalf("expected New to fail on a result with no modules")
	}
}
