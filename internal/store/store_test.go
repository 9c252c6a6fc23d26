package store

import (
	"path/filepath"
	"testing"

	"github.com/kazimsarikaya/linkcore/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "link.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestGetOrCreateModuleIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	m1, err := s.GetOrCreateModule("kernel")
	if err != nil {
		t.Fatalf("GetOrCreateModule: %v", err)
	}

	m2, err := s.GetOrCreateModule("kernel")
	if err != nil {
		t.Fatalf("GetOrCreateModule (second): %v", err)
	}

	if m1.ID != m2.ID {
		t.Fatalf("expected same module id, got %d and %d", m1.ID, m2.ID)
	}

	other, err := s.GetOrCreateModule("video")
	if err != nil {
		t.Fatalf("GetOrCreateModule (other): %v", err)
	}

	if other.ID == m1.ID {
		t.Fatalf("expected distinct module id for distinct name")
	}
}

func TestImplementationReplacementIsAtomic(t *testing.T) {
	s := openTestStore(t)

	mod, err := s.GetOrCreateModule("kernel")
	if err != nil {
		t.Fatalf("GetOrCreateModule: %v", err)
	}

	impl1, err := s.BeginImplementation("kernel.o")
	if err != nil {
		t.Fatalf("BeginImplementation: %v", err)
	}

	sec := &model.Section{
		ModuleID:         mod.ID,
		ImplementationID: impl1.ID,
		Name:             ".text",
		Class:            model.Class64,
		Alignment:        16,
		Type:             model.SectionText,
		Size:             16,
		Value:            make([]byte, 16),
	}

	secID, err := s.InsertSection(sec)
	if err != nil {
		t.Fatalf("InsertSection: %v", err)
	}

	sym := &model.Symbol{
		ImplementationID: impl1.ID,
		SectionID:        secID,
		Name:             "_start",
		Type:             model.SymbolFunction,
		Scope:            model.ScopeGlobal,
	}

	if _, err := s.InsertSymbol(sym); err != nil {
		t.Fatalf("InsertSymbol: %v", err)
	}

	// Re-ingest under the same implementation name.
	impl2, err := s.BeginImplementation("kernel.o")
	if err != nil {
		t.Fatalf("BeginImplementation (replace): %v", err)
	}

	if impl2.ID == impl1.ID {
		t.Fatalf("expected replacement to allocate a fresh implementation id")
	}

	if _, err := s.SectionByID(secID); err != ErrNotFound {
		t.Fatalf("expected old section to be gone, got err=%v", err)
	}

	oldSymbols, err := s.SymbolsByName("_start")
	if err != nil {
		t.Fatalf("SymbolsByName: %v", err)
	}

	if len(oldSymbols) != 0 {
		t.Fatalf("expected zero surviving symbols from the replaced implementation, got %d", len(oldSymbols))
	}

	if _, err := s.ImplementationByName("kernel.o"); err != nil {
		t.Fatalf("ImplementationByName: %v", err)
	}
}

func TestRelocationFixupResolution(t *testing.T) {
	s := openTestStore(t)

	mod, err := s.GetOrCreateModule("kernel")
	if err != nil {
		t.Fatalf("GetOrCreateModule: %v", err)
	}

	impl, err := s.BeginImplementation("a.o")
	if err != nil {
		t.Fatalf("BeginImplementation: %v", err)
	}

	sec := &model.Section{ModuleID: mod.ID, ImplementationID: impl.ID, Name: ".text", Class: model.Class64, Alignment: 16, Type: model.SectionText, Size: 8, Value: make([]byte, 8)}

	secID, err := s.InsertSection(sec)
	if err != nil {
		t.Fatalf("InsertSection: %v", err)
	}

	defSym := &model.Symbol{ImplementationID: impl.ID, SectionID: secID, Name: "f", Type: model.SymbolFunction, Scope: model.ScopeGlobal}

	defID, err := s.InsertSymbol(defSym)
	if err != nil {
		t.Fatalf("InsertSymbol: %v", err)
	}

	rel := &model.Relocation{SectionID: secID, SymbolName: "f", Type: model.R64_PC32, Offset: 4}
	if _, err := s.InsertRelocation(rel); err != nil {
		t.Fatalf("InsertRelocation: %v", err)
	}

	unresolved, err := s.UnresolvedRelocations()
	if err != nil {
		t.Fatalf("UnresolvedRelocations: %v", err)
	}

	if len(unresolved) != 1 {
		t.Fatalf("expected 1 unresolved relocation, got %d", len(unresolved))
	}

	if err := s.ResolveRelocation(unresolved[0].ID, defID, secID); err != nil {
		t.Fatalf("ResolveRelocation: %v", err)
	}

	unresolved, err = s.UnresolvedRelocations()
	if err != nil {
		t.Fatalf("UnresolvedRelocations (after resolve): %v", err)
	}

	if len(unresolved) != 0 {
		t.Fatalf("expected 0 unresolved relocations after fixup, got %d", len(unresolved))
	}
}
