package patch

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/kazimsarikaya/linkcore/internal/coreerr"
	"github.com/kazimsarikaya/linkcore/internal/ingest"
	"github.com/kazimsarikaya/linkcore/internal/link"
	"github.com/kazimsarikaya/linkcore/internal/model"
	"github.com/kazimsarikaya/linkcore/internal/store"
)

// buildLinkedResult reproduces spec.md §8 end-to-end scenario 1: a.o
// defines _start calling f via a R_64_PC32 relocation at offset 4 (the
// instruction's 4-byte displacement field), b.o defines f. Linked
// recursively at (phys=0x200000, virt=0x200000).
func buildLinkedResult(t *testing.T) *link.Result {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "link.db"))
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

	return res
}

func TestApplyPC32MatchesCallSiteFormula(t *testing.T) {
	res := buildLinkedResult(t)

	if err := Apply(res); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	kernel := res.Modules[res.ModuleOrder[0]]
	libc := res.Modules[res.ModuleOrder[1]]

	buf := kernel.Sections[model.SectionText]

	got := int32(binary.LittleEndian.Uint32(buf.Data[4:8]))

	// Per spec.md §4.4: (uint32)(S + A - P), S = f's virtual address,
	// A = -4, P = the virtual address of the patch site itself.
	S := int64(libc.Sections[model.SectionText].VirtualStart)
	P := int64(buf.VirtualStart + 4)
	want := int32(S - 4 - P)

	if got != want {
		t.Fatalf("expected patched displacement %d, got %d", want, got)
	}
}

// TestApplyRewritesAbsoluteRelocationAddendToResolvedValue exercises spec.md
// §4.6/§8's self-relocation property: the on-disk relocation table must
// carry S+A for R_64_32/R_64_32S/R_64_64 sites, not the raw ELF addend,
// since that is what the resident loader's "addend + load-base delta"
// formula presumes. PC-relative kinds are invariant under a base shift, so
// their stored addend must stay the raw ELF value.
func TestApplyRewritesAbsoluteRelocationAddendToResolvedValue(t *testing.T) {
	res := buildLinkedResult(t)

	kernel := res.Modules[res.ModuleOrder[0]]
	libc := res.Modules[res.ModuleOrder[1]]

	var fSymbolID uint64
	for _, e := range res.GOT {
		if e.SymbolName == "f" {
			fSymbolID = e.SymbolID
		}
	}

	kernel.Relocations = append(kernel.Relocations, link.RelocationRecord{
		SymbolID:    fSymbolID,
		SymbolName:  "f",
		SectionType: model.SectionText,
		Type:        model.R64_64,
		Offset:      0,
		Addend:      3,
	})

	pc32Addend := kernel.Relocations[0].Addend

	if err := Apply(res); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	wantAbsolute := int64(libc.Sections[model.SectionText].VirtualStart) + 3
	if kernel.Relocations[1].Addend != wantAbsolute {
		t.Fatalf("R_64_64 record addend after Apply = %d, want resolved value %d", kernel.Relocations[1].Addend, wantAbsolute)
	}

	site := binary.LittleEndian.Uint64(kernel.Sections[model.SectionText].Data[0:8])
	if int64(site) != wantAbsolute {
		t.Fatalf("R_64_64 site bytes = %d, want %d", site, wantAbsolute)
	}

	if kernel.Relocations[0].Addend != pc32Addend {
		t.Fatalf("R_64_PC32 record addend changed from %d to %d, want it left as the raw ELF addend", pc32Addend, kernel.Relocations[0].Addend)
	}
}

// TestApplyRejectsNonGOTPC64AgainstGOTSelf exercises spec.md §4.4's rule
// that the only legal relocation kind against the reserved GOT-itself
// symbol is R_64_GOTPC64.
func TestApplyRejectsNonGOTPC64AgainstGOTSelf(t *testing.T) {
	res := buildLinkedResult(t)

	kernel := res.Modules[res.ModuleOrder[0]]
	kernel.Relocations = append(kernel.Relocations, link.RelocationRecord{
		SymbolID:    model.GOTSymbolID,
		SymbolName:  model.GOTSelfSymbolName,
		SectionType: model.SectionText,
		Type:        model.R64_GOT64,
		Offset:      0,
		Addend:      0,
	})

	err := Apply(res)
	if err == nil {
		t.Fatalf("expected an error for a non-R_64_GOTPC64 relocation against the GOT itself")
	}

	if kind, ok := coreerr.KindOf(err); !ok || kind != coreerr.KindRelocation {
		t.Fatalf("expected a KindRelocation error, got %v", err)
	}
}

// TestApplyRejectsGOTPC64AgainstNonGOTSelfSymbol exercises spec.md §7's
// relocation-error rule directly: a R_64_GOTPC64 relocation against
// anything other than the reserved GOT-itself symbol is fatal.
func TestApplyRejectsGOTPC64AgainstNonGOTSelfSymbol(t *testing.T) {
	res := buildLinkedResult(t)

	kernel := res.Modules[res.ModuleOrder[0]]
	var fSymbolID uint64
	for _, e := range res.GOT {
		if e.SymbolName == "f" {
			fSymbolID = e.SymbolID
		}
	}

	kernel.Relocations = append(kernel.Relocations, link.RelocationRecord{
		SymbolID:    fSymbolID,
		SymbolName:  "f",
		SectionType: model.SectionText,
		Type:        model.R64_GOTPC64,
		Offset:      0,
		Addend:      0,
	})

	err := Apply(res)
	if err == nil {
		t.Fatalf("expected an error for R_64_GOTPC64 against a non-GOT-self symbol")
	}

	if kind, ok := coreerr.KindOf(err); !ok || kind != coreerr.KindRelocation {
		t.Fatalf("expected a KindRelocation error, got %v", err)
	}
}
