package ingest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/kazimsarikaya/linkcore/internal/model"
	"github.com/kazimsarikaya/linkcore/internal/store"
)

// Hand-assembled ELF64 builder, same approach as internal/objfile's test
// helper: a fixed section layout (null, .text, .___module___, .symtab,
// .strtab, .rela.text, .shstrtab) with a caller-supplied symbol table and
// relocation list, so ingest can be exercised without invoking a real
// toolchain.

type ehdr64 struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type shdr64 struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Off       uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

type sym64 struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

type rela64 struct {
	Offset uint64
	Info   uint64
	Addend int64
}

const (
	secNull = iota
	secText
	secModName
	secSymtab
	secStrtab
	secRelaText
	secShstrtab
	secCount
)

type symSpec struct {
	name  string
	bind  elf.SymBind
	typ   elf.SymType
	shndx uint16 // secText for a definition, 0 (SHN_UNDEF) for an external
}

type relaSpec struct {
	offset uint64
	typ    elf.R_X86_64
	symbol int // index into the symbols slice passed to buildObject (1-based; 0 is the null symbol)
	addend int64
}

func strTab(names ...string) (tab []byte, offsets map[string]uint32) {
	tab = []byte{0}
	offsets = make(map[string]uint32, len(names))

	for _, n := range names {
		offsets[n] = uint32(len(tab))
		tab = append(tab, []byte(n)...)
		tab = append(tab, 0)
	}

	return tab, offsets
}

func pad(buf *bytes.Buffer, align int) {
	for buf.Len()%align != 0 {
		buf.WriteByte(0)
	}
}

func buildObject(t *testing.T, moduleName string, textSize int, syms []symSpec, relas []relaSpec) []byte {
	t.Helper()

	names := make([]string, 0, len(syms))
	for _, s := range syms {
		names = append(names, s.name)
	}

	strtab, symNameOff := strTab(names...)
	shstrtab, shNameOff := strTab(".text", ".___module___", ".symtab", ".strtab", ".rela.text", ".shstrtab")

	textData := make([]byte, textSize)
	moduleNameData := append([]byte(moduleName), 0)

	symRows := make([]sym64, 0, len(syms)+1)
	symRows = append(symRows, sym64{}) // null symbol

	for _, s := range syms {
		symRows = append(symRows, sym64{
			Name:  symNameOff[s.name],
			Info:  uint8(s.bind)<<4 | uint8(s.typ),
			Shndx: s.shndx,
		})
	}

	relaRows := make([]rela64, 0, len(relas))
	for _, r := range relas {
		relaRows = append(relaRows, rela64{
			Offset: r.offset,
			Info:   uint64(r.symbol)<<32 | uint64(r.typ),
			Addend: r.addend,
		})
	}

	buf := &bytes.Buffer{}
	buf.Write(make([]byte, 64))

	offText := buf.Len()
	buf.Write(textData)

	offModName := buf.Len()
	buf.Write(moduleNameData)

	pad(buf, 8)
	offSymtab := buf.Len()

	for _, s := range symRows {
		mustWrite(t, buf, s)
	}

	offStrtab := buf.Len()
	buf.Write(strtab)

	pad(buf, 8)
	offRela := buf.Len()

	for _, r := range relaRows {
		mustWrite(t, buf, r)
	}

	offShstrtab := buf.Len()
	buf.Write(shstrtab)

	pad(buf, 8)
	offShdrs := buf.Len()

	shdrs := [secCount]shdr64{
		secNull: {},
		secText: {
			Name: shNameOff[".text"], Type: uint32(elf.SHT_PROGBITS),
			Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Off:   uint64(offText), Size: uint64(len(textData)), Addralign: 16,
		},
		secModName: {
			Name: shNameOff[".___module___"], Type: uint32(elf.SHT_PROGBITS),
			Flags: uint64(elf.SHF_ALLOC),
			Off:   uint64(offModName), Size: uint64(len(moduleNameData)), Addralign: 1,
		},
		secSymtab: {
			Name: shNameOff[".symtab"], Type: uint32(elf.SHT_SYMTAB),
			Off: uint64(offSymtab), Size: uint64(len(symRows) * 24),
			Link: secStrtab, Info: 1, Addralign: 8, Entsize: 24,
		},
		secStrtab: {
			Name: shNameOff[".strtab"], Type: uint32(elf.SHT_STRTAB),
			Off: uint64(offStrtab), Size: uint64(len(strtab)), Addralign: 1,
		},
		secRelaText: {
			Name: shNameOff[".rela.text"], Type: uint32(elf.SHT_RELA),
			Off: uint64(offRela), Size: uint64(len(relaRows) * 24),
			Link: secSymtab, Info: secText, Addralign: 8, Entsize: 24,
		},
		secShstrtab: {
			Name: shNameOff[".shstrtab"], Type: uint32(elf.SHT_STRTAB),
			Off: uint64(offShstrtab), Size: uint64(len(shstrtab)), Addralign: 1,
		},
	}

	for _, sh := range shdrs {
		mustWrite(t, buf, sh)
	}

	out := buf.Bytes()

	eh := ehdr64{
		Type: uint16(elf.ET_REL), Machine: uint16(elf.EM_X86_64), Version: 1,
		Shoff: uint64(offShdrs), Ehsize: 64, Shentsize: 64, Shnum: secCount, Shstrndx: secShstrtab,
	}
	copy(eh.Ident[:], []byte{0x7f, 'E', 'L', 'F'})
	eh.Ident[4], eh.Ident[5], eh.Ident[6] = 2, 1, 1

	header := &bytes.Buffer{}
	mustWrite(t, header, eh)
	copy(out[:64], header.Bytes())

	return out
}

func mustWrite(t *testing.T, buf *bytes.Buffer, v any) {
	t.Helper()

	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		t.Fatalf("write %T: %v", v, err)
	}
}

func writeObject(t *testing.T, dir, name string, raw []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write object %s: %v", path, err)
	}

	return path
}

func TestIngestResolvesCrossImplementationRelocation(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	// a.o: defines _start (global, in .text at offset 0), references
	// external "f" via R_X86_64_PC32 at offset 4.
	aSyms := []symSpec{
		{name: "_start", bind: elf.STB_GLOBAL, typ: elf.STT_FUNC, shndx: secText},
		{name: "f", bind: elf.STB_GLOBAL, typ: elf.STT_FUNC, shndx: 0},
	}
	aRelas := []relaSpec{{offset: 4, typ: elf.R_X86_64_PC32, symbol: 2, addend: -4}}
	aPath := writeObject(t, dir, "a.o", buildObject(t, "kernel", 16, aSyms, aRelas))

	// b.o: defines f (global, in .text).
	bSyms := []symSpec{{name: "f", bind: elf.STB_GLOBAL, typ: elf.STT_FUNC, shndx: secText}}
	bPath := writeObject(t, dir, "b.o", buildObject(t, "libc", 8, bSyms, nil))

	if _, _, err := Ingest(s, aPath); err != nil {
		t.Fatalf("ingest a.o: %v", err)
	}

	statsB, reportB, err := Ingest(s, bPath)
	if err != nil {
		t.Fatalf("ingest b.o: %v", err)
	}

	if statsB.NewSymbols != 1 {
		t.Fatalf("expected 1 new symbol from b.o, got %d", statsB.NewSymbols)
	}

	if len(reportB.Unresolved) != 0 {
		t.Fatalf("expected the fixup pass to resolve f, got unresolved: %v", reportB.Unresolved)
	}

	fSymbols, err := s.SymbolsByName("f")
	if err != nil {
		t.Fatalf("SymbolsByName: %v", err)
	}

	if len(fSymbols) != 1 {
		t.Fatalf("expected exactly 1 definition of f, got %d", len(fSymbols))
	}

	aImpl, err := s.ImplementationByName("a.o")
	if err != nil {
		t.Fatalf("ImplementationByName: %v", err)
	}

	sections, err := s.SectionsByImplementation(aImpl.ID)
	if err != nil {
		t.Fatalf("SectionsByImplementation: %v", err)
	}

	if len(sections) != 1 {
		t.Fatalf("expected 1 materialized section for a.o, got %d", len(sections))
	}

	relocs, err := s.RelocationsBySection(sections[0].ID)
	if err != nil {
		t.Fatalf("RelocationsBySection: %v", err)
	}

	if len(relocs) != 1 {
		t.Fatalf("expected 1 relocation, got %d", len(relocs))
	}

	if relocs[0].SymbolID != fSymbols[0].ID {
		t.Fatalf("expected relocation to resolve to symbol %d, got %d", fSymbols[0].ID, relocs[0].SymbolID)
	}

	if relocs[0].Type != model.R64_PC32 {
		t.Fatalf("expected R64_PC32, got %v", relocs[0].Type)
	}
}

func TestIngestReportsUnresolvedExternal(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	syms := []symSpec{
		{name: "_start", bind: elf.STB_GLOBAL, typ: elf.STT_FUNC, shndx: secText},
		{name: "missing_fn", bind: elf.STB_GLOBAL, typ: elf.STT_FUNC, shndx: 0},
	}
	relas := []relaSpec{{offset: 4, typ: elf.R_X86_64_PC32, symbol: 2, addend: -4}}
	path := writeObject(t, dir, "a.o", buildObject(t, "kernel", 16, syms, relas))

	_, report, err := Ingest(s, path)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if len(report.Unresolved) != 1 || report.Unresolved[0] != "missing_fn" {
		t.Fatalf("expected missing_fn reported unresolved, got %v", report.Unresolved)
	}
}

func TestIngestReplacesImplementationAtomically(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	syms := []symSpec{{name: "_start", bind: elf.STB_GLOBAL, typ: elf.STT_FUNC, shndx: secText}}
	path := writeObject(t, dir, "a.o", buildObject(t, "kernel", 16, syms, nil))

	stats1, _, err := Ingest(s, path)
	if err != nil {
		t.Fatalf("ingest (first): %v", err)
	}

	stats2, _, err := Ingest(s, path)
	if err != nil {
		t.Fatalf("ingest (second): %v", err)
	}

	if stats2.ImplementationID == stats1.ImplementationID {
		t.Fatalf("expected a fresh implementation id on re-ingest")
	}

	symbols, err := s.SymbolsByName("_start")
	if err != nil {
		t.Fatalf("SymbolsByName: %v", err)
	}

	if len(symbols) != 1 {
		t.Fatalf("expected exactly 1 surviving _start symbol after replacement, got %d", len(symbols))
	}
}

func openTestStore(t *testing.T, dir string) *store.Store {
	t.Helper()

	s, err := store.Open(filepath.Join(dir, "link.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	t.Cleanup(func() { _ = s.Close() })

	return s
}
