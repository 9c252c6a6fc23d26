// Package flatimage emits the self-relocating flat image format (C6 in
// spec.md §4.5-§6): a fixed 4 KiB program header followed by the
// concatenated program sections, the GOT, the relocation table, and the
// per-module metadata table.
package flatimage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kazimsarikaya/linkcore/internal/align"
	"github.com/kazimsarikaya/linkcore/internal/coreerr"
	"github.com/kazimsarikaya/linkcore/internal/iometa"
	"github.com/kazimsarikaya/linkcore/internal/link"
	"github.com/kazimsarikaya/linkcore/internal/model"
	"github.com/lunixbochs/struc"
)

// HeaderSize is the fixed, padded size of the program header, per spec.md
// §6.
const HeaderSize = 4096

// GOTEntrySize is the on-disk byte stride of one GOT entry. internal/patch's
// R_64_GOT64 byte-offset computation (`G = index * sizeof(GotEntry)`) must
// use this same constant.
const GOTEntrySize = 80

// Magic identifies the flat image format. 16 bytes, per spec.md §6.
var Magic = [16]byte{'T', 'U', 'R', 'N', 'S', 'T', 'O', 'N', 'E', 'L', 'N', 'K', 0, 0, 0, 0}

// trampolineCode is the resident stub's instruction sequence: it loads the
// stack pointer and CR3 from the header, then calls through the entry
// pointer. Reproduced verbatim from the reference loader's machine code.
var trampolineCode = []byte{
	0x48, 0x8b, 0x57, 0x48, // mov 0x48(%rdi),%rdx
	0x48, 0x8b, 0x42, 0x40, // mov 0x40(%rdx),%rax
	0x48, 0x03, 0x42, 0x48, // add 0x48(%rdx),%rax
	0x48, 0x83, 0xe8, 0x10, // sub $0x10,%rax
	0x48, 0x89, 0xc4, // mov %rax,%rsp
	0x48, 0x31, 0xed, // xor %rbp,%rbp
	0x48, 0x8b, 0x82, 0xf0, 0x00, 0x00, 0x00, // mov 0xf0(%rdx),%rax
	0x48, 0x8b, 0x00, // mov (%rax),%rax
	0x0f, 0x22, 0xd8, // mov %rax,%cr3
	0x48, 0x8b, 0x42, 0x38, // mov 0x38(%rdx),%rax
	0xff, 0xd0, // call *%rax
}

// trampolineOffset is the header offset trampolineCode is written at: right
// after the fixed fields described in spec.md §6 (1 + 4 + 16 + 3*8 + 3*8 +
// 8 + 7*4*8 = 301).
const trampolineOffset = 301

// regionHeader is one {offset, size, virt, phys} triplet, per spec.md §6.
type regionHeader struct {
	Offset uint64
	Size   uint64
	Virt   uint64
	Phys   uint64
}

// Regions indexes the seven per-region triplets in the header, in the
// order spec.md §6 lists them.
type Regions int

const (
	RegionProgram Regions = iota
	RegionGOT
	RegionRelocationTable
	RegionMetadata
	RegionSymbolTable
	RegionHeap
	RegionStack

	numRegions
)

// header is the on-disk program header layout, packed with struc at
// HeaderSize (padded).
type header struct {
	JmpOpcode            uint8
	TrampolinePCRelative int32
	Magic                [16]byte `struc:"[16]byte"`
	PhysicalBase         uint64
	VirtualBase          uint64
	ProgramOffset        uint64
	TotalSize            uint64
	ProgramSize          uint64
	EntryVirtualAddress  uint64
	PageTableContextPtr  uint64
	Regions              [int(numRegions)]regionHeader
}

// Image is a fully laid-out flat image, ready to be written with WriteTo.
type Image struct {
	res     *link.Result
	program []byte // concatenated on-disk sections across all modules, in ModuleOrder
	got     []byte
	relocs  []byte
	meta    []byte

	programStartPhysical uint64
	programStartVirtual  uint64
	heapSize             uint64
	stackSize            uint64
}

// Options configures heap/stack regions, which the linked program itself
// never describes (they are runtime-only, per spec.md §6's region list).
type Options struct {
	HeapSize  uint64
	StackSize uint64
}

// Build materializes an Image from a linked, bound, and patched result.
// Callers must run internal/patch.Apply on res before calling Build, so
// that the program bytes embedded in the image are fully fixed up.
func Build(res *link.Result, opts Options) (*Image, error) {
	program, err := concatenateProgram(res)
	if err != nil {
		return nil, err
	}

	got := encodeGOT(res)

	relocs, err := encodeRelocationTable(res)
	if err != nil {
		return nil, err
	}

	meta := encodeMetadataTable(res)

	var programStart uint64
	if len(res.ModuleOrder) > 0 {
		programStart = res.Modules[res.ModuleOrder[0]].VirtualStart
	}

	return &Image{
		res:                  res,
		program:              program,
		got:                  got,
		relocs:               relocs,
		meta:                 meta,
		programStartPhysical: res.Modules[res.ModuleOrder[0]].PhysicalStart,
		programStartVirtual:  programStart,
		heapSize:             opts.HeapSize,
		stackSize:            opts.StackSize,
	}, nil
}

// concatenateProgram lays out every module's on-disk sections back to back
// in ModuleOrder, matching the physical offsets internal/link.Bind already
// assigned. BSS contributes only size; its bytes are omitted (spec.md §4.5
// layout: "concatenated module sections, type-ordered").
func concatenateProgram(res *link.Result) ([]byte, error) {
	if len(res.ModuleOrder) == 0 {
		return nil, coreerr.New(coreerr.KindEmit, "no modules to emit")
	}

	base := res.Modules[res.ModuleOrder[0]].PhysicalStart
	var buf bytes.Buffer

	for _, modID := range res.ModuleOrder {
		m := res.Modules[modID]

		for _, typ := range model.OnDiskSectionTypes {
			sec := m.Sections[typ]
			if sec == nil || sec.Size == 0 || typ.IsBSS() {
				continue
			}

			gap := int64(sec.PhysicalStart-base) - int64(buf.Len())
			if gap < 0 {
				return nil, coreerr.New(coreerr.KindLayout, fmt.Sprintf("module %d section %s: physical start overlaps already-written data", m.ID, typ))
			}

			if gap > 0 {
				if err := iometa.WriteZeros(&buf, int(gap)); err != nil {
					return nil, coreerr.Wrap(coreerr.KindEmit, "padding program section", err)
				}
			}

			buf.Write(sec.Data)
		}
	}

	return buf.Bytes(), nil
}

// encodeGOT packs every GOT entry's resolved EntryValue, sized to
// GOTEntrySize per slot so internal/patch's R_64_GOT64 byte offsets stay
// valid after the image round-trips through disk.
func encodeGOT(res *link.Result) []byte {
	buf := make([]byte, len(res.GOT)*GOTEntrySize)

	for i, e := range res.GOT {
		off := i * GOTEntrySize
		binary.LittleEndian.PutUint64(buf[off:], e.EntryValue)

		resolved := uint8(0)
		if e.Resolved || i == link.GOTSelfIndex {
			resolved = 1
		}

		buf[off+8] = resolved
		binary.LittleEndian.PutUint64(buf[off+16:], e.SymbolID)
		binary.LittleEndian.PutUint64(buf[off+24:], e.SymbolSize)
	}

	return buf
}

// WriteTo writes the full flat image: header, program, GOT, relocation
// table, metadata table, each section padded to the next 4 KiB boundary so
// the regions described in the header stay separately addressable.
func (img *Image) WriteTo(w io.Writer) (int64, error) {
	cw := &iometa.CountingWriter{Writer: w}

	regions, totalSize := img.layoutRegions()

	hdr := img.buildHeader(regions, totalSize)

	if err := struc.PackWithOptions(cw, hdr, &struc.Options{Order: binary.LittleEndian}); err != nil {
		return int64(cw.BytesWritten()), coreerr.Wrap(coreerr.KindEmit, "writing program header", err)
	}

	if cw.BytesWritten() != trampolineOffset {
		return int64(cw.BytesWritten()), coreerr.New(coreerr.KindLayout, fmt.Sprintf("packed header size %d does not match expected trampoline offset %d", cw.BytesWritten(), trampolineOffset))
	}

	if _, err := cw.Write(trampolineCode); err != nil {
		return int64(cw.BytesWritten()), coreerr.Wrap(coreerr.KindEmit, "writing trampoline code", err)
	}

	if err := iometa.WriteZeros(cw, HeaderSize-cw.BytesWritten()); err != nil {
		return int64(cw.BytesWritten()), coreerr.Wrap(coreerr.KindEmit, "padding program header", err)
	}

	for _, part := range []struct {
		name string
		data []byte
	}{
		{"program", img.program},
		{"got", img.got},
		{"relocations", img.relocs},
		{"metadata", img.meta},
	} {
		if _, err := cw.Write(part.data); err != nil {
			return int64(cw.BytesWritten()), coreerr.Wrap(coreerr.KindEmit, fmt.Sprintf("writing %s region", part.name), err)
		}

		if pad := align.Address(uint64(cw.BytesWritten()), HeaderSize) - uint64(cw.BytesWritten()); pad > 0 {
			if err := iometa.WriteZeros(cw, int(pad)); err != nil {
				return int64(cw.BytesWritten()), coreerr.Wrap(coreerr.KindEmit, fmt.Sprintf("padding %s region", part.name), err)
			}
		}
	}

	return int64(cw.BytesWritten()), nil
}

// layoutRegions computes each region's {offset, size} pair, every region
// rounded up to a 4 KiB boundary, matching WriteTo's padding behavior.
func (img *Image) layoutRegions() ([numRegions]regionHeader, uint64) {
	var regions [numRegions]regionHeader

	offset := uint64(HeaderSize)

	place := func(idx Regions, size uint64, virt, phys uint64) {
		regions[idx] = regionHeader{Offset: offset, Size: size, Virt: virt, Phys: phys}
		offset = align.Address(offset+size, HeaderSize)
	}

	place(RegionProgram, uint64(len(img.program)), img.programStartVirtual, img.programStartPhysical)
	place(RegionGOT, uint64(len(img.got)), img.res.GOTAddressVirtual, img.res.GOTAddressPhysical)
	place(RegionRelocationTable, uint64(len(img.relocs)), 0, 0)
	place(RegionMetadata, uint64(len(img.meta)), 0, 0)
	place(RegionSymbolTable, 0, 0, 0)
	place(RegionHeap, img.heapSize, 0, 0)
	place(RegionStack, img.stackSize, 0, 0)

	return regions, offset
}

func (img *Image) buildHeader(regions [numRegions]regionHeader, totalSize uint64) *header {
	h := &header{
		JmpOpcode:           0xE9,
		Magic:               Magic,
		PhysicalBase:        img.programStartPhysical - HeaderSize,
		VirtualBase:         img.programStartVirtual - HeaderSize,
		ProgramOffset:       HeaderSize,
		TotalSize:           totalSize,
		ProgramSize:         uint64(len(img.program)),
		EntryVirtualAddress: img.res.EntrypointVirtual,
		PageTableContextPtr: 0,
		Regions:             regions,
	}

	h.TrampolinePCRelative = int32(trampolineOffset) - 5

	return h
}
