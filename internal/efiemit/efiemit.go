// Package efiemit adapts a linked, bound and patched core program to
// internal/efipe's Executable/Section interfaces, so the existing PE/UEFI
// emitter can serve as the core's --for-efi output path (spec.md §4.5).
package efiemit

import (
	"bytes"
	"debug/pe"
	"io"

	"github.com/kazimsarikaya/linkcore/internal/coreerr"
	"github.com/kazimsarikaya/linkcore/internal/efipe"
	"github.com/kazimsarikaya/linkcore/internal/iometa"
	"github.com/kazimsarikaya/linkcore/internal/link"
	"github.com/kazimsarikaya/linkcore/internal/model"
)

// Executable implements efipe.Executable over a patched link.Result.
// Section/virtual addresses are expressed relative to the program's link
// base, shifted by efipe.UEFIPageSize to leave room for the PE headers —
// matching internal/efipe's own ImageBase=0 convention.
type Executable struct {
	res      *link.Result
	base     uint64
	sections efipe.SectionList
	relocs   []*efipe.Relocation
}

// New builds an Executable. res must already have had internal/patch.Apply
// run on it, since only the three relocation kinds that survive to the
// .reloc table (the rest are resolved at link time) are translated here.
func New(res *link.Result) (*Executable, error) {
	if len(res.ModuleOrder) == 0 {
		return nil, coreerr.New(coreerr.KindEmit, "no modules to emit")
	}

	base := res.Modules[res.ModuleOrder[0]].VirtualStart

	e := &Executable{res: res, base: base}

	if err := e.buildSections(); err != nil {
		return nil, err
	}

	e.buildRelocations()

	return e, nil
}

var _ efipe.Executable = (*Executable)(nil)

func (e *Executable) Entrypoint() uint32 {
	return uint32(e.res.EntrypointVirtual - e.base + efipe.UEFIPageSize)
}

func (e *Executable) BaseOfCode() uint32 {
	return efipe.UEFIPageSize
}

func (e *Executable) Size() uint32 {
	total := uint32(efipe.UEFIPageSize)
	for _, s := range e.sections {
		h := s.Header()
		if end := h.VirtualAddress + h.VirtualSize; end > total {
			total = end
		}
	}

	return total
}

func (e *Executable) Sections() efipe.SectionList {
	return e.sections
}

func (e *Executable) Machine() efipe.Machine {
	return efipe.Machine(pe.IMAGE_FILE_MACHINE_AMD64)
}

func (e *Executable) Relocations() []*efipe.Relocation {
	return e.relocs
}

// buildSections groups every module's on-disk sections by PE characteristic
// class (text, initialized data, BSS) and concatenates them in
// model.OnDiskSectionTypes order, mirroring internal/grub's own
// virtualSection grouping.
func (e *Executable) buildSections() error {
	var text, data bytes.Buffer
	bssSize := uint64(0)

	for _, modID := range e.res.ModuleOrder {
		m := e.res.Modules[modID]

		for _, typ := range model.OnDiskSectionTypes {
			sec := m.Sections[typ]
			if sec == nil || sec.Size == 0 {
				continue
			}

			switch typ {
			case model.SectionText:
				text.Write(sec.Data)
			case model.SectionBSS:
				bssSize += sec.Size
			default:
				data.Write(sec.Data)
			}
		}
	}

	offset := uint32(efipe.UEFIPageSize)

	if text.Len() > 0 {
		e.sections = append(e.sections, newStaticSection(efipe.SectionText, offset, text.Bytes(),
			pe.IMAGE_SCN_CNT_CODE|pe.IMAGE_SCN_MEM_EXECUTE|pe.IMAGE_SCN_MEM_READ))
		offset += roundUp(uint32(text.Len()), efipe.UEFIPageSize)
	}

	if data.Len() > 0 {
		e.sections = append(e.sections, newStaticSection(efipe.SectionData, offset, data.Bytes(),
			pe.IMAGE_SCN_CNT_INITIALIZED_DATA|pe.IMAGE_SCN_MEM_READ|pe.IMAGE_SCN_MEM_WRITE))
		offset += roundUp(uint32(data.Len()), efipe.UEFIPageSize)
	}

	if bssSize > 0 {
		e.sections = append(e.sections, newBSSSection(offset, uint32(bssSize)))
	}

	if len(e.sections) == 0 {
		return coreerr.New(coreerr.KindEmit, "program has no sections to emit")
	}

	return nil
}

// buildRelocations translates the subset of relocations the PE loader must
// still fix up at load time: R_64_32/R_64_32S become HIGHLOW, R_64_64
// becomes DIR64, per spec.md §4.5. Every other kind is resolved by
// internal/patch before this point, so it never reaches here.
func (e *Executable) buildRelocations() {
	for _, modID := range e.res.ModuleOrder {
		m := e.res.Modules[modID]
		secVirtOffset := m.VirtualStart - e.base + efipe.UEFIPageSize

		for _, rec := range m.Relocations {
			var kind efipe.RelocationType

			switch rec.Type {
			case model.R64_32, model.R64_32S:
				kind = efipe.ImageRelBasedHighLow
			case model.R64_64:
				kind = efipe.ImageRelBasedDir64
			default:
				continue
			}

			e.relocs = append(e.relocs, &efipe.Relocation{
				Kind:       kind,
				FileOffset: secVirtOffset + rec.Offset,
			})
		}
	}
}

func roundUp(v, alignment uint32) uint32 {
	if v%alignment == 0 {
		return v
	}

	return v + (alignment - v%alignment)
}

// staticSection is an efipe.Section backed by an in-memory byte slice (or,
// for BSS, a pure-size zero-fill region).
type staticSection struct {
	name            string
	offset          uint32
	data            []byte
	size            uint32
	characteristics uint32
}

func newStaticSection(name string, offset uint32, data []byte, characteristics uint32) *staticSection {
	return &staticSection{name: name, offset: offset, data: data, size: uint32(len(data)), characteristics: characteristics}
}

func newBSSSection(offset uint32, size uint32) *staticSection {
	return &staticSection{
		name: efipe.SectionBSS, offset: offset, size: size,
		characteristics: pe.IMAGE_SCN_CNT_UNINITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE,
	}
}

func (s *staticSection) Header() pe.SectionHeader {
	aligned := roundUp(s.size, efipe.UEFIPageSize)

	return pe.SectionHeader{
		Name:            s.name,
		VirtualSize:     aligned,
		VirtualAddress:  s.offset,
		Size:            aligned,
		Offset:          s.offset,
		Characteristics: s.characteristics,
	}
}

func (s *staticSection) Open() io.ReadCloser {
	if s.data == nil {
		return &iometa.Closifier{Reader: &iometa.ZeroReader{Size: int(s.size)}}
	}

	return &iometa.Closifier{Reader: bytes.NewReader(s.data)}
}
