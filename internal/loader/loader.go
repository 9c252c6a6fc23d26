// Package loader implements the self-relocating fixup algorithm (C7 in
// spec.md §4.6): a Go reference of the logic the resident trampoline runs
// when a flat image is loaded at a different physical/virtual base than the
// one recorded at link time.
//
// Only relocation kinds whose patched value is an absolute address that
// moves with the image — R_64_32, R_64_32S, R_64_64 — need re-homing here.
// Every other kind (PC-relative and GOT-relative) computes a value that is
// invariant under a uniform base shift, since both operands of its formula
// (S and P, or GOT and P) shift by the same delta and cancel out; those
// entries are left untouched by Relink, matching the width list spec.md
// §4.6 names.
package loader

import (
	"encoding/binary"
	"fmt"

	"github.com/kazimsarikaya/linkcore/internal/coreerr"
	"github.com/kazimsarikaya/linkcore/internal/flatimage"
	"github.com/kazimsarikaya/linkcore/internal/model"
)

// BSSRange describes a zero-fill region the caller must clear after mapping
// the image into memory. The flat image file itself carries no bytes for
// BSS, so Relink cannot zero it directly — it only reports where.
type BSSRange struct {
	ModuleID uint64
	Phys     uint64
	Virt     uint64
	Size     uint64
}

// Result is what Relink reports after re-homing an image in place.
type Result struct {
	EntryVirtual uint64
	BSS          []BSSRange
}

// Relink re-homes image (the bytes of a flat image previously emitted by
// internal/flatimage, as built by an earlier link) from the virtual base it
// was linked at to newVirtualBase. It patches the GOT and the direct
// relocation entries in place, and returns the relinked entry point plus the
// BSS ranges the caller still owns zeroing.
//
// newPhysicalBase is accepted for symmetry with spec.md's "physical/virtual
// base" framing but does not participate in the patch algebra: every value
// this package rewrites (GOT entries, relocation addends, the entry point)
// is a virtual address, per internal/link and internal/patch's own
// convention.
func Relink(image []byte, newPhysicalBase, newVirtualBase uint64) (*Result, error) {
	hdr, err := flatimage.ParseHeader(image)
	if err != nil {
		return nil, err
	}

	_ = newPhysicalBase

	delta := int64(newVirtualBase) - int64(hdr.VirtualBase)

	programRegion := hdr.Regions[flatimage.RegionProgram]
	gotRegion := hdr.Regions[flatimage.RegionGOT]
	relocRegion := hdr.Regions[flatimage.RegionRelocationTable]
	metaRegion := hdr.Regions[flatimage.RegionMetadata]

	if err := checkRegion(image, "program", programRegion); err != nil {
		return nil, err
	}
	if err := checkRegion(image, "got", gotRegion); err != nil {
		return nil, err
	}
	if err := checkRegion(image, "relocation table", relocRegion); err != nil {
		return nil, err
	}
	if err := checkRegion(image, "metadata", metaRegion); err != nil {
		return nil, err
	}

	modules, err := flatimage.DecodeMetadataTable(image[metaRegion.Offset : metaRegion.Offset+metaRegion.Size])
	if err != nil {
		return nil, err
	}

	sections := make(map[uint64]map[model.SectionType]flatimage.SectionMetadata)
	var bss []BSSRange

	for _, m := range modules {
		byType := make(map[model.SectionType]flatimage.SectionMetadata, len(m.Sections))
		for _, sec := range m.Sections {
			byType[sec.Type] = sec
			if sec.Type.IsBSS() {
				bss = append(bss, BSSRange{ModuleID: m.ModuleID, Phys: sec.Phys, Virt: sec.Virt + uint64(delta), Size: sec.Size})
			}
		}
		sections[m.ModuleID] = byType
	}

	relocs, err := flatimage.DecodeRelocationTable(image[relocRegion.Offset : relocRegion.Offset+relocRegion.Size])
	if err != nil {
		return nil, err
	}

	program := image[programRegion.Offset : programRegion.Offset+programRegion.Size]

	for _, rec := range relocs {
		if rec.Type != model.R64_32 && rec.Type != model.R64_32S && rec.Type != model.R64_64 {
			continue // PC-relative / GOT-relative: invariant under a uniform base shift
		}

		width := rec.Type.Width()

		byType, ok := sections[rec.ModuleID]
		if !ok {
			return nil, coreerr.New(coreerr.KindRelocation, fmt.Sprintf("relink: relocation references unknown module %d", rec.ModuleID))
		}

		secMeta, ok := byType[rec.SectionType]
		if !ok {
			return nil, coreerr.New(coreerr.KindRelocation, fmt.Sprintf("relink: module %d has no section %s", rec.ModuleID, rec.SectionType))
		}

		progOffset := secMeta.Phys - programRegion.Phys + rec.Offset
		if progOffset+uint64(width) > uint64(len(program)) {
			return nil, coreerr.New(coreerr.KindRelocation, fmt.Sprintf("relink: module %d relocation at %s+%d overruns program region", rec.ModuleID, rec.SectionType, rec.Offset))
		}

		newValue := rec.Addend + delta
		site := program[progOffset : progOffset+uint64(width)]

		switch width {
		case 4:
			binary.LittleEndian.PutUint32(site, uint32(newValue))
		case 8:
			binary.LittleEndian.PutUint64(site, uint64(newValue))
		default:
			return nil, coreerr.New(coreerr.KindRelocation, fmt.Sprintf("relink: unsupported relocation width %d", width))
		}
	}

	got := image[gotRegion.Offset : gotRegion.Offset+gotRegion.Size]
	for off := 0; off+flatimage.GOTEntrySize <= len(got); off += flatimage.GOTEntrySize {
		entry := binary.LittleEndian.Uint64(got[off:])
		if entry == 0 {
			continue
		}

		binary.LittleEndian.PutUint64(got[off:], uint64(int64(entry)+delta))
	}

	return &Result{
		EntryVirtual: uint64(int64(hdr.EntryVirtualAddress) + delta),
		BSS:          bss,
	}, nil
}

func checkRegion(image []byte, name string, r flatimage.RegionInfo) error {
	if r.Offset+r.Size > uint64(len(image)) {
		return coreerr.New(coreerr.KindLayout, fmt.Sprintf("relink: %s region [%d:%d] overruns image of length %d", name, r.Offset, r.Offset+r.Size, len(image)))
	}

	return nil
}
