package flatimage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kazimsarikaya/linkcore/internal/coreerr"
	"github.com/kazimsarikaya/linkcore/internal/model"
	"github.com/lunixbochs/struc"
)

// RegionInfo mirrors the on-disk {offset, size, virt, phys} triplet for one
// region, exported so callers outside this package (internal/loader) can
// read an already-emitted image without duplicating the wire layout.
type RegionInfo struct {
	Offset uint64
	Size   uint64
	Virt   uint64
	Phys   uint64
}

// HeaderInfo is the parsed form of the fixed 4 KiB program header.
type HeaderInfo struct {
	PhysicalBase        uint64
	VirtualBase         uint64
	ProgramOffset       uint64
	TotalSize           uint64
	ProgramSize         uint64
	EntryVirtualAddress uint64
	Regions             [numRegions]RegionInfo
}

// ParseHeader reads and validates the fixed program header at the start of
// an emitted flat image.
func ParseHeader(data []byte) (*HeaderInfo, error) {
	if len(data) < HeaderSize {
		return nil, coreerr.New(coreerr.KindLayout, fmt.Sprintf("image shorter than one header: %d bytes", len(data)))
	}

	var hdr header
	if err := struc.UnpackWithOptions(bytes.NewReader(data[:HeaderSize]), &hdr, &struc.Options{Order: binary.LittleEndian}); err != nil {
		return nil, coreerr.Wrap(coreerr.KindEmit, "parsing program header", err)
	}

	if hdr.JmpOpcode != 0xE9 {
		return nil, coreerr.New(coreerr.KindLayout, fmt.Sprintf("bad jmp opcode at offset 0: 0x%x", hdr.JmpOpcode))
	}

	if hdr.Magic != Magic {
		return nil, coreerr.New(coreerr.KindLayout, fmt.Sprintf("magic mismatch: got %x, want %x", hdr.Magic, Magic))
	}

	info := &HeaderInfo{
		PhysicalBase:        hdr.PhysicalBase,
		VirtualBase:         hdr.VirtualBase,
		ProgramOffset:       hdr.ProgramOffset,
		TotalSize:           hdr.TotalSize,
		ProgramSize:         hdr.ProgramSize,
		EntryVirtualAddress: hdr.EntryVirtualAddress,
	}

	for i, r := range hdr.Regions {
		info.Regions[i] = RegionInfo{Offset: r.Offset, Size: r.Size, Virt: r.Virt, Phys: r.Phys}
	}

	return info, nil
}

// RelocationEntry is one decoded record from the on-disk relocation table.
type RelocationEntry struct {
	ModuleID    uint64
	SectionType model.SectionType
	Type        model.RelocationType
	SymbolID    uint64
	Offset      uint64
	Addend      int64
}

// DecodeRelocationTable parses the relocation-table region back into
// per-module records, the inverse of encodeRelocationTable.
func DecodeRelocationTable(data []byte) ([]RelocationEntry, error) {
	r := bytes.NewReader(data)
	var entries []RelocationEntry

	for r.Len() > 0 {
		var modID, sectionLen uint64
		if err := binary.Read(r, binary.LittleEndian, &modID); err != nil {
			return nil, coreerr.Wrap(coreerr.KindEmit, "reading relocation module id", err)
		}

		if err := binary.Read(r, binary.LittleEndian, &sectionLen); err != nil {
			return nil, coreerr.Wrap(coreerr.KindEmit, "reading relocation section length", err)
		}

		section := io.LimitReader(r, int64(sectionLen))
		for {
			var sectionType, relType uint8
			if err := binary.Read(section, binary.LittleEndian, &sectionType); err != nil {
				if err == io.EOF {
					break
				}

				return nil, coreerr.Wrap(coreerr.KindEmit, "reading relocation section type", err)
			}

			if err := binary.Read(section, binary.LittleEndian, &relType); err != nil {
				return nil, coreerr.Wrap(coreerr.KindEmit, "reading relocation type", err)
			}

			var symbolID, offset uint64
			var addend int64
			if err := binary.Read(section, binary.LittleEndian, &symbolID); err != nil {
				return nil, coreerr.Wrap(coreerr.KindEmit, "reading relocation symbol id", err)
			}

			if err := binary.Read(section, binary.LittleEndian, &offset); err != nil {
				return nil, coreerr.Wrap(coreerr.KindEmit, "reading relocation offset", err)
			}

			if err := binary.Read(section, binary.LittleEndian, &addend); err != nil {
				return nil, coreerr.Wrap(coreerr.KindEmit, "reading relocation addend", err)
			}

			entries = append(entries, RelocationEntry{
				ModuleID:    modID,
				SectionType: model.SectionType(sectionType),
				Type:        model.RelocationType(relType),
				SymbolID:    symbolID,
				Offset:      offset,
				Addend:      addend,
			})
		}
	}

	return entries, nil
}

// SectionMetadata is one decoded {section_type, phys, virt, size} record.
type SectionMetadata struct {
	Type model.SectionType
	Phys uint64
	Virt uint64
	Size uint64
}

// ModuleMetadata is one module's decoded metadata-table entry.
type ModuleMetadata struct {
	ModuleID   uint64
	NameOffset uint64
	Phys       uint64
	Virt       uint64
	Sections   []SectionMetadata
}

// DecodeMetadataTable parses the metadata region back into per-module
// records, the inverse of encodeMetadataTable.
func DecodeMetadataTable(data []byte) ([]ModuleMetadata, error) {
	r := bytes.NewReader(data)
	var modules []ModuleMetadata

	readU64 := func() (uint64, error) {
		var v uint64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	}

	for r.Len() > 0 {
		modID, err := readU64()
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KindEmit, "reading metadata module id", err)
		}

		nameOffset, err := readU64()
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KindEmit, "reading metadata name offset", err)
		}

		phys, err := readU64()
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KindEmit, "reading metadata phys", err)
		}

		virt, err := readU64()
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KindEmit, "reading metadata virt", err)
		}

		if modID == 0 && nameOffset == 0 && phys == 0 && virt == 0 {
			break // whole-table sentinel
		}

		mod := ModuleMetadata{ModuleID: modID, NameOffset: nameOffset, Phys: phys, Virt: virt}

		for {
			typ, err := readU64()
			if err != nil {
				return nil, coreerr.Wrap(coreerr.KindEmit, "reading metadata section type", err)
			}

			secPhys, err := readU64()
			if err != nil {
				return nil, coreerr.Wrap(coreerr.KindEmit, "reading metadata section phys", err)
			}

			secVirt, err := readU64()
			if err != nil {
				return nil, coreerr.Wrap(coreerr.KindEmit, "reading metadata section virt", err)
			}

			secSize, err := readU64()
			if err != nil {
				return nil, coreerr.Wrap(coreerr.KindEmit, "reading metadata section size", err)
			}

			if typ == 0 && secPhys == 0 && secVirt == 0 && secSize == 0 {
				break // per-module sentinel
			}

			// typ is the wire section_type, model.SectionType+1 (see
			// encodeMetadataTable): SectionText encodes as 0, so without the
			// shift a TEXT section at phys==0 && virt==0 would be
			// indistinguishable from the sentinel above.
			mod.Sections = append(mod.Sections, SectionMetadata{
				Type: model.SectionType(typ - 1), Phys: secPhys, Virt: secVirt, Size: secSize,
			})
		}

		modules = append(modules, mod)
	}

	return modules, nil
}
