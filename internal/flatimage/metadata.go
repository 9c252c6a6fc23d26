package flatimage

import (
	"bytes"
	"encoding/binary"

	"github.com/kazimsarikaya/linkcore/internal/link"
	"github.com/kazimsarikaya/linkcore/internal/model"
)

// encodeMetadataTable packs the per-module symbol-table-of-contents (spec.md
// §6): for each module, its id, the byte offset of its name in the string
// pool, its physical/virtual start, then one {section_type, phys, virt,
// size} record per populated on-disk section type, terminated by a
// 4-zero-u64 sentinel. The whole table is terminated by another
// 4-zero-u64 sentinel.
//
// The wire section_type is model.SectionType+1, never the raw enum value:
// model.SectionText is 0, so a TEXT section legitimately placed at
// phys==0 && virt==0 (a link base of 0) would otherwise be indistinguishable
// from the per-module sentinel. Shifting by one keeps 0 reserved for the
// terminator alone; DecodeMetadataTable reverses it.
func encodeMetadataTable(res *link.Result) []byte {
	var out bytes.Buffer

	nameOffset := uint64(0)

	for _, modID := range res.ModuleOrder {
		m := res.Modules[modID]

		writeU64(&out, modID)
		writeU64(&out, nameOffset)
		writeU64(&out, m.PhysicalStart)
		writeU64(&out, m.VirtualStart)

		nameOffset += uint64(len(m.Name)) + 1 // +1 for the NUL the string pool stores it with

		for _, typ := range model.OnDiskSectionTypes {
			sec := m.Sections[typ]
			if sec == nil || sec.Size == 0 {
				continue
			}

			writeU64(&out, uint64(typ)+1)
			writeU64(&out, sec.PhysicalStart)
			writeU64(&out, sec.VirtualStart)
			writeU64(&out, sec.Size)
		}

		writeZeroQuad(&out)
	}

	writeZeroQuad(&out)

	return out.Bytes()
}

// ModuleNames returns the string pool the metadata table's name_offset
// fields index into: every module's name, in link order, NUL-separated.
func ModuleNames(res *link.Result) []byte {
	var out bytes.Buffer

	for _, modID := range res.ModuleOrder {
		out.WriteString(res.Modules[modID].Name)
		out.WriteByte(0)
	}

	return out.Bytes()
}

func writeU64(w *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.Write(b[:])
}

func writeZeroQuad(w *bytes.Buffer) {
	writeU64(w, 0)
	writeU64(w, 0)
	writeU64(w, 0)
	writeU64(w, 0)
}
