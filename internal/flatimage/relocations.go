package flatimage

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/kazimsarikaya/linkcore/internal/coreerr"
	"github.com/kazimsarikaya/linkcore/internal/link"
)

// encodeRelocationTable packs the on-disk relocation table (spec.md §6): for
// each module, sorted by module id ascending, its id, the byte length of its
// packed relocation records, then the records themselves — one
// {section_type, rel_type, symbol_id, offset, addend} tuple per relocation.
//
// Module id ascending is a deterministic choice, not a load-bearing one:
// spec.md §9 only asks that downstream readers not assume any particular
// order, and recommends a sort over the source's hash-iteration order so two
// runs over the same store produce byte-identical tables.
func encodeRelocationTable(res *link.Result) ([]byte, error) {
	var out bytes.Buffer

	order := append([]uint64(nil), res.ModuleOrder...)
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	for _, modID := range order {
		m := res.Modules[modID]

		var section bytes.Buffer

		for _, rec := range m.Relocations {
			if err := binary.Write(&section, binary.LittleEndian, uint8(rec.SectionType)); err != nil {
				return nil, coreerr.Wrap(coreerr.KindEmit, "packing relocation section type", err)
			}

			if err := binary.Write(&section, binary.LittleEndian, uint8(rec.Type)); err != nil {
				return nil, coreerr.Wrap(coreerr.KindEmit, "packing relocation type", err)
			}

			if err := binary.Write(&section, binary.LittleEndian, rec.SymbolID); err != nil {
				return nil, coreerr.Wrap(coreerr.KindEmit, "packing relocation symbol id", err)
			}

			if err := binary.Write(&section, binary.LittleEndian, rec.Offset); err != nil {
				return nil, coreerr.Wrap(coreerr.KindEmit, "packing relocation offset", err)
			}

			if err := binary.Write(&section, binary.LittleEndian, rec.Addend); err != nil {
				return nil, coreerr.Wrap(coreerr.KindEmit, "packing relocation addend", err)
			}
		}

		if err := binary.Write(&out, binary.LittleEndian, modID); err != nil {
			return nil, coreerr.Wrap(coreerr.KindEmit, "packing relocation module id", err)
		}

		if err := binary.Write(&out, binary.LittleEndian, uint64(section.Len())); err != nil {
			return nil, coreerr.Wrap(coreerr.KindEmit, "packing relocation section length", err)
		}

		out.Write(section.Bytes())
	}

	return out.Bytes(), nil
}
