package link

import (
	"fmt"

	"github.com/kazimsarikaya/linkcore/internal/align"
	"github.com/kazimsarikaya/linkcore/internal/coreerr"
	"github.com/kazimsarikaya/linkcore/internal/model"
)

// Bind runs the address binder (spec.md §4.4): it walks every module's
// on-disk sections in ModuleOrder, assigns each a physical/virtual start and
// advances a running cursor, places the GOT immediately after the program,
// then finalizes every GOT entry's EntryValue and the program's entry
// point.
func Bind(res *Result, programStartPhysical, programStartVirtual uint64) error {
	p, v := programStartPhysical, programStartVirtual

	for _, modID := range res.ModuleOrder {
		m := res.Modules[modID]
		m.PhysicalStart = p
		m.VirtualStart = v

		for _, typ := range model.OnDiskSectionTypes {
			sec := m.Sections[typ]
			if sec == nil || sec.Size == 0 {
				continue
			}

			sec.PhysicalStart = p
			sec.VirtualStart = v

			p = align.Address(p+sec.Size, pageSize)
			v = align.Address(v+sec.Size, pageSize)
		}
	}

	res.GOTAddressPhysical = p
	res.GOTAddressVirtual = v

	for i := range res.GOT {
		entry := &res.GOT[i]

		switch {
		case i == GOTSelfIndex:
			entry.EntryValue = res.GOTAddressVirtual
		case !entry.Resolved:
			entry.EntryValue = 0
		default:
			mod, ok := res.Modules[entry.ModuleID]
			if !ok {
				return coreerr.New(coreerr.KindLayout, fmt.Sprintf("GOT entry %d: module %d not materialized", i, entry.ModuleID))
			}

			sec := mod.Sections[entry.SectionType]
			if sec == nil {
				return coreerr.New(coreerr.KindLayout, fmt.Sprintf("GOT entry %d: module %d has no %s section", i, entry.ModuleID, entry.SectionType))
			}

			entry.EntryValue = sec.VirtualStart + entry.SymbolValue
		}
	}

	if res.EntryGOTIndex <= 0 || res.EntryGOTIndex >= len(res.GOT) {
		return coreerr.New(coreerr.KindLayout, "entry point has no GOT entry")
	}

	res.EntrypointVirtual = res.GOT[res.EntryGOTIndex].EntryValue

	return nil
}
