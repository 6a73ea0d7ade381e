package arch

const (
	legacyPresentBit = 1 << 0
	legacyPSBit      = 1 << 7 // page size bit in a PDE: 1 => 4MiB leaf
)

// legacy32Walker implements the 2-level x86 non-PAE page table walk:
// selector bits [31:22] index the PDE, [21:12] index the PTE. A PDE with
// PS=1 is a 4MiB leaf instead of pointing at a page table.
type legacy32Walker struct{}

func (legacy32Walker) Mode() PageMode { return ModeLegacy32 }

func (legacy32Walker) Walk(pr PageReader, dtb, vaddr uint64) (PageInfo, error) {
	info := PageInfo{VAddr: vaddr, Dtb: dtb}

	pdeIndex := (vaddr >> 22) & 0x3FF
	pdeAddr := (dtb &^ 0xFFF) + pdeIndex*4
	pde, err := readDescriptor(pr, pdeAddr, 4)
	info.L1 = DescriptorLevel{Addr: pdeAddr, Value: pde, Valid: true}
	if err != nil {
		return info, err
	}

	if pde&legacyPresentBit == 0 {
		return info, ErrPageNotPresent
	}

	if pde&legacyPSBit != 0 {
		// 4MiB leaf. Bits [31:22] of the PDE form the upper address
		// bits; PAT (bit 12) is ignored for translation purposes.
		info.PageSize = Size4MiB
		info.PAddr = (pde & 0xFFC00000) | (vaddr & 0x3FFFFF)
		return info, nil
	}

	ptBase := pde & 0xFFFFF000
	pteIndex := (vaddr >> 12) & 0x3FF
	pteAddr := ptBase + pteIndex*4
	pte, err := readDescriptor(pr, pteAddr, 4)
	info.L2 = DescriptorLevel{Addr: pteAddr, Value: pte, Valid: true}
	if err != nil {
		return info, err
	}

	if pte&legacyPresentBit == 0 {
		return info, ErrPageNotPresent
	}

	info.PageSize = Size4KiB
	info.PAddr = (pte & 0xFFFFF000) | (vaddr & 0xFFF)
	return info, nil
}

// EnumerateVAPages walks all 1024 PDEs, yielding a 4MiB entry for each
// PS=1 PDE and descending into present page tables to yield one 4KiB
// entry per present PTE otherwise.
func (legacy32Walker) EnumerateVAPages(pr PageReader, dtb uint64) ([]VAPage, error) {
	var pages []VAPage
	pdBase := dtb &^ 0xFFF

	for pdeIndex := uint64(0); pdeIndex < 1024; pdeIndex++ {
		pde, err := readDescriptor(pr, pdBase+pdeIndex*4, 4)
		if err != nil || pde&legacyPresentBit == 0 {
			continue
		}
		vaBase := pdeIndex << 22

		if pde&legacyPSBit != 0 {
			pages = append(pages, VAPage{VA: vaBase, Size: Size4MiB})
			continue
		}

		ptBase := pde & 0xFFFFF000
		for pteIndex := uint64(0); pteIndex < 1024; pteIndex++ {
			pte, err := readDescriptor(pr, ptBase+pteIndex*4, 4)
			if err != nil || pte&legacyPresentBit == 0 {
				continue
			}
			pages = append(pages, VAPage{VA: vaBase | (pteIndex << 12), Size: Size4KiB})
		}
	}
	return pages, nil
}
