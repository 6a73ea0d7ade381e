package arch

const (
	paePresentBit = 1 << 0
	paePSBit      = 1 << 7 // PDE page-size bit: 1 => 2MiB leaf

	// paeAddrMask keeps bits [51:12], the physical-address field of an
	// 8-byte PAE descriptor.
	paeAddrMask = 0x000FFFFFFFFFF000
)

// paeWalker implements the 3-level PAE walk: PDPTE -> PDE -> PTE, 8-byte
// descriptors, with 4KiB and 2MiB leaves.
type paeWalker struct{}

func (paeWalker) Mode() PageMode { return ModePAE }

func (paeWalker) Walk(pr PageReader, dtb, vaddr uint64) (PageInfo, error) {
	info := PageInfo{VAddr: vaddr, Dtb: dtb}

	pdptBase := dtb &^ 0x1F // 4 entries, 32-byte aligned table
	pdpteIndex := (vaddr >> 30) & 0x3
	pdpteAddr := pdptBase + pdpteIndex*8
	pdpte, err := readDescriptor(pr, pdpteAddr, 8)
	info.L1 = DescriptorLevel{Addr: pdpteAddr, Value: pdpte, Valid: true}
	if err != nil {
		return info, err
	}
	if pdpte&paePresentBit == 0 {
		return info, ErrPageNotPresent
	}

	pdBase := pdpte & paeAddrMask
	pdeIndex := (vaddr >> 21) & 0x1FF
	pdeAddr := pdBase + pdeIndex*8
	pde, err := readDescriptor(pr, pdeAddr, 8)
	info.L2 = DescriptorLevel{Addr: pdeAddr, Value: pde, Valid: true}
	if err != nil {
		return info, err
	}
	if pde&paePresentBit == 0 {
		return info, ErrPageNotPresent
	}

	if pde&paePSBit != 0 {
		info.PageSize = Size2MiB
		info.PAddr = (pde & (paeAddrMask &^ (Size2MiB - 1))) | (vaddr & (Size2MiB - 1))
		return info, nil
	}

	ptBase := pde & paeAddrMask
	pteIndex := (vaddr >> 12) & 0x1FF
	pteAddr := ptBase + pteIndex*8
	pte, err := readDescriptor(pr, pteAddr, 8)
	info.L3 = DescriptorLevel{Addr: pteAddr, Value: pte, Valid: true}
	if err != nil {
		return info, err
	}
	if pte&paePresentBit == 0 {
		return info, ErrPageNotPresent
	}

	info.PageSize = Size4KiB
	info.PAddr = (pte & paeAddrMask) | (vaddr & 0xFFF)
	return info, nil
}

// EnumerateVAPages walks the 4-entry PDPT, then each PD's 512 PDEs,
// descending into present page tables for 4KiB leaves.
func (paeWalker) EnumerateVAPages(pr PageReader, dtb uint64) ([]VAPage, error) {
	var pages []VAPage
	pdptBase := dtb &^ 0x1F

	for pdpteIndex := uint64(0); pdpteIndex < 4; pdpteIndex++ {
		pdpte, err := readDescriptor(pr, pdptBase+pdpteIndex*8, 8)
		if err != nil || pdpte&paePresentBit == 0 {
			continue
		}
		pdBase := pdpte & paeAddrMask
		pdpteVA := pdpteIndex << 30

		for pdeIndex := uint64(0); pdeIndex < 512; pdeIndex++ {
			pde, err := readDescriptor(pr, pdBase+pdeIndex*8, 8)
			if err != nil || pde&paePresentBit == 0 {
				continue
			}
			vaBase := pdpteVA | (pdeIndex << 21)

			if pde&paePSBit != 0 {
				pages = append(pages, VAPage{VA: vaBase, Size: Size2MiB})
				continue
			}

			ptBase := pde & paeAddrMask
			for pteIndex := uint64(0); pteIndex < 512; pteIndex++ {
				pte, err := readDescriptor(pr, ptBase+pteIndex*8, 8)
				if err != nil || pte&paePresentBit == 0 {
					continue
				}
				pages = append(pages, VAPage{VA: vaBase | (pteIndex << 12), Size: Size4KiB})
			}
		}
	}
	return pages, nil
}
