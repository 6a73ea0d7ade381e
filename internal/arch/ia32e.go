package arch

const (
	ia32ePresentBit = 1 << 0
	ia32ePSBit      = 1 << 7 // page-size bit in PDPTE/PDE

	// ia32eAddrMask keeps bits [51:12] of an 8-byte long-mode descriptor.
	ia32eAddrMask = 0x000FFFFFFFFFF000
)

// ia32eWalker implements the 4-level x86-64 long-mode walk:
// PML4E -> PDPTE -> PDE -> PTE, with 4KiB, 2MiB, and 1GiB leaves.
type ia32eWalker struct{}

func (ia32eWalker) Mode() PageMode { return ModeIA32e }

func (ia32eWalker) Walk(pr PageReader, dtb, vaddr uint64) (PageInfo, error) {
	info := PageInfo{VAddr: vaddr, Dtb: dtb}

	// Canonical address check: bits [63:48] must sign-extend bit 47.
	top := vaddr >> 47
	if top != 0 && top != 0x1FFFF {
		return info, ErrNonCanonical
	}

	pml4Base := dtb &^ 0xFFF
	pml4Index := (vaddr >> 39) & 0x1FF
	pml4Addr := pml4Base + pml4Index*8
	pml4e, err := readDescriptor(pr, pml4Addr, 8)
	info.L1 = DescriptorLevel{Addr: pml4Addr, Value: pml4e, Valid: true}
	if err != nil {
		return info, err
	}
	if pml4e&ia32ePresentBit == 0 {
		return info, ErrPageNotPresent
	}

	pdptBase := pml4e & ia32eAddrMask
	pdptIndex := (vaddr >> 30) & 0x1FF
	pdpteAddr := pdptBase + pdptIndex*8
	pdpte, err := readDescriptor(pr, pdpteAddr, 8)
	info.L2 = DescriptorLevel{Addr: pdpteAddr, Value: pdpte, Valid: true}
	if err != nil {
		return info, err
	}
	if pdpte&ia32ePresentBit == 0 {
		return info, ErrPageNotPresent
	}
	if pdpte&ia32ePSBit != 0 {
		info.PageSize = Size1GiB
		info.PAddr = (pdpte & (ia32eAddrMask &^ (Size1GiB - 1))) | (vaddr & (Size1GiB - 1))
		return info, nil
	}

	pdBase := pdpte & ia32eAddrMask
	pdIndex := (vaddr >> 21) & 0x1FF
	pdeAddr := pdBase + pdIndex*8
	pde, err := readDescriptor(pr, pdeAddr, 8)
	info.L3 = DescriptorLevel{Addr: pdeAddr, Value: pde, Valid: true}
	if err != nil {
		return info, err
	}
	if pde&ia32ePresentBit == 0 {
		return info, ErrPageNotPresent
	}
	if pde&ia32ePSBit != 0 {
		info.PageSize = Size2MiB
		info.PAddr = (pde & (ia32eAddrMask &^ (Size2MiB - 1))) | (vaddr & (Size2MiB - 1))
		return info, nil
	}

	ptBase := pde & ia32eAddrMask
	ptIndex := (vaddr >> 12) & 0x1FF
	pteAddr := ptBase + ptIndex*8
	pte, err := readDescriptor(pr, pteAddr, 8)
	info.L4 = DescriptorLevel{Addr: pteAddr, Value: pte, Valid: true}
	if err != nil {
		return info, err
	}
	if pte&ia32ePresentBit == 0 {
		return info, ErrPageNotPresent
	}

	info.PageSize = Size4KiB
	info.PAddr = (pte & ia32eAddrMask) | (vaddr & 0xFFF)
	return info, nil
}

// signExtend47 reconstructs a canonical 64-bit address from a 48-bit
// page-table index composition, sign-extending bit 47 into [63:48] the
// same way real hardware does for any canonical address.
func signExtend47(va uint64) uint64 {
	if va&(1<<47) != 0 {
		return va | 0xFFFF_0000_0000_0000
	}
	return va
}

// EnumerateVAPages walks all four levels for present entries. Callers
// enumerating the full address space should expect this to be slow:
// real kernel scans only ever walk the single PML4 entry covering
// kernel-space VAs, never the whole 512^4 tree.
func (ia32eWalker) EnumerateVAPages(pr PageReader, dtb uint64) ([]VAPage, error) {
	var pages []VAPage
	pml4Base := dtb &^ 0xFFF

	for pml4Index := uint64(0); pml4Index < 512; pml4Index++ {
		pml4e, err := readDescriptor(pr, pml4Base+pml4Index*8, 8)
		if err != nil || pml4e&ia32ePresentBit == 0 {
			continue
		}
		pdptBase := pml4e & ia32eAddrMask
		l1va := pml4Index << 39

		for pdptIndex := uint64(0); pdptIndex < 512; pdptIndex++ {
			pdpte, err := readDescriptor(pr, pdptBase+pdptIndex*8, 8)
			if err != nil || pdpte&ia32ePresentBit == 0 {
				continue
			}
			l2va := l1va | (pdptIndex << 30)

			if pdpte&ia32ePSBit != 0 {
				pages = append(pages, VAPage{VA: signExtend47(l2va), Size: Size1GiB})
				continue
			}

			pdBase := pdpte & ia32eAddrMask
			for pdIndex := uint64(0); pdIndex < 512; pdIndex++ {
				pde, err := readDescriptor(pr, pdBase+pdIndex*8, 8)
				if err != nil || pde&ia32ePresentBit == 0 {
					continue
				}
				l3va := l2va | (pdIndex << 21)

				if pde&ia32ePSBit != 0 {
					pages = append(pages, VAPage{VA: signExtend47(l3va), Size: Size2MiB})
					continue
				}

				ptBase := pde & ia32eAddrMask
				for ptIndex := uint64(0); ptIndex < 512; ptIndex++ {
					pte, err := readDescriptor(pr, ptBase+ptIndex*8, 8)
					if err != nil || pte&ia32ePresentBit == 0 {
						continue
					}
					pages = append(pages, VAPage{VA: signExtend47(l3va | (ptIndex << 12)), Size: Size4KiB})
				}
			}
		}
	}
	return pages, nil
}
