package arch

// ARMv7 short-descriptor first-level (L1) types, selected by the low two
// bits of the L1 descriptor.
const (
	arm1Fault       = 0
	arm1CoarseTable = 1
	arm1Section     = 2
	arm1FineTable   = 3
)

// Second-level (L2) leaf types, selected by the low two bits of the L2
// descriptor.
const (
	arm2Fault     = 0
	arm2LargePage = 1
)

// arm32Walker implements the ARMv7 short-descriptor translation table
// walk. The first-level index is vaddr>>20; the second level is a coarse
// (8-bit index, 256 entries) or fine (10-bit index, 1024 entries) table
// depending on the L1 descriptor's type bits. Leaf type (section,
// supersection, large page, small page, tiny page) is always decided by
// the descriptor that is actually the leaf -- the L1 descriptor for
// section/supersection, the L2 descriptor for everything reached through
// a second-level table. An L1 "fine table" entry must not be reused to
// pick the L2 leaf type; only L2's own bits may do that.
type arm32Walker struct{}

func (arm32Walker) Mode() PageMode { return ModeARM32 }

func (arm32Walker) Walk(pr PageReader, dtb, vaddr uint64) (PageInfo, error) {
	info := PageInfo{VAddr: vaddr, Dtb: dtb}

	l1Base := dtb &^ 0x3FFF // first-level table is 16KiB-aligned, 4096 entries
	l1Index := (vaddr >> 20) & 0xFFF
	l1Addr := l1Base + l1Index*4
	l1v, err := readDescriptor(pr, l1Addr, 4)
	info.L1 = DescriptorLevel{Addr: l1Addr, Value: l1v, Valid: true}
	if err != nil {
		return info, err
	}

	switch l1v & 0x3 {
	case arm1Fault:
		return info, ErrPageNotPresent

	case arm1Section:
		if (l1v>>18)&1 != 0 {
			// Supersection (16MiB). Bits [23:20] of the descriptor are
			// extended high-order physical address bits and must be
			// combined with the low 24 bits of vaddr.
			ext := (l1v >> 20) & 0xF
			base := l1v & 0xFF000000
			info.PageSize = Size16MiB
			info.PAddr = (ext << 32) | base | (vaddr & (Size16MiB - 1))
			return info, nil
		}
		// Section (1MiB).
		base := l1v & 0xFFF00000
		info.PageSize = Size1MiB
		info.PAddr = base | (vaddr & (Size1MiB - 1))
		return info, nil

	case arm1CoarseTable, arm1FineTable:
		fine := l1v&0x3 == arm1FineTable

		var l2Base, l2Index uint64
		if fine {
			l2Base = l1v & 0xFFFFF000 // 4KiB-aligned, 1024 entries
			l2Index = (vaddr >> 10) & 0x3FF
		} else {
			l2Base = l1v & 0xFFFFFC00 // 1KiB-aligned, 256 entries
			l2Index = (vaddr >> 12) & 0xFF
		}

		l2Addr := l2Base + l2Index*4
		l2v, err := readDescriptor(pr, l2Addr, 4)
		info.L2 = DescriptorLevel{Addr: l2Addr, Value: l2v, Valid: true}
		if err != nil {
			return info, err
		}

		switch {
		case l2v&0x3 == arm2Fault:
			return info, ErrPageNotPresent

		case l2v&0x3 == arm2LargePage:
			base := l2v & 0xFFFF0000
			info.PageSize = Size64KiB
			info.PAddr = base | (vaddr & (Size64KiB - 1))
			return info, nil

		case fine && l2v&0x3 == 0x3:
			// Tiny page (1KiB): only reachable through a fine
			// second-level table, decided by L2's own type bits.
			base := l2v & 0xFFFFFC00
			info.PageSize = Size1KiB
			info.PAddr = base | (vaddr & (Size1KiB - 1))
			return info, nil

		case l2v&0x2 != 0:
			// Small page (4KiB).
			base := l2v & 0xFFFFF000
			info.PageSize = Size4KiB
			info.PAddr = base | (vaddr & (Size4KiB - 1))
			return info, nil

		default:
			return info, ErrPageNotPresent
		}

	default:
		return info, ErrPageNotPresent
	}
}

// EnumerateVAPages is not implemented for ARM, per spec.md §4.3's
// explicit statement that get_va_pages is empty on this mode.
func (arm32Walker) EnumerateVAPages(pr PageReader, dtb uint64) ([]VAPage, error) {
	return nil, nil
}
