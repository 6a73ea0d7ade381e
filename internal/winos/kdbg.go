package winos

import (
	"bytes"
	"debug/pe"
	"fmt"
	"math/bits"

	"github.com/tinyrange/vmi/internal/arch"
	"github.com/tinyrange/vmi/internal/config"
)

// signatureIA32e/signatureLegacy are the byte patterns spec.md §4.4's
// fast/slow strategies search a page for; kdbgBackOffsetIA32e/Legacy is
// how far back from the match the KDDEBUGGER_DATA64 header actually
// starts.
var (
	signatureIA32e  = []byte("\x00\xf8\xff\xffKDBG")
	signatureLegacy = []byte("\x00\x00\x00\x00\x00\x00\x00\x00KDBG")
)

const (
	kdbgBackOffsetIA32e  = 0xC
	kdbgBackOffsetLegacy = 0x8
)

// instantStrategy implements spec.md §4.4 strategy 1: the caller
// supplied kpcr_offset (win_kpcr) and kdbg_offset (win_kdbg) directly,
// so the kernel base is derived from the live segment-base register
// instead of any memory scan.
func instantStrategy(ctx *probeContext) (KDBGLocation, bool, error) {
	if ctx.cfg.WinKPCR == 0 || ctx.cfg.WinKDBG == 0 {
		return KDBGLocation{}, false, nil
	}

	var segBase uint64
	if ctx.regs.IA32e {
		segBase = ctx.regs.GSBase
	} else {
		segBase = ctx.regs.FSBase
	}
	kernbaseVA := segBase - ctx.cfg.WinKPCR

	info, err := ctx.walker.Walk(ctx.pr, ctx.regs.CR3, kernbaseVA)
	if err != nil {
		return KDBGLocation{}, false, fmt.Errorf("winos: instant strategy: translate kernbase: %w", err)
	}

	kdbgPA := info.PAddr + ctx.cfg.WinKDBG
	return KDBGLocation{
		KdbgVA:   kernbaseVA + ctx.cfg.WinKDBG,
		KdbgPA:   kdbgPA,
		KernBase: kernbaseVA,
		Strategy: "instant",
	}, true, nil
}

// fasterStrategy implements spec.md §4.4 strategy 2: starting from the
// page containing KPCR (translated via CR3), scan outward one physical
// page at a time -- first downward, then upward -- for a valid PE
// header whose first export entry names ntoskrnl.exe, then search the
// 64 pages starting at that image's header page for the KDBG tag. The
// image's .data section is not located from its section table.
func fasterStrategy(ctx *probeContext) (KDBGLocation, bool, error) {
	var segBase uint64
	if ctx.regs.IA32e {
		segBase = ctx.regs.GSBase
	} else {
		segBase = ctx.regs.FSBase
	}
	if segBase == 0 || ctx.regs.CR3 == 0 {
		return KDBGLocation{}, false, nil
	}

	kpcrInfo, err := ctx.walker.Walk(ctx.pr, ctx.regs.CR3, segBase)
	if err != nil {
		return KDBGLocation{}, false, nil // KPCR not mapped; not this strategy's fault
	}
	startPage := kpcrInfo.PAddr &^ 0xFFF

	for _, step := range []int64{-arch.Size4KiB, arch.Size4KiB} {
		pagePA := int64(startPage)
		for pagePA >= 0 && uint64(pagePA) < ctx.memsize {
			kernBase, ok := probeNtoskrnlAt(ctx.pr, uint64(pagePA))
			if ok {
				loc, found, err := scanImageDataForKDBG(ctx.pr, uint64(pagePA), kernBase, ctx.regs.IA32e)
				if found {
					loc.Strategy = "faster"
					return loc, true, err
				}
			}
			pagePA += step
		}
	}

	return KDBGLocation{}, false, nil
}

// probeNtoskrnlAt reads one page at pa and checks whether it parses as
// a PE image whose first export entry is "ntoskrnl.exe", using the
// standard library's debug/pe (justified in DESIGN.md: no example repo
// implements a PE parser). Returns the image's KernBase candidate (pa
// itself, since the Windows kernel is always page-aligned in physical
// memory) and whether the check succeeded.
func probeNtoskrnlAt(pr arch.PageReader, pa uint64) (uint64, bool) {
	page, err := pr.ReadPhys(pa, arch.Size4KiB)
	if err != nil {
		return 0, false
	}
	if len(page) < 2 || page[0] != 'M' || page[1] != 'Z' {
		return 0, false
	}

	f, err := pe.NewFile(bytes.NewReader(page))
	if err != nil {
		return 0, false
	}
	defer f.Close()

	const exportDataDir = 0
	var exportRVA uint32
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		if len(oh.DataDirectory) <= exportDataDir {
			return 0, false
		}
		exportRVA = oh.DataDirectory[exportDataDir].VirtualAddress
	case *pe.OptionalHeader64:
		if len(oh.DataDirectory) <= exportDataDir {
			return 0, false
		}
		exportRVA = oh.DataDirectory[exportDataDir].VirtualAddress
	default:
		return 0, false
	}
	if exportRVA == 0 || exportRVA >= uint32(len(page)) {
		return 0, false
	}

	// The export directory's Name field (offset 0xC) points at a
	// NUL-terminated ASCII string naming the module; for ntoskrnl.exe
	// this page-local RVA is expected to resolve within the same page
	// for a page-aligned, section-0-resident header in the common case.
	if int(exportRVA)+0x10 > len(page) {
		return 0, false
	}
	nameRVA := le32(page[exportRVA+0xC:])
	if nameRVA == 0 || int(nameRVA) >= len(page) {
		return 0, false
	}
	end := bytes.IndexByte(page[nameRVA:], 0)
	if end < 0 {
		return 0, false
	}
	if string(page[nameRVA:int(nameRVA)+end]) != "ntoskrnl.exe" {
		return 0, false
	}
	return pa, true
}

func le32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// scanImageDataForKDBG searches the 64 physical pages starting at the
// kernel image's header page (kernPagePA) for the KDBG tag and
// validates each hit against kernPagePA the way spec.md
// §4.4 describes: shifting both the candidate KernBase and the page's
// physical placement by clzll (count of leading zero bits) must agree,
// confirming KernBase's low bits match where the page actually sits.
func scanImageDataForKDBG(pr arch.PageReader, kernPagePA, kernBase uint64, ia32e bool) (KDBGLocation, bool, error) {
	sig, backOff := signatureLegacy, kdbgBackOffsetLegacy
	if ia32e {
		sig, backOff = signatureIA32e, kdbgBackOffsetIA32e
	}

	// Scan a bounded window of pages following the header for "KDBG";
	// the section table is not parsed, so every page in the window is
	// searched, not only .data.
	const scanPages = 64
	for i := uint64(0); i < scanPages; i++ {
		pa := kernPagePA + i*arch.Size4KiB
		page, err := pr.ReadPhys(pa, arch.Size4KiB)
		if err != nil {
			continue
		}
		idx := bytes.Index(page, sig)
		if idx < 0 || idx < backOff {
			continue
		}

		kdbgPA := pa + uint64(idx-backOff)
		block, err := pr.ReadPhys(kdbgPA, kdbgBlockReadSize)
		if err != nil {
			continue
		}
		foundKernBase, ok := config.ReadUint64Field(block, config.OffsetKernBase)
		if !ok {
			continue
		}

		shift := bits.LeadingZeros64(kernPagePA)
		if foundKernBase>>shift != kernPagePA>>shift {
			continue
		}

		return KDBGLocation{
			KdbgPA:   kdbgPA,
			KernBase: foundKernBase,
		}, true, nil
	}
	return KDBGLocation{}, false, nil
}

// fastStrategy implements spec.md §4.4 strategy 3: enumerate kernel VA
// pages via CR3 (arch.Walker.EnumerateVAPages) and search each 4KiB
// page with bytes.Index for the KDBG signature.
func fastStrategy(ctx *probeContext) (KDBGLocation, bool, error) {
	if ctx.regs.CR3 == 0 {
		return KDBGLocation{}, false, nil
	}

	pages, err := ctx.walker.EnumerateVAPages(ctx.pr, ctx.regs.CR3)
	if err != nil {
		return KDBGLocation{}, false, fmt.Errorf("winos: fast strategy: enumerate va pages: %w", err)
	}

	sig, backOff := signatureLegacy, kdbgBackOffsetLegacy
	if ctx.regs.IA32e {
		sig, backOff = signatureIA32e, kdbgBackOffsetIA32e
	}

	for _, vp := range pages {
		for off := uint64(0); off < vp.Size; off += arch.Size4KiB {
			info, err := ctx.walker.Walk(ctx.pr, ctx.regs.CR3, vp.VA+off)
			if err != nil {
				continue
			}
			page, err := ctx.pr.ReadPhys(info.PAddr, arch.Size4KiB)
			if err != nil {
				continue
			}
			idx := bytes.Index(page, sig)
			if idx < 0 || idx < backOff {
				continue
			}
			kdbgPA := info.PAddr + uint64(idx-backOff)
			block, err := ctx.pr.ReadPhys(kdbgPA, kdbgBlockReadSize)
			if err != nil {
				continue
			}
			kernBase, _ := config.ReadUint64Field(block, config.OffsetKernBase)
			return KDBGLocation{
				KdbgPA:   kdbgPA,
				KernBase: kernBase,
				Strategy: "fast",
			}, true, nil
		}
	}
	return KDBGLocation{}, false, nil
}

// slowStrategy implements spec.md §4.4 strategy 4: brute-force scan the
// entire memsize, 4KiB at a time, for the same signatures, with no
// reliance on any live translation.
func slowStrategy(ctx *probeContext) (KDBGLocation, bool, error) {
	sig, backOff := signatureLegacy, kdbgBackOffsetLegacy
	if ctx.regs.IA32e {
		sig, backOff = signatureIA32e, kdbgBackOffsetIA32e
	}

	for pa := uint64(0); pa < ctx.memsize; pa += arch.Size4KiB {
		page, err := ctx.pr.ReadPhys(pa, arch.Size4KiB)
		if err != nil {
			continue
		}
		idx := bytes.Index(page, sig)
		if idx < 0 || idx < backOff {
			continue
		}
		kdbgPA := pa + uint64(idx-backOff)
		block, err := ctx.pr.ReadPhys(kdbgPA, kdbgBlockReadSize)
		if err != nil {
			continue
		}
		kernBase, _ := config.ReadUint64Field(block, config.OffsetKernBase)
		return KDBGLocation{
			KdbgPA:   kdbgPA,
			KernBase: kernBase,
			Strategy: "slow",
		}, true, nil
	}
	return KDBGLocation{}, false, nil
}
