// Package winos implements the Windows OS heuristics: the four-strategy
// KDBG locator cascade of spec.md §4.4 and the KDDEBUGGER_DATA64 symbol
// resolver built on top of it.
package winos

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vmi/internal/arch"
	"github.com/tinyrange/vmi/internal/config"
	"github.com/tinyrange/vmi/internal/driver"
	"github.com/tinyrange/vmi/internal/profiles"
)

var (
	// ErrNotFound is returned when every strategy in the cascade fails
	// to locate a KDBG block.
	ErrNotFound = errors.New("winos: kdbg not found")
	// ErrUnknownVersion is returned when a KDBG block is found but its
	// version magic isn't in the closed set spec.md §4.4 names.
	ErrUnknownVersion = errors.New("winos: unrecognized windows version")
)

// Regs is the minimal VCPU register surface the locator needs from the
// driver layer, read once per probe rather than threading a *driver.Driver
// through every strategy function.
type Regs struct {
	CR3    uint64
	GSBase uint64
	FSBase uint64
	IA32e  bool // true selects GS_BASE/long-mode layout, false FS_BASE
}

// probeContext bundles everything a locator strategy needs: page
// access through the cache, the live register snapshot, and the
// caller-supplied config hints.
type probeContext struct {
	pr      arch.PageReader
	walker  arch.Walker
	regs    Regs
	memsize uint64
	cfg     config.Config
}

// KDBGLocation is the result of a successful locator strategy: the
// debugger block's virtual and physical address plus the kernel base
// it was validated against.
type KDBGLocation struct {
	KdbgVA   uint64
	KdbgPA   uint64
	KernBase uint64
	Strategy string
}

// strategy is one entry of spec.md §9's "ordered list of trait-bound
// strategies" design note: each returns (location, found, error); the
// cascade takes the first found=true.
type strategy func(*probeContext) (KDBGLocation, bool, error)

// strategies lists the four locator strategies in cascade order:
// instant, faster, fast, slow.
var strategies = []strategy{
	instantStrategy,
	fasterStrategy,
	fastStrategy,
	slowStrategy,
}

// Locate runs the four-strategy cascade and, on success, determines the
// Windows version from the block's version magic.
func Locate(pr arch.PageReader, w arch.Walker, regs Regs, memsize uint64, cfg config.Config, profileDB *profiles.Database) (KDBGLocation, Version, error) {
	cfg = applyProfile(cfg, profileDB)
	ctx := &probeContext{pr: pr, walker: w, regs: regs, memsize: memsize, cfg: cfg}

	var lastErr error
	for _, s := range strategies {
		loc, ok, err := s(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if !ok {
			continue
		}

		block, err := readBlock(pr, loc.KdbgPA)
		if err != nil {
			lastErr = err
			continue
		}
		magic, ok := config.ReadUint16Field(block, config.OffsetHeaderSize)
		if !ok {
			lastErr = fmt.Errorf("winos: short kdbg block at 0x%x", loc.KdbgPA)
			continue
		}
		ver, known := VersionFromMagic(magic)
		if !known {
			return KDBGLocation{}, VersionUnknown, fmt.Errorf("%w: magic 0x%x", ErrUnknownVersion, magic)
		}

		return loc, ver, nil
	}

	if lastErr != nil {
		return KDBGLocation{}, VersionUnknown, fmt.Errorf("%w: %v", ErrNotFound, lastErr)
	}
	return KDBGLocation{}, VersionUnknown, ErrNotFound
}

// applyProfile fills in WinKPCR/WinKDBG from the profile table when the
// caller gave a version hint (win_kdvb) instead of explicit offsets, so
// instantStrategy can skip straight to translating kernbase. A config
// that already sets both offsets explicitly is left untouched; a config
// with no win_kdvb and no profile match falls through to the scanning
// strategies exactly as before this table existed.
func applyProfile(cfg config.Config, profileDB *profiles.Database) config.Config {
	if profileDB == nil || cfg.WinKDVB == 0 || (cfg.WinKPCR != 0 && cfg.WinKDBG != 0) {
		return cfg
	}

	p, ok := profileDB.Lookup(uint16(cfg.WinKDVB))
	if !ok {
		return cfg
	}

	if cfg.WinKPCR == 0 {
		cfg.WinKPCR = p.KPCROffset
	}
	if cfg.WinKDBG == 0 {
		cfg.WinKDBG = p.KDBGOffset
	}
	return cfg
}

const kdbgBlockReadSize = 0x20

func readBlock(pr arch.PageReader, pa uint64) ([]byte, error) {
	return pr.ReadPhys(pa, kdbgBlockReadSize)
}

// DriverRegsFrom reads the live VCPU registers a locator strategy needs
// directly off the Driver, used by callers constructing a Regs value
// before calling Locate.
func DriverRegsFrom(d driver.Driver, vcpu int, ia32e bool) (Regs, error) {
	r := Regs{IA32e: ia32e}
	var err error
	if r.CR3, err = d.GetVCPUReg(driver.RegisterCR3, vcpu); err != nil {
		return Regs{}, fmt.Errorf("winos: read cr3: %w", err)
	}
	if ia32e {
		if r.GSBase, err = d.GetVCPUReg(driver.RegisterGSBase, vcpu); err != nil {
			return Regs{}, fmt.Errorf("winos: read gs_base: %w", err)
		}
	} else {
		if r.FSBase, err = d.GetVCPUReg(driver.RegisterFSBase, vcpu); err != nil {
			return Regs{}, fmt.Errorf("winos: read fs_base: %w", err)
		}
	}
	return r, nil
}
