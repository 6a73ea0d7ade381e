// Package vmi is the introspection engine's façade: a single Instance
// type wiring the driver layer, page cache, address-translation core,
// and OS heuristics together behind the seven public operations of
// spec.md §4.6. It replaces the teacher repo's root cc package (which
// mirrored os/net/io for a container runtime, an unrelated domain) with
// the state machine spec.md §4.7 describes.
package vmi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tinyrange/vmi/internal/arch"
	"github.com/tinyrange/vmi/internal/cache"
	"github.com/tinyrange/vmi/internal/config"
	"github.com/tinyrange/vmi/internal/driver"
	_ "github.com/tinyrange/vmi/internal/driver/file" // installs the file opener OpenFile relies on
	"github.com/tinyrange/vmi/internal/linuxos"
	"github.com/tinyrange/vmi/internal/pagecache"
	"github.com/tinyrange/vmi/internal/profiles"
	"github.com/tinyrange/vmi/internal/winos"
)

var (
	// ErrNotReady is returned when an operation requiring a later state
	// is attempted on an instance that hasn't reached it yet.
	ErrNotReady = errors.New("vmi: instance not ready for this operation")
	// ErrUnknownSymbol covers both "no symbol map" and "symbol absent".
	ErrUnknownSymbol = errors.New("vmi: unknown symbol")
	// ErrPidUnknown is returned by pid_to_dtb for an unrecognized pid.
	ErrPidUnknown = errors.New("vmi: pid not found")
	// ErrUnknownOS is returned when OS heuristics cannot decide the OS.
	ErrUnknownOS = errors.New("vmi: unable to determine guest os")
	// ErrConfig is returned for missing/contradictory configuration.
	ErrConfig = errors.New("vmi: configuration error")
	// ErrShortRead is returned alongside the prefix that did succeed
	// when a multi-page read's translation fails partway through.
	ErrShortRead = errors.New("vmi: short read")
)

// State is the instance lifecycle of spec.md §4.7.
type State int

const (
	StateUninitialized State = iota
	StateDriverSelected
	StatePartial
	StateComplete
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateDriverSelected:
		return "driver_selected"
	case StatePartial:
		return "partial"
	case StateComplete:
		return "complete"
	case StateDestroyed:
		return "destroyed"
	default:
		return "uninitialized"
	}
}

// InitMode is the bitmask spec.md §6 describes.
type InitMode int

const (
	InitPartial  InitMode = 1 << iota // raw read_pa + register access only
	InitComplete                      // OS identification + symbol/VA operations
	InitEvents                        // optional event subscriber, unused by this engine
)

// Instance is the façade of spec.md §4.7: the driver handle, OS kind,
// page mode/walker, dtb, the caches, and config, centralized in one
// root object (unlike the teacher's split hypervisor/VM pair, since
// spec.md models a single object).
type Instance struct {
	state State

	drv  driver.Driver
	kind driver.Kind

	mode   arch.PageMode
	walker arch.Walker
	dtb    uint64

	osType config.OSType
	cfg    config.Config

	epoch     cache.Epoch
	pages     *pagecache.PageCache
	v2pCache  *cache.Cache[v2pKey, v2pEntry]
	pidCache  *cache.Cache[uint64, uint64]
	symCache  *cache.Cache[string, uint64]
	baseCache *cache.Cache[baseOffsetKey, uint64]

	linuxSymbols *linuxos.SymbolMap
	linuxOffsets linuxos.Offsets
	linuxInitVA  uint64

	winKDBG       winos.KDBGLocation
	winVersion    winos.Version
	winResolver   *winos.SymbolResolver
	winTasks      uint64 // win_tasks: ActiveProcessLinks offset
	winPID        uint64 // win_pid: UniqueProcessId offset
	winPDBase     uint64 // win_pdbase: Pcb.DirectoryTableBase offset
	winActiveHead uint64 // PsActiveProcessHead VA, resolved from KDBG
}

type v2pKey struct {
	dtb   uint64
	vpage uint64
}

// v2pEntry is the v2p cache's value: the translated leaf's
// page-aligned physical base and its actual page size, so a cache hit
// can reconstruct pa|offset with the right mask for any leaf size
// (4KiB/2MiB/1GiB), not just 4KiB.
type v2pEntry struct {
	base uint64
	size uint64
}

type baseOffsetKey struct {
	base   uint64
	offset uint64
}

// OpenFile opens a physical-memory image file in file mode and brings
// the instance up to StatePartial (or StateComplete, if cfg identifies
// the OS). Config source is the caller-provided Config value
// (spec.md §6's "map" config source).
func OpenFile(path string, mode InitMode, cfg config.Config) (*Instance, error) {
	d, err := driver.Open(driver.KindFile, driver.Target{Path: path}, nil)
	if err != nil {
		return nil, fmt.Errorf("vmi: open file driver: %w", err)
	}
	return newInstance(driver.KindFile, d, mode, cfg)
}

// Open attaches to a live guest (Xen/KVM/auto) identified by target and
// brings the instance up to StatePartial (or StateComplete, if cfg
// identifies the OS).
func Open(kind driver.Kind, target driver.Target, mode InitMode, cfg config.Config) (*Instance, error) {
	d, err := driver.Open(kind, target, cfg.Raw)
	if err != nil {
		return nil, fmt.Errorf("vmi: open driver: %w", err)
	}
	return newInstance(kind, d, mode, cfg)
}

func newInstance(kind driver.Kind, d driver.Driver, mode InitMode, cfg config.Config) (*Instance, error) {
	if mode&InitComplete != 0 && cfg.OSType == config.OSUnknown {
		d.Destroy()
		return nil, fmt.Errorf("%w: complete init requires an ostype", ErrConfig)
	}

	inst := &Instance{
		state: StateDriverSelected,
		drv:   d,
		kind:  kind,
		cfg:   cfg,
	}
	inst.pages = pagecache.New(d, &inst.epoch, 0) // 0 -> default capacity
	inst.v2pCache = cache.New[v2pKey, v2pEntry](&inst.epoch, 0)
	inst.pidCache = cache.New[uint64, uint64](&inst.epoch, 0)
	inst.symCache = cache.New[string, uint64](&inst.epoch, 0)
	inst.baseCache = cache.New[baseOffsetKey, uint64](&inst.epoch, 0)

	if err := inst.detectPageMode(); err != nil {
		d.Destroy()
		return nil, err
	}
	inst.state = StatePartial
	slog.Debug("vmi: instance reached partial state", "mode", inst.mode)

	if cfg.OSType != config.OSUnknown {
		if err := inst.identifyOS(cfg); err != nil {
			return inst, fmt.Errorf("vmi: os identification: %w", err)
		}
	}

	return inst, nil
}

// detectPageMode picks a page-table walker. It always selects IA-32e,
// the common case for the drivers this module ships; neither the config
// nor live CR4/EFER register state is consulted.
func (i *Instance) detectPageMode() error {
	mode := arch.ModeIA32e
	w, err := arch.ForMode(mode)
	if err != nil {
		return fmt.Errorf("vmi: select page mode: %w", err)
	}
	i.mode = mode
	i.walker = w
	return nil
}

// identifyOS runs the OS-specific heuristics needed to reach
// StateComplete: Windows KDBG discovery or Linux System.map loading.
func (i *Instance) identifyOS(cfg config.Config) error {
	i.osType = cfg.OSType

	switch cfg.OSType {
	case config.OSWindows:
		if err := i.identifyWindows(cfg); err != nil {
			return err
		}
	case config.OSLinux:
		i.identifyLinux(cfg)
	default:
		return fmt.Errorf("%w: unsupported ostype %q", ErrUnknownOS, cfg.OSType)
	}

	i.state = StateComplete
	slog.Debug("vmi: instance reached complete state", "ostype", cfg.OSType)
	return nil
}

func (i *Instance) identifyWindows(cfg config.Config) error {
	ia32e := i.mode == arch.ModeIA32e
	regs, err := winos.DriverRegsFrom(i.drv, 0, ia32e)
	if err != nil {
		return fmt.Errorf("vmi: read registers for kdbg locate: %w", err)
	}
	i.dtb = regs.CR3

	memsize, err := i.drv.MemorySize()
	if err != nil {
		return fmt.Errorf("vmi: get memsize: %w", err)
	}

	profileDB, err := profiles.Builtin()
	if err != nil {
		slog.Warn("vmi: failed to load builtin windows profiles", "error", err)
		profileDB = nil
	}

	loc, ver, err := winos.Locate(i.pages, i.walker, regs, memsize, cfg, profileDB)
	if err != nil {
		return fmt.Errorf("vmi: locate kdbg: %w", err)
	}

	i.winKDBG = loc
	i.winVersion = ver
	i.winResolver = winos.NewSymbolResolver(i.pages, i.walker, i.dtb, loc)
	i.winTasks = cfg.WinTasks
	i.winPID = cfg.WinPID
	i.winPDBase = cfg.WinPDBase

	if head, err := i.winResolver.Resolve("PsActiveProcessHead"); err == nil {
		i.winActiveHead = head
	}

	slog.Debug("vmi: located kdbg", "strategy", loc.Strategy, "version", ver, "kdbg_pa", loc.KdbgPA)
	return nil
}

func (i *Instance) identifyLinux(cfg config.Config) {
	i.linuxOffsets = linuxos.Offsets{
		Tasks: cfg.LinuxTasks,
		MM:    cfg.LinuxMM,
		PID:   cfg.LinuxPID,
		Name:  cfg.LinuxName,
		PGD:   cfg.LinuxPGD,
	}
	if cfg.SysMap != "" {
		path := cfg.SysMap
		i.linuxSymbols = linuxos.NewSymbolMap(func() (io.ReadCloser, error) {
			return os.Open(path)
		})
	}

	// Resolved directly rather than through TranslateKsym2V: this runs
	// before the instance reaches StateComplete, and the public
	// operation refuses to run until then.
	if i.linuxSymbols != nil {
		if va, err := i.linuxSymbols.Lookup("init_task"); err == nil {
			i.linuxInitVA = va
		} else {
			slog.Warn("vmi: could not resolve init_task from system.map", "error", err)
		}
	}

	// Best-effort: a live guest's CR3 also serves as the kernel's own
	// dtb for translating kernel VAs (swapper_pg_dir). File-mode images
	// have no live VCPU and silently keep dtb at 0; no config key
	// supplies a dtb, so kernel VA lookups then use dtb 0.
	if cr3, err := i.drv.GetVCPUReg(driver.RegisterCR3, 0); err == nil {
		i.dtb = cr3
	}
}

// Destroy releases the instance's driver and transitions it to
// StateDestroyed. Any further operation on it fails.
func (i *Instance) Destroy() error {
	if i.state == StateDestroyed {
		return nil
	}
	i.state = StateDestroyed
	return i.drv.Destroy()
}

// State returns the instance's current lifecycle state.
func (i *Instance) State() State { return i.state }

func (i *Instance) requireState(min State) error {
	if i.state < min {
		return fmt.Errorf("%w: have %s, need at least %s", ErrNotReady, i.state, min)
	}
	if i.state == StateDestroyed {
		return fmt.Errorf("%w: instance destroyed", ErrNotReady)
	}
	return nil
}
