//go:build linux

// Package xen implements the Xen back-end by dlopen'ing libxenctrl (and
// libxenstore, for name/domid resolution) with github.com/ebitengine/purego,
// the same cgo-free FFI approach internal/hv/hvf/bindings uses to reach
// Hypervisor.framework. Xen is only ever present on a Xen dom0, so Open
// fails with driver.ErrUnsupported (not a hard error) whenever the
// libraries can't be loaded, letting the auto-selection cascade fall
// through to KVM or file.
package xen

import (
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/tinyrange/vmi/internal/driver"
	"github.com/tinyrange/vmi/internal/pagecache"
)

func init() {
	driver.RegisterBackend(driver.KindXen, func(target driver.Target, config map[string]string) (driver.Driver, error) {
		return Open(target)
	})
}

var (
	loadOnce sync.Once
	loadErr  error

	xcLib uintptr
	xsLib uintptr

	xcInterfaceOpen     func(logger, dombuildLogger unsafe.Pointer, openFlags uint32) int32
	xcInterfaceClose    func(xch int32) int32
	xcDomainPause       func(xch int32, domid uint32) int32
	xcDomainUnpause     func(xch int32, domid uint32) int32
	xcMapForeignRange   func(xch int32, domid uint32, size int32, prot int32, mfn uint64) unsafe.Pointer
	xcVCPUGetContext    func(xch int32, domid uint32, vcpu uint32, ctx unsafe.Pointer) int32
	xcDomainMaximumGpfn func(xch int32, domid uint32, gpfn *uint64) int32
	munmap              func(addr unsafe.Pointer, length uintptr) int32

	xsOpen      func(flags uint32) unsafe.Pointer
	xsClose     func(h unsafe.Pointer)
	xsRead      func(h unsafe.Pointer, t unsafe.Pointer, path *byte, length *uint32) unsafe.Pointer
	xsDirectory func(h unsafe.Pointer, t unsafe.Pointer, path *byte, num *uint32) unsafe.Pointer
)

// load dlopens libxenctrl/libxenstore and binds the handful of entry
// points the driver needs. Safe to call more than once; only the first
// call does work.
func load() error {
	loadOnce.Do(func() {
		xcLib, loadErr = purego.Dlopen("libxenctrl.so.4.17", purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if loadErr != nil {
			xcLib, loadErr = purego.Dlopen("libxenctrl.so", purego.RTLD_NOW|purego.RTLD_GLOBAL)
		}
		if loadErr != nil {
			return
		}

		purego.RegisterLibFunc(&xcInterfaceOpen, xcLib, "xc_interface_open")
		purego.RegisterLibFunc(&xcInterfaceClose, xcLib, "xc_interface_close")
		purego.RegisterLibFunc(&xcDomainPause, xcLib, "xc_domain_pause")
		purego.RegisterLibFunc(&xcDomainUnpause, xcLib, "xc_domain_unpause")
		purego.RegisterLibFunc(&xcMapForeignRange, xcLib, "xc_map_foreign_range")
		purego.RegisterLibFunc(&xcVCPUGetContext, xcLib, "xc_vcpu_getcontext")
		purego.RegisterLibFunc(&xcDomainMaximumGpfn, xcLib, "xc_domain_maximum_gpfn")

		libc, err := purego.Dlopen("libc.so.6", purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			loadErr = fmt.Errorf("dlopen libc: %w", err)
			return
		}
		purego.RegisterLibFunc(&munmap, libc, "munmap")

		xsLib, err = purego.Dlopen("libxenstore.so.4.0", purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			xsLib, err = purego.Dlopen("libxenstore.so", purego.RTLD_NOW|purego.RTLD_GLOBAL)
		}
		if err != nil {
			// Name/domid resolution degrades to domid-only without
			// xenstore; not fatal to the back-end as a whole.
			slog.Warn("xen: libxenstore unavailable, name lookups disabled", "error", err)
			return
		}
		purego.RegisterLibFunc(&xsOpen, xsLib, "xs_open")
		purego.RegisterLibFunc(&xsClose, xsLib, "xs_close")
		purego.RegisterLibFunc(&xsRead, xsLib, "xs_read")
		purego.RegisterLibFunc(&xsDirectory, xsLib, "xs_directory")
	})
	return loadErr
}

// Driver is the Xen back-end: a libxenctrl handle bound to one domid.
type Driver struct {
	xch   int32
	domid uint32
}

var _ driver.Driver = (*Driver)(nil)

// Open resolves target to a domid (via GetIDFromName if only a name was
// given) and opens a libxenctrl interface handle.
func Open(target driver.Target) (*Driver, error) {
	if err := load(); err != nil {
		return nil, fmt.Errorf("%w: dlopen libxenctrl: %v", driver.ErrUnsupported, err)
	}

	xch := xcInterfaceOpen(nil, nil, 0)
	if xch < 0 {
		return nil, fmt.Errorf("%w: xc_interface_open failed", driver.ErrUnsupported)
	}

	d := &Driver{xch: xch}

	domid := uint32(target.DomID)
	if !target.HasDomID {
		id, err := d.GetIDFromName(target.Name)
		if err != nil {
			xcInterfaceClose(xch)
			return nil, fmt.Errorf("xen: resolve domain name %q: %w", target.Name, err)
		}
		domid = uint32(id)
	}
	d.domid = domid

	return d, nil
}

func (d *Driver) Init(config map[string]string) error { return nil }

func (d *Driver) Destroy() error {
	if xcInterfaceClose(d.xch) != 0 {
		return fmt.Errorf("xen: xc_interface_close failed")
	}
	return nil
}

func (d *Driver) Pause() error {
	if xcDomainPause(d.xch, d.domid) != 0 {
		return fmt.Errorf("xen: xc_domain_pause failed for domid %d", d.domid)
	}
	return nil
}

func (d *Driver) Resume() error {
	if xcDomainUnpause(d.xch, d.domid) != 0 {
		return fmt.Errorf("xen: xc_domain_unpause failed for domid %d", d.domid)
	}
	return nil
}

// ReadPhysicalPage maps the single machine frame backing pa's guest
// frame number and copies it out.
func (d *Driver) ReadPhysicalPage(pa uint64) ([]byte, error) {
	gfn := pa / pagecache.PageSize
	ptr := xcMapForeignRange(d.xch, d.domid, pagecache.PageSize, 1 /*PROT_READ*/, gfn)
	if ptr == nil {
		return nil, fmt.Errorf("xen: xc_map_foreign_range failed for gfn 0x%x", gfn)
	}
	defer munmap(ptr, pagecache.PageSize)

	out := make([]byte, pagecache.PageSize)
	copy(out, unsafe.Slice((*byte)(ptr), pagecache.PageSize))
	return out, nil
}

func (d *Driver) MemorySize() (uint64, error) {
	var gpfn uint64
	if xcDomainMaximumGpfn(d.xch, d.domid, &gpfn) != 0 {
		return 0, fmt.Errorf("xen: xc_domain_maximum_gpfn failed for domid %d", d.domid)
	}
	return (gpfn + 1) * pagecache.PageSize, nil
}

func (d *Driver) GetVCPUReg(reg driver.Register, vcpu int) (uint64, error) {
	var ctx vcpuGuestContext
	if xcVCPUGetContext(d.xch, d.domid, uint32(vcpu), unsafe.Pointer(&ctx)) != 0 {
		return 0, fmt.Errorf("xen: xc_vcpu_getcontext failed for domid %d vcpu %d", d.domid, vcpu)
	}
	return ctx.register(reg)
}

// GetIDFromName walks /local/domain/<id>/name in xenstore looking for a
// match. Requires libxenstore; without it every name resolves to
// ErrIDUnknown.
func (d *Driver) GetIDFromName(name string) (uint64, error) {
	if xsLib == 0 {
		return 0, fmt.Errorf("xen: %w: libxenstore not available", driver.ErrIDUnknown)
	}
	h := xsOpen(0)
	if h == nil {
		return 0, fmt.Errorf("xen: xs_open failed")
	}
	defer xsClose(h)

	ids, err := xsListDir(h, "/local/domain")
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		n, err := xsReadString(h, fmt.Sprintf("/local/domain/%s/name", id))
		if err != nil {
			continue
		}
		if n == name {
			var domid uint64
			if _, err := fmt.Sscanf(id, "%d", &domid); err != nil {
				continue
			}
			return domid, nil
		}
	}
	return 0, driver.ErrIDUnknown
}

func (d *Driver) GetNameFromID(id uint64) (string, error) {
	if xsLib == 0 {
		return "", fmt.Errorf("xen: %w: libxenstore not available", driver.ErrIDUnknown)
	}
	h := xsOpen(0)
	if h == nil {
		return "", fmt.Errorf("xen: xs_open failed")
	}
	defer xsClose(h)

	name, err := xsReadString(h, fmt.Sprintf("/local/domain/%d/name", id))
	if err != nil {
		return "", driver.ErrIDUnknown
	}
	return name, nil
}

func (d *Driver) CheckID(id uint64) bool {
	_, err := d.GetNameFromID(id)
	return err == nil
}
