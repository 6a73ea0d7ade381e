// Package file implements the raw memory-dump Driver back-end: physical
// memory is read directly from a file (a VM snapshot / physical memory
// image), with no live VCPU access.
package file

import (
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/vmi/internal/driver"
	"github.com/tinyrange/vmi/internal/pagecache"
)

func init() {
	driver.SetFileOpener(func(target driver.Target, config map[string]string) (driver.Driver, error) {
		return Open(target.Path)
	})
}

// Driver reads physical memory from a flat file. get_vcpureg fails
// unconditionally and pause/resume are no-ops, per spec.md §4.1.
type Driver struct {
	f    *os.File
	size int64
}

var _ driver.Driver = (*Driver)(nil)

// Open opens path as a raw physical memory image.
func Open(path string) (*Driver, error) {
	if path == "" {
		return nil, fmt.Errorf("file: no path given")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("file: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("file: stat %s: %w", path, err)
	}
	return &Driver{f: f, size: info.Size()}, nil
}

func (d *Driver) Init(config map[string]string) error { return nil }

func (d *Driver) Destroy() error {
	return d.f.Close()
}

func (d *Driver) Pause() error  { return nil }
func (d *Driver) Resume() error { return nil }

func (d *Driver) ReadPhysicalPage(pa uint64) ([]byte, error) {
	buf := make([]byte, pagecache.PageSize)
	n, err := d.f.ReadAt(buf, int64(pa))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("file: read page 0x%x: %w", pa, err)
	}
	if n < len(buf) {
		// Short read: return the prefix that was read, and surface
		// it as an error so the page cache does not retain a
		// partially-valid page.
		return buf[:n], fmt.Errorf("file: %w at 0x%x (got %d of %d bytes)", driver.ErrShortRead, pa, n, len(buf))
	}
	return buf, nil
}

func (d *Driver) MemorySize() (uint64, error) {
	return uint64(d.size), nil
}

func (d *Driver) GetVCPUReg(reg driver.Register, vcpu int) (uint64, error) {
	return 0, driver.ErrNoVCPURegisters
}

func (d *Driver) GetIDFromName(name string) (uint64, error) {
	return 0, driver.ErrIDUnknown
}

func (d *Driver) GetNameFromID(id uint64) (string, error) {
	return "", driver.ErrIDUnknown
}

func (d *Driver) CheckID(id uint64) bool {
	return false
}
