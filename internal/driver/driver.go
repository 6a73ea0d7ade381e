// Package driver defines the uniform contract every physical-memory
// back-end (Xen, KVM, a raw file) implements, and the auto-selection
// cascade that picks one. Everything above this package talks only to
// the Driver interface; back-ends are opaque collaborators.
package driver

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned by a back-end's Open when it cannot
	// service the current platform or target (e.g. Xen probed on a
	// non-Xen host). The auto-selection cascade treats it as "try the
	// next back-end", not a fatal error.
	ErrUnsupported = errors.New("driver: unsupported on this target")
	// ErrNoVCPURegisters is returned by GetVCPUReg on back-ends that
	// have no notion of live CPU state (the file back-end).
	ErrNoVCPURegisters = errors.New("driver: no vcpu register access")
	// ErrIDUnknown is returned by GetIDFromName/GetNameFromID when the
	// requested guest cannot be found.
	ErrIDUnknown = errors.New("driver: guest id/name not found")
	// ErrShortRead is returned alongside the prefix that did succeed
	// when a read straddles an unmapped page.
	ErrShortRead = errors.New("driver: short read")
)

// Register identifies a VCPU register the driver layer knows how to
// fetch. Only the registers the introspection engine actually needs are
// named; this is deliberately not a full ISA register file.
type Register int

const (
	RegisterInvalid Register = iota
	RegisterCR0
	RegisterCR3 // x86 DTB
	RegisterCR4
	RegisterFSBase
	RegisterGSBase
	RegisterEFER
	RegisterTTBR0 // ARM DTB
	RegisterTTBR1
)

func (r Register) String() string {
	switch r {
	case RegisterCR0:
		return "CR0"
	case RegisterCR3:
		return "CR3"
	case RegisterCR4:
		return "CR4"
	case RegisterFSBase:
		return "FS_BASE"
	case RegisterGSBase:
		return "GS_BASE"
	case RegisterEFER:
		return "EFER"
	case RegisterTTBR0:
		return "TTBR0"
	case RegisterTTBR1:
		return "TTBR1"
	default:
		return fmt.Sprintf("Register(%d)", int(r))
	}
}

// Driver is the uniform back-end contract of spec.md §4.1.
type Driver interface {
	// Init prepares the back-end for use. Config is the parsed
	// configuration map (may be nil for file mode).
	Init(config map[string]string) error
	// Destroy releases all back-end resources.
	Destroy() error

	// Pause freezes the guest so subsequent reads observe a consistent
	// snapshot. A no-op on the file back-end.
	Pause() error
	// Resume unfreezes the guest. A no-op on the file back-end. Callers
	// above this layer are responsible for flushing caches afterward.
	Resume() error

	// ReadPhysicalPage returns exactly one page-cache-granularity
	// page's worth of bytes starting at the page-aligned address pa.
	ReadPhysicalPage(pa uint64) ([]byte, error)

	// MemorySize returns the total addressable physical memory size.
	MemorySize() (uint64, error)

	// GetVCPUReg reads a register from the given VCPU. Returns
	// ErrNoVCPURegisters on back-ends with no live CPU (file mode).
	GetVCPUReg(reg Register, vcpu int) (uint64, error)

	// GetIDFromName / GetNameFromID resolve between a guest's name and
	// its numeric domain/VM id.
	GetIDFromName(name string) (uint64, error)
	GetNameFromID(id uint64) (string, error)
	// CheckID reports whether id currently identifies a live guest.
	CheckID(id uint64) bool
}

// Kind identifies which concrete back-end a Driver was opened as.
type Kind string

const (
	KindAuto Kind = "auto"
	KindXen  Kind = "xen"
	KindKVM  Kind = "kvm"
	KindFile Kind = "file"
)

// Target names the guest (by name or domid) or file path a Driver should
// attach to. Exactly one of Name/DomID identifies a live guest; in File
// mode, Path identifies the memory image instead.
type Target struct {
	Name  string
	DomID uint64
	// HasDomID distinguishes "domid 0 was supplied" from "no domid was
	// supplied", since 0 is itself a valid domain id.
	HasDomID bool

	Path string
}

// Validate enforces spec.md's data-model invariant: exactly one of
// {name, domid} identifies a live guest; both set is a usage error,
// neither is a usage error unless the back-end is a file.
func (t Target) Validate(fileMode bool) error {
	if fileMode {
		if t.Path == "" {
			return fmt.Errorf("driver: file mode requires a path")
		}
		return nil
	}
	hasName := t.Name != ""
	if hasName && t.HasDomID {
		return fmt.Errorf("driver: exactly one of name or domid must be set, both were given")
	}
	if !hasName && !t.HasDomID {
		return fmt.Errorf("driver: exactly one of name or domid must be set, neither was given")
	}
	return nil
}
