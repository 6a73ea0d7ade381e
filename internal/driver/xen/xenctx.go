//go:build linux

package xen

import (
	"fmt"

	"github.com/tinyrange/vmi/internal/driver"
)

// vcpuGuestContext mirrors the layout of Xen's vcpu_guest_context_x86_64_t
// as far as the fields this package reads. The real struct carries much
// more (FPU state, trap info, debug registers); everything after
// ctrlreg is left as padding space xc_vcpu_getcontext still writes
// into, just never read by Go code here.
type vcpuGuestContext struct {
	_          [256]byte // fpu_ctxt, flags
	_          [8 * 8]byte
	ctrlreg    [8]uint64 // cr0..cr7; cr3 (the DTB) is ctrlreg[3]
	_          [8 * 8]byte
	fsBase     uint64
	gsBaseKern uint64
	gsBaseUser uint64
	_          [512]byte // trailing fields this driver never reads
}

func (c *vcpuGuestContext) register(reg driver.Register) (uint64, error) {
	switch reg {
	case driver.RegisterCR0:
		return c.ctrlreg[0], nil
	case driver.RegisterCR3:
		return c.ctrlreg[3], nil
	case driver.RegisterCR4:
		return c.ctrlreg[4], nil
	case driver.RegisterFSBase:
		return c.fsBase, nil
	case driver.RegisterGSBase:
		return c.gsBaseKern, nil
	default:
		return 0, fmt.Errorf("xen: register %s not available from vcpu context", reg)
	}
}
