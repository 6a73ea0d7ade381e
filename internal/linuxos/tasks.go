package linuxos

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrPIDUnknown is returned by PidToDTB when no task in the list
// matches the requested pid.
var ErrPIDUnknown = errors.New("linuxos: pid not found")

// VAReader reads length bytes of kernel virtual memory starting at va,
// injected by the façade so this package never depends on the
// translation core or driver layer directly.
type VAReader func(va uint64, length int) ([]byte, error)

// PidToDTB walks the circular task_struct list starting at initTaskVA,
// which is the address of init_task's list_head embedded at
// offsets.Tasks (not the task_struct base), following each next
// pointer until a task whose pid (at
// offsets.PID relative to the task_struct base) matches pid. The dtb is
// read from that task's mm_struct at offsets.PGD.
func PidToDTB(read VAReader, initTaskVA uint64, offsets Offsets, pid uint64) (uint64, error) {
	const maxTasks = 1 << 16 // bound the walk against a corrupted/cyclic list

	cur := initTaskVA
	for i := 0; i < maxTasks; i++ {
		taskBase := cur - offsets.Tasks

		gotPID, err := readUint64(read, taskBase+offsets.PID)
		if err != nil {
			return 0, fmt.Errorf("linuxos: read pid at task 0x%x: %w", taskBase, err)
		}

		if gotPID == pid {
			mm, err := readUint64(read, taskBase+offsets.MM)
			if err != nil {
				return 0, fmt.Errorf("linuxos: read mm pointer: %w", err)
			}
			if mm == 0 {
				// Kernel threads have no mm; dtb is the swapper/kernel
				// page table, represented here as 0 to signal "use the
				// system dtb" to the caller.
				return 0, nil
			}
			pgd, err := readUint64(read, mm+offsets.PGD)
			if err != nil {
				return 0, fmt.Errorf("linuxos: read pgd: %w", err)
			}
			return pgd, nil
		}

		next, err := readUint64(read, taskBase+offsets.Tasks)
		if err != nil {
			return 0, fmt.Errorf("linuxos: read tasks.next at task 0x%x: %w", taskBase, err)
		}
		if next == initTaskVA {
			break // wrapped around the circular list without a match
		}
		cur = next
	}

	return 0, fmt.Errorf("%w: %d", ErrPIDUnknown, pid)
}

func readUint64(read VAReader, va uint64) (uint64, error) {
	buf, err := read(va, 8)
	if err != nil {
		return 0, err
	}
	if len(buf) < 8 {
		return 0, fmt.Errorf("linuxos: short read at 0x%x", va)
	}
	return binary.LittleEndian.Uint64(buf), nil
}
