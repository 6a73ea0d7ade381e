package vmi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/vmi/internal/config"
)

// putU64 writes v little-endian at offset off in buf, growing buf if
// needed.
func putU64(buf []byte, off uint64, v uint64) []byte {
	end := off + 8
	if uint64(len(buf)) < end {
		grown := make([]byte, end)
		copy(grown, buf)
		buf = grown
	}
	for i := uint64(0); i < 8; i++ {
		buf[off+i] = byte(v >> (8 * i))
	}
	return buf
}

// buildLinuxImage constructs a minimal physical-memory image with an
// IA-32e page table mapping the first GiB identity-style (PDPTE base
// 0), and a two-entry circular task_struct list at the VAs the test
// cases below reference. The returned dtb is the PML4 base to pass
// for translation.
func buildLinuxImage(t *testing.T) (path string, dtb uint64, offsets struct {
	Tasks, MM, PID, Name, PGD uint64
}) {
	t.Helper()

	const (
		pml4Base = 0x1000
		pdptBase = 0x3000

		initTaskVA = 0x5000
		task2VA    = 0x6000
		mmVA       = 0x7000

		tasksOff = 0x10
		mmOff    = 0x20
		pidOff   = 0x30
		pgdOff   = 0x08

		ia32ePresent = 1 << 0
		ia32ePS      = 1 << 7

		targetPGD = 0xABCDEF000
	)

	buf := make([]byte, 0x8000)

	// PML4[0] -> PDPT, present.
	buf = putU64(buf, pml4Base, pdptBase|ia32ePresent)
	// PDPT[0]: 1GiB leaf at physical base 0 (present + PS), so PA ==
	// VA for every address below 1GiB used by this test.
	buf = putU64(buf, pdptBase, 0|ia32ePresent|ia32ePS)

	// init_task: pid 0, tasks.next -> task2's list node.
	buf = putU64(buf, initTaskVA+pidOff, 0)
	buf = putU64(buf, initTaskVA+tasksOff, task2VA+tasksOff)

	// task2: pid 7, mm -> mmVA, tasks.next wraps back to init_task's
	// list node.
	buf = putU64(buf, task2VA+pidOff, 7)
	buf = putU64(buf, task2VA+mmOff, mmVA)
	buf = putU64(buf, task2VA+tasksOff, initTaskVA+tasksOff)

	// mm_struct: pgd -> targetPGD.
	buf = putU64(buf, mmVA+pgdOff, targetPGD)

	dir := t.TempDir()
	imgPath := filepath.Join(dir, "mem.img")
	if err := os.WriteFile(imgPath, buf, 0o600); err != nil {
		t.Fatalf("write image: %v", err)
	}

	sysmapPath := filepath.Join(dir, "System.map")
	sysmap := "0000000000005000 D init_task\n"
	if err := os.WriteFile(sysmapPath, []byte(sysmap), 0o600); err != nil {
		t.Fatalf("write system.map: %v", err)
	}

	offsets.Tasks, offsets.MM, offsets.PID, offsets.Name, offsets.PGD = tasksOff, mmOff, pidOff, 0, pgdOff
	return imgPath, pml4Base, offsets
}

func openLinuxInstance(t *testing.T) *Instance {
	t.Helper()
	imgPath, dtb, offsets := buildLinuxImage(t)

	cfg := config.Config{
		OSType:     config.OSLinux,
		SysMap:     filepath.Join(filepath.Dir(imgPath), "System.map"),
		LinuxTasks: offsets.Tasks,
		LinuxMM:    offsets.MM,
		LinuxPID:   offsets.PID,
		LinuxName:  offsets.Name,
		LinuxPGD:   offsets.PGD,
	}

	inst, err := OpenFile(imgPath, InitComplete, cfg)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	t.Cleanup(func() { inst.Destroy() })

	// The file driver has no live VCPU registers, so identifyLinux
	// couldn't learn the kernel dtb from CR3. Set it directly, the way
	// a live driver's register read would have.
	inst.dtb = dtb

	return inst
}

func TestOpenFileReachesCompleteState(t *testing.T) {
	inst := openLinuxInstance(t)
	if inst.State() != StateComplete {
		t.Fatalf("state = %s, want %s", inst.State(), StateComplete)
	}
}

func TestTranslateKsym2VResolvesInitTask(t *testing.T) {
	inst := openLinuxInstance(t)

	va, err := inst.TranslateKsym2V("init_task")
	if err != nil {
		t.Fatalf("TranslateKsym2V: %v", err)
	}
	if va != 0x5000 {
		t.Errorf("va = 0x%x, want 0x5000", va)
	}

	if _, err := inst.TranslateKsym2V("no_such_symbol"); err == nil {
		t.Fatal("expected an error for an unknown symbol")
	}
}

func TestPidToDTBWalksTaskList(t *testing.T) {
	inst := openLinuxInstance(t)

	dtb, err := inst.PidToDTB(7)
	if err != nil {
		t.Fatalf("PidToDTB: %v", err)
	}
	if dtb != 0xABCDEF000 {
		t.Errorf("dtb = 0x%x, want 0xABCDEF000", dtb)
	}

	if _, err := inst.PidToDTB(42); err == nil {
		t.Fatal("expected ErrPidUnknown for a pid not in the list")
	}

	// Cached on the second call.
	if dtb2, err := inst.PidToDTB(7); err != nil || dtb2 != dtb {
		t.Errorf("cached PidToDTB(7) = 0x%x, %v, want 0x%x, nil", dtb2, err, dtb)
	}
}

func TestReadVAAndReadPAReadSameBytes(t *testing.T) {
	inst := openLinuxInstance(t)

	// task2's pid field (VA 0x6030) round-trips through ReadVA (kernel
	// address space, pid 0) and through ReadPA at the identity-mapped
	// physical address.
	const taskPIDVA = 0x6030

	viaVA, err := inst.ReadVA(taskPIDVA, 0, 8)
	if err != nil {
		t.Fatalf("ReadVA: %v", err)
	}
	viaPA, err := inst.ReadPA(taskPIDVA, 8)
	if err != nil {
		t.Fatalf("ReadPA: %v", err)
	}
	if string(viaVA) != string(viaPA) {
		t.Errorf("ReadVA = % x, ReadPA = % x, want equal", viaVA, viaPA)
	}
	if leUint64(viaVA) != 7 {
		t.Errorf("pid field = %d, want 7", leUint64(viaVA))
	}
}

func TestPagetableLookupCachesLargeLeafCorrectly(t *testing.T) {
	inst := openLinuxInstance(t)

	// The image's PDPTE is a 1GiB leaf (base 0, identity-mapped), so a
	// va with bits set above the 4KiB page offset must still translate
	// correctly on a cache hit: a cache that remembers only a 4KiB
	// offset mask would truncate this va's high bits away on the
	// second lookup.
	const va = 0x12345678

	first, err := inst.PagetableLookup(inst.dtb, va)
	if err != nil {
		t.Fatalf("first PagetableLookup: %v", err)
	}
	if first != va {
		t.Fatalf("first PagetableLookup = 0x%x, want 0x%x (identity-mapped)", first, va)
	}

	second, err := inst.PagetableLookup(inst.dtb, va)
	if err != nil {
		t.Fatalf("second PagetableLookup: %v", err)
	}
	if second != first {
		t.Errorf("second PagetableLookup (cache hit) = 0x%x, want 0x%x", second, first)
	}
}

func TestOperationsRejectBeforeReady(t *testing.T) {
	imgPath, _, _ := buildLinuxImage(t)

	inst, err := OpenFile(imgPath, InitPartial, config.Config{})
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer inst.Destroy()

	if inst.State() != StatePartial {
		t.Fatalf("state = %s, want %s", inst.State(), StatePartial)
	}
	if _, err := inst.TranslateKsym2V("init_task"); err == nil {
		t.Fatal("expected an error: instance never reached StateComplete")
	}
	if _, err := inst.PidToDTB(7); err == nil {
		t.Fatal("expected an error: instance never reached StateComplete")
	}

	// Raw physical reads still work at partial state.
	if _, err := inst.ReadPA(0, 8); err != nil {
		t.Fatalf("ReadPA at partial state: %v", err)
	}
}

func TestDestroyRejectsFurtherOperations(t *testing.T) {
	inst := openLinuxInstance(t)
	if err := inst.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if inst.State() != StateDestroyed {
		t.Fatalf("state = %s, want %s", inst.State(), StateDestroyed)
	}
	if _, err := inst.ReadPA(0, 8); err == nil {
		t.Fatal("expected an error reading from a destroyed instance")
	}
	// Destroy is idempotent.
	if err := inst.Destroy(); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
}
