package winos

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/vmi/internal/arch"
	"github.com/tinyrange/vmi/internal/config"
	"github.com/tinyrange/vmi/internal/profiles"
)

// flatMem is an identity-mapped PageReader/Walker stand-in: physical
// address equals virtual address, so tests can place bytes directly
// without modeling real page tables.
type flatMem struct {
	mem []byte
}

func newFlatMem(size int) *flatMem {
	return &flatMem{mem: make([]byte, size)}
}

func (f *flatMem) ReadPhys(pa uint64, length int) ([]byte, error) {
	if pa+uint64(length) > uint64(len(f.mem)) {
		return nil, errors.New("flatMem: out of range")
	}
	out := make([]byte, length)
	copy(out, f.mem[pa:pa+uint64(length)])
	return out, nil
}

func (f *flatMem) Mode() arch.PageMode { return arch.ModeIA32e }

func (f *flatMem) Walk(pr arch.PageReader, dtb, vaddr uint64) (arch.PageInfo, error) {
	return arch.PageInfo{VAddr: vaddr, Dtb: dtb, PAddr: vaddr, PageSize: arch.Size4KiB}, nil
}

func (f *flatMem) EnumerateVAPages(pr arch.PageReader, dtb uint64) ([]arch.VAPage, error) {
	return []arch.VAPage{{VA: 0, Size: uint64(len(f.mem))}}, nil
}

func (f *flatMem) putKDBGBlock(pa uint64, kernBase uint64, versionMagic uint16) {
	binary.LittleEndian.PutUint64(f.mem[pa+uint64(config.OffsetKernBase):], kernBase)
	binary.LittleEndian.PutUint16(f.mem[pa+uint64(config.OffsetHeaderSize):], versionMagic)
}

func TestInstantStrategy(t *testing.T) {
	mem := newFlatMem(0x10000)
	const kernBase = 0x2000
	const kdbgOffset = 0x100
	mem.putKDBGBlock(kernBase+kdbgOffset, kernBase, 0xF8)

	cfg := config.Config{WinKPCR: 0x10, WinKDBG: kdbgOffset}
	regs := Regs{GSBase: kernBase + 0x10, IA32e: true}

	loc, ver, err := Locate(mem, mem, regs, uint64(len(mem.mem)), cfg, nil)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if loc.Strategy != "instant" {
		t.Errorf("strategy = %q, want instant", loc.Strategy)
	}
	if loc.KdbgPA != kernBase+kdbgOffset {
		t.Errorf("kdbg pa = 0x%x, want 0x%x", loc.KdbgPA, kernBase+kdbgOffset)
	}
	if ver != Version7 {
		t.Errorf("version = %v, want Version7", ver)
	}
}

func TestInstantStrategyFromProfile(t *testing.T) {
	mem := newFlatMem(0x10000)
	const kernBase = 0x2000
	const kdbgOffset = 0x100
	const kpcrOffset = 0x10
	mem.putKDBGBlock(kernBase+kdbgOffset, kernBase, 0xF8)

	db, err := profiles.Load([]byte(`
- name: "test-win7"
  version_magic: 0xF8
  kpcr_offset: 0x10
  kdbg_offset: 0x100
`))
	if err != nil {
		t.Fatalf("load profile db: %v", err)
	}

	// No explicit win_kpcr/win_kdbg, just the version hint: the
	// profile table should supply the offsets instantStrategy needs.
	cfg := config.Config{WinKDVB: 0xF8}
	regs := Regs{GSBase: kernBase + kpcrOffset, IA32e: true}

	loc, ver, err := Locate(mem, mem, regs, uint64(len(mem.mem)), cfg, db)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if loc.Strategy != "instant" {
		t.Errorf("strategy = %q, want instant", loc.Strategy)
	}
	if loc.KdbgPA != kernBase+kdbgOffset {
		t.Errorf("kdbg pa = 0x%x, want 0x%x", loc.KdbgPA, kernBase+kdbgOffset)
	}
	if ver != Version7 {
		t.Errorf("version = %v, want Version7", ver)
	}
}

func TestApplyProfileDoesNotOverrideExplicitOffsets(t *testing.T) {
	cfg := config.Config{WinKDVB: 0xF8, WinKPCR: 0x20, WinKDBG: 0x200}
	db, err := profiles.Load([]byte(`
- name: "test-win7"
  version_magic: 0xF8
  kpcr_offset: 0x10
  kdbg_offset: 0x100
`))
	if err != nil {
		t.Fatalf("load profile db: %v", err)
	}

	got := applyProfile(cfg, db)
	if got.WinKPCR != 0x20 || got.WinKDBG != 0x200 {
		t.Errorf("applyProfile overrode explicit offsets: got kpcr=0x%x kdbg=0x%x", got.WinKPCR, got.WinKDBG)
	}
}

func TestApplyProfileNoMatchLeavesConfigUnchanged(t *testing.T) {
	cfg := config.Config{WinKDVB: 0xDEAD}
	db, err := profiles.Load([]byte(`
- name: "test-win7"
  version_magic: 0xF8
  kpcr_offset: 0x10
  kdbg_offset: 0x100
`))
	if err != nil {
		t.Fatalf("load profile db: %v", err)
	}

	got := applyProfile(cfg, db)
	if got.WinKPCR != 0 || got.WinKDBG != 0 {
		t.Errorf("expected no offsets for an unmatched profile hint, got kpcr=0x%x kdbg=0x%x", got.WinKPCR, got.WinKDBG)
	}
}

func TestSlowStrategyScansWholeMemory(t *testing.T) {
	mem := newFlatMem(0x10000)
	const kernBase = 0x4000
	idx := int(kernBase) + 0x30
	copy(mem.mem[idx:], signatureIA32e)
	kdbgPA := uint64(idx - kdbgBackOffsetIA32e)
	mem.putKDBGBlock(kdbgPA, kernBase, 0xF9)

	cfg := config.Config{} // no instant hints -> falls through to slow
	regs := Regs{IA32e: true}

	loc, ver, err := Locate(mem, mem, regs, uint64(len(mem.mem)), cfg, nil)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if loc.Strategy != "slow" {
		t.Errorf("strategy = %q, want slow", loc.Strategy)
	}
	if ver != Version8 {
		t.Errorf("version = %v, want Version8", ver)
	}
}

func TestLocateUnknownVersionMagic(t *testing.T) {
	mem := newFlatMem(0x10000)
	const kernBase = 0x4000
	idx := int(kernBase) + 0x30
	copy(mem.mem[idx:], signatureIA32e)
	kdbgPA := uint64(idx - kdbgBackOffsetIA32e)
	mem.putKDBGBlock(kdbgPA, kernBase, 0xDEAD)

	cfg := config.Config{}
	regs := Regs{IA32e: true}

	_, _, err := Locate(mem, mem, regs, uint64(len(mem.mem)), cfg, nil)
	if !errors.Is(err, ErrUnknownVersion) {
		t.Fatalf("err = %v, want ErrUnknownVersion", err)
	}
}

func TestLocateNotFound(t *testing.T) {
	mem := newFlatMem(0x1000)
	cfg := config.Config{}
	regs := Regs{IA32e: true}

	_, _, err := Locate(mem, mem, regs, uint64(len(mem.mem)), cfg, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestVersionFromMagic(t *testing.T) {
	if v, ok := VersionFromMagic(0xF8); !ok || v != Version7 {
		t.Errorf("got %v, %v; want Version7, true", v, ok)
	}
	if _, ok := VersionFromMagic(0x1234); ok {
		t.Error("expected unknown magic to report !ok")
	}
}

func TestSymbolResolverResolve(t *testing.T) {
	mem := newFlatMem(0x10000)
	const kdbgPA = 0x2000
	mem.putKDBGBlock(kdbgPA, 0xFFFFF80000000000, 0xF8)
	binary.LittleEndian.PutUint64(mem.mem[kdbgPA+uint64(config.OffsetPsActiveProcessHead):], 0x1234)

	r := NewSymbolResolver(mem, mem, 0, KDBGLocation{KdbgPA: kdbgPA})
	v, err := r.Resolve("PsActiveProcessHead")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if v != 0x1234 {
		t.Errorf("value = 0x%x, want 0x1234", v)
	}
}

func TestSymbolResolverUnknownSymbol(t *testing.T) {
	mem := newFlatMem(0x1000)
	r := NewSymbolResolver(mem, mem, 0, KDBGLocation{KdbgPA: 0})
	if _, err := r.Resolve("NotARealSymbol"); err == nil {
		t.Fatal("expected an error for an unknown symbol")
	}
}
