package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/vmi/internal/driver"
	"github.com/tinyrange/vmi/internal/pagecache"
)

func writeTempImage(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mem.img")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write temp image: %v", err)
	}
	return path
}

func TestOpenAndReadPhysicalPage(t *testing.T) {
	data := make([]byte, pagecache.PageSize*2)
	data[0] = 0xAA
	data[pagecache.PageSize] = 0xBB
	path := writeTempImage(t, data)

	d, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Destroy()

	page, err := d.ReadPhysicalPage(pagecache.PageSize)
	if err != nil {
		t.Fatalf("read page: %v", err)
	}
	if page[0] != 0xBB {
		t.Errorf("page[0] = 0x%x, want 0xBB", page[0])
	}

	size, err := d.MemorySize()
	if err != nil {
		t.Fatalf("memory size: %v", err)
	}
	if size != uint64(len(data)) {
		t.Errorf("size = %d, want %d", size, len(data))
	}
}

func TestReadPhysicalPageShortRead(t *testing.T) {
	path := writeTempImage(t, make([]byte, pagecache.PageSize/2))
	d, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Destroy()

	if _, err := d.ReadPhysicalPage(0); err == nil {
		t.Fatal("expected a short-read error reading past the image's end")
	}
}

func TestNoVCPUAccess(t *testing.T) {
	path := writeTempImage(t, make([]byte, pagecache.PageSize))
	d, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Destroy()

	if _, err := d.GetVCPUReg(driver.RegisterCR3, 0); err != driver.ErrNoVCPURegisters {
		t.Fatalf("err = %v, want ErrNoVCPURegisters", err)
	}
}

func TestOpenMissingPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected an error for an empty path")
	}
	if _, err := Open(filepath.Join(t.TempDir(), "does-not-exist")); err == nil {
		t.Fatal("expected an error opening a nonexistent file")
	}
}

func TestRegisteredWithFactory(t *testing.T) {
	path := writeTempImage(t, make([]byte, pagecache.PageSize))
	d, err := driver.Open(driver.KindFile, driver.Target{Path: path}, nil)
	if err != nil {
		t.Fatalf("factory open: %v", err)
	}
	defer d.Destroy()
	if _, err := d.MemorySize(); err != nil {
		t.Fatalf("memory size via factory-opened driver: %v", err)
	}
}
