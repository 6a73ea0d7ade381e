package pagecache

import (
	"errors"
	"testing"

	"github.com/tinyrange/vmi/internal/cache"
)

type fakeDriver struct {
	pages map[uint64][]byte
	reads int
	fail  map[uint64]bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{pages: make(map[uint64][]byte), fail: make(map[uint64]bool)}
}

func (f *fakeDriver) ReadPhysicalPage(pa uint64) ([]byte, error) {
	f.reads++
	if f.fail[pa] {
		return nil, errors.New("fake: read failed")
	}
	buf, ok := f.pages[pa]
	if !ok {
		buf = make([]byte, PageSize)
	}
	return buf, nil
}

func TestPageCacheHitMiss(t *testing.T) {
	drv := newFakeDriver()
	drv.pages[0x1000] = make([]byte, PageSize)
	drv.pages[0x1000][4] = 0xAB

	var ep cache.Epoch
	pc := New(drv, &ep, 4)

	buf, err := pc.ReadPhys(0x1004, 1)
	if err != nil {
		t.Fatalf("ReadPhys: %v", err)
	}
	if buf[0] != 0xAB {
		t.Fatalf("got %x, want 0xAB", buf[0])
	}
	if drv.reads != 1 {
		t.Fatalf("reads = %d, want 1", drv.reads)
	}

	if _, err := pc.ReadPhys(0x1008, 1); err != nil {
		t.Fatalf("ReadPhys (cached): %v", err)
	}
	if drv.reads != 1 {
		t.Fatalf("reads after cache hit = %d, want 1", drv.reads)
	}
}

func TestPageCacheResumeFlush(t *testing.T) {
	drv := newFakeDriver()
	var ep cache.Epoch
	pc := New(drv, &ep, 4)

	pc.ReadPhys(0x2000, 1)
	if drv.reads != 1 {
		t.Fatalf("reads = %d, want 1", drv.reads)
	}

	ep.Bump() // simulate resume

	pc.ReadPhys(0x2000, 1)
	if drv.reads != 2 {
		t.Fatalf("reads after epoch bump = %d, want 2 (cache must be empty post-resume)", drv.reads)
	}
}

func TestPageCacheFailedReadInvalidatesWholeCache(t *testing.T) {
	drv := newFakeDriver()
	var ep cache.Epoch
	pc := New(drv, &ep, 4)

	pc.ReadPhys(0x3000, 1)
	if pc.Len() != 1 {
		t.Fatalf("len = %d, want 1", pc.Len())
	}

	drv.fail[0x4000] = true
	if _, err := pc.ReadPhys(0x4000, 1); err == nil {
		t.Fatal("expected error")
	}
	if pc.Len() != 0 {
		t.Fatalf("len after failed read = %d, want 0 (whole cache dropped)", pc.Len())
	}
}

func TestPageCacheCrossPageBoundaryRejected(t *testing.T) {
	drv := newFakeDriver()
	var ep cache.Epoch
	pc := New(drv, &ep, 4)

	if _, err := pc.ReadPhys(PageSize-4, 8); err == nil {
		t.Fatal("expected error for a read crossing a page boundary")
	}
}
