// Package pagecache implements the page cache: a bounded map of
// page-aligned physical address to a borrowed buffer produced by the
// driver layer. It amortizes the cost of mmap/map-foreign-range style
// driver operations and is the only thing address-translation walkers
// are allowed to read through.
package pagecache

import (
	"fmt"

	"github.com/tinyrange/vmi/internal/cache"
)

// PageSize is the cache's fetch granularity. Drivers always hand back a
// full page even when a walker only needs a handful of descriptor bytes
// from it.
const PageSize = 4096

const pageMask = PageSize - 1

// PhysReader is the driver-facing contract the page cache fetches
// through on a miss.
type PhysReader interface {
	// ReadPhysicalPage returns the PageSize bytes starting at the
	// page-aligned address pa. Implementations may return fewer bytes
	// along with a non-nil error (short read); the cache treats any
	// error as a miss and does not retain a partial page.
	ReadPhysicalPage(pa uint64) ([]byte, error)
}

// PageCache is the bounded, approximate-LRU page-aligned PA -> buffer
// cache described in spec.md §4.2. It is dropped wholesale on every VM
// resume (via its Epoch) and also invalidated on any failed read, since
// a failed read may mean the page was remapped underneath the cache.
type PageCache struct {
	driver PhysReader
	epoch  *cache.Epoch
	pages  *cache.Cache[uint64, []byte]
}

// New creates a page cache of the given capacity (in pages) fetching
// through driver and sharing epoch with the instance's other caches.
func New(driver PhysReader, epoch *cache.Epoch, capacity int) *PageCache {
	return &PageCache{
		driver: driver,
		epoch:  epoch,
		pages:  cache.New[uint64, []byte](epoch, capacity),
	}
}

// ReadPhys implements arch.PageReader: it serves length bytes starting
// at pa, which must not cross a page boundary, fetching the containing
// page through the cache.
func (p *PageCache) ReadPhys(pa uint64, length int) ([]byte, error) {
	pageBase := pa &^ pageMask
	offset := int(pa & pageMask)
	if offset+length > PageSize {
		return nil, fmt.Errorf("pagecache: read of %d bytes at 0x%x crosses a page boundary", length, pa)
	}

	page, ok := p.pages.Get(pageBase)
	if !ok {
		buf, err := p.driver.ReadPhysicalPage(pageBase)
		if err != nil {
			// A failed read may mean the page was remapped out from
			// under us; drop everything rather than risk serving a
			// stale neighbor.
			p.pages.Flush()
			return nil, fmt.Errorf("pagecache: read page 0x%x: %w", pageBase, err)
		}
		page = buf
		p.pages.Put(pageBase, page)
	}

	return page[offset : offset+length], nil
}

// Flush drops the cache unconditionally, e.g. on an explicit
// caller-requested flush.
func (p *PageCache) Flush() {
	p.pages.Flush()
}

// Len reports how many pages are currently cached (including possibly
// stale ones not yet lazily evicted).
func (p *PageCache) Len() int {
	return p.pages.Len()
}
