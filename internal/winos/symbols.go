package winos

import (
	"fmt"

	"github.com/tinyrange/vmi/internal/arch"
	"github.com/tinyrange/vmi/internal/config"
)

// SymbolResolver resolves a KDDEBUGGER_DATA64 field name to its value,
// per spec.md §4.4: a name -> offset function followed by a read of the
// 8-byte field at kdbg_pa + offset. The offset table itself lives in
// internal/config since it's shared with the packed-struct definition
// used by config intake (a prefilled KDDEBUGGER_DATA64 bypasses
// discovery but still needs the same offsets).
type SymbolResolver struct {
	pr     arch.PageReader
	walker arch.Walker
	dtb    uint64
	kdbgPA uint64
}

// NewSymbolResolver builds a resolver bound to a located KDBG block.
func NewSymbolResolver(pr arch.PageReader, walker arch.Walker, dtb uint64, loc KDBGLocation) *SymbolResolver {
	return &SymbolResolver{pr: pr, walker: walker, dtb: dtb, kdbgPA: loc.KdbgPA}
}

// Resolve looks up symbol's byte offset and reads the 8-byte
// little-endian field at kdbg_pa + offset through the page cache.
func (r *SymbolResolver) Resolve(symbol string) (uint64, error) {
	off, ok := config.FieldOffset(symbol)
	if !ok {
		return 0, fmt.Errorf("winos: unknown kdbg symbol %q", symbol)
	}

	// A field may straddle a page boundary at worst by a few bytes; read
	// it in one piece when it fits in its page, otherwise in two halves,
	// rather than assuming fields never cross pages.
	fieldPA := r.kdbgPA + uint64(off)
	pageBase := fieldPA &^ 0xFFF
	pageOff := fieldPA - pageBase

	if pageOff+8 <= arch.Size4KiB {
		buf, err := r.pr.ReadPhys(fieldPA, 8)
		if err != nil {
			return 0, fmt.Errorf("winos: read symbol %q: %w", symbol, err)
		}
		v, _ := config.ReadUint64Field(buf, 0)
		return v, nil
	}

	// Field straddles a page boundary: read each half separately and
	// stitch the little-endian value back together.
	lo, err := r.pr.ReadPhys(fieldPA, int(arch.Size4KiB-pageOff))
	if err != nil {
		return 0, fmt.Errorf("winos: read symbol %q (low half): %w", symbol, err)
	}
	hi, err := r.pr.ReadPhys(pageBase+arch.Size4KiB, 8-len(lo))
	if err != nil {
		return 0, fmt.Errorf("winos: read symbol %q (high half): %w", symbol, err)
	}
	full := append(append([]byte{}, lo...), hi...)
	v, _ := config.ReadUint64Field(full, 0)
	return v, nil
}
