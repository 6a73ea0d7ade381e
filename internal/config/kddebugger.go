package config

import "encoding/binary"

// KDDebuggerData64FieldOffset names the byte offset of one field inside
// a packed KDDEBUGGER_DATA64 block (spec.md §6/§9). Only fields this
// module's KDBG-based symbol resolver actually uses are enumerated; the
// rest of the ~140-field Windows struct is out of scope without a field
// consuming it, per the "wire it or delete it" rule applied to data as
// well as code.
//
// Per spec.md §9's packed-struct design note, these offsets are never
// consumed via a Go struct overlaid on raw memory -- only via
// encoding/binary.LittleEndian reads at the named byte offset, so the
// host's struct layout/padding rules can never silently diverge from
// the wire format.
type KDDebuggerData64FieldOffset uint64

const (
	// Header: DBGKD_DEBUG_DATA_HEADER64 { List[2]; OwnerTag; Size }.
	OffsetHeaderList0  KDDebuggerData64FieldOffset = 0x00
	OffsetHeaderList1  KDDebuggerData64FieldOffset = 0x08
	OffsetHeaderOwner  KDDebuggerData64FieldOffset = 0x10
	OffsetHeaderSize   KDDebuggerData64FieldOffset = 0x14
	// Version magic lives at 0x14 per spec.md §4.4 -- note this overlaps
	// the header's Size field in the real struct only when Size itself
	// isn't read; callers that need both read Size before interpreting
	// the version magic, since this package exposes raw offsets, not a
	// union.

	OffsetKernBase              KDDebuggerData64FieldOffset = 0x18
	OffsetBreakpointWithStatus  KDDebuggerData64FieldOffset = 0x20
	OffsetSavedContext          KDDebuggerData64FieldOffset = 0x28
	OffsetThCallbackStack       KDDebuggerData64FieldOffset = 0x30
	OffsetNextCallback          KDDebuggerData64FieldOffset = 0x32
	OffsetFramePointer          KDDebuggerData64FieldOffset = 0x34
	OffsetKiCallUserMode        KDDebuggerData64FieldOffset = 0x38
	OffsetKeUserCallbackDispatcher KDDebuggerData64FieldOffset = 0x40
	OffsetPsLoadedModuleList    KDDebuggerData64FieldOffset = 0x48
	OffsetPsActiveProcessHead   KDDebuggerData64FieldOffset = 0x50
	OffsetPspCidTable           KDDebuggerData64FieldOffset = 0x58
	OffsetExpSystemResourcesList KDDebuggerData64FieldOffset = 0x60
	OffsetExpPagedPoolDescriptor KDDebuggerData64FieldOffset = 0x68
	OffsetExpNumberOfPagedPools KDDebuggerData64FieldOffset = 0x70
	OffsetKeTimeIncrement       KDDebuggerData64FieldOffset = 0x78
	OffsetKeBugCheckCallbackListHead KDDebuggerData64FieldOffset = 0x80
	OffsetKiBugcheckData        KDDebuggerData64FieldOffset = 0x88
	OffsetIopErrorLogListHead   KDDebuggerData64FieldOffset = 0x90
	OffsetObpRootDirectoryObject KDDebuggerData64FieldOffset = 0x98
	OffsetObpTypeObjectType     KDDebuggerData64FieldOffset = 0xA0
	OffsetMmSystemCacheStart    KDDebuggerData64FieldOffset = 0xA8
	OffsetMmSystemCacheEnd      KDDebuggerData64FieldOffset = 0xB0
	OffsetMmSystemCacheWs       KDDebuggerData64FieldOffset = 0xB8
	OffsetMmPfnDatabase         KDDebuggerData64FieldOffset = 0xC0
	OffsetMmPagedPoolInfo       KDDebuggerData64FieldOffset = 0xC8
	OffsetMmPagedPoolStart      KDDebuggerData64FieldOffset = 0xD0
	OffsetMmPagedPoolEnd        KDDebuggerData64FieldOffset = 0xD8
	OffsetMmNonPagedSystemStart KDDebuggerData64FieldOffset = 0xE0
	OffsetMmSizeOfPagedPoolInBytes KDDebuggerData64FieldOffset = 0xE8
)

// FieldNames maps the recognized symbol names of spec.md §4.4's dense
// switch to their KDDEBUGGER_DATA64 byte offset.
var FieldNames = map[string]KDDebuggerData64FieldOffset{
	"KernBase":                    OffsetKernBase,
	"BreakpointWithStatus":        OffsetBreakpointWithStatus,
	"SavedContext":                OffsetSavedContext,
	"KiCallUserMode":              OffsetKiCallUserMode,
	"KeUserCallbackDispatcher":    OffsetKeUserCallbackDispatcher,
	"PsLoadedModuleList":          OffsetPsLoadedModuleList,
	"PsActiveProcessHead":         OffsetPsActiveProcessHead,
	"PspCidTable":                 OffsetPspCidTable,
	"ExpSystemResourcesList":      OffsetExpSystemResourcesList,
	"ExpPagedPoolDescriptor":      OffsetExpPagedPoolDescriptor,
	"ExpNumberOfPagedPools":       OffsetExpNumberOfPagedPools,
	"KeTimeIncrement":             OffsetKeTimeIncrement,
	"KeBugCheckCallbackListHead":  OffsetKeBugCheckCallbackListHead,
	"KiBugcheckData":              OffsetKiBugcheckData,
	"IopErrorLogListHead":         OffsetIopErrorLogListHead,
	"ObpRootDirectoryObject":      OffsetObpRootDirectoryObject,
	"ObpTypeObjectType":           OffsetObpTypeObjectType,
	"MmSystemCacheStart":          OffsetMmSystemCacheStart,
	"MmSystemCacheEnd":            OffsetMmSystemCacheEnd,
	"MmSystemCacheWs":             OffsetMmSystemCacheWs,
	"MmPfnDatabase":               OffsetMmPfnDatabase,
	"MmPagedPoolInfo":             OffsetMmPagedPoolInfo,
	"MmPagedPoolStart":            OffsetMmPagedPoolStart,
	"MmPagedPoolEnd":              OffsetMmPagedPoolEnd,
	"MmNonPagedSystemStart":       OffsetMmNonPagedSystemStart,
	"MmSizeOfPagedPoolInBytes":    OffsetMmSizeOfPagedPoolInBytes,
}

// FieldOffset looks up symbol's byte offset into KDDEBUGGER_DATA64,
// implementing spec.md §4.4's "name -> offset function (a dense
// switch)" as a map lookup instead.
func FieldOffset(symbol string) (KDDebuggerData64FieldOffset, bool) {
	off, ok := FieldNames[symbol]
	return off, ok
}

// ReadUint64Field extracts the 8-byte little-endian field at offset off
// from a raw KDDEBUGGER_DATA64 byte block.
func ReadUint64Field(block []byte, off KDDebuggerData64FieldOffset) (uint64, bool) {
	i := int(off)
	if i+8 > len(block) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(block[i : i+8]), true
}

// ReadUint16Field extracts a 2-byte little-endian field, used for the
// version-magic read at offset 0x14.
func ReadUint16Field(block []byte, off KDDebuggerData64FieldOffset) (uint16, bool) {
	i := int(off)
	if i+2 > len(block) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(block[i : i+2]), true
}
