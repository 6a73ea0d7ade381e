//go:build linux

package xen

import (
	"bytes"
	"fmt"
	"strings"
	"unsafe"
)

// cString returns a NUL-terminated byte slice suitable for passing as a
// *byte to a C API expecting const char *.
func cString(s string) *byte {
	b := append([]byte(s), 0)
	return &b[0]
}

// xsReadString calls xs_read and copies the returned buffer into a Go
// string. xenstore allocates the buffer with malloc; this binding
// intentionally leaks it rather than binding free(3) for a second
// library, since reads here are rare (name lookups, not memory access).
func xsReadString(h unsafe.Pointer, path string) (string, error) {
	var length uint32
	ptr := xsRead(h, nil, cString(path), &length)
	if ptr == nil {
		return "", fmt.Errorf("xen: xs_read %s failed", path)
	}
	return string(unsafe.Slice((*byte)(ptr), length)), nil
}

// xsListDir calls xs_directory and splits its NUL-separated buffer of
// entry names into a slice.
func xsListDir(h unsafe.Pointer, path string) ([]string, error) {
	var num uint32
	ptr := xsDirectory(h, nil, cString(path), &num)
	if ptr == nil {
		return nil, fmt.Errorf("xen: xs_directory %s failed", path)
	}
	// xs_directory returns an argv-style array of char* pointers, one per
	// entry; each entry is itself a NUL-terminated C string.
	entries := unsafe.Slice((**byte)(ptr), num)
	out := make([]string, 0, num)
	for _, e := range entries {
		if e == nil {
			continue
		}
		raw := unsafe.Slice(e, 64)
		if i := bytes.IndexByte(raw, 0); i >= 0 {
			out = append(out, strings.Clone(string(raw[:i])))
		}
	}
	return out, nil
}
