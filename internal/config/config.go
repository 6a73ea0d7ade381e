// Package config implements the core's configuration intake: the
// per-image config-file DSL, environment-based config-file discovery,
// and the recognized configuration keys. The parser is a pure function
// of its input text, not a stateful lexer over a process-wide file
// handle, per spec.md §9's "global lexer state" design note.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	// ErrNotFound is returned when a named image block does not exist in
	// a parsed config document.
	ErrNotFound = errors.New("config: image entry not found")
	// ErrSyntax is returned for malformed config text.
	ErrSyntax = errors.New("config: syntax error")
)

// OSType identifies the guest operating system family.
type OSType string

const (
	OSUnknown OSType = ""
	OSLinux   OSType = "Linux"
	OSWindows OSType = "Windows"
)

// Config holds the recognized keys for one image entry (spec.md §6).
// Values absent from the source text are left at their zero value; only
// OSType is required for a complete init.
type Config struct {
	OSType OSType

	Name  string
	DomID uint64

	SysMap string

	// Windows offsets (byte offsets / VAs, spec.md §6).
	WinTasks  uint64
	WinPDBase uint64
	WinPID    uint64
	WinPName  uint64
	WinKPCR   uint64
	WinKDVB   uint64
	WinKDBG   uint64

	// Linux offsets.
	LinuxTasks uint64
	LinuxMM    uint64
	LinuxPID   uint64
	LinuxName  uint64
	LinuxPGD   uint64

	// Raw carries every key verbatim, including ones not named above,
	// so callers with a prefilled KDDEBUGGER_DATA64 (which bypasses the
	// KDBG-discovery keys entirely) or custom fields can still see them.
	Raw map[string]string
}

// Document is a parsed config file: image name -> Config.
type Document map[string]Config

// Parse parses the `<image_name> { key = value; ... }` DSL described in
// spec.md §6 into a Document. Parsing is a pure function of text; it
// never touches the filesystem or any shared state.
func Parse(text string) (Document, error) {
	toks, err := tokenize(text)
	if err != nil {
		return nil, err
	}
	return parseTokens(toks)
}

// LocatePath implements spec.md §6's environment search order for
// libvmi.conf: $SUDO_USER's home, then $HOME, then /etc.
func LocatePath() (string, error) {
	if su := os.Getenv("SUDO_USER"); su != "" {
		// The original looks up SUDO_USER's home directory; without a
		// passwd lookup dependency in the examples pack, fall back to
		// /home/<user> the way a minimal reimplementation would.
		p := filepath.Join("/home", su, "etc", "libvmi.conf")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if home := os.Getenv("HOME"); home != "" {
		p := filepath.Join(home, "etc", "libvmi.conf")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	p := "/etc/libvmi.conf"
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("config: no libvmi.conf found in SUDO_USER, HOME, or /etc")
}

// Load reads and parses the config file at the first location spec.md
// §6's search order finds.
func Load() (Document, error) {
	path, err := LocatePath()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(string(raw))
}
