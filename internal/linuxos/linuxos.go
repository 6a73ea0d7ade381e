// Package linuxos implements the Linux OS heuristics of spec.md §4.5:
// lazy System.map loading and the offset-based task-list model
// (init_task/tasks/mm/pid/name/pgd).
package linuxos

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrNoSymbolMap is returned by Lookup when the System.map could
	// not be opened.
	ErrNoSymbolMap = errors.New("linuxos: no system.map loaded")
	// ErrUnknownSymbol is returned when a symbol isn't present in the
	// loaded System.map.
	ErrUnknownSymbol = errors.New("linuxos: unknown symbol")
)

// Offsets names the configured byte offsets for the Linux task_struct
// fields the core needs (spec.md §6: linux_tasks, linux_mm, linux_pid,
// linux_name, linux_pgd).
type Offsets struct {
	Tasks uint64
	MM    uint64
	PID   uint64
	Name  uint64
	PGD   uint64
}

// SymbolMap is a lazily loaded System.map: symbol name -> kernel VA.
// Loading is deferred until the first lookup, per spec.md §4.5 ("if a
// System.map-style file is configured, load it lazily").
type SymbolMap struct {
	mu     sync.Mutex
	open   func() (io.ReadCloser, error)
	loaded bool
	lines  []mapLine
	err    error
}

type mapLine struct {
	addr   uint64
	symbol string
}

// NewSymbolMap defers to open() for the System.map's contents on first
// use; open is typically os.Open bound to the configured sysmap path.
func NewSymbolMap(open func() (io.ReadCloser, error)) *SymbolMap {
	return &SymbolMap{open: open}
}

func (m *SymbolMap) ensureLoaded() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return m.err
	}
	m.loaded = true

	r, err := m.open()
	if err != nil {
		m.err = fmt.Errorf("%w: open system.map: %w", ErrNoSymbolMap, err)
		return m.err
	}
	defer r.Close()

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		// A System.map line is "<hex addr> <type char> <symbol name>".
		if len(fields) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		m.lines = append(m.lines, mapLine{addr: addr, symbol: fields[2]})
	}
	if err := sc.Err(); err != nil {
		m.err = fmt.Errorf("linuxos: read system.map: %w", err)
	}
	return m.err
}

// Lookup implements ksym -> va as a line-oriented lookup: the first
// line whose symbol column equals sym exactly, VA parsed from its hex
// address column. Symbols that merely contain sym do not match.
func (m *SymbolMap) Lookup(sym string) (uint64, error) {
	if err := m.ensureLoaded(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.lines {
		if l.symbol == sym {
			return l.addr, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownSymbol, sym)
}
