package driver

import (
	"errors"
	"fmt"
	"sort"
)

// opener constructs and initializes a back-end, or returns
// ErrUnsupported if it cannot service this target on this host.
type opener func(target Target, config map[string]string) (Driver, error)

// probeOrder lists the back-ends tried, in order, when Kind is
// KindAuto: Xen, then KVM, then file. Registered by each back-end's
// package init() via RegisterBackend, so a platform build that excludes (say)
// the xen package simply never adds it to the cascade instead of
// needing a build-tag switch here.
var probeOrder []probeEntry

type probeEntry struct {
	kind Kind
	open opener
}

// RegisterBackend adds a back-end to the auto-selection cascade. Back-end
// packages call this from an init() function. The cascade is kept in
// Xen, KVM order whatever order those init functions run in; file is
// not part of it (see Open).
func RegisterBackend(kind Kind, open opener) {
	probeOrder = append(probeOrder, probeEntry{kind: kind, open: open})
	rank := func(k Kind) int {
		switch k {
		case KindXen:
			return 0
		case KindKVM:
			return 1
		}
		return 2
	}
	sort.SliceStable(probeOrder, func(a, b int) bool {
		return rank(probeOrder[a].kind) < rank(probeOrder[b].kind)
	})
}

// Open selects and initializes a driver. With KindAuto it tries each
// registered back-end in registration order and returns the first that
// doesn't report ErrUnsupported; with an explicit Kind it only tries
// that one back-end.
func Open(kind Kind, target Target, config map[string]string) (Driver, error) {
	if kind == KindFile {
		return openFile(target, config)
	}

	if kind != KindAuto {
		for _, p := range probeOrder {
			if p.kind == kind {
				return p.open(target, config)
			}
		}
		return nil, fmt.Errorf("driver: no back-end registered for kind %q", kind)
	}

	var errs []error
	for _, p := range probeOrder {
		drv, err := p.open(target, config)
		if err == nil {
			return drv, nil
		}
		if errors.Is(err, ErrUnsupported) {
			errs = append(errs, err)
			continue
		}
		return nil, err
	}

	// Nothing probed successfully; fall back to file mode if a path was
	// given, matching spec.md §4.1 ("treat argument as file path").
	if target.Path != "" {
		return openFile(target, config)
	}

	return nil, fmt.Errorf("driver: no back-end available (%w)", errors.Join(errs...))
}

// openFile is wired directly rather than through the probe cascade:
// file mode is never probed for availability, it's a direct fallback
// that only fails if the path itself is bad.
var openFile opener = func(target Target, config map[string]string) (Driver, error) {
	return newFileDriverFunc(target, config)
}

// newFileDriverFunc is set by the file package's init() to avoid an
// import cycle (driver -> file -> driver).
var newFileDriverFunc opener = func(target Target, config map[string]string) (Driver, error) {
	return nil, fmt.Errorf("driver: file back-end not linked into this binary")
}

// SetFileOpener lets the file package install itself without the
// driver package importing it directly.
func SetFileOpener(open opener) {
	newFileDriverFunc = open
}
