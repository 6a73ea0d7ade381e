package linuxos

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
)

// OpenSystemMapFromArchive supplements spec.md §4.5: a caller that
// already has a downloaded kernel package (the way
// internal/linux/kernel/alpine fetches one, with
// github.com/schollz/progressbar/v3 reporting download progress)
// shouldn't have to shell out to extract boot/System.map from it
// first. Grounded on internal/linux/kernel's GetSystemMap, which reads
// System.map out of a kernel package's filesystem; this helper covers
// the tar.gz case directly with the standard library rather than the
// teacher's internal/archive package, since that package's OCI-layer
// semantics (whiteouts, layer diffs) don't apply to a plain kernel
// package tarball.
func OpenSystemMapFromArchive(r io.Reader) (io.ReadCloser, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("linuxos: open gzip stream: %w", err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			gz.Close()
			return nil, fmt.Errorf("linuxos: boot/System.map not found in archive")
		}
		if err != nil {
			gz.Close()
			return nil, fmt.Errorf("linuxos: read tar entry: %w", err)
		}
		if hdr.Name == "boot/System.map" || hasSystemMapSuffix(hdr.Name) {
			return &archiveSystemMap{tr: tr, gz: gz}, nil
		}
	}
}

func hasSystemMapSuffix(name string) bool {
	const suffix = "/System.map"
	if len(name) < len(suffix) {
		return name == "System.map"
	}
	return name[len(name)-len(suffix):] == suffix
}

// archiveSystemMap adapts a tar.Reader positioned at the System.map
// entry into an io.ReadCloser, closing the underlying gzip stream too.
type archiveSystemMap struct {
	tr *tar.Reader
	gz *gzip.Reader
}

func (a *archiveSystemMap) Read(p []byte) (int, error) {
	return a.tr.Read(p)
}

func (a *archiveSystemMap) Close() error {
	return a.gz.Close()
}
