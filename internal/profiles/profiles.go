// Package profiles restores a feature the distilled spec dropped but
// the original libvmi carried: a built-in table of per-Windows-version
// kpcr_offset/kdbg_offset presets, so a kernel whose profile carries
// real offsets can boot via the "instant" KDBG strategy without
// scanning memory. The embedded profiles.yaml entries carry zero
// placeholder offsets, so on their own they do not enable the instant
// strategy. Grounded on
// internal/bundle/bundle.go's use of gopkg.in/yaml.v3 for structured
// on-disk config.
package profiles

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var builtinYAML []byte

// Profile bundles the offsets needed to skip KDBG discovery for one
// known Windows kernel build.
type Profile struct {
	Name        string `yaml:"name"`
	VersionMagic uint16 `yaml:"version_magic"`
	KPCROffset  uint64 `yaml:"kpcr_offset"`
	KDBGOffset  uint64 `yaml:"kdbg_offset"`
}

// Database is a loaded set of profiles, keyed by VersionMagic. Multiple
// profiles may share a version magic (different service packs); Lookup
// returns the first match, mirroring the original table's
// first-match-wins scan.
type Database struct {
	profiles []Profile
}

// Load parses profile YAML text into a Database.
func Load(raw []byte) (*Database, error) {
	var list []Profile
	if err := yaml.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("profiles: parse yaml: %w", err)
	}
	return &Database{profiles: list}, nil
}

// Builtin returns the Database embedded in the binary.
func Builtin() (*Database, error) {
	return Load(builtinYAML)
}

// Lookup finds a profile for the given Windows version magic.
func (d *Database) Lookup(versionMagic uint16) (Profile, bool) {
	for _, p := range d.profiles {
		if p.VersionMagic == versionMagic {
			return p, true
		}
	}
	return Profile{}, false
}

// Len reports how many profiles are loaded.
func (d *Database) Len() int {
	return len(d.profiles)
}
