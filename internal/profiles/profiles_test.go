package profiles

import "testing"

func TestBuiltinLoads(t *testing.T) {
	db, err := Builtin()
	if err != nil {
		t.Fatalf("builtin: %v", err)
	}
	if db.Len() == 0 {
		t.Fatal("expected at least one builtin profile")
	}
}

func TestLookupKnownVersion(t *testing.T) {
	db, err := Builtin()
	if err != nil {
		t.Fatalf("builtin: %v", err)
	}
	p, ok := db.Lookup(0xF8) // Windows 7
	if !ok {
		t.Fatal("expected a profile for version magic 0xF8")
	}
	if p.VersionMagic != 0xF8 {
		t.Errorf("version magic = 0x%x, want 0xF8", p.VersionMagic)
	}
}

func TestLookupUnknownVersion(t *testing.T) {
	db, err := Builtin()
	if err != nil {
		t.Fatalf("builtin: %v", err)
	}
	if _, ok := db.Lookup(0xDEAD); ok {
		t.Fatal("expected no profile for an unrecognized version magic")
	}
}

func TestLoadCustomYAML(t *testing.T) {
	db, err := Load([]byte(`
- name: "custom"
  version_magic: 0xF1
  kpcr_offset: 0x10
  kdbg_offset: 0x20
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if db.Len() != 1 {
		t.Fatalf("got %d profiles, want 1", db.Len())
	}
	p, ok := db.Lookup(0xF1)
	if !ok || p.Name != "custom" || p.KPCROffset != 0x10 || p.KDBGOffset != 0x20 {
		t.Errorf("unexpected profile: %+v ok=%v", p, ok)
	}
}
