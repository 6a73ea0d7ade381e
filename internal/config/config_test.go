package config

import (
	"errors"
	"testing"
)

func TestParseImageBlock(t *testing.T) {
	text := `
# a comment
winbox {
	ostype = "Windows";
	win_tasks = 0x88;
	win_pdbase = 0x28;
	win_pid = 0x180;
	domid = 42;
}

linuxbox {
	ostype = "Linux";
	sysmap = "/boot/System.map";
	linux_tasks = 0x2e8;
	linux_mm = 0x3f0;
	linux_pid = 0x3f8;
	linux_pgd = 0x28;
}
`
	doc, err := Parse(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(doc) != 2 {
		t.Fatalf("got %d entries, want 2", len(doc))
	}

	win, ok := doc["winbox"]
	if !ok {
		t.Fatal("missing winbox entry")
	}
	if win.OSType != OSWindows {
		t.Errorf("ostype = %q, want Windows", win.OSType)
	}
	if win.WinTasks != 0x88 || win.WinPDBase != 0x28 || win.WinPID != 0x180 {
		t.Errorf("windows offsets not parsed correctly: %+v", win)
	}
	if win.DomID != 42 {
		t.Errorf("domid = %d, want 42", win.DomID)
	}
	if win.Raw["win_tasks"] != "0x88" {
		t.Errorf("raw map missing verbatim win_tasks")
	}

	lin, ok := doc["linuxbox"]
	if !ok {
		t.Fatal("missing linuxbox entry")
	}
	if lin.OSType != OSLinux {
		t.Errorf("ostype = %q, want Linux", lin.OSType)
	}
	if lin.SysMap != "/boot/System.map" {
		t.Errorf("sysmap = %q", lin.SysMap)
	}
	if lin.LinuxTasks != 0x2e8 || lin.LinuxMM != 0x3f0 || lin.LinuxPID != 0x3f8 || lin.LinuxPGD != 0x28 {
		t.Errorf("linux offsets not parsed correctly: %+v", lin)
	}
}

func TestParseSyntaxError(t *testing.T) {
	_, err := Parse(`broken { missing_equals }`)
	if !errors.Is(err, ErrSyntax) {
		t.Fatalf("err = %v, want ErrSyntax", err)
	}
}

func TestParseUnterminatedString(t *testing.T) {
	_, err := Parse("box { name = \"unterminated;\n}")
	if !errors.Is(err, ErrSyntax) {
		t.Fatalf("err = %v, want ErrSyntax", err)
	}
}

func TestParseEmptyDocument(t *testing.T) {
	doc, err := Parse("  # just a comment\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(doc) != 0 {
		t.Fatalf("got %d entries, want 0", len(doc))
	}
}

// Two independent Parse calls on different text must not leak state
// between each other (spec.md §9's "no global lexer state" redesign).
func TestParseIsReentrant(t *testing.T) {
	docA, err := Parse(`a { domid = 1; }`)
	if err != nil {
		t.Fatalf("parse a: %v", err)
	}
	docB, err := Parse(`b { domid = 2; }`)
	if err != nil {
		t.Fatalf("parse b: %v", err)
	}
	if docA["a"].DomID != 1 || docB["b"].DomID != 2 {
		t.Fatalf("cross-contamination between independent parses: %+v %+v", docA, docB)
	}
	if _, ok := docA["b"]; ok {
		t.Fatalf("docA leaked docB's entry")
	}
}
