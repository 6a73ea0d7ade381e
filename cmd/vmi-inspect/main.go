// Command vmi-inspect is a minimal CLI wrapping the vmi package: open a
// physical-memory image or live guest, resolve a symbol or pid, and
// print what it read.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/vmi"
	"github.com/tinyrange/vmi/internal/config"
	"github.com/tinyrange/vmi/internal/driver"

	// Back-ends self-register with the driver factory from their
	// init() functions; the factory itself keeps the auto-selection
	// probe order (Xen, then KVM, then file), so the order of these
	// imports does not matter.
	_ "github.com/tinyrange/vmi/internal/driver/xen"
	_ "github.com/tinyrange/vmi/internal/driver/kvm"
	_ "github.com/tinyrange/vmi/internal/driver/file"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vmi-inspect: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		file    = flag.String("file", "", "path to a physical-memory image (file driver)")
		name    = flag.String("name", "", "live guest name (xen: domain name; kvm: qmp socket path; via -driver)")
		drvKind = flag.String("driver", "", "driver kind: file, xen, kvm (default: file if -file set, else auto)")
		ostype  = flag.String("ostype", "", "guest os: Linux or Windows")
		sysmap  = flag.String("sysmap", "", "path to a Linux System.map")
		confPath = flag.String("conf", "", "libvmi.conf-style config file (overrides -ostype/-sysmap for named images)")
		image   = flag.String("image", "", "image name to look up within -conf")
		ksym    = flag.String("ksym2v", "", "resolve a kernel symbol to its virtual address")
		va      = flag.Uint64("va", 0, "virtual address to read or translate")
		pa      = flag.Uint64("pa", 0, "physical address to read")
		pid     = flag.Uint64("pid", 0, "pid whose address space -va/-pid_to_dtb applies to (0 = kernel)")
		pidToDTB = flag.Bool("pid_to_dtb", false, "resolve -pid to a dtb instead of reading memory")
		length  = flag.Int("len", 16, "number of bytes to read for -va/-pa")
		str     = flag.Bool("str", false, "read a NUL-terminated string at -va instead of raw bytes")
	)
	flag.Parse()

	cfg, err := resolveConfig(*confPath, *image, config.OSType(*ostype), *sysmap)
	if err != nil {
		return err
	}

	mode := vmi.InitPartial
	if cfg.OSType != config.OSUnknown {
		mode |= vmi.InitComplete
	}

	inst, err := openInstance(*file, *name, *drvKind, mode, cfg)
	if err != nil {
		return err
	}
	defer inst.Destroy()

	slog.Info("vmi-inspect: instance ready", "state", inst.State())

	switch {
	case *ksym != "":
		v, err := inst.TranslateKsym2V(*ksym)
		if err != nil {
			return fmt.Errorf("translate_ksym2v(%q): %w", *ksym, err)
		}
		fmt.Printf("%s -> 0x%x\n", *ksym, v)

	case *pidToDTB:
		dtb, err := inst.PidToDTB(*pid)
		if err != nil {
			return fmt.Errorf("pid_to_dtb(%d): %w", *pid, err)
		}
		fmt.Printf("pid %d -> dtb 0x%x\n", *pid, dtb)

	case *str:
		s, err := inst.ReadStrVA(*va, *pid)
		if err != nil {
			return fmt.Errorf("read_str_va(0x%x, %d): %w", *va, *pid, err)
		}
		fmt.Println(s)

	case *pa != 0:
		buf, err := inst.ReadPA(*pa, *length)
		if err != nil {
			return fmt.Errorf("read_pa(0x%x, %d): %w", *pa, *length, err)
		}
		fmt.Printf("% x\n", buf)

	case *va != 0:
		buf, err := inst.ReadVA(*va, *pid, *length)
		if err != nil {
			return fmt.Errorf("read_va(0x%x, pid=%d, %d): %w", *va, *pid, *length, err)
		}
		fmt.Printf("% x\n", buf)

	default:
		flag.Usage()
		return errors.New("no operation requested")
	}

	return nil
}

// resolveConfig builds the config.Config the instance should use: either
// a named image looked up in a libvmi.conf-style file, or ad hoc flags.
func resolveConfig(confPath, image string, ostype config.OSType, sysmap string) (config.Config, error) {
	if confPath == "" {
		return config.Config{OSType: ostype, SysMap: sysmap}, nil
	}

	raw, err := os.ReadFile(confPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("read %s: %w", confPath, err)
	}
	doc, err := config.Parse(string(raw))
	if err != nil {
		return config.Config{}, fmt.Errorf("parse %s: %w", confPath, err)
	}
	if image == "" {
		return config.Config{}, fmt.Errorf("-image is required alongside -conf")
	}
	cfg, ok := doc[image]
	if !ok {
		return config.Config{}, fmt.Errorf("%w: %q in %s", config.ErrNotFound, image, confPath)
	}
	return cfg, nil
}

func openInstance(file, name, drvKind string, mode vmi.InitMode, cfg config.Config) (*vmi.Instance, error) {
	if file != "" && drvKind == "" {
		drvKind = "file"
	}

	if drvKind == "file" || file != "" {
		if file == "" {
			return nil, errors.New("-file is required for the file driver")
		}
		return vmi.OpenFile(file, mode, cfg)
	}

	kind, err := parseDriverKind(drvKind)
	if err != nil {
		return nil, err
	}

	target := driver.Target{Name: name}
	if name == "" {
		return nil, errors.New("-name is required for a live guest driver")
	}

	// A brute-force ("slow") KDBG scan can take a while against a large
	// guest; show progress when attached to an interactive terminal.
	if term.IsTerminal(int(os.Stdout.Fd())) {
		bar := progressbar.Default(-1, "locating guest")
		defer bar.Finish()
	}

	return vmi.Open(kind, target, mode, cfg)
}

func parseDriverKind(s string) (driver.Kind, error) {
	switch s {
	case "", "auto":
		return driver.KindAuto, nil
	case "xen":
		return driver.KindXen, nil
	case "kvm":
		return driver.KindKVM, nil
	case "file":
		return driver.KindFile, nil
	default:
		return "", fmt.Errorf("unknown driver kind %q", s)
	}
}
