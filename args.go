package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/copystructure"
	"sigs.k8s.io/yaml"

	"github.com/hcyang1106/objlink/pkg/arch"
	"github.com/hcyang1106/objlink/pkg/format"
	"github.com/hcyang1106/objlink/pkg/linker"
	"github.com/hcyang1106/objlink/pkg/utils"
)

type usageError struct {
	msg string
}

func (e *usageError) Error() string {
	return e.msg
}

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func ptr[T any](v T) *T {
	return &v
}

// profiles are named starting points for a link, selected with --target.
var profiles = map[string]linker.Config{
	"x86_64-elf": {
		Output: "a.out",
		Format: "elf64",
		Arch:   "x86_64",
		Entry:  "_start",
	},
	"riscv64-elf": {
		Output: "a.out",
		Format: "elf64",
		Arch:   "riscv64",
		Entry:  "_start",
	},
	"x86_64-flat": {
		Output:     "a.bin",
		Format:     "binary",
		Arch:       "x86_64",
		Entry:      "_start",
		GCSections: true,
		ImageBase:  ptr[uint64](0x100000),
	},
}

func profile(name string) (linker.Config, error) {
	p, ok := profiles[name]
	if !ok {
		return linker.Config{}, usagef("unknown target %q", name)
	}
	// the registry entry must not share ImageBase or slices with the link
	clone, err := copystructure.Copy(p)
	if err != nil {
		return linker.Config{}, err
	}
	return clone.(linker.Config), nil
}

// baseConfig applies --target and --config ahead of every other option, so
// the command line always overrides them regardless of position.
func baseConfig(args []string) (linker.Config, error) {
	cfg := linker.DefaultConfig()
	var target, file string
	for i := 0; i < len(args); i++ {
		for _, opt := range []struct {
			name string
			dst  *string
		}{{"target", &target}, {"config", &file}} {
			if v, ok := strings.CutPrefix(args[i], "--"+opt.name+"="); ok {
				*opt.dst = v
			} else if args[i] == "--"+opt.name && i+1 < len(args) {
				*opt.dst = args[i+1]
			}
		}
	}

	if target != "" {
		var err error
		if cfg, err = profile(target); err != nil {
			return cfg, err
		}
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return cfg, &linker.ParseError{Path: file, Err: err}
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return cfg, &linker.ParseError{Path: file, Err: err}
		}
	}
	return cfg, nil
}

// parseLinkArgs scans the link command line in order. Options that affect
// the inputs after them, like --whole-archive, only work this way, which is
// why the link command leaves flag parsing to this scanner.
func parseLinkArgs(args []string) (cfg linker.Config, help bool, err error) {
	if cfg, err = baseConfig(args); err != nil {
		return cfg, false, err
	}

	wholeArchive := false
	arg := ""
	readArg := func(name string) bool {
		for _, opt := range utils.AddDashes(name) {
			if args[0] == opt {
				if len(args) == 1 {
					err = usagef("option %s: argument missing", opt)
					args = args[1:]
					return true
				}
				arg = args[1]
				args = args[2:]
				return true
			}

			prefix := opt
			if len(name) > 1 {
				prefix += "="
			}
			if strings.HasPrefix(args[0], prefix) {
				arg = args[0][len(prefix):]
				args = args[1:]
				return true
			}
		}
		return false
	}
	readFlag := func(name string) bool {
		for _, opt := range utils.AddDashes(name) {
			if args[0] == opt {
				args = args[1:]
				return true
			}
		}
		return false
	}

	for len(args) > 0 && err == nil {
		switch {
		case readFlag("help") || readFlag("h"):
			return cfg, true, nil
		case readArg("output") || readArg("o"):
			cfg.Output = arg
		case readArg("format"):
			cfg.Format = arg
		case readArg("arch") || readArg("m"):
			cfg.Arch = arg
		case readFlag("shared"):
			cfg.Shared = true
		case readFlag("static"):
			cfg.Shared = false
		case readArg("export-dynamic-symbol") || readArg("export"):
			cfg.Exports = append(cfg.Exports, arg)
		case readArg("entry") || readArg("e"):
			cfg.Entry = arg
		case readFlag("gc-sections"):
			cfg.GCSections = true
		case readFlag("no-gc-sections"):
			cfg.GCSections = false
		case readFlag("whole-archive"):
			wholeArchive = true
		case readFlag("no-whole-archive"):
			wholeArchive = false
		case readArg("library-path") || readArg("L"):
			cfg.LibraryPaths = append(cfg.LibraryPaths, filepath.Clean(arg))
		case readArg("library") || readArg("l"):
			cfg.Inputs = append(cfg.Inputs, linker.Input{Library: arg, WholeArchive: wholeArchive})
		case readArg("undefined") || readArg("u"):
			cfg.Undefined = append(cfg.Undefined, arg)
		case readArg("image-base"):
			base, perr := strconv.ParseUint(arg, 0, 64)
			if perr != nil {
				err = usagef("invalid --image-base %q", arg)
				break
			}
			cfg.ImageBase = &base
		case readArg("log-level"):
			cfg.LogLevel = arg
		case readFlag("print-symbols"):
			cfg.PrintSymbols = true
		case readArg("config") || readArg("target"):
			// applied by baseConfig
		case readFlag("start-group") || readFlag("end-group") || readFlag("(") || readFlag(")"):
			// archives are searched until no member is extracted, groups add nothing
		default:
			if strings.HasPrefix(args[0], "-") && args[0] != "-" {
				return cfg, false, usagef("unknown command line option: %s", args[0])
			}
			cfg.Inputs = append(cfg.Inputs, linker.Input{Path: args[0], WholeArchive: wholeArchive})
			args = args[1:]
		}
	}
	if err != nil {
		return cfg, false, err
	}
	return cfg, false, validate(&cfg)
}

func validate(cfg *linker.Config) error {
	if len(cfg.Inputs) == 0 {
		return usagef("no input files")
	}
	if _, err := format.LookupWriter(cfg.Format); err != nil {
		return usagef("unknown output format %q, see 'objlink targets'", cfg.Format)
	}
	if cfg.Arch != "" {
		if _, err := arch.Lookup(cfg.Arch); err != nil {
			return usagef("unknown architecture %q, see 'objlink targets'", cfg.Arch)
		}
	}
	switch cfg.LogLevel {
	case "", "debug", "info", "error":
	default:
		return usagef("invalid --log-level %q, want debug, info or error", cfg.LogLevel)
	}
	return nil
}
