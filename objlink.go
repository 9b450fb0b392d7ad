package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/davecgh/go-spew/spew"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hcyang1106/objlink/pkg/arch"
	_ "github.com/hcyang1106/objlink/pkg/arch/amd64"
	_ "github.com/hcyang1106/objlink/pkg/arch/riscv64"
	"github.com/hcyang1106/objlink/pkg/format"
	"github.com/hcyang1106/objlink/pkg/format/ar"
	_ "github.com/hcyang1106/objlink/pkg/format/elf64"
	_ "github.com/hcyang1106/objlink/pkg/format/raw"
	"github.com/hcyang1106/objlink/pkg/linker"
)

var version = "0.3.0"

const (
	exitOK = iota
	exitLink
	exitUsage
	exitInput
)

// outputError marks a failure to write the result, reported like an
// unreadable input.
type outputError struct {
	err error
}

func (e *outputError) Error() string { return e.err.Error() }
func (e *outputError) Unwrap() error { return e.err }

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	err := newApp(stdout, stderr).Run(withDefaultCommand(args))
	return exitCode(err, stderr)
}

func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return exitOK
	}
	var usage *usageError
	if errors.As(err, &usage) {
		fmt.Fprintf(stderr, "objlink: %s\n", usage.msg)
		return exitUsage
	}
	for _, line := range linker.Diagnostics(err) {
		fmt.Fprintln(stderr, line)
	}
	var out *outputError
	if linker.IsInputError(err) || errors.As(err, &out) {
		return exitInput
	}
	return exitLink
}

var commands = []string{"link", "archive", "targets", "help", "h"}

// withDefaultCommand makes "objlink a.o b.o" mean "objlink link a.o b.o".
func withDefaultCommand(args []string) []string {
	if len(args) < 2 {
		return args
	}
	switch first := args[1]; {
	case slices.Contains(commands, first):
		return args
	case first == "--version" || first == "-v":
		return args
	case (first == "--help" || first == "-h") && len(args) == 2:
		return args
	}
	return append([]string{args[0], "link"}, args[1:]...)
}

func newApp(stdout, stderr io.Writer) *cli.App {
	cli.VersionPrinter = printVersion
	return &cli.App{
		Name:      "objlink",
		Usage:     "link relocatable objects and static archives",
		Version:   semver.MustParse(version).String(),
		Writer:    stdout,
		ErrWriter: stderr,
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return usagef("%v", err)
		},
		// exit codes are decided by run
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			linkCommand(),
			archiveCommand(),
			targetsCommand(),
		},
	}
}

func printVersion(c *cli.Context) {
	fmt.Fprintf(c.App.Writer, "%s %s\n", c.App.Name, c.App.Version)
	fmt.Fprintf(c.App.Writer, "formats: %s\n", strings.Join(format.WriterNames(), " "))
	fmt.Fprintf(c.App.Writer, "architectures: %s\n", strings.Join(arch.Names(), " "))
}

const linkUsage = `objlink [link] [options] inputs...

  -o <path>                       output file (default a.out)
  --format=<name>                 output format
  --arch=<name>                   target architecture (default: from the first object)
  --target=<profile>              start from a named target profile
  --shared | --static             output kind
  -e <symbol>                     entry symbol (default _start)
  --gc-sections                   drop sections unreachable from the roots
  --whole-archive                 link every member of the archives that follow
  -L <dir>, -l<name>              search for lib<name>.a
  -u <symbol>                     force an undefined reference
  --export <symbol>               export a symbol and keep it alive
  --image-base=<addr>             load address
  --config <file>                 YAML file with default options
  --log-level=<debug|info|error>
  --print-symbols                 dump the resolved symbol table to stderr
`

func linkCommand() *cli.Command {
	return &cli.Command{
		Name:            "link",
		Usage:           "link objects and archives into an executable or shared image",
		UsageText:       linkUsage,
		SkipFlagParsing: true,
		Action: func(c *cli.Context) error {
			cfg, help, err := parseLinkArgs(c.Args().Slice())
			if err != nil {
				return err
			}
			if help {
				fmt.Fprint(c.App.Writer, linkUsage)
				return nil
			}
			return link(cfg, newLogger(cfg.LogLevel, c.App.ErrWriter), c.App.ErrWriter)
		},
	}
}

func newLogger(level string, w io.Writer) logr.Logger {
	lvl := zapcore.InfoLevel
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	core := zapcore.NewCore(enc, zapcore.AddSync(w), lvl)
	return zapr.NewLogger(zap.New(core)).WithName("objlink")
}

func link(cfg linker.Config, log logr.Logger, stderr io.Writer) error {
	ctx := linker.NewContext(cfg, log)
	if err := linker.LoadInputs(ctx); err != nil {
		return err
	}
	img, err := linker.Link(ctx)
	if err != nil {
		return err
	}
	if cfg.PrintSymbols {
		dumper := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, SortKeys: true}
		dumper.Fdump(stderr, ctx.Symbols.Symbols())
	}

	mode := os.FileMode(0o755)
	if cfg.Format == "binary" {
		mode = 0o644
	}
	return writeFile(cfg.Output, mode, func(w io.Writer) error {
		return linker.Emit(ctx, w, img)
	})
}

// writeFile writes through a temporary file next to path and renames it
// into place, so a failed write leaves no output behind.
func writeFile(path string, mode os.FileMode, write func(io.Writer) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return &outputError{err: errors.Wrap(err, "failed to create output")}
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	if err := write(w); err != nil {
		return &outputError{err: err}
	}
	if err := w.Flush(); err != nil {
		return &outputError{err: errors.Wrap(err, "failed to write output")}
	}
	if err := tmp.Chmod(mode); err != nil {
		return &outputError{err: errors.Wrap(err, "failed to set output mode")}
	}
	if err := tmp.Close(); err != nil {
		return &outputError{err: errors.Wrap(err, "failed to close output")}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return &outputError{err: errors.Wrapf(err, "failed to move output to %s", path)}
	}
	return nil
}

func archiveCommand() *cli.Command {
	return &cli.Command{
		Name:      "archive",
		Usage:     "write a static archive with a symbol index",
		ArgsUsage: "members...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "archive path"},
		},
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return usagef("%v", err)
		},
		Action: func(c *cli.Context) error {
			if c.String("output") == "" {
				return usagef("archive: -o is required")
			}
			if c.NArg() == 0 {
				return usagef("archive: no members")
			}
			members, err := archiveMembers(c.Args().Slice())
			if err != nil {
				return err
			}
			return writeFile(c.String("output"), 0o644, func(w io.Writer) error {
				return ar.Write(w, members)
			})
		},
	}
}

// archiveMembers reads each file and lists the global symbols it defines.
// Files no reader recognises are stored without symbols.
func archiveMembers(paths []string) ([]ar.WriterMember, error) {
	var members []ar.WriterMember
	for _, path := range paths {
		file, err := linker.NewFile(path)
		if err != nil {
			return nil, err
		}
		m := ar.WriterMember{Name: filepath.Base(path), Data: file.Content}
		if r, ok := format.Identify(file.Content); ok {
			o, err := r.Parse(path, file.Content)
			if err != nil {
				return nil, &linker.ParseError{Path: path, Err: err}
			}
			m.Symbols = linker.DefinedNames(o)
		}
		members = append(members, m)
	}
	return members, nil
}

func targetsCommand() *cli.Command {
	return &cli.Command{
		Name:  "targets",
		Usage: "list output formats, input formats, architectures and target profiles",
		Action: func(c *cli.Context) error {
			w := c.App.Writer
			fmt.Fprintf(w, "output formats: %s\n", strings.Join(format.WriterNames(), " "))
			fmt.Fprintf(w, "input formats: %s\n", strings.Join(format.ReaderNames(), " "))
			fmt.Fprintf(w, "architectures: %s\n", strings.Join(arch.Names(), " "))
			names := make([]string, 0, len(profiles))
			for name := range profiles {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Fprintf(w, "profiles: %s\n", strings.Join(names, " "))
			return nil
		},
	}
}
