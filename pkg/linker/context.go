package linker

import (
	"github.com/go-logr/logr"

	"github.com/hcyang1106/objlink/pkg/arch"
	"github.com/hcyang1106/objlink/pkg/format"
	"github.com/hcyang1106/objlink/pkg/obj"
)

// Input is one positional command line operand. Exactly one of Path and
// Library is set; Library is the <name> of -l<name>.
type Input struct {
	Path         string `json:"path,omitempty"`
	Library      string `json:"library,omitempty"`
	WholeArchive bool   `json:"wholeArchive,omitempty"`
}

// Config holds every option of a link. The JSON names double as the keys of
// the YAML defaults file.
type Config struct {
	Output       string   `json:"output,omitempty"`
	Format       string   `json:"format,omitempty"`
	Arch         string   `json:"arch,omitempty"`
	Shared       bool     `json:"shared,omitempty"`
	Entry        string   `json:"entry,omitempty"`
	GCSections   bool     `json:"gcSections,omitempty"`
	LibraryPaths []string `json:"libraryPaths,omitempty"`
	Undefined    []string `json:"undefined,omitempty"`
	Exports      []string `json:"exports,omitempty"`
	ImageBase    *uint64  `json:"imageBase,omitempty"`
	LogLevel     string   `json:"logLevel,omitempty"`
	PrintSymbols bool     `json:"printSymbols,omitempty"`
	Inputs       []Input  `json:"-"`
}

func (c *Config) OutputKind() format.OutputKind {
	if c.Shared {
		return format.Shared
	}
	return format.Executable
}

func DefaultConfig() Config {
	return Config{
		Output: "a.out",
		Format: "elf64",
		Entry:  "_start",
	}
}

// ParseFunc turns the bytes of one relocatable object into its model.
type ParseFunc func(name string, data []byte) (*obj.Object, error)

type Context struct {
	Config Config
	Log    logr.Logger

	Arch   arch.Arch
	Writer format.Writer
	// Parse reads objects and archive members. It defaults to the format
	// registry; tests replace it to observe member extraction.
	Parse ParseFunc

	Objs     []*ObjectFile
	Archives []ArchiveReader
	Index    *ArchiveIndex
	Internal *ObjectFile
	// command line order of objects and archives
	items []linkItem

	Symbols *SymbolTable

	Sections       []*InputSection
	OutputSections []*OutputSection
	Segments       []*Segment
	Base           uint64
	Entry          uint64

	commons map[int]SectionRef
	live    []bool
}

func NewContext(cfg Config, log logr.Logger) *Context {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Context{
		Config:  cfg,
		Log:     log,
		Parse:   parseWithRegistry,
		commons: map[int]SectionRef{},
	}
}

func parseWithRegistry(name string, data []byte) (*obj.Object, error) {
	r, ok := format.Identify(data)
	if !ok {
		return nil, &UnsupportedError{Name: "input format of " + name}
	}
	return r.Parse(name, data)
}
