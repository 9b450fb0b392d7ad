// Package format defines the boundary between the linker and concrete
// binary formats: readers turn bytes into obj.Object, writers turn a laid
// out Image into bytes.
package format

import (
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/hcyang1106/objlink/pkg/arch"
	"github.com/hcyang1106/objlink/pkg/obj"
)

var ErrUnsupported = errors.New("unsupported format")

type OutputKind uint8

const (
	Executable OutputKind = iota
	Shared
)

func (k OutputKind) String() string {
	if k == Shared {
		return "shared"
	}
	return "executable"
}

type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

func (p Perm) String() string {
	s := []byte("---")
	if p&PermRead != 0 {
		s[0] = 'r'
	}
	if p&PermWrite != 0 {
		s[1] = 'w'
	}
	if p&PermExec != 0 {
		s[2] = 'x'
	}
	return string(s)
}

// Section is an output section with its final placement. Data is nil for
// zero-fill sections.
type Section struct {
	Name   string
	Kind   obj.SectionKind
	Addr   uint64
	Offset uint64
	Size   uint64
	Align  uint64
	Data   []byte
}

// Segment is a loadable range. Sections index into Image.Sections.
type Segment struct {
	Perm     Perm
	Vaddr    uint64
	Memsz    uint64
	Offset   uint64
	Filesz   uint64
	Align    uint64
	Sections []int
}

type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
	// Section indexes Image.Sections, or is -1 for absolute symbols.
	Section    int
	Binding    obj.Binding
	Type       obj.SymbolType
	Visibility obj.Visibility
}

type Image struct {
	Arch     arch.Arch
	Kind     OutputKind
	Entry    uint64
	Base     uint64
	Sections []Section
	Segments []Segment
	Symbols  []Symbol
}

// FileSize is the end of the last byte backed by the file.
func (img *Image) FileSize() uint64 {
	var end uint64
	for _, seg := range img.Segments {
		end = max(end, seg.Offset+seg.Filesz)
	}
	return end
}

type Reader interface {
	Name() string
	Identify(data []byte) bool
	Parse(name string, data []byte) (*obj.Object, error)
}

type Writer interface {
	Name() string
	// HeaderSize is the number of bytes reserved at file offset 0 of the
	// first segment for an image with nsegments segments.
	HeaderSize(nsegments int) uint64
	Emit(w io.Writer, img *Image) error
}

var (
	mu      sync.RWMutex
	readers []Reader
	writers = map[string]Writer{}
)

func RegisterReader(r Reader) {
	mu.Lock()
	defer mu.Unlock()
	readers = append(readers, r)
}

func RegisterWriter(w Writer) {
	mu.Lock()
	defer mu.Unlock()
	writers[w.Name()] = w
}

func LookupWriter(name string) (Writer, error) {
	mu.RLock()
	defer mu.RUnlock()
	if w, ok := writers[name]; ok {
		return w, nil
	}
	return nil, errors.Wrap(ErrUnsupported, name)
}

// Identify returns the first registered reader that recognises data.
func Identify(data []byte) (Reader, bool) {
	mu.RLock()
	defer mu.RUnlock()
	for _, r := range readers {
		if r.Identify(data) {
			return r, true
		}
	}
	return nil, false
}

func WriterNames() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(writers))
	for name := range writers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func ReaderNames() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(readers))
	for _, r := range readers {
		names = append(names, r.Name())
	}
	sort.Strings(names)
	return names
}
