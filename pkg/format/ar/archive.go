// Package ar reads and writes System V / GNU static archives. Reading only
// walks member headers; member contents are handed out on request.
package ar

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/hcyang1106/objlink/pkg/utils"
)

var ErrNoIndex = errors.New("archive has no symbol index")

// CorruptError reports a structurally invalid archive.
type CorruptError struct {
	Detail string
}

func (e *CorruptError) Error() string {
	return "corrupt archive: " + e.Detail
}

func corrupt(format string, args ...any) error {
	return &CorruptError{Detail: fmt.Sprintf(format, args...)}
}

// Locator identifies a member by the file offset of its header.
type Locator struct {
	Offset uint64
}

type Member struct {
	Name   string
	Offset uint64
	Data   []byte
}

type Archive struct {
	Path     string
	data     []byte
	members  []Member
	byOffset map[uint64]int
	index    map[string]Locator
	hasIndex bool
}

func IsArchive(data []byte) bool {
	return bytes.HasPrefix(data, []byte(Magic))
}

func Parse(path string, data []byte) (*Archive, error) {
	if !IsArchive(data) {
		return nil, corrupt("missing %q magic", Magic)
	}
	a := &Archive{
		Path:     path,
		data:     data,
		byOffset: map[uint64]int{},
		index:    map[string]Locator{},
	}

	var strTab, symTab []byte
	var sym64 bool
	pos := len(Magic)
	for len(data)-pos > 1 {
		if pos%2 == 1 {
			pos++
		}
		if len(data)-pos < HdrSize {
			return nil, corrupt("truncated member header at %d", pos)
		}
		hdr, err := utils.Read[Hdr](data[pos:])
		if err != nil {
			return nil, errors.Wrap(err, "failed to read member header")
		}
		size, err := hdr.GetSize()
		if err != nil {
			return nil, err
		}
		start := pos + HdrSize
		if start+size > len(data) {
			return nil, corrupt("member at %d runs past end of file", pos)
		}
		contents := data[start : start+size]
		offset := uint64(pos)
		pos = start + size

		switch {
		case hdr.IsSymtab():
			symTab, sym64 = contents, hdr.IsSymtab64()
			continue
		case hdr.IsStrTab():
			strTab = contents
			continue
		case hdr.IsBSDSymdef():
			continue
		}

		name, err := hdr.ReadName(strTab)
		if err != nil {
			return nil, err
		}
		a.byOffset[offset] = len(a.members)
		a.members = append(a.members, Member{Name: name, Offset: offset, Data: contents})
	}

	if symTab != nil {
		if err := a.readIndex(symTab, sym64); err != nil {
			return nil, err
		}
		a.hasIndex = true
	}
	return a, nil
}

// readIndex decodes the GNU symbol table: a big-endian count, that many
// member header offsets, then the NUL-terminated names in the same order.
func (a *Archive) readIndex(tab []byte, sym64 bool) error {
	width := 4
	if sym64 {
		width = 8
	}
	word := func(b []byte) uint64 {
		if sym64 {
			return binary.BigEndian.Uint64(b)
		}
		return uint64(binary.BigEndian.Uint32(b))
	}

	if len(tab) < width {
		return corrupt("symbol index too short")
	}
	count := word(tab)
	tab = tab[width:]
	if count > uint64(len(tab)/width) {
		return corrupt("symbol index claims %d entries", count)
	}
	offsets := make([]uint64, count)
	for i := range offsets {
		offsets[i] = word(tab[i*width:])
	}
	names := tab[int(count)*width:]

	for _, off := range offsets {
		end := bytes.IndexByte(names, 0)
		if end < 0 {
			return corrupt("symbol index name table is truncated")
		}
		name := string(names[:end])
		names = names[end+1:]
		if _, ok := a.byOffset[off]; !ok {
			return corrupt("symbol %q points at %d, which is not a member", name, off)
		}
		if _, dup := a.index[name]; !dup {
			a.index[name] = Locator{Offset: off}
		}
	}
	return nil
}

func (a *Archive) Name() string {
	return a.Path
}

func (a *Archive) Members() []Member {
	return a.members
}

// Index returns the symbol name to member map. When a name is listed more
// than once the first member wins.
func (a *Archive) Index() (map[string]Locator, error) {
	if !a.hasIndex {
		return nil, ErrNoIndex
	}
	return a.index, nil
}

func (a *Archive) Extract(loc Locator) (string, []byte, error) {
	i, ok := a.byOffset[loc.Offset]
	if !ok {
		return "", nil, corrupt("no member at offset %d", loc.Offset)
	}
	m := a.members[i]
	return m.Name, m.Data, nil
}
