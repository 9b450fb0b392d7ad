package ar

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unsafe"
)

const Magic = "!<arch>\n"

const HdrSize = int(unsafe.Sizeof(Hdr{}))

type Hdr struct {
	Name [16]byte
	Date [12]byte
	Uid  [6]byte
	Gid  [6]byte
	Mode [8]byte
	Size [10]byte
	Fmag [2]byte
}

func (a *Hdr) HasPrefix(s string) bool {
	return strings.HasPrefix(string(a.Name[:]), s)
}

func (a *Hdr) IsStrTab() bool {
	return a.HasPrefix("// ")
}

func (a *Hdr) IsSymtab() bool {
	return a.HasPrefix("/ ") || a.IsSymtab64()
}

func (a *Hdr) IsSymtab64() bool {
	return a.HasPrefix("/SYM64/ ")
}

// IsBSDSymdef matches the ranlib index BSD tools write instead of "/".
func (a *Hdr) IsBSDSymdef() bool {
	return a.HasPrefix("__.SYMDEF")
}

func (a *Hdr) GetSize() (int, error) {
	if string(a.Fmag[:]) != "`\n" {
		return 0, corrupt("bad member header terminator %q", a.Fmag[:])
	}
	size, err := strconv.Atoi(strings.TrimSpace(string(a.Size[:])))
	if err != nil || size < 0 {
		return 0, corrupt("bad member size %q", a.Size[:])
	}
	return size, nil
}

// ReadName decodes short names ("foo.o/") and GNU long names ("/123"),
// which index into the "//" table.
func (a *Hdr) ReadName(strTab []byte) (string, error) {
	if a.HasPrefix("/") {
		start, err := strconv.Atoi(strings.TrimSpace(string(a.Name[1:])))
		if err != nil || start >= len(strTab) {
			return "", corrupt("bad long name reference %q", a.Name[:])
		}
		end := bytes.Index(strTab[start:], []byte("/\n"))
		if end < 0 {
			return "", corrupt("unterminated long name at %d", start)
		}
		return string(strTab[start : start+end]), nil
	}
	if end := bytes.IndexByte(a.Name[:], '/'); end >= 0 {
		return string(a.Name[:end]), nil
	}
	// BSD style names are space padded without a terminator
	return strings.TrimRight(string(a.Name[:]), " "), nil
}

func newHdr(name string, size int) Hdr {
	var h Hdr
	fill := func(dst []byte, s string) {
		for i := range dst {
			dst[i] = ' '
		}
		copy(dst, s)
	}
	fill(h.Name[:], name)
	fill(h.Date[:], "0")
	fill(h.Uid[:], "0")
	fill(h.Gid[:], "0")
	fill(h.Mode[:], "644")
	fill(h.Size[:], fmt.Sprint(size))
	copy(h.Fmag[:], "`\n")
	return h
}
