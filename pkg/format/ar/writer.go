package ar

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"strconv"

	"github.com/pkg/errors"

	"github.com/hcyang1106/objlink/pkg/utils"
)

// WriterMember is one archive member and the global symbols it defines.
type WriterMember struct {
	Name    string
	Data    []byte
	Symbols []string
}

// index32Limit is the largest member offset a "/" index can hold. Past it
// the index is written as "/SYM64/".
var index32Limit uint64 = math.MaxUint32

// Write emits a GNU archive with a symbol index and, when a name does not
// fit the header, a "//" long name table. The index is left out when no
// member lists a symbol. Output does not depend on the time or the user.
func Write(w io.Writer, members []WriterMember) error {
	var strTab bytes.Buffer
	names := make([]string, len(members))
	for i, m := range members {
		if len(m.Name) < 16 {
			names[i] = m.Name + "/"
			continue
		}
		names[i] = "/" + strconv.Itoa(strTab.Len())
		strTab.WriteString(m.Name + "/\n")
	}

	var nsyms, symBytes int
	for _, m := range members {
		nsyms += len(m.Symbols)
		for _, s := range m.Symbols {
			symBytes += len(s) + 1
		}
	}

	offsets := memberOffsets(members, nsyms, symBytes, strTab.Len(), 4)
	width := 4
	if len(offsets) > 0 && offsets[len(offsets)-1] > index32Limit {
		width = 8
		offsets = memberOffsets(members, nsyms, symBytes, strTab.Len(), width)
	}

	word := func(b []byte, v uint64) []byte {
		if width == 8 {
			return binary.BigEndian.AppendUint64(b, v)
		}
		return binary.BigEndian.AppendUint32(b, uint32(v))
	}
	symTab := make([]byte, 0, width*(1+nsyms)+symBytes)
	symTab = word(symTab, uint64(nsyms))
	for i, m := range members {
		for range m.Symbols {
			symTab = word(symTab, offsets[i])
		}
	}
	for _, m := range members {
		for _, s := range m.Symbols {
			symTab = append(symTab, s...)
			symTab = append(symTab, 0)
		}
	}

	var out bytes.Buffer
	out.WriteString(Magic)
	if nsyms > 0 {
		name := "/"
		if width == 8 {
			name = "/SYM64/"
		}
		writeMember(&out, name, symTab)
	}
	if strTab.Len() > 0 {
		writeMember(&out, "//", strTab.Bytes())
	}
	for i, m := range members {
		writeMember(&out, names[i], m.Data)
	}
	_, err := w.Write(out.Bytes())
	return errors.Wrap(err, "failed to write archive")
}

// memberOffsets returns the header offset of every member when the index
// uses width-byte words.
func memberOffsets(members []WriterMember, nsyms, symBytes, strTabLen, width int) []uint64 {
	pos := uint64(len(Magic))
	if nsyms > 0 {
		size := uint64(width*(1+nsyms) + symBytes)
		pos += uint64(HdrSize) + size + size%2
	}
	if strTabLen > 0 {
		pos += uint64(HdrSize + strTabLen + strTabLen%2)
	}
	offsets := make([]uint64, len(members))
	for i, m := range members {
		offsets[i] = pos
		pos += uint64(HdrSize + len(m.Data) + len(m.Data)%2)
	}
	return offsets
}

func writeMember(out *bytes.Buffer, name string, data []byte) {
	hdr := make([]byte, HdrSize)
	utils.Write[Hdr](hdr, newHdr(name, len(data)))
	out.Write(hdr)
	out.Write(data)
	if len(data)%2 == 1 {
		out.WriteByte('\n')
	}
}
