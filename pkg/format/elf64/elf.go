// Package elf64 reads little-endian ELF64 relocatable objects and writes
// statically laid out executables and shared objects.
package elf64

import (
	"bytes"
	"debug/elf"
	"unsafe"
)

const Name = "elf64"

const (
	EhdrSize = int(unsafe.Sizeof(Ehdr{}))
	ShdrSize = int(unsafe.Sizeof(Shdr{}))
	SymSize  = int(unsafe.Sizeof(Sym{}))
	PhdrSize = int(unsafe.Sizeof(Phdr{}))
	RelaSize = int(unsafe.Sizeof(Rela{}))
)

type Ehdr struct {
	Ident     [16]uint8
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	ShOff     uint64
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrndx  uint16
}

type Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

type Phdr struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	VAddr    uint64
	PAddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

type Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Val   uint64
	Size  uint64
}

func (s *Sym) Bind() elf.SymBind {
	return elf.ST_BIND(s.Info)
}

func (s *Sym) Type() elf.SymType {
	return elf.ST_TYPE(s.Info)
}

// GetShndx resolves SHN_XINDEX through the SHT_SYMTAB_SHNDX table.
func (s *Sym) GetShndx(table []uint32, idx int) uint32 {
	if elf.SectionIndex(s.Shndx) != elf.SHN_XINDEX {
		return uint32(s.Shndx)
	}
	if idx < len(table) {
		return table[idx]
	}
	return 0
}

func (s *Sym) IsAbs() bool {
	return s.Shndx == uint16(elf.SHN_ABS)
}

func (s *Sym) IsUndef() bool {
	return s.Shndx == uint16(elf.SHN_UNDEF)
}

func (s *Sym) IsCommon() bool {
	return s.Shndx == uint16(elf.SHN_COMMON)
}

type Rela struct {
	Offset uint64
	Info   uint64
	Addend int64
}

func (r *Rela) Sym() uint32 {
	return uint32(r.Info >> 32)
}

func (r *Rela) Type() uint32 {
	return uint32(r.Info)
}

func ElfGetName(strTab []byte, offset uint32) string {
	if int(offset) >= len(strTab) {
		return ""
	}
	length := bytes.IndexByte(strTab[offset:], 0)
	if length < 0 {
		return string(strTab[offset:])
	}
	return string(strTab[offset : int(offset)+length])
}

// strTab accumulates a NUL separated string table starting with the empty name.
type strTab struct {
	buf     bytes.Buffer
	offsets map[string]uint32
}

func newStrTab() *strTab {
	t := &strTab{offsets: map[string]uint32{}}
	t.buf.WriteByte(0)
	t.offsets[""] = 0
	return t
}

func (t *strTab) add(s string) uint32 {
	if off, ok := t.offsets[s]; ok {
		return off
	}
	off := uint32(t.buf.Len())
	t.buf.WriteString(s)
	t.buf.WriteByte(0)
	t.offsets[s] = off
	return off
}

func (t *strTab) bytes() []byte {
	return t.buf.Bytes()
}

func WriteMagic(dst []byte) {
	copy(dst, elf.ELFMAG)
}

func CheckMagic(content []byte) bool {
	return bytes.HasPrefix(content, []byte(elf.ELFMAG))
}
