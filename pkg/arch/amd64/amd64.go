// Package amd64 implements x86-64 ELF relocations for static images.
package amd64

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"slices"
	"strings"

	"github.com/hcyang1106/objlink/pkg/arch"
	"github.com/hcyang1106/objlink/pkg/obj"
	"github.com/hcyang1106/objlink/pkg/utils"
)

const Name = "x86_64"

const (
	pageSize    = 0x1000
	maxAlign    = 0x200000
	defaultBase = 0x400000
)

type field uint8

const (
	fieldNone field = iota
	fieldSigned
	fieldUnsigned
	fieldBitfield // accepts either a signed or an unsigned reading
	fieldAny
)

type howTo struct {
	name  string
	size  int
	pcrel bool
	check field
	bits  int
}

var howTos = map[elf.R_X86_64]howTo{
	elf.R_X86_64_NONE:  {name: "R_X86_64_NONE", check: fieldNone},
	elf.R_X86_64_64:    {name: "R_X86_64_64", size: 8, check: fieldAny, bits: 64},
	elf.R_X86_64_PC32:  {name: "R_X86_64_PC32", size: 4, pcrel: true, check: fieldSigned, bits: 32},
	elf.R_X86_64_PLT32: {name: "R_X86_64_PLT32", size: 4, pcrel: true, check: fieldSigned, bits: 32},
	elf.R_X86_64_32:    {name: "R_X86_64_32", size: 4, check: fieldUnsigned, bits: 32},
	elf.R_X86_64_32S:   {name: "R_X86_64_32S", size: 4, check: fieldSigned, bits: 32},
	elf.R_X86_64_16:    {name: "R_X86_64_16", size: 2, check: fieldBitfield, bits: 16},
	elf.R_X86_64_PC16:  {name: "R_X86_64_PC16", size: 2, pcrel: true, check: fieldSigned, bits: 16},
	elf.R_X86_64_8:     {name: "R_X86_64_8", size: 1, check: fieldBitfield, bits: 8},
	elf.R_X86_64_PC8:   {name: "R_X86_64_PC8", size: 1, pcrel: true, check: fieldSigned, bits: 8},
	elf.R_X86_64_PC64:  {name: "R_X86_64_PC64", size: 8, pcrel: true, check: fieldAny, bits: 64},
}

type Arch struct{}

func init() {
	arch.Register(Arch{})
}

func (Arch) Name() string { return Name }
func (Arch) ELFMachine() elf.Machine { return elf.EM_X86_64 }
func (Arch) ByteOrder() binary.ByteOrder { return binary.LittleEndian }
func (Arch) PageSize() uint64 { return pageSize }
func (Arch) MaxAlign() uint64 { return maxAlign }
func (Arch) DefaultBase() uint64 { return defaultBase }

func (Arch) RelocKinds() []obj.RelocKind {
	kinds := make([]obj.RelocKind, 0, len(howTos))
	for k := range howTos {
		kinds = append(kinds, obj.RelocKind(k))
	}
	slices.Sort(kinds)
	return kinds
}

func (Arch) RelocName(kind obj.RelocKind) string {
	if h, ok := howTos[elf.R_X86_64(kind)]; ok {
		return h.name
	}
	// named by debug/elf but without an implementation here
	if name := elf.R_X86_64(kind).String(); strings.HasPrefix(name, "R_") {
		return name
	}
	return fmt.Sprintf("R_X86_64(%d)", uint32(kind))
}

func (Arch) RelocSize(kind obj.RelocKind) int {
	return howTos[elf.R_X86_64(kind)].size
}

func (a Arch) Apply(kind obj.RelocKind, site []byte, S, A, P uint64) error {
	h, ok := howTos[elf.R_X86_64(kind)]
	if !ok {
		return arch.Unsupported(a.RelocName(kind))
	}
	if h.size == 0 {
		return nil
	}
	if len(site) < h.size {
		return arch.Overflow(h.name, int64(len(site)), h.size*8)
	}

	val := S + A
	if h.pcrel {
		val -= P
	}

	switch h.check {
	case fieldSigned:
		if !utils.FitsSigned(int64(val), h.bits) {
			return arch.Overflow(h.name, int64(val), h.bits)
		}
	case fieldUnsigned:
		if !utils.FitsUnsigned(val, h.bits) {
			return arch.Overflow(h.name, int64(val), h.bits)
		}
	case fieldBitfield:
		if !utils.FitsSigned(int64(val), h.bits) && !utils.FitsUnsigned(val, h.bits) {
			return arch.Overflow(h.name, int64(val), h.bits)
		}
	}

	switch h.size {
	case 1:
		site[0] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(site, uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(site, uint32(val))
	case 8:
		binary.LittleEndian.PutUint64(site, val)
	}
	return nil
}
