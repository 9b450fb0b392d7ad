// Package riscv64 implements RV64 ELF relocations, including the
// %pcrel_hi/%pcrel_lo pairs whose low half reads its value from another site.
package riscv64

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

const Name = "riscv64"

const (
	pageSize    = 0x1000
	maxAlign    = 0x10000
	defaultBase = 0x10000
)

var le = binary.LittleEndian

var names = map[elf.R_RISCV]string{
	elf.R_RISCV_NONE:         "R_RISCV_NONE",
	elf.R_RISCV_32:           "R_RISCV_32",
	elf.R_RISCV_64:           "R_RISCV_64",
	elf.R_RISCV_BRANCH:       "R_RISCV_BRANCH",
	elf.R_RISCV_JAL:          "R_RISCV_JAL",
	elf.R_RISCV_CALL:         "R_RISCV_CALL",
	elf.R_RISCV_CALL_PLT:     "R_RISCV_CALL_PLT",
	elf.R_RISCV_PCREL_HI20:   "R_RISCV_PCREL_HI20",
	elf.R_RISCV_PCREL_LO12_I: "R_RISCV_PCREL_LO12_I",
	elf.R_RISCV_PCREL_LO12_S: "R_RISCV_PCREL_LO12_S",
	elf.R_RISCV_HI20:         "R_RISCV_HI20",
	elf.R_RISCV_LO12_I:       "R_RISCV_LO12_I",
	elf.R_RISCV_LO12_S:       "R_RISCV_LO12_S",
	elf.R_RISCV_ADD8:         "R_RISCV_ADD8",
	elf.R_RISCV_ADD16:        "R_RISCV_ADD16",
	elf.R_RISCV_ADD32:        "R_RISCV_ADD32",
	elf.R_RISCV_ADD64:        "R_RISCV_ADD64",
	elf.R_RISCV_SUB8:         "R_RISCV_SUB8",
	elf.R_RISCV_SUB16:        "R_RISCV_SUB16",
	elf.R_RISCV_SUB32:        "R_RISCV_SUB32",
	elf.R_RISCV_SUB64:        "R_RISCV_SUB64",
	elf.R_RISCV_SUB6:         "R_RISCV_SUB6",
	elf.R_RISCV_SET6:         "R_RISCV_SET6",
	elf.R_RISCV_SET8:         "R_RISCV_SET8",
	elf.R_RISCV_SET16:        "R_RISCV_SET16",
	elf.R_RISCV_SET32:        "R_RISCV_SET32",
	elf.R_RISCV_32_PCREL:     "R_RISCV_32_PCREL",
	elf.R_RISCV_RVC_BRANCH:   "R_RISCV_RVC_BRANCH",
	elf.R_RISCV_RVC_JUMP:     "R_RISCV_RVC_JUMP",
	elf.R_RISCV_ALIGN:        "R_RISCV_ALIGN",
	elf.R_RISCV_RELAX:        "R_RISCV_RELAX",
}

type Arch struct{}

func init() {
	arch.Register(Arch{})
}

func (Arch) Name() string { return Name }
func (Arch) ELFMachine() elf.Machine { return elf.EM_RISCV }
func (Arch) ByteOrder() binary.ByteOrder { return binary.LittleEndian }
func (Arch) PageSize() uint64 { return pageSize }
func (Arch) MaxAlign() uint64 { return maxAlign }
func (Arch) DefaultBase() uint64 { return defaultBase }

func (Arch) RelocKinds() []obj.RelocKind {
	kinds := make([]obj.RelocKind, 0, len(names))
	for k := range names {
		kinds = append(kinds, obj.RelocKind(k))
	}
	slices.Sort(kinds)
	return kinds
}

func (Arch) RelocName(kind obj.RelocKind) string {
	if n, ok := names[elf.R_RISCV(kind)]; ok {
		return n
	}
	// named by debug/elf but without an implementation here
	if name := elf.R_RISCV(kind).String(); strings.HasPrefix(name, "R_") {
		return name
	}
	return fmt.Sprintf("R_RISCV(%d)", uint32(kind))
}

func (Arch) RelocSize(kind obj.RelocKind) int {
	switch elf.R_RISCV(kind) {
	case elf.R_RISCV_64, elf.R_RISCV_ADD64, elf.R_RISCV_SUB64, elf.R_RISCV_CALL, elf.R_RISCV_CALL_PLT:
		return 8
	case elf.R_RISCV_ADD8, elf.R_RISCV_SUB8, elf.R_RISCV_SUB6, elf.R_RISCV_SET6, elf.R_RISCV_SET8:
		return 1
	case elf.R_RISCV_ADD16, elf.R_RISCV_SUB16, elf.R_RISCV_SET16,
		elf.R_RISCV_RVC_BRANCH, elf.R_RISCV_RVC_JUMP:
		return 2
	case elf.R_RISCV_NONE, elf.R_RISCV_ALIGN, elf.R_RISCV_RELAX:
		return 0
	}
	if _, ok := names[elf.R_RISCV(kind)]; ok {
		return 4
	}
	return 0
}

// IsPairHigh reports kinds whose computed S+A-P is consumed by a low part.
func (Arch) IsPairHigh(kind obj.RelocKind) bool {
	return elf.R_RISCV(kind) == elf.R_RISCV_PCREL_HI20
}

func (Arch) IsPairLow(kind obj.RelocKind) bool {
	k := elf.R_RISCV(kind)
	return k == elf.R_RISCV_PCREL_LO12_I || k == elf.R_RISCV_PCREL_LO12_S
}

func (a Arch) Apply(kind obj.RelocKind, site []byte, S, A, P uint64) error {
	k := elf.R_RISCV(kind)
	name := a.RelocName(kind)
	if _, ok := names[k]; !ok {
		return arch.Unsupported(name)
	}
	if size := a.RelocSize(kind); len(site) < size {
		return arch.Overflow(name, int64(len(site)), size*8)
	}

	signed := func(val uint64, bits int) error {
		if !utils.FitsSigned(int64(val), bits) {
			return arch.Overflow(name, int64(val), bits)
		}
		return nil
	}

	switch k {
	case elf.R_RISCV_NONE, elf.R_RISCV_ALIGN, elf.R_RISCV_RELAX:
	case elf.R_RISCV_32:
		val := S + A
		if !utils.FitsSigned(int64(val), 32) && !utils.FitsUnsigned(val, 32) {
			return arch.Overflow(name, int64(val), 32)
		}
		le.PutUint32(site, uint32(val))
	case elf.R_RISCV_64:
		le.PutUint64(site, S+A)
	case elf.R_RISCV_BRANCH:
		val := S + A - P
		if err := signed(val, 13); err != nil {
			return err
		}
		writeBtype(site, uint32(val))
	case elf.R_RISCV_JAL:
		val := S + A - P
		if err := signed(val, 21); err != nil {
			return err
		}
		writeJtype(site, uint32(val))
	case elf.R_RISCV_CALL, elf.R_RISCV_CALL_PLT:
		val := S + A - P
		if err := signed(val+0x800, 32); err != nil {
			return err
		}
		writeUtype(site, uint32(val))
		writeItype(site[4:], uint32(val))
	case elf.R_RISCV_PCREL_HI20:
		val := S + A - P
		if err := signed(val+0x800, 32); err != nil {
			return err
		}
		writeUtype(site, uint32(val))
	case elf.R_RISCV_HI20:
		val := S + A
		if err := signed(val+0x800, 32); err != nil {
			return err
		}
		writeUtype(site, uint32(val))
	case elf.R_RISCV_LO12_I:
		writeItype(site, uint32(S+A))
	case elf.R_RISCV_LO12_S:
		writeStype(site, uint32(S+A))
	case elf.R_RISCV_PCREL_LO12_I:
		// S is the value computed at the paired high part
		writeItype(site, uint32(S))
	case elf.R_RISCV_PCREL_LO12_S:
		writeStype(site, uint32(S))
	case elf.R_RISCV_ADD8:
		site[0] += byte(S + A)
	case elf.R_RISCV_ADD16:
		le.PutUint16(site, le.Uint16(site)+uint16(S+A))
	case elf.R_RISCV_ADD32:
		le.PutUint32(site, le.Uint32(site)+uint32(S+A))
	case elf.R_RISCV_ADD64:
		le.PutUint64(site, le.Uint64(site)+S+A)
	case elf.R_RISCV_SUB8:
		site[0] -= byte(S + A)
	case elf.R_RISCV_SUB16:
		le.PutUint16(site, le.Uint16(site)-uint16(S+A))
	case elf.R_RISCV_SUB32:
		le.PutUint32(site, le.Uint32(site)-uint32(S+A))
	case elf.R_RISCV_SUB64:
		le.PutUint64(site, le.Uint64(site)-(S+A))
	case elf.R_RISCV_SUB6:
		site[0] = site[0]&0b1100_0000 | (site[0]-byte(S+A))&0b0011_1111
	case elf.R_RISCV_SET6:
		site[0] = site[0]&0b1100_0000 | byte(S+A)&0b0011_1111
	case elf.R_RISCV_SET8:
		site[0] = byte(S + A)
	case elf.R_RISCV_SET16:
		le.PutUint16(site, uint16(S+A))
	case elf.R_RISCV_SET32:
		le.PutUint32(site, uint32(S+A))
	case elf.R_RISCV_32_PCREL:
		val := S + A - P
		if err := signed(val, 32); err != nil {
			return err
		}
		le.PutUint32(site, uint32(val))
	case elf.R_RISCV_RVC_BRANCH:
		val := S + A - P
		if err := signed(val, 9); err != nil {
			return err
		}
		writeCbtype(site, uint16(val))
	case elf.R_RISCV_RVC_JUMP:
		val := S + A - P
		if err := signed(val, 12); err != nil {
			return err
		}
		writeCjtype(site, uint16(val))
	}
	return nil
}

func itype(val uint32) uint32 {
	return val << 20
}

func stype(val uint32) uint32 {
	return utils.Bits(val, 11, 5)<<25 | utils.Bits(val, 4, 0)<<7
}

func btype(val uint32) uint32 {
	return utils.Bit(val, 12)<<31 | utils.Bits(val, 10, 5)<<25 |
		utils.Bits(val, 4, 1)<<8 | utils.Bit(val, 11)<<7
}

func utype(val uint32) uint32 {
	return (val + 0x800) & 0xffff_f000
}

func jtype(val uint32) uint32 {
	return utils.Bit(val, 20)<<31 | utils.Bits(val, 10, 1)<<21 |
		utils.Bit(val, 11)<<20 | utils.Bits(val, 19, 12)<<12
}

func cbtype(val uint16) uint16 {
	return utils.Bit(val, 8)<<12 | utils.Bit(val, 4)<<11 | utils.Bit(val, 3)<<10 |
		utils.Bit(val, 7)<<6 | utils.Bit(val, 6)<<5 | utils.Bit(val, 2)<<4 |
		utils.Bit(val, 1)<<3 | utils.Bit(val, 5)<<2
}

func cjtype(val uint16) uint16 {
	return utils.Bit(val, 11)<<12 | utils.Bit(val, 4)<<11 | utils.Bit(val, 9)<<10 |
		utils.Bit(val, 8)<<9 | utils.Bit(val, 10)<<8 | utils.Bit(val, 6)<<7 |
		utils.Bit(val, 7)<<6 | utils.Bit(val, 3)<<5 | utils.Bit(val, 2)<<4 |
		utils.Bit(val, 1)<<3 | utils.Bit(val, 5)<<2
}

func writeItype(loc []byte, val uint32) {
	mask := uint32(0b000000_00000_11111_111_11111_1111111)
	le.PutUint32(loc, le.Uint32(loc)&mask|itype(val))
}

func writeStype(loc []byte, val uint32) {
	mask := uint32(0b000000_11111_11111_111_00000_1111111)
	le.PutUint32(loc, le.Uint32(loc)&mask|stype(val))
}

func writeBtype(loc []byte, val uint32) {
	mask := uint32(0b000000_11111_11111_111_00000_1111111)
	le.PutUint32(loc, le.Uint32(loc)&mask|btype(val))
}

func writeUtype(loc []byte, val uint32) {
	mask := uint32(0b000000_00000_00000_000_11111_1111111)
	le.PutUint32(loc, le.Uint32(loc)&mask|utype(val))
}

func writeJtype(loc []byte, val uint32) {
	mask := uint32(0b000000_00000_00000_000_11111_1111111)
	le.PutUint32(loc, le.Uint32(loc)&mask|jtype(val))
}

func writeCbtype(loc []byte, val uint16) {
	mask := uint16(0b111_000_111_00000_11)
	le.PutUint16(loc, le.Uint16(loc)&mask|cbtype(val))
}

func writeCjtype(loc []byte, val uint16) {
	mask := uint16(0b111_00000000000_11)
	le.PutUint16(loc, le.Uint16(loc)&mask|cjtype(val))
}
