package elf64

import (
	"debug/elf"
	"io"

	"github.com/pkg/errors"

	"github.com/hcyang1106/objlink/pkg/arch"
	"github.com/hcyang1106/objlink/pkg/format"
	"github.com/hcyang1106/objlink/pkg/obj"
	"github.com/hcyang1106/objlink/pkg/utils"
)

// WriteObject serialises o as an ELF64 relocatable object. Local symbols are
// moved ahead of the others as ELF requires; relocations are renumbered.
func WriteObject(out io.Writer, o *obj.Object, a arch.Arch) error {
	order := make([]int, 0, len(o.Symbols))
	order = append(order, 0)
	for i := 1; i < len(o.Symbols); i++ {
		if o.Symbols[i].IsLocal() {
			order = append(order, i)
		}
	}
	firstGlobal := len(order)
	for i := 1; i < len(o.Symbols); i++ {
		if !o.Symbols[i].IsLocal() {
			order = append(order, i)
		}
	}
	newIndex := make([]uint32, len(o.Symbols))
	for n, old := range order {
		newIndex[old] = uint32(n)
	}

	buf := make([]byte, EhdrSize)
	shStrTab := newStrTab()
	shdrs := []Shdr{{}}

	place := func(data []byte, align uint64) uint64 {
		off := utils.AlignTo(uint64(len(buf)), max(align, 1))
		buf = append(buf, make([]byte, off-uint64(len(buf)))...)
		buf = append(buf, data...)
		return off
	}

	for i := range o.Sections {
		sec := &o.Sections[i]
		fsec := format.Section{Name: sec.Name, Kind: sec.Kind}
		shdr := Shdr{
			Name:      shStrTab.add(sec.Name),
			Type:      uint32(toShdrType(&fsec)),
			Flags:     toShdrFlags(sec.Kind),
			Size:      sec.MemSize(),
			AddrAlign: sec.Align,
		}
		if sec.Kind == obj.KindMerge {
			shdr.Flags |= uint64(elf.SHF_MERGE)
			if sec.Strings {
				shdr.Flags |= uint64(elf.SHF_STRINGS)
			}
			shdr.EntSize = sec.EntSize
		}
		if sec.Kind == obj.KindUninitialized {
			shdr.Offset = uint64(len(buf))
		} else {
			shdr.Offset = place(sec.Content, sec.Align)
		}
		shdrs = append(shdrs, shdr)
	}

	symtabIdx := uint32(len(shdrs) + countRelocated(o))
	for i := range o.Sections {
		sec := &o.Sections[i]
		if len(sec.Relocs) == 0 {
			continue
		}
		data := make([]byte, 0, len(sec.Relocs)*RelaSize)
		for _, r := range sec.Relocs {
			if int(r.Symbol) >= len(o.Symbols) {
				return errors.Errorf("relocation in %s refers to symbol %d", sec.Name, r.Symbol)
			}
			rec := make([]byte, RelaSize)
			utils.Write[Rela](rec, Rela{
				Offset: r.Offset,
				Info:   uint64(newIndex[r.Symbol])<<32 | uint64(r.Kind),
				Addend: r.Addend,
			})
			data = append(data, rec...)
		}
		shdrs = append(shdrs, Shdr{
			Name:      shStrTab.add(".rela" + sec.Name),
			Type:      uint32(elf.SHT_RELA),
			Flags:     uint64(elf.SHF_INFO_LINK),
			Offset:    place(data, 8),
			Size:      uint64(len(data)),
			Link:      symtabIdx,
			Info:      uint32(i + 1),
			AddrAlign: 8,
			EntSize:   uint64(RelaSize),
		})
	}

	strTab := newStrTab()
	symtab := make([]byte, 0, len(order)*SymSize)
	for _, old := range order {
		esym := Sym{}
		if old != 0 {
			sym := &o.Symbols[old]
			fsym := format.Symbol{Binding: sym.Binding, Type: sym.Type}
			esym = Sym{
				Name: strTab.add(sym.Name),
				Info: toSymInfo(&fsym),
				Val:  sym.Value,
				Size: sym.Size,
			}
			if sym.Type == obj.SymSection {
				esym.Name = 0
				esym.Info = elf.ST_INFO(elf.STB_LOCAL, elf.STT_SECTION)
			}
			if sym.Type == obj.SymFile {
				esym.Info = elf.ST_INFO(elf.STB_LOCAL, elf.STT_FILE)
			}
			if sym.Visibility == obj.VisHidden {
				esym.Other = uint8(elf.STV_HIDDEN)
			}
			switch sym.Def {
			case obj.DefSection:
				esym.Shndx = uint16(sym.Section + 1)
			case obj.DefAbsolute:
				esym.Shndx = uint16(elf.SHN_ABS)
			case obj.DefCommon:
				esym.Shndx = uint16(elf.SHN_COMMON)
				esym.Val = sym.Align
				esym.Info = elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT)
			}
		}
		rec := make([]byte, SymSize)
		utils.Write[Sym](rec, esym)
		symtab = append(symtab, rec...)
	}

	shdrs = append(shdrs, Shdr{
		Name:      shStrTab.add(".symtab"),
		Type:      uint32(elf.SHT_SYMTAB),
		Offset:    place(symtab, 8),
		Size:      uint64(len(symtab)),
		Link:      symtabIdx + 1,
		Info:      uint32(firstGlobal),
		AddrAlign: 8,
		EntSize:   uint64(SymSize),
	})
	shdrs = append(shdrs, Shdr{
		Name:      shStrTab.add(".strtab"),
		Type:      uint32(elf.SHT_STRTAB),
		Offset:    place(strTab.bytes(), 1),
		Size:      uint64(len(strTab.bytes())),
		AddrAlign: 1,
	})
	shStrName := shStrTab.add(".shstrtab")
	shStrData := shStrTab.bytes()
	shdrs = append(shdrs, Shdr{
		Name:      shStrName,
		Type:      uint32(elf.SHT_STRTAB),
		Offset:    place(shStrData, 1),
		Size:      uint64(len(shStrData)),
		AddrAlign: 1,
	})

	shOff := place(nil, 8)
	buf = append(buf, make([]byte, len(shdrs)*ShdrSize)...)
	for i, shdr := range shdrs {
		utils.Write[Shdr](buf[shOff+uint64(i*ShdrSize):], shdr)
	}

	ehdr := Ehdr{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(a.ELFMachine()),
		Version:   uint32(elf.EV_CURRENT),
		ShOff:     shOff,
		EhSize:    uint16(EhdrSize),
		ShEntSize: uint16(ShdrSize),
		ShNum:     uint16(len(shdrs)),
		ShStrndx:  uint16(len(shdrs) - 1),
	}
	WriteMagic(ehdr.Ident[:])
	ehdr.Ident[elf.EI_CLASS] = uint8(elf.ELFCLASS64)
	ehdr.Ident[elf.EI_DATA] = uint8(elf.ELFDATA2LSB)
	ehdr.Ident[elf.EI_VERSION] = uint8(elf.EV_CURRENT)
	utils.Write[Ehdr](buf, ehdr)

	_, err := out.Write(buf)
	return errors.Wrap(err, "failed to write object")
}

func countRelocated(o *obj.Object) int {
	n := 0
	for i := range o.Sections {
		if len(o.Sections[i].Relocs) > 0 {
			n++
		}
	}
	return n
}
