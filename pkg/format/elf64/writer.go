package elf64

import (
	"debug/elf"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/hcyang1106/objlink/pkg/format"
	"github.com/hcyang1106/objlink/pkg/obj"
	"github.com/hcyang1106/objlink/pkg/utils"
)

type Writer struct{}

func (Writer) Name() string { return Name }

// HeaderSize covers the ELF header and one program header per segment
// plus PT_GNU_STACK.
func (Writer) HeaderSize(nsegments int) uint64 {
	return uint64(EhdrSize + (nsegments+1)*PhdrSize)
}

func toPhdrFlags(p format.Perm) uint32 {
	var ret elf.ProgFlag
	if p&format.PermRead != 0 {
		ret |= elf.PF_R
	}
	if p&format.PermWrite != 0 {
		ret |= elf.PF_W
	}
	if p&format.PermExec != 0 {
		ret |= elf.PF_X
	}
	return uint32(ret)
}

func toShdrType(sec *format.Section) elf.SectionType {
	if sec.Kind == obj.KindUninitialized {
		return elf.SHT_NOBITS
	}
	switch {
	case sec.Name == ".init_array":
		return elf.SHT_INIT_ARRAY
	case sec.Name == ".fini_array":
		return elf.SHT_FINI_ARRAY
	case sec.Name == ".preinit_array":
		return elf.SHT_PREINIT_ARRAY
	case strings.HasPrefix(sec.Name, ".note"):
		return elf.SHT_NOTE
	}
	return elf.SHT_PROGBITS
}

func toShdrFlags(kind obj.SectionKind) uint64 {
	ret := elf.SHF_ALLOC
	switch kind {
	case obj.KindCode:
		ret |= elf.SHF_EXECINSTR
	case obj.KindData, obj.KindUninitialized:
		ret |= elf.SHF_WRITE
	}
	return uint64(ret)
}

func toSymInfo(sym *format.Symbol) uint8 {
	bind := elf.STB_GLOBAL
	switch sym.Binding {
	case obj.BindWeak:
		bind = elf.STB_WEAK
	case obj.BindLocal:
		bind = elf.STB_LOCAL
	}
	typ := elf.STT_NOTYPE
	switch sym.Type {
	case obj.SymFunc:
		typ = elf.STT_FUNC
	case obj.SymObject:
		typ = elf.STT_OBJECT
	}
	return elf.ST_INFO(bind, typ)
}

// Emit lays the file out as: loadable bytes exactly as the image places
// them (headers first), then .symtab, .strtab, .shstrtab and the section
// header table.
func (w Writer) Emit(out io.Writer, img *format.Image) error {
	if img.Arch == nil {
		return errors.New("image has no architecture")
	}
	if len(img.Segments) == 0 {
		return errors.New("image has no segments")
	}
	headerSize := w.HeaderSize(len(img.Segments))
	if img.Segments[0].Offset != 0 || img.Segments[0].Filesz < headerSize {
		return errors.New("first segment does not cover the ELF headers")
	}

	buf := make([]byte, img.FileSize())
	for i := range img.Sections {
		sec := &img.Sections[i]
		if sec.Data == nil {
			continue
		}
		if sec.Offset+uint64(len(sec.Data)) > uint64(len(buf)) {
			return errors.Errorf("section %s lies outside the loadable file image", sec.Name)
		}
		copy(buf[sec.Offset:], sec.Data)
	}

	shStrTab := newStrTab()
	shdrs := []Shdr{{}}
	for i := range img.Sections {
		sec := &img.Sections[i]
		shdrs = append(shdrs, Shdr{
			Name:      shStrTab.add(sec.Name),
			Type:      uint32(toShdrType(sec)),
			Flags:     toShdrFlags(sec.Kind),
			Addr:      sec.Addr,
			Offset:    sec.Offset,
			Size:      sec.Size,
			AddrAlign: sec.Align,
		})
	}

	symStrTab := newStrTab()
	symtab := make([]byte, SymSize)
	firstGlobal := 1
	for i := range img.Symbols {
		sym := &img.Symbols[i]
		esym := Sym{
			Name:  symStrTab.add(sym.Name),
			Info:  toSymInfo(sym),
			Shndx: uint16(elf.SHN_ABS),
			Val:   sym.Value,
			Size:  sym.Size,
		}
		if sym.Visibility == obj.VisHidden {
			esym.Other = uint8(elf.STV_HIDDEN)
		}
		if sym.Section >= 0 {
			esym.Shndx = uint16(sym.Section + 1)
		}
		if sym.Binding == obj.BindLocal {
			firstGlobal++
		}
		rec := make([]byte, SymSize)
		utils.Write[Sym](rec, esym)
		symtab = append(symtab, rec...)
	}

	appendSection := func(name string, typ elf.SectionType, data []byte, align uint64) int {
		off := utils.AlignTo(uint64(len(buf)), align)
		buf = append(buf, make([]byte, off-uint64(len(buf)))...)
		buf = append(buf, data...)
		shdrs = append(shdrs, Shdr{
			Name:      shStrTab.add(name),
			Type:      uint32(typ),
			Offset:    off,
			Size:      uint64(len(data)),
			AddrAlign: align,
		})
		return len(shdrs) - 1
	}

	symtabIdx := appendSection(".symtab", elf.SHT_SYMTAB, symtab, 8)
	strtabIdx := appendSection(".strtab", elf.SHT_STRTAB, symStrTab.bytes(), 1)
	shdrs[symtabIdx].Link = uint32(strtabIdx)
	shdrs[symtabIdx].Info = uint32(firstGlobal)
	shdrs[symtabIdx].EntSize = uint64(SymSize)
	shStrTab.add(".shstrtab")
	shStrIdx := appendSection(".shstrtab", elf.SHT_STRTAB, shStrTab.bytes(), 1)

	shOff := utils.AlignTo(uint64(len(buf)), 8)
	buf = append(buf, make([]byte, shOff-uint64(len(buf))+uint64(len(shdrs)*ShdrSize))...)
	for i, shdr := range shdrs {
		utils.Write[Shdr](buf[shOff+uint64(i*ShdrSize):], shdr)
	}

	phOff := uint64(EhdrSize)
	for i, seg := range img.Segments {
		utils.Write[Phdr](buf[phOff+uint64(i*PhdrSize):], Phdr{
			Type:     uint32(elf.PT_LOAD),
			Flags:    toPhdrFlags(seg.Perm),
			Offset:   seg.Offset,
			VAddr:    seg.Vaddr,
			PAddr:    seg.Vaddr,
			FileSize: seg.Filesz,
			MemSize:  seg.Memsz,
			Align:    img.Arch.PageSize(),
		})
	}
	utils.Write[Phdr](buf[phOff+uint64(len(img.Segments)*PhdrSize):], Phdr{
		Type:  uint32(elf.PT_GNU_STACK),
		Flags: uint32(elf.PF_R | elf.PF_W),
		Align: 16,
	})

	ehdr := Ehdr{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(img.Arch.ELFMachine()),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     img.Entry,
		PhOff:     phOff,
		ShOff:     shOff,
		EhSize:    uint16(EhdrSize),
		PhEntSize: uint16(PhdrSize),
		PhNum:     uint16(len(img.Segments) + 1),
		ShEntSize: uint16(ShdrSize),
		ShNum:     uint16(len(shdrs)),
		ShStrndx:  uint16(shStrIdx),
	}
	if img.Kind == format.Shared {
		ehdr.Type = uint16(elf.ET_DYN)
	}
	WriteMagic(ehdr.Ident[:])
	ehdr.Ident[elf.EI_CLASS] = uint8(elf.ELFCLASS64)
	ehdr.Ident[elf.EI_DATA] = uint8(elf.ELFDATA2LSB)
	ehdr.Ident[elf.EI_VERSION] = uint8(elf.EV_CURRENT)
	utils.Write[Ehdr](buf, ehdr)

	_, err := out.Write(buf)
	return errors.Wrap(err, "failed to write ELF image")
}
