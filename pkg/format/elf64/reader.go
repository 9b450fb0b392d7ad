package elf64

import (
	"debug/elf"
	"strings"

	"github.com/pkg/errors"

	"github.com/hcyang1106/objlink/pkg/arch"
	"github.com/hcyang1106/objlink/pkg/format"
	"github.com/hcyang1106/objlink/pkg/obj"
	"github.com/hcyang1106/objlink/pkg/utils"
)

type Reader struct{}

func init() {
	format.RegisterReader(Reader{})
	format.RegisterWriter(Writer{})
}

func (Reader) Name() string { return Name }

// Identify accepts ELF64 little-endian relocatable objects.
func (Reader) Identify(data []byte) bool {
	if len(data) < EhdrSize || !CheckMagic(data) {
		return false
	}
	if elf.Class(data[elf.EI_CLASS]) != elf.ELFCLASS64 || elf.Data(data[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return false
	}
	ehdr, err := utils.Read[Ehdr](data)
	return err == nil && elf.Type(ehdr.Type) == elf.ET_REL
}

// inputFile holds the raw tables of one object while it is converted.
type inputFile struct {
	name        string
	content     []byte
	ehdr        Ehdr
	shdrs       []Shdr
	shStrTab    []byte
	syms        []Sym
	symStrTab   []byte
	shndxTable  []uint32
	sectionMap  []int // ELF section index to obj.SectionID, -1 when dropped
	arch        arch.Arch
	object      *obj.Object
	firstGlobal uint32
}

func (Reader) Parse(name string, data []byte) (*obj.Object, error) {
	f := &inputFile{name: name, content: data}
	if err := f.readHeaders(); err != nil {
		return nil, err
	}
	if err := f.readSymTab(); err != nil {
		return nil, err
	}
	f.object = obj.New(name, f.arch.Name())
	if err := f.readSections(); err != nil {
		return nil, err
	}
	if err := f.readSymbols(); err != nil {
		return nil, err
	}
	if err := f.readRelocs(); err != nil {
		return nil, err
	}
	if err := f.object.Validate(f.arch.RelocSize); err != nil {
		return nil, err
	}
	return f.object, nil
}

func (f *inputFile) readHeaders() error {
	if !(Reader{}).Identify(f.content) {
		return errors.New("not an ELF64 little-endian relocatable object")
	}
	var err error
	if f.ehdr, err = utils.Read[Ehdr](f.content); err != nil {
		return err
	}
	a, ok := arch.ForMachine(elf.Machine(f.ehdr.Machine))
	if !ok {
		return errors.Errorf("unsupported machine %s", elf.Machine(f.ehdr.Machine))
	}
	f.arch = a

	if f.ehdr.ShOff == 0 || f.ehdr.ShOff+uint64(ShdrSize) > uint64(len(f.content)) {
		return errors.New("section header table is outside the file")
	}
	first, err := utils.Read[Shdr](f.content[f.ehdr.ShOff:])
	if err != nil {
		return err
	}
	numSecs := uint64(f.ehdr.ShNum)
	if numSecs == 0 {
		numSecs = first.Size
	}
	end := f.ehdr.ShOff + numSecs*uint64(ShdrSize)
	if end > uint64(len(f.content)) {
		return errors.Errorf("%d section headers run past end of file", numSecs)
	}
	if f.shdrs, err = utils.ReadSlice[Shdr](f.content[f.ehdr.ShOff:end], ShdrSize); err != nil {
		return err
	}

	shStrndx := uint32(f.ehdr.ShStrndx)
	if shStrndx == uint32(elf.SHN_XINDEX) {
		shStrndx = first.Link
	}
	f.shStrTab, err = f.bytesFromIdx(shStrndx)
	return err
}

func (f *inputFile) bytesFromShdr(s *Shdr) ([]byte, error) {
	if elf.SectionType(s.Type) == elf.SHT_NOBITS {
		return nil, nil
	}
	end := s.Offset + s.Size
	if end < s.Offset || end > uint64(len(f.content)) {
		return nil, errors.Errorf("section at %#x (%d bytes) exceeds file length", s.Offset, s.Size)
	}
	return f.content[s.Offset:end], nil
}

func (f *inputFile) bytesFromIdx(idx uint32) ([]byte, error) {
	if int(idx) >= len(f.shdrs) {
		return nil, errors.Errorf("section index %d exceeds section header table length", idx)
	}
	return f.bytesFromShdr(&f.shdrs[idx])
}

func (f *inputFile) findSectionHdr(typ elf.SectionType) *Shdr {
	for i := range f.shdrs {
		if elf.SectionType(f.shdrs[i].Type) == typ {
			return &f.shdrs[i]
		}
	}
	return nil
}

func (f *inputFile) readSymTab() error {
	symtab := f.findSectionHdr(elf.SHT_SYMTAB)
	if symtab == nil {
		return nil
	}
	bs, err := f.bytesFromShdr(symtab)
	if err != nil {
		return err
	}
	if f.syms, err = utils.ReadSlice[Sym](bs, SymSize); err != nil {
		return errors.Wrap(err, "failed to read symbol table")
	}
	f.firstGlobal = symtab.Info
	if f.symStrTab, err = f.bytesFromIdx(symtab.Link); err != nil {
		return err
	}

	if hdr := f.findSectionHdr(elf.SHT_SYMTAB_SHNDX); hdr != nil {
		content, err := f.bytesFromShdr(hdr)
		if err != nil {
			return err
		}
		if f.shndxTable, err = utils.ReadSlice[uint32](content, 4); err != nil {
			return err
		}
	}
	return nil
}

func isKeepSection(typ elf.SectionType, name string) bool {
	switch typ {
	case elf.SHT_INIT_ARRAY, elf.SHT_FINI_ARRAY, elf.SHT_PREINIT_ARRAY, elf.SHT_NOTE:
		return true
	}
	for _, prefix := range []string{".init", ".fini", ".ctors", ".dtors"} {
		if name == prefix || strings.HasPrefix(name, prefix+".") {
			return true
		}
	}
	return false
}

func sectionKind(shdr *Shdr) obj.SectionKind {
	flags := elf.SectionFlag(shdr.Flags)
	switch {
	case elf.SectionType(shdr.Type) == elf.SHT_NOBITS:
		return obj.KindUninitialized
	// writable or executable merge input keeps its permissions
	case flags&elf.SHF_MERGE != 0 && flags&(elf.SHF_WRITE|elf.SHF_EXECINSTR) == 0 && shdr.EntSize > 0:
		return obj.KindMerge
	case flags&elf.SHF_EXECINSTR != 0:
		return obj.KindCode
	case flags&elf.SHF_WRITE != 0:
		return obj.KindData
	}
	return obj.KindReadOnlyData
}

// readSections keeps allocated sections with content or zero fill. Debug
// info, unwind tables and other non-alloc sections never reach the linker.
func (f *inputFile) readSections() error {
	f.sectionMap = make([]int, len(f.shdrs))
	for i := range f.shdrs {
		f.sectionMap[i] = -1
		shdr := &f.shdrs[i]
		name := ElfGetName(f.shStrTab, shdr.Name)
		typ := elf.SectionType(shdr.Type)
		flags := elf.SectionFlag(shdr.Flags)

		if flags&elf.SHF_ALLOC == 0 {
			continue
		}
		switch typ {
		case elf.SHT_PROGBITS, elf.SHT_NOBITS, elf.SHT_INIT_ARRAY, elf.SHT_FINI_ARRAY,
			elf.SHT_PREINIT_ARRAY, elf.SHT_NOTE:
		default:
			continue
		}
		if name == ".eh_frame" {
			continue
		}
		if flags&elf.SHF_TLS != 0 {
			return errors.Errorf("section %s: thread-local storage is not supported", name)
		}

		content, err := f.bytesFromShdr(shdr)
		if err != nil {
			return errors.Wrapf(err, "section %s", name)
		}
		align := shdr.AddrAlign
		if align == 0 {
			align = 1
		}
		if !utils.IsPowerOfTwo(align) {
			return errors.Errorf("section %s: alignment %d is not a power of two", name, align)
		}
		sec := obj.Section{
			Name:    name,
			Content: content,
			Size:    shdr.Size,
			Align:   align,
			Kind:    sectionKind(shdr),
			Keep:    isKeepSection(typ, name),
		}
		if sec.Kind == obj.KindMerge {
			sec.EntSize = shdr.EntSize
			sec.Strings = flags&elf.SHF_STRINGS != 0
		}
		f.sectionMap[i] = int(f.object.AddSection(sec))
	}
	return nil
}

func toBinding(b elf.SymBind) (obj.Binding, error) {
	switch b {
	case elf.STB_LOCAL:
		return obj.BindLocal, nil
	case elf.STB_GLOBAL, elf.STB_LOOS: // STB_GNU_UNIQUE
		return obj.BindGlobal, nil
	case elf.STB_WEAK:
		return obj.BindWeak, nil
	}
	return 0, errors.Errorf("unknown symbol binding %d", b)
}

func toSymbolType(t elf.SymType) obj.SymbolType {
	switch t {
	case elf.STT_FUNC, elf.STT_LOOS: // STT_GNU_IFUNC
		return obj.SymFunc
	case elf.STT_OBJECT:
		return obj.SymObject
	case elf.STT_SECTION:
		return obj.SymSection
	case elf.STT_FILE:
		return obj.SymFile
	}
	return obj.SymNoType
}

// readSymbols keeps ELF symbol indices, so relocations carry over as is.
func (f *inputFile) readSymbols() error {
	for i := 1; i < len(f.syms); i++ {
		esym := &f.syms[i]
		sym := obj.Symbol{
			Name:  ElfGetName(f.symStrTab, esym.Name),
			Value: esym.Val,
			Size:  esym.Size,
			Type:  toSymbolType(esym.Type()),
		}
		if esym.Type() == elf.STT_TLS {
			return errors.Errorf("symbol %q: thread-local storage is not supported", sym.Name)
		}
		var err error
		if sym.Binding, err = toBinding(esym.Bind()); err != nil {
			return errors.Wrapf(err, "symbol %q", sym.Name)
		}
		if uint32(i) >= f.firstGlobal && sym.Binding == obj.BindLocal {
			return errors.Errorf("local symbol %q after the first global", sym.Name)
		}
		switch elf.SymVis(esym.Other & 0x3) {
		case elf.STV_HIDDEN, elf.STV_INTERNAL:
			sym.Visibility = obj.VisHidden
		}

		switch {
		case esym.IsUndef():
			sym.Def = obj.DefUndefined
			sym.Value = 0
		case esym.IsAbs():
			sym.Def = obj.DefAbsolute
		case esym.IsCommon():
			sym.Binding = obj.BindCommon
			sym.Def = obj.DefCommon
			sym.Align = esym.Val
			sym.Value = 0
		default:
			shndx := esym.GetShndx(f.shndxTable, i)
			if int(shndx) >= len(f.shdrs) {
				return errors.Errorf("symbol %q refers to section %d", sym.Name, shndx)
			}
			if sym.Type == obj.SymSection {
				sym.Name = ElfGetName(f.shStrTab, f.shdrs[shndx].Name)
			}
			if id := f.sectionMap[shndx]; id >= 0 {
				sym.Def = obj.DefSection
				sym.Section = obj.SectionID(id)
			} else {
				// lives in a section the linker does not load, e.g. debug info
				sym.Def = obj.DefAbsolute
				sym.Value = 0
			}
		}
		f.object.AddSymbol(sym)
	}
	return nil
}

func (f *inputFile) readRelocs() error {
	for i := range f.shdrs {
		shdr := &f.shdrs[i]
		switch elf.SectionType(shdr.Type) {
		case elf.SHT_RELA:
		case elf.SHT_REL:
			if int(shdr.Info) < len(f.sectionMap) && f.sectionMap[shdr.Info] >= 0 {
				return errors.New("SHT_REL relocations are not supported")
			}
			continue
		default:
			continue
		}
		if int(shdr.Info) >= len(f.sectionMap) {
			return errors.Errorf("relocation section %d targets section %d", i, shdr.Info)
		}
		target := f.sectionMap[shdr.Info]
		if target < 0 {
			continue
		}
		bs, err := f.bytesFromShdr(shdr)
		if err != nil {
			return err
		}
		relas, err := utils.ReadSlice[Rela](bs, RelaSize)
		if err != nil {
			return errors.Wrap(err, "failed to read relocations")
		}
		for _, r := range relas {
			f.object.AddReloc(obj.SectionID(target), obj.Reloc{
				Offset: r.Offset,
				Symbol: obj.SymbolID(r.Sym()),
				Kind:   obj.RelocKind(r.Type()),
				Addend: r.Addend,
			})
		}
	}
	return nil
}
