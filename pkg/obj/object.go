// Package obj is the in-memory model of one relocatable object: its sections,
// symbols and relocations. Format readers produce it; the linker consumes it.
//
// Sections and symbols refer to each other by index only. A relocation names
// its target by position in Object.Symbols, a symbol names its section by
// position in Object.Sections.
package obj

import (
	"fmt"

	"github.com/pkg/errors"
)

type Binding uint8

const (
	BindLocal Binding = iota
	BindWeak
	BindGlobal
	BindCommon
)

func (b Binding) String() string {
	switch b {
	case BindLocal:
		return "local"
	case BindWeak:
		return "weak"
	case BindGlobal:
		return "global"
	case BindCommon:
		return "common"
	}
	return fmt.Sprintf("binding(%d)", uint8(b))
}

type DefKind uint8

const (
	DefUndefined DefKind = iota
	DefSection
	DefCommon
	DefAbsolute
)

func (d DefKind) String() string {
	switch d {
	case DefUndefined:
		return "undefined"
	case DefSection:
		return "defined"
	case DefCommon:
		return "common"
	case DefAbsolute:
		return "absolute"
	}
	return fmt.Sprintf("def(%d)", uint8(d))
}

type Visibility uint8

const (
	VisDefault Visibility = iota
	VisHidden
	VisExported
)

func (v Visibility) String() string {
	switch v {
	case VisDefault:
		return "default"
	case VisHidden:
		return "hidden"
	case VisExported:
		return "exported"
	}
	return fmt.Sprintf("visibility(%d)", uint8(v))
}

type SymbolType uint8

const (
	SymNoType SymbolType = iota
	SymFunc
	SymObject
	SymSection
	SymFile
)

type SectionKind uint8

const (
	KindCode SectionKind = iota
	KindData
	KindReadOnlyData
	KindUninitialized
	KindMerge
)

func (k SectionKind) String() string {
	switch k {
	case KindCode:
		return "code"
	case KindData:
		return "data"
	case KindReadOnlyData:
		return "rodata"
	case KindUninitialized:
		return "bss"
	case KindMerge:
		return "merge"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

type (
	SectionID uint32
	SymbolID  uint32
	RelocKind uint32
)

type Section struct {
	Name    string
	Content []byte
	// Size is the in-memory size. It equals len(Content) except for
	// KindUninitialized, where Content is empty.
	Size  uint64
	Align uint64
	Kind  SectionKind
	// EntSize and Strings describe KindMerge sections.
	EntSize uint64
	Strings bool
	// Keep sections are roots for section garbage collection.
	Keep   bool
	Relocs []Reloc
}

type Symbol struct {
	Name       string
	Binding    Binding
	Def        DefKind
	Section    SectionID
	Value      uint64
	Size       uint64
	Align      uint64
	Visibility Visibility
	Type       SymbolType
}

type Reloc struct {
	Offset uint64
	Symbol SymbolID
	Kind   RelocKind
	Addend int64
}

type Object struct {
	Name     string
	Machine  string
	Sections []Section
	Symbols  []Symbol
}

func (s *Symbol) IsUndef() bool {
	return s.Def == DefUndefined
}

func (s *Symbol) IsLocal() bool {
	return s.Binding == BindLocal
}

// IsDefined reports whether the symbol carries a definition of its own,
// commons included.
func (s *Symbol) IsDefined() bool {
	return s.Def != DefUndefined
}

func (s *Section) MemSize() uint64 {
	if s.Kind == KindUninitialized {
		return s.Size
	}
	return uint64(len(s.Content))
}

// Validate checks the index invariants the linker relies on. widthOf returns
// the patched field width of a relocation kind in bytes.
func (o *Object) Validate(widthOf func(RelocKind) int) error {
	for i := range o.Symbols {
		sym := &o.Symbols[i]
		if sym.Def == DefSection && int(sym.Section) >= len(o.Sections) {
			return errors.Errorf("%s: symbol %q refers to section %d of %d", o.Name, sym.Name, sym.Section, len(o.Sections))
		}
		if sym.Def == DefCommon && sym.Binding != BindCommon {
			return errors.Errorf("%s: common symbol %q has binding %s", o.Name, sym.Name, sym.Binding)
		}
	}
	for i := range o.Sections {
		sec := &o.Sections[i]
		if sec.Align != 0 && sec.Align&(sec.Align-1) != 0 {
			return errors.Errorf("%s: section %s alignment %d is not a power of two", o.Name, sec.Name, sec.Align)
		}
		for _, rel := range sec.Relocs {
			if int(rel.Symbol) >= len(o.Symbols) {
				return errors.Errorf("%s: relocation in %s at %#x refers to symbol %d of %d",
					o.Name, sec.Name, rel.Offset, rel.Symbol, len(o.Symbols))
			}
			width := 0
			if widthOf != nil {
				width = widthOf(rel.Kind)
			}
			if rel.Offset+uint64(width) > sec.MemSize() || sec.Kind == KindUninitialized {
				return errors.Errorf("%s: relocation in %s at %#x (width %d) is outside the section (%d bytes)",
					o.Name, sec.Name, rel.Offset, width, sec.MemSize())
			}
		}
	}
	return nil
}
