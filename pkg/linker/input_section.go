package linker

import (
	"github.com/hcyang1106/objlink/pkg/obj"
)

// SectionRef is the position of an input section in Context.Sections.
type SectionRef int32

type InputSection struct {
	File  *ObjectFile
	Index obj.SectionID
	// Kind is the kind the linker treats the section as. A merge section
	// carrying relocations is kept whole as read-only data.
	Kind   obj.SectionKind
	Output *OutputSection
	// Offset within Output, assigned by layout.
	Offset uint64
	Merge  *MergeableSection
}

func NewInputSection(file *ObjectFile, index obj.SectionID) *InputSection {
	sec := &file.Obj.Sections[index]
	kind := sec.Kind
	if kind == obj.KindMerge && (len(sec.Relocs) > 0 || sec.EntSize == 0) {
		kind = obj.KindReadOnlyData
	}
	return &InputSection{
		File:  file,
		Index: index,
		Kind:  kind,
	}
}

func (s *InputSection) Section() *obj.Section {
	return &s.File.Obj.Sections[s.Index]
}

func (s *InputSection) Name() string {
	return s.File.Name() + ":" + s.Section().Name
}

func (s *InputSection) Size() uint64 {
	return s.Section().MemSize()
}

func (s *InputSection) Align() uint64 {
	return max(s.Section().Align, 1)
}

// Addr is valid once layout ran and only for sections that reached an
// output section.
func (s *InputSection) Addr() uint64 {
	if s.Output == nil {
		return 0
	}
	return s.Output.Addr + s.Offset
}

// AddrOf returns the address of offset off inside the section, following
// merged fragments.
func (s *InputSection) AddrOf(off uint64) uint64 {
	if s.Merge != nil {
		if frag, fragOff := s.Merge.GetFragment(off); frag != nil {
			return frag.Addr() + fragOff
		}
	}
	return s.Addr() + off
}
