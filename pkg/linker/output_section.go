package linker

import (
	"strings"

	"github.com/hcyang1106/objlink/pkg/format"
	"github.com/hcyang1106/objlink/pkg/obj"
	"github.com/hcyang1106/objlink/pkg/utils"
)

var prefixes = []string{
	".text.", ".data.rel.ro.", ".data.", ".rodata.", ".bss.rel.ro.", ".bss.",
	".init_array.", ".fini_array.", ".preinit_array.", ".gcc_except_table.",
	".ctors.", ".dtors.", ".sdata.", ".sbss.", ".srodata.",
}

// GetOutputName maps an input section name to the output section it joins.
func GetOutputName(name string, kind obj.SectionKind, strs bool) string {
	if kind == obj.KindMerge && (name == ".rodata" || strings.HasPrefix(name, ".rodata.")) {
		if strs {
			return ".rodata.str"
		}
		return ".rodata.cst"
	}

	for _, prefix := range prefixes {
		stem := prefix[:len(prefix)-1]
		if name == stem || strings.HasPrefix(name, prefix) {
			return stem
		}
	}
	return name
}

type OutputSection struct {
	Name string
	Kind obj.SectionKind
	// Members are the plain input sections in collection order.
	Members []*InputSection
	// Merged is set for merge output sections, which have no Members.
	Merged *MergedSection
	Index  int

	Size   uint64
	Align  uint64
	Addr   uint64
	Offset uint64
	// offset from the start of the owning segment
	segOff uint64
	// Data is the relocated contents, nil for zero-fill sections.
	Data []byte
}

func NewOutputSection(name string, kind obj.SectionKind, idx int) *OutputSection {
	o := &OutputSection{
		Name:  name,
		Kind:  kind,
		Index: idx,
		Align: 1,
	}
	if kind == obj.KindMerge {
		o.Merged = NewMergedSection(o)
	}
	return o
}

func (o *OutputSection) Perm() format.Perm {
	switch o.Kind {
	case obj.KindCode:
		return format.PermRead | format.PermExec
	case obj.KindData, obj.KindUninitialized:
		return format.PermRead | format.PermWrite
	}
	return format.PermRead
}

func (o *OutputSection) IsBss() bool {
	return o.Kind == obj.KindUninitialized
}

// ComputeSize places members at increasing aligned offsets.
func (o *OutputSection) ComputeSize() {
	if o.Merged != nil {
		o.Merged.AssignFragmentsOffsets()
		o.Size = o.Merged.Size
		o.Align = o.Merged.Align
		return
	}

	offset := uint64(0)
	for _, isec := range o.Members {
		offset = utils.AlignTo(offset, isec.Align())
		isec.Offset = offset
		offset += isec.Size()
		o.Align = max(o.Align, isec.Align())
	}
	o.Size = offset
}

// CopyBuf fills Data with the unrelocated contents of every member.
func (o *OutputSection) CopyBuf() {
	if o.IsBss() {
		return
	}
	o.Data = make([]byte, o.Size)
	if o.Merged != nil {
		o.Merged.CopyBuf(o.Data)
		return
	}
	for _, isec := range o.Members {
		copy(o.Data[isec.Offset:], isec.Section().Content)
	}
}
