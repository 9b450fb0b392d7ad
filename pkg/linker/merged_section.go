package linker

import (
	"sort"

	"github.com/hcyang1106/objlink/pkg/utils"
)

// MergedSection holds the unique fragments of every merge input section
// bound to one output section.
type MergedSection struct {
	Output *OutputSection
	Map    map[string]*SectionFragment
	Size   uint64
	Align  uint64
}

func NewMergedSection(out *OutputSection) *MergedSection {
	return &MergedSection{
		Output: out,
		Map:    make(map[string]*SectionFragment),
		Align:  1,
	}
}

func (m *MergedSection) Insert(key string, p2align uint8) *SectionFragment {
	if frag, ok := m.Map[key]; ok {
		if frag.P2Align < p2align {
			frag.P2Align = p2align
		}
		return frag
	}
	frag := NewSectionFragment(m)
	frag.P2Align = p2align
	m.Map[key] = frag
	return frag
}

// AssignFragmentsOffsets lays fragments out by alignment, then length, then
// contents, which keeps the result independent of insertion order.
func (m *MergedSection) AssignFragmentsOffsets() {
	type f struct {
		Key string
		Val *SectionFragment
	}
	fragments := make([]f, 0, len(m.Map))
	for key, val := range m.Map {
		fragments = append(fragments, f{Key: key, Val: val})
	}

	sort.SliceStable(fragments, func(i, j int) bool {
		x := fragments[i]
		y := fragments[j]
		if x.Val.P2Align != y.Val.P2Align {
			return x.Val.P2Align < y.Val.P2Align
		}
		if len(x.Key) != len(y.Key) {
			return len(x.Key) < len(y.Key)
		}
		return x.Key < y.Key
	})

	offset := uint64(0)
	p2align := uint64(0)
	for _, frag := range fragments {
		offset = utils.AlignTo(offset, uint64(1)<<frag.Val.P2Align)
		frag.Val.Offset = offset
		offset += uint64(len(frag.Key))
		p2align = max(p2align, uint64(frag.Val.P2Align))
	}

	m.Size = utils.AlignTo(offset, uint64(1)<<p2align)
	m.Align = 1 << p2align
}

func (m *MergedSection) CopyBuf(buf []byte) {
	for key, frag := range m.Map {
		copy(buf[frag.Offset:], key)
	}
}
