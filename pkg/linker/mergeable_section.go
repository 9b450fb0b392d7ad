package linker

import (
	"bytes"
	"math/bits"
	"sort"

	"github.com/pkg/errors"

	"github.com/hcyang1106/objlink/pkg/utils"
)

// MergeableSection is an input merge section cut into fragments.
type MergeableSection struct {
	Parent      *MergedSection
	P2Align     uint8
	Strs        []string
	FragOffsets []uint64
	Fragments   []*SectionFragment
}

// GetFragment returns the fragment containing offset and the offset inside it.
func (m *MergeableSection) GetFragment(offset uint64) (*SectionFragment, uint64) {
	pos := sort.Search(len(m.FragOffsets), func(i int) bool {
		return offset < m.FragOffsets[i]
	})
	if pos == 0 {
		return nil, 0
	}

	idx := pos - 1
	return m.Fragments[idx], offset - m.FragOffsets[idx]
}

// Size is the input size the fragments were cut from.
func (m *MergeableSection) Size() uint64 {
	if len(m.Strs) == 0 {
		return 0
	}
	last := len(m.Strs) - 1
	return m.FragOffsets[last] + uint64(len(m.Strs[last]))
}

func findNull(data []byte, entSize int) int {
	if entSize == 1 {
		return bytes.IndexByte(data, 0)
	}

	for i := 0; i <= len(data)-entSize; i += entSize {
		if utils.AllZeros(data[i : i+entSize]) {
			return i
		}
	}
	return -1
}

// splitSection cuts isec into NUL terminated strings or EntSize records.
func splitSection(isec *InputSection, parent *MergedSection) (*MergeableSection, error) {
	sec := isec.Section()
	m := &MergeableSection{
		Parent:  parent,
		P2Align: uint8(bits.TrailingZeros64(isec.Align())),
	}

	data := sec.Content
	entSize := sec.EntSize
	offset := uint64(0)
	for len(data) > 0 {
		sz := entSize
		if sec.Strings {
			end := findNull(data, int(entSize))
			if end == -1 {
				return nil, errors.Errorf("%s: string is not null terminated", isec.Name())
			}
			sz = uint64(end) + entSize
		} else if uint64(len(data)) < entSize {
			return nil, errors.Errorf("%s: section size is not a multiple of the entry size %d", isec.Name(), entSize)
		}

		m.Strs = append(m.Strs, string(data[:sz]))
		m.FragOffsets = append(m.FragOffsets, offset)
		data = data[sz:]
		offset += sz
	}
	return m, nil
}

// registerFragments inserts the pieces into the parent merged section.
func (m *MergeableSection) registerFragments() {
	m.Fragments = make([]*SectionFragment, 0, len(m.Strs))
	for _, s := range m.Strs {
		m.Fragments = append(m.Fragments, m.Parent.Insert(s, m.P2Align))
	}
}
