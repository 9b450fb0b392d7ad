package linker

// SectionFragment is one deduplicated piece of a merged section.
type SectionFragment struct {
	OutputSection *MergedSection
	Offset        uint64
	P2Align       uint8
}

func NewSectionFragment(m *MergedSection) *SectionFragment {
	return &SectionFragment{OutputSection: m}
}

func (s *SectionFragment) Addr() uint64 {
	return s.OutputSection.Output.Addr + s.Offset
}
