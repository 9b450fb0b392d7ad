package obj

func New(name, machine string) *Object {
	return &Object{
		Name:    name,
		Machine: machine,
		Symbols: []Symbol{{}}, // index 0 is the null symbol, as in ELF
	}
}

func (o *Object) AddSection(sec Section) SectionID {
	if sec.Kind != KindUninitialized {
		sec.Size = uint64(len(sec.Content))
	}
	if sec.Align == 0 {
		sec.Align = 1
	}
	o.Sections = append(o.Sections, sec)
	return SectionID(len(o.Sections) - 1)
}

func (o *Object) AddSymbol(sym Symbol) SymbolID {
	o.Symbols = append(o.Symbols, sym)
	return SymbolID(len(o.Symbols) - 1)
}

// Define adds a symbol defined at value inside section sec.
func (o *Object) Define(name string, bind Binding, sec SectionID, value uint64) SymbolID {
	return o.AddSymbol(Symbol{
		Name:    name,
		Binding: bind,
		Def:     DefSection,
		Section: sec,
		Value:   value,
	})
}

func (o *Object) Reference(name string, bind Binding) SymbolID {
	return o.AddSymbol(Symbol{Name: name, Binding: bind})
}

func (o *Object) AddCommon(name string, size, align uint64) SymbolID {
	return o.AddSymbol(Symbol{
		Name:    name,
		Binding: BindCommon,
		Def:     DefCommon,
		Size:    size,
		Align:   align,
		Type:    SymObject,
	})
}

func (o *Object) AddReloc(sec SectionID, rel Reloc) {
	o.Sections[sec].Relocs = append(o.Sections[sec].Relocs, rel)
}

// SectionSymbol returns the local section symbol of sec, creating it on first use.
func (o *Object) SectionSymbol(sec SectionID) SymbolID {
	for i := range o.Symbols {
		s := &o.Symbols[i]
		if s.Type == SymSection && s.Def == DefSection && s.Section == sec {
			return SymbolID(i)
		}
	}
	return o.AddSymbol(Symbol{
		Name:    o.Sections[sec].Name,
		Binding: BindLocal,
		Def:     DefSection,
		Section: sec,
		Type:    SymSection,
	})
}
