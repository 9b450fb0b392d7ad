package linker

import (
	"go.uber.org/multierr"

	"github.com/hcyang1106/objlink/pkg/obj"
)

// CollectSections places every section of every object into the flat arena
// and gives each common symbol a zero-fill section in the internal object,
// sized and aligned by the merged common.
func CollectSections(ctx *Context) {
	commons := map[int]obj.SectionID{}
	for gi := 0; gi < ctx.Symbols.Len(); gi++ {
		sym := ctx.Symbols.Get(gi)
		if sym.Def != obj.DefCommon {
			continue
		}
		commons[gi] = ctx.Internal.Obj.AddSection(obj.Section{
			Name:  ".bss",
			Size:  sym.Size,
			Align: max(sym.Align, 1),
			Kind:  obj.KindUninitialized,
		})
	}

	for _, f := range ctx.Objs {
		f.Sections = make([]SectionRef, len(f.Obj.Sections))
		for i := range f.Obj.Sections {
			f.Sections[i] = SectionRef(len(ctx.Sections))
			ctx.Sections = append(ctx.Sections, NewInputSection(f, obj.SectionID(i)))
		}
	}
	for gi, sid := range commons {
		ctx.commons[gi] = ctx.Internal.Sections[sid]
	}

	ctx.live = make([]bool, len(ctx.Sections))
	for i := range ctx.live {
		ctx.live[i] = true
	}
	ctx.Log.V(1).Info("collected sections", "sections", len(ctx.Sections), "commons", len(commons))
}

// symbolSection returns the section defining global table entry gi.
func (ctx *Context) symbolSection(gi int) (SectionRef, bool) {
	sym := ctx.Symbols.Get(gi)
	switch sym.Def {
	case obj.DefSection:
		f := ctx.Objs[sym.File]
		return f.Sections[f.Obj.Symbols[sym.Index].Section], true
	case obj.DefCommon:
		ref, ok := ctx.commons[gi]
		return ref, ok
	}
	return 0, false
}

// targetSection follows symbol id of f to the section it lives in. Global
// symbols go through the table so the winning definition is used.
func (ctx *Context) targetSection(f *ObjectFile, id obj.SymbolID) (SectionRef, bool) {
	if gi := f.Globals[id]; gi >= 0 {
		return ctx.symbolSection(gi)
	}
	sym := &f.Obj.Symbols[id]
	if sym.Def != obj.DefSection {
		return 0, false
	}
	return f.Sections[sym.Section], true
}

// IsLive reports whether section ref survived garbage collection.
func (ctx *Context) IsLive(ref SectionRef) bool {
	return ctx.live[ref]
}

type outputKey struct {
	name string
	kind obj.SectionKind
}

// BinSections groups live input sections into output sections keyed by
// output name and kind, in order of first appearance. Merge sections are
// split and their fragments deduplicated.
func BinSections(ctx *Context) error {
	byKey := map[outputKey]*OutputSection{}
	var errs error
	var merges []*MergeableSection
	for ref, isec := range ctx.Sections {
		if !ctx.live[ref] {
			continue
		}
		sec := isec.Section()
		key := outputKey{name: GetOutputName(sec.Name, isec.Kind, sec.Strings), kind: isec.Kind}
		osec, ok := byKey[key]
		if !ok {
			osec = NewOutputSection(key.name, key.kind, len(ctx.OutputSections))
			byKey[key] = osec
			ctx.OutputSections = append(ctx.OutputSections, osec)
		}
		isec.Output = osec

		if osec.Merged == nil {
			osec.Members = append(osec.Members, isec)
			continue
		}
		m, err := splitSection(isec, osec.Merged)
		if err != nil {
			errs = multierr.Append(errs, &ParseError{Path: isec.File.Name(), Err: err})
			continue
		}
		isec.Merge = m
		merges = append(merges, m)
	}
	if errs != nil {
		return errs
	}

	for _, m := range merges {
		m.registerFragments()
	}
	ctx.Log.V(1).Info("binned sections", "outputSections", len(ctx.OutputSections), "mergeSections", len(merges))
	return nil
}
