package linker

import (
	"io"
	"sort"

	"github.com/pkg/errors"

	"github.com/hcyang1106/objlink/pkg/format"
	"github.com/hcyang1106/objlink/pkg/obj"
)

// BuildImage turns the laid out and relocated link into the writer's input.
func BuildImage(ctx *Context) *format.Image {
	img := &format.Image{
		Arch:  ctx.Arch,
		Kind:  ctx.Config.OutputKind(),
		Entry: ctx.Entry,
		Base:  ctx.Base,
	}

	index := map[*OutputSection]int{}
	for _, seg := range ctx.Segments {
		s := format.Segment{
			Perm:   seg.Perm,
			Vaddr:  seg.Vaddr,
			Memsz:  seg.Memsz,
			Offset: seg.Offset,
			Filesz: seg.Filesz,
			Align:  seg.Align,
		}
		for _, osec := range seg.Sections {
			index[osec] = len(img.Sections)
			s.Sections = append(s.Sections, len(img.Sections))
			img.Sections = append(img.Sections, format.Section{
				Name:   osec.Name,
				Kind:   osec.Kind,
				Addr:   osec.Addr,
				Offset: osec.Offset,
				Size:   osec.Size,
				Align:  osec.Align,
				Data:   osec.Data,
			})
		}
		img.Segments = append(img.Segments, s)
	}

	img.Symbols = outputSymbols(ctx, index)
	return img
}

// outputSymbols lists retained global definitions. Hidden symbols become
// locals and come first; the rest are ordered by address, then name.
func outputSymbols(ctx *Context, index map[*OutputSection]int) []format.Symbol {
	var syms []format.Symbol
	for gi := 0; gi < ctx.Symbols.Len(); gi++ {
		sym := ctx.Symbols.Get(gi)
		out := format.Symbol{
			Name:       sym.Name,
			Size:       sym.Size,
			Section:    -1,
			Binding:    sym.Binding,
			Type:       sym.Type,
			Visibility: sym.Visibility,
		}
		switch sym.Def {
		case obj.DefUndefined:
			continue
		case obj.DefSection, obj.DefCommon:
			ref, ok := ctx.symbolSection(gi)
			if !ok || !ctx.live[ref] || ctx.Sections[ref].Output == nil {
				continue
			}
			out.Section = index[ctx.Sections[ref].Output]
		}
		if sym.Def == obj.DefCommon {
			out.Binding = obj.BindGlobal
			out.Type = obj.SymObject
		}
		if sym.Visibility == obj.VisHidden {
			out.Binding = obj.BindLocal
		}
		out.Value = ctx.SymbolAddress(gi)
		syms = append(syms, out)
	}

	sort.SliceStable(syms, func(i, j int) bool {
		x, y := &syms[i], &syms[j]
		if xl, yl := x.Binding == obj.BindLocal, y.Binding == obj.BindLocal; xl != yl {
			return xl
		}
		if x.Value != y.Value {
			return x.Value < y.Value
		}
		return x.Name < y.Name
	})
	return syms
}

func Emit(ctx *Context, w io.Writer, img *format.Image) error {
	if err := ctx.Writer.Emit(w, img); err != nil {
		return errors.Wrapf(err, "failed to write %s output", ctx.Writer.Name())
	}
	return nil
}
