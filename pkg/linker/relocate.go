package linker

import (
	"runtime"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/hcyang1106/objlink/pkg/arch"
	"github.com/hcyang1106/objlink/pkg/obj"
)

// ApplyRelocations fills every output section with its contents and patches
// every relocation site. Sections are relocated concurrently, each on a
// private copy; errors are reported in section order.
func ApplyRelocations(ctx *Context) error {
	for _, osec := range ctx.OutputSections {
		osec.CopyBuf()
	}

	var jobs []*InputSection
	for ref, isec := range ctx.Sections {
		if ctx.live[ref] && isec.Output != nil && isec.Merge == nil && len(isec.Section().Relocs) > 0 {
			jobs = append(jobs, isec)
		}
	}

	errs := make([]error, len(jobs))
	g := errgroup.Group{}
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, isec := range jobs {
		g.Go(func() error {
			errs[i] = ctx.relocateSection(isec)
			return nil
		})
	}
	_ = g.Wait()
	return multierr.Combine(errs...)
}

func (ctx *Context) relocateSection(isec *InputSection) error {
	sec := isec.Section()
	buf := append([]byte(nil), sec.Content...)
	a := ctx.Arch
	base := isec.Addr()

	pairer, _ := a.(arch.Pairer)
	var hi map[uint64]uint64
	if pairer != nil {
		hi = map[uint64]uint64{}
		for _, rel := range sec.Relocs {
			if !pairer.IsPairHigh(rel.Kind) {
				continue
			}
			// unresolvable targets are reported by the main pass
			if S, A, err := ctx.relocTarget(isec, rel); err == nil {
				hi[rel.Offset] = S + uint64(A) - (base + rel.Offset)
			}
		}
	}

	var errs error
	for _, rel := range sec.Relocs {
		width := uint64(a.RelocSize(rel.Kind))
		if rel.Offset > uint64(len(buf)) || rel.Offset+width > uint64(len(buf)) {
			errs = multierr.Append(errs, &ParseError{
				Path: isec.File.Name(),
				Err: errors.Errorf("relocation in %s at %#x (width %d) is outside the section (%d bytes)",
					sec.Name, rel.Offset, width, len(buf)),
			})
			continue
		}
		site := buf[rel.Offset:]
		var err error
		if pairer != nil && pairer.IsPairLow(rel.Kind) {
			err = ctx.applyPairLow(isec, rel, hi, site)
		} else {
			var S uint64
			var A int64
			S, A, err = ctx.relocTarget(isec, rel)
			if err == nil {
				err = a.Apply(rel.Kind, site, S, uint64(A), base+rel.Offset)
			}
		}
		if err != nil {
			errs = multierr.Append(errs, ctx.relocError(isec, rel, err))
		}
	}

	copy(isec.Output.Data[isec.Offset:], buf)
	return errs
}

// relocTarget returns S and A for rel. A relocation through the section
// symbol of a merge section selects its fragment by value plus addend, so
// the addend is folded into S.
func (ctx *Context) relocTarget(isec *InputSection, rel obj.Reloc) (uint64, int64, error) {
	f := isec.File
	sym := &f.Obj.Symbols[rel.Symbol]
	if gi := f.Globals[rel.Symbol]; gi >= 0 {
		global := ctx.Symbols.Get(gi)
		if !global.IsDefined() && sym.Binding != obj.BindWeak {
			return 0, 0, &UndefinedSymbolError{Name: global.Name, Referrer: f.Name()}
		}
		return ctx.SymbolAddress(gi), rel.Addend, nil
	}

	switch sym.Def {
	case obj.DefSection:
		target := ctx.Sections[f.Sections[sym.Section]]
		if target.Merge != nil && sym.Type == obj.SymSection {
			off := int64(sym.Value) + rel.Addend
			if off >= 0 && uint64(off) < target.Merge.Size() {
				return target.AddrOf(uint64(off)), 0, nil
			}
		}
		return target.AddrOf(sym.Value), rel.Addend, nil
	case obj.DefAbsolute:
		return sym.Value, rel.Addend, nil
	}
	return 0, rel.Addend, nil
}

// applyPairLow patches a low part with the value of the high part whose
// site the relocation's symbol points at.
func (ctx *Context) applyPairLow(isec *InputSection, rel obj.Reloc, hi map[uint64]uint64, site []byte) error {
	f := isec.File
	sym := &f.Obj.Symbols[rel.Symbol]
	if sym.Def != obj.DefSection || ctx.Sections[f.Sections[sym.Section]] != isec {
		return errors.Errorf("%s symbol %q is not a label in the same section", ctx.Arch.RelocName(rel.Kind), sym.Name)
	}
	val, ok := hi[sym.Value]
	if !ok {
		return errors.Errorf("%s has no matching high part at %#x", ctx.Arch.RelocName(rel.Kind), sym.Value)
	}
	return ctx.Arch.Apply(rel.Kind, site, val, 0, 0)
}

func (ctx *Context) relocError(isec *InputSection, rel obj.Reloc, err error) error {
	kind := ctx.Arch.RelocName(rel.Kind)
	switch {
	case errors.Is(err, arch.ErrOverflow):
		return &RelocationOverflowError{Section: isec.Name(), Offset: rel.Offset, Kind: kind, Err: err}
	case errors.Is(err, arch.ErrUnsupportedReloc):
		return &UnsupportedError{Name: kind}
	}
	var undef *UndefinedSymbolError
	if errors.As(err, &undef) {
		return undef
	}
	return errors.Wrapf(err, "%s+%#x", isec.Name(), rel.Offset)
}
