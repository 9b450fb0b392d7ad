package linker

import (
	"runtime"
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/hcyang1106/objlink/pkg/obj"
)

// MarkLiveSections drops every section unreachable from the roots when
// --gc-sections is on. Roots are the entry symbol, -u symbols, exported
// symbols and Keep sections; edges run from a section to the defining
// section of each relocation target.
func MarkLiveSections(ctx *Context) error {
	if !ctx.Config.GCSections {
		return nil
	}

	visited := make([]atomic.Bool, len(ctx.Sections))
	var roots []SectionRef
	mark := func(ref SectionRef) {
		if visited[ref].CompareAndSwap(false, true) {
			roots = append(roots, ref)
		}
	}

	for ref, isec := range ctx.Sections {
		if isec.Section().Keep {
			mark(SectionRef(ref))
		}
	}
	names := append([]string{ctx.Config.Entry}, ctx.Config.Undefined...)
	for _, name := range names {
		if _, gi, ok := ctx.Symbols.Lookup(name); ok {
			if ref, ok := ctx.symbolSection(gi); ok {
				mark(ref)
			}
		}
	}
	for gi := 0; gi < ctx.Symbols.Len(); gi++ {
		if ctx.Symbols.Get(gi).Visibility != obj.VisExported {
			continue
		}
		if ref, ok := ctx.symbolSection(gi); ok {
			mark(ref)
		}
	}

	frontier := roots
	workers := runtime.GOMAXPROCS(0)
	for len(frontier) > 0 {
		chunks := chunk(frontier, workers)
		found := make([][]SectionRef, len(chunks))
		g := errgroup.Group{}
		for i, refs := range chunks {
			g.Go(func() error {
				for _, ref := range refs {
					isec := ctx.Sections[ref]
					for _, rel := range isec.Section().Relocs {
						target, ok := ctx.targetSection(isec.File, rel.Symbol)
						if ok && visited[target].CompareAndSwap(false, true) {
							found[i] = append(found[i], target)
						}
					}
				}
				return nil
			})
		}
		_ = g.Wait()

		frontier = nil
		for _, refs := range found {
			frontier = append(frontier, refs...)
		}
	}

	removed := 0
	for i := range ctx.live {
		ctx.live[i] = visited[i].Load()
		if !ctx.live[i] {
			removed++
		}
	}
	ctx.Log.V(1).Info("garbage collected sections", "removed", removed, "kept", len(ctx.live)-removed)
	return checkLiveReferences(ctx)
}

// checkLiveReferences reports live relocations whose target section was
// dropped. The marking above always follows these edges, so this only fires
// if a root or edge was missed there.
func checkLiveReferences(ctx *Context) error {
	var errs error
	for ref, isec := range ctx.Sections {
		if !ctx.live[ref] {
			continue
		}
		for _, rel := range isec.Section().Relocs {
			target, ok := ctx.targetSection(isec.File, rel.Symbol)
			if ok && !ctx.live[target] {
				errs = multierr.Append(errs, &GCInconsistencyError{
					Section: isec.Name(),
					Target:  ctx.Sections[target].Name(),
				})
			}
		}
	}
	return errs
}

func chunk[T any](s []T, n int) [][]T {
	size := max((len(s)+n-1)/n, 1)
	var out [][]T
	for len(s) > 0 {
		k := min(size, len(s))
		out = append(out, s[:k])
		s = s[k:]
	}
	return out
}
