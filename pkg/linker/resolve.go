package linker

import (
	"go.uber.org/multierr"

	"github.com/hcyang1106/objlink/pkg/format"
	"github.com/hcyang1106/objlink/pkg/obj"
)

// ResolveSymbols runs the resolution worklist: objects are merged into the
// table in link order and, once the command line objects are in, every
// outstanding strong reference is looked up in the archive index after
// each merge. A member that provides one is parsed and queued. The loop
// ends when the queue drains.
func ResolveSymbols(ctx *Context) error {
	CreateInternalFile(ctx)

	idx, err := NewArchiveIndex(ctx)
	if err != nil {
		return err
	}
	ctx.Index = idx

	queue := []*ObjectFile{ctx.Internal}
	for _, item := range ctx.items {
		if item.object != nil {
			queue = append(queue, item.object)
			continue
		}
		if !item.whole {
			continue
		}
		files, err := idx.ExtractAll(item.archive)
		if err != nil {
			return err
		}
		queue = append(queue, files...)
	}

	b := newTableBuilder(ctx)
	initial := len(queue)
	var pending []string
	for n := 0; len(queue) > 0; n++ {
		f := queue[0]
		queue = queue[1:]
		if err := ctx.checkMachine(f); err != nil {
			return err
		}
		pending = append(pending, b.merge(f)...)
		// every command line object is merged before archives are consulted
		if n+1 < initial {
			continue
		}

		for _, name := range pending {
			if b.syms[b.byName[name]].IsDefined() {
				continue
			}
			key, ok := idx.Lookup(name)
			if !ok {
				continue
			}
			member, err := idx.Extract(key)
			if err != nil {
				return err
			}
			ctx.Log.V(1).Info("extracting archive member", "member", member.Name(), "symbol", name)
			queue = append(queue, member)
		}
		pending = pending[:0]
	}

	markExports(ctx, b)

	errs := b.errs
	for i := range b.syms {
		sym := &b.syms[i]
		if sym.IsDefined() || !sym.Strong || sym.entryOnly {
			continue
		}
		if ctx.Config.OutputKind() == format.Shared {
			continue
		}
		referrer := ""
		if sym.Referrer >= 0 {
			referrer = ctx.Objs[sym.Referrer].Name()
		}
		errs = multierr.Append(errs, &UndefinedSymbolError{Name: sym.Name, Referrer: referrer})
	}
	if errs != nil {
		return errs
	}

	ctx.Symbols = b.freeze()
	ctx.Log.V(1).Info("resolved symbols", "objects", len(ctx.Objs), "symbols", ctx.Symbols.Len(),
		"archiveMembersParsed", idx.Parses)
	return nil
}

// markExports applies --export, and for shared objects exports every
// defined global with default visibility.
func markExports(ctx *Context, b *tableBuilder) {
	for _, name := range ctx.Config.Exports {
		i, ok := b.byName[name]
		if !ok || !b.syms[i].IsDefined() {
			ctx.Log.Info("exported symbol is not defined", "symbol", name)
			continue
		}
		if b.syms[i].Visibility != obj.VisHidden {
			b.syms[i].Visibility = obj.VisExported
		}
	}
	if ctx.Config.OutputKind() != format.Shared {
		return
	}
	for i := range b.syms {
		if b.syms[i].IsDefined() && b.syms[i].Visibility == obj.VisDefault {
			b.syms[i].Visibility = obj.VisExported
		}
	}
}
