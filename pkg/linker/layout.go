package linker

import (
	"runtime"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/hcyang1106/objlink/pkg/format"
	"github.com/hcyang1106/objlink/pkg/obj"
	"github.com/hcyang1106/objlink/pkg/utils"
)

// Segment is a loadable range of output sections sharing one permission set.
type Segment struct {
	Perm     format.Perm
	Sections []*OutputSection
	Vaddr    uint64
	Memsz    uint64
	Offset   uint64
	Filesz   uint64
	Align    uint64
}

var segmentOrder = []format.Perm{
	format.PermRead,
	format.PermRead | format.PermExec,
	format.PermRead | format.PermWrite,
}

// pack assigns segment relative offsets, starting after start bytes of
// header.
func (s *Segment) pack(start uint64) {
	off := start
	s.Filesz = start
	s.Align = 1
	for _, osec := range s.Sections {
		off = utils.AlignTo(off, osec.Align)
		osec.segOff = off
		off += osec.Size
		if !osec.IsBss() {
			s.Filesz = off
		}
		s.Align = max(s.Align, osec.Align)
	}
	s.Memsz = off
}

// buildSegments orders output sections into the R, RX and RW segments.
// Zero-fill sections trail the writable segment.
func buildSegments(ctx *Context) []*Segment {
	var segs []*Segment
	for _, perm := range segmentOrder {
		seg := &Segment{Perm: perm}
		var bss []*OutputSection
		for _, osec := range ctx.OutputSections {
			if osec.Perm() != perm {
				continue
			}
			if osec.IsBss() {
				bss = append(bss, osec)
				continue
			}
			seg.Sections = append(seg.Sections, osec)
		}
		seg.Sections = append(seg.Sections, bss...)

		// the read-only segment carries the headers even when empty
		headers := perm == format.PermRead && ctx.Writer.HeaderSize(1) > 0
		if len(seg.Sections) > 0 || headers {
			segs = append(segs, seg)
		}
	}
	return segs
}

func imageBase(ctx *Context) uint64 {
	switch {
	case ctx.Config.ImageBase != nil:
		return *ctx.Config.ImageBase
	case ctx.Config.OutputKind() == format.Shared:
		return 0
	}
	return ctx.Arch.DefaultBase()
}

// Layout sizes output sections, groups them into segments and assigns
// every address and file offset.
func Layout(ctx *Context) error {
	maxAlign := ctx.Arch.MaxAlign()
	var errs error
	for ref, isec := range ctx.Sections {
		if ctx.live[ref] && isec.Output != nil && isec.Align() > maxAlign {
			errs = multierr.Append(errs, &SectionMisalignmentError{
				Section:  isec.Name(),
				Required: isec.Align(),
				Max:      maxAlign,
			})
		}
	}
	if errs != nil {
		return errs
	}

	g := errgroup.Group{}
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, osec := range ctx.OutputSections {
		g.Go(func() error {
			osec.ComputeSize()
			return nil
		})
	}
	_ = g.Wait()

	ctx.Segments = buildSegments(ctx)
	headerSize := ctx.Writer.HeaderSize(len(ctx.Segments))
	packing := errgroup.Group{}
	for i, seg := range ctx.Segments {
		start := uint64(0)
		if i == 0 {
			start = headerSize
		}
		packing.Go(func() error {
			seg.pack(start)
			return nil
		})
	}
	_ = packing.Wait()

	ctx.Base = imageBase(ctx)
	page := ctx.Arch.PageSize()
	for i, seg := range ctx.Segments {
		if i == 0 {
			if ctx.Base%seg.Align != 0 {
				return &SectionMisalignmentError{
					Section:  seg.Sections[0].Name,
					Required: seg.Align,
					Max:      ctx.Base & -ctx.Base,
				}
			}
			seg.Vaddr = ctx.Base
			seg.Offset = 0
		} else {
			prev := ctx.Segments[i-1]
			seg.Vaddr = utils.AlignTo(prev.Vaddr+prev.Memsz, max(page, seg.Align))
			seg.Offset = utils.AlignTo(prev.Offset+prev.Filesz, page)
		}
		for _, osec := range seg.Sections {
			osec.Addr = seg.Vaddr + osec.segOff
			osec.Offset = seg.Offset + osec.segOff
		}
		ctx.Log.V(1).Info("placed segment", "perm", seg.Perm.String(), "vaddr", seg.Vaddr,
			"memsz", seg.Memsz, "offset", seg.Offset, "filesz", seg.Filesz)
	}

	ctx.Entry = entryAddress(ctx)
	return nil
}

// SymbolAddress returns the final address of global table entry gi. Weak
// undefined symbols resolve to zero.
func (ctx *Context) SymbolAddress(gi int) uint64 {
	sym := ctx.Symbols.Get(gi)
	switch sym.Def {
	case obj.DefSection:
		f := ctx.Objs[sym.File]
		isec := ctx.Sections[f.Sections[f.Obj.Symbols[sym.Index].Section]]
		return isec.AddrOf(sym.Value)
	case obj.DefAbsolute:
		return sym.Value
	case obj.DefCommon:
		return ctx.Sections[ctx.commons[gi]].Addr()
	}
	return 0
}

// entryAddress falls back to the start of .text when the entry symbol is
// not defined, and to zero for shared objects.
func entryAddress(ctx *Context) uint64 {
	if sym, gi, ok := ctx.Symbols.Lookup(ctx.Config.Entry); ok && sym.IsDefined() {
		return ctx.SymbolAddress(gi)
	}
	if ctx.Config.OutputKind() == format.Shared {
		return 0
	}
	for _, osec := range ctx.OutputSections {
		if osec.Name == ".text" {
			ctx.Log.Info("entry symbol not found, defaulting to start of .text",
				"entry", ctx.Config.Entry, "address", osec.Addr)
			return osec.Addr
		}
	}
	return 0
}
