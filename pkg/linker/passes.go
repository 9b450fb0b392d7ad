package linker

import (
	"github.com/hcyang1106/objlink/pkg/format"
)

// Link runs every phase after input loading and returns the image to emit.
// Errors of one phase are accumulated; the first failing phase ends the link.
func Link(ctx *Context) (*format.Image, error) {
	if err := SelectTarget(ctx); err != nil {
		return nil, err
	}
	ctx.Log.V(1).Info("selected target", "arch", ctx.Arch.Name(), "format", ctx.Writer.Name(),
		"kind", ctx.Config.OutputKind().String())

	if err := ResolveSymbols(ctx); err != nil {
		return nil, err
	}
	CollectSections(ctx)
	if err := MarkLiveSections(ctx); err != nil {
		return nil, err
	}
	if err := BinSections(ctx); err != nil {
		return nil, err
	}
	if err := Layout(ctx); err != nil {
		return nil, err
	}
	if err := ApplyRelocations(ctx); err != nil {
		return nil, err
	}

	img := BuildImage(ctx)
	ctx.Log.V(1).Info("built image", "sections", len(img.Sections), "segments", len(img.Segments),
		"symbols", len(img.Symbols), "entry", img.Entry)
	return img, nil
}
