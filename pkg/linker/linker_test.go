package linker

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"

	"github.com/hcyang1106/objlink/pkg/arch/amd64"
	_ "github.com/hcyang1106/objlink/pkg/arch/riscv64"
	"github.com/hcyang1106/objlink/pkg/format"
	"github.com/hcyang1106/objlink/pkg/format/elf64"
	_ "github.com/hcyang1106/objlink/pkg/format/raw"
	"github.com/hcyang1106/objlink/pkg/obj"
)

var (
	x86PC32  = obj.RelocKind(elf.R_X86_64_PC32)
	x86PLT32 = obj.RelocKind(elf.R_X86_64_PLT32)
	x86Abs32 = obj.RelocKind(elf.R_X86_64_32)
	x86Abs64 = obj.RelocKind(elf.R_X86_64_64)
)

func x86Config() Config {
	cfg := DefaultConfig()
	cfg.Arch = amd64.Name
	cfg.Format = elf64.Name
	return cfg
}

func newTestContext(t *testing.T, cfg Config, objs ...*obj.Object) *Context {
	t.Helper()
	ctx := NewContext(cfg, testr.New(t))
	for _, o := range objs {
		ctx.AddObject(&File{Name: o.Name}, o)
	}
	return ctx
}

func link(t *testing.T, cfg Config, objs ...*obj.Object) (*Context, *format.Image, error) {
	t.Helper()
	ctx := newTestContext(t, cfg, objs...)
	img, err := Link(ctx)
	return ctx, img, err
}

func emit(t *testing.T, ctx *Context, img *format.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Emit(ctx, &buf, img))
	return buf.Bytes()
}

func code(o *obj.Object, name string, content []byte, align uint64) obj.SectionID {
	return o.AddSection(obj.Section{Name: name, Content: content, Align: align, Kind: obj.KindCode})
}

func data(o *obj.Object, name string, content []byte) obj.SectionID {
	return o.AddSection(obj.Section{Name: name, Content: content, Align: 4, Kind: obj.KindData})
}

// startObject defines _start in a one byte .text section.
func startObject(name string) *obj.Object {
	o := obj.New(name, amd64.Name)
	text := code(o, ".text", []byte{0xc3}, 1)
	o.Define("_start", obj.BindGlobal, text, 0)
	return o
}

// callObject defines _start as "call foo; ret".
func callObject(name, target string) *obj.Object {
	o := obj.New(name, amd64.Name)
	text := code(o, ".text", []byte{0xe8, 0, 0, 0, 0, 0xc3}, 16)
	o.Define("_start", obj.BindGlobal, text, 0)
	sym := o.Reference(target, obj.BindGlobal)
	o.AddReloc(text, obj.Reloc{Offset: 1, Symbol: sym, Kind: x86PLT32, Addend: -4})
	return o
}

// definer defines each name as a global in its own .text function.
func definer(name string, syms ...string) *obj.Object {
	o := obj.New(name, amd64.Name)
	for _, s := range syms {
		text := code(o, ".text."+s, []byte{0xc3}, 16)
		o.Define(s, obj.BindGlobal, text, 0)
	}
	return o
}

func imageSymbol(t *testing.T, img *format.Image, name string) format.Symbol {
	t.Helper()
	for _, sym := range img.Symbols {
		if sym.Name == name {
			return sym
		}
	}
	require.Failf(t, "symbol not in image", "%s", name)
	return format.Symbol{}
}

func imageSection(t *testing.T, img *format.Image, name string) format.Section {
	t.Helper()
	for _, sec := range img.Sections {
		if sec.Name == name {
			return sec
		}
	}
	require.Failf(t, "section not in image", "%s", name)
	return format.Section{}
}

// bytesAt returns the loaded contents of img starting at addr.
func bytesAt(t *testing.T, img *format.Image, addr uint64) []byte {
	t.Helper()
	for _, sec := range img.Sections {
		if sec.Data != nil && addr >= sec.Addr && addr < sec.Addr+sec.Size {
			return sec.Data[addr-sec.Addr:]
		}
	}
	require.Failf(t, "address not in a loaded section", "%#x", addr)
	return nil
}

func TestLinkResolvesCallAcrossObjects(t *testing.T) {
	ctx, img, err := link(t, x86Config(), callObject("a.o", "foo"), definer("b.o", "foo"))
	require.NoError(t, err)

	start := imageSymbol(t, img, "_start").Value
	foo := imageSymbol(t, img, "foo").Value
	require.Equal(t, start+16, foo)
	require.Equal(t, start, img.Entry)

	site := bytesAt(t, img, start+1)
	require.Equal(t, uint32(foo-4-(start+1)), ctx.Arch.ByteOrder().Uint32(site))

	text := imageSection(t, img, ".text")
	require.Zero(t, text.Addr%ctx.Arch.PageSize())
	require.Equal(t, uint64(0x400000), img.Base)
}

func TestLinkIsDeterministic(t *testing.T) {
	build := func() []byte {
		objs := []*obj.Object{
			callObject("a.o", "foo"),
			definer("b.o", "foo", "bar", "baz"),
		}
		objs[1].AddCommon("counter", 8, 8)
		ctx, img, err := link(t, x86Config(), objs...)
		require.NoError(t, err)
		return emit(t, ctx, img)
	}
	require.Equal(t, build(), build())
}

func TestLinkFailureProducesNoImage(t *testing.T) {
	_, img, err := link(t, x86Config(), callObject("a.o", "missing"))
	require.Error(t, err)
	require.Nil(t, img)
	require.False(t, IsInputError(err))
}

func TestEntryFallsBackToText(t *testing.T) {
	o := obj.New("a.o", amd64.Name)
	text := code(o, ".text", []byte{0x90, 0xc3}, 4)
	o.Define("main", obj.BindGlobal, text, 1)

	_, img, err := link(t, x86Config(), o)
	require.NoError(t, err)
	require.Equal(t, imageSection(t, img, ".text").Addr, img.Entry)
}

func TestEntryOption(t *testing.T) {
	o := obj.New("a.o", amd64.Name)
	text := code(o, ".text", []byte{0x90, 0xc3}, 4)
	o.Define("main", obj.BindGlobal, text, 1)

	cfg := x86Config()
	cfg.Entry = "main"
	_, img, err := link(t, cfg, o)
	require.NoError(t, err)
	require.Equal(t, imageSymbol(t, img, "main").Value, img.Entry)
	require.Equal(t, imageSection(t, img, ".text").Addr+1, img.Entry)
}

func TestHiddenSymbolsBecomeLocal(t *testing.T) {
	o := startObject("a.o")
	text := code(o, ".text.helper", []byte{0xc3}, 1)
	o.AddSymbol(obj.Symbol{
		Name:       "helper",
		Binding:    obj.BindGlobal,
		Def:        obj.DefSection,
		Section:    text,
		Visibility: obj.VisHidden,
	})

	_, img, err := link(t, x86Config(), o)
	require.NoError(t, err)
	require.Equal(t, "helper", img.Symbols[0].Name)
	require.Equal(t, obj.BindLocal, img.Symbols[0].Binding)
	require.Equal(t, obj.BindGlobal, imageSymbol(t, img, "_start").Binding)
}

func TestLinkEmitsRawBinary(t *testing.T) {
	cfg := x86Config()
	cfg.Format = "binary"
	ctx, img, err := link(t, cfg, callObject("a.o", "foo"), definer("b.o", "foo"))
	require.NoError(t, err)

	out := emit(t, ctx, img)
	require.Equal(t, img.FileSize(), uint64(len(out)))
	// with no header the first segment is .text at the base
	require.Equal(t, img.Base, imageSection(t, img, ".text").Addr)
	require.Equal(t, byte(0xe8), out[0])
}
