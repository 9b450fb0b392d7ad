package linker

import (
	"bytes"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/stretchr/testify/require"

	"github.com/hcyang1106/objlink/pkg/arch/amd64"
	"github.com/hcyang1106/objlink/pkg/format/ar"
	"github.com/hcyang1106/objlink/pkg/format/elf64"
	"github.com/hcyang1106/objlink/pkg/obj"
)

func encodeArchive(t *testing.T, name string, index bool, members ...*obj.Object) *ar.Archive {
	t.Helper()
	var wm []ar.WriterMember
	for _, m := range members {
		var buf bytes.Buffer
		require.NoError(t, elf64.WriteObject(&buf, m, amd64.Arch{}))
		member := ar.WriterMember{Name: m.Name, Data: buf.Bytes()}
		if index {
			member.Symbols = DefinedNames(m)
		}
		wm = append(wm, member)
	}
	var out bytes.Buffer
	require.NoError(t, ar.Write(&out, wm))
	return fn.Panic1(ar.Parse(name, out.Bytes()))
}

// countParses wraps the context's parser and returns the member parse count.
func countParses(ctx *Context) *int {
	n := new(int)
	parse := ctx.Parse
	ctx.Parse = func(name string, data []byte) (*obj.Object, error) {
		*n++
		return parse(name, data)
	}
	return n
}

func objectNames(ctx *Context) []string {
	var names []string
	for _, f := range ctx.Objs {
		names = append(names, f.Name())
	}
	return names
}

func TestArchiveMembersAreExtractedLazily(t *testing.T) {
	lib := encodeArchive(t, "libx.a", true,
		definer("m1.o", "foo"),
		definer("m2.o", "bar"))

	ctx := newTestContext(t, x86Config(), callObject("main.o", "foo"))
	ctx.AddArchive(lib, false)
	parses := countParses(ctx)

	img, err := Link(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, *parses)
	require.Equal(t, 1, ctx.Index.Parses)
	require.Equal(t, []string{"main.o", "<internal>", "libx.a(m1.o)"}, objectNames(ctx))
	imageSymbol(t, img, "foo")
}

func TestArchiveExtractionFollowsNewReferences(t *testing.T) {
	m1 := definer("m1.o", "foo")
	m1.Reference("baz", obj.BindGlobal)
	lib := encodeArchive(t, "libx.a", true, m1, definer("m2.o", "bar"), definer("m3.o", "baz"))

	ctx := newTestContext(t, x86Config(), callObject("main.o", "foo"))
	ctx.AddArchive(lib, false)
	_, err := Link(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"main.o", "<internal>", "libx.a(m1.o)", "libx.a(m3.o)"}, objectNames(ctx))
}

func TestArchiveDoesNotReplaceExistingDefinition(t *testing.T) {
	lib := encodeArchive(t, "libx.a", true, definer("m1.o", "foo"))

	ctx := newTestContext(t, x86Config(), callObject("main.o", "foo"), definer("local.o", "foo"))
	ctx.AddArchive(lib, false)
	_, err := Link(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, ctx.Index.Parses)

	sym, _, _ := ctx.Symbols.Lookup("foo")
	require.Equal(t, "local.o", ctx.Objs[sym.File].Name())
}

func TestFirstArchiveProvidingANameWins(t *testing.T) {
	first := encodeArchive(t, "liba.a", true, definer("a.o", "foo"))
	second := encodeArchive(t, "libb.a", true, definer("b.o", "foo"))

	ctx := newTestContext(t, x86Config(), callObject("main.o", "foo"))
	ctx.AddArchive(first, false)
	ctx.AddArchive(second, false)
	_, err := Link(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"main.o", "<internal>", "liba.a(a.o)"}, objectNames(ctx))
}

func TestWholeArchiveExtractsEveryMember(t *testing.T) {
	lib := encodeArchive(t, "libx.a", true, definer("m1.o", "foo"), definer("m2.o", "bar"))

	ctx := newTestContext(t, x86Config(), startObject("main.o"))
	ctx.AddArchive(lib, true)
	img, err := Link(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"main.o", "<internal>", "libx.a(m1.o)", "libx.a(m2.o)"}, objectNames(ctx))
	imageSymbol(t, img, "bar")
}

func TestArchiveWithoutIndexIsScanned(t *testing.T) {
	lib := encodeArchive(t, "libx.a", false, definer("m1.o", "foo"), definer("m2.o", "bar"))

	ctx := newTestContext(t, x86Config(), callObject("main.o", "bar"))
	ctx.AddArchive(lib, false)
	_, err := Link(ctx)
	require.NoError(t, err)
	// each member is parsed once while scanning and reused on extraction
	require.Equal(t, 2, ctx.Index.Parses)
	require.Equal(t, []string{"main.o", "<internal>", "libx.a(m2.o)"}, objectNames(ctx))
}
