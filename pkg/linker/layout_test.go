package linker

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/hcyang1106/objlink/pkg/arch/amd64"
	"github.com/hcyang1106/objlink/pkg/format"
	"github.com/hcyang1106/objlink/pkg/obj"
)

func layoutObject() *obj.Object {
	o := startObject("a.o")
	o.AddSection(obj.Section{Name: ".rodata", Content: []byte("ro"), Align: 8, Kind: obj.KindReadOnlyData})
	data(o, ".data", []byte{1, 2, 3, 4})
	o.AddSection(obj.Section{Name: ".bss", Size: 0x2000, Align: 32, Kind: obj.KindUninitialized})
	return o
}

func TestLayoutSegments(t *testing.T) {
	ctx, img, err := link(t, x86Config(), layoutObject())
	require.NoError(t, err)

	require.Len(t, img.Segments, 3)
	perms := []format.Perm{}
	for _, seg := range img.Segments {
		perms = append(perms, seg.Perm)
	}
	require.Equal(t, []format.Perm{
		format.PermRead,
		format.PermRead | format.PermExec,
		format.PermRead | format.PermWrite,
	}, perms)

	page := ctx.Arch.PageSize()
	first := img.Segments[0]
	require.Equal(t, uint64(0x400000), first.Vaddr)
	require.Zero(t, first.Offset)
	require.GreaterOrEqual(t, img.Sections[first.Sections[0]].Offset, ctx.Writer.HeaderSize(3))

	for i, seg := range img.Segments {
		require.Equal(t, seg.Vaddr%page, seg.Offset%page)
		for _, idx := range seg.Sections {
			sec := img.Sections[idx]
			require.Zero(t, sec.Addr%sec.Align, sec.Name)
			require.Equal(t, sec.Addr-seg.Vaddr, sec.Offset-seg.Offset, sec.Name)
		}
		if i > 0 {
			prev := img.Segments[i-1]
			require.GreaterOrEqual(t, seg.Vaddr, prev.Vaddr+prev.Memsz)
			require.Zero(t, seg.Vaddr%page)
		}
	}

	rw := img.Segments[2]
	bss := img.Sections[rw.Sections[len(rw.Sections)-1]]
	require.Equal(t, ".bss", bss.Name)
	require.Nil(t, bss.Data)
	require.Equal(t, bss.Addr+bss.Size, rw.Vaddr+rw.Memsz)
	require.Less(t, rw.Filesz, rw.Memsz)
}

func TestLayoutImageBase(t *testing.T) {
	cfg := x86Config()
	base := uint64(0x800000)
	cfg.ImageBase = &base
	_, img, err := link(t, cfg, layoutObject())
	require.NoError(t, err)
	require.Equal(t, base, img.Segments[0].Vaddr)
	require.Equal(t, base, img.Base)
}

func TestLayoutRejectsMisalignedImageBase(t *testing.T) {
	cfg := x86Config()
	cfg.Format = "binary"
	base := uint64(0x400004)
	cfg.ImageBase = &base
	_, _, err := link(t, cfg, layoutObject())

	var mis *SectionMisalignmentError
	require.True(t, errors.As(err, &mis))
}

func TestSectionMisalignment(t *testing.T) {
	o := startObject("a.o")
	o.AddSection(obj.Section{Name: ".data.huge", Content: []byte{0}, Align: 1 << 22, Kind: obj.KindData})
	o.AddSection(obj.Section{Name: ".bss.huge", Size: 4, Align: 1 << 23, Kind: obj.KindUninitialized})

	_, img, err := link(t, x86Config(), o)
	require.Nil(t, img)

	lines := Diagnostics(err)
	require.Len(t, lines, 2)
	var mis *SectionMisalignmentError
	require.True(t, errors.As(err, &mis))
	require.Equal(t, &SectionMisalignmentError{Section: "a.o:.data.huge", Required: 1 << 22, Max: 0x200000}, mis)
}

func TestMergeSectionsAreDeduplicated(t *testing.T) {
	a := obj.New("a.o", amd64.Name)
	// mov $str, %eax; ret
	text := code(a, ".text", []byte{0xb8, 0, 0, 0, 0, 0xc3}, 1)
	a.Define("_start", obj.BindGlobal, text, 0)
	strs := a.AddSection(obj.Section{
		Name: ".rodata.str1.1", Content: []byte("hello\x00world\x00"),
		Align: 1, Kind: obj.KindMerge, EntSize: 1, Strings: true,
	})
	a.AddReloc(text, obj.Reloc{Offset: 1, Symbol: a.SectionSymbol(strs), Kind: x86Abs32, Addend: 6})

	b := obj.New("b.o", amd64.Name)
	bstrs := b.AddSection(obj.Section{
		Name: ".rodata.str1.1", Content: []byte("world\x00"),
		Align: 1, Kind: obj.KindMerge, EntSize: 1, Strings: true,
	})
	b.Define("msg", obj.BindGlobal, bstrs, 0)

	ctx, img, err := link(t, x86Config(), a, b)
	require.NoError(t, err)

	merged := imageSection(t, img, ".rodata.str")
	require.Equal(t, uint64(12), merged.Size)

	start := imageSymbol(t, img, "_start").Value
	addr := uint64(ctx.Arch.ByteOrder().Uint32(bytesAt(t, img, start+1)))
	require.Equal(t, "world\x00", string(bytesAt(t, img, addr)[:6]))
	require.Equal(t, addr, imageSymbol(t, img, "msg").Value)
}

func TestSplitSectionRejectsUnterminatedStrings(t *testing.T) {
	o := startObject("a.o")
	o.AddSection(obj.Section{
		Name: ".rodata.str1.1", Content: []byte("abc"),
		Align: 1, Kind: obj.KindMerge, EntSize: 1, Strings: true,
	})
	_, _, err := link(t, x86Config(), o)
	require.Error(t, err)
	require.True(t, IsInputError(err))
}
