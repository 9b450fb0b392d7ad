package elf64_test

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/hcyang1106/objlink/pkg/arch"
	_ "github.com/hcyang1106/objlink/pkg/arch/amd64"
	"github.com/hcyang1106/objlink/pkg/format"
	"github.com/hcyang1106/objlink/pkg/format/elf64"
	"github.com/hcyang1106/objlink/pkg/obj"
)

func sampleObject() *obj.Object {
	o := obj.New("sample.o", "x86_64")
	text := o.AddSection(obj.Section{
		Name:    ".text",
		Content: []byte{0x55, 0xe8, 0, 0, 0, 0, 0xc3, 0x90},
		Align:   16,
		Kind:    obj.KindCode,
	})
	data := o.AddSection(obj.Section{Name: ".data", Content: []byte{1, 2, 3, 4, 5, 6, 7, 8}, Align: 8, Kind: obj.KindData})
	o.AddSection(obj.Section{Name: ".bss", Size: 32, Align: 16, Kind: obj.KindUninitialized})
	o.AddSection(obj.Section{
		Name:    ".rodata.str1.1",
		Content: []byte("hi\x00there\x00"),
		Kind:    obj.KindMerge,
		EntSize: 1,
		Strings: true,
	})

	o.SectionSymbol(data)
	local := o.Define("helper", obj.BindLocal, text, 6)
	o.Symbols[local].Type = obj.SymFunc
	start := o.Define("_start", obj.BindGlobal, text, 0)
	o.Symbols[start].Type = obj.SymFunc
	o.Define("tunable", obj.BindWeak, data, 4)
	foo := o.Reference("foo", obj.BindGlobal)
	o.AddCommon("buffer", 64, 8)

	o.AddReloc(text, obj.Reloc{Offset: 2, Symbol: foo, Kind: obj.RelocKind(elf.R_X86_64_PLT32), Addend: -4})
	o.AddReloc(data, obj.Reloc{Offset: 0, Symbol: start, Kind: obj.RelocKind(elf.R_X86_64_64)})
	return o
}

func TestObjectRoundTrip(t *testing.T) {
	a := fn.Panic1(arch.Lookup("x86_64"))
	want := sampleObject()

	var buf bytes.Buffer
	require.NoError(t, elf64.WriteObject(&buf, want, a))

	r, ok := format.Identify(buf.Bytes())
	require.True(t, ok)
	require.Equal(t, elf64.Name, r.Name())

	got, err := r.Parse("sample.o", buf.Bytes())
	require.NoError(t, err)
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	// the standard library must agree the object is well formed
	f, err := elf.NewFile(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, elf.ET_REL, f.Type)
	require.Equal(t, elf.EM_X86_64, f.Machine)
	syms, err := f.Symbols()
	require.NoError(t, err)
	names := []string{}
	for _, s := range syms {
		names = append(names, s.Name)
	}
	require.Subset(t, names, []string{"_start", "foo", "buffer", "helper", "tunable"})
}

func TestParseDropsNonAllocSections(t *testing.T) {
	a := fn.Panic1(arch.Lookup("x86_64"))
	o := obj.New("dbg.o", "x86_64")
	o.AddSection(obj.Section{Name: ".text", Content: []byte{0xc3}, Kind: obj.KindCode})

	var buf bytes.Buffer
	require.NoError(t, elf64.WriteObject(&buf, o, a))
	got, err := elf64.Reader{}.Parse("dbg.o", buf.Bytes())
	require.NoError(t, err)
	require.Len(t, got.Sections, 1, ".symtab, .strtab and .shstrtab are not loaded")
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := elf64.Reader{}.Parse("junk.o", []byte("definitely not an object file, just text"))
	require.Error(t, err)
	require.False(t, elf64.Reader{}.Identify([]byte("\x7fELF")))
}

func TestEmitExecutable(t *testing.T) {
	a := fn.Panic1(arch.Lookup("x86_64"))
	w := elf64.Writer{}
	hdr := w.HeaderSize(2)

	text := []byte{0x31, 0xc0, 0xc3}
	img := &format.Image{
		Arch:  a,
		Kind:  format.Executable,
		Entry: 0x401000,
		Base:  0x400000,
		Sections: []format.Section{
			{Name: ".text", Kind: obj.KindCode, Addr: 0x401000, Offset: 0x1000, Size: 3, Align: 16, Data: text},
			{Name: ".bss", Kind: obj.KindUninitialized, Addr: 0x402000, Offset: 0x2000, Size: 0x40, Align: 8},
		},
		Segments: []format.Segment{
			{Perm: format.PermRead, Vaddr: 0x400000, Memsz: hdr, Offset: 0, Filesz: hdr, Align: 0x1000},
			{Perm: format.PermRead | format.PermExec, Vaddr: 0x401000, Memsz: 3, Offset: 0x1000, Filesz: 3, Align: 0x1000, Sections: []int{0}},
		},
		Symbols: []format.Symbol{
			{Name: "_start", Value: 0x401000, Section: 0, Binding: obj.BindGlobal, Type: obj.SymFunc},
			{Name: "scratch", Value: 0x402000, Size: 0x40, Section: 1, Binding: obj.BindGlobal, Type: obj.SymObject},
		},
	}
	img.Segments = append(img.Segments, format.Segment{
		Perm: format.PermRead | format.PermWrite, Vaddr: 0x402000, Memsz: 0x40, Offset: 0x2000, Align: 0x1000, Sections: []int{1},
	})
	// one more segment than HeaderSize(2) accounted for
	img.Segments[0].Filesz = w.HeaderSize(3)
	img.Segments[0].Memsz = w.HeaderSize(3)

	var buf bytes.Buffer
	require.NoError(t, w.Emit(&buf, img))

	f, err := elf.NewFile(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, elf.ET_EXEC, f.Type)
	require.Equal(t, uint64(0x401000), f.Entry)

	var loads []*elf.Prog
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			loads = append(loads, p)
		}
	}
	require.Len(t, loads, 3)
	require.Equal(t, elf.PF_R|elf.PF_X, loads[1].Flags)
	require.Equal(t, uint64(0x40), loads[2].Memsz)
	require.Zero(t, loads[2].Filesz)

	got, err := f.Section(".text").Data()
	require.NoError(t, err)
	require.Equal(t, text, got)

	syms, err := f.Symbols()
	require.NoError(t, err)
	require.Len(t, syms, 2)
	require.Equal(t, "scratch", syms[1].Name)
	require.Equal(t, uint64(0x402000), syms[1].Value)

	// same image, same bytes
	var again bytes.Buffer
	require.NoError(t, w.Emit(&again, img))
	require.Equal(t, buf.Bytes(), again.Bytes())
}
