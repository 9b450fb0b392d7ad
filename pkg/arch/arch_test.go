package arch_test

import (
	"debug/elf"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hcyang1106/objlink/pkg/arch"
	"github.com/hcyang1106/objlink/pkg/arch/amd64"
	"github.com/hcyang1106/objlink/pkg/arch/riscv64"
	"github.com/hcyang1106/objlink/pkg/obj"
)

type applyCase struct {
	kind    obj.RelocKind
	site    []byte
	S, A, P uint64
	want    []byte
	err     error
}

func neg(v int64) uint64 {
	return uint64(-v)
}

func apply(a arch.Arch, tc applyCase) {
	site := append([]byte(nil), tc.site...)
	err := a.Apply(tc.kind, site, tc.S, tc.A, tc.P)
	if tc.err != nil {
		Expect(err).To(MatchError(tc.err))
		Expect(site).To(Equal(tc.site), "a failed relocation must not touch its site")
		return
	}
	Expect(err).NotTo(HaveOccurred())
	Expect(site).To(Equal(tc.want))
}

var _ = Describe("Registry", func() {
	It("finds the built-in architectures by name and machine", func() {
		a, err := arch.Lookup("x86_64")
		Expect(err).NotTo(HaveOccurred())
		Expect(a.ELFMachine()).To(Equal(elf.EM_X86_64))

		r, ok := arch.ForMachine(elf.EM_RISCV)
		Expect(ok).To(BeTrue())
		Expect(r.Name()).To(Equal("riscv64"))

		Expect(arch.Names()).To(ContainElements("riscv64", "x86_64"))
	})

	It("rejects unknown names", func() {
		_, err := arch.Lookup("pdp11")
		Expect(err).To(MatchError(arch.ErrUnknownArch))
	})
})

var _ = Describe("x86_64", func() {
	a := amd64.Arch{}
	k := func(r elf.R_X86_64) obj.RelocKind { return obj.RelocKind(r) }
	zero4 := []byte{0, 0, 0, 0}

	DescribeTable("Apply",
		func(tc applyCase) { apply(a, tc) },
		Entry("R_X86_64_64", applyCase{
			kind: k(elf.R_X86_64_64), site: make([]byte, 8), S: 0x401000, A: 8,
			want: []byte{0x08, 0x10, 0x40, 0, 0, 0, 0, 0},
		}),
		Entry("R_X86_64_PC32", applyCase{
			kind: k(elf.R_X86_64_PC32), site: zero4, S: 0x401000, A: neg(4), P: 0x400100,
			want: []byte{0xfc, 0x0e, 0, 0},
		}),
		Entry("R_X86_64_PLT32 behaves as PC32", applyCase{
			kind: k(elf.R_X86_64_PLT32), site: zero4, S: 0x400000, A: neg(4), P: 0x400010,
			want: []byte{0xec, 0xff, 0xff, 0xff},
		}),
		Entry("R_X86_64_PC32 out of range", applyCase{
			kind: k(elf.R_X86_64_PC32), site: zero4, S: 0x1_0040_0000, P: 0x400000,
			err: arch.ErrOverflow,
		}),
		Entry("R_X86_64_32 at the top of its range", applyCase{
			kind: k(elf.R_X86_64_32), site: zero4, S: 0xffff_ffff,
			want: []byte{0xff, 0xff, 0xff, 0xff},
		}),
		Entry("R_X86_64_32 rejects negative values", applyCase{
			kind: k(elf.R_X86_64_32), site: zero4, S: 0, A: neg(1),
			err: arch.ErrOverflow,
		}),
		Entry("R_X86_64_32S accepts negative values", applyCase{
			kind: k(elf.R_X86_64_32S), site: zero4, A: neg(8),
			want: []byte{0xf8, 0xff, 0xff, 0xff},
		}),
		Entry("R_X86_64_32S rejects 2^31", applyCase{
			kind: k(elf.R_X86_64_32S), site: zero4, S: 0x8000_0000,
			err: arch.ErrOverflow,
		}),
		Entry("R_X86_64_8 holds -128", applyCase{
			kind: k(elf.R_X86_64_8), site: []byte{0}, A: neg(128),
			want: []byte{0x80},
		}),
		Entry("R_X86_64_8 rejects 256", applyCase{
			kind: k(elf.R_X86_64_8), site: []byte{0}, S: 0x100,
			err: arch.ErrOverflow,
		}),
		Entry("R_X86_64_GOTPCREL is not supported", applyCase{
			kind: k(elf.R_X86_64_GOTPCREL), site: zero4,
			err: arch.ErrUnsupportedReloc,
		}),
	)

	It("reports field widths", func() {
		Expect(a.RelocSize(k(elf.R_X86_64_PC32))).To(Equal(4))
		Expect(a.RelocSize(k(elf.R_X86_64_64))).To(Equal(8))
		Expect(a.RelocName(k(elf.R_X86_64_32S))).To(Equal("R_X86_64_32S"))
		Expect(a.RelocName(k(elf.R_X86_64_GOTPCREL))).To(Equal("R_X86_64_GOTPCREL"))
	})
})

var _ = Describe("riscv64", func() {
	a := riscv64.Arch{}
	k := func(r elf.R_RISCV) obj.RelocKind { return obj.RelocKind(r) }

	DescribeTable("Apply",
		func(tc applyCase) { apply(a, tc) },
		Entry("R_RISCV_BRANCH", applyCase{
			kind: k(elf.R_RISCV_BRANCH), site: []byte{0x63, 0, 0, 0}, S: 0x10110, P: 0x10100,
			want: []byte{0x63, 0x08, 0, 0},
		}),
		Entry("R_RISCV_BRANCH out of range", applyCase{
			kind: k(elf.R_RISCV_BRANCH), site: []byte{0x63, 0, 0, 0}, S: 0x11000,
			P: 0x10000, err: arch.ErrOverflow,
		}),
		Entry("R_RISCV_JAL", applyCase{
			kind: k(elf.R_RISCV_JAL), site: []byte{0x6f, 0, 0, 0}, S: 0x10800, P: 0x10000,
			want: []byte{0x6f, 0x00, 0x10, 0x00},
		}),
		Entry("R_RISCV_CALL patches auipc and jalr", applyCase{
			kind: k(elf.R_RISCV_CALL), site: []byte{0x97, 0, 0, 0, 0xe7, 0x80, 0, 0},
			S: 0x11234, P: 0x10000,
			want: []byte{0x97, 0x10, 0, 0, 0xe7, 0x80, 0x40, 0x23},
		}),
		Entry("R_RISCV_HI20", applyCase{
			kind: k(elf.R_RISCV_HI20), site: []byte{0x37, 0x05, 0, 0}, S: 0x12345678,
			want: []byte{0x37, 0x55, 0x34, 0x12},
		}),
		Entry("R_RISCV_LO12_I", applyCase{
			kind: k(elf.R_RISCV_LO12_I), site: []byte{0x13, 0x05, 0x05, 0x00}, S: 0x12345678,
			want: []byte{0x13, 0x05, 0x85, 0x67},
		}),
		Entry("R_RISCV_PCREL_LO12_I takes the high part's value", applyCase{
			kind: k(elf.R_RISCV_PCREL_LO12_I), site: []byte{0x13, 0x05, 0x05, 0x00}, S: 0x800,
			want: []byte{0x13, 0x05, 0x05, 0x80},
		}),
		Entry("R_RISCV_ADD32", applyCase{
			kind: k(elf.R_RISCV_ADD32), site: []byte{0x10, 0, 0, 0}, S: 5, A: 1,
			want: []byte{0x16, 0, 0, 0},
		}),
		Entry("R_RISCV_SUB32", applyCase{
			kind: k(elf.R_RISCV_SUB32), site: []byte{0x10, 0, 0, 0}, S: 5, A: 1,
			want: []byte{0x0a, 0, 0, 0},
		}),
		Entry("R_RISCV_SET6 keeps the top bits", applyCase{
			kind: k(elf.R_RISCV_SET6), site: []byte{0xc5}, S: 0x2a,
			want: []byte{0xea},
		}),
		Entry("R_RISCV_RVC_JUMP", applyCase{
			kind: k(elf.R_RISCV_RVC_JUMP), site: []byte{0x01, 0xa0}, S: 0x10010, P: 0x10000,
			want: []byte{0x01, 0xa8},
		}),
		Entry("R_RISCV_RVC_JUMP out of range", applyCase{
			kind: k(elf.R_RISCV_RVC_JUMP), site: []byte{0x01, 0xa0}, S: 0x10800, P: 0x10000,
			err: arch.ErrOverflow,
		}),
		Entry("R_RISCV_RELAX is a no-op", applyCase{
			kind: k(elf.R_RISCV_RELAX), site: []byte{1, 2, 3, 4},
			want: []byte{1, 2, 3, 4},
		}),
	)

	It("pairs pcrel high and low parts", func() {
		Expect(a.IsPairHigh(k(elf.R_RISCV_PCREL_HI20))).To(BeTrue())
		Expect(a.IsPairLow(k(elf.R_RISCV_PCREL_LO12_S))).To(BeTrue())
		Expect(a.IsPairLow(k(elf.R_RISCV_LO12_S))).To(BeFalse())
		Expect(a.RelocSize(k(elf.R_RISCV_CALL))).To(Equal(8))
	})
})
