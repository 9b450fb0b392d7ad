package utils_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hcyang1106/objlink/pkg/utils"
)

var _ = Describe("alignment", func() {
	DescribeTable("AlignTo",
		func(val, align, want uint64) {
			Expect(utils.AlignTo(val, align)).To(Equal(want))
		},
		Entry("already aligned", uint64(0x1000), uint64(0x1000), uint64(0x1000)),
		Entry("rounds up", uint64(0x1001), uint64(0x1000), uint64(0x2000)),
		Entry("zero alignment is identity", uint64(13), uint64(0), uint64(13)),
		Entry("byte alignment", uint64(13), uint64(1), uint64(13)),
	)

	DescribeTable("IsPowerOfTwo",
		func(val uint64, want bool) {
			Expect(utils.IsPowerOfTwo(val)).To(Equal(want))
		},
		Entry("zero", uint64(0), false),
		Entry("one", uint64(1), true),
		Entry("page", uint64(4096), true),
		Entry("twelve", uint64(12), false),
	)
})

var _ = Describe("range checks", func() {
	DescribeTable("FitsSigned",
		func(val int64, bits int, want bool) {
			Expect(utils.FitsSigned(val, bits)).To(Equal(want))
		},
		Entry("max int8", int64(127), 8, true),
		Entry("min int8", int64(-128), 8, true),
		Entry("past int8", int64(128), 8, false),
		Entry("below int32", int64(-1)<<31-1, 32, false),
		Entry("any int64", int64(-1)<<63, 64, true),
	)

	DescribeTable("FitsUnsigned",
		func(val uint64, bits int, want bool) {
			Expect(utils.FitsUnsigned(val, bits)).To(Equal(want))
		},
		Entry("max uint16", uint64(0xffff), 16, true),
		Entry("past uint16", uint64(0x10000), 16, false),
	)
})

var _ = Describe("bit fields", func() {
	It("extracts ranges and single bits", func() {
		Expect(utils.Bits(uint32(0xabcd), 11, 4)).To(Equal(uint32(0xbc)))
		Expect(utils.Bit(uint32(0b100), 2)).To(Equal(uint32(1)))
	})

	It("round trips little-endian records", func() {
		buf := make([]byte, 8)
		utils.Write[uint32](buf, 0xdeadbeef)
		utils.Write[uint32](buf[4:], 7)
		vals, err := utils.ReadSlice[uint32](buf, 4)
		Expect(err).NotTo(HaveOccurred())
		Expect(vals).To(Equal([]uint32{0xdeadbeef, 7}))

		_, err = utils.ReadSlice[uint32](buf[:6], 4)
		Expect(err).To(HaveOccurred())
	})
})
