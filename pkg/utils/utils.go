package utils

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Read decodes a little-endian value of type T from the start of content.
func Read[T any](content []byte) (val T, err error) {
	reader := bytes.NewReader(content)
	err = binary.Read(reader, binary.LittleEndian, &val)
	if err != nil {
		err = errors.Wrapf(err, "failed to decode %T", val)
	}
	return val, err
}

// ReadSlice decodes consecutive records of size bytes each.
func ReadSlice[T any](content []byte, size int) ([]T, error) {
	if size <= 0 || len(content)%size != 0 {
		return nil, errors.Errorf("table of %d bytes is not a multiple of entry size %d", len(content), size)
	}
	ret := make([]T, 0, len(content)/size)
	for len(content) > 0 {
		ele, err := Read[T](content)
		if err != nil {
			return nil, err
		}
		ret = append(ret, ele)
		content = content[size:]
	}
	return ret, nil
}

// Write encodes val little-endian at the start of buf.
func Write[T any](buf []byte, val T) {
	w := bytes.Buffer{}
	if err := binary.Write(&w, binary.LittleEndian, val); err != nil {
		panic(err)
	}
	copy(buf, w.Bytes())
}

func AlignTo[T constraints.Unsigned](val, align T) T {
	if align == 0 {
		return val
	}
	return (val + align - 1) &^ (align - 1)
}

func IsPowerOfTwo[T constraints.Unsigned](val T) bool {
	return val != 0 && val&(val-1) == 0
}

func Bit[T constraints.Unsigned](val T, pos int) T {
	return (val >> pos) & 1
}

// Bits returns val[hi:lo], both ends inclusive.
func Bits[T constraints.Unsigned](val T, hi, lo int) T {
	return (val >> lo) & ((1 << (hi - lo + 1)) - 1)
}

// FitsSigned reports whether val, read as a two's complement number, fits in bits.
func FitsSigned(val int64, bits int) bool {
	if bits >= 64 {
		return true
	}
	lo := -(int64(1) << (bits - 1))
	hi := int64(1)<<(bits-1) - 1
	return val >= lo && val <= hi
}

func FitsUnsigned(val uint64, bits int) bool {
	if bits >= 64 {
		return true
	}
	return val < uint64(1)<<bits
}

func AllZeros(bs []byte) bool {
	for _, b := range bs {
		if b != 0 {
			return false
		}
	}
	return true
}

// o => -o
// plugin => -plugin, --plugin
func AddDashes(option string) []string {
	if len(option) == 1 {
		return []string{"-" + option}
	}
	return []string{"-" + option, "--" + option}
}
