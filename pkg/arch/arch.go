// Package arch defines the relocation capability an architecture plugs into
// the linker, and a registry to select one by name.
package arch

import (
	"debug/elf"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/hcyang1106/objlink/pkg/obj"
)

var (
	ErrOverflow         = errors.New("relocation value does not fit in its field")
	ErrUnsupportedReloc = errors.New("unsupported relocation kind")
	ErrUnknownArch      = errors.New("unknown architecture")
)

type Arch interface {
	Name() string
	ELFMachine() elf.Machine
	ByteOrder() binary.ByteOrder
	PageSize() uint64
	// MaxAlign is the largest section alignment a segment can honour.
	MaxAlign() uint64
	// DefaultBase is the load address of position-dependent executables.
	DefaultBase() uint64
	RelocKinds() []obj.RelocKind
	RelocName(kind obj.RelocKind) string
	// RelocSize is the number of bytes the relocation patches at its site.
	RelocSize(kind obj.RelocKind) int
	// Apply computes the value of kind from S, A and P and packs it into site.
	// A value outside the field's range yields an error wrapping ErrOverflow
	// and leaves site untouched.
	Apply(kind obj.RelocKind, site []byte, S, A, P uint64) error
}

// Pairer is implemented by architectures whose low-part relocations take
// their value from a high-part relocation at another site. The symbol of a
// low part designates the site of its high part; the linker passes the high
// part's computed value as S and zero for A and P.
type Pairer interface {
	IsPairHigh(kind obj.RelocKind) bool
	IsPairLow(kind obj.RelocKind) bool
}

var (
	mu       sync.RWMutex
	registry = map[string]Arch{}
)

func Register(a Arch) {
	mu.Lock()
	defer mu.Unlock()
	registry[a.Name()] = a
}

func Lookup(name string) (Arch, error) {
	mu.RLock()
	defer mu.RUnlock()
	if a, ok := registry[name]; ok {
		return a, nil
	}
	return nil, errors.Wrap(ErrUnknownArch, name)
}

func ForMachine(m elf.Machine) (Arch, bool) {
	mu.RLock()
	defer mu.RUnlock()
	for _, a := range registry {
		if a.ELFMachine() == m {
			return a, true
		}
	}
	return nil, false
}

func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Overflow builds the error returned when val does not fit in bits.
func Overflow(kind string, val int64, bits int) error {
	return errors.Wrapf(ErrOverflow, "%s: value %#x does not fit in %d bits", kind, val, bits)
}

func Unsupported(kind string) error {
	return errors.Wrap(ErrUnsupportedReloc, kind)
}
