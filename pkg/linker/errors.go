package linker

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/pkg/errors"
	"github.com/stoewer/go-strcase"
	"go.uber.org/multierr"
)

type UndefinedSymbolError struct {
	Name     string
	Referrer string
}

func (e *UndefinedSymbolError) Error() string {
	if e.Referrer == "" {
		return fmt.Sprintf("undefined symbol: %s", e.Name)
	}
	return fmt.Sprintf("undefined symbol: %s (referenced by %s)", e.Name, e.Referrer)
}

type MultipleDefinitionError struct {
	Name   string
	First  string
	Second string
}

func (e *MultipleDefinitionError) Error() string {
	return fmt.Sprintf("multiple definition of %s: first defined in %s, again in %s", e.Name, e.First, e.Second)
}

type RelocationOverflowError struct {
	Section string
	Offset  uint64
	Kind    string
	Err     error
}

func (e *RelocationOverflowError) Error() string {
	return fmt.Sprintf("%s+%#x: relocation %s out of range: %v", e.Section, e.Offset, e.Kind, e.Err)
}

func (e *RelocationOverflowError) Unwrap() error {
	return e.Err
}

type SectionMisalignmentError struct {
	Section  string
	Required uint64
	Max      uint64
}

func (e *SectionMisalignmentError) Error() string {
	return fmt.Sprintf("section %s requires alignment %#x, at most %#x is supported", e.Section, e.Required, e.Max)
}

type ArchiveCorruptError struct {
	Path   string
	Detail string
}

func (e *ArchiveCorruptError) Error() string {
	return fmt.Sprintf("%s: corrupt archive: %s", e.Path, e.Detail)
}

// UnsupportedError names a format, architecture or relocation kind that has
// no implementation.
type UnsupportedError struct {
	Name string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported format or architecture: %s", e.Name)
}

// GCInconsistencyError is a live relocation into a section that section
// garbage collection dropped.
type GCInconsistencyError struct {
	Section string
	Target  string
}

func (e *GCInconsistencyError) Error() string {
	return fmt.Sprintf("%s references %s, which was garbage collected", e.Section, e.Target)
}

// ParseError is fatal for the whole link: it covers unreadable inputs and
// objects the format reader rejects.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Code returns the kebab-case diagnostic code of err, e.g.
// "multiple-definition" for *MultipleDefinitionError.
func Code(err error) string {
	for _, target := range []any{
		new(*UndefinedSymbolError),
		new(*MultipleDefinitionError),
		new(*RelocationOverflowError),
		new(*SectionMisalignmentError),
		new(*ArchiveCorruptError),
		new(*UnsupportedError),
		new(*GCInconsistencyError),
		new(*ParseError),
	} {
		if errors.As(err, target) {
			name := reflect.TypeOf(target).Elem().Elem().Name()
			return strcase.KebabCase(strings.TrimSuffix(name, "Error"))
		}
	}
	return "link"
}

// Diagnostics splits an accumulated error into one line per error.
func Diagnostics(err error) []string {
	var lines []string
	for _, e := range multierr.Errors(err) {
		lines = append(lines, fmt.Sprintf("error[%s]: %v", Code(e), e))
	}
	return lines
}

// IsInputError reports errors caused by unreadable or malformed inputs.
func IsInputError(err error) bool {
	for _, e := range multierr.Errors(err) {
		var pe *ParseError
		var ae *ArchiveCorruptError
		if errors.As(e, &pe) || errors.As(e, &ae) {
			return true
		}
	}
	return false
}
