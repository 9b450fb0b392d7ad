package linker

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&UndefinedSymbolError{Name: "x"}, "undefined-symbol"},
		{&MultipleDefinitionError{Name: "x"}, "multiple-definition"},
		{&RelocationOverflowError{Section: "s"}, "relocation-overflow"},
		{&SectionMisalignmentError{Section: "s"}, "section-misalignment"},
		{&ArchiveCorruptError{Path: "p"}, "archive-corrupt"},
		{&UnsupportedError{Name: "n"}, "unsupported"},
		{&GCInconsistencyError{Section: "s"}, "gc-inconsistency"},
		{errors.Wrap(&ParseError{Path: "p", Err: errors.New("bad")}, "failed to load"), "parse"},
		{errors.New("plain"), "link"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Code(tt.err), tt.err.Error())
	}
}

func TestIsInputError(t *testing.T) {
	link := &UndefinedSymbolError{Name: "x"}
	input := &ArchiveCorruptError{Path: "libx.a", Detail: "truncated"}

	require.False(t, IsInputError(link))
	require.True(t, IsInputError(input))
	require.True(t, IsInputError(multierr.Combine(link, input)))
}
