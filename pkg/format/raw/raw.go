// Package raw writes flat "binary" images: the loadable bytes of every
// segment at their file offsets, with no headers and no symbols.
package raw

import (
	"io"

	"github.com/pkg/errors"

	"github.com/hcyang1106/objlink/pkg/format"
)

const Name = "binary"

type Writer struct{}

func init() {
	format.RegisterWriter(Writer{})
}

func (Writer) Name() string { return Name }

func (Writer) HeaderSize(int) uint64 { return 0 }

func (Writer) Emit(w io.Writer, img *format.Image) error {
	buf := make([]byte, img.FileSize())
	for i := range img.Sections {
		sec := &img.Sections[i]
		if sec.Data == nil {
			continue
		}
		if sec.Offset+uint64(len(sec.Data)) > uint64(len(buf)) {
			return errors.Errorf("section %s lies outside the loadable file image", sec.Name)
		}
		copy(buf[sec.Offset:], sec.Data)
	}
	_, err := w.Write(buf)
	return errors.Wrap(err, "failed to write binary image")
}
