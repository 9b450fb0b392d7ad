package linker

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

type File struct {
	Name    string
	Content []byte
	Parent  *File
}

func NewFile(filename string) (*File, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, &ParseError{Path: filename, Err: errors.Wrap(err, "failed to read input")}
	}
	return &File{
		Name:    filename,
		Content: content,
	}, nil
}

// OpenLibrary looks for lib<name>.a in each search directory in order.
func OpenLibrary(name string, dirs []string) (*File, error) {
	for _, dir := range dirs {
		path := filepath.Join(dir, "lib"+name+".a")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return NewFile(path)
	}
	return nil, &ParseError{Path: "-l" + name, Err: errors.Errorf("library not found in %v", dirs)}
}

// DisplayName renders archive members as archive(member).
func (f *File) DisplayName() string {
	if f.Parent != nil {
		return f.Parent.Name + "(" + f.Name + ")"
	}
	return f.Name
}
