package linker

import (
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/hcyang1106/objlink/pkg/arch"
	"github.com/hcyang1106/objlink/pkg/format"
	"github.com/hcyang1106/objlink/pkg/format/ar"
	"github.com/hcyang1106/objlink/pkg/obj"
)

type linkItem struct {
	object  *ObjectFile
	archive int
	whole   bool
}

func (ctx *Context) AddObject(file *File, o *obj.Object) *ObjectFile {
	f := ctx.addObject(file, o)
	ctx.items = append(ctx.items, linkItem{object: f})
	return f
}

func (ctx *Context) AddArchive(a ArchiveReader, wholeArchive bool) {
	ctx.Archives = append(ctx.Archives, a)
	ctx.items = append(ctx.items, linkItem{archive: len(ctx.Archives) - 1, whole: wholeArchive})
}

type loadedInput struct {
	file    *File
	object  *obj.Object
	archive *ar.Archive
	whole   bool
}

// LoadInputs reads every input of the configuration and parses objects
// concurrently. Archives only have their member headers read here.
func LoadInputs(ctx *Context) error {
	loaded := make([]loadedInput, len(ctx.Config.Inputs))
	g := errgroup.Group{}
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, in := range ctx.Config.Inputs {
		g.Go(func() error {
			var file *File
			var err error
			if in.Library != "" {
				file, err = OpenLibrary(in.Library, ctx.Config.LibraryPaths)
			} else {
				file, err = NewFile(in.Path)
			}
			if err != nil {
				return err
			}
			loaded[i] = loadedInput{file: file, whole: in.WholeArchive}

			if ar.IsArchive(file.Content) {
				a, err := ar.Parse(file.Name, file.Content)
				if err != nil {
					return archiveError(file.Name, err)
				}
				loaded[i].archive = a
				return nil
			}
			o, err := ctx.Parse(file.Name, file.Content)
			if err != nil {
				return &ParseError{Path: file.Name, Err: err}
			}
			loaded[i].object = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, in := range loaded {
		if in.archive != nil {
			ctx.AddArchive(in.archive, in.whole)
		} else {
			ctx.AddObject(in.file, in.object)
		}
	}
	ctx.Log.V(1).Info("loaded inputs", "objects", len(ctx.Objs), "archives", len(ctx.Archives))
	return nil
}

// SelectTarget picks the architecture and output writer. Without --arch the
// machine of the first object decides.
func SelectTarget(ctx *Context) error {
	if ctx.Arch == nil {
		name := ctx.Config.Arch
		if name == "" {
			for _, item := range ctx.items {
				if item.object != nil {
					name = item.object.Obj.Machine
					break
				}
			}
		}
		if name == "" {
			return errors.New("no input objects to infer the architecture from, use --arch")
		}
		a, err := arch.Lookup(name)
		if err != nil {
			return &UnsupportedError{Name: name}
		}
		ctx.Arch = a
	}
	if ctx.Writer == nil {
		w, err := format.LookupWriter(ctx.Config.Format)
		if err != nil {
			return &UnsupportedError{Name: ctx.Config.Format}
		}
		ctx.Writer = w
	}
	for _, f := range ctx.Objs {
		if err := ctx.checkMachine(f); err != nil {
			return err
		}
	}
	return nil
}

func (ctx *Context) checkMachine(f *ObjectFile) error {
	if f.Obj.Machine != "" && f.Obj.Machine != ctx.Arch.Name() {
		return &ParseError{
			Path: f.Name(),
			Err:  errors.Errorf("object is for %s, linking for %s", f.Obj.Machine, ctx.Arch.Name()),
		}
	}
	return nil
}
