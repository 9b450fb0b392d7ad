package linker

import (
	"github.com/hcyang1106/objlink/pkg/obj"
)

// InputID is the position of an object in Context.Objs.
type InputID int32

// ObjectFile is one object taking part in the link: a command line input,
// an extracted archive member or the linker's internal object.
type ObjectFile struct {
	ID   InputID
	File *File
	Obj  *obj.Object
	// Globals maps a symbol index of Obj to its entry in the global table,
	// or -1 for local symbols. Filled by resolution.
	Globals []int
	// Sections maps a section index of Obj into Context.Sections.
	Sections []SectionRef
}

func (f *ObjectFile) Name() string {
	return f.File.DisplayName()
}

func (ctx *Context) addObject(file *File, o *obj.Object) *ObjectFile {
	f := &ObjectFile{
		ID:   InputID(len(ctx.Objs)),
		File: file,
		Obj:  o,
	}
	ctx.Objs = append(ctx.Objs, f)
	return f
}

// CreateInternalFile adds the object that carries linker generated input:
// undefined references for the entry point and -u symbols, and later the
// storage for common symbols.
func CreateInternalFile(ctx *Context) *ObjectFile {
	machine := ""
	if ctx.Arch != nil {
		machine = ctx.Arch.Name()
	}
	o := obj.New("<internal>", machine)
	if ctx.Config.Entry != "" {
		o.Reference(ctx.Config.Entry, obj.BindGlobal)
	}
	for _, name := range ctx.Config.Undefined {
		o.Reference(name, obj.BindGlobal)
	}
	ctx.Internal = ctx.addObject(&File{Name: "<internal>"}, o)
	return ctx.Internal
}
