package linker

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/hcyang1106/objlink/pkg/format/ar"
	"github.com/hcyang1106/objlink/pkg/obj"
)

// ArchiveReader gives lazy access to the members of one static archive.
type ArchiveReader interface {
	Name() string
	Index() (map[string]ar.Locator, error)
	Extract(loc ar.Locator) (string, []byte, error)
}

type memberLister interface {
	Members() []ar.Member
}

type memberKey struct {
	archive int
	offset  uint64
}

// ArchiveIndex maps symbol names to the archive member that defines them,
// across all archives of the link. The first archive on the command line
// that provides a name wins.
type ArchiveIndex struct {
	ctx       *Context
	names     map[string]memberKey
	extracted map[memberKey]bool
	// members parsed while indexing an archive without a symbol table
	parsed map[memberKey]*obj.Object
	// Parses counts member parses, for tests and diagnostics.
	Parses int
}

func NewArchiveIndex(ctx *Context) (*ArchiveIndex, error) {
	idx := &ArchiveIndex{
		ctx:       ctx,
		names:     map[string]memberKey{},
		extracted: map[memberKey]bool{},
		parsed:    map[memberKey]*obj.Object{},
	}
	for i, a := range ctx.Archives {
		table, err := a.Index()
		if errors.Is(err, ar.ErrNoIndex) {
			table, err = idx.scan(i, a)
		}
		if err != nil {
			return nil, archiveError(a.Name(), err)
		}
		names := make([]string, 0, len(table))
		for name := range table {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if _, ok := idx.names[name]; !ok {
				idx.names[name] = memberKey{archive: i, offset: table[name].Offset}
			}
		}
	}
	return idx, nil
}

// scan builds an index for an archive that lacks one by parsing every member.
func (idx *ArchiveIndex) scan(i int, a ArchiveReader) (map[string]ar.Locator, error) {
	lister, ok := a.(memberLister)
	if !ok {
		return nil, ar.ErrNoIndex
	}
	idx.ctx.Log.V(1).Info("archive has no symbol index, scanning members", "archive", a.Name())
	table := map[string]ar.Locator{}
	for _, m := range lister.Members() {
		o, err := idx.parse(a, m.Name, m.Data)
		if err != nil {
			return nil, err
		}
		idx.parsed[memberKey{archive: i, offset: m.Offset}] = o
		for _, name := range DefinedNames(o) {
			if _, dup := table[name]; !dup {
				table[name] = ar.Locator{Offset: m.Offset}
			}
		}
	}
	return table, nil
}

func (idx *ArchiveIndex) parse(a ArchiveReader, name string, data []byte) (*obj.Object, error) {
	idx.Parses++
	o, err := idx.ctx.Parse(name, data)
	if err != nil {
		return nil, &ParseError{Path: a.Name() + "(" + name + ")", Err: err}
	}
	return o, nil
}

// DefinedNames lists the global symbols an object would contribute to an
// archive index: every non-local definition, commons included.
func DefinedNames(o *obj.Object) []string {
	var names []string
	for i := range o.Symbols {
		sym := &o.Symbols[i]
		if sym.Name != "" && !sym.IsLocal() && sym.IsDefined() {
			names = append(names, sym.Name)
		}
	}
	return names
}

// Lookup returns the member providing name, unless it was already extracted.
func (idx *ArchiveIndex) Lookup(name string) (memberKey, bool) {
	key, ok := idx.names[name]
	if !ok || idx.extracted[key] {
		return memberKey{}, false
	}
	return key, true
}

// Extract parses a member once and adds it to the link.
func (idx *ArchiveIndex) Extract(key memberKey) (*ObjectFile, error) {
	if idx.extracted[key] {
		return nil, errors.Errorf("archive member at %d extracted twice", key.offset)
	}
	idx.extracted[key] = true

	a := idx.ctx.Archives[key.archive]
	name, data, err := a.Extract(ar.Locator{Offset: key.offset})
	if err != nil {
		return nil, archiveError(a.Name(), err)
	}
	o, ok := idx.parsed[key]
	if !ok {
		if o, err = idx.parse(a, name, data); err != nil {
			return nil, err
		}
	}
	parent := &File{Name: a.Name()}
	return idx.ctx.addObject(&File{Name: name, Content: data, Parent: parent}, o), nil
}

// ExtractAll adds every member of archive i in file order, for
// --whole-archive.
func (idx *ArchiveIndex) ExtractAll(i int) ([]*ObjectFile, error) {
	a := idx.ctx.Archives[i]
	var offsets []uint64
	if lister, ok := a.(memberLister); ok {
		for _, m := range lister.Members() {
			offsets = append(offsets, m.Offset)
		}
	} else {
		table, err := a.Index()
		if err != nil {
			return nil, archiveError(a.Name(), err)
		}
		seen := map[uint64]bool{}
		for _, loc := range table {
			if !seen[loc.Offset] {
				seen[loc.Offset] = true
				offsets = append(offsets, loc.Offset)
			}
		}
		sort.Slice(offsets, func(x, y int) bool { return offsets[x] < offsets[y] })
	}

	var files []*ObjectFile
	for _, off := range offsets {
		key := memberKey{archive: i, offset: off}
		if idx.extracted[key] {
			continue
		}
		f, err := idx.Extract(key)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func archiveError(path string, err error) error {
	var ce *ar.CorruptError
	if errors.As(err, &ce) {
		return &ArchiveCorruptError{Path: path, Detail: ce.Detail}
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe
	}
	return &ArchiveCorruptError{Path: path, Detail: err.Error()}
}
