package linker

import (
	"slices"

	"go.uber.org/multierr"

	"github.com/hcyang1106/objlink/pkg/obj"
)

// Symbol is one entry of the global table. A definition is located by the
// defining object and the symbol's index inside it.
type Symbol struct {
	Name       string
	Binding    obj.Binding
	Def        obj.DefKind
	File       InputID
	Index      obj.SymbolID
	Value      uint64
	Size       uint64
	Align      uint64
	Visibility obj.Visibility
	Type       obj.SymbolType
	// Referrer is the first object that referenced the name, -1 if none did.
	Referrer InputID
	// Strong is set once any non-weak reference names the symbol.
	Strong bool

	// set while only the entry point injection holds a strong reference
	entryOnly bool
}

func (s *Symbol) IsDefined() bool {
	return s.Def != obj.DefUndefined
}

// SymbolTable is the frozen result of resolution. It has no mutators and is
// read concurrently by every later phase.
type SymbolTable struct {
	syms   []Symbol
	byName map[string]int
}

func (t *SymbolTable) Len() int {
	return len(t.syms)
}

func (t *SymbolTable) Get(i int) Symbol {
	return t.syms[i]
}

func (t *SymbolTable) Lookup(name string) (Symbol, int, bool) {
	i, ok := t.byName[name]
	if !ok {
		return Symbol{}, -1, false
	}
	return t.syms[i], i, true
}

// Symbols returns a copy of all entries in discovery order.
func (t *SymbolTable) Symbols() []Symbol {
	return append([]Symbol(nil), t.syms...)
}

// tableBuilder is the only writer of the table, owned by ResolveSymbols.
type tableBuilder struct {
	ctx    *Context
	syms   []Symbol
	byName map[string]int
	errs   error
}

func newTableBuilder(ctx *Context) *tableBuilder {
	return &tableBuilder{
		ctx:    ctx,
		byName: map[string]int{},
	}
}

func (b *tableBuilder) intern(name string) int {
	if i, ok := b.byName[name]; ok {
		return i
	}
	b.syms = append(b.syms, Symbol{Name: name, File: -1, Referrer: -1})
	b.byName[name] = len(b.syms) - 1
	return len(b.syms) - 1
}

// merge adds the non-local symbols of f and returns the names that became
// outstanding strong undefined references.
func (b *tableBuilder) merge(f *ObjectFile) []string {
	f.Globals = make([]int, len(f.Obj.Symbols))
	var outstanding []string
	for i := range f.Obj.Symbols {
		sym := &f.Obj.Symbols[i]
		if i == 0 || sym.IsLocal() || sym.Name == "" {
			f.Globals[i] = -1
			continue
		}
		gi := b.intern(sym.Name)
		f.Globals[i] = gi
		b.mergeVisibility(&b.syms[gi], sym.Visibility)
		if sym.IsUndef() {
			if b.reference(&b.syms[gi], f, sym) {
				outstanding = append(outstanding, sym.Name)
			}
			continue
		}
		b.define(&b.syms[gi], f, obj.SymbolID(i), sym)
	}
	return outstanding
}

func (b *tableBuilder) mergeVisibility(e *Symbol, v obj.Visibility) {
	switch {
	case e.Visibility == obj.VisHidden || v == obj.VisHidden:
		e.Visibility = obj.VisHidden
	case v == obj.VisExported:
		e.Visibility = obj.VisExported
	}
}

func (b *tableBuilder) reference(e *Symbol, f *ObjectFile, sym *obj.Symbol) bool {
	if e.Referrer < 0 {
		e.Referrer = f.ID
	}
	if sym.Binding == obj.BindWeak {
		return false
	}
	// a name forced with -u must resolve even when it is also the entry
	fromEntry := f == b.ctx.Internal && e.Name == b.ctx.Config.Entry &&
		!slices.Contains(b.ctx.Config.Undefined, e.Name)
	wasStrong := e.Strong
	if !wasStrong {
		e.entryOnly = fromEntry
	} else if !fromEntry {
		e.entryOnly = false
	}
	e.Strong = true
	return !wasStrong && !e.IsDefined()
}

func isStrongDef(sym *obj.Symbol) bool {
	return sym.Binding == obj.BindGlobal && sym.Def != obj.DefCommon
}

func (b *tableBuilder) define(e *Symbol, f *ObjectFile, i obj.SymbolID, sym *obj.Symbol) {
	take := func() {
		e.Binding = sym.Binding
		e.Def = sym.Def
		e.File = f.ID
		e.Index = i
		e.Value = sym.Value
		e.Size = sym.Size
		e.Align = sym.Align
		e.Type = sym.Type
	}

	if !e.IsDefined() {
		take()
		return
	}
	switch {
	case isStrongDef(sym):
		if e.Binding == obj.BindGlobal {
			b.errs = multierr.Append(b.errs, &MultipleDefinitionError{
				Name:   e.Name,
				First:  b.ctx.Objs[e.File].Name(),
				Second: f.Name(),
			})
			return
		}
		// weak and common definitions yield to a strong one
		take()
	case sym.Binding == obj.BindCommon:
		switch e.Binding {
		case obj.BindCommon:
			e.Size = max(e.Size, sym.Size)
			e.Align = max(e.Align, sym.Align)
		case obj.BindWeak:
			take()
		}
	}
	// a weak definition never displaces an existing one
}

func (b *tableBuilder) freeze() *SymbolTable {
	t := &SymbolTable{syms: b.syms, byName: b.byName}
	b.syms, b.byName = nil, nil
	return t
}
