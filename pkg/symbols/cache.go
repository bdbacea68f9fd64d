// Package symbols reconstructs source level types, globals and subprograms
// from the DWARF index and resolves names to them.
//
// Every object is built on first demand and kept for the lifetime of the
// Cache. A lookup that fails leaves the Cache as it was before the call.
package symbols

import (
	"debug/dwarf"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	pdwarf "github.com/undoio/dwarfscope/pkg/dwarf"
	"github.com/undoio/dwarfscope/pkg/errs"
	"github.com/undoio/dwarfscope/pkg/expr"
	"github.com/undoio/dwarfscope/pkg/intervalmap"
	"github.com/undoio/dwarfscope/pkg/logflags"
)

// Symbol is what a name resolves to. More than one field may be set when a
// type and an object share a name.
type Symbol struct {
	Name        string
	Subprograms []*Subprogram
	Type        *Type
	Global      *Datum
}

func (s *Symbol) empty() bool {
	return len(s.Subprograms) == 0 && s.Type == nil && s.Global == nil
}

type typeRef struct {
	unit *pdwarf.Unit
	off  dwarf.Offset
}

// Cache adds subprogram, type and name resolution to an Info.
type Cache struct {
	Info *pdwarf.Info

	types   map[dwarf.Offset]*Type
	pending []dwarf.Offset
	void    *Type

	subs     intervalmap.Map[*Subprogram]
	subByOff map[dwarf.Offset]*Subprogram
	walked   map[int]bool

	symbols map[string]*Symbol
	globals map[dwarf.Offset]*Datum

	typeNames       map[string]typeRef
	typeNamesLoaded bool
}

// New returns an empty Cache over info.
func New(info *pdwarf.Info) *Cache {
	return &Cache{
		Info:     info,
		types:    make(map[dwarf.Offset]*Type),
		void:     &Type{Name: "void", Code: CodeVoid, ByteSize: -1, Count: -1},
		subByOff: make(map[dwarf.Offset]*Subprogram),
		walked:   make(map[int]bool),
		symbols:  make(map[string]*Symbol),
		globals:  make(map[dwarf.Offset]*Datum),
	}
}

// Void returns the type of entries without DW_AT_type.
func (c *Cache) Void() *Type {
	return c.void
}

func (c *Cache) exprOptions() expr.Options {
	return expr.Options{AddressSize: c.Info.AddressSize(), ByteOrder: c.Info.ByteOrder()}
}

// TypeByDIE returns the type described by the entry at off.
func (c *Cache) TypeByDIE(off dwarf.Offset) (*Type, error) {
	if t, ok := c.types[off]; ok {
		return t, nil
	}
	u, err := c.Info.UnitByOffset(off)
	if err != nil {
		return nil, err
	}
	e, err := u.EntryAt(off)
	if err != nil {
		return nil, err
	}
	return c.typeOf(u, e)
}

// typeOf returns the type of entry e of u. A type is registered before its
// target and members are read so that recursive types terminate; when
// building fails every type registered during the call is dropped.
func (c *Cache) typeOf(u *pdwarf.Unit, e *dwarf.Entry) (*Type, error) {
	if t, ok := c.types[e.Offset]; ok {
		return t, nil
	}
	mark := len(c.pending)
	t := &Type{Offset: e.Offset, Unit: u, ByteSize: -1, Count: -1}
	c.types[e.Offset] = t
	c.pending = append(c.pending, e.Offset)
	if err := c.fillType(t, u, e); err != nil {
		for _, off := range c.pending[mark:] {
			delete(c.types, off)
		}
		c.pending = c.pending[:mark]
		return nil, err
	}
	if mark == 0 {
		c.pending = c.pending[:0]
	}
	return t, nil
}

// typeAttr returns the type named by the DW_AT_type of e, void when there
// is none.
func (c *Cache) typeAttr(u *pdwarf.Unit, e *dwarf.Entry) (*Type, error) {
	if e.AttrField(dwarf.AttrType) == nil {
		return c.void, nil
	}
	tu, te, err := c.Info.Ref(u, e, dwarf.AttrType)
	if err != nil {
		return nil, err
	}
	return c.typeOf(tu, te)
}

// target is typeAttr with void mapped to nil.
func (c *Cache) target(u *pdwarf.Unit, e *dwarf.Entry) (*Type, error) {
	t, err := c.typeAttr(u, e)
	if t == c.void {
		return nil, err
	}
	return t, err
}

func (c *Cache) fillType(t *Type, u *pdwarf.Unit, e *dwarf.Entry) error {
	for {
		q, ok := qualTags[e.Tag]
		if !ok {
			break
		}
		t.Quals |= q
		if e.AttrField(dwarf.AttrType) == nil {
			t.Name, t.Code = "void", CodeVoid
			return nil
		}
		var err error
		u, e, err = c.Info.Ref(u, e, dwarf.AttrType)
		if err != nil {
			return err
		}
	}
	t.Unit = u
	t.Name, _ = e.Val(dwarf.AttrName).(string)
	if bs, ok := e.Val(dwarf.AttrByteSize).(int64); ok {
		t.ByteSize = bs
	}

	var err error
	switch e.Tag {
	case dwarf.TagBaseType:
		enc, _ := e.Val(dwarf.AttrEncoding).(int64)
		t.Code = baseCode(enc)
	case dwarf.TagUnspecifiedType:
		t.Code = CodeVoid
	case dwarf.TagPointerType:
		t.Code = CodePointer
		t.Target, err = c.target(u, e)
	case dwarf.TagReferenceType, dwarf.TagRvalueReferenceType:
		t.Code = CodeReference
		t.Target, err = c.target(u, e)
	case dwarf.TagTypedef:
		t.Code = CodeTypedef
		t.Target, err = c.target(u, e)
	case dwarf.TagSubroutineType:
		t.Code = CodeFunc
		t.Target, err = c.target(u, e)
	case dwarf.TagArrayType:
		t.Code = CodeArray
		err = c.fillArray(t, u, e)
	case dwarf.TagStructType, dwarf.TagClassType:
		t.Code = CodeStruct
		err = c.fillMembers(t, u, e)
	case dwarf.TagUnionType:
		t.Code = CodeUnion
		err = c.fillMembers(t, u, e)
	case dwarf.TagEnumerationType:
		t.Code = CodeEnum
		err = c.fillEnumerators(t, u, e)
	default:
		return errs.NotImplemented("type entry %v at %#x", e.Tag, e.Offset)
	}
	return err
}

func (c *Cache) fillArray(t *Type, u *pdwarf.Unit, e *dwarf.Entry) error {
	elem, err := c.typeAttr(u, e)
	if err != nil {
		return err
	}
	children, err := u.ChildrenOf(e)
	if err != nil {
		return err
	}
	var dims []int64
	for _, ch := range children {
		if ch.Tag != dwarf.TagSubrangeType {
			continue
		}
		n := int64(-1)
		if cnt, ok := ch.Val(dwarf.AttrCount).(int64); ok {
			n = cnt
		} else if ub, ok := ch.Val(dwarf.AttrUpperBound).(int64); ok {
			lb, _ := ch.Val(dwarf.AttrLowerBound).(int64)
			n = ub - lb + 1
		}
		dims = append(dims, n)
	}
	if len(dims) == 0 {
		t.Target = elem
		return nil
	}
	for i := len(dims) - 1; i >= 1; i-- {
		elem = &Type{Code: CodeArray, Unit: u, ByteSize: -1, Count: dims[i], Target: elem}
	}
	t.Count, t.Target = dims[0], elem
	return nil
}

func (c *Cache) fillMembers(t *Type, u *pdwarf.Unit, e *dwarf.Entry) error {
	children, err := u.ChildrenOf(e)
	if err != nil {
		return err
	}
	for _, ch := range children {
		if ch.Tag != dwarf.TagMember {
			continue
		}
		f := &Field{}
		f.Name, _ = ch.Val(dwarf.AttrName).(string)
		if f.Type, err = c.typeAttr(u, ch); err != nil {
			return errors.Wrapf(err, "field %s of %s", f.Name, t.Name)
		}
		f.BitField = ch.AttrField(dwarf.AttrBitSize) != nil || ch.AttrField(dwarf.AttrDataBitOffset) != nil
		if af := ch.AttrField(dwarf.AttrDataMemberLoc); af != nil {
			switch af.Class {
			case dwarf.ClassConstant:
				off, _ := af.Val.(int64)
				f.Offset = uint64(off)
			case dwarf.ClassExprLoc, dwarf.ClassBlock:
				opts := c.exprOptions()
				opts.Initial = []expr.Node{&expr.ObjectAddress{}}
				if f.Location, err = expr.Build(af.Val.([]byte), opts); err != nil {
					return errors.Wrapf(err, "location of field %s of %s", f.Name, t.Name)
				}
			default:
				return errs.NotImplemented("member location of class %v in %s", af.Class, t.Name)
			}
		}
		t.addField(f)
	}
	return nil
}

func (c *Cache) fillEnumerators(t *Type, u *pdwarf.Unit, e *dwarf.Entry) error {
	children, err := u.ChildrenOf(e)
	if err != nil {
		return err
	}
	for _, ch := range children {
		if ch.Tag != dwarf.TagEnumerator {
			continue
		}
		name, _ := ch.Val(dwarf.AttrName).(string)
		v, _ := ch.Val(dwarf.AttrConstValue).(int64)
		t.Enumerators = append(t.Enumerators, Enumerator{Name: name, Value: v})
	}
	return nil
}

// Subprogram returns the subprogram covering addr. The first miss in a
// unit reads every subprogram of that unit.
func (c *Cache) Subprogram(addr uint64) (*Subprogram, error) {
	if s, ok := c.subs.Get(addr); ok {
		return s, nil
	}
	u, err := c.Info.Unit(addr)
	if err != nil {
		return nil, err
	}
	if !c.walked[u.Index] {
		if err := c.walkSubprograms(u); err != nil {
			return nil, err
		}
		c.walked[u.Index] = true
		if s, ok := c.subs.Get(addr); ok {
			return s, nil
		}
	}
	return nil, errs.NotFound("subprogram for address", fmt.Sprintf("%#x", addr))
}

func (c *Cache) walkSubprograms(u *pdwarf.Unit) error {
	r := u.Reader()
	if _, err := r.Next(); err != nil {
		return err
	}
	n := 0
	for {
		e, err := r.Next()
		if err != nil {
			return errors.Wrapf(err, "reading subprograms of %s", u)
		}
		if e == nil || e.Offset >= u.End {
			break
		}
		if e.Tag != dwarf.TagSubprogram {
			continue
		}
		if hasCode(e) {
			if _, err := c.subprogramAt(u, e); err != nil {
				return err
			}
			n++
		}
		if e.Children {
			r.SkipChildren()
		}
	}
	logflags.DWARFLogger().Debugf("read %d subprograms of %s", n, u)
	return nil
}

func hasCode(e *dwarf.Entry) bool {
	return e.AttrField(dwarf.AttrLowpc) != nil || e.AttrField(dwarf.AttrRanges) != nil
}

// subprogramAt returns the subprogram of entry e.
func (c *Cache) subprogramAt(u *pdwarf.Unit, e *dwarf.Entry) (*Subprogram, error) {
	if s, ok := c.subByOff[e.Offset]; ok {
		return s, nil
	}
	s, err := newSubprogram(c, u, e)
	if err != nil {
		return nil, err
	}
	c.subByOff[e.Offset] = s
	for _, r := range s.Ranges {
		c.subs.Set(r[0], r[1], s)
	}
	return s, nil
}

// global returns the datum of the top-level variable entry e.
func (c *Cache) global(u *pdwarf.Unit, e *dwarf.Entry) (*Datum, error) {
	if d, ok := c.globals[e.Offset]; ok {
		return d, nil
	}
	d, err := newDatum(c, u, e, nil)
	if err != nil {
		return nil, err
	}
	c.globals[e.Offset] = d
	return d, nil
}

// Lookup resolves name. Resolution tries, in order: symbols already
// resolved, .debug_pubnames, .debug_pubtypes, then the ELF symbol table
// together with a scan of the top-level entries of the unit covering the
// symbol.
func (c *Cache) Lookup(name string) (*Symbol, error) {
	if sym, ok := c.symbols[name]; ok {
		return sym, nil
	}
	sym := &Symbol{Name: name}

	pn, err := c.Info.Pubnames(name)
	if err != nil {
		return nil, err
	}
	if err := c.addPub(sym, pn); err != nil {
		return nil, err
	}
	if sym.empty() {
		pt, err := c.Info.Pubtypes(name)
		if err != nil {
			return nil, err
		}
		if err := c.addPub(sym, pt); err != nil {
			return nil, err
		}
	}
	if sym.empty() {
		if err := c.lookupSymtab(sym); err != nil {
			return nil, err
		}
	}
	if sym.empty() {
		return nil, errs.NotFound("symbol", name)
	}
	c.symbols[name] = sym
	return sym, nil
}

func (c *Cache) addPub(sym *Symbol, entries []pdwarf.PubEntry) error {
	for _, pe := range entries {
		u, err := c.Info.UnitByOffset(pe.Entry)
		if err != nil {
			return err
		}
		e, err := u.EntryAt(pe.Entry)
		if err != nil {
			return err
		}
		if err := c.addEntry(sym, u, e); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) lookupSymtab(sym *Symbol) error {
	es, ok := c.Info.Image.LookupSymbol(sym.Name)
	if !ok || es.Value == 0 {
		return nil
	}
	u, err := c.Info.Unit(es.Value)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil
		}
		return err
	}
	children, err := u.Children()
	if err != nil {
		return err
	}
	for _, e := range children {
		name, err := c.entryName(u, e)
		if err != nil {
			return err
		}
		if name != sym.Name {
			continue
		}
		if err := c.addEntry(sym, u, e); err != nil {
			return err
		}
	}
	if len(sym.Subprograms) == 0 {
		if s, err := c.Subprogram(es.Value); err == nil && s.Name == sym.Name {
			sym.Subprograms = append(sym.Subprograms, s)
		}
	}
	return nil
}

// entryName returns the name of e, following DW_AT_specification and
// DW_AT_abstract_origin.
func (c *Cache) entryName(u *pdwarf.Unit, e *dwarf.Entry) (string, error) {
	if name, ok := e.Val(dwarf.AttrName).(string); ok {
		return name, nil
	}
	_, decl, err := c.declOf(u, e)
	if err != nil || decl == e {
		return "", err
	}
	name, _ := decl.Val(dwarf.AttrName).(string)
	return name, nil
}

// declOf returns the entry carrying the declaration attributes of e.
func (c *Cache) declOf(u *pdwarf.Unit, e *dwarf.Entry) (*pdwarf.Unit, *dwarf.Entry, error) {
	for _, attr := range []dwarf.Attr{dwarf.AttrSpecification, dwarf.AttrAbstractOrigin} {
		if e.AttrField(attr) != nil {
			return c.Info.Ref(u, e, attr)
		}
	}
	return u, e, nil
}

func (c *Cache) addEntry(sym *Symbol, u *pdwarf.Unit, e *dwarf.Entry) error {
	switch e.Tag {
	case dwarf.TagSubprogram:
		if !hasCode(e) {
			return nil
		}
		s, err := c.subprogramAt(u, e)
		if err != nil {
			return err
		}
		for _, x := range sym.Subprograms {
			if x == s {
				return nil
			}
		}
		sym.Subprograms = append(sym.Subprograms, s)
	case dwarf.TagVariable:
		d, err := c.global(u, e)
		if err != nil {
			return err
		}
		if sym.Global == nil || (!sym.Global.HasLocation() && d.HasLocation()) {
			sym.Global = d
		}
	case dwarf.TagBaseType, dwarf.TagTypedef, dwarf.TagStructType, dwarf.TagClassType,
		dwarf.TagUnionType, dwarf.TagEnumerationType, dwarf.TagUnspecifiedType:
		if sym.Type != nil && isDecl(e) {
			return nil
		}
		t, err := c.typeOf(u, e)
		if err != nil {
			return err
		}
		sym.Type = t
	}
	return nil
}

func isDecl(e *dwarf.Entry) bool {
	d, _ := e.Val(dwarf.AttrDeclaration).(bool)
	return d
}

// Global returns the global variable called name.
func (c *Cache) Global(name string) (*Datum, error) {
	sym, err := c.Lookup(name)
	if err != nil {
		return nil, err
	}
	if sym.Global == nil {
		return nil, errs.NotFound("global", name)
	}
	return sym.Global, nil
}

// TypeNamed returns the type called name. Trailing '*' build pointers to
// the named type, and a struct, union or enum keyword restricts the kind.
func (c *Cache) TypeNamed(name string) (*Type, error) {
	base := strings.TrimSpace(name)
	stars := 0
	for strings.HasSuffix(base, "*") {
		base = strings.TrimSpace(base[:len(base)-1])
		stars++
	}
	want := CodeVoid
	for _, kw := range []struct {
		prefix string
		code   Code
	}{{"struct ", CodeStruct}, {"union ", CodeUnion}, {"enum ", CodeEnum}} {
		if strings.HasPrefix(base, kw.prefix) {
			base = strings.TrimSpace(base[len(kw.prefix):])
			want = kw.code
		}
	}

	var t *Type
	if base == "void" {
		t = c.void
	} else {
		var err error
		if t, err = c.namedType(base, want); err != nil {
			return nil, err
		}
	}
	for ; stars > 0; stars-- {
		t = PointerTo(t)
	}
	return t, nil
}

func (c *Cache) namedType(name string, want Code) (*Type, error) {
	sym, err := c.Lookup(name)
	switch {
	case err == nil && sym.Type != nil && (want == CodeVoid || sym.Type.Code == want):
		return sym.Type, nil
	case err != nil && !errs.IsNotFound(err):
		return nil, err
	}
	if err := c.loadTypeNames(); err != nil {
		return nil, err
	}
	key := name
	if want != CodeVoid {
		key = want.String() + " " + name
	}
	ref, ok := c.typeNames[key]
	if !ok {
		return nil, errs.NotFound("type", name)
	}
	e, err := ref.unit.EntryAt(ref.off)
	if err != nil {
		return nil, err
	}
	return c.typeOf(ref.unit, e)
}

// loadTypeNames indexes the named top-level type entries of every unit.
// Complete definitions win over declarations and earlier units over later
// ones.
func (c *Cache) loadTypeNames() error {
	if c.typeNamesLoaded {
		return nil
	}
	units, err := c.Info.Units()
	if err != nil {
		return err
	}
	names := make(map[string]typeRef)
	decls := make(map[string]bool)
	add := func(key string, u *pdwarf.Unit, e *dwarf.Entry) {
		if _, ok := names[key]; ok && (!decls[key] || isDecl(e)) {
			return
		}
		names[key] = typeRef{u, e.Offset}
		decls[key] = isDecl(e)
	}
	for _, u := range units {
		children, err := u.Children()
		if err != nil {
			return err
		}
		for _, e := range children {
			name, _ := e.Val(dwarf.AttrName).(string)
			if name == "" {
				continue
			}
			switch e.Tag {
			case dwarf.TagStructType, dwarf.TagClassType:
				add("struct "+name, u, e)
			case dwarf.TagUnionType:
				add("union "+name, u, e)
			case dwarf.TagEnumerationType:
				add("enum "+name, u, e)
			case dwarf.TagBaseType, dwarf.TagTypedef, dwarf.TagUnspecifiedType:
			default:
				continue
			}
			add(name, u, e)
		}
	}
	c.typeNames = names
	c.typeNamesLoaded = true
	return nil
}
