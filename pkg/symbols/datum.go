package symbols

import (
	"debug/dwarf"
	"fmt"

	"github.com/pkg/errors"

	pdwarf "github.com/undoio/dwarfscope/pkg/dwarf"
	"github.com/undoio/dwarfscope/pkg/errs"
	"github.com/undoio/dwarfscope/pkg/expr"
)

// DatumKind tells variables, parameters and named constants apart.
type DatumKind uint8

const (
	DatumVariable DatumKind = iota
	DatumParameter
	DatumConstant
)

// Datum is a named variable, parameter or constant. Sub is nil for globals.
type Datum struct {
	Name     string
	Kind     DatumKind
	Sub      *Subprogram
	Offset   dwarf.Offset
	Unit     *pdwarf.Unit
	External bool
	// Ranges are the ranges of the innermost lexical block declaring the
	// datum, nil when it is visible in the whole subprogram.
	Ranges [][2]uint64
	// ConstValue is DW_AT_const_value, an int64 or a []byte.
	ConstValue interface{}

	cache    *Cache
	entry    *dwarf.Entry
	declUnit *pdwarf.Unit
	decl     *dwarf.Entry
	depth    int

	typ *Type
	loc *expr.Expr
}

func newDatum(c *Cache, u *pdwarf.Unit, e *dwarf.Entry, sub *Subprogram) (*Datum, error) {
	d := &Datum{Sub: sub, Offset: e.Offset, Unit: u, cache: c, entry: e}
	switch e.Tag {
	case dwarf.TagFormalParameter:
		d.Kind = DatumParameter
	case dwarf.TagConstant:
		d.Kind = DatumConstant
	}
	du, decl, err := c.declOf(u, e)
	if err != nil {
		return nil, err
	}
	d.declUnit, d.decl = du, decl
	d.Name, _ = e.Val(dwarf.AttrName).(string)
	if d.Name == "" {
		d.Name, _ = decl.Val(dwarf.AttrName).(string)
	}
	d.External, _ = decl.Val(dwarf.AttrExternal).(bool)
	d.ConstValue = e.Val(dwarf.AttrConstValue)
	return d, nil
}

func (d *Datum) String() string {
	if d.Sub != nil {
		return fmt.Sprintf("%s.%s", d.Sub.Name, d.Name)
	}
	return d.Name
}

// Type returns the declared type of d.
func (d *Datum) Type() (*Type, error) {
	if d.typ != nil {
		return d.typ, nil
	}
	u, e := d.Unit, d.entry
	if e.AttrField(dwarf.AttrType) == nil {
		u, e = d.declUnit, d.decl
	}
	t, err := d.cache.typeAttr(u, e)
	if err != nil {
		return nil, errors.Wrapf(err, "type of %s", d)
	}
	d.typ = t
	return t, nil
}

// HasLocation reports whether d has a DW_AT_location.
func (d *Datum) HasLocation() bool {
	return d.entry.AttrField(dwarf.AttrLocation) != nil
}

// Location returns the location expression of d, nil when d has none (its
// value is a constant or was optimized out). Location lists are not
// supported.
func (d *Datum) Location() (*expr.Expr, error) {
	if d.loc != nil {
		return d.loc, nil
	}
	af := d.entry.AttrField(dwarf.AttrLocation)
	if af == nil {
		return nil, nil
	}
	switch af.Class {
	case dwarf.ClassExprLoc, dwarf.ClassBlock:
		loc, err := expr.Build(af.Val.([]byte), d.cache.exprOptions())
		if err != nil {
			return nil, errors.Wrapf(err, "location of %s", d)
		}
		d.loc = loc
		return loc, nil
	case dwarf.ClassLocListPtr, dwarf.ClassLocList:
		return nil, errs.NotImplemented("location list of %s", d)
	}
	return nil, errs.NotImplemented("location of class %v in %s", af.Class, d)
}

// Visible reports whether d is in scope at pc.
func (d *Datum) Visible(pc uint64) bool {
	if d.Ranges == nil {
		return true
	}
	for _, r := range d.Ranges {
		if pc >= r[0] && pc < r[1] {
			return true
		}
	}
	return false
}
