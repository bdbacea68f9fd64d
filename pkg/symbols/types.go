package symbols

import (
	"debug/dwarf"
	"fmt"
	"strings"

	pdwarf "github.com/undoio/dwarfscope/pkg/dwarf"
	"github.com/undoio/dwarfscope/pkg/errs"
	"github.com/undoio/dwarfscope/pkg/expr"
)

// Code is the kind of a type once its qualifiers are stripped.
type Code uint8

const (
	CodeVoid Code = iota
	CodeInt
	CodeUint
	CodeFloat
	CodeBool
	CodeChar
	CodePointer
	CodeReference
	CodeArray
	CodeStruct
	CodeUnion
	CodeEnum
	CodeFunc
	CodeTypedef
)

var codeNames = [...]string{
	CodeVoid:      "void",
	CodeInt:       "int",
	CodeUint:      "uint",
	CodeFloat:     "float",
	CodeBool:      "bool",
	CodeChar:      "char",
	CodePointer:   "pointer",
	CodeReference: "reference",
	CodeArray:     "array",
	CodeStruct:    "struct",
	CodeUnion:     "union",
	CodeEnum:      "enum",
	CodeFunc:      "func",
	CodeTypedef:   "typedef",
}

func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("code(%d)", c)
}

// Qual is a set of type qualifiers.
type Qual uint8

const (
	QualConst Qual = 1 << iota
	QualVolatile
	QualRestrict
	QualPacked
	QualShared
	QualAtomic
)

// DWARF tags not named by debug/dwarf.
const (
	tagPackedType dwarf.Tag = 0x2d
	tagSharedType dwarf.Tag = 0x40
	tagAtomicType dwarf.Tag = 0x47
)

var qualTags = map[dwarf.Tag]Qual{
	dwarf.TagConstType:    QualConst,
	dwarf.TagVolatileType: QualVolatile,
	dwarf.TagRestrictType: QualRestrict,
	tagPackedType:         QualPacked,
	tagSharedType:         QualShared,
	tagAtomicType:         QualAtomic,
}

func (q Qual) String() string {
	var parts []string
	for _, x := range []struct {
		q    Qual
		name string
	}{
		{QualConst, "const"},
		{QualVolatile, "volatile"},
		{QualRestrict, "restrict"},
		{QualPacked, "packed"},
		{QualShared, "shared"},
		{QualAtomic, "_Atomic"},
	} {
		if q&x.q != 0 {
			parts = append(parts, x.name)
		}
	}
	return strings.Join(parts, " ")
}

// Type is a source level type.
type Type struct {
	Name   string
	Code   Code
	Quals  Qual
	Offset dwarf.Offset
	Unit   *pdwarf.Unit

	// ByteSize is DW_AT_byte_size, or -1 when the entry has none.
	ByteSize int64
	Target   *Type
	// Count is the number of elements of an array, -1 when unknown.
	Count       int64
	Fields      []*Field
	Enumerators []Enumerator

	fields map[string]*Field
}

// Field is a member of a struct or union.
type Field struct {
	Name string
	Type *Type
	// Offset is the constant DW_AT_data_member_location, ignored when
	// Location is set.
	Offset   uint64
	Location *expr.Expr
	BitField bool
}

// Enumerator is a named value of an enumeration.
type Enumerator struct {
	Name  string
	Value int64
}

// Field returns the member called name.
func (t *Type) Field(name string) (*Field, error) {
	if f, ok := t.fields[name]; ok {
		return f, nil
	}
	return nil, errs.NotFound(fmt.Sprintf("field of %s", t), name)
}

// Strip follows typedefs down to the first other type.
func (t *Type) Strip() *Type {
	for t.Code == CodeTypedef && t.Target != nil {
		t = t.Target
	}
	return t
}

// IsPointer reports whether t is a pointer or reference once typedefs are
// stripped.
func (t *Type) IsPointer() bool {
	c := t.Strip().Code
	return c == CodePointer || c == CodeReference
}

// IsAggregate reports whether t is a struct or union once typedefs are
// stripped.
func (t *Type) IsAggregate() bool {
	c := t.Strip().Code
	return c == CodeStruct || c == CodeUnion
}

// Signed reports whether values of t are sign extended.
func (t *Type) Signed() bool {
	switch t.Strip().Code {
	case CodeInt, CodeChar, CodeEnum:
		return true
	}
	return false
}

// Size returns an expression computing the size of t in bytes.
func (t *Type) Size() (expr.Node, error) {
	if t.ByteSize >= 0 {
		return expr.Const(t.ByteSize), nil
	}
	switch t.Code {
	case CodePointer, CodeReference:
		return &expr.AddressSize{}, nil
	case CodeTypedef:
		if t.Target == nil {
			return nil, errs.NotImplemented("size of typedef %s of void", t.Name)
		}
		return t.Target.Size()
	case CodeArray:
		if t.Count < 0 {
			return nil, errs.NotImplemented("size of array %s of unknown length", t)
		}
		elem, err := t.Target.Size()
		if err != nil {
			return nil, err
		}
		return expr.Mul(expr.Const(t.Count), elem), nil
	}
	return nil, errs.NotImplemented("size of %s type %s", t.Code, t)
}

func (t *Type) String() string {
	var s string
	switch t.Code {
	case CodePointer:
		s = t.targetName() + " *"
	case CodeReference:
		s = t.targetName() + " &"
	case CodeArray:
		if t.Count >= 0 {
			s = fmt.Sprintf("%s[%d]", t.targetName(), t.Count)
		} else {
			s = t.targetName() + "[]"
		}
	case CodeStruct, CodeUnion, CodeEnum:
		s = t.Code.String() + " " + t.Name
		if t.Name == "" {
			s = t.Code.String() + " <anonymous>"
		}
	case CodeFunc:
		s = t.targetName() + " ()"
	default:
		s = t.Name
		if s == "" {
			s = t.Code.String()
		}
	}
	if t.Quals != 0 {
		s = t.Quals.String() + " " + s
	}
	return s
}

func (t *Type) targetName() string {
	if t.Target == nil {
		return "void"
	}
	return t.Target.String()
}

// PointerTo returns an unnamed pointer to t.
func PointerTo(t *Type) *Type {
	return &Type{Code: CodePointer, ByteSize: -1, Count: -1, Target: t}
}

func (t *Type) addField(f *Field) {
	if t.fields == nil {
		t.fields = make(map[string]*Field)
	}
	t.Fields = append(t.Fields, f)
	if f.Name != "" {
		t.fields[f.Name] = f
	}
}

// baseCode maps a DW_AT_encoding to a type code.
func baseCode(enc int64) Code {
	switch enc {
	case 0x02: // DW_ATE_boolean
		return CodeBool
	case 0x04: // DW_ATE_float
		return CodeFloat
	case 0x05: // DW_ATE_signed
		return CodeInt
	case 0x06: // DW_ATE_signed_char
		return CodeChar
	case 0x07, 0x08: // DW_ATE_unsigned, DW_ATE_unsigned_char
		return CodeUint
	}
	return CodeInt
}
