// Package dwarfbuilder assembles small ELF executables carrying hand-written
// DWARF sections. It is used to build fixtures for the DWARF index, the
// symbol cache and the runtime session.
package dwarfbuilder

import (
	"bytes"
	"debug/dwarf"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/go-delve/delve/pkg/dwarf/util"
)

// Form is a DWARF attribute form.
type Form uint8

const (
	FormAddr        Form = 0x01
	FormData2       Form = 0x05
	FormData4       Form = 0x06
	FormData8       Form = 0x07
	FormString      Form = 0x08
	FormData1       Form = 0x0b
	FormFlag        Form = 0x0c
	FormSdata       Form = 0x0d
	FormUdata       Form = 0x0f
	FormRefAddr     Form = 0x10
	FormRef4        Form = 0x13
	FormSecOffset   Form = 0x17
	FormExprloc     Form = 0x18
	FormFlagPresent Form = 0x19
	FormRefSig8     Form = 0x20
)

// Attr is an attribute of an entry. Value is a string, an integer, a bool,
// a []byte (exprloc) or an *Entry (references).
type Attr struct {
	Attr  dwarf.Attr
	Form  Form
	Value interface{}
}

// Entry is a debug information entry under construction.
type Entry struct {
	Tag      dwarf.Tag
	Attrs    []Attr
	Children []*Entry

	unit   *Unit
	offset uint32
}

// Offset returns the .debug_info offset of e. It is valid after Build.
func (e *Entry) Offset() dwarf.Offset {
	return dwarf.Offset(e.offset)
}

// Add appends a child entry.
func (e *Entry) Add(tag dwarf.Tag, attrs ...Attr) *Entry {
	c := &Entry{Tag: tag, Attrs: attrs, unit: e.unit}
	e.Children = append(e.Children, c)
	return c
}

// Name is a DW_AT_name string attribute.
func Name(s string) Attr { return Attr{dwarf.AttrName, FormString, s} }

// Type is a DW_AT_type reference. References to an entry of another unit
// are written as DW_FORM_ref_addr.
func Type(t *Entry) Attr { return Attr{dwarf.AttrType, FormRef4, t} }

// Location is a DW_AT_location expression.
func Location(code ...byte) Attr { return Attr{dwarf.AttrLocation, FormExprloc, code} }

// ByteSize is a DW_AT_byte_size attribute.
func ByteSize(n int) Attr { return Attr{dwarf.AttrByteSize, FormData1, n} }

// LowHigh returns DW_AT_low_pc and DW_AT_high_pc (as an offset) for [lo, hi).
func LowHigh(lo, hi uint64) []Attr {
	return []Attr{
		{dwarf.AttrLowpc, FormAddr, lo},
		{dwarf.AttrHighpc, FormData8, hi - lo},
	}
}

// DeclLine is a DW_AT_decl_line attribute.
func DeclLine(n int) Attr { return Attr{dwarf.AttrDeclLine, FormUdata, n} }

// DeclFile is a DW_AT_decl_file attribute, an index into the unit file list.
func DeclFile(n int) Attr { return Attr{dwarf.AttrDeclFile, FormData1, n} }

// FrameBase is a DW_AT_frame_base expression.
func FrameBase(code ...byte) Attr { return Attr{dwarf.AttrFrameBase, FormExprloc, code} }

// External is DW_AT_external.
func External() Attr { return Attr{dwarf.AttrExternal, FormFlagPresent, true} }

// Encoding is a DW_AT_encoding attribute.
func Encoding(n int) Attr { return Attr{dwarf.AttrEncoding, FormData1, n} }

// MemberOffset is a constant DW_AT_data_member_location.
func MemberOffset(n int) Attr { return Attr{dwarf.AttrDataMemberLoc, FormData1, n} }

// UpperBound is a DW_AT_upper_bound attribute.
func UpperBound(n int) Attr { return Attr{dwarf.AttrUpperBound, FormUdata, n} }

// ConstValue is a DW_AT_const_value attribute.
func ConstValue(n int64) Attr { return Attr{dwarf.AttrConstValue, FormSdata, n} }

// Unit is a compilation unit under construction.
type Unit struct {
	Name    string
	CompDir string
	Low     uint64
	High    uint64
	// Files is the line table file list. File 1 is Name when empty.
	Files []string
	Lines []LineRow

	root   *Entry
	offset uint32
}

// Root returns the DW_TAG_compile_unit entry of u.
func (u *Unit) Root() *Entry {
	return u.root
}

// Offset returns the .debug_info offset of the unit header.
func (u *Unit) Offset() dwarf.Offset {
	return dwarf.Offset(u.offset)
}

type abbrevKey string

type fixup struct {
	pos    int
	target *Entry
	abs    bool
}

type infoWriter struct {
	info    bytes.Buffer
	abbrev  bytes.Buffer
	abbrevs map[abbrevKey]uint64
	fixups  []fixup
}

func (w *infoWriter) abbrevFor(e *Entry) uint64 {
	var key strings.Builder
	fmt.Fprintf(&key, "%d/%v", e.Tag, len(e.Children) > 0)
	for _, a := range e.Attrs {
		fmt.Fprintf(&key, "/%d:%d", a.Attr, a.Form)
	}
	if code, ok := w.abbrevs[abbrevKey(key.String())]; ok {
		return code
	}
	code := uint64(len(w.abbrevs) + 1)
	w.abbrevs[abbrevKey(key.String())] = code
	util.EncodeULEB128(&w.abbrev, code)
	util.EncodeULEB128(&w.abbrev, uint64(e.Tag))
	if len(e.Children) > 0 {
		w.abbrev.WriteByte(1)
	} else {
		w.abbrev.WriteByte(0)
	}
	for _, a := range e.Attrs {
		util.EncodeULEB128(&w.abbrev, uint64(a.Attr))
		util.EncodeULEB128(&w.abbrev, uint64(a.Form))
	}
	w.abbrev.Write([]byte{0, 0})
	return code
}

func (w *infoWriter) writeUnit(u *Unit, order binary.ByteOrder) {
	u.offset = uint32(w.info.Len())
	w.info.Write([]byte{0, 0, 0, 0}) // length, patched below
	binary.Write(&w.info, order, uint16(4))
	binary.Write(&w.info, order, uint32(0))
	w.info.WriteByte(8)
	w.writeEntry(u.root, order)
	length := uint32(w.info.Len()) - u.offset - 4
	order.PutUint32(w.info.Bytes()[u.offset:], length)
}

func (w *infoWriter) writeEntry(e *Entry, order binary.ByteOrder) {
	for i, a := range e.Attrs {
		if t, ok := a.Value.(*Entry); ok && a.Form == FormRef4 && t.unit != e.unit {
			e.Attrs[i].Form = FormRefAddr
		}
	}
	e.offset = uint32(w.info.Len())
	util.EncodeULEB128(&w.info, w.abbrevFor(e))
	for _, a := range e.Attrs {
		w.writeAttr(e, a, order)
	}
	if len(e.Children) > 0 {
		for _, c := range e.Children {
			w.writeEntry(c, order)
		}
		w.info.WriteByte(0)
	}
}

func (w *infoWriter) writeAttr(e *Entry, a Attr, order binary.ByteOrder) {
	switch a.Form {
	case FormAddr, FormData8:
		binary.Write(&w.info, order, toUint(a.Value))
	case FormData1, FormFlag:
		w.info.WriteByte(byte(toUint(a.Value)))
	case FormData2:
		binary.Write(&w.info, order, uint16(toUint(a.Value)))
	case FormData4, FormSecOffset:
		binary.Write(&w.info, order, uint32(toUint(a.Value)))
	case FormSdata:
		util.EncodeSLEB128(&w.info, int64(toUint(a.Value)))
	case FormUdata:
		util.EncodeULEB128(&w.info, toUint(a.Value))
	case FormString:
		w.info.WriteString(a.Value.(string))
		w.info.WriteByte(0)
	case FormExprloc:
		code := a.Value.([]byte)
		util.EncodeULEB128(&w.info, uint64(len(code)))
		w.info.Write(code)
	case FormFlagPresent:
	case FormRefSig8:
		binary.Write(&w.info, order, toUint(a.Value))
	case FormRef4, FormRefAddr:
		target := a.Value.(*Entry)
		w.fixups = append(w.fixups, fixup{pos: w.info.Len(), target: target, abs: a.Form == FormRefAddr})
		w.info.Write([]byte{0, 0, 0, 0})
	default:
		panic(fmt.Sprintf("dwarfbuilder: unsupported form %#x", a.Form))
	}
}

func (w *infoWriter) patch(order binary.ByteOrder) {
	buf := w.info.Bytes()
	for _, f := range w.fixups {
		v := f.target.offset
		if !f.abs {
			v -= f.target.unit.offset
		}
		order.PutUint32(buf[f.pos:], v)
	}
}

func toUint(v interface{}) uint64 {
	switch v := v.(type) {
	case int:
		return uint64(v)
	case int64:
		return uint64(v)
	case uint64:
		return v
	case uint32:
		return uint64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	}
	panic(fmt.Sprintf("dwarfbuilder: cannot encode %T", v))
}
