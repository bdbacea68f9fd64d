// Package dwarf is a demand-driven index over the DWARF sections of an ELF
// image: compilation units, line programs, address ranges, name tables and
// call frame information. Nothing is parsed until a query needs it, and
// everything parsed is kept for the lifetime of the Info.
//
// An Info is append-only. Concurrent readers must serialize the first
// query that populates a given part of the index.
package dwarf

import (
	"debug/dwarf"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/undoio/dwarfscope/pkg/dwarf/frame"
	"github.com/undoio/dwarfscope/pkg/elfimage"
	"github.com/undoio/dwarfscope/pkg/errs"
	"github.com/undoio/dwarfscope/pkg/intervalmap"
	"github.com/undoio/dwarfscope/pkg/logflags"
	"github.com/undoio/dwarfscope/pkg/suffixtrie"
)

// Info indexes the debug information of one image.
type Info struct {
	Image *elfimage.Image

	data    *dwarf.Data
	order   binary.ByteOrder
	ptrSize int

	// unit headers, discovered in section order
	headers    []unitHeader
	headerPos  uint64
	headerDone bool
	byOffset   intervalmap.Map[int]

	units     []*Unit
	byName    suffixtrie.Trie[*Unit]
	allLoaded bool

	aranges       intervalmap.Map[dwarf.Offset]
	arangesLoaded bool

	files       suffixtrie.Trie[*File]
	filesLoaded bool

	frame    *frame.Table
	frameErr error

	pubnames map[string][]PubEntry
	pubtypes map[string][]PubEntry
}

type unitHeader struct {
	offset      dwarf.Offset
	end         dwarf.Offset
	entry       dwarf.Offset
	version     int
	addressSize int
}

// Parse opens the ELF file at path and indexes it.
func Parse(path string) (*Info, error) {
	im, err := elfimage.Open(path)
	if err != nil {
		return nil, err
	}
	return Load(im)
}

// Load indexes im. Only the section directory is read.
func Load(im *elfimage.Image) (*Info, error) {
	data, err := im.DWARF()
	if err != nil {
		return nil, err
	}
	return &Info{
		Image:   im,
		data:    data,
		order:   im.ByteOrder(),
		ptrSize: im.AddressSize(),
	}, nil
}

// Data returns the underlying debug/dwarf data.
func (d *Info) Data() *dwarf.Data {
	return d.data
}

// ByteOrder returns the byte order of the image.
func (d *Info) ByteOrder() binary.ByteOrder {
	return d.order
}

// AddressSize returns the target address size in bytes.
func (d *Info) AddressSize() int {
	return d.ptrSize
}

// nextHeader reads the unit header at headerPos.
func (d *Info) nextHeader() (bool, error) {
	if d.headerDone {
		return false, nil
	}
	info, err := d.Image.Section(".debug_info")
	if err != nil {
		return false, err
	}
	pos := d.headerPos
	if pos >= uint64(len(info)) {
		d.headerDone = true
		return false, nil
	}
	if pos+4 > uint64(len(info)) {
		d.headerDone = true
		return false, errors.Errorf("dwarf: truncated unit header at %#x", pos)
	}
	length := uint64(d.order.Uint32(info[pos:]))
	lenSize, offSize := uint64(4), uint64(4)
	if length == 0xffffffff {
		if pos+12 > uint64(len(info)) {
			d.headerDone = true
			return false, errors.Errorf("dwarf: truncated unit header at %#x", pos)
		}
		length = d.order.Uint64(info[pos+4:])
		lenSize, offSize = 12, 8
	}
	end := pos + lenSize + length
	if end > uint64(len(info)) || pos+lenSize+2 > end {
		d.headerDone = true
		return false, errors.Errorf("dwarf: unit at %#x overruns .debug_info", pos)
	}
	version := int(d.order.Uint16(info[pos+lenSize:]))
	h := unitHeader{offset: dwarf.Offset(pos), end: dwarf.Offset(end), version: version}
	switch {
	case version >= 2 && version <= 4:
		// abbrev offset, address size
		h.entry = dwarf.Offset(pos + lenSize + 2 + offSize + 1)
		h.addressSize = int(info[pos+lenSize+2+offSize])
	case version == 5:
		// unit type, address size, abbrev offset, then type/skeleton extras
		utype := info[pos+lenSize+2]
		h.addressSize = int(info[pos+lenSize+3])
		hdr := lenSize + 2 + 2 + offSize
		switch utype {
		case 0x02, 0x06: // DW_UT_type, DW_UT_split_type
			hdr += 8 + offSize
		case 0x04, 0x05: // DW_UT_skeleton, DW_UT_split_compile
			hdr += 8
		}
		h.entry = dwarf.Offset(pos + hdr)
	default:
		d.headerDone = true
		return false, errs.NotImplemented("DWARF version %d unit at %#x", version, pos)
	}

	d.byOffset.Set(uint64(h.offset), uint64(h.end), len(d.headers))
	d.headers = append(d.headers, h)
	d.units = append(d.units, nil)
	d.headerPos = end
	return true, nil
}

// NumUnits returns the number of units in the image. It walks every unit
// header.
func (d *Info) NumUnits() (int, error) {
	for {
		ok, err := d.nextHeader()
		if err != nil {
			return 0, err
		}
		if !ok {
			return len(d.headers), nil
		}
	}
}

// UnitAt returns the unit with the given index in section order.
func (d *Info) UnitAt(index int) (*Unit, error) {
	for index >= len(d.headers) {
		ok, err := d.nextHeader()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errs.NotFound("compilation unit", fmt.Sprintf("#%d", index))
		}
	}
	if index < 0 {
		return nil, errs.NotFound("compilation unit", fmt.Sprintf("#%d", index))
	}
	if u := d.units[index]; u != nil {
		return u, nil
	}
	return d.loadUnit(index)
}

// UnitByOffset returns the unit whose .debug_info range contains off.
func (d *Info) UnitByOffset(off dwarf.Offset) (*Unit, error) {
	for {
		if idx, ok := d.byOffset.Get(uint64(off)); ok {
			return d.UnitAt(idx)
		}
		ok, err := d.nextHeader()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errs.NotFound("compilation unit at offset", fmt.Sprintf("%#x", off))
		}
	}
}

func (d *Info) loadUnit(index int) (*Unit, error) {
	h := d.headers[index]
	r := d.data.Reader()
	r.Seek(h.entry)
	e, err := r.Next()
	if err != nil {
		return nil, errors.Wrapf(err, "dwarf: reading unit at %#x", h.offset)
	}
	if e == nil {
		return nil, errors.Errorf("dwarf: empty unit at %#x", h.offset)
	}
	u := &Unit{
		Index:       index,
		Offset:      h.offset,
		End:         h.end,
		Version:     h.version,
		AddressSize: h.addressSize,
		Entry:       e,
		info:        d,
	}
	u.Name, _ = e.Val(dwarf.AttrName).(string)
	u.CompDir, _ = e.Val(dwarf.AttrCompDir).(string)
	u.Producer, _ = e.Val(dwarf.AttrProducer).(string)
	u.Language, _ = e.Val(dwarf.AttrLanguage).(int64)
	if e.Tag == dwarf.TagCompileUnit || e.Tag == dwarf.TagPartialUnit {
		u.Ranges, err = d.data.Ranges(e)
		if err != nil {
			logflags.DWARFLogger().Warnf("unit %s: could not read ranges: %v", u.Name, err)
		}
	}
	d.units[index] = u
	if u.Name != "" {
		d.byName.Insert(suffixtrie.Split(u.Path()), u, false)
	}
	logflags.DWARFLogger().Debugf("loaded unit #%d %s at %#x", index, u.Name, h.offset)
	return u, nil
}

// LoadAll loads the root entry of every unit.
func (d *Info) LoadAll() error {
	if d.allLoaded {
		return nil
	}
	n, err := d.NumUnits()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if _, err := d.UnitAt(i); err != nil {
			return err
		}
	}
	d.allLoaded = true
	return nil
}

// Units returns every unit, loading all of them.
func (d *Info) Units() ([]*Unit, error) {
	if err := d.LoadAll(); err != nil {
		return nil, err
	}
	return append([]*Unit(nil), d.units...), nil
}

// UnitByFile returns the unit whose path ends with suffix.
func (d *Info) UnitByFile(suffix string) (*Unit, error) {
	if err := d.LoadAll(); err != nil {
		return nil, err
	}
	u, err := d.byName.Find(suffixtrie.Split(suffix))
	if err != nil {
		return nil, renameKind(err, "compilation unit", suffix)
	}
	return u, nil
}

// Unit returns the unit covering addr.
func (d *Info) Unit(addr uint64) (*Unit, error) {
	if err := d.loadAranges(); err != nil {
		return nil, err
	}
	if off, ok := d.aranges.Get(addr); ok {
		return d.UnitByOffset(off)
	}
	return nil, errs.NotFound("compilation unit for address", fmt.Sprintf("%#x", addr))
}

// loadAranges fills the address to unit map from .debug_aranges, or from the
// ranges of every unit when the section is absent.
func (d *Info) loadAranges() error {
	if d.arangesLoaded {
		return nil
	}
	if d.Image.HasSection(".debug_aranges") {
		sec, err := d.Image.Section(".debug_aranges")
		if err != nil {
			return err
		}
		var m intervalmap.Map[dwarf.Offset]
		if err := parseAranges(sec, d.order, &m); err != nil {
			return err
		}
		d.aranges = m
		d.arangesLoaded = true
		return nil
	}
	units, err := d.Units()
	if err != nil {
		return err
	}
	var m intervalmap.Map[dwarf.Offset]
	for _, u := range units {
		for _, r := range u.Ranges {
			m.Set(r[0], r[1], u.Offset)
		}
	}
	d.aranges = m
	d.arangesLoaded = true
	return nil
}

// Ref resolves the reference attribute attr of e, an entry of u. The
// returned unit owns the referenced entry.
func (d *Info) Ref(u *Unit, e *dwarf.Entry, attr dwarf.Attr) (*Unit, *dwarf.Entry, error) {
	f := e.AttrField(attr)
	if f == nil {
		return nil, nil, errs.NotFound(fmt.Sprintf("attribute %v of entry", attr), fmt.Sprintf("%#x", e.Offset))
	}
	switch f.Class {
	case dwarf.ClassReference:
	case dwarf.ClassReferenceSig:
		return nil, nil, errs.NotImplemented("DW_FORM_ref_sig8 reference in %v of entry %#x", attr, e.Offset)
	default:
		return nil, nil, errors.Errorf("dwarf: attribute %v of entry %#x is not a reference", attr, e.Offset)
	}
	off := f.Val.(dwarf.Offset)
	target := u
	if !u.Contains(off) {
		var err error
		target, err = d.UnitByOffset(off)
		if err != nil {
			return nil, nil, err
		}
	}
	entry, err := target.EntryAt(off)
	if err != nil {
		return nil, nil, err
	}
	return target, entry, nil
}

// PubEntry is an entry of .debug_pubnames or .debug_pubtypes.
type PubEntry struct {
	Unit  dwarf.Offset
	Entry dwarf.Offset
}

// Pubnames returns the .debug_pubnames entries called name.
func (d *Info) Pubnames(name string) ([]PubEntry, error) {
	if d.pubnames == nil {
		m, err := d.loadPub(".debug_pubnames")
		if err != nil {
			return nil, err
		}
		d.pubnames = m
	}
	return d.pubnames[name], nil
}

// Pubtypes returns the .debug_pubtypes entries called name.
func (d *Info) Pubtypes(name string) ([]PubEntry, error) {
	if d.pubtypes == nil {
		m, err := d.loadPub(".debug_pubtypes")
		if err != nil {
			return nil, err
		}
		d.pubtypes = m
	}
	return d.pubtypes[name], nil
}

func (d *Info) loadPub(name string) (map[string][]PubEntry, error) {
	m := make(map[string][]PubEntry)
	if !d.Image.HasSection(name) {
		return m, nil
	}
	sec, err := d.Image.Section(name)
	if err != nil {
		return nil, err
	}
	if err := parsePub(sec, d.order, m); err != nil {
		return nil, errors.Wrapf(err, "dwarf: parsing %s", name)
	}
	return m, nil
}

// PubnameList returns every name of .debug_pubnames, sorted.
func (d *Info) PubnameList() ([]string, error) {
	if _, err := d.Pubnames(""); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(d.pubnames))
	for n := range d.pubnames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// renameKind rewrites the classification errors of suffixtrie lookups so
// that they name what was looked up.
func renameKind(err error, what, key string) error {
	switch e := err.(type) {
	case *errs.NotFoundError:
		return errs.NotFound(what, key)
	case *errs.AmbiguousError:
		return &errs.AmbiguousError{What: what, Key: key, Candidates: e.Candidates}
	}
	return err
}
