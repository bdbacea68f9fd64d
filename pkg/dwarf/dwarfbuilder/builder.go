package dwarfbuilder

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"sort"

	"github.com/go-delve/delve/pkg/dwarf/util"
)

// LineRow is a row of a unit's line table. File is an index into the unit
// file list, starting at 1.
type LineRow struct {
	Addr          uint64
	File          int
	Line          int
	PrologueEnd   bool
	EpilogueBegin bool
}

// Symbol is a .symtab entry.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
	Type  elf.SymType
}

type fdeSpec struct {
	begin, end   uint64
	instructions []byte
}

type pubEntry struct {
	unit  *Unit
	entry *Entry
	name  string
}

// Builder collects units, frame entries and symbols and writes them into an
// ELF executable.
type Builder struct {
	TextAddr uint64
	Text     []byte

	// CIEInstructions are the initial instructions of the only CIE.
	CIEInstructions []byte
	// NoFrame omits .debug_frame.
	NoFrame bool
	// NoAranges omits .debug_aranges.
	NoAranges bool

	units    []*Unit
	fdes     []fdeSpec
	pubnames []pubEntry
	pubtypes []pubEntry
	symbols  []Symbol
}

// New returns a Builder with the x86-64 default CIE: CFA = rsp+8 and the
// return address at CFA-8.
func New() *Builder {
	return &Builder{
		TextAddr:        0x1000,
		CIEInstructions: []byte{0x0c, 0x07, 0x08, 0x90, 0x01},
	}
}

// AddUnit adds a compilation unit covering [low, high).
func (b *Builder) AddUnit(name, compDir string, low, high uint64) *Unit {
	u := &Unit{Name: name, CompDir: compDir, Low: low, High: high}
	u.root = &Entry{Tag: dwarf.TagCompileUnit, unit: u}
	b.units = append(b.units, u)
	return u
}

// AddFDE adds a frame description entry for [begin, end).
func (b *Builder) AddFDE(begin, end uint64, instructions ...byte) {
	b.fdes = append(b.fdes, fdeSpec{begin, end, instructions})
}

// AddPubname adds e to .debug_pubnames.
func (b *Builder) AddPubname(e *Entry, name string) {
	b.pubnames = append(b.pubnames, pubEntry{e.unit, e, name})
}

// AddPubtype adds e to .debug_pubtypes.
func (b *Builder) AddPubtype(e *Entry, name string) {
	b.pubtypes = append(b.pubtypes, pubEntry{e.unit, e, name})
}

// AddSymbol adds a .symtab entry.
func (b *Builder) AddSymbol(s Symbol) {
	b.symbols = append(b.symbols, s)
}

// Build returns the ELF image.
func (b *Builder) Build() []byte {
	order := binary.LittleEndian

	var line bytes.Buffer
	stmt := make([]uint32, len(b.units))
	for i, u := range b.units {
		stmt[i] = uint32(line.Len())
		writeLineProgram(&line, u, order)
	}

	w := &infoWriter{abbrevs: make(map[abbrevKey]uint64)}
	for i, u := range b.units {
		attrs := []Attr{Name(u.Name)}
		if u.CompDir != "" {
			attrs = append(attrs, Attr{dwarf.AttrCompDir, FormString, u.CompDir})
		}
		attrs = append(attrs,
			Attr{dwarf.AttrLanguage, FormData1, 0x0c}, // C99
			Attr{dwarf.AttrStmtList, FormSecOffset, int(stmt[i])})
		if u.High > u.Low {
			attrs = append(attrs, LowHigh(u.Low, u.High)...)
		}
		u.root.Attrs = append(attrs, u.root.Attrs...)
		w.writeUnit(u, order)
	}
	w.abbrev.WriteByte(0)
	w.patch(order)

	sections := []section{
		{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, addr: b.TextAddr, data: b.Text},
		{name: ".debug_abbrev", typ: elf.SHT_PROGBITS, data: w.abbrev.Bytes()},
		{name: ".debug_info", typ: elf.SHT_PROGBITS, data: w.info.Bytes()},
		{name: ".debug_line", typ: elf.SHT_PROGBITS, data: line.Bytes()},
	}
	if !b.NoAranges {
		sections = append(sections, section{name: ".debug_aranges", typ: elf.SHT_PROGBITS, data: b.aranges(order)})
	}
	if !b.NoFrame {
		sections = append(sections, section{name: ".debug_frame", typ: elf.SHT_PROGBITS, data: b.frame(order)})
	}
	if len(b.pubnames) > 0 {
		sections = append(sections, section{name: ".debug_pubnames", typ: elf.SHT_PROGBITS, data: pubSection(b.pubnames, order)})
	}
	if len(b.pubtypes) > 0 {
		sections = append(sections, section{name: ".debug_pubtypes", typ: elf.SHT_PROGBITS, data: pubSection(b.pubtypes, order)})
	}
	if len(b.symbols) > 0 {
		symtab, strtab := b.symtab(order)
		strIdx := uint32(len(sections) + 2) // null section, symtab
		sections = append(sections,
			section{name: ".symtab", typ: elf.SHT_SYMTAB, data: symtab, link: strIdx, info: 1, entsize: 24, align: 8},
			section{name: ".strtab", typ: elf.SHT_STRTAB, data: strtab})
	}
	return writeELF(sections, order)
}

func writeLineProgram(out *bytes.Buffer, u *Unit, order binary.ByteOrder) {
	files := u.Files
	if len(files) == 0 {
		files = []string{u.Name}
	}

	var hdr bytes.Buffer
	hdr.WriteByte(1)    // minimum_instruction_length
	hdr.WriteByte(1)    // default_is_stmt
	hdr.WriteByte(0xfb) // line_base -5
	hdr.WriteByte(14)   // line_range
	hdr.WriteByte(13)   // opcode_base
	hdr.Write([]byte{0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1})
	hdr.WriteByte(0) // no include directories
	for _, f := range files {
		hdr.WriteString(f)
		hdr.WriteByte(0)
		hdr.Write([]byte{0, 0, 0})
	}
	hdr.WriteByte(0)

	var prog bytes.Buffer
	rows := append([]LineRow(nil), u.Lines...)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Addr < rows[j].Addr })
	file, ln := 1, 1
	for _, r := range rows {
		setAddress(&prog, r.Addr, order)
		if r.File != 0 && r.File != file {
			prog.WriteByte(0x04) // DW_LNS_set_file
			util.EncodeULEB128(&prog, uint64(r.File))
			file = r.File
		}
		if r.Line != ln {
			prog.WriteByte(0x03) // DW_LNS_advance_line
			util.EncodeSLEB128(&prog, int64(r.Line-ln))
			ln = r.Line
		}
		if r.PrologueEnd {
			prog.WriteByte(0x0a)
		}
		if r.EpilogueBegin {
			prog.WriteByte(0x0b)
		}
		prog.WriteByte(0x01) // DW_LNS_copy
	}
	if len(rows) > 0 {
		end := u.High
		if last := rows[len(rows)-1].Addr; end <= last {
			end = last + 1
		}
		setAddress(&prog, end, order)
		prog.Write([]byte{0x00, 0x01, 0x01}) // DW_LNE_end_sequence
	}

	var body bytes.Buffer
	binary.Write(&body, order, uint16(3))
	binary.Write(&body, order, uint32(hdr.Len()))
	body.Write(hdr.Bytes())
	body.Write(prog.Bytes())
	binary.Write(out, order, uint32(body.Len()))
	out.Write(body.Bytes())
}

func setAddress(prog *bytes.Buffer, addr uint64, order binary.ByteOrder) {
	prog.Write([]byte{0x00, 9, 0x02}) // DW_LNE_set_address
	binary.Write(prog, order, addr)
}

func (b *Builder) aranges(order binary.ByteOrder) []byte {
	var out bytes.Buffer
	for _, u := range b.units {
		if u.High <= u.Low {
			continue
		}
		var body bytes.Buffer
		binary.Write(&body, order, uint16(2))
		binary.Write(&body, order, u.offset)
		body.WriteByte(8)
		body.WriteByte(0)
		body.Write([]byte{0, 0, 0, 0}) // pad the 12 byte header to 16
		binary.Write(&body, order, u.Low)
		binary.Write(&body, order, u.High-u.Low)
		binary.Write(&body, order, uint64(0))
		binary.Write(&body, order, uint64(0))
		binary.Write(&out, order, uint32(body.Len()))
		out.Write(body.Bytes())
	}
	return out.Bytes()
}

func (b *Builder) frame(order binary.ByteOrder) []byte {
	var out bytes.Buffer

	var cie bytes.Buffer
	binary.Write(&cie, order, uint32(0xffffffff))
	cie.WriteByte(3)                 // version
	cie.WriteByte(0)                 // augmentation
	util.EncodeULEB128(&cie, 1)      // code alignment
	util.EncodeSLEB128(&cie, -8)     // data alignment
	util.EncodeULEB128(&cie, 16)     // return address register
	cie.Write(b.CIEInstructions)
	for (cie.Len()+4)%8 != 0 {
		cie.WriteByte(0)
	}
	binary.Write(&out, order, uint32(cie.Len()))
	out.Write(cie.Bytes())

	for _, f := range b.fdes {
		var fde bytes.Buffer
		binary.Write(&fde, order, uint32(0)) // CIE pointer
		binary.Write(&fde, order, f.begin)
		binary.Write(&fde, order, f.end-f.begin)
		fde.Write(f.instructions)
		for (fde.Len()+4)%8 != 0 {
			fde.WriteByte(0)
		}
		binary.Write(&out, order, uint32(fde.Len()))
		out.Write(fde.Bytes())
	}
	return out.Bytes()
}

func pubSection(entries []pubEntry, order binary.ByteOrder) []byte {
	var out bytes.Buffer
	byUnit := make(map[*Unit][]pubEntry)
	var units []*Unit
	for _, p := range entries {
		if _, ok := byUnit[p.unit]; !ok {
			units = append(units, p.unit)
		}
		byUnit[p.unit] = append(byUnit[p.unit], p)
	}
	for _, u := range units {
		var body bytes.Buffer
		binary.Write(&body, order, uint16(2))
		binary.Write(&body, order, u.offset)
		binary.Write(&body, order, uint32(0)) // debug_info_length, unused
		for _, p := range byUnit[u] {
			binary.Write(&body, order, p.entry.offset-u.offset)
			body.WriteString(p.name)
			body.WriteByte(0)
		}
		binary.Write(&body, order, uint32(0))
		binary.Write(&out, order, uint32(body.Len()))
		out.Write(body.Bytes())
	}
	return out.Bytes()
}

func (b *Builder) symtab(order binary.ByteOrder) (symtab, strtab []byte) {
	var syms, strs bytes.Buffer
	strs.WriteByte(0)
	syms.Write(make([]byte, 24))
	for _, s := range b.symbols {
		name := uint32(strs.Len())
		strs.WriteString(s.Name)
		strs.WriteByte(0)
		binary.Write(&syms, order, name)
		syms.WriteByte(byte(elf.STB_GLOBAL)<<4 | byte(s.Type))
		syms.WriteByte(0)
		binary.Write(&syms, order, uint16(1)) // .text
		binary.Write(&syms, order, s.Value)
		binary.Write(&syms, order, s.Size)
	}
	return syms.Bytes(), strs.Bytes()
}

type section struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	addr    uint64
	data    []byte
	link    uint32
	info    uint32
	entsize uint64
	align   uint64
}

// writeELF lays out [header][section payloads][.shstrtab][section headers].
func writeELF(sections []section, order binary.ByteOrder) []byte {
	const (
		ehdrSize = 64
		shdrSize = 64
	)

	var shstr bytes.Buffer
	shstr.WriteByte(0)
	nameOff := make([]uint32, len(sections))
	for i, s := range sections {
		nameOff[i] = uint32(shstr.Len())
		shstr.WriteString(s.name)
		shstr.WriteByte(0)
	}
	shstrName := uint32(shstr.Len())
	shstr.WriteString(".shstrtab")
	shstr.WriteByte(0)

	offs := make([]uint64, len(sections))
	cur := uint64(ehdrSize)
	for i, s := range sections {
		if cur%8 != 0 {
			cur += 8 - cur%8
		}
		offs[i] = cur
		cur += uint64(len(s.data))
	}
	shstrOff := cur
	cur += uint64(shstr.Len())
	if cur%8 != 0 {
		cur += 8 - cur%8
	}
	shoff := cur
	shnum := uint16(len(sections) + 2)

	file := make([]byte, shoff+uint64(shnum)*shdrSize)
	copy(file, []byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)})
	order.PutUint16(file[16:], uint16(elf.ET_EXEC))
	order.PutUint16(file[18:], uint16(elf.EM_X86_64))
	order.PutUint32(file[20:], uint32(elf.EV_CURRENT))
	order.PutUint64(file[40:], shoff)
	order.PutUint16(file[52:], ehdrSize)
	order.PutUint16(file[58:], shdrSize)
	order.PutUint16(file[60:], shnum)
	order.PutUint16(file[62:], shnum-1)

	for i, s := range sections {
		copy(file[offs[i]:], s.data)
	}
	copy(file[shstrOff:], shstr.Bytes())

	writeShdr := func(idx int, name uint32, s section, off uint64) {
		sh := file[shoff+uint64(idx)*shdrSize:]
		align := s.align
		if align == 0 {
			align = 1
		}
		order.PutUint32(sh[0:], name)
		order.PutUint32(sh[4:], uint32(s.typ))
		order.PutUint64(sh[8:], uint64(s.flags))
		order.PutUint64(sh[16:], s.addr)
		order.PutUint64(sh[24:], off)
		order.PutUint64(sh[32:], uint64(len(s.data)))
		order.PutUint32(sh[40:], s.link)
		order.PutUint32(sh[44:], s.info)
		order.PutUint64(sh[48:], align)
		order.PutUint64(sh[56:], s.entsize)
	}
	for i, s := range sections {
		writeShdr(i+1, nameOff[i], s, offs[i])
	}
	writeShdr(len(sections)+1, shstrName, section{typ: elf.SHT_STRTAB, data: shstr.Bytes()}, shstrOff)
	return file
}
