// Package frame parses call frame information (.debug_frame and .eh_frame)
// on demand and computes the call frame rows of a frame description entry.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/undoio/dwarfscope/pkg/errs"
	"github.com/undoio/dwarfscope/pkg/intervalmap"
	"github.com/undoio/dwarfscope/pkg/logflags"
)

// CommonInformationEntry holds information shared by a set of frame
// description entries.
type CommonInformationEntry struct {
	Offset                uint64
	Version               uint8
	Augmentation          string
	AddressSize           int
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister uint64
	InitialInstructions   []byte

	ptrEncoding byte
	signal      bool
}

// FrameDescriptionEntry describes the unwinding rules for the address range
// [Begin, End).
type FrameDescriptionEntry struct {
	Offset       uint64
	CIE          *CommonInformationEntry
	Begin, End   uint64
	Instructions []byte

	order binary.ByteOrder
	rows  *intervalmap.Map[*Row]
}

// Cover reports whether addr is inside the range of fde.
func (fde *FrameDescriptionEntry) Cover(addr uint64) bool {
	return addr >= fde.Begin && addr < fde.End
}

func (fde *FrameDescriptionEntry) String() string {
	return fmt.Sprintf("FDE@%#x [%#x, %#x)", fde.Offset, fde.Begin, fde.End)
}

// NoFDEForPCError is returned when no frame description entry covers PC.
type NoFDEForPCError struct {
	PC uint64
}

func (err *NoFDEForPCError) Error() string {
	return fmt.Sprintf("could not find FDE for PC %#v", err.PC)
}

func (err *NoFDEForPCError) Is(target error) bool { return target == errs.ErrNotFound }

// Pointer encodings of .eh_frame.
const (
	ehPEabsptr   = 0x00
	ehPEuleb128  = 0x01
	ehPEudata2   = 0x02
	ehPEudata4   = 0x03
	ehPEudata8   = 0x04
	ehPEsleb128  = 0x09
	ehPEsdata2   = 0x0a
	ehPEsdata4   = 0x0b
	ehPEsdata8   = 0x0c
	ehPEpcrel    = 0x10
	ehPEdatarel  = 0x30
	ehPEindirect = 0x80
	ehPEomit     = 0xff
)

// Table is a lazily parsed call frame information section. Entries are
// parsed in section order until one covering the requested address is
// found; every parsed FDE is kept in an interval map keyed by its range.
type Table struct {
	data        []byte
	order       binary.ByteOrder
	ptrSize     int
	ehFrame     bool
	sectionAddr uint64

	pos  int
	done bool
	cies map[uint64]*CommonInformationEntry
	fdes intervalmap.Map[*FrameDescriptionEntry]
}

// New returns a Table over a .debug_frame section, or over an .eh_frame
// section loaded at sectionAddr when ehFrame is set.
func New(data []byte, order binary.ByteOrder, ptrSize int, ehFrame bool, sectionAddr uint64) *Table {
	return &Table{
		data:        data,
		order:       order,
		ptrSize:     ptrSize,
		ehFrame:     ehFrame,
		sectionAddr: sectionAddr,
		cies:        make(map[uint64]*CommonInformationEntry),
	}
}

// FDEForPC returns the frame description entry covering pc.
func (t *Table) FDEForPC(pc uint64) (*FrameDescriptionEntry, error) {
	if fde, ok := t.fdes.Get(pc); ok {
		return fde, nil
	}
	for !t.done {
		fde, err := t.next()
		if err != nil {
			return nil, err
		}
		if fde != nil && fde.Cover(pc) {
			return fde, nil
		}
	}
	return nil, &NoFDEForPCError{PC: pc}
}

// All parses the rest of the section and returns every FDE in address
// order.
func (t *Table) All() ([]*FrameDescriptionEntry, error) {
	for !t.done {
		if _, err := t.next(); err != nil {
			return nil, err
		}
	}
	var fdes []*FrameDescriptionEntry
	t.fdes.Each(func(_ intervalmap.Range, fde *FrameDescriptionEntry) bool {
		if len(fdes) == 0 || fdes[len(fdes)-1] != fde {
			fdes = append(fdes, fde)
		}
		return true
	})
	return fdes, nil
}

// next parses the entry at t.pos. It returns the FDE parsed, if any.
func (t *Table) next() (*FrameDescriptionEntry, error) {
	if t.pos >= len(t.data) {
		t.done = true
		return nil, nil
	}
	start := t.pos
	length, dwarf64, hdr, err := t.readLength(start)
	if err != nil {
		t.done = true
		return nil, err
	}
	if length == 0 {
		// .eh_frame terminator
		t.pos = start + hdr
		if t.ehFrame {
			t.done = true
		}
		return nil, nil
	}
	end := start + hdr + int(length)
	if end > len(t.data) || end < start {
		t.done = true
		return nil, errors.Errorf("frame: entry at %#x overruns the section", start)
	}
	t.pos = end

	idPos := start + hdr
	idSize := 4
	if dwarf64 && !t.ehFrame {
		idSize = 8
	}
	if idPos+idSize > end {
		return nil, errors.Errorf("frame: truncated entry at %#x", start)
	}
	var id uint64
	if idSize == 8 {
		id = t.order.Uint64(t.data[idPos:])
	} else {
		id = uint64(t.order.Uint32(t.data[idPos:]))
	}
	body := t.data[idPos+idSize : end]

	if t.isCIE(id, dwarf64) {
		cie, err := t.parseCIE(uint64(start), body)
		if err != nil {
			return nil, err
		}
		t.cies[cie.Offset] = cie
		return nil, nil
	}

	cieOff := id
	if t.ehFrame {
		cieOff = uint64(idPos) - id
	}
	cie, err := t.cie(cieOff)
	if err != nil {
		return nil, err
	}
	fde, err := t.parseFDE(uint64(start), cie, body, idPos+idSize)
	if err != nil {
		return nil, err
	}
	if fde.End > fde.Begin {
		t.fdes.Set(fde.Begin, fde.End, fde)
	}
	logflags.DWARFLogger().Debugf("parsed %s", fde)
	return fde, nil
}

func (t *Table) readLength(pos int) (length uint64, dwarf64 bool, hdr int, err error) {
	if pos+4 > len(t.data) {
		return 0, false, 0, errors.Errorf("frame: truncated length at %#x", pos)
	}
	l := t.order.Uint32(t.data[pos:])
	if l != 0xffffffff {
		return uint64(l), false, 4, nil
	}
	if pos+12 > len(t.data) {
		return 0, false, 0, errors.Errorf("frame: truncated length at %#x", pos)
	}
	return t.order.Uint64(t.data[pos+4:]), true, 12, nil
}

func (t *Table) isCIE(id uint64, dwarf64 bool) bool {
	if t.ehFrame {
		return id == 0
	}
	if dwarf64 {
		return id == 0xffffffffffffffff
	}
	return id == 0xffffffff
}

// cie returns the CIE at off, parsing it if it lies after the current
// position.
func (t *Table) cie(off uint64) (*CommonInformationEntry, error) {
	if cie, ok := t.cies[off]; ok {
		return cie, nil
	}
	if off >= uint64(len(t.data)) {
		return nil, errors.Errorf("frame: CIE pointer %#x outside the section", off)
	}
	saved, savedDone := t.pos, t.done
	t.pos, t.done = int(off), false
	_, err := t.next()
	t.pos, t.done = saved, savedDone
	if err != nil {
		return nil, err
	}
	if cie, ok := t.cies[off]; ok {
		return cie, nil
	}
	return nil, errors.Errorf("frame: no CIE at %#x", off)
}

func (t *Table) parseCIE(off uint64, body []byte) (*CommonInformationEntry, error) {
	r := newReader(body, t.order, "CIE", off)
	cie := &CommonInformationEntry{Offset: off, AddressSize: t.ptrSize, ptrEncoding: ehPEabsptr}

	cie.Version = r.u8()
	cie.Augmentation = r.str()
	if cie.Version >= 4 {
		asize := r.u8()
		r.u8() // segment selector size
		if asize != 0 {
			cie.AddressSize = int(asize)
		}
	}
	cie.CodeAlignmentFactor = r.uleb()
	cie.DataAlignmentFactor = r.sleb()
	if cie.Version == 1 {
		cie.ReturnAddressRegister = uint64(r.u8())
	} else {
		cie.ReturnAddressRegister = r.uleb()
	}
	if r.err != nil {
		return nil, r.err
	}

	aug := cie.Augmentation
	if len(aug) > 0 && aug[0] == 'z' {
		data := newReader(r.block(), t.order, "CIE augmentation data", off)
		if r.err != nil {
			return nil, r.err
		}
		for _, c := range aug[1:] {
			switch c {
			case 'L':
				data.u8()
			case 'P':
				// the personality routine is never followed
				if _, err := t.readEncoded(data, data.u8()&^ehPEindirect, 0); err != nil {
					return nil, err
				}
			case 'R':
				cie.ptrEncoding = data.u8()
			case 'S':
				cie.signal = true
			default:
				return nil, errors.Errorf("frame: unknown augmentation %q in CIE at %#x", aug, off)
			}
		}
		if data.err != nil {
			return nil, data.err
		}
	} else if aug != "" && aug != "eh" {
		return nil, errors.Errorf("frame: unknown augmentation %q in CIE at %#x", aug, off)
	}
	cie.InitialInstructions = r.rest()
	return cie, nil
}

func (t *Table) parseFDE(off uint64, cie *CommonInformationEntry, body []byte, bodyPos int) (*FrameDescriptionEntry, error) {
	r := newReader(body, t.order, "FDE", off)
	fde := &FrameDescriptionEntry{Offset: off, CIE: cie, order: t.order}

	if !t.ehFrame {
		fde.Begin = r.fixed(cie.AddressSize)
		fde.End = fde.Begin + r.fixed(cie.AddressSize)
		if r.err != nil {
			return nil, r.err
		}
		fde.Instructions = r.rest()
		return fde, nil
	}

	pc := t.sectionAddr + uint64(bodyPos)
	begin, err := t.readEncoded(r, cie.ptrEncoding, pc)
	if err != nil {
		return nil, err
	}
	size, err := t.readEncoded(r, cie.ptrEncoding&0x0f, 0)
	if err != nil {
		return nil, err
	}
	fde.Begin, fde.End = begin, begin+size
	if len(cie.Augmentation) > 0 && cie.Augmentation[0] == 'z' {
		r.block()
	}
	if r.err != nil {
		return nil, r.err
	}
	fde.Instructions = r.rest()
	return fde, nil
}

// readEncoded reads a pointer with .eh_frame encoding enc. pc is the
// address of the encoded value, used by pc-relative encodings.
func (t *Table) readEncoded(r *reader, enc byte, pc uint64) (uint64, error) {
	if enc == ehPEomit {
		return 0, nil
	}
	var v uint64
	switch enc & 0x0f {
	case ehPEabsptr:
		v = r.fixed(t.ptrSize)
	case ehPEuleb128:
		v = r.uleb()
	case ehPEudata2:
		v = r.fixed(2)
	case ehPEudata4:
		v = r.fixed(4)
	case ehPEudata8:
		v = r.fixed(8)
	case ehPEsleb128:
		v = uint64(r.sleb())
	case ehPEsdata2:
		v = uint64(int64(int16(r.fixed(2))))
	case ehPEsdata4:
		v = uint64(int64(int32(r.fixed(4))))
	case ehPEsdata8:
		v = r.fixed(8)
	default:
		return 0, errors.Errorf("frame: unsupported pointer encoding %#x", enc)
	}
	if r.err != nil {
		return 0, r.err
	}
	switch enc & 0x70 {
	case 0:
	case ehPEpcrel:
		v += pc
	case ehPEdatarel:
		v += t.sectionAddr
	default:
		return 0, errors.Errorf("frame: unsupported pointer application %#x", enc)
	}
	if enc&ehPEindirect != 0 {
		return 0, errors.Errorf("frame: indirect pointer encoding %#x", enc)
	}
	return v, nil
}
