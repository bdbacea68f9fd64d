package dwarf

import (
	"bytes"
	"debug/dwarf"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/undoio/dwarfscope/pkg/intervalmap"
)

// ReadString reads a NUL terminated string from buf.
func ReadString(buf *bytes.Buffer) (string, error) {
	s, err := buf.ReadString(0x0)
	if err != nil {
		return "", err
	}
	return s[:len(s)-1], nil
}

// readUnitLength reads an initial length field and returns the length and
// the size of offsets in the rest of the set.
func readUnitLength(buf *bytes.Buffer, order binary.ByteOrder) (length uint64, offSize int, err error) {
	if buf.Len() < 4 {
		return 0, 0, errors.Errorf("truncated length")
	}
	l := order.Uint32(buf.Next(4))
	if l != 0xffffffff {
		return uint64(l), 4, nil
	}
	if buf.Len() < 8 {
		return 0, 0, errors.Errorf("truncated length")
	}
	return order.Uint64(buf.Next(8)), 8, nil
}

func readOffset(buf *bytes.Buffer, order binary.ByteOrder, size int) uint64 {
	b := buf.Next(size)
	switch len(b) {
	case 2:
		return uint64(order.Uint16(b))
	case 4:
		return uint64(order.Uint32(b))
	case 8:
		return order.Uint64(b)
	}
	return 0
}

// parseAranges reads every set of .debug_aranges into m.
func parseAranges(sec []byte, order binary.ByteOrder, m *intervalmap.Map[dwarf.Offset]) error {
	buf := bytes.NewBuffer(sec)
	for buf.Len() > 0 {
		start := len(sec) - buf.Len()
		length, offSize, err := readUnitLength(buf, order)
		if err != nil {
			return errors.Wrapf(err, "dwarf: .debug_aranges at %#x", start)
		}
		if uint64(buf.Len()) < length {
			return errors.Errorf("dwarf: .debug_aranges set at %#x overruns the section", start)
		}
		set := bytes.NewBuffer(buf.Next(int(length)))
		headerStart := len(sec) - buf.Len() - int(length)
		set.Next(2) // version
		unit := dwarf.Offset(readOffset(set, order, offSize))
		addrSize, _ := set.ReadByte()
		segSize, _ := set.ReadByte()
		if addrSize != 4 && addrSize != 8 {
			return errors.Errorf("dwarf: .debug_aranges set at %#x has address size %d", start, addrSize)
		}
		// tuples are aligned on twice the address size from the set start
		consumed := headerStart + 2 + offSize + 2 - start
		tuple := 2 * int(addrSize)
		if pad := consumed % tuple; pad != 0 {
			set.Next(tuple - pad)
		}
		for set.Len() >= tuple+int(segSize) {
			set.Next(int(segSize))
			addr := readOffset(set, order, int(addrSize))
			size := readOffset(set, order, int(addrSize))
			if addr == 0 && size == 0 {
				break
			}
			m.Set(addr, addr+size, unit)
		}
	}
	return nil
}

// parsePub reads every set of a .debug_pubnames or .debug_pubtypes section
// into m.
func parsePub(sec []byte, order binary.ByteOrder, m map[string][]PubEntry) error {
	buf := bytes.NewBuffer(sec)
	for buf.Len() > 0 {
		length, offSize, err := readUnitLength(buf, order)
		if err != nil {
			return err
		}
		if uint64(buf.Len()) < length {
			return errors.Errorf("set overruns the section")
		}
		set := bytes.NewBuffer(buf.Next(int(length)))
		set.Next(2) // version
		unit := dwarf.Offset(readOffset(set, order, offSize))
		readOffset(set, order, offSize) // unit length
		for set.Len() >= offSize {
			off := readOffset(set, order, offSize)
			if off == 0 {
				break
			}
			name, err := ReadString(set)
			if err != nil {
				return err
			}
			m[name] = append(m[name], PubEntry{Unit: unit, Entry: unit + dwarf.Offset(off)})
		}
	}
	return nil
}
