package frame

import (
	"bytes"
	"encoding/binary"

	"github.com/go-delve/delve/pkg/dwarf/util"
	"github.com/pkg/errors"
)

// reader decodes call frame data. The first read running past the end of
// the data is recorded in err; the buffer is then drained so that every
// later read returns zero.
type reader struct {
	buf   *bytes.Buffer
	order binary.ByteOrder
	what  string
	off   uint64
	err   error
}

func newReader(p []byte, order binary.ByteOrder, what string, off uint64) *reader {
	return &reader{buf: bytes.NewBuffer(p), order: order, what: what, off: off}
}

func (r *reader) fail() {
	if r.err == nil {
		r.err = errors.Errorf("frame: truncated %s at %#x", r.what, r.off)
	}
	r.buf.Reset()
}

func (r *reader) remaining() int {
	return r.buf.Len()
}

func (r *reader) next(n int) []byte {
	if n < 0 || r.buf.Len() < n {
		r.fail()
		return nil
	}
	return r.buf.Next(n)
}

func (r *reader) u8() byte {
	b, err := r.buf.ReadByte()
	if err != nil {
		r.fail()
	}
	return b
}

// fixed reads an unsigned integer of size bytes.
func (r *reader) fixed(size int) uint64 {
	b := r.next(size)
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(r.order.Uint16(b))
	case 4:
		return uint64(r.order.Uint32(b))
	case 8:
		return r.order.Uint64(b)
	case 0:
		return 0
	}
	if r.err == nil {
		r.err = errors.Errorf("frame: unsupported integer size %d in %s at %#x", size, r.what, r.off)
	}
	return 0
}

// lebComplete reports whether p starts with a whole LEB128 number.
func lebComplete(p []byte) bool {
	for _, c := range p {
		if c&0x80 == 0 {
			return true
		}
	}
	return false
}

func (r *reader) uleb() uint64 {
	if !lebComplete(r.buf.Bytes()) {
		r.fail()
		return 0
	}
	v, _ := util.DecodeULEB128(r.buf)
	return v
}

func (r *reader) sleb() int64 {
	if !lebComplete(r.buf.Bytes()) {
		r.fail()
		return 0
	}
	v, _ := util.DecodeSLEB128(r.buf)
	return v
}

func (r *reader) str() string {
	s, err := util.ParseString(r.buf)
	if err != nil {
		r.fail()
	}
	return s
}

// block reads a ULEB128 length followed by that many bytes.
func (r *reader) block() []byte {
	n := r.uleb()
	if uint64(r.buf.Len()) < n {
		r.fail()
		return nil
	}
	return append([]byte(nil), r.buf.Next(int(n))...)
}

func (r *reader) rest() []byte {
	return r.buf.Bytes()
}
