package expr

import (
	"encoding/binary"
	"fmt"

	"github.com/undoio/dwarfscope/pkg/errs"
)

// Context supplies the live state an expression is evaluated against.
type Context interface {
	Register(num int) (uint64, error)
	ReadMemory(addr uint64, size int) ([]byte, error)
	AddressSize() int
	ByteOrder() binary.ByteOrder

	FrameBase() (uint64, error)
	CFA() (uint64, error)
	TLSAddress(offset uint64) (uint64, error)

	// ObjectAddress returns the top of the object stack.
	ObjectAddress() (uint64, error)
	PushObject(addr uint64)
	PopObject()
}

// SpaceReader is implemented by contexts that support address spaces
// other than the default one (xderef).
type SpaceReader interface {
	ReadMemorySpace(space, addr uint64, size int) ([]byte, error)
}

type memoKey struct {
	n     Node
	frame int
}

type evaluator struct {
	ctx    Context
	memo   map[memoKey]uint64
	frame  int
	frames int
}

// Eval evaluates n against ctx. Every distinct node is evaluated at most
// once per call; no result outlives the call.
func Eval(n Node, ctx Context) (uint64, error) {
	ev := &evaluator{ctx: ctx, memo: make(map[memoKey]uint64)}
	return ev.eval(n)
}

func (ev *evaluator) eval(n Node) (uint64, error) {
	switch n.(type) {
	case *Dup, *ObjectAddress, *Constant:
		return n.eval(ev)
	}
	k := memoKey{n, ev.frame}
	if v, ok := ev.memo[k]; ok {
		return v, nil
	}
	v, err := n.eval(ev)
	if err != nil {
		return 0, err
	}
	ev.memo[k] = v
	return v, nil
}

func (n *Constant) eval(*evaluator) (uint64, error) { return n.Value, nil }

func (n *Binary) eval(ev *evaluator) (uint64, error) {
	x, err := ev.eval(n.X)
	if err != nil {
		return 0, err
	}
	y, err := ev.eval(n.Y)
	if err != nil {
		return 0, err
	}
	sx, sy := int64(x), int64(y)
	switch n.Op {
	case OpAnd:
		return x & y, nil
	case OpOr:
		return x | y, nil
	case OpXor:
		return x ^ y, nil
	case OpPlus:
		return x + y, nil
	case OpMinus:
		return x - y, nil
	case OpMul:
		return x * y, nil
	case OpDiv:
		if y == 0 {
			return 0, fmt.Errorf("division by zero in %s", n)
		}
		return uint64(sx / sy), nil
	case OpMod:
		if y == 0 {
			return 0, fmt.Errorf("division by zero in %s", n)
		}
		return x % y, nil
	case OpShl:
		return x << y, nil
	case OpShr:
		return x >> y, nil
	case OpShra:
		return uint64(sx >> y), nil
	case OpEq:
		return b2u(x == y), nil
	case OpNe:
		return b2u(x != y), nil
	case OpGe:
		return b2u(sx >= sy), nil
	case OpGt:
		return b2u(sx > sy), nil
	case OpLe:
		return b2u(sx <= sy), nil
	case OpLt:
		return b2u(sx < sy), nil
	}
	return 0, errs.NotImplemented("binary operator %d", n.Op)
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (n *Unary) eval(ev *evaluator) (uint64, error) {
	x, err := ev.eval(n.X)
	if err != nil {
		return 0, err
	}
	switch n.Op {
	case OpAbs:
		if int64(x) < 0 {
			return uint64(-int64(x)), nil
		}
		return x, nil
	case OpNeg:
		return uint64(-int64(x)), nil
	case OpNot:
		return ^x, nil
	}
	return 0, errs.NotImplemented("unary operator %d", n.Op)
}

func (n *Register) eval(ev *evaluator) (uint64, error) { return ev.ctx.Register(n.Num) }

func (n *FrameBase) eval(ev *evaluator) (uint64, error) { return ev.ctx.FrameBase() }

func (n *CFA) eval(ev *evaluator) (uint64, error) { return ev.ctx.CFA() }

func (n *AddressSize) eval(ev *evaluator) (uint64, error) {
	return uint64(ev.ctx.AddressSize()), nil
}

func (n *ObjectAddress) eval(ev *evaluator) (uint64, error) { return ev.ctx.ObjectAddress() }

func (n *TLS) eval(ev *evaluator) (uint64, error) {
	off, err := ev.eval(n.Offset)
	if err != nil {
		return 0, err
	}
	return ev.ctx.TLSAddress(off)
}

func (n *Dup) eval(ev *evaluator) (uint64, error) { return ev.eval(n.X) }

func (n *WithObject) eval(ev *evaluator) (uint64, error) {
	obj, err := ev.eval(n.Object)
	if err != nil {
		return 0, err
	}
	ev.ctx.PushObject(obj)
	saved := ev.frame
	ev.frames++
	ev.frame = ev.frames
	defer func() {
		ev.frame = saved
		ev.ctx.PopObject()
	}()
	return ev.eval(n.X)
}

func (n *Deref) eval(ev *evaluator) (uint64, error) {
	addr, err := ev.eval(n.Addr)
	if err != nil {
		return 0, err
	}
	size, err := ev.eval(n.Size)
	if err != nil {
		return 0, err
	}
	if size == 0 || size > 8 {
		return 0, fmt.Errorf("invalid dereference size %d", size)
	}
	var buf []byte
	if n.Space != nil {
		space, err := ev.eval(n.Space)
		if err != nil {
			return 0, err
		}
		sr, ok := ev.ctx.(SpaceReader)
		switch {
		case ok:
			buf, err = sr.ReadMemorySpace(space, addr, int(size))
		case space == 0:
			buf, err = ev.ctx.ReadMemory(addr, int(size))
		default:
			return 0, errs.NotImplemented("address space %d", space)
		}
		if err != nil {
			return 0, err
		}
	} else {
		buf, err = ev.ctx.ReadMemory(addr, int(size))
		if err != nil {
			return 0, err
		}
	}
	return DecodeUint(buf, ev.ctx.ByteOrder()), nil
}

// DecodeUint zero-extends up to 8 bytes of buf into an integer.
func DecodeUint(buf []byte, order binary.ByteOrder) uint64 {
	var tmp [8]byte
	if len(buf) > 8 {
		buf = buf[:8]
	}
	if order == binary.BigEndian {
		copy(tmp[8-len(buf):], buf)
		return binary.BigEndian.Uint64(tmp[:])
	}
	copy(tmp[:], buf)
	return binary.LittleEndian.Uint64(tmp[:])
}
