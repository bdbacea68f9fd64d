package expr

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-delve/delve/pkg/dwarf/op"
	"github.com/go-delve/delve/pkg/dwarf/util"

	"github.com/undoio/dwarfscope/pkg/errs"
)

// Opcodes missing from the delve opcode table.
const (
	opEntryValue          op.Opcode = 0xa3
	opGNUPushTLSAddress   op.Opcode = 0xe0
	opGNUEntryValue       op.Opcode = 0xf3
	opGNUParameterRef     op.Opcode = 0xfa
	opGNUVariableValue    op.Opcode = 0xfd
	opGNUImplicitPointer  op.Opcode = 0xf2
	opImplicitPointer     op.Opcode = 0xa0
	opAddrx               op.Opcode = 0xa1
	opConstx              op.Opcode = 0xa2
	opConstType           op.Opcode = 0xa4
	opRegvalType          op.Opcode = 0xa5
	opDerefType           op.Opcode = 0xa6
	opXderefType          op.Opcode = 0xa7
	opConvert             op.Opcode = 0xa8
	opReinterpret         op.Opcode = 0xa9
	opGNUUninit           op.Opcode = 0xf0
	opGNUAddrIndex        op.Opcode = 0xfb
	opGNUConstIndex       op.Opcode = 0xfc
	opGNURegvalType       op.Opcode = 0xf5
	opGNUDerefType        op.Opcode = 0xf6
	opGNUConvert          op.Opcode = 0xf7
	opGNUReinterpret      op.Opcode = 0xf9
	opGNUImplicitValue    op.Opcode = 0xf4
	opGNUConstTypeUnknown op.Opcode = 0xf8
)

var unsupportedNames = map[op.Opcode]string{
	op.DW_OP_bra:            "DW_OP_bra",
	op.DW_OP_skip:           "DW_OP_skip",
	op.DW_OP_call2:          "DW_OP_call2",
	op.DW_OP_call4:          "DW_OP_call4",
	op.DW_OP_call_ref:       "DW_OP_call_ref",
	op.DW_OP_piece:          "DW_OP_piece",
	op.DW_OP_bit_piece:      "DW_OP_bit_piece",
	op.DW_OP_implicit_value: "DW_OP_implicit_value",
	opEntryValue:            "DW_OP_entry_value",
	opGNUEntryValue:         "DW_OP_GNU_entry_value",
	opImplicitPointer:       "DW_OP_implicit_pointer",
	opGNUImplicitPointer:    "DW_OP_GNU_implicit_pointer",
	opAddrx:                 "DW_OP_addrx",
	opConstx:                "DW_OP_constx",
	opConstType:             "DW_OP_const_type",
	opRegvalType:            "DW_OP_regval_type",
	opDerefType:             "DW_OP_deref_type",
	opXderefType:            "DW_OP_xderef_type",
	opConvert:               "DW_OP_convert",
	opReinterpret:           "DW_OP_reinterpret",
	opGNUParameterRef:       "DW_OP_GNU_parameter_ref",
	opGNUVariableValue:      "DW_OP_GNU_variable_value",
	opGNUUninit:             "DW_OP_GNU_uninit",
	opGNUAddrIndex:          "DW_OP_GNU_addr_index",
	opGNUConstIndex:         "DW_OP_GNU_const_index",
	opGNURegvalType:         "DW_OP_GNU_regval_type",
	opGNUDerefType:          "DW_OP_GNU_deref_type",
	opGNUConvert:            "DW_OP_GNU_convert",
	opGNUReinterpret:        "DW_OP_GNU_reinterpret",
	opGNUImplicitValue:      "DW_OP_GNU_implicit_value",
	opGNUConstTypeUnknown:   "DW_OP_GNU_const_type",
}

// Kind tells how the result of a location expression is to be used.
type Kind uint8

const (
	// KindAddress: the result is the address of the object.
	KindAddress Kind = iota
	// KindRegister: the object lives in a register; Root reads it.
	KindRegister
	// KindValue: the result is the value of the object (DW_OP_stack_value).
	KindValue
)

func (k Kind) String() string {
	switch k {
	case KindAddress:
		return "address"
	case KindRegister:
		return "register"
	case KindValue:
		return "value"
	}
	return "unknown"
}

// Expr is a built location expression.
type Expr struct {
	Root Node
	Kind Kind
	// Code is the bytecode the expression was built from.
	Code []byte
}

func (e *Expr) String() string {
	if e.Kind == KindAddress {
		return e.Root.String()
	}
	return fmt.Sprintf("%s %s", e.Kind, e.Root)
}

// Options configures Build.
type Options struct {
	AddressSize int
	ByteOrder   binary.ByteOrder
	// Initial is pushed on the stack before the first opcode, as required
	// for DW_AT_data_member_location expressions.
	Initial []Node
}

// BuildError reports a malformed expression.
type BuildError struct {
	Offset int
	Msg    string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("location expression at byte %d: %s", e.Offset, e.Msg)
}

type builder struct {
	opts  Options
	buf   *bytes.Buffer
	code  []byte
	stack []Node
	pos   int
	kind  Kind
}

// Build interprets the location expression code and returns the graph of
// the value left on top of the stack.
func Build(code []byte, opts Options) (*Expr, error) {
	if opts.AddressSize == 0 {
		opts.AddressSize = 8
	}
	if opts.ByteOrder == nil {
		opts.ByteOrder = binary.LittleEndian
	}
	b := &builder{opts: opts, buf: bytes.NewBuffer(code), code: code, kind: KindAddress}
	b.stack = append(b.stack, opts.Initial...)

	for b.buf.Len() > 0 {
		b.pos = len(code) - b.buf.Len()
		opcode, _ := b.buf.ReadByte()
		if err := b.step(op.Opcode(opcode)); err != nil {
			return nil, err
		}
	}
	if len(b.stack) == 0 {
		return nil, &BuildError{Offset: len(code), Msg: "empty stack"}
	}
	return &Expr{Root: b.stack[len(b.stack)-1], Kind: b.kind, Code: code}, nil
}

func (b *builder) errorf(format string, args ...interface{}) error {
	return &BuildError{Offset: b.pos, Msg: fmt.Sprintf(format, args...)}
}

func (b *builder) push(n Node) {
	b.stack = append(b.stack, n)
}

func (b *builder) pop() (Node, error) {
	if len(b.stack) == 0 {
		return nil, b.errorf("stack underflow")
	}
	n := b.stack[len(b.stack)-1]
	b.stack = b.stack[:len(b.stack)-1]
	return n, nil
}

func (b *builder) pop2() (Node, Node, error) {
	y, err := b.pop()
	if err != nil {
		return nil, nil, err
	}
	x, err := b.pop()
	if err != nil {
		return nil, nil, err
	}
	return x, y, nil
}

func (b *builder) fixed(size int) (uint64, error) {
	if b.buf.Len() < size {
		return 0, b.errorf("truncated operand")
	}
	return DecodeUint(b.buf.Next(size), b.opts.ByteOrder), nil
}

func (b *builder) signed(size int) (int64, error) {
	v, err := b.fixed(size)
	if err != nil {
		return 0, err
	}
	shift := uint(64 - 8*size)
	return int64(v<<shift) >> shift, nil
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

func (b *builder) uleb() (uint64, error) {
	if !lebComplete(b.buf.Bytes()) {
		return 0, b.errorf("truncated operand")
	}
	v, _ := util.DecodeULEB128(b.buf)
	return v, nil
}

func (b *builder) sleb() (int64, error) {
	if !lebComplete(b.buf.Bytes()) {
		return 0, b.errorf("truncated operand")
	}
	v, _ := util.DecodeSLEB128(b.buf)
	return v, nil
}

var binaryOps = map[op.Opcode]BinaryOp{
	op.DW_OP_and:   OpAnd,
	op.DW_OP_div:   OpDiv,
	op.DW_OP_minus: OpMinus,
	op.DW_OP_mod:   OpMod,
	op.DW_OP_mul:   OpMul,
	op.DW_OP_or:    OpOr,
	op.DW_OP_plus:  OpPlus,
	op.DW_OP_shl:   OpShl,
	op.DW_OP_shr:   OpShr,
	op.DW_OP_shra:  OpShra,
	op.DW_OP_xor:   OpXor,
	op.DW_OP_eq:    OpEq,
	op.DW_OP_ge:    OpGe,
	op.DW_OP_gt:    OpGt,
	op.DW_OP_le:    OpLe,
	op.DW_OP_lt:    OpLt,
	op.DW_OP_ne:    OpNe,
}

func (b *builder) step(opcode op.Opcode) error {
	if b.kind == KindRegister || b.kind == KindValue {
		return b.errorf("opcode %#x after a terminal register or stack_value operation", byte(opcode))
	}

	if bop, ok := binaryOps[opcode]; ok {
		x, y, err := b.pop2()
		if err != nil {
			return err
		}
		b.push(&Binary{Op: bop, X: x, Y: y})
		return nil
	}

	switch {
	case opcode >= op.DW_OP_lit0 && opcode <= op.DW_OP_lit31:
		b.push(Const(int64(opcode - op.DW_OP_lit0)))
		return nil
	case opcode >= op.DW_OP_reg0 && opcode <= op.DW_OP_reg31:
		b.push(&Register{Num: int(opcode - op.DW_OP_reg0)})
		b.kind = KindRegister
		return nil
	case opcode >= op.DW_OP_breg0 && opcode <= op.DW_OP_breg31:
		off, err := b.sleb()
		if err != nil {
			return err
		}
		b.push(Plus(&Register{Num: int(opcode - op.DW_OP_breg0)}, Const(off)))
		return nil
	}

	switch opcode {
	case op.DW_OP_addr:
		v, err := b.fixed(b.opts.AddressSize)
		if err != nil {
			return err
		}
		b.push(&Constant{Value: v})
	case op.DW_OP_const1u, op.DW_OP_const2u, op.DW_OP_const4u, op.DW_OP_const8u:
		v, err := b.fixed(constSize(opcode))
		if err != nil {
			return err
		}
		b.push(&Constant{Value: v})
	case op.DW_OP_const1s, op.DW_OP_const2s, op.DW_OP_const4s, op.DW_OP_const8s:
		v, err := b.signed(constSize(opcode))
		if err != nil {
			return err
		}
		b.push(Const(v))
	case op.DW_OP_constu:
		v, err := b.uleb()
		if err != nil {
			return err
		}
		b.push(&Constant{Value: v})
	case op.DW_OP_consts:
		v, err := b.sleb()
		if err != nil {
			return err
		}
		b.push(Const(v))

	case op.DW_OP_dup:
		if len(b.stack) == 0 {
			return b.errorf("stack underflow")
		}
		b.push(&Dup{X: b.stack[len(b.stack)-1]})
	case op.DW_OP_drop:
		if _, err := b.pop(); err != nil {
			return err
		}
	case op.DW_OP_over:
		return b.pick(1)
	case op.DW_OP_pick:
		idx, err := b.buf.ReadByte()
		if err != nil {
			return b.errorf("truncated operand")
		}
		return b.pick(int(idx))
	case op.DW_OP_swap:
		if len(b.stack) < 2 {
			return b.errorf("stack underflow")
		}
		n := len(b.stack)
		b.stack[n-1], b.stack[n-2] = b.stack[n-2], b.stack[n-1]
	case op.DW_OP_rot:
		if len(b.stack) < 3 {
			return b.errorf("stack underflow")
		}
		n := len(b.stack)
		b.stack[n-1], b.stack[n-2], b.stack[n-3] = b.stack[n-2], b.stack[n-3], b.stack[n-1]

	case op.DW_OP_deref:
		addr, err := b.pop()
		if err != nil {
			return err
		}
		b.push(DerefAddr(addr))
	case op.DW_OP_deref_size:
		size, err := b.buf.ReadByte()
		if err != nil {
			return b.errorf("truncated operand")
		}
		addr, err := b.pop()
		if err != nil {
			return err
		}
		b.push(DerefN(addr, int(size)))
	case op.DW_OP_xderef:
		space, addr, err := b.pop2()
		if err != nil {
			return err
		}
		b.push(&Deref{Addr: addr, Size: &AddressSize{}, Space: space})
	case op.DW_OP_xderef_size:
		size, err := b.buf.ReadByte()
		if err != nil {
			return b.errorf("truncated operand")
		}
		space, addr, err := b.pop2()
		if err != nil {
			return err
		}
		b.push(&Deref{Addr: addr, Size: Const(int64(size)), Space: space})

	case op.DW_OP_abs, op.DW_OP_neg, op.DW_OP_not:
		x, err := b.pop()
		if err != nil {
			return err
		}
		uop := OpAbs
		if opcode == op.DW_OP_neg {
			uop = OpNeg
		} else if opcode == op.DW_OP_not {
			uop = OpNot
		}
		b.push(&Unary{Op: uop, X: x})
	case op.DW_OP_plus_uconst:
		x, err := b.pop()
		if err != nil {
			return err
		}
		v, err := b.uleb()
		if err != nil {
			return err
		}
		b.push(Plus(x, &Constant{Value: v}))

	case op.DW_OP_regx:
		reg, err := b.uleb()
		if err != nil {
			return err
		}
		b.push(&Register{Num: int(reg)})
		b.kind = KindRegister
	case op.DW_OP_bregx:
		reg, err := b.uleb()
		if err != nil {
			return err
		}
		off, err := b.sleb()
		if err != nil {
			return err
		}
		b.push(Plus(&Register{Num: int(reg)}, Const(off)))
	case op.DW_OP_fbreg:
		off, err := b.sleb()
		if err != nil {
			return err
		}
		b.push(Plus(&FrameBase{}, Const(off)))
	case op.DW_OP_call_frame_cfa:
		b.push(&CFA{})
	case op.DW_OP_push_object_address:
		b.push(&ObjectAddress{})
	case op.DW_OP_form_tls_address, opGNUPushTLSAddress:
		x, err := b.pop()
		if err != nil {
			return err
		}
		b.push(&TLS{Offset: x})
	case op.DW_OP_stack_value:
		if len(b.stack) == 0 {
			return b.errorf("stack underflow")
		}
		b.kind = KindValue
	case op.DW_OP_nop:

	default:
		if name, ok := unsupportedNames[opcode]; ok {
			return errs.NotImplemented("%s", name)
		}
		return errs.NotImplemented("DWARF opcode %#x", byte(opcode))
	}
	return nil
}

func (b *builder) pick(idx int) error {
	if idx >= len(b.stack) {
		return b.errorf("pick %d with %d stack entries", idx, len(b.stack))
	}
	b.push(&Dup{X: b.stack[len(b.stack)-1-idx]})
	return nil
}

func constSize(opcode op.Opcode) int {
	switch opcode {
	case op.DW_OP_const1u, op.DW_OP_const1s:
		return 1
	case op.DW_OP_const2u, op.DW_OP_const2s:
		return 2
	case op.DW_OP_const4u, op.DW_OP_const4s:
		return 4
	}
	return 8
}
