// Package expr models DWARF location expressions as a graph of symbolic
// operations that can be evaluated against a live session.
//
// Nodes are immutable and may be shared, so a built expression is a DAG.
// Immediates are represented by *Constant nodes.
package expr

import (
	"fmt"
	"strings"
)

// Node is an operation of the expression graph.
type Node interface {
	// Operands returns the nodes this node reads.
	Operands() []Node
	String() string

	eval(ev *evaluator) (uint64, error)
}

// BinaryOp is the operator of a Binary node.
type BinaryOp uint8

const (
	OpAnd BinaryOp = iota
	OpDiv
	OpMinus
	OpMod
	OpMul
	OpOr
	OpPlus
	OpShl
	OpShr
	OpShra
	OpXor
	OpEq
	OpGe
	OpGt
	OpLe
	OpLt
	OpNe
)

var binaryNames = [...]string{
	OpAnd: "and", OpDiv: "div", OpMinus: "-", OpMod: "mod", OpMul: "*", OpOr: "or",
	OpPlus: "+", OpShl: "shl", OpShr: "shr", OpShra: "shra", OpXor: "xor",
	OpEq: "==", OpGe: ">=", OpGt: ">", OpLe: "<=", OpLt: "<", OpNe: "!=",
}

func (op BinaryOp) String() string {
	if int(op) < len(binaryNames) {
		return binaryNames[op]
	}
	return fmt.Sprintf("binop(%d)", op)
}

// UnaryOp is the operator of a Unary node.
type UnaryOp uint8

const (
	OpAbs UnaryOp = iota
	OpNeg
	OpNot
)

func (op UnaryOp) String() string {
	switch op {
	case OpAbs:
		return "abs"
	case OpNeg:
		return "neg"
	case OpNot:
		return "not"
	}
	return fmt.Sprintf("unop(%d)", op)
}

// Constant is a literal value usable wherever a node is expected.
type Constant struct {
	Value uint64
}

// Const returns a constant node holding v (two's complement for negative
// values).
func Const(v int64) *Constant {
	return &Constant{Value: uint64(v)}
}

// Binary applies Op to X and Y.
type Binary struct {
	Op   BinaryOp
	X, Y Node
}

// Unary applies Op to X.
type Unary struct {
	Op UnaryOp
	X  Node
}

// Register reads DWARF register Num.
type Register struct {
	Num int
}

// FrameBase is the frame base of the current subprogram.
type FrameBase struct{}

// CFA is the canonical frame address at the current PC.
type CFA struct{}

// AddressSize is the size in bytes of a target address.
type AddressSize struct{}

// Deref reads Size bytes at Addr. Space is the address space operand of
// xderef and is nil for plain dereferences.
type Deref struct {
	Addr  Node
	Size  Node
	Space Node
}

// ObjectAddress is the address of the object currently being evaluated
// (DW_OP_push_object_address).
type ObjectAddress struct{}

// TLS translates a thread-local storage offset into an address.
type TLS struct {
	Offset Node
}

// Dup stands for a duplicated stack entry. Evaluating it reads the current
// value of X rather than caching a value of its own.
type Dup struct {
	X Node
}

// WithObject evaluates X with the value of Object pushed on the session's
// object stack. Field accesses on nested objects chain through it.
type WithObject struct {
	Object Node
	X      Node
}

// Convenience constructors.

func Plus(x, y Node) *Binary  { return &Binary{Op: OpPlus, X: x, Y: y} }
func Minus(x, y Node) *Binary { return &Binary{Op: OpMinus, X: x, Y: y} }
func Mul(x, y Node) *Binary   { return &Binary{Op: OpMul, X: x, Y: y} }

// DerefAddr dereferences an address-sized word at addr.
func DerefAddr(addr Node) *Deref {
	return &Deref{Addr: addr, Size: &AddressSize{}}
}

// DerefN dereferences size bytes at addr.
func DerefN(addr Node, size int) *Deref {
	return &Deref{Addr: addr, Size: Const(int64(size))}
}

func (n *Constant) Operands() []Node      { return nil }
func (n *Binary) Operands() []Node        { return []Node{n.X, n.Y} }
func (n *Unary) Operands() []Node         { return []Node{n.X} }
func (n *Register) Operands() []Node      { return nil }
func (n *FrameBase) Operands() []Node     { return nil }
func (n *CFA) Operands() []Node           { return nil }
func (n *AddressSize) Operands() []Node   { return nil }
func (n *ObjectAddress) Operands() []Node { return nil }
func (n *TLS) Operands() []Node           { return []Node{n.Offset} }
func (n *Dup) Operands() []Node           { return []Node{n.X} }
func (n *WithObject) Operands() []Node    { return []Node{n.Object, n.X} }

func (n *Deref) Operands() []Node {
	if n.Space != nil {
		return []Node{n.Addr, n.Size, n.Space}
	}
	return []Node{n.Addr, n.Size}
}

func (n *Constant) String() string {
	if v := int64(n.Value); v < 10 {
		return fmt.Sprintf("%d", v)
	}
	return fmt.Sprintf("%#x", n.Value)
}

func (n *Binary) String() string      { return sexpr(n.Op.String(), n.X, n.Y) }
func (n *Unary) String() string       { return sexpr(n.Op.String(), n.X) }
func (n *Register) String() string    { return fmt.Sprintf("reg%d", n.Num) }
func (n *FrameBase) String() string   { return "fb" }
func (n *CFA) String() string         { return "cfa" }
func (n *AddressSize) String() string { return "addrsize" }
func (n *ObjectAddress) String() string {
	return "object"
}
func (n *TLS) String() string        { return sexpr("tls", n.Offset) }
func (n *Dup) String() string        { return n.X.String() }
func (n *WithObject) String() string { return sexpr("with", n.Object, n.X) }

func (n *Deref) String() string {
	if n.Space != nil {
		return sexpr("xderef", n.Addr, n.Size, n.Space)
	}
	return sexpr("deref", n.Addr, n.Size)
}

func sexpr(name string, args ...Node) string {
	var b strings.Builder
	b.WriteString("(")
	b.WriteString(name)
	for _, a := range args {
		b.WriteString(" ")
		b.WriteString(a.String())
	}
	b.WriteString(")")
	return b.String()
}
