// Package eval implements values of the debugged program: a typed location
// bound to a live session.
package eval

import (
	"encoding/binary"
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"

	"github.com/undoio/dwarfscope/pkg/errs"
	"github.com/undoio/dwarfscope/pkg/expr"
	"github.com/undoio/dwarfscope/pkg/logflags"
	"github.com/undoio/dwarfscope/pkg/symbols"
)

// ErrOptimizedOut is returned for data with neither a location nor a
// constant value.
var ErrOptimizedOut = errors.New("value optimized out")

// Origin tells how a value was obtained.
type Origin uint8

const (
	OriginDatum Origin = iota
	OriginField
	OriginElement
	OriginDeref
	OriginCast
	OriginGlobal
	OriginReturned
)

var originNames = [...]string{
	OriginDatum:    "datum",
	OriginField:    "field",
	OriginElement:  "element",
	OriginDeref:    "deref",
	OriginCast:     "cast",
	OriginGlobal:   "global",
	OriginReturned: "returned",
}

func (o Origin) String() string {
	if int(o) < len(originNames) {
		return originNames[o]
	}
	return fmt.Sprintf("origin(%d)", o)
}

// Value is a typed object of the debugged program. Either its location
// computes its address, or the value has no address and its contents come
// from a substitute expression (a register, DW_OP_stack_value, a return
// value) or constant bytes.
type Value struct {
	Name   string
	Type   *symbols.Type
	Origin Origin

	sess  Session
	loc   expr.Node
	subst expr.Node
	data  []byte

	version uint64
	frozen  bool
	stale   bool
}

func newValue(s Session, name string, t *symbols.Type, o Origin) *Value {
	return &Value{Name: name, Type: t, Origin: o, sess: s, version: s.Version()}
}

// New returns a value of type t at the address computed by loc.
func New(s Session, name string, t *symbols.Type, loc expr.Node) *Value {
	v := newValue(s, name, t, OriginDatum)
	v.loc = loc
	return v
}

// FromExpr returns a value of type t whose contents are computed by n.
func FromExpr(s Session, name string, t *symbols.Type, n expr.Node, o Origin) *Value {
	v := newValue(s, name, t, o)
	v.subst = n
	return v
}

// FromDatum returns the value of d in s.
func FromDatum(s Session, d *symbols.Datum) (*Value, error) {
	t, err := d.Type()
	if err != nil {
		return nil, err
	}
	v := newValue(s, d.Name, t, OriginDatum)
	if d.Sub == nil {
		v.Origin = OriginGlobal
	}
	loc, err := d.Location()
	if err != nil {
		return nil, err
	}
	if loc == nil {
		switch c := d.ConstValue.(type) {
		case int64:
			v.subst = expr.Const(c)
		case []byte:
			v.data = c
		case nil:
			return nil, pkgerrors.Wrap(ErrOptimizedOut, d.String())
		default:
			return nil, errs.NotImplemented("constant of type %T for %s", c, d)
		}
		return v, nil
	}
	switch loc.Kind {
	case expr.KindAddress:
		v.loc = loc.Root
	default:
		v.subst = loc.Root
	}
	return v, nil
}

func (v *Value) String() string {
	switch {
	case v.loc != nil:
		return fmt.Sprintf("%s (%s) at %s", v.Name, v.Type, v.loc)
	case v.subst != nil:
		return fmt.Sprintf("%s (%s) = %s", v.Name, v.Type, v.subst)
	}
	return fmt.Sprintf("%s (%s) constant", v.Name, v.Type)
}

// Location returns the expression computing the address of v, nil when v
// has no address.
func (v *Value) Location() expr.Node {
	return v.loc
}

// Stale reports whether v was read after the session it was created in
// moved on.
func (v *Value) Stale() bool {
	return v.stale
}

// Frozen reports whether v was detached from the session version by
// ToGlobal.
func (v *Value) Frozen() bool {
	return v.frozen
}

func (v *Value) checkVersion() {
	if v.frozen {
		return
	}
	if cur := v.sess.Version(); cur != v.version {
		v.stale = true
		logflags.RuntimeLogger().Warnf("stale value %s: created at version %d, read at version %d", v.Name, v.version, cur)
	}
}

func (v *Value) derive(name string, t *symbols.Type, o Origin) *Value {
	return &Value{Name: name, Type: t, Origin: o, sess: v.sess, version: v.version, frozen: v.frozen}
}

// Size returns the size of v in bytes.
func (v *Value) Size() (int, error) {
	n, err := v.Type.Size()
	if err != nil {
		return 0, err
	}
	sz, err := expr.Eval(n, v.sess)
	if err != nil {
		return 0, err
	}
	return int(sz), nil
}

// Address returns the address of v.
func (v *Value) Address() (uint64, error) {
	if v.loc == nil {
		return 0, fmt.Errorf("%s has no address", v.Name)
	}
	v.checkVersion()
	return expr.Eval(v.loc, v.sess)
}

// Fetch reads size bytes of v as an unsigned integer. A zero size reads the
// size of the type of v.
func (v *Value) Fetch(size int) (uint64, error) {
	if size == 0 {
		var err error
		if size, err = v.Size(); err != nil {
			return 0, err
		}
	}
	if size <= 0 || size > 8 {
		return 0, fmt.Errorf("cannot fetch %d bytes of %s as an integer", size, v.Name)
	}
	if v.loc == nil {
		buf, err := v.FetchBytes(size)
		if err != nil {
			return 0, err
		}
		return expr.DecodeUint(buf, v.sess.ByteOrder()), nil
	}
	v.checkVersion()
	val, err := expr.Eval(expr.DerefN(v.loc, size), v.sess)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "fetching %s", v.Name)
	}
	return val, nil
}

// Int reads v and sign extends it when its type is signed.
func (v *Value) Int() (int64, error) {
	size, err := v.Size()
	if err != nil {
		return 0, err
	}
	u, err := v.Fetch(size)
	if err != nil {
		return 0, err
	}
	if v.Type.Signed() && size < 8 {
		shift := uint(64 - 8*size)
		return int64(u<<shift) >> shift, nil
	}
	return int64(u), nil
}

// FetchBytes reads size bytes of v. A zero size reads the size of the type
// of v.
func (v *Value) FetchBytes(size int) ([]byte, error) {
	if size == 0 {
		var err error
		if size, err = v.Size(); err != nil {
			return nil, err
		}
	}
	v.checkVersion()
	switch {
	case v.loc != nil:
		addr, err := expr.Eval(v.loc, v.sess)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "address of %s", v.Name)
		}
		return v.sess.ReadMemory(addr, size)
	case v.subst != nil:
		if size > 8 {
			return nil, errs.NotImplemented("%d byte value of %s not in memory", size, v.Name)
		}
		val, err := expr.Eval(v.subst, v.sess)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "fetching %s", v.Name)
		}
		buf := make([]byte, 8)
		v.sess.ByteOrder().PutUint64(buf, val)
		if v.sess.ByteOrder() == binary.BigEndian {
			return buf[8-size:], nil
		}
		return buf[:size], nil
	}
	if size > len(v.data) {
		return nil, fmt.Errorf("constant %s has %d bytes, %d requested", v.Name, len(v.data), size)
	}
	return append([]byte(nil), v.data[:size]...), nil
}

// pointer returns the expression computing the value of the pointer v.
func (v *Value) pointer() (expr.Node, error) {
	switch {
	case v.loc != nil:
		sz, err := v.Type.Size()
		if err != nil {
			return nil, err
		}
		return &expr.Deref{Addr: v.loc, Size: sz}, nil
	case v.subst != nil:
		return v.subst, nil
	}
	return expr.Const(int64(expr.DecodeUint(v.data, v.sess.ByteOrder()))), nil
}

// Dereference returns the object v points to.
func (v *Value) Dereference() (*Value, error) {
	t := v.Type.Strip()
	if !t.IsPointer() {
		return nil, fmt.Errorf("%s is not a pointer (%s)", v.Name, v.Type)
	}
	if t.Target == nil || t.Target.Code == symbols.CodeVoid {
		return nil, fmt.Errorf("cannot dereference %s of type %s", v.Name, v.Type)
	}
	p, err := v.pointer()
	if err != nil {
		return nil, err
	}
	d := v.derive("*"+v.Name, t.Target, OriginDeref)
	d.loc = p
	return d, nil
}

// Index returns element i of the array or pointer v.
func (v *Value) Index(i int64) (*Value, error) {
	t := v.Type.Strip()
	var base expr.Node
	switch t.Code {
	case symbols.CodeArray:
		if v.loc == nil {
			return nil, errs.NotImplemented("indexing %s not in memory", v.Name)
		}
		if t.Count >= 0 && (i < 0 || i >= t.Count) {
			return nil, fmt.Errorf("index %d out of bounds for %s (%s)", i, v.Name, v.Type)
		}
		base = v.loc
	case symbols.CodePointer:
		if t.Target == nil || t.Target.Code == symbols.CodeVoid {
			return nil, fmt.Errorf("cannot index %s of type %s", v.Name, v.Type)
		}
		p, err := v.pointer()
		if err != nil {
			return nil, err
		}
		base = p
	default:
		return nil, fmt.Errorf("%s is not an array or a pointer (%s)", v.Name, v.Type)
	}
	elemSize, err := t.Target.Size()
	if err != nil {
		return nil, err
	}
	e := v.derive(fmt.Sprintf("%s[%d]", v.Name, i), t.Target, OriginElement)
	e.loc = expr.Plus(base, expr.Mul(expr.Const(i), elemSize))
	return e, nil
}

// Field returns the member name of the struct or union v, dereferencing
// pointers to it first.
func (v *Value) Field(name string) (*Value, error) {
	cur := v
	for cur.Type.IsPointer() {
		d, err := cur.Dereference()
		if err != nil {
			return nil, err
		}
		cur = d
	}
	t := cur.Type.Strip()
	if !t.IsAggregate() {
		return nil, fmt.Errorf("%s is not a struct or union (%s)", cur.Name, cur.Type)
	}
	f, err := t.Field(name)
	if err != nil {
		return nil, err
	}
	if f.BitField {
		return nil, errs.NotImplemented("bit-field %s of %s", name, t)
	}
	if cur.loc == nil {
		return nil, errs.NotImplemented("member %s of %s not in memory", name, cur.Name)
	}
	fv := cur.derive(v.Name+"."+name, f.Type, OriginField)
	if f.Location != nil {
		fv.loc = &expr.WithObject{Object: cur.loc, X: f.Location.Root}
	} else {
		fv.loc = expr.Plus(cur.loc, expr.Const(int64(f.Offset)))
	}
	return fv, nil
}

// Cast returns v reinterpreted as typeName. Trailing '*' make pointers to
// the named type.
func (v *Value) Cast(typeName string) (*Value, error) {
	t, err := v.sess.Symbols().TypeNamed(typeName)
	if err != nil {
		return nil, err
	}
	c := v.derive(v.Name, t, OriginCast)
	c.loc, c.subst, c.data = v.loc, v.subst, v.data
	return c, nil
}

// ToGlobal evaluates the location of v now and returns a copy whose
// location is that constant address. The copy can be read after the
// target resumed.
func (v *Value) ToGlobal() (*Value, error) {
	g := v.derive(v.Name, v.Type, OriginGlobal)
	g.frozen = true
	if v.loc == nil {
		buf, err := v.FetchBytes(0)
		if err != nil {
			return nil, err
		}
		g.data = buf
		return g, nil
	}
	addr, err := v.Address()
	if err != nil {
		return nil, err
	}
	g.loc = &expr.Constant{Value: addr}
	return g, nil
}
