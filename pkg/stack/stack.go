// Package stack unwinds the call stack of a stopped target using the call
// frame information of the image.
package stack

import (
	"errors"
	"fmt"

	"github.com/undoio/dwarfscope/pkg/arch"
	"github.com/undoio/dwarfscope/pkg/dwarf/frame"
	"github.com/undoio/dwarfscope/pkg/errs"
	"github.com/undoio/dwarfscope/pkg/eval"
	"github.com/undoio/dwarfscope/pkg/expr"
	"github.com/undoio/dwarfscope/pkg/location"
	"github.com/undoio/dwarfscope/pkg/memory"
	"github.com/undoio/dwarfscope/pkg/symbols"
)

// NoReturnAddr is returned when return address
// could not be found during stack trace.
type NoReturnAddr struct {
	fn string
}

func (nra NoReturnAddr) Error() string {
	return fmt.Sprintf("could not find return address for %s", nra.fn)
}

// NullAddrError is an error for a null address.
type NullAddrError struct{}

func (n NullAddrError) Error() string {
	return "NULL address"
}

// Frame represents a frame in a system stack.
type Frame struct {
	// Position the frame is executing at.
	Current location.Location
	// Position of the call instruction for frames other than the innermost.
	Call location.Location
	CFA  uint64
	Ret  uint64
	// Regs are the register values of the frame, by DWARF number.
	Regs map[int]uint64
}

// ReturnAddress returns the return address of the function
// executing at pc.
func ReturnAddress(pc uint64, regs map[int]uint64, cache *symbols.Cache, mem memory.ReadWriter, a *arch.Arch) (uint64, error) {
	frames, err := Trace(1, pc, regs, cache, mem, a)
	if err != nil {
		return 0, err
	}
	if len(frames) < 2 {
		name := "?"
		if len(frames) > 0 && frames[0].Current.Fn != nil {
			name = frames[0].Current.Fn.Name
		}
		return 0, NoReturnAddr{name}
	}
	return frames[1].Current.PC, nil
}

// Trace returns the stack trace starting at pc with at most depth frames
// above the first.
func Trace(depth int, pc uint64, regs map[int]uint64, cache *symbols.Cache, mem memory.ReadWriter, a *arch.Arch) ([]Frame, error) {
	return NewIterator(pc, regs, cache, mem, a).unwind(depth)
}

// Iterator holds information
// required to iterate and walk the program
// stack.
type Iterator struct {
	pc    uint64
	regs  map[int]uint64
	top   bool
	atend bool
	frame Frame
	cache *symbols.Cache
	mem   memory.ReadWriter
	arch  *arch.Arch
	err   error
}

func NewIterator(pc uint64, regs map[int]uint64, cache *symbols.Cache, mem memory.ReadWriter, a *arch.Arch) *Iterator {
	return &Iterator{pc: pc, regs: regs, top: true, cache: cache, mem: mem, arch: a}
}

// Next points the iterator to the next stack frame.
func (it *Iterator) Next() bool {
	if it.err != nil || it.atend {
		return false
	}
	var callerRegs map[int]uint64
	it.frame, callerRegs, it.err = it.frameInfo()
	if it.err != nil {
		var nofde *frame.NoFDEForPCError
		if errors.As(it.err, &nofde) && !it.top {
			it.frame = Frame{Current: location.Unknown(it.pc), Call: location.Unknown(it.pc), Regs: it.regs}
			it.atend = true
			it.err = nil
			return true
		}
		return false
	}

	if it.frame.Current.Fn == nil {
		if it.top {
			it.err = fmt.Errorf("PC %#x not associated to any function", it.pc)
		}
		return false
	}

	if it.frame.Ret == 0 {
		it.atend = true
		return true
	}
	// Look for "top of stack" functions.
	if fn := it.frame.Current.Fn; fn != nil && (fn.Name == "_start" || fn.Name == "__libc_start_main") {
		it.atend = true
		return true
	}

	it.top = false
	it.pc = it.frame.Ret
	it.regs = callerRegs
	return true
}

// Frame returns the frame the iterator is pointing at.
func (it *Iterator) Frame() Frame {
	if it.err != nil {
		panic(it.err)
	}
	return it.frame
}

// Err returns the error encountered during stack iteration.
func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) unwind(depth int) ([]Frame, error) {
	if depth < 0 {
		return nil, errors.New("negative maximum stack depth")
	}
	frames := make([]Frame, 0, depth+1)
	for it.Next() {
		frames = append(frames, it.Frame())
		if len(frames) >= depth+1 {
			break
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}

// frameInfo computes the frame at it.pc and the register values of its
// caller.
func (it *Iterator) frameInfo() (Frame, map[int]uint64, error) {
	pc := it.pc
	fde, err := it.cache.Info.FDE(pc)
	if err != nil {
		return Frame{}, nil, err
	}
	row, err := fde.RowForPC(pc)
	if err != nil {
		return Frame{}, nil, err
	}
	regs := make(map[int]uint64, len(it.regs)+1)
	for k, v := range it.regs {
		regs[k] = v
	}
	regs[it.arch.PCRegNum] = pc
	scope := eval.NewScope(pc, regs, it.mem, it.cache, it.arch, 0)

	cfaNode, err := it.cache.Info.CFAOf(row)
	if err != nil {
		return Frame{}, nil, err
	}
	cfa, err := expr.Eval(cfaNode, scope)
	if err != nil {
		return Frame{}, nil, err
	}

	if cfa == 0 {
		return Frame{}, nil, NullAddrError{}
	}

	caller := make(map[int]uint64, len(regs))
	for k, v := range regs {
		caller[k] = v
	}
	caller[it.arch.SPRegNum] = cfa
	for reg, rule := range row.Regs {
		v, ok, err := it.applyRule(rule, cfa, scope)
		if err != nil {
			return Frame{}, nil, err
		}
		if ok {
			caller[int(reg)] = v
		} else {
			delete(caller, int(reg))
		}
	}

	raReg := int(fde.CIE.ReturnAddressRegister)
	ret, ok := caller[raReg]
	if _, hasRule := row.Regs[uint64(raReg)]; !hasRule || !ok {
		ret = 0
	}
	delete(caller, raReg)

	cur, err := location.Resolve(it.cache, pc)
	if err != nil && !errs.IsNotFound(err) {
		return Frame{}, nil, err
	}
	f := Frame{Current: cur, CFA: cfa, Ret: ret, Regs: regs}
	if it.top {
		f.Call = f.Current
	} else {
		// the call instruction is the one before the return address
		f.Call, err = location.Resolve(it.cache, pc-1)
		if err != nil && !errs.IsNotFound(err) {
			return Frame{}, nil, err
		}
	}
	return f, caller, nil
}

// applyRule recovers a caller register. It returns false for an undefined
// register.
func (it *Iterator) applyRule(rule frame.Rule, cfa uint64, scope *eval.Scope) (uint64, bool, error) {
	switch rule.Kind {
	case frame.RuleUndefined:
		return 0, false, nil
	case frame.RuleSameVal:
		v, err := scope.Register(int(rule.Reg))
		return v, err == nil, nil
	case frame.RuleOffset:
		v, err := expr.Eval(expr.DerefAddr(expr.Const(int64(cfa)+rule.Offset)), scope)
		return v, err == nil, err
	case frame.RuleValOffset:
		return uint64(int64(cfa) + rule.Offset), true, nil
	case frame.RuleRegister:
		v, err := scope.Register(int(rule.Reg))
		return v, err == nil, nil
	case frame.RuleExpression, frame.RuleValExpression:
		e, err := expr.Build(rule.Expr, expr.Options{
			AddressSize: it.arch.PtrSize,
			ByteOrder:   it.arch.ByteOrder,
			Initial:     []expr.Node{expr.Const(int64(cfa))},
		})
		if err != nil {
			return 0, false, err
		}
		root := e.Root
		if rule.Kind == frame.RuleExpression {
			root = expr.DerefAddr(root)
		}
		v, err := expr.Eval(root, scope)
		return v, err == nil, err
	}
	return 0, false, errs.NotImplemented("unwind rule %s", rule)
}

// Scope returns a value evaluation scope for f.
func (f *Frame) Scope(cache *symbols.Cache, mem memory.ReadWriter, a *arch.Arch) *eval.Scope {
	return eval.NewScope(f.Current.PC, f.Regs, mem, cache, a, 0)
}
