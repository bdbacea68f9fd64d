package runtime

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/undoio/dwarfscope/pkg/errs"
	"github.com/undoio/dwarfscope/pkg/eval"
	"github.com/undoio/dwarfscope/pkg/expr"
	"github.com/undoio/dwarfscope/pkg/stack"
	"github.com/undoio/dwarfscope/pkg/symbols"
)

// Lookup returns the value called name at the current PC: the innermost
// local in scope, or else a global.
func (rt *Runtime) Lookup(name string) (*eval.Value, error) {
	pc, err := rt.PC()
	if err != nil {
		return nil, err
	}
	if sub, err := rt.Subprogram(); err == nil {
		d, err := sub.Local(name, pc)
		if err == nil {
			return eval.FromDatum(rt, d)
		}
		if !errs.IsNotFound(err) {
			return nil, err
		}
	} else if !errs.IsNotFound(err) {
		return nil, err
	}
	g, err := rt.cache.Global(name)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil, errs.NotFound("variable in scope", name)
		}
		return nil, err
	}
	return eval.FromDatum(rt, g)
}

// Names returns the names of the locals in scope at the current PC, in
// declaration order.
func (rt *Runtime) Names() ([]string, error) {
	pc, err := rt.PC()
	if err != nil {
		return nil, err
	}
	sub, err := rt.Subprogram()
	if err != nil {
		return nil, err
	}
	locals, err := sub.LocalsAt(pc)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(locals))
	for i, d := range locals {
		names[i] = d.Name
	}
	return names, nil
}

// ReturnValue returns the value being returned by the current subprogram,
// meaningful at its epilogue. The value lives in the return register.
func (rt *Runtime) ReturnValue() (*eval.Value, error) {
	return rt.ret.get(rt.memoGen, func() (*eval.Value, error) {
		sub, err := rt.Subprogram()
		if err != nil {
			return nil, err
		}
		t, err := sub.ReturnType()
		if err != nil {
			return nil, err
		}
		if t.Code == symbols.CodeVoid {
			return nil, fmt.Errorf("%s returns void", sub.Name)
		}
		reg := &expr.Register{Num: rt.arch.ReturnRegNum}
		return eval.FromExpr(rt, sub.Name+" return value", t, reg, eval.OriginReturned), nil
	})
}

// Backtrace unwinds at most depth frames above the current one.
func (rt *Runtime) Backtrace(depth int) ([]stack.Frame, error) {
	pc, err := rt.PC()
	if err != nil {
		return nil, err
	}
	regs := make(map[int]uint64)
	for num := range rt.regs {
		if _, err := rt.arch.RegisterName(num); err != nil {
			continue
		}
		v, err := rt.Register(num)
		if err != nil {
			continue
		}
		regs[num] = v
	}
	return stack.Trace(depth, pc, regs, rt.cache, rt.mem, rt.arch)
}

// Instruction decodes the machine instruction at the current PC.
func (rt *Runtime) Instruction() (x86asm.Inst, string, error) {
	if rt.arch.DecodeMode == 0 {
		return x86asm.Inst{}, "", errs.NotImplemented("disassembly for %s", rt.arch.Name)
	}
	pc, err := rt.PC()
	if err != nil {
		return x86asm.Inst{}, "", err
	}
	code, err := rt.ReadMemory(pc, 15)
	if err != nil {
		return x86asm.Inst{}, "", err
	}
	inst, err := x86asm.Decode(code, rt.arch.DecodeMode)
	if err != nil {
		return x86asm.Inst{}, "", errors.Wrapf(err, "decoding instruction at %#x", pc)
	}
	return inst, x86asm.GNUSyntax(inst, pc, rt.symbolAt), nil
}

func (rt *Runtime) symbolAt(addr uint64) (string, uint64) {
	sub, err := rt.cache.Subprogram(addr)
	if err != nil {
		return "", 0
	}
	return sub.Name, sub.LowPC()
}
