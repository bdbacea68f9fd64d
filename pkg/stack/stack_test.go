package stack_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undoio/dwarfscope/pkg/arch"
	"github.com/undoio/dwarfscope/pkg/eval"
	"github.com/undoio/dwarfscope/pkg/runtime/runtimetest"
	"github.com/undoio/dwarfscope/pkg/stack"
)

func TestTrace(t *testing.T) {
	cache := runtimetest.Program(t)
	tgt := runtimetest.NewTarget()
	frames, err := stack.Trace(10, runtimetest.ReturnPC, tgt.DWARFRegs(arch.AMD64), cache, tgt.Memory(), arch.AMD64)
	require.NoError(t, err)
	require.Len(t, frames, 2)

	f, main := frames[0], frames[1]
	assert.Equal(t, "f", f.Current.Fn.Name)
	assert.Equal(t, f.Current, f.Call)
	assert.Equal(t, uint64(runtimetest.FrameCFA), f.CFA)
	assert.Equal(t, uint64(runtimetest.AfterCall), f.Ret)

	assert.Equal(t, "main", main.Current.Fn.Name)
	assert.Equal(t, 22, main.Current.Line)
	assert.Equal(t, 21, main.Call.Line)
	assert.Equal(t, uint64(runtimetest.MainCFA), main.CFA)
	assert.Equal(t, uint64(runtimetest.MainRBP), main.Regs[arch.AMD64.BPRegNum])
	assert.Equal(t, uint64(runtimetest.FrameCFA), main.Regs[arch.AMD64.SPRegNum])
	assert.Zero(t, main.Ret)

	// locals of the caller read through its recovered registers
	scope := main.Scope(cache, tgt.Memory(), arch.AMD64)
	sub, err := cache.Subprogram(scope.PC)
	require.NoError(t, err)
	d, err := sub.Local("pt", scope.PC)
	require.NoError(t, err)
	pt, err := eval.FromDatum(scope, d)
	require.NoError(t, err)
	x, err := pt.Field("x")
	require.NoError(t, err)
	n, err := x.Int()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestTraceInPrologue(t *testing.T) {
	cache := runtimetest.Program(t)
	tgt := runtimetest.NewTarget()
	// at the first instruction of f the return address is on top of the stack
	tgt.Put64(0x7000, runtimetest.AfterCall)
	regs := tgt.DWARFRegs(arch.AMD64)
	regs[arch.AMD64.SPRegNum] = 0x7000
	regs[arch.AMD64.BPRegNum] = runtimetest.MainRBP

	frames, err := stack.Trace(1, runtimetest.FuncF, regs, cache, tgt.Memory(), arch.AMD64)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(0x7008), frames[0].CFA)
	assert.Equal(t, "main", frames[1].Current.Fn.Name)
	assert.Equal(t, uint64(runtimetest.MainCFA), frames[1].CFA)
}

func TestReturnAddress(t *testing.T) {
	cache := runtimetest.Program(t)
	tgt := runtimetest.NewTarget()
	ret, err := stack.ReturnAddress(runtimetest.ReturnPC, tgt.DWARFRegs(arch.AMD64), cache, tgt.Memory(), arch.AMD64)
	require.NoError(t, err)
	assert.Equal(t, uint64(runtimetest.AfterCall), ret)
}

func TestTraceOutsideCode(t *testing.T) {
	cache := runtimetest.Program(t)
	tgt := runtimetest.NewTarget()
	_, err := stack.Trace(10, 0x9000, tgt.DWARFRegs(arch.AMD64), cache, tgt.Memory(), arch.AMD64)
	assert.Error(t, err)
	_, err = stack.Trace(-1, runtimetest.ReturnPC, tgt.DWARFRegs(arch.AMD64), cache, tgt.Memory(), arch.AMD64)
	assert.Error(t, err)
}
