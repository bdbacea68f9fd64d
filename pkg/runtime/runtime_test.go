package runtime_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/undoio/dwarfscope/pkg/arch"
	"github.com/undoio/dwarfscope/pkg/errs"
	"github.com/undoio/dwarfscope/pkg/eval"
	"github.com/undoio/dwarfscope/pkg/logflags"
	"github.com/undoio/dwarfscope/pkg/runtime"
	"github.com/undoio/dwarfscope/pkg/runtime/runtimetest"
)

func setup(t *testing.T) (*runtime.Runtime, *runtimetest.Target) {
	t.Helper()
	tgt := runtimetest.NewTarget()
	return runtime.New(runtimetest.Program(t), tgt, arch.AMD64), tgt
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

type recorder struct {
	hits    int
	removed int
}

func (r *recorder) Hit(rt *runtime.Runtime, bp *runtime.Breakpoint) error {
	r.hits++
	return nil
}

func (r *recorder) Removed(rt *runtime.Runtime, bp *runtime.Breakpoint) {
	r.removed++
}

func TestFetchLocalAtLineBreakpoint(t *testing.T) {
	rt, tgt := setup(t)
	tgt.Regs["rip"] = 0
	tgt.Put32(runtimetest.XAddr, 0)
	tgt.Plan = []runtimetest.Event{
		{PC: runtimetest.AssignPC, Mem: map[uint64][]byte{runtimetest.XAddr: le32(41)}},
		{PC: runtimetest.ReturnPC, Mem: map[uint64][]byte{runtimetest.XAddr: le32(42)}},
		{PC: runtimetest.EpiloguePC},
	}

	var x int64
	var lookupErr error
	regs, err := rt.BreakAt("main.c", runtimetest.ReturnLine, runtime.HandlerFunc(func(rt *runtime.Runtime, bp *runtime.Breakpoint) error {
		v, err := rt.Lookup("x")
		if err != nil {
			return err
		}
		if x, err = v.Int(); err != nil {
			return err
		}
		_, lookupErr = rt.Lookup("pt")
		rt.Stop()
		return nil
	}))
	require.NoError(t, err)
	require.Len(t, regs, 1)
	bp := regs[0].Breakpoint()
	assert.Equal(t, uint64(runtimetest.ReturnPC), bp.Addr)
	assert.Equal(t, runtimetest.File, bp.File)
	assert.Equal(t, runtimetest.ReturnLine, bp.Line)
	assert.Equal(t, "f", bp.FunctionName)

	s, err := rt.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runtime.StopBreakpoint, s.Reason)
	assert.Equal(t, uint64(runtimetest.ReturnPC), s.PC)
	assert.Equal(t, int64(42), x)
	assert.True(t, errs.IsNotFound(lookupErr), "%v", lookupErr)
	assert.Equal(t, 1, bp.HitCount)

	_, err = rt.Lookup("y")
	assert.True(t, errs.IsNotFound(err))

	s, err = rt.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runtime.StopExited, s.Reason)
	assert.Equal(t, 1, tgt.Steps)
	assert.True(t, rt.Exited())

	_, err = rt.Continue(context.Background())
	var exited runtime.ProcessExitedError
	require.ErrorAs(t, err, &exited)
	assert.Equal(t, 0, exited.Status)
	require.NoError(t, rt.RemoveAll())
}

func TestRegisterCache(t *testing.T) {
	rt, tgt := setup(t)
	tgt.Plan = []runtimetest.Event{{PC: runtimetest.EpiloguePC}}
	_, err := rt.Break(runtimetest.EpiloguePC, &recorder{})
	require.NoError(t, err)

	pc, err := rt.PC()
	require.NoError(t, err)
	assert.Equal(t, uint64(runtimetest.ReturnPC), pc)
	_, err = rt.PC()
	require.NoError(t, err)
	assert.Equal(t, 1, tgt.RegReads)

	v := rt.Version()
	_, err = rt.Continue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, v+1, rt.Version())

	pc, err = rt.PC()
	require.NoError(t, err)
	assert.Equal(t, uint64(runtimetest.EpiloguePC), pc)
	assert.Equal(t, 2, tgt.RegReads)

	require.NoError(t, rt.SetRegister("rax", 7))
	rax, err := rt.RegisterByName("rax")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), rax)
	assert.Equal(t, 2, tgt.RegReads)
}

func TestHandlerRegistration(t *testing.T) {
	rt, tgt := setup(t)
	a, b := &recorder{}, &recorder{}

	ra, err := rt.Break(runtimetest.AssignPC, a)
	require.NoError(t, err)
	rb, err := rt.Break(runtimetest.AssignPC, b)
	require.NoError(t, err)
	assert.Same(t, ra.Breakpoint(), rb.Breakpoint())
	assert.Equal(t, 2, ra.Breakpoint().Handlers())
	assert.True(t, tgt.Breakpoints[runtimetest.AssignPC])
	require.Len(t, rt.Breakpoints(), 1)

	require.NoError(t, rt.Remove(rb))
	assert.Equal(t, 1, b.removed)
	assert.False(t, rb.Active())
	assert.True(t, tgt.Breakpoints[runtimetest.AssignPC])

	var nbe runtime.NoBreakpointError
	require.ErrorAs(t, rt.Remove(rb), &nbe)
	assert.Equal(t, 1, b.removed)

	require.NoError(t, rt.RemoveQuiet(ra))
	assert.Zero(t, a.removed)
	assert.False(t, tgt.Breakpoints[runtimetest.AssignPC])
	assert.Empty(t, rt.Breakpoints())
	_, ok := rt.BreakpointAt(runtimetest.AssignPC)
	assert.False(t, ok)

	rc, err := rt.Break(runtimetest.AssignPC, a)
	require.NoError(t, err)
	assert.NotEqual(t, ra.Breakpoint().ID, rc.Breakpoint().ID)
}

func TestBreakOutsideCode(t *testing.T) {
	rt, tgt := setup(t)
	_, err := rt.Break(0x9000, &recorder{})
	var iae runtime.InvalidAddressError
	require.ErrorAs(t, err, &iae)
	assert.Empty(t, tgt.Breakpoints)

	_, err = rt.BreakAt("main.c", 99, &recorder{})
	assert.True(t, errs.IsNotFound(err))
	_, err = rt.BreakAt("other.c", 10, &recorder{})
	assert.True(t, errs.IsNotFound(err))
}

func TestHandlerRemovedDuringDispatch(t *testing.T) {
	rt, tgt := setup(t)
	tgt.Plan = []runtimetest.Event{{PC: runtimetest.AssignPC}, {PC: runtimetest.AssignPC}}
	second := &recorder{}
	var rsecond *runtime.Registration
	first := runtime.HandlerFunc(func(rt *runtime.Runtime, bp *runtime.Breakpoint) error {
		return rt.Remove(rsecond)
	})
	_, err := rt.Break(runtimetest.AssignPC, first)
	require.NoError(t, err)
	rsecond, err = rt.Break(runtimetest.AssignPC, second)
	require.NoError(t, err)

	_, err = rt.Continue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.hits)
	assert.Equal(t, 1, second.removed)
}

func TestRunStopsOnHandlerError(t *testing.T) {
	rt, tgt := setup(t)
	tgt.Plan = []runtimetest.Event{
		{PC: runtimetest.AssignPC},
		{PC: runtimetest.AssignPC},
		{PC: runtimetest.AssignPC},
	}
	boom := errors.New("boom")
	n := 0
	_, err := rt.Break(runtimetest.AssignPC, runtime.HandlerFunc(func(rt *runtime.Runtime, bp *runtime.Breakpoint) error {
		n++
		if n == 2 {
			return boom
		}
		return nil
	}))
	require.NoError(t, err)

	_, err = rt.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, tgt.Resumes)
}

func TestStaleValue(t *testing.T) {
	hook := &logtest.Hook{}
	logflags.AddHook(hook)

	rt, tgt := setup(t)
	tgt.Plan = []runtimetest.Event{{PC: runtimetest.CounterPC}}
	_, err := rt.Break(runtimetest.CounterPC, &recorder{})
	require.NoError(t, err)

	counter, err := rt.Lookup("counter")
	require.NoError(t, err)
	frozen, err := counter.ToGlobal()
	require.NoError(t, err)
	assert.True(t, frozen.Frozen())

	_, err = rt.Continue(context.Background())
	require.NoError(t, err)

	n, err := counter.Int()
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.True(t, counter.Stale())

	n, err = frozen.Int()
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.False(t, frozen.Stale())

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "stale value counter") {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestLocationAndNames(t *testing.T) {
	rt, _ := setup(t)
	loc, err := rt.Location()
	require.NoError(t, err)
	assert.Equal(t, runtimetest.File, loc.File)
	assert.Equal(t, runtimetest.ReturnLine, loc.Line)
	require.NotNil(t, loc.Fn)
	assert.Equal(t, "f", loc.Fn.Name)

	names, err := rt.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"p", "x"}, names)

	fb, err := rt.FrameBase()
	require.NoError(t, err)
	assert.Equal(t, uint64(runtimetest.FrameCFA), fb)
}

func TestRegisterWriteMovesFrame(t *testing.T) {
	rt, _ := setup(t)
	loc, err := rt.Location()
	require.NoError(t, err)
	assert.Equal(t, "f", loc.Fn.Name)
	version := rt.Version()

	require.NoError(t, rt.SetRegister("rip", runtimetest.CounterPC))
	loc, err = rt.Location()
	require.NoError(t, err)
	require.NotNil(t, loc.Fn)
	assert.Equal(t, "main", loc.Fn.Name)
	assert.Equal(t, 22, loc.Line)
	assert.Equal(t, version, rt.Version(), "a register write is not a resume")
}

func TestFieldThroughPointer(t *testing.T) {
	rt, _ := setup(t)
	p, err := rt.Lookup("p")
	require.NoError(t, err)
	y, err := p.Field("y")
	require.NoError(t, err)
	n, err := y.Int()
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	table, err := rt.Lookup("table")
	require.NoError(t, err)
	e, err := table.Index(2)
	require.NoError(t, err)
	n, err = e.Int()
	require.NoError(t, err)
	assert.Equal(t, int64(30), n)
}

func TestReturnValue(t *testing.T) {
	rt, tgt := setup(t)
	tgt.Regs["rip"] = runtimetest.EpiloguePC
	tgt.Regs["rax"] = 0xfffffffe
	v, err := rt.ReturnValue()
	require.NoError(t, err)
	assert.Equal(t, eval.OriginReturned, v.Origin)
	n, err := v.Int()
	require.NoError(t, err)
	assert.Equal(t, int64(-2), n)
	_, err = v.Address()
	assert.Error(t, err)
}

func TestBacktrace(t *testing.T) {
	rt, _ := setup(t)
	frames, err := rt.Backtrace(10)
	require.NoError(t, err)
	require.Len(t, frames, 2)

	assert.Equal(t, "f", frames[0].Current.Fn.Name)
	assert.Equal(t, runtimetest.ReturnLine, frames[0].Current.Line)
	assert.Equal(t, uint64(runtimetest.FrameCFA), frames[0].CFA)
	assert.Equal(t, uint64(runtimetest.AfterCall), frames[0].Ret)

	assert.Equal(t, "main", frames[1].Current.Fn.Name)
	assert.Equal(t, uint64(runtimetest.AfterCall), frames[1].Current.PC)
	assert.Equal(t, 22, frames[1].Current.Line)
	assert.Equal(t, 21, frames[1].Call.Line)
	assert.Equal(t, uint64(runtimetest.MainCFA), frames[1].CFA)
	assert.Zero(t, frames[1].Ret)

	frames, err = rt.Backtrace(0)
	require.NoError(t, err)
	assert.Len(t, frames, 1)
}

func TestInstruction(t *testing.T) {
	rt, _ := setup(t)
	inst, text, err := rt.Instruction()
	require.NoError(t, err)
	assert.Equal(t, x86asm.MOV, inst.Op)
	assert.Equal(t, 3, inst.Len)
	assert.True(t, strings.HasPrefix(text, "mov"), text)
}

func TestMemoryCache(t *testing.T) {
	rt, tgt := setup(t)
	for i := 0; i < 2; i++ {
		v, err := rt.Lookup("counter")
		require.NoError(t, err)
		n, err := v.Int()
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)
	}
	assert.Equal(t, 1, tgt.MemReads)
	hits, _ := rt.MemoryStats()
	assert.Equal(t, 1, hits)

	require.NoError(t, rt.WriteMemory(runtimetest.CounterAddr, le32(6)))
	v, err := rt.Lookup("counter")
	require.NoError(t, err)
	n, err := v.Int()
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
	assert.Equal(t, 1, tgt.MemReads)
}

func TestReadErrorPropagates(t *testing.T) {
	rt, tgt := setup(t)
	fault := errors.New("memory fault")
	tgt.ReadErr = fault
	v, err := rt.Lookup("counter")
	require.NoError(t, err)
	_, err = v.Int()
	require.ErrorIs(t, err, fault)
}
