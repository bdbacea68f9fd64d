package script_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undoio/dwarfscope/pkg/arch"
	"github.com/undoio/dwarfscope/pkg/runtime"
	"github.com/undoio/dwarfscope/pkg/runtime/runtimetest"
	"github.com/undoio/dwarfscope/pkg/script"
	"github.com/undoio/dwarfscope/pkg/watcher"
)

const handlers = `
def on_return(ctx):
    """main.c:13
    Prints the local state of f before it returns."""
    print("x=%d line=%d pc=%x" % (ctx.get("x"), ctx.line(), ctx.pc()))
    print("p.x=%d p.y=%d" % (ctx.field("p", "x"), ctx.field("p", "y")))
    print(ctx.locals())
    ctx.stop()

def helper(n):
    return n + 1
`

func setup(t *testing.T) (*runtime.Runtime, *runtimetest.Target) {
	t.Helper()
	tgt := runtimetest.NewTarget()
	tgt.Regs["rip"] = 0
	tgt.Plan = []runtimetest.Event{{PC: runtimetest.AssignPC}, {PC: runtimetest.ReturnPC}}
	return runtime.New(runtimetest.Program(t), tgt, arch.AMD64), tgt
}

func TestCandidates(t *testing.T) {
	s, err := script.Load("handlers.star", handlers, nil)
	require.NoError(t, err)
	cands := s.Candidates()
	require.Len(t, cands, 2)
	assert.Equal(t, "helper", cands[0].Name)
	assert.Equal(t, "on_return", cands[1].Name)

	spec, ok := watcher.ParseSpec(cands[1].Description)
	require.True(t, ok)
	assert.Equal(t, watcher.Spec{File: "main.c", Line: 13}, spec)
	_, ok = watcher.ParseSpec(cands[0].Description)
	assert.False(t, ok)
}

func TestHandlerRuns(t *testing.T) {
	rt, tgt := setup(t)
	var out bytes.Buffer
	s, err := script.Load("handlers.star", handlers, &out)
	require.NoError(t, err)

	w := watcher.New(rt, nil)
	n, err := w.Register(s.Candidates()...)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stop, err := rt.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runtime.StopBreakpoint, stop.Reason)
	assert.Equal(t, uint64(runtimetest.ReturnPC), stop.PC)
	assert.Equal(t, 1, tgt.Resumes)
	assert.Equal(t, "x=42 line=13 pc=1014\np.x=3 p.y=4\n[\"p\", \"x\"]\n", out.String())
}

func TestHandlerError(t *testing.T) {
	rt, _ := setup(t)
	s, err := script.Load("bad.star", `
def on_return(ctx):
    """main.c:13"""
    ctx.get("nosuch")
`, nil)
	require.NoError(t, err)
	_, err = watcher.New(rt, nil).Register(s.Candidates()...)
	require.NoError(t, err)

	_, err = rt.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "on_return")
	assert.Contains(t, err.Error(), "nosuch")
}

func TestLoadError(t *testing.T) {
	_, err := script.Load("broken.star", "def f(:\n", nil)
	assert.Error(t, err)
	_, err = script.Load("fails.star", "fail(\"at load\")\n", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at load")
}
