package terminal

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undoio/dwarfscope/pkg/arch"
	"github.com/undoio/dwarfscope/pkg/config"
	"github.com/undoio/dwarfscope/pkg/runtime"
	"github.com/undoio/dwarfscope/pkg/runtime/runtimetest"
	"github.com/undoio/dwarfscope/pkg/watcher"
)

type detacher struct {
	calls int
	kill  bool
}

func (d *detacher) Detach(kill bool) error {
	d.calls++
	d.kill = kill
	return nil
}

func newTestTerm(t *testing.T) (*Term, *runtimetest.Target, *bytes.Buffer, *detacher) {
	t.Helper()
	tgt := runtimetest.NewTarget()
	rt := runtime.New(runtimetest.Program(t), tgt, arch.AMD64)
	out := &bytes.Buffer{}
	d := &detacher{}
	term := &Term{
		rt:       rt,
		w:        watcher.New(rt, nil),
		detacher: d,
		conf:     config.Default(),
		cmds:     DebugCommands(),
		stdout:   out,
	}
	return term, tgt, out, d
}

func TestSplitArgs(t *testing.T) {
	words, err := splitArgs(`print "p.x"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"print", "p.x"}, words)

	for _, blank := range []string{"", "   ", "\t\n"} {
		words, err = splitArgs(blank)
		require.NoError(t, err, "%q", blank)
		assert.Empty(t, words)
	}

	_, err = splitArgs("print x | grep 1")
	assert.Error(t, err)
}

func TestPrintAndLocals(t *testing.T) {
	term, _, out, _ := newTestTerm(t)

	require.NoError(t, term.Exec("  "))
	assert.Empty(t, out.String())

	require.NoError(t, term.Exec("print x"))
	assert.Equal(t, "42\n", out.String())

	out.Reset()
	require.NoError(t, term.Exec("p p.y"))
	assert.Equal(t, "4\n", out.String())

	out.Reset()
	require.NoError(t, term.Exec("locals"))
	assert.Contains(t, out.String(), "x = 42\n")
	assert.Contains(t, out.String(), "p = ")

	assert.Error(t, term.Exec("print nosuch"))
	assert.Equal(t, errNoCmd, term.Exec("frobnicate"))
}

func TestWhereAndExamine(t *testing.T) {
	term, _, out, _ := newTestTerm(t)

	require.NoError(t, term.Exec("where"))
	assert.Equal(t, "> /work/src/main.c:13 (0x1014) f\n", out.String())

	out.Reset()
	require.NoError(t, term.Exec(fmt.Sprintf("x %#x 4", runtimetest.XAddr)))
	assert.Equal(t, fmt.Sprintf("%#x: 2a 00 00 00\n", runtimetest.XAddr), out.String())

	out.Reset()
	require.NoError(t, term.Exec("x"))
	assert.Contains(t, out.String(), "(3 bytes)")

	assert.Error(t, term.Exec("x nothex"))
}

func TestBreakContinue(t *testing.T) {
	term, tgt, out, _ := newTestTerm(t)
	tgt.Plan = []runtimetest.Event{{PC: runtimetest.CounterPC}}

	require.NoError(t, term.Exec("break main.c:22"))
	assert.Contains(t, out.String(), "Breakpoint 1 at 0x1050")
	assert.True(t, tgt.Breakpoints[runtimetest.CounterPC])

	out.Reset()
	require.NoError(t, term.Exec("continue"))
	assert.Contains(t, out.String(), "hit 1")
	assert.Contains(t, out.String(), "> /work/src/main.c:22 (0x1050) main\n")

	out.Reset()
	require.NoError(t, term.Exec("bp"))
	assert.Contains(t, out.String(), "hits=1")

	require.NoError(t, term.Exec("clear 1"))
	assert.False(t, tgt.Breakpoints[runtimetest.CounterPC])
	assert.Error(t, term.Exec("clear 1"))

	out.Reset()
	require.NoError(t, term.Exec("c"))
	assert.Equal(t, "Process exited with status 0\n", out.String())
}

func TestSource(t *testing.T) {
	term, tgt, out, _ := newTestTerm(t)
	tgt.Regs["rip"] = 0
	tgt.Plan = []runtimetest.Event{{PC: runtimetest.ReturnPC}}

	path := filepath.Join(t.TempDir(), "handlers.star")
	require.NoError(t, os.WriteFile(path, []byte(`
def show_x(ctx):
    """main.c:13"""
    print("x is", ctx.get("x"))
    ctx.stop()
`), 0o644))

	require.NoError(t, term.Exec("source "+path))
	assert.Contains(t, out.String(), "1 handlers registered")

	out.Reset()
	require.NoError(t, term.Exec("continue"))
	assert.Contains(t, out.String(), "x is 42\n")
}

func TestExitAndHelp(t *testing.T) {
	term, _, out, d := newTestTerm(t)

	require.NoError(t, term.Exec("help"))
	assert.Contains(t, out.String(), "continue (alias: c)")

	out.Reset()
	require.NoError(t, term.Exec("help bt"))
	assert.Contains(t, out.String(), "Print stack trace.")

	assert.Equal(t, ErrExit, term.Exec("exit -k"))
	assert.Equal(t, 1, d.calls)
	assert.True(t, d.kill)

	var md bytes.Buffer
	DebugCommands().WriteMarkdown(&md)
	assert.Contains(t, md.String(), "## source\n")
	assert.Contains(t, md.String(), "Aliases: quit q")
}
