package watcher_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undoio/dwarfscope/pkg/arch"
	"github.com/undoio/dwarfscope/pkg/config"
	"github.com/undoio/dwarfscope/pkg/errs"
	"github.com/undoio/dwarfscope/pkg/runtime"
	"github.com/undoio/dwarfscope/pkg/runtime/runtimetest"
	"github.com/undoio/dwarfscope/pkg/watcher"
)

func TestParseSpec(t *testing.T) {
	for _, tc := range []struct {
		desc string
		ok   bool
		want watcher.Spec
	}{
		{"main.c:13", true, watcher.Spec{File: "main.c", Line: 13}},
		{"  src/main.c:13 v2  \nprints x", true, watcher.Spec{File: "src/main.c", Line: 13, Trailer: "v2"}},
		{"hw/core/qdev.c:1021 qemu-7.2 extra", true, watcher.Spec{File: "hw/core/qdev.c", Line: 1021, Trailer: "qemu-7.2 extra"}},
		{"/abs/main.c:1", true, watcher.Spec{File: "/abs/main.c", Line: 1}},
		{"prints x\nmain.c:13", false, watcher.Spec{}},
		{"main.c:0", false, watcher.Spec{}},
		{"main.c:", false, watcher.Spec{}},
		{"", false, watcher.Spec{}},
	} {
		got, ok := watcher.ParseSpec(tc.desc)
		assert.Equal(t, tc.ok, ok, tc.desc)
		assert.Equal(t, tc.want, got, tc.desc)
	}
	assert.Equal(t, "main.c:13 v2", watcher.Spec{File: "main.c", Line: 13, Trailer: "v2"}.String())
}

func TestAdjusters(t *testing.T) {
	id := watcher.Identity()
	file, line, err := id.Adjust("main.c", 42, "anything")
	require.NoError(t, err)
	assert.Equal(t, "main.c", file)
	assert.Equal(t, 42, line)

	ra, err := watcher.FromConfig([]config.LineAdjustment{
		{File: "src/main.c", Tag: "v2", Ranges: []config.LineRange{
			{From: 20, To: 30, Delta: -8},
			{From: 25, To: 25, Delta: 2},
		}},
		{File: "lib/util.c", Tag: "v2", Ranges: []config.LineRange{{From: 1, To: 5, Delta: -3}}},
		{File: "lib/helpers.c", Tag: "v2", RenamedTo: "lib/util.c", Ranges: []config.LineRange{{From: 10, To: 10, Delta: 5}}},
	})
	require.NoError(t, err)

	for _, tc := range []struct {
		file     string
		line     int
		wantFile string
		want     int
	}{
		{"main.c", 19, "main.c", 19},
		{"main.c", 20, "main.c", 12},
		{"src/main.c", 24, "src/main.c", 16},
		{"main.c", 25, "main.c", 27},
		{"main.c", 26, "main.c", 18},
		{"main.c", 31, "main.c", 31},
		{"other.c", 22, "other.c", 22},
		{"util.c", 4, "util.c", 1},
		{"helpers.c", 10, "lib/util.c", 15},
		{"helpers.c", 11, "lib/util.c", 11},
	} {
		gotFile, got, err := ra.Adjust(tc.file, tc.line, "v2")
		require.NoError(t, err, "%s:%d", tc.file, tc.line)
		assert.Equal(t, tc.wantFile, gotFile, "%s:%d", tc.file, tc.line)
		assert.Equal(t, tc.want, got, "%s:%d", tc.file, tc.line)
	}

	_, _, err = ra.Adjust("util.c", 2, "v2")
	assert.Error(t, err)
	_, _, err = ra.Adjust("main.c", 20, "v3")
	assert.True(t, errs.IsNotFound(err))

	_, err = watcher.FromConfig([]config.LineAdjustment{{File: "main.c", Tag: "v2", Ranges: []config.LineRange{{From: 5, To: 4}}}})
	assert.Error(t, err)
	_, err = watcher.FromConfig([]config.LineAdjustment{{File: "main.c"}})
	assert.Error(t, err)
}

type handler struct {
	hits    int
	removed int
	x       int64
}

func (h *handler) Hit(rt *runtime.Runtime, bp *runtime.Breakpoint) error {
	h.hits++
	v, err := rt.Lookup("x")
	if err != nil {
		return err
	}
	h.x, err = v.Int()
	return err
}

func (h *handler) Removed(rt *runtime.Runtime, bp *runtime.Breakpoint) {
	h.removed++
}

func setup(t *testing.T) (*runtime.Runtime, *runtimetest.Target) {
	t.Helper()
	tgt := runtimetest.NewTarget()
	return runtime.New(runtimetest.Program(t), tgt, arch.AMD64), tgt
}

func TestRegister(t *testing.T) {
	rt, tgt := setup(t)
	tgt.Regs["rip"] = 0
	tgt.Plan = []runtimetest.Event{{PC: runtimetest.AssignPC}, {PC: runtimetest.ReturnPC}}
	w := watcher.New(rt, nil)

	h := &handler{}
	n, err := w.Register(
		watcher.Candidate{Name: "onReturn", Description: "main.c:13\nreads x before it is returned", Handler: h},
		watcher.Candidate{Name: "helper", Description: "not a breakpoint handler", Handler: &handler{}},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"onReturn"}, w.Registered())
	assert.True(t, tgt.Breakpoints[runtimetest.ReturnPC])
	require.Len(t, w.Registrations("onReturn"), 1)

	_, err = rt.Continue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.hits)
	assert.Equal(t, int64(42), h.x)

	_, err = w.Register(watcher.Candidate{Name: "onReturn", Description: "main.c:12", Handler: h})
	assert.Error(t, err)
	assert.False(t, tgt.Breakpoints[runtimetest.AssignPC])

	require.NoError(t, w.Unregister("onReturn"))
	assert.Equal(t, 1, h.removed)
	assert.False(t, tgt.Breakpoints[runtimetest.ReturnPC])
	assert.Empty(t, w.Registered())
	assert.Error(t, w.Unregister("onReturn"))
}

func TestRegisterAdjusted(t *testing.T) {
	rt, tgt := setup(t)
	ra, err := watcher.FromConfig([]config.LineAdjustment{
		{File: "src/main.c", Tag: "v2", Ranges: []config.LineRange{{From: 20, To: 30, Delta: -8}}},
	})
	require.NoError(t, err)
	w := watcher.New(rt, ra)

	n, err := w.Register(watcher.Candidate{Name: "shifted", Description: "main.c:21 v2", Handler: &handler{}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, tgt.Breakpoints[runtimetest.ReturnPC])
}

func TestRegisterRenamedFile(t *testing.T) {
	rt, tgt := setup(t)
	ra, err := watcher.FromConfig([]config.LineAdjustment{
		{File: "old/legacy.c", Tag: "v1", RenamedTo: "src/main.c", Ranges: []config.LineRange{{From: 30, To: 30, Delta: -17}}},
	})
	require.NoError(t, err)
	w := watcher.New(rt, ra)

	_, err = w.Register(watcher.Candidate{Name: "unadjusted", Description: "legacy.c:30", Handler: &handler{}})
	assert.True(t, errs.IsNotFound(err), "%v", err)

	n, err := w.Register(watcher.Candidate{Name: "moved", Description: "legacy.c:30 v1", Handler: &handler{}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, tgt.Breakpoints[runtimetest.ReturnPC])
}

func TestRegisterRollsBack(t *testing.T) {
	rt, tgt := setup(t)
	h := &handler{}
	w := watcher.New(rt, nil)
	_, err := w.Register(
		watcher.Candidate{Name: "good", Description: "main.c:12", Handler: h},
		watcher.Candidate{Name: "bad", Description: "main.c:99", Handler: h},
	)
	assert.True(t, errs.IsNotFound(err), "%v", err)
	assert.Empty(t, tgt.Breakpoints)
	assert.Empty(t, w.Registered())
	assert.Zero(t, h.removed)

	_, err = w.Register(watcher.Candidate{Name: "nofile", Description: "nosuch.c:12", Handler: h})
	assert.True(t, errs.IsNotFound(err), "%v", err)
}
