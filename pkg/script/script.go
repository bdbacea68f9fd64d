// Package script loads breakpoint handlers written in Starlark. Every
// top-level function whose docstring starts with a position specifier
// ("path:LINE[ trailer]") becomes a watcher candidate; it is called with a
// single context argument each time its breakpoint is hit:
//
//	def on_return(ctx):
//	    """main.c:13
//	    Prints x before f returns."""
//	    print("x =", ctx.get("x"))
//
// The context exposes get(name), field(name, path), locals(), pc(), line()
// and stop().
package script

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.starlark.net/starlark"

	"github.com/undoio/dwarfscope/pkg/logflags"
	"github.com/undoio/dwarfscope/pkg/runtime"
	"github.com/undoio/dwarfscope/pkg/watcher"
)

// Script is an executed Starlark file.
type Script struct {
	Filename string

	thread  *starlark.Thread
	globals starlark.StringDict
	log     *logrus.Entry
}

// Load executes filename. When src is nil the file is read from disk,
// otherwise src (a string, []byte or io.Reader) is the program text.
// Output of print goes to out, or to the watcher log when out is nil.
func Load(filename string, src interface{}, out io.Writer) (*Script, error) {
	s := &Script{Filename: filename, log: logflags.WatcherLogger()}
	s.thread = &starlark.Thread{
		Name: filename,
		Print: func(_ *starlark.Thread, msg string) {
			if out == nil {
				s.log.Info(msg)
				return
			}
			fmt.Fprintln(out, msg)
		},
	}
	globals, err := starlark.ExecFile(s.thread, filename, src, nil)
	if err != nil {
		return nil, scriptError(err, "loading %s", filename)
	}
	s.globals = globals
	return s, nil
}

// Candidates returns the top-level functions of s, sorted by name, as
// watcher candidates. Functions without a position specifier are left to
// the watcher to skip.
func (s *Script) Candidates() []watcher.Candidate {
	var cands []watcher.Candidate
	for _, name := range s.globals.Keys() {
		fn, ok := s.globals[name].(*starlark.Function)
		if !ok {
			continue
		}
		cands = append(cands, watcher.Candidate{
			Name:        name,
			Description: fn.Doc(),
			Handler:     &handler{script: s, fn: fn},
		})
	}
	return cands
}

type handler struct {
	script *Script
	fn     *starlark.Function
}

func (h *handler) Hit(rt *runtime.Runtime, bp *runtime.Breakpoint) error {
	ctx := &hitContext{rt: rt, bp: bp}
	_, err := starlark.Call(h.script.thread, h.fn, starlark.Tuple{ctx}, nil)
	if err != nil {
		return scriptError(err, "%s at %s", h.fn.Name(), bp)
	}
	return nil
}

func (h *handler) Removed(rt *runtime.Runtime, bp *runtime.Breakpoint) {
	h.script.log.Debugf("%s removed from %s", h.fn.Name(), bp)
}

func scriptError(err error, format string, args ...interface{}) error {
	if ee, ok := err.(*starlark.EvalError); ok {
		return errors.Wrapf(errors.New(ee.Backtrace()), format, args...)
	}
	return errors.Wrapf(err, format, args...)
}
