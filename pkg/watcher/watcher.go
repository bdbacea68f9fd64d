// Package watcher registers breakpoint handlers declaratively: each
// candidate carries a position specifier "path:LINE[ trailer]" on the first
// line of its description and is attached at every address of that line.
package watcher

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/undoio/dwarfscope/pkg/logflags"
	"github.com/undoio/dwarfscope/pkg/runtime"
)

var specRe = regexp.MustCompile(`^(\S+):(\d+)(?:\s+(.*?))?\s*$`)

// Spec is a parsed position specifier.
type Spec struct {
	File    string
	Line    int
	Trailer string
}

func (s Spec) String() string {
	if s.Trailer == "" {
		return fmt.Sprintf("%s:%d", s.File, s.Line)
	}
	return fmt.Sprintf("%s:%d %s", s.File, s.Line, s.Trailer)
}

// ParseSpec extracts the position specifier from the first line of desc.
// ok is false when the line is not a specifier.
func ParseSpec(desc string) (spec Spec, ok bool) {
	first := strings.TrimSpace(desc)
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = strings.TrimSpace(first[:i])
	}
	m := specRe.FindStringSubmatch(first)
	if m == nil {
		return Spec{}, false
	}
	line, err := strconv.Atoi(m[2])
	if err != nil || line <= 0 {
		return Spec{}, false
	}
	return Spec{File: m[1], Line: line, Trailer: m[3]}, true
}

// Candidate is a handler offered to the watcher.
type Candidate struct {
	Name        string
	Description string
	Handler     runtime.Handler
}

// Watcher attaches candidates to a runtime.
type Watcher struct {
	rt       *runtime.Runtime
	adjuster LineAdjuster
	log      *logrus.Entry

	registered map[string][]*runtime.Registration
}

// New returns a watcher over rt. A nil adjuster leaves lines unchanged.
func New(rt *runtime.Runtime, adjuster LineAdjuster) *Watcher {
	if adjuster == nil {
		adjuster = Identity()
	}
	return &Watcher{
		rt:         rt,
		adjuster:   adjuster,
		log:        logflags.WatcherLogger(),
		registered: make(map[string][]*runtime.Registration),
	}
}

// Register attaches every candidate that has a position specifier and
// returns the number attached. Candidates without one are skipped. On error
// the candidates attached by this call are detached again.
func (w *Watcher) Register(cands ...Candidate) (int, error) {
	var done []string
	rollback := func() {
		for _, name := range done {
			w.unregister(name, false)
		}
	}
	for _, c := range cands {
		spec, ok := ParseSpec(c.Description)
		if !ok {
			w.log.Debugf("skipping %s: no position specifier", c.Name)
			continue
		}
		if _, dup := w.registered[c.Name]; dup {
			rollback()
			return 0, fmt.Errorf("handler %s already registered", c.Name)
		}
		file, line := spec.File, spec.Line
		if spec.Trailer != "" {
			var err error
			file, line, err = w.adjuster.Adjust(spec.File, spec.Line, spec.Trailer)
			if err != nil {
				rollback()
				return 0, errors.Wrapf(err, "adjusting %s for %s", spec, c.Name)
			}
		}
		regs, err := w.rt.BreakAt(file, line, c.Handler)
		if err != nil {
			rollback()
			return 0, errors.Wrapf(err, "registering %s at %s", c.Name, spec)
		}
		w.log.Debugf("registered %s at %s:%d (%d addresses)", c.Name, file, line, len(regs))
		w.registered[c.Name] = regs
		done = append(done, c.Name)
	}
	return len(done), nil
}

// Unregister detaches the candidate called name, notifying its handler.
func (w *Watcher) Unregister(name string) error {
	if _, ok := w.registered[name]; !ok {
		return fmt.Errorf("handler %s not registered", name)
	}
	return w.unregister(name, true)
}

func (w *Watcher) unregister(name string, notify bool) error {
	var first error
	// the handler hears about its removal once, not once per address
	for _, r := range w.registered[name] {
		if !r.Active() {
			continue
		}
		var err error
		if notify {
			err = w.rt.Remove(r)
			notify = false
		} else {
			err = w.rt.RemoveQuiet(r)
		}
		if err != nil && first == nil {
			first = err
		}
	}
	delete(w.registered, name)
	return first
}

// Registered returns the names of the attached candidates, sorted.
func (w *Watcher) Registered() []string {
	names := make([]string, 0, len(w.registered))
	for name := range w.registered {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registrations returns the registrations of the candidate called name.
func (w *Watcher) Registrations(name string) []*runtime.Registration {
	return w.registered[name]
}
