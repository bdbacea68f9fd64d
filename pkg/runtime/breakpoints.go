package runtime

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/undoio/dwarfscope/pkg/errs"
)

// Handler is called when the target stops at a breakpoint it is
// registered at. Returning an error stops Run.
type Handler interface {
	Hit(rt *Runtime, bp *Breakpoint) error
}

// Remover is implemented by handlers that want to know when they are
// detached by Remove.
type Remover interface {
	Removed(rt *Runtime, bp *Breakpoint)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(rt *Runtime, bp *Breakpoint) error

func (f HandlerFunc) Hit(rt *Runtime, bp *Breakpoint) error { return f(rt, bp) }

// Registration is one handler attached to one address.
type Registration struct {
	Handler Handler
	bp      *Breakpoint
	active  bool
}

// Breakpoint returns the breakpoint r is attached to.
func (r *Registration) Breakpoint() *Breakpoint { return r.bp }

// Active reports whether r is still attached.
func (r *Registration) Active() bool { return r.active }

// Represents a single breakpoint. Stores the source position of the
// address and the handlers registered there. A breakpoint exists in the
// target exactly as long as it has handlers.
type Breakpoint struct {
	FunctionName string
	File         string
	Line         int
	Addr         uint64
	ID           int
	HitCount     int

	handlers []*Registration
}

func (bp *Breakpoint) String() string {
	return fmt.Sprintf("Breakpoint %d at %#x %s:%d", bp.ID, bp.Addr, bp.File, bp.Line)
}

// Handlers returns the number of handlers registered at bp.
func (bp *Breakpoint) Handlers() int { return len(bp.handlers) }

// Registrations returns the handlers registered at bp.
func (bp *Breakpoint) Registrations() []*Registration {
	return append([]*Registration(nil), bp.handlers...)
}

// InvalidAddressError represents the result of
// attempting to set a breakpoint at an address without code.
type InvalidAddressError struct {
	address uint64
}

func (iae InvalidAddressError) Error() string {
	return fmt.Sprintf("Invalid address %#x", iae.address)
}

// NoBreakpointError is returned when removing a registration that is not
// attached.
type NoBreakpointError struct {
	addr uint64
}

func (nbe NoBreakpointError) Error() string {
	return fmt.Sprintf("No breakpoint currently set for %#x", nbe.addr)
}

// Break registers h at addr, setting the target breakpoint when addr had no
// handler yet.
func (rt *Runtime) Break(addr uint64, h Handler) (*Registration, error) {
	bp, ok := rt.breakpoints[addr]
	if !ok {
		fn, err := rt.cache.Subprogram(addr)
		if err != nil {
			if errs.IsNotFound(err) {
				return nil, InvalidAddressError{address: addr}
			}
			return nil, err
		}
		if err := rt.target.SetBreakpoint(addr); err != nil {
			return nil, errors.Wrapf(err, "could not set breakpoint at %#x", addr)
		}
		rt.nextID++
		bp = &Breakpoint{FunctionName: fn.Name, File: "?", Line: -1, Addr: addr, ID: rt.nextID}
		if le, err := rt.cache.Info.LineForAddr(addr); err == nil {
			bp.File, bp.Line = le.File, le.Line
		}
		rt.breakpoints[addr] = bp
		rt.log.Debugf("set %s", bp)
	}
	r := &Registration{Handler: h, bp: bp, active: true}
	bp.handlers = append(bp.handlers, r)
	return r, nil
}

// BreakAt registers h at every address of file:line.
func (rt *Runtime) BreakAt(file string, line int, h Handler) ([]*Registration, error) {
	addrs, err := rt.cache.Info.AddrsForLine(file, line)
	if err != nil {
		return nil, err
	}
	regs := make([]*Registration, 0, len(addrs))
	for _, addr := range addrs {
		r, err := rt.Break(addr, h)
		if err != nil {
			for _, r := range regs {
				rt.RemoveQuiet(r)
			}
			return nil, err
		}
		regs = append(regs, r)
	}
	return regs, nil
}

// Remove detaches r and notifies its handler if it implements Remover.
func (rt *Runtime) Remove(r *Registration) error {
	if err := rt.detach(r); err != nil {
		return err
	}
	if rm, ok := r.Handler.(Remover); ok {
		rm.Removed(rt, r.bp)
	}
	return nil
}

// RemoveQuiet detaches r without notifying its handler.
func (rt *Runtime) RemoveQuiet(r *Registration) error {
	return rt.detach(r)
}

func (rt *Runtime) detach(r *Registration) error {
	bp := r.bp
	if !r.active || rt.breakpoints[bp.Addr] != bp {
		return NoBreakpointError{addr: bp.Addr}
	}
	r.active = false
	for i, h := range bp.handlers {
		if h == r {
			bp.handlers = append(bp.handlers[:i], bp.handlers[i+1:]...)
			break
		}
	}
	if len(bp.handlers) > 0 {
		return nil
	}
	delete(rt.breakpoints, bp.Addr)
	rt.log.Debugf("clear %s", bp)
	if rt.exited {
		return nil
	}
	return rt.target.ClearBreakpoint(bp.Addr)
}

// RemoveAll quietly detaches every handler and clears every target
// breakpoint.
func (rt *Runtime) RemoveAll() error {
	var first error
	for _, bp := range rt.Breakpoints() {
		for _, r := range append([]*Registration(nil), bp.handlers...) {
			if err := rt.detach(r); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// BreakpointAt returns the armed breakpoint at addr.
func (rt *Runtime) BreakpointAt(addr uint64) (*Breakpoint, bool) {
	bp, ok := rt.breakpoints[addr]
	return bp, ok
}

// Breakpoints returns the armed breakpoints sorted by ID.
func (rt *Runtime) Breakpoints() []*Breakpoint {
	r := make([]*Breakpoint, 0, len(rt.breakpoints))
	for _, bp := range rt.breakpoints {
		r = append(r, bp)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r
}

// dispatch calls every handler registered at bp. Handlers removed by an
// earlier handler of the same hit are skipped.
func (rt *Runtime) dispatch(bp *Breakpoint) error {
	bp.HitCount++
	for _, r := range append([]*Registration(nil), bp.handlers...) {
		if !r.active {
			continue
		}
		if err := r.Handler.Hit(rt, bp); err != nil {
			return err
		}
	}
	return nil
}
