package location

import (
	"fmt"

	"github.com/undoio/dwarfscope/pkg/errs"
	"github.com/undoio/dwarfscope/pkg/symbols"
)

// Location represents a position in the debugged program.
// Holds information on the instruction address,
// the source file:line, and the subprogram.
type Location struct {
	PC   uint64
	File string
	Line int
	Fn   *symbols.Subprogram
}

func New(pc uint64, f string, l int, fn *symbols.Subprogram) Location {
	return Location{PC: pc, File: f, Line: l, Fn: fn}
}

// Unknown is the location of an address without debug information.
func Unknown(pc uint64) Location {
	return Location{PC: pc, File: "?", Line: -1}
}

func (l *Location) String() string {
	s := fmt.Sprintf("%s:%d (%#x)", l.File, l.Line, l.PC)
	if l.Fn != nil {
		s = fmt.Sprintf("%s %s", s, l.Fn.Name)
	}
	return s
}

// Resolve returns the location of pc. A missing line row or subprogram
// leaves the corresponding fields unknown; only an address with neither
// is not found.
func Resolve(cache *symbols.Cache, pc uint64) (Location, error) {
	loc := Unknown(pc)
	le, lerr := cache.Info.LineForAddr(pc)
	if lerr == nil {
		loc.File, loc.Line = le.File, le.Line
	} else if !errs.IsNotFound(lerr) {
		return loc, lerr
	}
	fn, ferr := cache.Subprogram(pc)
	if ferr == nil {
		loc.Fn = fn
	} else if !errs.IsNotFound(ferr) {
		return loc, ferr
	}
	if lerr != nil && ferr != nil {
		return loc, errs.NotFound("location", fmt.Sprintf("%#x", pc))
	}
	return loc, nil
}
