package symbols

import (
	"debug/dwarf"
	"fmt"
	"sort"

	"github.com/pkg/errors"

	pdwarf "github.com/undoio/dwarfscope/pkg/dwarf"
	"github.com/undoio/dwarfscope/pkg/errs"
	"github.com/undoio/dwarfscope/pkg/expr"
)

// Subprogram is a function with code.
type Subprogram struct {
	Name     string
	Offset   dwarf.Offset
	Unit     *pdwarf.Unit
	Ranges   [][2]uint64
	DeclFile string
	DeclLine int
	External bool

	cache *Cache
	entry *dwarf.Entry
	// decl carries the name and type; it differs from entry for
	// out-of-line definitions of declared functions.
	declUnit *pdwarf.Unit
	decl     *dwarf.Entry

	linesDone bool
	linesErr  error
	lines     []pdwarf.LineEntry
	lineAddrs map[int][]uint64
	prologue  []uint64
	epilogue  []uint64

	locals     []*Datum
	byName     map[string][]*Datum
	localsDone bool
	localsErr  error
}

func newSubprogram(c *Cache, u *pdwarf.Unit, e *dwarf.Entry) (*Subprogram, error) {
	s := &Subprogram{Offset: e.Offset, Unit: u, cache: c, entry: e}
	du, decl, err := c.declOf(u, e)
	if err != nil {
		return nil, err
	}
	s.declUnit, s.decl = du, decl
	s.Name, _ = e.Val(dwarf.AttrName).(string)
	if s.Name == "" {
		s.Name, _ = decl.Val(dwarf.AttrName).(string)
	}
	s.External, _ = decl.Val(dwarf.AttrExternal).(bool)
	line, _ := decl.Val(dwarf.AttrDeclLine).(int64)
	s.DeclLine = int(line)
	if idx, ok := decl.Val(dwarf.AttrDeclFile).(int64); ok {
		s.DeclFile = du.FileName(idx)
	}
	s.Ranges, err = c.Info.Data().Ranges(e)
	if err != nil {
		return nil, errors.Wrapf(err, "ranges of subprogram %s", s.Name)
	}
	return s, nil
}

func (s *Subprogram) String() string {
	if len(s.Ranges) == 0 {
		return s.Name
	}
	return fmt.Sprintf("%s@%#x", s.Name, s.Ranges[0][0])
}

// Entry returns the debug entry of s.
func (s *Subprogram) Entry() *dwarf.Entry {
	return s.entry
}

// Contains reports whether addr belongs to s.
func (s *Subprogram) Contains(addr uint64) bool {
	for _, r := range s.Ranges {
		if addr >= r[0] && addr < r[1] {
			return true
		}
	}
	return false
}

// LowPC returns the lowest address of s.
func (s *Subprogram) LowPC() uint64 {
	if len(s.Ranges) == 0 {
		return 0
	}
	low := s.Ranges[0][0]
	for _, r := range s.Ranges[1:] {
		if r[0] < low {
			low = r[0]
		}
	}
	return low
}

// ReturnType returns the type s returns, void when it returns nothing.
func (s *Subprogram) ReturnType() (*Type, error) {
	return s.cache.typeAttr(s.declUnit, s.decl)
}

// FrameBase returns the DW_AT_frame_base expression of s.
func (s *Subprogram) FrameBase() (*expr.Expr, error) {
	af := s.entry.AttrField(dwarf.AttrFrameBase)
	if af == nil {
		return nil, errs.NotFound("frame base of subprogram", s.Name)
	}
	switch af.Class {
	case dwarf.ClassExprLoc, dwarf.ClassBlock:
		return expr.Build(af.Val.([]byte), s.cache.exprOptions())
	}
	return nil, errs.NotImplemented("frame base of class %v in %s", af.Class, s.Name)
}

// deriveLines clips the line program of the unit to s. Lines are taken
// from the declaration line onward and the walk stops at the first line
// none of whose rows fall inside s.
func (s *Subprogram) deriveLines() error {
	if s.linesDone {
		return s.linesErr
	}
	all, err := s.Unit.Lines()
	if err != nil {
		s.linesErr = err
		s.linesDone = true
		return err
	}
	file := s.DeclFile
	if file == "" {
		file = s.Unit.Path()
	}

	byLine := make(map[int][]int)
	maxLine := 0
	start := s.DeclLine
	for i := range all {
		le := &all[i]
		if le.EndSequence || le.File != file {
			continue
		}
		byLine[le.Line] = append(byLine[le.Line], i)
		if le.Line > maxLine {
			maxLine = le.Line
		}
		if s.DeclLine == 0 && s.Contains(le.Address) && (start == 0 || le.Line < start) {
			start = le.Line
		}
	}

	var kept []pdwarf.LineEntry
	for line := start; line > 0 && line <= maxLine; line++ {
		rows := byLine[line]
		if len(rows) == 0 {
			continue
		}
		var in []pdwarf.LineEntry
		for _, i := range rows {
			if s.Contains(all[i].Address) {
				in = append(in, all[i])
			}
		}
		if len(in) == 0 {
			break
		}
		kept = append(kept, in...)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Address < kept[j].Address })

	s.lineAddrs = make(map[int][]uint64)
	prev := -1
	for _, le := range kept {
		if le.IsStmt && le.Line != prev {
			s.lineAddrs[le.Line] = append(s.lineAddrs[le.Line], le.Address)
		}
		prev = le.Line
		if le.PrologueEnd {
			s.prologue = append(s.prologue, le.Address)
		}
		if le.EpilogueBegin {
			s.epilogue = append(s.epilogue, le.Address)
		}
	}
	if len(kept) > 0 {
		if len(s.prologue) == 0 {
			s.prologue = []uint64{kept[0].Address}
		}
		if len(s.epilogue) == 0 {
			s.epilogue = []uint64{kept[len(kept)-1].Address}
		}
	}
	s.lines = kept
	s.linesDone = true
	return nil
}

// Lines returns the line rows of s in address order.
func (s *Subprogram) Lines() ([]pdwarf.LineEntry, error) {
	if err := s.deriveLines(); err != nil {
		return nil, err
	}
	return s.lines, nil
}

// AddrsForLine returns the addresses where code for line of s starts.
func (s *Subprogram) AddrsForLine(line int) ([]uint64, error) {
	if err := s.deriveLines(); err != nil {
		return nil, err
	}
	addrs := s.lineAddrs[line]
	if len(addrs) == 0 {
		return nil, errs.NotFound(fmt.Sprintf("line of %s", s.Name), fmt.Sprint(line))
	}
	return addrs, nil
}

// Prologue returns the addresses where the prologue of s ends. Without
// prologue_end rows this is the first row of s.
func (s *Subprogram) Prologue() ([]uint64, error) {
	if err := s.deriveLines(); err != nil {
		return nil, err
	}
	return s.prologue, nil
}

// Epilogue returns the addresses where the epilogue of s begins. Without
// epilogue_begin rows this is the last row of s.
func (s *Subprogram) Epilogue() ([]uint64, error) {
	if err := s.deriveLines(); err != nil {
		return nil, err
	}
	return s.epilogue, nil
}

func (s *Subprogram) readLocals() error {
	if s.localsDone {
		return s.localsErr
	}
	s.byName = make(map[string][]*Datum)
	err := s.walkLocals(s.entry, nil, 0)
	if err != nil {
		s.locals, s.byName = nil, nil
		return err
	}
	s.localsDone = true
	return nil
}

func (s *Subprogram) walkLocals(e *dwarf.Entry, ranges [][2]uint64, depth int) error {
	children, err := s.Unit.ChildrenOf(e)
	if err != nil {
		return err
	}
	for _, ch := range children {
		switch ch.Tag {
		case dwarf.TagFormalParameter, dwarf.TagVariable, dwarf.TagConstant:
			d, err := newDatum(s.cache, s.Unit, ch, s)
			if err != nil {
				return err
			}
			d.Ranges, d.depth = ranges, depth
			s.locals = append(s.locals, d)
			s.byName[d.Name] = append(s.byName[d.Name], d)
		case dwarf.TagLexDwarfBlock:
			r, err := s.cache.Info.Data().Ranges(ch)
			if err != nil {
				return errors.Wrapf(err, "ranges of block at %#x", ch.Offset)
			}
			if err := s.walkLocals(ch, r, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// Locals returns the parameters and local variables of s in declaration
// order, including those of nested blocks.
func (s *Subprogram) Locals() ([]*Datum, error) {
	if err := s.readLocals(); err != nil {
		return nil, err
	}
	return s.locals, nil
}

// Local returns the datum called name visible at pc. A datum of an inner
// block shadows those of enclosing ones.
func (s *Subprogram) Local(name string, pc uint64) (*Datum, error) {
	if err := s.readLocals(); err != nil {
		return nil, err
	}
	var best *Datum
	for _, d := range s.byName[name] {
		if d.Visible(pc) && (best == nil || d.depth > best.depth) {
			best = d
		}
	}
	if best == nil {
		return nil, errs.NotFound(fmt.Sprintf("local of %s", s.Name), name)
	}
	return best, nil
}

// LocalsAt returns the data visible at pc, in declaration order, without
// the shadowed ones.
func (s *Subprogram) LocalsAt(pc uint64) ([]*Datum, error) {
	if err := s.readLocals(); err != nil {
		return nil, err
	}
	var out []*Datum
	for _, d := range s.locals {
		if best, err := s.Local(d.Name, pc); err == nil && best == d {
			out = append(out, d)
		}
	}
	return out, nil
}
