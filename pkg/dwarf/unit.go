package dwarf

import (
	"debug/dwarf"
	"fmt"
	"io"
	"path"
	"sort"

	"github.com/pkg/errors"

	"github.com/undoio/dwarfscope/pkg/errs"
	"github.com/undoio/dwarfscope/pkg/intervalmap"
	"github.com/undoio/dwarfscope/pkg/suffixtrie"
)

// Unit is a compilation unit. Only its root entry is read when it is
// loaded; line programs and top-level children are read on first use.
type Unit struct {
	Index       int
	Offset      dwarf.Offset
	End         dwarf.Offset
	Version     int
	AddressSize int

	Entry    *dwarf.Entry
	Name     string
	CompDir  string
	Producer string
	Language int64
	Ranges   [][2]uint64

	info *Info

	lines     []LineEntry
	fileNames []string
	lineMap   intervalmap.Map[*LineEntry]
	linesRead bool
	linesErr  error

	children     []*dwarf.Entry
	childrenRead bool
}

// LineEntry is a row of a line program.
type LineEntry struct {
	Address       uint64
	File          string
	Line          int
	IsStmt        bool
	PrologueEnd   bool
	EpilogueBegin bool
	EndSequence   bool
}

func (le *LineEntry) String() string {
	return fmt.Sprintf("%s:%d (%#x)", le.File, le.Line, le.Address)
}

// Path returns the unit name, made absolute with the compilation directory.
func (u *Unit) Path() string {
	if path.IsAbs(u.Name) || u.CompDir == "" {
		return u.Name
	}
	return path.Join(u.CompDir, u.Name)
}

func (u *Unit) String() string {
	return fmt.Sprintf("unit #%d %s", u.Index, u.Path())
}

// Info returns the index u belongs to.
func (u *Unit) Info() *Info {
	return u.info
}

// Contains reports whether the .debug_info offset off belongs to u.
func (u *Unit) Contains(off dwarf.Offset) bool {
	return off >= u.Offset && off < u.End
}

// ContainsAddr reports whether one of the ranges of u covers addr.
func (u *Unit) ContainsAddr(addr uint64) bool {
	for _, r := range u.Ranges {
		if addr >= r[0] && addr < r[1] {
			return true
		}
	}
	return false
}

// Reader returns a reader positioned on the root entry of u.
func (u *Unit) Reader() *dwarf.Reader {
	r := u.info.data.Reader()
	r.Seek(u.Entry.Offset)
	return r
}

// EntryAt reads the entry of u at off.
func (u *Unit) EntryAt(off dwarf.Offset) (*dwarf.Entry, error) {
	if !u.Contains(off) {
		return nil, errs.NotFound(fmt.Sprintf("entry of %s", u), fmt.Sprintf("%#x", off))
	}
	r := u.info.data.Reader()
	r.Seek(off)
	e, err := r.Next()
	if err != nil {
		return nil, errors.Wrapf(err, "dwarf: reading entry at %#x", off)
	}
	if e == nil {
		return nil, errs.NotFound(fmt.Sprintf("entry of %s", u), fmt.Sprintf("%#x", off))
	}
	return e, nil
}

// Children returns the top-level entries of u without their subtrees.
func (u *Unit) Children() ([]*dwarf.Entry, error) {
	if u.childrenRead {
		return u.children, nil
	}
	r := u.Reader()
	if _, err := r.Next(); err != nil {
		return nil, err
	}
	if !u.Entry.Children {
		u.childrenRead = true
		return nil, nil
	}
	var children []*dwarf.Entry
	for {
		e, err := r.Next()
		if err != nil {
			return nil, errors.Wrapf(err, "dwarf: reading children of %s", u)
		}
		if e == nil || e.Tag == 0 {
			break
		}
		children = append(children, e)
		if e.Children {
			r.SkipChildren()
		}
	}
	u.children, u.childrenRead = children, true
	return children, nil
}

// ChildrenOf returns the direct children of e, an entry of u.
func (u *Unit) ChildrenOf(e *dwarf.Entry) ([]*dwarf.Entry, error) {
	if !e.Children {
		return nil, nil
	}
	r := u.info.data.Reader()
	r.Seek(e.Offset)
	if _, err := r.Next(); err != nil {
		return nil, err
	}
	var children []*dwarf.Entry
	for {
		c, err := r.Next()
		if err != nil {
			return nil, errors.Wrapf(err, "dwarf: reading children of %#x", e.Offset)
		}
		if c == nil || c.Tag == 0 {
			return children, nil
		}
		children = append(children, c)
		if c.Children {
			r.SkipChildren()
		}
	}
}

func (u *Unit) readLines() error {
	if u.linesRead {
		return u.linesErr
	}
	u.linesRead = true
	lr, err := u.info.data.LineReader(u.Entry)
	if err != nil {
		u.linesErr = errors.Wrapf(err, "dwarf: line program of %s", u)
		return u.linesErr
	}
	if lr == nil {
		return nil
	}
	for _, f := range lr.Files() {
		if f == nil {
			u.fileNames = append(u.fileNames, "")
			continue
		}
		u.fileNames = append(u.fileNames, f.Name)
	}

	var lines []LineEntry
	for {
		var le dwarf.LineEntry
		if err := lr.Next(&le); err != nil {
			if err == io.EOF {
				break
			}
			u.linesErr = errors.Wrapf(err, "dwarf: line program of %s", u)
			return u.linesErr
		}
		file := ""
		if le.File != nil {
			file = le.File.Name
		}
		lines = append(lines, LineEntry{
			Address:       le.Address,
			File:          file,
			Line:          le.Line,
			IsStmt:        le.IsStmt,
			PrologueEnd:   le.PrologueEnd,
			EpilogueBegin: le.EpilogueBegin,
			EndSequence:   le.EndSequence,
		})
	}
	// the file table can grow while the program runs (DW_LNE_define_file)
	for _, f := range lr.Files()[len(u.fileNames):] {
		name := ""
		if f != nil {
			name = f.Name
		}
		u.fileNames = append(u.fileNames, name)
	}

	for i := range lines {
		le := &lines[i]
		if le.EndSequence || i+1 >= len(lines) {
			continue
		}
		if next := lines[i+1].Address; next > le.Address {
			u.lineMap.Set(le.Address, next, le)
		}
	}
	u.lines = lines
	return nil
}

// Lines returns the rows of the line program of u in program order.
func (u *Unit) Lines() ([]LineEntry, error) {
	if err := u.readLines(); err != nil {
		return nil, err
	}
	return u.lines, nil
}

// LineMap returns the map from address ranges to the line rows covering
// them.
func (u *Unit) LineMap() (*intervalmap.Map[*LineEntry], error) {
	if err := u.readLines(); err != nil {
		return nil, err
	}
	return &u.lineMap, nil
}

// LineForAddr returns the line row covering addr.
func (u *Unit) LineForAddr(addr uint64) (*LineEntry, error) {
	if err := u.readLines(); err != nil {
		return nil, err
	}
	le, ok := u.lineMap.Get(addr)
	if !ok {
		return nil, errs.NotFound("line for address", fmt.Sprintf("%#x", addr))
	}
	return le, nil
}

// FileName returns entry idx of the file table of u, as referenced by
// DW_AT_decl_file.
func (u *Unit) FileName(idx int64) string {
	if err := u.readLines(); err != nil {
		return ""
	}
	if idx < 0 || idx >= int64(len(u.fileNames)) {
		return ""
	}
	return u.fileNames[idx]
}

// File is a source file (a unit or a header) named by a line program.
type File struct {
	Path  string
	lines map[int][]uint64
}

// Lines returns the line numbers of f that have code, sorted.
func (f *File) Lines() []int {
	lines := make([]int, 0, len(f.lines))
	for l := range f.lines {
		lines = append(lines, l)
	}
	sort.Ints(lines)
	return lines
}

func (d *Info) loadFiles() error {
	if d.filesLoaded {
		return nil
	}
	units, err := d.Units()
	if err != nil {
		return err
	}
	var files suffixtrie.Trie[*File]
	for _, u := range units {
		lines, err := u.Lines()
		if err != nil {
			return err
		}
		prev := -1
		for i := range lines {
			le := &lines[i]
			if le.EndSequence {
				prev = -1
				continue
			}
			if !le.IsStmt || le.File == "" {
				continue
			}
			f := files.Insert(suffixtrie.Split(le.File), &File{Path: le.File, lines: make(map[int][]uint64)}, false)
			// only the first address of a run of rows for the same line
			if le.Line != prev {
				f.lines[le.Line] = append(f.lines[le.Line], le.Address)
			}
			prev = le.Line
		}
	}
	for _, u := range units {
		files.Insert(suffixtrie.Split(u.Path()), &File{Path: u.Path(), lines: make(map[int][]uint64)}, false)
	}
	d.files = files
	d.filesLoaded = true
	return nil
}

// FileByName returns the source file whose path ends with suffix.
func (d *Info) FileByName(suffix string) (*File, error) {
	if err := d.loadFiles(); err != nil {
		return nil, err
	}
	f, err := d.files.Find(suffixtrie.Split(suffix))
	if err != nil {
		return nil, renameKind(err, "file", suffix)
	}
	return f, nil
}

// AddrsForLine returns the addresses where code for file:line starts.
func (d *Info) AddrsForLine(file string, line int) ([]uint64, error) {
	f, err := d.FileByName(file)
	if err != nil {
		return nil, err
	}
	addrs := append([]uint64(nil), f.lines[line]...)
	if len(addrs) == 0 {
		return nil, errs.NotFound("line", fmt.Sprintf("%s:%d", f.Path, line))
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs, nil
}

// LineForAddr returns the line row covering addr.
func (d *Info) LineForAddr(addr uint64) (*LineEntry, error) {
	u, err := d.Unit(addr)
	if err != nil {
		return nil, err
	}
	return u.LineForAddr(addr)
}
