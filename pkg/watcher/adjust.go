package watcher

import (
	"github.com/pkg/errors"

	"github.com/undoio/dwarfscope/pkg/config"
	"github.com/undoio/dwarfscope/pkg/errs"
	"github.com/undoio/dwarfscope/pkg/intervalmap"
	"github.com/undoio/dwarfscope/pkg/suffixtrie"
)

// LineAdjuster maps a position of a specifier, written against the source
// revision named by tag, to the file and line in the debugged binary.
type LineAdjuster interface {
	Adjust(file string, line int, tag string) (string, int, error)
}

// deltas maps line ranges to the offset added to them.
type deltas = intervalmap.Map[int]

func wholeFile() *deltas {
	d := &deltas{}
	d.Set(intervalmap.Whole.Start, intervalmap.Whole.End, 0)
	return d
}

// moved is how one file changed in a revision.
type moved struct {
	renamedTo string
	lines     *deltas
}

// RangeAdjuster shifts ranges of lines, and renames files, per revision
// tag. Lines outside every configured range are unchanged.
type RangeAdjuster struct {
	// tags maps a revision tag to the files that moved in it
	tags map[string]*suffixtrie.Trie[*moved]
	// fallback applies to files a known tag does not list
	fallback *moved
}

// Identity returns an adjuster that leaves every position unchanged
// whatever the tag.
func Identity() *RangeAdjuster {
	return &RangeAdjuster{fallback: &moved{lines: wholeFile()}}
}

// FromConfig builds an adjuster from the line-adjustments configuration.
func FromConfig(adjs []config.LineAdjustment) (*RangeAdjuster, error) {
	ra := Identity()
	ra.tags = make(map[string]*suffixtrie.Trie[*moved])
	for _, adj := range adjs {
		if adj.File == "" || adj.Tag == "" {
			return nil, errors.New("line adjustment needs a file and a tag")
		}
		files, ok := ra.tags[adj.Tag]
		if !ok {
			files = &suffixtrie.Trie[*moved]{}
			ra.tags[adj.Tag] = files
		}
		m := files.Insert(suffixtrie.Split(adj.File), &moved{lines: wholeFile()}, false)
		if adj.RenamedTo != "" {
			m.renamedTo = adj.RenamedTo
		}
		for _, r := range adj.Ranges {
			if r.From <= 0 || r.To < r.From {
				return nil, errors.Errorf("invalid line range %d-%d for %s in %s", r.From, r.To, adj.File, adj.Tag)
			}
			m.lines.Set(uint64(r.From), uint64(r.To)+1, r.Delta)
		}
	}
	return ra, nil
}

func (ra *RangeAdjuster) Adjust(file string, line int, tag string) (string, int, error) {
	m := ra.fallback
	if tag != "" && ra.tags != nil {
		files, ok := ra.tags[tag]
		if !ok {
			return "", 0, errs.NotFound("line adjustment tag", tag)
		}
		found, err := files.Find(suffixtrie.Split(file))
		switch {
		case err == nil:
			m = found
		case !errs.IsNotFound(err):
			return "", 0, err
		}
	}
	delta, _ := m.lines.Get(uint64(line))
	adjusted := line + delta
	if adjusted <= 0 {
		return "", 0, errors.Errorf("line %d of %s adjusted out of the file (%d)", line, file, adjusted)
	}
	if m.renamedTo != "" {
		file = m.renamedTo
	}
	return file, adjusted, nil
}
