// Package suffixtrie indexes file paths so that they can be found by any
// unambiguous tail of their components ("foo.c" finds "/src/dir/foo.c").
package suffixtrie

import (
	"path"
	"strings"

	"github.com/undoio/dwarfscope/pkg/errs"
)

// Split turns a slash separated path into its components in reverse order,
// the key format used by Trie. Absolute paths keep a trailing empty
// component so that they only match exactly when the whole path is given.
func Split(p string) []string {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return nil
	}
	abs := strings.HasPrefix(p, "/")
	p = path.Clean(p)
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	if abs {
		parts = append([]string{""}, parts...)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return parts
}

// Join is the inverse of Split.
func Join(reversed []string) string {
	parts := make([]string, len(reversed))
	for i, c := range reversed {
		parts[len(reversed)-1-i] = c
	}
	return strings.Join(parts, "/")
}

type leaf[V any] struct {
	value V
	rest  []string
}

type node[V any] struct {
	// A node is either a compressed leaf holding the only path below it, or
	// a branch with children and possibly a path ending exactly here.
	leaf     *leaf[V]
	children map[string]*node[V]
	end      *leaf[V]
}

// Trie maps reversed paths to values. The zero value is an empty trie.
type Trie[V any] struct {
	root node[V]
	n    int
}

// Len returns the number of stored paths.
func (t *Trie[V]) Len() int {
	return t.n
}

func (n *node[V]) branch() {
	if n.children == nil {
		n.children = make(map[string]*node[V])
	}
	if n.leaf == nil {
		return
	}
	old := n.leaf
	n.leaf = nil
	if len(old.rest) == 0 {
		n.end = old
		return
	}
	n.children[old.rest[0]] = &node[V]{leaf: &leaf[V]{value: old.value, rest: old.rest[1:]}}
}

// Insert stores v under the reversed path key and returns the value that
// ends up stored there: v, or the existing value when the exact path is
// already present and replace is false.
func (t *Trie[V]) Insert(key []string, v V, replace bool) V {
	n := &t.root
	for i := 0; ; i++ {
		if n.leaf != nil {
			if equal(n.leaf.rest, key[i:]) {
				if replace {
					n.leaf.value = v
				}
				return n.leaf.value
			}
			n.branch()
		}
		if n.children == nil {
			n.children = make(map[string]*node[V])
		}
		if i == len(key) {
			if n.end != nil {
				if replace {
					n.end.value = v
				}
				return n.end.value
			}
			n.end = &leaf[V]{value: v}
			t.n++
			return v
		}
		c, ok := n.children[key[i]]
		if !ok {
			rest := make([]string, len(key)-i-1)
			copy(rest, key[i+1:])
			n.children[key[i]] = &node[V]{leaf: &leaf[V]{value: v, rest: rest}}
			t.n++
			return v
		}
		n = c
	}
}

// Find returns the value whose path ends with the reversed suffix key. It
// fails with errs.ErrNotFound when no stored path ends with key and with
// errs.ErrAmbiguous when several do and none of them is exactly key. An
// empty key matches nothing.
func (t *Trie[V]) Find(key []string) (V, error) {
	var zero V
	if len(key) == 0 {
		return zero, errs.NotFound("path", "")
	}
	n := &t.root
	for i := 0; ; i++ {
		if n.leaf != nil {
			if hasPrefix(n.leaf.rest, key[i:]) {
				return n.leaf.value, nil
			}
			return zero, errs.NotFound("path", Join(key))
		}
		if i == len(key) {
			if n.end != nil {
				return n.end.value, nil
			}
			var found []string
			n.collect(key, &found, 2)
			switch len(found) {
			case 0:
				return zero, errs.NotFound("path", Join(key))
			case 1:
				v, _ := n.only()
				return v, nil
			}
			found = found[:0]
			n.collect(key, &found, -1)
			return zero, &errs.AmbiguousError{What: "path", Key: Join(key), Candidates: found}
		}
		c, ok := n.children[key[i]]
		if !ok {
			return zero, errs.NotFound("path", Join(key))
		}
		n = c
	}
}

// Each calls fn with every stored path and value.
func (t *Trie[V]) Each(fn func(path string, v V)) {
	t.root.each(nil, fn)
}

func (n *node[V]) each(prefix []string, fn func(string, V)) {
	if n.leaf != nil {
		fn(Join(append(append([]string{}, prefix...), n.leaf.rest...)), n.leaf.value)
		return
	}
	if n.end != nil {
		fn(Join(prefix), n.end.value)
	}
	for k, c := range n.children {
		c.each(append(append([]string{}, prefix...), k), fn)
	}
}

func (n *node[V]) only() (V, bool) {
	if n.leaf != nil {
		return n.leaf.value, true
	}
	if n.end != nil {
		return n.end.value, true
	}
	for _, c := range n.children {
		return c.only()
	}
	var zero V
	return zero, false
}

// collect appends the full paths below n, stopping after limit entries when
// limit is positive.
func (n *node[V]) collect(prefix []string, out *[]string, limit int) {
	full := func() bool { return limit > 0 && len(*out) >= limit }
	n.each(prefix, func(p string, _ V) {
		if !full() {
			*out = append(*out, p)
		}
	})
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func hasPrefix(s, prefix []string) bool {
	return len(s) >= len(prefix) && equal(s[:len(prefix)], prefix)
}
