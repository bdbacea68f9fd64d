package suffixtrie_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undoio/dwarfscope/pkg/errs"
	"github.com/undoio/dwarfscope/pkg/suffixtrie"
)

func TestSplit(t *testing.T) {
	assert.Equal(t, []string{"foo.c", "dir", "src", ""}, suffixtrie.Split("/src/dir/foo.c"))
	assert.Equal(t, []string{"foo.c", "dir"}, suffixtrie.Split("dir/foo.c"))
	assert.Equal(t, []string{"foo.c", "dir"}, suffixtrie.Split("dir//./foo.c"))
	assert.Equal(t, "/src/dir/foo.c", suffixtrie.Join(suffixtrie.Split("/src/dir/foo.c")))
}

func TestUniqueSuffix(t *testing.T) {
	var tr suffixtrie.Trie[int]
	tr.Insert([]string{"a", "b", "c"}, 1, false)

	v, err := tr.Find([]string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = tr.Find([]string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = tr.Find([]string{"z"})
	assert.True(t, errs.IsNotFound(err))

	_, err = tr.Find([]string{"a", "x"})
	assert.True(t, errs.IsNotFound(err))

	_, err = tr.Find(nil)
	assert.True(t, errs.IsNotFound(err))
	_, err = tr.Find(suffixtrie.Split(""))
	assert.True(t, errs.IsNotFound(err))
}

func TestAmbiguousSuffix(t *testing.T) {
	var tr suffixtrie.Trie[string]
	tr.Insert(suffixtrie.Split("/src/a/main.c"), "a", false)
	tr.Insert(suffixtrie.Split("/src/b/main.c"), "b", false)

	_, err := tr.Find(suffixtrie.Split("main.c"))
	require.Error(t, err)
	assert.True(t, errs.IsAmbiguous(err))

	v, err := tr.Find(suffixtrie.Split("b/main.c"))
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	v, err = tr.Find(suffixtrie.Split("/src/a/main.c"))
	require.NoError(t, err)
	assert.Equal(t, "a", v)
}

func TestExactPathWinsOverLongerPaths(t *testing.T) {
	var tr suffixtrie.Trie[string]
	tr.Insert([]string{"c", "b"}, "short", false)
	tr.Insert([]string{"c", "b", "a"}, "long", false)

	v, err := tr.Find([]string{"c", "b"})
	require.NoError(t, err)
	assert.Equal(t, "short", v)

	_, err = tr.Find([]string{"c"})
	assert.True(t, errs.IsAmbiguous(err))

	v, err = tr.Find([]string{"c", "b", "a"})
	require.NoError(t, err)
	assert.Equal(t, "long", v)
}

func TestInsertReplace(t *testing.T) {
	var tr suffixtrie.Trie[int]
	assert.Equal(t, 1, tr.Insert([]string{"x", "y"}, 1, false))
	assert.Equal(t, 1, tr.Insert([]string{"x", "y"}, 2, false))
	assert.Equal(t, 3, tr.Insert([]string{"x", "y"}, 3, true))
	assert.Equal(t, 1, tr.Len())

	v, err := tr.Find([]string{"x"})
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestEach(t *testing.T) {
	var tr suffixtrie.Trie[int]
	tr.Insert(suffixtrie.Split("/a/b.c"), 1, false)
	tr.Insert(suffixtrie.Split("/a/c.c"), 2, false)
	tr.Insert(suffixtrie.Split("/d/b.c"), 3, false)

	got := map[string]int{}
	tr.Each(func(p string, v int) { got[p] = v })
	assert.Equal(t, map[string]int{"/a/b.c": 1, "/a/c.c": 2, "/d/b.c": 3}, got)
}
