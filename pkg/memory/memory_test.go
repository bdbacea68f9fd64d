package memory_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undoio/dwarfscope/pkg/memory"
)

type fakeMem struct {
	data  map[uint64]byte
	reads int
}

func (f *fakeMem) Read(addr uint64, size int) ([]byte, error) {
	f.reads++
	out := make([]byte, size)
	for i := range out {
		b, ok := f.data[addr+uint64(i)]
		if !ok {
			return nil, fmt.Errorf("cannot access memory at %#x", addr+uint64(i))
		}
		out[i] = b
	}
	return out, nil
}

func (f *fakeMem) Write(addr uint64, data []byte) error {
	for i, b := range data {
		f.data[addr+uint64(i)] = b
	}
	return nil
}

func newFake() *fakeMem {
	f := &fakeMem{data: make(map[uint64]byte)}
	for i := uint64(0); i < 64; i++ {
		f.data[0x1000+i] = byte(i)
	}
	return f
}

func TestCacheRead(t *testing.T) {
	f := newFake()
	c := memory.NewCache(f)

	d, err := c.Read(0x1000, 16)
	require.NoError(t, err)
	assert.Equal(t, byte(15), d[15])

	d, err = c.Read(0x1004, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5, 6, 7}, d)
	assert.Equal(t, 1, f.reads)

	// extends past the cached block
	_, err = c.Read(0x100c, 8)
	require.NoError(t, err)
	assert.Equal(t, 2, f.reads)

	hits, misses := c.Stats()
	assert.Equal(t, 1, hits)
	assert.Equal(t, 2, misses)

	_, err = c.Read(0x2000, 4)
	assert.Error(t, err)
}

func TestCacheWriteAndFlush(t *testing.T) {
	f := newFake()
	c := memory.NewCache(f)
	require.NoError(t, c.Prefetch(0x1000, 32))

	require.NoError(t, c.Write(0x1002, []byte{0xaa, 0xbb}))
	d, err := c.Read(0x1000, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 0xaa, 0xbb}, d)
	assert.Equal(t, 1, f.reads)

	f.data[0x1000] = 0x55
	d, err = c.Read(0x1000, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0), d[0])

	c.Flush()
	d, err = c.Read(0x1000, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0x55), d[0])
}
