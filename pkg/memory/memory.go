// Package memory defines access to target memory and a read cache that
// lives until the target resumes.
package memory

import (
	"fmt"

	"github.com/undoio/dwarfscope/pkg/intervalmap"
)

// ReadWriter reads and writes target memory.
type ReadWriter interface {
	Read(addr uint64, size int) ([]byte, error)
	Write(addr uint64, data []byte) error
}

type region struct {
	addr uint64
	data []byte
}

// Cache keeps the blocks read through it until Flush. Writes go through to
// the underlying memory and update cached copies.
type Cache struct {
	mem     ReadWriter
	regions intervalmap.Map[*region]

	hits, misses int
}

// NewCache returns an empty cache over mem.
func NewCache(mem ReadWriter) *Cache {
	return &Cache{mem: mem}
}

// Read returns size bytes at addr.
func (m *Cache) Read(addr uint64, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid read size %d", size)
	}
	if r, rg, ok := m.regions.Lookup(addr); ok && addr+uint64(size) <= r.End {
		m.hits++
		d := make([]byte, size)
		copy(d, rg.data[addr-rg.addr:])
		return d, nil
	}
	m.misses++
	data, err := m.mem.Read(addr, size)
	if err != nil {
		return nil, err
	}
	m.store(addr, data)
	return append([]byte(nil), data...), nil
}

// Prefetch reads size bytes at addr into the cache.
func (m *Cache) Prefetch(addr uint64, size int) error {
	if size <= 0 {
		return nil
	}
	data, err := m.mem.Read(addr, size)
	if err != nil {
		return err
	}
	m.store(addr, data)
	return nil
}

func (m *Cache) store(addr uint64, data []byte) {
	if len(data) == 0 {
		return
	}
	m.regions.Set(addr, addr+uint64(len(data)), &region{addr: addr, data: data})
}

// Write writes data at addr through to the target.
func (m *Cache) Write(addr uint64, data []byte) error {
	if err := m.mem.Write(addr, data); err != nil {
		m.regions.Delete(addr, addr+uint64(len(data)))
		return err
	}
	end := addr + uint64(len(data))
	m.regions.Each(func(r intervalmap.Range, rg *region) bool {
		if r.End <= addr || r.Start >= end {
			return true
		}
		lo, hi := max(r.Start, addr), min(r.End, end)
		copy(rg.data[lo-rg.addr:hi-rg.addr], data[lo-addr:hi-addr])
		return true
	})
	return nil
}

// Flush drops every cached block.
func (m *Cache) Flush() {
	m.regions = intervalmap.Map[*region]{}
}

// Stats returns the number of reads served from the cache and from the
// target since the cache was created.
func (m *Cache) Stats() (hits, misses int) {
	return m.hits, m.misses
}
