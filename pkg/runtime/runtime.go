// Package runtime binds the symbol cache to a live target: registers and
// memory read through per-stop caches, breakpoints multiplexed over one
// target breakpoint per address, and values looked up by name at the
// current PC.
//
// A Runtime belongs to one logical debug session and does no locking.
package runtime

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/undoio/dwarfscope/pkg/arch"
	"github.com/undoio/dwarfscope/pkg/errs"
	"github.com/undoio/dwarfscope/pkg/eval"
	"github.com/undoio/dwarfscope/pkg/location"
	"github.com/undoio/dwarfscope/pkg/logflags"
	"github.com/undoio/dwarfscope/pkg/memory"
	"github.com/undoio/dwarfscope/pkg/symbols"
)

type register struct {
	value uint64
	known bool
}

// memo holds a value computed at generation gen.
type memo[T any] struct {
	gen uint64
	ok  bool
	val T
	err error
}

func (m *memo[T]) get(gen uint64, compute func() (T, error)) (T, error) {
	if !m.ok || m.gen != gen {
		m.val, m.err = compute()
		m.gen, m.ok = gen, true
	}
	return m.val, m.err
}

// Runtime is a debug session over a Target.
type Runtime struct {
	cache  *symbols.Cache
	target Target
	arch   *arch.Arch
	mem    *memory.Cache
	log    *logrus.Entry

	regs    []register
	version uint64
	// memoGen is the generation of the memoized accessors below, moved on
	// every resume and register write.
	memoGen uint64
	objects []uint64

	breakpoints   map[uint64]*Breakpoint
	nextID        int
	stopRequested bool
	exited        bool
	lastStop      Stop

	sub       memo[*symbols.Subprogram]
	frameBase memo[uint64]
	cfa       memo[uint64]
	loc       memo[location.Location]
	ret       memo[*eval.Value]
}

// New returns a runtime for target and subscribes it to the target's
// resume and stop notifications.
func New(cache *symbols.Cache, target Target, a *arch.Arch) *Runtime {
	rt := &Runtime{
		cache:       cache,
		target:      target,
		arch:        a,
		mem:         memory.NewCache(targetMemory{target}),
		log:         logflags.RuntimeLogger(),
		regs:        make([]register, a.NumRegisters()),
		version:     1,
		memoGen:     1,
		breakpoints: make(map[uint64]*Breakpoint),
	}
	target.Subscribe(rt)
	return rt
}

// OnResume invalidates every cached register, memory block and memoized
// accessor, and moves the session to a new version.
func (rt *Runtime) OnResume() {
	rt.version++
	rt.memoGen++
	for i := range rt.regs {
		rt.regs[i] = register{}
	}
	rt.mem.Flush()
	rt.objects = rt.objects[:0]
	rt.log.Debugf("resumed, version %d", rt.version)
}

// OnStop records the stop.
func (rt *Runtime) OnStop(s Stop) {
	rt.lastStop = s
	if s.Reason == StopExited {
		rt.exited = true
	}
	rt.log.Debugf("stopped: %s", s)
}

// Symbols returns the symbol cache of the session.
func (rt *Runtime) Symbols() *symbols.Cache { return rt.cache }

// Arch returns the target architecture.
func (rt *Runtime) Arch() *arch.Arch { return rt.arch }

// Version is incremented every time the target resumes.
func (rt *Runtime) Version() uint64 { return rt.version }

// LastStop returns the most recent stop of the target.
func (rt *Runtime) LastStop() Stop { return rt.lastStop }

// Exited reports whether the target exited.
func (rt *Runtime) Exited() bool { return rt.exited }

// Register returns DWARF register num, reading it from the target on first
// use after a stop.
func (rt *Runtime) Register(num int) (uint64, error) {
	if num < 0 || num >= len(rt.regs) {
		return 0, fmt.Errorf("register number %d out of range", num)
	}
	if r := rt.regs[num]; r.known {
		return r.value, nil
	}
	name, err := rt.arch.RegisterName(num)
	if err != nil {
		return 0, err
	}
	v, err := rt.target.ReadRegister(name)
	if err != nil {
		return 0, err
	}
	rt.regs[num] = register{value: v, known: true}
	return v, nil
}

// RegisterByName returns the named register.
func (rt *Runtime) RegisterByName(name string) (uint64, error) {
	if num, ok := rt.arch.RegisterNum(name); ok {
		return rt.Register(num)
	}
	return rt.target.ReadRegister(name)
}

// SetRegister writes the named register.
func (rt *Runtime) SetRegister(name string, value uint64) error {
	if err := rt.target.WriteRegister(name, value); err != nil {
		return err
	}
	if num, ok := rt.arch.RegisterNum(name); ok {
		rt.regs[num] = register{value: value, known: true}
	}
	// the current frame, location and return value may all depend on it
	rt.memoGen++
	return nil
}

// PC returns the program counter.
func (rt *Runtime) PC() (uint64, error) {
	return rt.Register(rt.arch.PCRegNum)
}

func (rt *Runtime) ReadMemory(addr uint64, size int) ([]byte, error) {
	return rt.mem.Read(addr, size)
}

// WriteMemory writes data at addr through to the target.
func (rt *Runtime) WriteMemory(addr uint64, data []byte) error {
	return rt.mem.Write(addr, data)
}

func (rt *Runtime) AddressSize() int { return rt.arch.PtrSize }

func (rt *Runtime) ByteOrder() binary.ByteOrder { return rt.arch.ByteOrder }

func (rt *Runtime) FrameBase() (uint64, error) {
	return rt.frameBase.get(rt.memoGen, func() (uint64, error) {
		pc, err := rt.PC()
		if err != nil {
			return 0, err
		}
		return eval.FrameBaseAt(rt, rt.cache, pc)
	})
}

func (rt *Runtime) CFA() (uint64, error) {
	return rt.cfa.get(rt.memoGen, func() (uint64, error) {
		pc, err := rt.PC()
		if err != nil {
			return 0, err
		}
		return eval.CFAAt(rt, rt.cache, pc)
	})
}

func (rt *Runtime) TLSAddress(offset uint64) (uint64, error) {
	return 0, errs.NotImplemented("thread local storage at offset %#x", offset)
}

func (rt *Runtime) ObjectAddress() (uint64, error) {
	if len(rt.objects) == 0 {
		return 0, errors.New("no current object")
	}
	return rt.objects[len(rt.objects)-1], nil
}

func (rt *Runtime) PushObject(addr uint64) { rt.objects = append(rt.objects, addr) }

func (rt *Runtime) PopObject() { rt.objects = rt.objects[:len(rt.objects)-1] }

// Subprogram returns the subprogram containing the current PC.
func (rt *Runtime) Subprogram() (*symbols.Subprogram, error) {
	return rt.sub.get(rt.memoGen, func() (*symbols.Subprogram, error) {
		pc, err := rt.PC()
		if err != nil {
			return nil, err
		}
		return rt.cache.Subprogram(pc)
	})
}

// Location returns the current source position.
func (rt *Runtime) Location() (location.Location, error) {
	return rt.loc.get(rt.memoGen, func() (location.Location, error) {
		pc, err := rt.PC()
		if err != nil {
			return location.Location{}, err
		}
		return location.Resolve(rt.cache, pc)
	})
}

// MemoryStats returns the hit and miss counts of the memory read cache.
func (rt *Runtime) MemoryStats() (hits, misses int) {
	return rt.mem.Stats()
}
