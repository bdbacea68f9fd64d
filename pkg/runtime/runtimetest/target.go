package runtimetest

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/undoio/dwarfscope/pkg/arch"
	"github.com/undoio/dwarfscope/pkg/memory"
	"github.com/undoio/dwarfscope/pkg/runtime"
)

// Event is a point the fake target passes while running. The target stops
// there only when a breakpoint is set at PC.
type Event struct {
	PC   uint64
	Regs map[string]uint64
	Mem  map[uint64][]byte
}

// Target is an in-memory runtime.Target. Resume walks Plan and stops at the
// first event with a breakpoint; past the end of the plan the program
// exits with ExitStatus.
type Target struct {
	Regs        map[string]uint64
	Mem         map[uint64]byte
	Breakpoints map[uint64]bool
	Plan        []Event
	ExitStatus  int

	// ReadErr, when set, fails every memory read.
	ReadErr error

	RegReads, MemReads, Steps, Resumes int

	listeners []runtime.Listener
	exited    bool
}

// NewTarget returns a target stopped at ReturnPC in f, called from main.
func NewTarget() *Target {
	t := &Target{
		Regs: map[string]uint64{
			"rip": ReturnPC,
			"rbp": FrameRBP,
			"rsp": FrameRBP - 0x20,
			"rax": 42,
		},
		Mem:         make(map[uint64]byte),
		Breakpoints: make(map[uint64]bool),
	}
	t.Put32(XAddr, 42)
	t.Put64(PAddr, PtAddr)
	t.Put64(FrameCFA-8, AfterCall)
	t.Put64(FrameCFA-16, MainRBP)
	t.Put64(MainCFA-8, 0)
	t.Put64(MainCFA-16, 0)
	t.Put32(PtAddr, 3)
	t.Put32(PtAddr+4, 4)
	t.Put64(LAddr, ListAddr)
	t.Put32(ListAddr, 7)
	t.Put64(ListAddr+8, ListAddr+0x10)
	t.Put32(ListAddr+0x10, 8)
	t.Put64(ListAddr+0x18, 0)
	t.Put32(CounterAddr, 5)
	t.Put32(OriginAddr, 1)
	t.Put32(OriginAddr+4, 2)
	for i := uint64(0); i < 4; i++ {
		t.Put32(TableAddr+4*i, uint32(10*(i+1)))
	}
	// mov -0x14(%rbp),%eax
	t.PutBytes(ReturnPC, []byte{0x8b, 0x45, 0xec, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90})
	return t
}

// PutBytes stores data at addr.
func (t *Target) PutBytes(addr uint64, data []byte) {
	for i, c := range data {
		t.Mem[addr+uint64(i)] = c
	}
}

// Put32 stores a little endian 32-bit word at addr.
func (t *Target) Put32(addr uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	t.PutBytes(addr, buf[:])
}

// Put64 stores a little endian 64-bit word at addr.
func (t *Target) Put64(addr uint64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	t.PutBytes(addr, buf[:])
}

func (t *Target) ReadRegister(name string) (uint64, error) {
	t.RegReads++
	v, ok := t.Regs[name]
	if !ok {
		return 0, fmt.Errorf("register %s unavailable", name)
	}
	return v, nil
}

func (t *Target) WriteRegister(name string, value uint64) error {
	t.Regs[name] = value
	return nil
}

func (t *Target) ReadMemory(addr uint64, size int) ([]byte, error) {
	t.MemReads++
	if t.ReadErr != nil {
		return nil, t.ReadErr
	}
	out := make([]byte, size)
	for i := range out {
		c, ok := t.Mem[addr+uint64(i)]
		if !ok {
			return nil, fmt.Errorf("cannot access memory at %#x", addr+uint64(i))
		}
		out[i] = c
	}
	return out, nil
}

func (t *Target) WriteMemory(addr uint64, data []byte) error {
	t.PutBytes(addr, data)
	return nil
}

func (t *Target) SetBreakpoint(addr uint64) error {
	t.Breakpoints[addr] = true
	return nil
}

func (t *Target) ClearBreakpoint(addr uint64) error {
	if !t.Breakpoints[addr] {
		return fmt.Errorf("no breakpoint at %#x", addr)
	}
	delete(t.Breakpoints, addr)
	return nil
}

func (t *Target) Subscribe(l runtime.Listener) {
	t.listeners = append(t.listeners, l)
}

func (t *Target) notifyResume() {
	for _, l := range t.listeners {
		l.OnResume()
	}
}

func (t *Target) notifyStop(s runtime.Stop) {
	for _, l := range t.listeners {
		l.OnStop(s)
	}
}

// StepOverBreakpoint moves the PC past the current instruction.
func (t *Target) StepOverBreakpoint(ctx context.Context) (runtime.Stop, error) {
	if t.exited {
		return runtime.Stop{}, fmt.Errorf("target exited")
	}
	t.notifyResume()
	t.Steps++
	t.Regs["rip"]++
	s := runtime.Stop{Reason: runtime.StopStep, PC: t.Regs["rip"]}
	t.notifyStop(s)
	return s, nil
}

func (t *Target) Resume(ctx context.Context) (runtime.Stop, error) {
	if t.exited {
		return runtime.Stop{}, fmt.Errorf("target exited")
	}
	if err := ctx.Err(); err != nil {
		return runtime.Stop{}, err
	}
	t.notifyResume()
	t.Resumes++
	for len(t.Plan) > 0 {
		ev := t.Plan[0]
		t.Plan = t.Plan[1:]
		for k, v := range ev.Regs {
			t.Regs[k] = v
		}
		for addr, data := range ev.Mem {
			t.PutBytes(addr, data)
		}
		t.Regs["rip"] = ev.PC
		if t.Breakpoints[ev.PC] {
			s := runtime.Stop{Reason: runtime.StopBreakpoint, PC: ev.PC}
			t.notifyStop(s)
			return s, nil
		}
	}
	t.exited = true
	s := runtime.Stop{Reason: runtime.StopExited, ExitStatus: t.ExitStatus}
	t.notifyStop(s)
	return s, nil
}

type targetMemory struct{ t *Target }

func (m targetMemory) Read(addr uint64, size int) ([]byte, error) { return m.t.ReadMemory(addr, size) }

func (m targetMemory) Write(addr uint64, data []byte) error { return m.t.WriteMemory(addr, data) }

// Memory returns the memory of t without a cache.
func (t *Target) Memory() memory.ReadWriter { return targetMemory{t} }

// DWARFRegs returns the registers of t known to a, by DWARF number.
func (t *Target) DWARFRegs(a *arch.Arch) map[int]uint64 {
	regs := make(map[int]uint64)
	for name, v := range t.Regs {
		if num, ok := a.RegisterNum(name); ok {
			regs[num] = v
		}
	}
	return regs
}
