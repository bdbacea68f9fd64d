// Package arch describes the target architectures: address size, byte
// order, and the mapping between DWARF register numbers, register names
// and the register order of the GDB remote protocol.
package arch

import (
	"encoding/binary"
	"fmt"
)

// Arch describes a target architecture.
type Arch struct {
	Name      string
	PtrSize   int
	ByteOrder binary.ByteOrder

	// DWARFRegisters maps DWARF register numbers to register names.
	DWARFRegisters []string
	// GDBRegisters is the register order of the 'g' packet; GDBRegSizes
	// holds the size in bytes of each of them.
	GDBRegisters []string
	GDBRegSizes  []int

	PCRegNum     int
	SPRegNum     int
	BPRegNum     int
	ReturnRegNum int

	// BreakpointKind is the kind argument of Z0/z0 packets.
	BreakpointKind int
	// DecodeMode is the x86asm decoding mode, 0 when not x86.
	DecodeMode int
}

// RegisterName returns the name of DWARF register num.
func (a *Arch) RegisterName(num int) (string, error) {
	if num < 0 || num >= len(a.DWARFRegisters) || a.DWARFRegisters[num] == "" {
		return "", fmt.Errorf("%s: unknown DWARF register %d", a.Name, num)
	}
	return a.DWARFRegisters[num], nil
}

// RegisterNum returns the DWARF number of the named register.
func (a *Arch) RegisterNum(name string) (int, bool) {
	for i, n := range a.DWARFRegisters {
		if n == name {
			return i, true
		}
	}
	return -1, false
}

// GDBRegister returns the index and byte offset of the named register in
// the 'g' packet.
func (a *Arch) GDBRegister(name string) (idx, off, size int, ok bool) {
	for i, n := range a.GDBRegisters {
		if n == name {
			return i, off, a.GDBRegSizes[i], true
		}
		off += a.GDBRegSizes[i]
	}
	return -1, 0, 0, false
}

// NumRegisters returns the size of the register cache for a.
func (a *Arch) NumRegisters() int {
	return len(a.DWARFRegisters)
}

// AMD64 is the x86-64 System V description.
var AMD64 = &Arch{
	Name:      "amd64",
	PtrSize:   8,
	ByteOrder: binary.LittleEndian,
	DWARFRegisters: []string{
		"rax", "rdx", "rcx", "rbx", "rsi", "rdi", "rbp", "rsp",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
		"rip",
	},
	GDBRegisters: []string{
		"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
		"rip", "eflags", "cs", "ss", "ds", "es", "fs", "gs",
	},
	GDBRegSizes: []int{
		8, 8, 8, 8, 8, 8, 8, 8,
		8, 8, 8, 8, 8, 8, 8, 8,
		8, 4, 4, 4, 4, 4, 4, 4,
	},
	PCRegNum:       16,
	SPRegNum:       7,
	BPRegNum:       6,
	ReturnRegNum:   0,
	BreakpointKind: 1,
	DecodeMode:     64,
}

// I386 is the 32-bit x86 description.
var I386 = &Arch{
	Name:      "386",
	PtrSize:   4,
	ByteOrder: binary.LittleEndian,
	DWARFRegisters: []string{
		"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
		"eip",
	},
	GDBRegisters: []string{
		"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
		"eip", "eflags", "cs", "ss", "ds", "es", "fs", "gs",
	},
	GDBRegSizes: []int{
		4, 4, 4, 4, 4, 4, 4, 4,
		4, 4, 4, 4, 4, 4, 4, 4,
	},
	PCRegNum:       8,
	SPRegNum:       4,
	BPRegNum:       5,
	ReturnRegNum:   0,
	BreakpointKind: 1,
	DecodeMode:     32,
}

// ByName returns the architecture called name.
func ByName(name string) (*Arch, error) {
	switch name {
	case "amd64", "x86_64", "x86-64":
		return AMD64, nil
	case "386", "i386", "x86":
		return I386, nil
	}
	return nil, fmt.Errorf("unsupported architecture %q", name)
}
