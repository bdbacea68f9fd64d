package runtime

import (
	"context"
	"fmt"
)

// StopReason tells why the target stopped.
type StopReason uint8

const (
	StopBreakpoint StopReason = iota
	StopStep
	StopSignal
	StopInterrupted
	StopExited
)

func (r StopReason) String() string {
	switch r {
	case StopBreakpoint:
		return "breakpoint"
	case StopStep:
		return "step"
	case StopSignal:
		return "signal"
	case StopInterrupted:
		return "interrupted"
	case StopExited:
		return "exited"
	}
	return fmt.Sprintf("stop(%d)", r)
}

// Stop describes a stop of the target.
type Stop struct {
	Reason StopReason
	PC     uint64
	Signal int
	// ExitStatus is set when Reason is StopExited.
	ExitStatus int
}

func (s Stop) String() string {
	switch s.Reason {
	case StopExited:
		return fmt.Sprintf("exited with status %d", s.ExitStatus)
	case StopSignal:
		return fmt.Sprintf("signal %d at %#x", s.Signal, s.PC)
	}
	return fmt.Sprintf("%s at %#x", s.Reason, s.PC)
}

// Listener is notified when the target resumes and stops.
type Listener interface {
	OnResume()
	OnStop(Stop)
}

// Target is a stopped-or-running remote program. Registers are named as
// in arch.Arch.
type Target interface {
	ReadRegister(name string) (uint64, error)
	WriteRegister(name string, value uint64) error
	ReadMemory(addr uint64, size int) ([]byte, error)
	WriteMemory(addr uint64, data []byte) error

	SetBreakpoint(addr uint64) error
	ClearBreakpoint(addr uint64) error

	// StepOverBreakpoint executes the instruction at the current PC as if
	// no breakpoint was set there.
	StepOverBreakpoint(ctx context.Context) (Stop, error)
	// Resume runs the target until it stops. Cancelling ctx interrupts it.
	Resume(ctx context.Context) (Stop, error)

	Subscribe(l Listener)
}

// ProcessExitedError is returned when resuming a target that exited.
type ProcessExitedError struct {
	Status int
}

func (pe ProcessExitedError) Error() string {
	return fmt.Sprintf("process exited with status %d", pe.Status)
}

type targetMemory struct {
	t Target
}

func (m targetMemory) Read(addr uint64, size int) ([]byte, error) {
	return m.t.ReadMemory(addr, size)
}

func (m targetMemory) Write(addr uint64, data []byte) error {
	return m.t.WriteMemory(addr, data)
}
