package gdbserial

// ProcessStatus is the last state the stub reported for the process.
type ProcessStatus struct {
	exited     bool
	exitStatus int
	signal     int
}

func (ps *ProcessStatus) Exited() bool {
	return ps.exited
}

// ExitStatus is the exit code of a process that exited normally, or 128
// plus the signal number of one that was killed.
func (ps *ProcessStatus) ExitStatus() int {
	return ps.exitStatus
}

// Signal is the GDB signal number of the last stop.
func (ps *ProcessStatus) Signal() int {
	return ps.signal
}
