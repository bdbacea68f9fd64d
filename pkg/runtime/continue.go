package runtime

import (
	"context"
)

// Continue resumes the target until it stops, stepping over an armed
// breakpoint at the current PC first. When the stop is a breakpoint with
// handlers, they are called before Continue returns.
func (rt *Runtime) Continue(ctx context.Context) (Stop, error) {
	if rt.exited {
		return rt.lastStop, ProcessExitedError{Status: rt.lastStop.ExitStatus}
	}
	pc, err := rt.PC()
	if err != nil {
		return Stop{}, err
	}
	if _, armed := rt.breakpoints[pc]; armed {
		s, err := rt.target.StepOverBreakpoint(ctx)
		if err != nil {
			return s, err
		}
		if s.Reason != StopStep {
			return rt.stopped(s)
		}
	}
	s, err := rt.target.Resume(ctx)
	if err != nil {
		return s, err
	}
	return rt.stopped(s)
}

func (rt *Runtime) stopped(s Stop) (Stop, error) {
	if s.Reason != StopBreakpoint {
		return s, nil
	}
	bp, ok := rt.breakpoints[s.PC]
	if !ok {
		return s, nil
	}
	return s, rt.dispatch(bp)
}

// Run continues the target until a handler calls Stop or fails, the target
// exits, or it stops for a reason other than a breakpoint.
func (rt *Runtime) Run(ctx context.Context) (Stop, error) {
	rt.stopRequested = false
	for {
		s, err := rt.Continue(ctx)
		if err != nil {
			return s, err
		}
		if rt.stopRequested || s.Reason != StopBreakpoint {
			rt.stopRequested = false
			return s, nil
		}
		if err := ctx.Err(); err != nil {
			return s, err
		}
	}
}

// Stop makes Run return after the current breakpoint dispatch.
func (rt *Runtime) Stop() {
	rt.stopRequested = true
}
