// Package gdbserial is a client for stubs speaking the GDB remote serial
// protocol (gdbserver, QEMU, udbserver). A Client implements
// runtime.Target over an already connected stream.
package gdbserial

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"

	"github.com/undoio/dwarfscope/pkg/arch"
	"github.com/undoio/dwarfscope/pkg/errs"
	"github.com/undoio/dwarfscope/pkg/expr"
	"github.com/undoio/dwarfscope/pkg/runtime"
)

const (
	interruptSignal  = 0x2
	breakpointSignal = 0x5

	// maxMemoryChunk bounds the size of a single 'm' request.
	maxMemoryChunk = 0x400
)

// Client is a connection to a stub controlling one stopped-or-running
// process.
type Client struct {
	conn *gdbConn
	arch *arch.Arch

	status      ProcessStatus
	breakpoints map[uint64]bool
	// expedited holds the registers sent with the last 'T' stop reply, by
	// 'g' packet index.
	expedited map[int][]byte
	pcmdok    bool // false once the stub rejected a 'p' packet

	listeners []runtime.Listener
}

// New returns a client speaking over rw. No packet is exchanged until
// Handshake.
func New(rw io.ReadWriter, a *arch.Arch) *Client {
	return &Client{
		conn:        newConn(rw),
		arch:        a,
		breakpoints: make(map[uint64]bool),
		expedited:   make(map[int][]byte),
		pcmdok:      true,
	}
}

// Handshake negotiates the session features and returns the current stop
// of the process. Subscribed listeners receive the stop.
func (c *Client) Handshake(ctx context.Context) (runtime.Stop, error) {
	if _, err := c.conn.exec("qSupported:swbreak+", "init"); err != nil {
		return runtime.Stop{}, err
	}
	if err := c.conn.startNoAck(); err != nil {
		return runtime.Stop{}, err
	}
	if err := c.conn.send("?"); err != nil {
		return runtime.Stop{}, err
	}
	resp, err := c.conn.recv("init")
	if err != nil {
		return runtime.Stop{}, err
	}
	s, err := c.stopped(resp, false)
	if err != nil {
		return runtime.Stop{}, err
	}
	c.notifyStop(s)
	return s, nil
}

// Status returns the last reported state of the process.
func (c *Client) Status() *ProcessStatus {
	return &c.status
}

func (c *Client) Subscribe(l runtime.Listener) {
	c.listeners = append(c.listeners, l)
}

func (c *Client) notifyResume() {
	for _, l := range c.listeners {
		l.OnResume()
	}
}

func (c *Client) notifyStop(s runtime.Stop) {
	for _, l := range c.listeners {
		l.OnStop(s)
	}
}

func (c *Client) ReadRegister(name string) (uint64, error) {
	idx, off, size, ok := c.arch.GDBRegister(name)
	if !ok {
		return 0, fmt.Errorf("%s: unknown register %s", c.arch.Name, name)
	}
	if v, ok := c.expedited[idx]; ok {
		return expr.DecodeUint(v, c.arch.ByteOrder), nil
	}
	var buf []byte
	if c.pcmdok {
		resp, err := c.conn.exec(fmt.Sprintf("p%x", idx), "register read")
		if err != nil {
			return 0, err
		}
		if len(resp) == 0 {
			c.pcmdok = false
		} else if buf, err = hexValue(resp, "register read"); err != nil {
			return 0, err
		}
	}
	if !c.pcmdok {
		resp, err := c.conn.exec("g", "registers read")
		if err != nil {
			return 0, err
		}
		if len(resp) < 2*(off+size) {
			return 0, &ProtocolError{context: "registers read", cmd: "g", reply: "short reply"}
		}
		if buf, err = hexValue(resp[2*off:2*(off+size)], "registers read"); err != nil {
			return 0, err
		}
	}
	c.expedited[idx] = buf
	return expr.DecodeUint(buf, c.arch.ByteOrder), nil
}

func (c *Client) WriteRegister(name string, value uint64) error {
	idx, _, size, ok := c.arch.GDBRegister(name)
	if !ok {
		return fmt.Errorf("%s: unknown register %s", c.arch.Name, name)
	}
	buf := make([]byte, 8)
	c.arch.ByteOrder.PutUint64(buf, value)
	if c.arch.ByteOrder == binary.BigEndian {
		buf = buf[8-size:]
	} else {
		buf = buf[:size]
	}
	ok, err := c.conn.execOK(fmt.Sprintf("P%x=%s", idx, hex.EncodeToString(buf)), "register write")
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotImplemented("register write by the stub")
	}
	c.expedited[idx] = buf
	return nil
}

func (c *Client) ReadMemory(addr uint64, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	for len(out) < size {
		n := size - len(out)
		if n > maxMemoryChunk {
			n = maxMemoryChunk
		}
		cur := addr + uint64(len(out))
		resp, err := c.conn.exec(fmt.Sprintf("m%x,%x", cur, n), "memory read")
		if err != nil {
			return nil, err
		}
		data, err := hexValue(resp, "memory read")
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, errors.Errorf("cannot access memory at %#x", cur)
		}
		out = append(out, data...)
	}
	return out[:size], nil
}

func (c *Client) WriteMemory(addr uint64, data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > maxMemoryChunk {
			n = maxMemoryChunk
		}
		cmd := fmt.Sprintf("M%x,%x:%s", addr, n, hex.EncodeToString(data[:n]))
		ok, err := c.conn.execOK(cmd, "memory write")
		if err != nil {
			return err
		}
		if !ok {
			return errs.NotImplemented("memory write by the stub")
		}
		addr += uint64(n)
		data = data[n:]
	}
	return nil
}

func (c *Client) SetBreakpoint(addr uint64) error {
	ok, err := c.conn.execOK(fmt.Sprintf("Z0,%x,%d", addr, c.arch.BreakpointKind), "set breakpoint")
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotImplemented("software breakpoints by the stub")
	}
	c.breakpoints[addr] = true
	return nil
}

func (c *Client) ClearBreakpoint(addr uint64) error {
	if _, err := c.conn.execOK(fmt.Sprintf("z0,%x,%d", addr, c.arch.BreakpointKind), "clear breakpoint"); err != nil {
		return err
	}
	delete(c.breakpoints, addr)
	return nil
}

func (c *Client) pc() (uint64, error) {
	name, err := c.arch.RegisterName(c.arch.PCRegNum)
	if err != nil {
		return 0, err
	}
	return c.ReadRegister(name)
}

// StepOverBreakpoint lifts the breakpoint at the current PC, if any, for
// the duration of one instruction step.
func (c *Client) StepOverBreakpoint(ctx context.Context) (runtime.Stop, error) {
	if c.status.exited {
		return runtime.Stop{}, runtime.ProcessExitedError{Status: c.status.exitStatus}
	}
	pc, err := c.pc()
	if err != nil {
		return runtime.Stop{}, err
	}
	lifted := c.breakpoints[pc]
	if lifted {
		if err := c.ClearBreakpoint(pc); err != nil {
			return runtime.Stop{}, err
		}
	}
	s, err := c.resume(ctx, "s")
	if err != nil {
		return s, err
	}
	if lifted && !c.status.exited {
		if err := c.SetBreakpoint(pc); err != nil {
			return s, err
		}
	}
	return s, nil
}

func (c *Client) Resume(ctx context.Context) (runtime.Stop, error) {
	if c.status.exited {
		return runtime.Stop{}, runtime.ProcessExitedError{Status: c.status.exitStatus}
	}
	return c.resume(ctx, "c")
}

type reply struct {
	data []byte
	err  error
}

// resume sends cmd and waits for the stop reply. Cancelling ctx sends an
// interrupt and keeps waiting: the stub always answers with a stop.
func (c *Client) resume(ctx context.Context, cmd string) (runtime.Stop, error) {
	c.notifyResume()
	for k := range c.expedited {
		delete(c.expedited, k)
	}
	if err := c.conn.send(cmd); err != nil {
		return runtime.Stop{}, err
	}
	replies := make(chan reply, 1)
	go func() {
		for {
			resp, err := c.conn.recv("resume")
			if err == nil && len(resp) > 0 && resp[0] == 'O' {
				if out, herr := hex.DecodeString(string(resp[1:])); herr == nil {
					c.conn.log.Infof("target output: %s", out)
				}
				continue
			}
			replies <- reply{append([]byte(nil), resp...), err}
			return
		}
	}()
	done := ctx.Done()
	interrupted := false
	for {
		select {
		case <-done:
			done = nil
			interrupted = true
			if err := c.conn.interrupt(); err != nil {
				// the stop reply of cmd is still owed by the stub
				c.conn.markBroken(err)
				return runtime.Stop{}, c.conn.broken
			}
		case r := <-replies:
			if r.err != nil {
				return runtime.Stop{}, r.err
			}
			s, err := c.stopped(r.data, interrupted)
			if err != nil {
				return runtime.Stop{}, err
			}
			if s.Reason == runtime.StopStep && cmd != "s" {
				s.Reason = runtime.StopSignal
			}
			if s.Reason == runtime.StopBreakpoint && cmd == "s" {
				s.Reason = runtime.StopStep
			}
			c.notifyStop(s)
			return s, nil
		}
	}
}

// stopped decodes a stop reply.
func (c *Client) stopped(resp []byte, interrupted bool) (runtime.Stop, error) {
	if len(resp) < 3 {
		return runtime.Stop{}, &ProtocolError{context: "stop reply", reply: string(resp)}
	}
	code, err := strconv.ParseUint(string(resp[1:3]), 16, 8)
	if err != nil {
		return runtime.Stop{}, &ProtocolError{context: "stop reply", reply: string(resp)}
	}
	switch resp[0] {
	case 'W':
		c.status = ProcessStatus{exited: true, exitStatus: int(code)}
		return runtime.Stop{Reason: runtime.StopExited, ExitStatus: int(code)}, nil
	case 'X':
		c.status = ProcessStatus{exited: true, exitStatus: 128 + int(code), signal: int(code)}
		return runtime.Stop{Reason: runtime.StopExited, ExitStatus: 128 + int(code), Signal: int(code)}, nil
	case 'T':
		if err := c.expedite(resp[3:]); err != nil {
			return runtime.Stop{}, err
		}
	case 'S':
	default:
		return runtime.Stop{}, &ProtocolError{context: "stop reply", reply: string(resp)}
	}
	c.status = ProcessStatus{signal: int(code)}
	pc, err := c.pc()
	if err != nil {
		return runtime.Stop{}, err
	}
	s := runtime.Stop{PC: pc, Signal: int(code)}
	switch {
	case code == interruptSignal && interrupted:
		s.Reason = runtime.StopInterrupted
	case code == breakpointSignal && c.breakpoints[pc]:
		s.Reason = runtime.StopBreakpoint
	case code == breakpointSignal:
		s.Reason = runtime.StopStep
	default:
		s.Reason = runtime.StopSignal
	}
	return s, nil
}

// expedite records the "n:value;" register pairs of a 'T' reply.
func (c *Client) expedite(pairs []byte) error {
	for _, pair := range bytes.Split(pairs, []byte{';'}) {
		i := bytes.IndexByte(pair, ':')
		if i < 0 {
			continue
		}
		idx, err := strconv.ParseUint(string(pair[:i]), 16, 32)
		if err != nil {
			// thread, core, watch and other named fields
			continue
		}
		v, err := hexValue(pair[i+1:], "stop reply")
		if err != nil {
			return err
		}
		c.expedited[int(idx)] = v
	}
	return nil
}

// Detach ends the session, leaving the process running when kill is false.
func (c *Client) Detach(kill bool) error {
	if c.status.exited {
		return nil
	}
	if kill {
		// the stub closes the connection without replying
		return c.conn.send("k")
	}
	_, err := c.conn.execOK("D", "detach")
	return err
}
