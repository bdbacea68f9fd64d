package gdbserial_test

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undoio/dwarfscope/pkg/arch"
	"github.com/undoio/dwarfscope/pkg/gdbserial"
	"github.com/undoio/dwarfscope/pkg/runtime"
	"github.com/undoio/dwarfscope/pkg/runtime/runtimetest"
)

const pcIndex = 16

// stubEvent is where the stub process stops on the next 'c'. Hang waits
// for an interrupt instead.
type stubEvent struct {
	PC   uint64
	Hang bool
}

// stub is a minimal single-threaded GDB remote protocol server.
type stub struct {
	conn  net.Conn
	rdr   *bufio.Reader
	noAck bool

	regs map[int]uint64
	mem  map[uint64]byte
	bps  map[uint64]bool
	plan []stubEvent
	exit int

	// canned replies by command, sent verbatim
	canned map[string]string
	// corrupt sends the next reply with a bad checksum once
	corrupt   bool
	rejectP   bool
	cmds      []string
	nacks     int
	interrupt int
}

func newStub(t *testing.T) (*stub, net.Conn) {
	server, client := net.Pipe()
	s := &stub{
		conn:   server,
		rdr:    bufio.NewReader(server),
		regs:   map[int]uint64{pcIndex: runtimetest.ReturnPC},
		mem:    make(map[uint64]byte),
		bps:    make(map[uint64]bool),
		canned: make(map[string]string),
	}
	go s.serve()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return s, client
}

func (s *stub) readPacket() (string, error) {
	for {
		b, err := s.rdr.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0x03 {
			return "\x03", nil
		}
		if b == '$' {
			break
		}
	}
	data, err := s.rdr.ReadString('#')
	if err != nil {
		return "", err
	}
	var sum [2]byte
	if _, err := s.rdr.Read(sum[:1]); err != nil {
		return "", err
	}
	if _, err := s.rdr.Read(sum[1:]); err != nil {
		return "", err
	}
	return data[:len(data)-1], nil
}

func (s *stub) writePacket(payload string) error {
	var sum byte
	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}
	if s.corrupt {
		s.corrupt = false
		if _, err := fmt.Fprintf(s.conn, "$%s#%02x", payload, sum+1); err != nil {
			return err
		}
		b, err := s.rdr.ReadByte()
		if err != nil {
			return err
		}
		if b == '-' {
			s.nacks++
		}
	}
	_, err := fmt.Fprintf(s.conn, "$%s#%02x", payload, sum)
	return err
}

func (s *stub) serve() {
	for {
		pkt, err := s.readPacket()
		if err != nil {
			return
		}
		if pkt == "\x03" {
			continue
		}
		s.cmds = append(s.cmds, pkt)
		if !s.noAck {
			if _, err := s.conn.Write([]byte("+")); err != nil {
				return
			}
		}
		resp, ok := s.canned[pkt]
		if !ok {
			resp, err = s.dispatch(pkt)
			if err != nil {
				return
			}
		}
		if err := s.writePacket(resp); err != nil {
			return
		}
		if pkt == "QStartNoAckMode" {
			s.noAck = true
		}
	}
}

func le(v uint64, size int) string {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return hex.EncodeToString(buf[:size])
}

func (s *stub) stopReply(sig int) string {
	return fmt.Sprintf("T%02x%02x:%s;thread:p01.01;", sig, pcIndex, le(s.regs[pcIndex], 8))
}

func triplet(cmd string) (uint64, uint64) {
	parts := strings.Split(cmd[1:], ",")
	a, _ := strconv.ParseUint(parts[0], 16, 64)
	b, _ := strconv.ParseUint(strings.SplitN(parts[1], ":", 2)[0], 16, 64)
	return a, b
}

// breakpointAddr parses the address of a Z or z packet, which carries the
// breakpoint type before it.
func breakpointAddr(cmd string) uint64 {
	parts := strings.Split(cmd, ",")
	if len(parts) < 3 {
		return 0
	}
	addr, _ := strconv.ParseUint(parts[1], 16, 64)
	return addr
}

func (s *stub) dispatch(cmd string) (string, error) {
	switch {
	case strings.HasPrefix(cmd, "qSupported"):
		return "PacketSize=4000;QStartNoAckMode+", nil
	case cmd == "QStartNoAckMode":
		return "OK", nil
	case cmd == "?":
		return s.stopReply(5), nil
	case cmd == "g":
		var sb strings.Builder
		for i, size := range arch.AMD64.GDBRegSizes {
			sb.WriteString(le(s.regs[i], size))
		}
		return sb.String(), nil
	case cmd[0] == 'p':
		if s.rejectP {
			return "", nil
		}
		idx, _ := strconv.ParseUint(cmd[1:], 16, 32)
		return le(s.regs[int(idx)], arch.AMD64.GDBRegSizes[idx]), nil
	case cmd[0] == 'P':
		eq := strings.IndexByte(cmd, '=')
		idx, _ := strconv.ParseUint(cmd[1:eq], 16, 32)
		buf, _ := hex.DecodeString(cmd[eq+1:])
		var tmp [8]byte
		copy(tmp[:], buf)
		s.regs[int(idx)] = binary.LittleEndian.Uint64(tmp[:])
		return "OK", nil
	case cmd[0] == 'm':
		addr, n := triplet(cmd)
		out := make([]byte, n)
		for i := range out {
			b, ok := s.mem[addr+uint64(i)]
			if !ok {
				return "E14", nil
			}
			out[i] = b
		}
		return hex.EncodeToString(out), nil
	case cmd[0] == 'M':
		addr, _ := triplet(cmd)
		data, _ := hex.DecodeString(cmd[strings.IndexByte(cmd, ':')+1:])
		for i, b := range data {
			s.mem[addr+uint64(i)] = b
		}
		return "OK", nil
	case strings.HasPrefix(cmd, "Z0,"):
		s.bps[breakpointAddr(cmd)] = true
		return "OK", nil
	case strings.HasPrefix(cmd, "z0,"):
		delete(s.bps, breakpointAddr(cmd))
		return "OK", nil
	case cmd == "s":
		s.regs[pcIndex]++
		return s.stopReply(5), nil
	case cmd == "c":
		if len(s.plan) == 0 {
			return fmt.Sprintf("W%02x", s.exit), nil
		}
		ev := s.plan[0]
		s.plan = s.plan[1:]
		if ev.Hang {
			for {
				pkt, err := s.readPacket()
				if err != nil {
					return "", err
				}
				if pkt == "\x03" {
					s.interrupt++
					return "S02", nil
				}
			}
		}
		s.regs[pcIndex] = ev.PC
		return s.stopReply(5), nil
	case cmd == "D":
		return "OK", nil
	}
	return "", nil
}

func (s *stub) count(prefix string) int {
	n := 0
	for _, c := range s.cmds {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func connect(t *testing.T) (*stub, *gdbserial.Client) {
	t.Helper()
	s, conn := newStub(t)
	c := gdbserial.New(conn, arch.AMD64)
	stop, err := c.Handshake(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runtime.StopStep, stop.Reason)
	assert.Equal(t, uint64(runtimetest.ReturnPC), stop.PC)
	return s, c
}

type recorder struct {
	resumes int
	stops   []runtime.Stop
}

func (r *recorder) OnResume()            { r.resumes++ }
func (r *recorder) OnStop(s runtime.Stop) { r.stops = append(r.stops, s) }

func TestRegisters(t *testing.T) {
	s, c := connect(t)
	s.regs[6] = 0x7ff0

	pc, err := c.ReadRegister("rip")
	require.NoError(t, err)
	assert.Equal(t, uint64(runtimetest.ReturnPC), pc)
	assert.Zero(t, s.count("p"), "pc comes with the stop reply")

	rbp, err := c.ReadRegister("rbp")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7ff0), rbp)
	assert.Equal(t, 1, s.count("p6"))

	require.NoError(t, c.WriteRegister("rax", 0x1234))
	assert.Equal(t, uint64(0x1234), s.regs[0])
	rax, err := c.ReadRegister("rax")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), rax)

	_, err = c.ReadRegister("xmm0")
	assert.Error(t, err)
}

func TestRegistersWithoutP(t *testing.T) {
	s, c := connect(t)
	s.rejectP = true
	s.regs[1] = 0xbb
	s.regs[3] = 0xdd
	s.regs[17] = 0x246

	rbx, err := c.ReadRegister("rbx")
	require.NoError(t, err)
	assert.Equal(t, uint64(0xbb), rbx)
	flags, err := c.ReadRegister("eflags")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x246), flags)
	rdx, err := c.ReadRegister("rdx")
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdd), rdx)
	assert.Equal(t, 1, s.count("p"))
	assert.Equal(t, 3, s.count("g"))
}

func TestMemory(t *testing.T) {
	s, c := connect(t)
	require.NoError(t, c.WriteMemory(0x2000, []byte{1, 2, 3, 4}))
	assert.Equal(t, byte(3), s.mem[0x2002])

	data, err := c.ReadMemory(0x2001, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3, 4}, data)

	big := make([]byte, 0x500)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, c.WriteMemory(0x3000, big))
	data, err = c.ReadMemory(0x3000, len(big))
	require.NoError(t, err)
	assert.Equal(t, big, data)
	assert.Equal(t, 2, s.count("M3"))
	assert.Equal(t, 2, s.count("m3"))

	_, err = c.ReadMemory(0x9000, 4)
	var perr *gdbserial.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 0x14, perr.Code())
}

func TestRunLengthEncoding(t *testing.T) {
	s, c := connect(t)
	s.canned["m2000,8"] = "ab0*(00"
	data, err := c.ReadMemory(0x2000, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xab, 0, 0, 0, 0, 0, 0, 0}, data)
}

func TestChecksumRetransmission(t *testing.T) {
	s, conn := newStub(t)
	c := gdbserial.New(conn, arch.AMD64)
	s.mem[0x10] = 0x42
	s.corrupt = true
	data, err := c.ReadMemory(0x10, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x42}, data)
	assert.Equal(t, 1, s.nacks)
}

func TestBreakpointsAndResume(t *testing.T) {
	s, c := connect(t)
	rec := &recorder{}
	c.Subscribe(rec)
	s.plan = []stubEvent{{PC: runtimetest.AssignPC}, {PC: runtimetest.ReturnPC}}
	s.exit = 3

	require.NoError(t, c.SetBreakpoint(runtimetest.ReturnPC))
	assert.True(t, s.bps[runtimetest.ReturnPC])

	stop, err := c.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runtime.StopSignal, stop.Reason, "SIGTRAP away from a breakpoint")
	assert.Equal(t, 5, stop.Signal)
	stop, err = c.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runtime.StopBreakpoint, stop.Reason)
	assert.Equal(t, uint64(runtimetest.ReturnPC), stop.PC)

	stop, err = c.StepOverBreakpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runtime.StopStep, stop.Reason)
	assert.Equal(t, uint64(runtimetest.ReturnPC+1), stop.PC)
	assert.True(t, s.bps[runtimetest.ReturnPC], "breakpoint restored after the step")
	n := len(s.cmds)
	assert.Equal(t, []string{"z0,1014,1", "s", "Z0,1014,1"}, s.cmds[n-3:])

	stop, err = c.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runtime.StopExited, stop.Reason)
	assert.Equal(t, 3, stop.ExitStatus)
	assert.True(t, c.Status().Exited())

	_, err = c.Resume(context.Background())
	var exited runtime.ProcessExitedError
	require.ErrorAs(t, err, &exited)

	assert.Equal(t, 4, rec.resumes)
	require.Len(t, rec.stops, 4)
	assert.Equal(t, runtime.StopExited, rec.stops[3].Reason)
}

func TestInterrupt(t *testing.T) {
	s, c := connect(t)
	s.plan = []stubEvent{{Hang: true}}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	stop, err := c.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, runtime.StopInterrupted, stop.Reason)
	assert.Equal(t, 1, s.interrupt)
	assert.Equal(t, 2, c.Status().Signal())
}

func TestUnsupportedBreakpoint(t *testing.T) {
	s, c := connect(t)
	s.canned["Z0,1000,1"] = ""
	err := c.SetBreakpoint(0x1000)
	require.Error(t, err)
	assert.False(t, s.bps[0x1000])
}

func TestRuntimeOverRemoteTarget(t *testing.T) {
	s, conn := newStub(t)
	tgt := runtimetest.NewTarget()
	s.mem = tgt.Mem
	for name, v := range tgt.Regs {
		idx, _, _, ok := arch.AMD64.GDBRegister(name)
		require.True(t, ok)
		s.regs[idx] = v
	}
	s.plan = []stubEvent{{PC: runtimetest.CounterPC}}

	c := gdbserial.New(conn, arch.AMD64)
	rt := runtime.New(runtimetest.Program(t), c, arch.AMD64)
	_, err := c.Handshake(context.Background())
	require.NoError(t, err)

	x, err := rt.Lookup("x")
	require.NoError(t, err)
	n, err := x.Int()
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	hit := false
	_, err = rt.BreakAt("main.c", 22, runtime.HandlerFunc(func(rt *runtime.Runtime, bp *runtime.Breakpoint) error {
		hit = true
		return nil
	}))
	require.NoError(t, err)
	stop, err := rt.Continue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runtime.StopBreakpoint, stop.Reason)
	assert.True(t, hit)

	loc, err := rt.Location()
	require.NoError(t, err)
	assert.Equal(t, 22, loc.Line)
}

// noInterrupt fails to send the interrupt byte.
type noInterrupt struct {
	net.Conn
}

func (c noInterrupt) Write(p []byte) (int, error) {
	if len(p) == 1 && p[0] == 0x03 {
		return 0, errors.New("write refused")
	}
	return c.Conn.Write(p)
}

func TestInterruptFailureBreaksConnection(t *testing.T) {
	s, conn := newStub(t)
	c := gdbserial.New(noInterrupt{conn}, arch.AMD64)
	_, err := c.Handshake(context.Background())
	require.NoError(t, err)
	s.plan = []stubEvent{{Hang: true}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Resume(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write refused")

	// the pending stop reply would be taken as the answer to this read
	_, err = c.ReadMemory(0x10, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of sync")
}
