package gdbserial

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/undoio/dwarfscope/pkg/logflags"
)

const (
	maxTransmitAttempts    = 3    // number of retransmission attempts on failed checksum
	initialInputBufferSize = 2048 // size of the input buffer for gdbConn
	interruptByte          = 0x03
)

// ProtocolError is an error reply ("Exx") of the stub, or a reply that
// could not be understood.
type ProtocolError struct {
	context string
	cmd     string
	reply   string
}

func (err *ProtocolError) Error() string {
	if err.cmd == "" {
		return fmt.Sprintf("protocol error %s during %s", err.reply, err.context)
	}
	return fmt.Sprintf("protocol error %s during %s; cmd %s", err.reply, err.context, err.cmd)
}

// Code returns the error number of an "Exx" reply, -1 for malformed
// replies.
func (err *ProtocolError) Code() int {
	if len(err.reply) == 3 && err.reply[0] == 'E' {
		if n, perr := strconv.ParseUint(err.reply[1:], 16, 8); perr == nil {
			return int(n)
		}
	}
	return -1
}

// gdbConn frames GDB remote serial protocol packets over a stream.
type gdbConn struct {
	rw  io.ReadWriter
	rdr *bufio.Reader
	wmu sync.Mutex

	ack   bool // acknowledgement mode, on until QStartNoAckMode succeeds
	inbuf []byte
	log   *logrus.Entry

	// broken is set once a reply may be pending that nobody will read;
	// every later command fails with it.
	broken error
}

func newConn(rw io.ReadWriter) *gdbConn {
	return &gdbConn{
		rw:    rw,
		rdr:   bufio.NewReader(rw),
		ack:   true,
		inbuf: make([]byte, 0, initialInputBufferSize),
		log:   logflags.GDBWireLogger(),
	}
}

func checksum(payload []byte) uint8 {
	var sum uint8
	for _, b := range payload {
		sum += b
	}
	return sum
}

func (conn *gdbConn) write(data []byte) error {
	conn.wmu.Lock()
	defer conn.wmu.Unlock()
	_, err := conn.rw.Write(data)
	return err
}

// send writes cmd as a packet, retransmitting it when the stub asks.
func (conn *gdbConn) send(cmd string) error {
	if conn.broken != nil {
		return conn.broken
	}
	pkt := fmt.Sprintf("$%s#%02x", cmd, checksum([]byte(cmd)))
	for attempt := 0; attempt < maxTransmitAttempts; attempt++ {
		if logflags.GDBWire() {
			conn.log.Debugf("-> %s", pkt)
		}
		if err := conn.write([]byte(pkt)); err != nil {
			return err
		}
		if !conn.ack {
			return nil
		}
		c, err := conn.rdr.ReadByte()
		if err != nil {
			return err
		}
		switch c {
		case '+':
			return nil
		case '-':
			continue
		default:
			return &ProtocolError{context: "ack", cmd: cmd, reply: string(c)}
		}
	}
	return &ProtocolError{context: "ack", cmd: cmd, reply: "too many retransmissions"}
}

// recv reads the next packet and returns its decoded payload. Output
// between packets (stray acks) is skipped. The returned slice is valid
// until the next recv.
func (conn *gdbConn) recv(context string) ([]byte, error) {
	for attempt := 0; attempt < maxTransmitAttempts; attempt++ {
		for {
			c, err := conn.rdr.ReadByte()
			if err != nil {
				return nil, err
			}
			if c == '$' {
				break
			}
		}
		raw, err := conn.rdr.ReadBytes('#')
		if err != nil {
			return nil, err
		}
		raw = raw[:len(raw)-1]
		var sumhex [2]byte
		if _, err := io.ReadFull(conn.rdr, sumhex[:]); err != nil {
			return nil, err
		}
		if logflags.GDBWire() {
			conn.log.Debugf("<- $%s#%s", raw, sumhex[:])
		}
		sum, err := strconv.ParseUint(string(sumhex[:]), 16, 8)
		if err != nil || uint8(sum) != checksum(raw) {
			if !conn.ack {
				return nil, &ProtocolError{context: context, reply: "checksum mismatch"}
			}
			if err := conn.write([]byte{'-'}); err != nil {
				return nil, err
			}
			continue
		}
		if conn.ack {
			if err := conn.write([]byte{'+'}); err != nil {
				return nil, err
			}
		}
		conn.inbuf = decode(conn.inbuf[:0], raw)
		return conn.inbuf, nil
	}
	return nil, &ProtocolError{context: context, reply: "too many retransmissions"}
}

// decode expands run-length encoding and '}' escapes of a packet payload.
func decode(dst, raw []byte) []byte {
	for i := 0; i < len(raw); i++ {
		switch c := raw[i]; {
		case c == '}' && i+1 < len(raw):
			i++
			dst = append(dst, raw[i]^0x20)
		case c == '*' && i+1 < len(raw) && len(dst) > 0:
			i++
			n := int(raw[i]) - 29
			last := dst[len(dst)-1]
			for j := 0; j < n; j++ {
				dst = append(dst, last)
			}
		default:
			dst = append(dst, c)
		}
	}
	return dst
}

// exec sends cmd and returns the reply, converting "Exx" replies into
// *ProtocolError.
func (conn *gdbConn) exec(cmd, context string) ([]byte, error) {
	if err := conn.send(cmd); err != nil {
		return nil, err
	}
	resp, err := conn.recv(context)
	if err != nil {
		return nil, err
	}
	if isError(resp) {
		return nil, &ProtocolError{context: context, cmd: cmd, reply: string(resp)}
	}
	return resp, nil
}

// execOK is exec for commands whose only successful reply is OK. An empty
// reply (unsupported command) is returned as ok == false.
func (conn *gdbConn) execOK(cmd, context string) (ok bool, err error) {
	resp, err := conn.exec(cmd, context)
	if err != nil {
		return false, err
	}
	switch string(resp) {
	case "OK":
		return true, nil
	case "":
		return false, nil
	}
	return false, &ProtocolError{context: context, cmd: cmd, reply: string(resp)}
}

func isError(resp []byte) bool {
	if len(resp) != 3 || resp[0] != 'E' {
		return false
	}
	_, err := hex.DecodeString(string(resp[1:]))
	return err == nil
}

// interrupt sends the out-of-band interrupt request.
func (conn *gdbConn) markBroken(err error) {
	if conn.broken == nil {
		conn.broken = errors.Wrap(err, "connection to the stub is out of sync")
	}
}

func (conn *gdbConn) interrupt() error {
	if logflags.GDBWire() {
		conn.log.Debugf("-> interrupt")
	}
	return conn.write([]byte{interruptByte})
}

// startNoAck asks the stub to stop acknowledging packets.
func (conn *gdbConn) startNoAck() error {
	ok, err := conn.execOK("QStartNoAckMode", "init")
	if err != nil {
		return err
	}
	if ok {
		conn.ack = false
	}
	return nil
}

// hexValue parses the hex encoded bytes of a register or memory reply.
func hexValue(resp []byte, context string) ([]byte, error) {
	if bytes.ContainsRune(resp, 'x') {
		return nil, &ProtocolError{context: context, reply: "value unavailable"}
	}
	out := make([]byte, hex.DecodedLen(len(resp)))
	if _, err := hex.Decode(out, resp); err != nil {
		return nil, &ProtocolError{context: context, reply: string(resp)}
	}
	return out, nil
}
