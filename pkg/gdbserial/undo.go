package gdbserial

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	goruntime "runtime"
	"time"

	"github.com/undoio/dwarfscope/pkg/arch"
)

// ErrBackendUnavailable is returned when the UndoDB tools are not installed.
type ErrBackendUnavailable struct{}

func (err *ErrBackendUnavailable) Error() string {
	return "backend unavailable"
}

const undoDialRetry = 50 * time.Millisecond

func serverFile() (string, error) {
	switch goruntime.GOARCH {
	case "amd64":
		return "udbserver_x64", nil
	case "arm64":
		return "udbserver_arm64", nil
	case "386":
		return "udbserver_x32", nil
	default:
		return "", &ErrBackendUnavailable{}
	}
}

// UndoIsAvailable reports an error when udbserver is not in PATH.
func UndoIsAvailable() error {
	server, err := serverFile()
	if err != nil {
		return err
	}
	if _, err := exec.LookPath(server); err != nil {
		return &ErrBackendUnavailable{}
	}
	return nil
}

// UndoIsRecording reports whether recordingFile is a LiveRecorder
// recording.
func UndoIsRecording(recordingFile string) (result bool, err error) {
	marker := []byte("HD\x10\x00\x00\x00UndoDB recording")

	f, err := os.Open(recordingFile)
	if err != nil {
		return false, err
	}
	defer f.Close()

	data := make([]byte, len(marker))
	c, err := f.Read(data)
	if err != nil || c != len(marker) {
		return false, err
	}

	return bytes.Equal(marker, data), nil
}

// UndoServer is a udbserver replaying a recording, with a client connected
// to it.
type UndoServer struct {
	*Client
	cmd  *exec.Cmd
	conn net.Conn
}

// Close drops the connection and kills the server.
func (s *UndoServer) Close() error {
	s.conn.Close()
	if err := s.cmd.Process.Kill(); err != nil {
		return err
	}
	s.cmd.Wait()
	return nil
}

func unusedPort() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer l.Close()
	return l.Addr().String(), nil
}

// UndoReplay starts udbserver on recording and connects to it. The
// connection is retried until ctx is done while the server starts up.
func UndoReplay(ctx context.Context, recording string, a *arch.Arch, quiet bool) (*UndoServer, error) {
	if err := UndoIsAvailable(); err != nil {
		return nil, err
	}
	if isRecording, err := UndoIsRecording(recording); !isRecording || err != nil {
		if err == nil {
			err = fmt.Errorf("%s is not a LiveRecorder recording", recording)
		}
		return nil, err
	}

	addr, err := unusedPort()
	if err != nil {
		return nil, err
	}
	_, port, _ := net.SplitHostPort(addr)
	server, err := serverFile()
	if err != nil {
		return nil, err
	}
	servercmd := exec.Command(server, "--load-file", recording, "--connect-port", port)
	if !quiet {
		servercmd.Env = os.Environ()
		servercmd.Stdout = os.Stdout
		servercmd.Stderr = os.Stderr
	}
	if err := servercmd.Start(); err != nil {
		return nil, err
	}

	var conn net.Conn
	for {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			servercmd.Process.Kill()
			servercmd.Wait()
			return nil, fmt.Errorf("could not connect to %s on %s: %v", server, addr, err)
		case <-time.After(undoDialRetry):
		}
	}
	return &UndoServer{Client: New(conn, a), cmd: servercmd, conn: conn}, nil
}
