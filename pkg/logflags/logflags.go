// Package logflags configures the per-layer loggers used across dwarfscope.
package logflags

import (
	"errors"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	dwarf   = false
	runtime = false
	gdbWire = false
	watcher = false

	output io.Writer
	hooks  []logrus.Hook
)

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// DWARF returns true if the DWARF index should log.
func DWARF() bool { return dwarf }

// Runtime returns true if the runtime session should log.
func Runtime() bool { return runtime }

// GDBWire returns true if the GDB remote serial protocol traffic should be
// logged.
func GDBWire() bool { return gdbWire }

// Watcher returns true if breakpoint registration should log.
func Watcher() bool { return watcher }

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New()
	logger.Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	if output != nil {
		logger.Out = output
	}
	logger.Level = logrus.WarnLevel
	if flag {
		logger.Level = logrus.DebugLevel
	}
	for _, h := range hooks {
		logger.AddHook(h)
	}
	return logger.WithFields(fields)
}

// DWARFLogger returns a logger for the DWARF index and symbol cache.
func DWARFLogger() *logrus.Entry {
	return makeLogger(dwarf, logrus.Fields{"layer": "dwarf"})
}

// RuntimeLogger returns a logger for the runtime session. Stale value
// warnings go through it regardless of the flag.
func RuntimeLogger() *logrus.Entry {
	return makeLogger(runtime, logrus.Fields{"layer": "runtime"})
}

// GDBWireLogger returns a logger for the remote protocol client.
func GDBWireLogger() *logrus.Entry {
	return makeLogger(gdbWire, logrus.Fields{"layer": "gdbwire"})
}

// WatcherLogger returns a logger for declarative breakpoint registration.
func WatcherLogger() *logrus.Entry {
	return makeLogger(watcher, logrus.Fields{"layer": "watcher"})
}

// AddHook attaches h to every logger created afterwards.
func AddHook(h logrus.Hook) {
	hooks = append(hooks, h)
}

// Setup enables the layers listed in logstr (comma separated). An empty
// logstr with log set enables the runtime layer only.
func Setup(log bool, logstr string, out io.Writer) error {
	output = out
	if !log {
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "runtime"
	}
	for _, layer := range strings.Split(logstr, ",") {
		switch strings.TrimSpace(layer) {
		case "dwarf":
			dwarf = true
		case "runtime":
			runtime = true
		case "gdbwire":
			gdbWire = true
		case "watcher":
			watcher = true
		}
	}
	return nil
}
