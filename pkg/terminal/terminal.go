package terminal

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"

	"github.com/undoio/dwarfscope/pkg/config"
	"github.com/undoio/dwarfscope/pkg/runtime"
	"github.com/undoio/dwarfscope/pkg/watcher"
)

const (
	historyFile = ".dwarfscope_history"

	colorStart = "\033[34m"
	colorReset = "\033[0m"
)

// Detacher ends the connection to the target.
type Detacher interface {
	Detach(kill bool) error
}

// Term represents the terminal running dwarfscope.
type Term struct {
	rt       *runtime.Runtime
	w        *watcher.Watcher
	detacher Detacher
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	stdout   io.Writer
	colors   bool
}

// New returns a new Term for the session rt. Handlers sourced from scripts
// are registered through w; exiting detaches through d.
func New(rt *runtime.Runtime, w *watcher.Watcher, d Detacher, conf *config.Config) *Term {
	if conf == nil {
		conf = config.Default()
	}
	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb"
	return &Term{
		rt:       rt,
		w:        w,
		detacher: d,
		conf:     conf,
		prompt:   "(dwarfscope) ",
		cmds:     DebugCommands(),
		stdout:   colorable.NewColorableStdout(),
		colors:   !dumb && (isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())),
	}
}

func (t *Term) colorize(s string) string {
	if !t.colors {
		return s
	}
	return colorStart + s + colorReset
}

// interruptible returns a context cancelled by the first Ctrl-C.
func (t *Term) interruptible() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	go func() {
		select {
		case <-ch:
			fmt.Fprintln(t.stdout, "received SIGINT, stopping process")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}

// Exec runs a single command line.
func (t *Term) Exec(cmdstr string) error {
	return t.cmds.Call(cmdstr, t)
}

// Run begins running the session until the user exits.
func (t *Term) Run() (int, error) {
	t.line = liner.NewLiner()
	defer t.line.Close()
	t.line.SetCtrlCAborts(true)
	t.line.SetCompleter(func(line string) (c []string) {
		for _, cmd := range t.cmds.cmds {
			for _, alias := range cmd.aliases {
				if strings.HasPrefix(alias, strings.ToLower(line)) {
					c = append(c, alias)
				}
			}
		}
		return
	})

	fullHistoryFile := filepath.Join(filepath.Dir(config.DefaultPath()), historyFile)
	if f, err := os.Open(fullHistoryFile); err == nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(fullHistoryFile); err == nil {
			t.line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")
	where(t, nil)

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF || err == liner.ErrPromptAborted {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}
		if err := t.Exec(cmdstr); err != nil {
			if err == ErrExit {
				return 0, nil
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}
	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}
	return l, nil
}

func (t *Term) handleExit() (int, error) {
	if err := exitCommand(t, nil); err != ErrExit {
		return 1, err
	}
	return 0, nil
}
