// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"

	"github.com/undoio/dwarfscope/pkg/eval"
	"github.com/undoio/dwarfscope/pkg/runtime"
	"github.com/undoio/dwarfscope/pkg/script"
)

const defaultExamineCount = 16

type cmdfunc func(t *Term, args []string) error

type command struct {
	aliases []string
	helpMsg string
	cmdFn   cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the interactive session.
type Commands struct {
	cmds []command
}

var (
	// ErrExit is returned by the quit command.
	ErrExit = errors.New("exit")

	errNoCmd = errors.New("command not available")
)

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"break", "b"}, cmdFn: breakpoint, helpMsg: `Sets a breakpoint.

	break <file>:<line>
	break *<address>

Every address of the line gets a breakpoint. Hitting it prints the location.`},
		{aliases: []string{"clear"}, cmdFn: clearCmd, helpMsg: `Deletes a breakpoint.

	clear <id>`},
		{aliases: []string{"breakpoints", "bp"}, cmdFn: breakpoints, helpMsg: "Print out info for active breakpoints."},
		{aliases: []string{"continue", "c"}, cmdFn: cont, helpMsg: `Run until a breakpoint or program termination.

Ctrl-C interrupts the target.`},
		{aliases: []string{"print", "p"}, cmdFn: printVar, helpMsg: `Evaluate a variable.

	print <name>[.<field>|.<index>]...

Numeric path components index arrays and pointers.`},
		{aliases: []string{"locals"}, cmdFn: locals, helpMsg: "Print the local variables in scope."},
		{aliases: []string{"regs"}, cmdFn: regs, helpMsg: "Print contents of CPU registers."},
		{aliases: []string{"stack", "bt"}, cmdFn: stacktrace, helpMsg: `Print stack trace.

	bt [<depth>]`},
		{aliases: []string{"examinemem", "x"}, cmdFn: examineMemory, helpMsg: `Examine memory or the current instruction.

	x
	x <address> [<count>]

Without arguments the instruction at the current PC is disassembled.`},
		{aliases: []string{"where", "w"}, cmdFn: where, helpMsg: "Print the current location."},
		{aliases: []string{"source"}, cmdFn: source, helpMsg: `Registers the breakpoint handlers of a Starlark script.

	source <path>

Every top-level function whose docstring starts with <file>:<line> handles
the breakpoints of that line.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the session, detaching from the target.

	exit [-k]

With -k the target is killed.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	return c
}

type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string) cmdfunc {
	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}
	return noCmdAvailable
}

// Call splits cmdstr into words and runs the command it names.
func (c *Commands) Call(cmdstr string, t *Term) error {
	words, err := splitArgs(cmdstr)
	if err != nil {
		return err
	}
	if len(words) == 0 {
		return nil
	}
	return c.Find(words[0])(t, words[1:])
}

func splitArgs(cmdstr string) ([]string, error) {
	cmdstr = strings.TrimSpace(cmdstr)
	if cmdstr == "" {
		return nil, nil
	}
	parsed, err := argv.Argv(cmdstr, func(s string) (string, error) {
		return "", fmt.Errorf("backtick not supported in '%s'", s)
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(parsed) > 1 {
		return nil, errors.New("pipes are not supported")
	}
	if len(parsed) == 0 {
		return nil, nil
	}
	return parsed[0], nil
}

func noCmdAvailable(t *Term, args []string) error {
	return errNoCmd
}

func (c *Commands) help(t *Term, args []string) error {
	if len(args) > 0 {
		for _, cmd := range c.cmds {
			if cmd.match(args[0]) {
				fmt.Fprintln(t.stdout, cmd.helpMsg)
				return nil
			}
		}
		return errNoCmd
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 0, ' ', 0)
	for _, cmd := range c.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// WriteMarkdown writes the table of commands in markdown format.
func (c *Commands) WriteMarkdown(w io.Writer) {
	fmt.Fprint(w, "# Commands\n\n")
	fmt.Fprint(w, "Command | Description\n")
	fmt.Fprint(w, "--------|------------\n")
	for _, cmd := range c.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		fmt.Fprintf(w, "[%s](#%s) | %s\n", cmd.aliases[0], cmd.aliases[0], h)
	}
	fmt.Fprint(w, "\n")
	for _, cmd := range c.cmds {
		fmt.Fprintf(w, "## %s\n%s\n\n", cmd.aliases[0], cmd.helpMsg)
		if len(cmd.aliases) > 1 {
			fmt.Fprint(w, "Aliases:")
			for _, alias := range cmd.aliases[1:] {
				fmt.Fprintf(w, " %s", alias)
			}
			fmt.Fprint(w, "\n")
		}
		fmt.Fprint(w, "\n")
	}
}

func parseAddr(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"), 16, 64)
}

func breakpoint(t *Term, args []string) error {
	if len(args) != 1 {
		return errors.New("wrong number of arguments: break <file>:<line> | *<address>")
	}
	if strings.HasPrefix(args[0], "*") {
		addr, err := parseAddr(args[0][1:])
		if err != nil {
			return fmt.Errorf("invalid address %q", args[0][1:])
		}
		r, err := t.rt.Break(addr, printHandler(t))
		if err != nil {
			return err
		}
		fmt.Fprintln(t.stdout, r.Breakpoint())
		return nil
	}
	i := strings.LastIndexByte(args[0], ':')
	if i < 0 {
		return fmt.Errorf("invalid location %q", args[0])
	}
	line, err := strconv.Atoi(args[0][i+1:])
	if err != nil {
		return fmt.Errorf("invalid line in %q", args[0])
	}
	rs, err := t.rt.BreakAt(args[0][:i], line, printHandler(t))
	if err != nil {
		return err
	}
	for _, r := range rs {
		fmt.Fprintln(t.stdout, r.Breakpoint())
	}
	return nil
}

// printHandler reports every hit and stops the session there.
func printHandler(t *Term) runtime.HandlerFunc {
	return func(rt *runtime.Runtime, bp *runtime.Breakpoint) error {
		fmt.Fprintf(t.stdout, "> %s hit %d\n", t.colorize(bp.String()), bp.HitCount)
		rt.Stop()
		return nil
	}
}

func clearCmd(t *Term, args []string) error {
	if len(args) != 1 {
		return errors.New("not enough arguments")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return err
	}
	for _, bp := range t.rt.Breakpoints() {
		if bp.ID != id {
			continue
		}
		for _, r := range bp.Registrations() {
			if err := t.rt.Remove(r); err != nil {
				return err
			}
		}
		fmt.Fprintf(t.stdout, "%s cleared\n", bp)
		return nil
	}
	return fmt.Errorf("no breakpoint with id %d", id)
}

func breakpoints(t *Term, args []string) error {
	for _, bp := range t.rt.Breakpoints() {
		fmt.Fprintf(t.stdout, "%s handlers=%d hits=%d\n", bp, bp.Handlers(), bp.HitCount)
	}
	return nil
}

func cont(t *Term, args []string) error {
	ctx, cancel := t.interruptible()
	defer cancel()
	s, err := t.rt.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if s.Reason == runtime.StopExited {
		fmt.Fprintf(t.stdout, "Process %s\n", s)
		return nil
	}
	return where(t, nil)
}

// valueAt resolves a dotted path rooted at a variable name.
func valueAt(rt *runtime.Runtime, path string) (*eval.Value, error) {
	parts := strings.Split(path, ".")
	v, err := rt.Lookup(parts[0])
	if err != nil {
		return nil, err
	}
	for _, p := range parts[1:] {
		if i, perr := strconv.ParseInt(p, 10, 64); perr == nil {
			v, err = v.Index(i)
		} else {
			v, err = v.Field(p)
		}
		if err != nil {
			return nil, err
		}
	}
	return v, nil
}

func printVar(t *Term, args []string) error {
	if len(args) != 1 {
		return errors.New("wrong number of arguments: print <name>")
	}
	v, err := valueAt(t.rt, args[0])
	if err != nil {
		return err
	}
	s, err := v.Render()
	if err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, s)
	return nil
}

func locals(t *Term, args []string) error {
	names, err := t.rt.Names()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(t.stdout, "(no locals)")
		return nil
	}
	for _, name := range names {
		v, err := t.rt.Lookup(name)
		if err != nil {
			fmt.Fprintf(t.stdout, "%s = <%v>\n", name, err)
			continue
		}
		s, err := v.Render()
		if err != nil {
			s = fmt.Sprintf("<%v>", err)
		}
		fmt.Fprintf(t.stdout, "%s = %s\n", name, s)
	}
	return nil
}

func regs(t *Term, args []string) error {
	a := t.rt.Arch()
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, ' ', 0)
	for _, name := range a.GDBRegisters {
		v, err := t.rt.RegisterByName(name)
		if err != nil {
			fmt.Fprintf(w, "%s\t<%v>\n", name, err)
			continue
		}
		fmt.Fprintf(w, "%s\t%#016x\n", name, v)
	}
	return w.Flush()
}

func stacktrace(t *Term, args []string) error {
	depth := t.conf.MaxBacktraceDepth
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid depth %q", args[0])
		}
		depth = n
	}
	frames, err := t.rt.Backtrace(depth)
	if err != nil {
		return err
	}
	for i, f := range frames {
		fmt.Fprintf(t.stdout, "%2d  %s\n", i, t.colorize(f.Current.String()))
		if i > 0 {
			fmt.Fprintf(t.stdout, "    called at %s:%d\n", f.Call.File, f.Call.Line)
		}
	}
	return nil
}

func examineMemory(t *Term, args []string) error {
	if len(args) == 0 {
		inst, text, err := t.rt.Instruction()
		if err != nil {
			return err
		}
		pc, _ := t.rt.PC()
		fmt.Fprintf(t.stdout, "%#x\t%s\t(%d bytes)\n", pc, text, inst.Len)
		return nil
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return fmt.Errorf("invalid address %q", args[0])
	}
	count := defaultExamineCount
	if len(args) > 1 {
		if count, err = strconv.Atoi(args[1]); err != nil || count <= 0 || count > math.MaxUint16 {
			return fmt.Errorf("invalid count %q", args[1])
		}
	}
	data, err := t.rt.ReadMemory(addr, count)
	if err != nil {
		return err
	}
	for off := 0; off < len(data); off += 8 {
		end := off + 8
		if end > len(data) {
			end = len(data)
		}
		fmt.Fprintf(t.stdout, "%#x:", addr+uint64(off))
		for _, b := range data[off:end] {
			fmt.Fprintf(t.stdout, " %02x", b)
		}
		fmt.Fprintln(t.stdout)
	}
	return nil
}

func where(t *Term, args []string) error {
	loc, err := t.rt.Location()
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "> %s\n", t.colorize(loc.String()))
	return nil
}

func source(t *Term, args []string) error {
	if len(args) != 1 {
		return errors.New("wrong number of arguments: source <path>")
	}
	s, err := script.Load(args[0], nil, t.stdout)
	if err != nil {
		return err
	}
	n, err := t.w.Register(s.Candidates()...)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%d handlers registered from %s\n", n, args[0])
	return nil
}

func exitCommand(t *Term, args []string) error {
	kill := len(args) > 0 && args[0] == "-k"
	if t.detacher != nil {
		if err := t.detacher.Detach(kill); err != nil {
			return err
		}
	}
	return ErrExit
}
