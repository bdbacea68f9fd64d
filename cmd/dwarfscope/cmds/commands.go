package cmds

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/undoio/dwarfscope/pkg/arch"
	"github.com/undoio/dwarfscope/pkg/config"
	"github.com/undoio/dwarfscope/pkg/dwarf"
	"github.com/undoio/dwarfscope/pkg/gdbserial"
	"github.com/undoio/dwarfscope/pkg/logflags"
	"github.com/undoio/dwarfscope/pkg/runtime"
	"github.com/undoio/dwarfscope/pkg/script"
	"github.com/undoio/dwarfscope/pkg/symbols"
	"github.com/undoio/dwarfscope/pkg/terminal"
	"github.com/undoio/dwarfscope/pkg/watcher"
)

var (
	// logFlag is whether to log debug statements.
	logFlag bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// configPath overrides the default configuration file.
	configPath string
	// archName overrides the architecture of the configuration.
	archName string
	// cpuProfile is the directory receiving a CPU profile.
	cpuProfile string
	// dialTimeout bounds the connection to the stub.
	dialTimeout time.Duration

	conf     *config.Config
	profiler interface{ Stop() }
)

const dwarfscopeCommandLongDesc = `dwarfscope inspects running C programs through their DWARF debug
information.

The offline commands query a binary without running it. The connect
command attaches to a GDB remote stub (gdbserver, QEMU, udbserver)
debugging that binary and starts an interactive session in which
breakpoint handlers can be written as Starlark scripts.`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	rootCommand := &cobra.Command{
		Use:           "dwarfscope",
		Short:         "dwarfscope is a live DWARF introspection tool for C programs.",
		Long:          dwarfscopeCommandLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if profiler != nil {
				profiler.Stop()
			}
		},
	}
	addGlobalFlags(rootCommand.PersistentFlags())

	infoCommand := &cobra.Command{
		Use:   "info <binary>",
		Short: "List the compilation units of a binary.",
		Args:  cobra.ExactArgs(1),
		RunE:  infoCmd,
	}
	rootCommand.AddCommand(infoCommand)

	linesCommand := &cobra.Command{
		Use:   "lines <binary> <file>:<line>",
		Short: "Print the addresses of a source line.",
		Long: `Print the addresses of a source line.

The file may be given by any unambiguous suffix of its path.`,
		Args: cobra.ExactArgs(2),
		RunE: linesCmd,
	}
	rootCommand.AddCommand(linesCommand)

	symbolCommand := &cobra.Command{
		Use:   "symbol <binary> <name>",
		Short: "Resolve a name to its subprograms, type and global variable.",
		Args:  cobra.ExactArgs(2),
		RunE:  symbolCmd,
	}
	rootCommand.AddCommand(symbolCommand)

	cfaCommand := &cobra.Command{
		Use:   "cfa <binary> <address>",
		Short: "Print the call frame row in effect at an address.",
		Args:  cobra.ExactArgs(2),
		RunE:  cfaCmd,
	}
	rootCommand.AddCommand(cfaCommand)

	connectCommand := &cobra.Command{
		Use:   "connect <binary> <host:port>",
		Short: "Connect to a GDB remote stub and start an interactive session.",
		Long: `Connect to a GDB remote stub and start an interactive session.

The scripts listed in the configuration file are registered before the
prompt is shown.`,
		Args: cobra.ExactArgs(2),
		RunE: connectCmd,
	}
	connectCommand.Flags().DurationVar(&dialTimeout, "timeout", 10*time.Second, "Timeout when connecting to the stub.")
	rootCommand.AddCommand(connectCommand)

	replayCommand := &cobra.Command{
		Use:   "replay <binary> <recording>",
		Short: "Replay an UndoDB LiveRecorder recording and start an interactive session.",
		Long: `Replay an UndoDB LiveRecorder recording and start an interactive session.

udbserver must be installed and in PATH.`,
		Args: cobra.ExactArgs(2),
		RunE: replayCmd,
	}
	replayCommand.Flags().DurationVar(&dialTimeout, "timeout", 10*time.Second, "Timeout when connecting to udbserver.")
	rootCommand.AddCommand(replayCommand)

	if docCall {
		rootCommand.DisableAutoGenTag = true
	}
	return rootCommand
}

func addGlobalFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&logFlag, "log", "", false, "Enable logging.")
	fs.StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output, possible values:
	dwarf	Log DWARF index and symbol cache activity
	runtime	Log session activity (default)
	gdbwire	Log GDB remote serial protocol packets
	watcher	Log breakpoint handler registration
Defaults to "runtime" when logging is enabled with --log.`)
	fs.StringVar(&configPath, "config", "", "Configuration file (defaults to $XDG_CONFIG_HOME/dwarfscope/config.yml).")
	fs.StringVar(&archName, "arch", "", "Target architecture, overriding the configuration.")
	fs.StringVar(&cpuProfile, "cpuprofile", "", "Write a CPU profile of dwarfscope into this directory.")
}

func setup() error {
	var err error
	conf, err = config.Load(configPath)
	if err != nil {
		return err
	}
	log, logstr := logFlag, logOutput
	if !log && logstr == "" && conf.LogOutput != "" {
		log, logstr = true, conf.LogOutput
	}
	if err := logflags.Setup(log, logstr, os.Stderr); err != nil {
		return err
	}
	if cpuProfile != "" {
		profiler = profile.Start(profile.CPUProfile, profile.ProfilePath(cpuProfile), profile.Quiet)
	}
	return nil
}

func loadCache(path string) (*symbols.Cache, error) {
	info, err := dwarf.Parse(path)
	if err != nil {
		return nil, err
	}
	return symbols.New(info), nil
}

func infoCmd(cmd *cobra.Command, args []string) error {
	cache, err := loadCache(args[0])
	if err != nil {
		return err
	}
	units, err := cache.Info.Units()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %s, %d units\n", args[0], cache.Info.Image.ArchName(), len(units))
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	for _, u := range units {
		fmt.Fprintf(w, "%d\t%s\tDWARF %d\t%d ranges\t%s\n", u.Index, u.Path(), u.Version, len(u.Ranges), u.Producer)
	}
	return w.Flush()
}

func splitLine(s string) (string, int, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return "", 0, fmt.Errorf("invalid location %q, expected <file>:<line>", s)
	}
	line, err := strconv.Atoi(s[i+1:])
	if err != nil || line <= 0 {
		return "", 0, fmt.Errorf("invalid line in %q", s)
	}
	return s[:i], line, nil
}

func linesCmd(cmd *cobra.Command, args []string) error {
	cache, err := loadCache(args[0])
	if err != nil {
		return err
	}
	file, line, err := splitLine(args[1])
	if err != nil {
		return err
	}
	addrs, err := cache.Info.AddrsForLine(file, line)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, addr := range addrs {
		fn := "?"
		if sub, err := cache.Subprogram(addr); err == nil {
			fn = sub.Name
		}
		fmt.Fprintf(out, "%#x %s\n", addr, fn)
	}
	return nil
}

func symbolCmd(cmd *cobra.Command, args []string) error {
	cache, err := loadCache(args[0])
	if err != nil {
		return err
	}
	sym, err := cache.Lookup(args[1])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, sub := range sym.Subprograms {
		fmt.Fprintf(out, "function %s at %#x\n", sub.Name, sub.LowPC())
	}
	if sym.Type != nil {
		fmt.Fprintf(out, "type %s (%s)\n", sym.Type, sym.Type.Strip().Code)
	}
	if sym.Global != nil {
		t, err := sym.Global.Type()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "variable %s %s\n", sym.Global, t)
	}
	return nil
}

func cfaCmd(cmd *cobra.Command, args []string) error {
	cache, err := loadCache(args[0])
	if err != nil {
		return err
	}
	addr, err := strconv.ParseUint(strings.TrimPrefix(args[1], "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q", args[1])
	}
	row, err := cache.Info.CFR(addr)
	if err != nil {
		return err
	}
	cfa, err := cache.Info.CFAOf(row)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), row)
	fmt.Fprintf(cmd.OutOrStdout(), "cfa = %s\n", cfa)
	return nil
}

func targetArch(cache *symbols.Cache, binary string) (*arch.Arch, error) {
	name := archName
	if name == "" {
		name = conf.Arch
	}
	a, err := arch.ByName(name)
	if err != nil {
		return nil, err
	}
	if im := cache.Info.Image.ArchName(); im != a.Name {
		logrus.WithFields(logrus.Fields{"layer": "dwarfscope"}).Warnf("%s is %s, debugging it as %s", binary, im, a.Name)
	}
	return a, nil
}

func connectCmd(cmd *cobra.Command, args []string) error {
	cache, err := loadCache(args[0])
	if err != nil {
		return err
	}
	a, err := targetArch(cache, args[0])
	if err != nil {
		return err
	}
	conn, err := net.DialTimeout("tcp", args[1], dialTimeout)
	if err != nil {
		return errors.Wrapf(err, "could not connect to %s", args[1])
	}
	defer conn.Close()
	return session(cmd, cache, gdbserial.New(conn, a), a, args[1])
}

func replayCmd(cmd *cobra.Command, args []string) error {
	cache, err := loadCache(args[0])
	if err != nil {
		return err
	}
	a, err := targetArch(cache, args[0])
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	server, err := gdbserial.UndoReplay(ctx, args[1], a, !logFlag)
	if err != nil {
		return err
	}
	defer server.Close()
	return session(cmd, cache, server.Client, a, args[1])
}

// session runs the interactive prompt over client once the scripts of the
// configuration are registered.
func session(cmd *cobra.Command, cache *symbols.Cache, client *gdbserial.Client, a *arch.Arch, target string) error {
	rt := runtime.New(cache, client, a)
	stop, err := client.Handshake(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "connected to %s: %s\n", target, stop)

	adjuster, err := watcher.FromConfig(conf.LineAdjustments)
	if err != nil {
		return err
	}
	w := watcher.New(rt, adjuster)
	for _, path := range conf.Scripts {
		s, err := script.Load(path, nil, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		n, err := w.Register(s.Candidates()...)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d handlers registered from %s\n", n, path)
	}

	status, err := terminal.New(rt, w, client, conf).Run()
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("session ended with status %d", status)
	}
	return nil
}
