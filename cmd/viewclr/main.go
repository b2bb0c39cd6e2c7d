// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Skip aix and plan9 for now: github.com/chzyer/readline doesn't support them.
//
//go:build !aix && !plan9

// The viewclr tool is a command-line tool for exploring the managed heap
// of a .NET process described by a runtime snapshot.
// Run "viewclr help" for a list of commands.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"runtime/pprof"
	"strings"

	"github.com/chzyer/readline"
	"github.com/cosiner/argv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/clrcore/clrcore/internal/clrcore"
	"github.com/clrcore/clrcore/internal/config"
	"github.com/clrcore/clrcore/internal/core"
	"github.com/clrcore/clrcore/internal/logflags"
	"github.com/clrcore/clrcore/internal/snapshot"
)

// Top-level command.
var cmdRoot = &cobra.Command{
	Use:   "viewclr <snapshot>",
	Short: "viewclr is a set of tools for analyzing the managed heap of a .NET process",
	Long: `
viewclr is a set of tools for analyzing the managed heap of a .NET process.

The following command starts an interactive shell for analysis of the
specified snapshot.

  viewclr <snapshot>

When provided a command in the following form, viewclr invokes the
command directly rather than starting in interactive mode.

  viewclr <snapshot> <command>

Example:

  viewclr heap.yaml histogram --top 10

For available analysis tools, run the following command.

  viewclr help
`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logflags.Setup(cfg.log, cfg.logOutput, nil); err != nil {
			return err
		}
		startProfile()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) { endProfile() },

	Args: cobra.ExactArgs(0), // either empty, <snapshot> or help <subcommand>
	Run:  runRoot,
}

type options struct {
	interactive bool

	// Set based on os.Args[1]
	snapshot string

	// flags
	careful   bool
	log       bool
	logOutput string
	cpuprof   string
}

var (
	cfg  options
	conf *config.Config
)

func init() {
	pf := cmdRoot.PersistentFlags()
	pf.BoolVar(&cfg.careful, "careful", false, "walk the heap carefully, skipping over corrupt objects")
	pf.BoolVar(&cfg.log, "log", false, "enable logging")
	pf.StringVar(&cfg.logOutput, "log-output", "", "comma separated list of layers to log: heap, gcroot, snapshot, core or all")
	pf.StringVar(&cfg.cpuprof, "prof", "", "write cpu profile of viewclr to this file for viewclr's developers")

	cmdRoot.AddCommand(commands()...)

	// customize the usage template - viewclr's command structure
	// is not typical of cobra-based command line tool.
	cobra.AddTemplateFunc("viewclrUseLine", useLine)
	cmdRoot.SetUsageTemplate(usageTmpl)
}

// useLine is like cobra.Command.UseLine but tweaked to use commandPath.
func useLine(c *cobra.Command) string {
	var useline string
	if c.HasParent() {
		useline = commandPath(c.Parent()) + " " + c.Use
	} else {
		useline = c.Use
	}
	if c.DisableFlagsInUseLine {
		return useline
	}
	if c.HasAvailableFlags() && !strings.Contains(useline, "[flags]") {
		useline += " [flags]"
	}
	return useline
}

// commandPath is like cobra.Command.CommandPath but tweaked to
// use c.Use instead of c.Name for the root command so it works
// with viewclr's unusual command structure.
func commandPath(c *cobra.Command) string {
	if c.HasParent() {
		return commandPath(c.Parent()) + " " + c.Name()
	}
	return c.Use
}

const usageTmpl = `Usage:{{if .Runnable}}
  {{viewclrUseLine .}}{{end}}{{if .HasAvailableSubCommands}}
  {{viewclrUseLine .}} [command]{{end}}{{if gt (len .Aliases) 0}}

Aliases:
  {{.NameAndAliases}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}

Available Commands:{{range .Commands}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasHelpSubCommands}}

Additional help topics:{{range .Commands}}{{if .IsAdditionalHelpTopicCommand}}
  {{rpad .CommandPath .CommandPathPadding}} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`

func main() {
	conf = config.LoadConfig(os.Stderr)
	addAliases(cmdRoot, conf.Aliases)
	setupOutput(conf.Color)

	args := os.Args[1:]
	if len(args) > 0 && args[0] != "help" && !strings.HasPrefix(args[0], "-") {
		cfg.snapshot = args[0]
		args = args[1:]
	}
	cmdRoot.SetArgs(args)
	if err := cmdRoot.Execute(); err != nil {
		os.Exit(1)
	}
}

// addAliases adds the configured aliases to the subcommands of root.
func addAliases(root *cobra.Command, aliases map[string][]string) {
	for _, c := range root.Commands() {
		c.Aliases = append(c.Aliases, aliases[c.Name()]...)
	}
}

var cache = &struct {
	// copy of params used to load rt.
	path string

	snap   *snapshot.Snapshot
	rt     *clrcore.Runtime
	reader *core.CachedReader
}{}

// readRuntime loads the snapshot named on the command line and returns
// it with a runtime reading its memory through the page cache.
func readRuntime() (*snapshot.Snapshot, *clrcore.Runtime, error) {
	if cache.rt != nil && cache.path == cfg.snapshot {
		return cache.snap, cache.rt, nil
	}
	if cfg.snapshot == "" {
		return nil, nil, errors.New("no snapshot specified")
	}
	s, err := snapshot.Load(cfg.snapshot)
	if err != nil {
		return nil, nil, err
	}
	if p := s.Process(); p != nil {
		for _, w := range p.Warnings() {
			fmt.Fprintf(os.Stderr, "WARNING: %s\n", w)
		}
	}
	var mem core.Reader = s.Memory()
	var cr *core.CachedReader
	if n := conf.GetPageCachePages(); n > 0 {
		pageSize, err := conf.GetPageSize()
		if err != nil {
			return nil, nil, err
		}
		if cr, err = core.NewCachedReader(mem, pageSize, n); err != nil {
			return nil, nil, err
		}
		mem = cr
	}
	rt, err := s.Runtime(mem)
	if err != nil {
		return nil, nil, err
	}
	cache.path = cfg.snapshot
	cache.snap, cache.rt, cache.reader = s, rt, cr
	return s, rt, nil
}

// mustRuntime is readRuntime for commands, which give up on error.
func mustRuntime() (*snapshot.Snapshot, *clrcore.Runtime) {
	s, rt, err := readRuntime()
	if err != nil {
		exitf("%v\n", err)
	}
	return s, rt
}

// careful reports whether heap walks should skip corrupt objects.
func careful(fs *pflag.FlagSet) bool {
	if f := fs.Lookup("careful"); f != nil && f.Changed {
		return cfg.careful
	}
	return conf.Careful || cfg.careful
}

func runRoot(cmd *cobra.Command, args []string) {
	if cfg.snapshot == "" {
		cmd.Usage()
		return
	}
	// Interactive mode.
	cfg.interactive = true

	s, rt, err := readRuntime()
	if err != nil {
		exitf("%v\n", err)
	}

	// Create a dummy root to run in shell.
	root := &cobra.Command{SilenceUsage: true}
	root.PersistentFlags().AddFlagSet(cmd.PersistentFlags())
	// Make all subcommands of viewclr available in the shell.
	for _, subcmd := range cmd.Commands() {
		if subcmd.Name() == "help" {
			root.SetHelpCommand(subcmd)
			continue
		}
		root.AddCommand(subcmd)
	}
	// Also, add exit command to terminate the shell.
	root.AddCommand(&cobra.Command{
		Use:     "exit",
		Aliases: []string{"quit", "bye"},
		Short:   "exit from interactive mode",
		Run: func(*cobra.Command, []string) {
			os.Exit(0)
		},
	})

	rootCompleter := readline.NewPrefixCompleter()
	for _, child := range root.Commands() {
		cmdToCompleter(rootCompleter, child, rt.Heap())
	}

	shell, err := readline.NewEx(&readline.Config{
		Prompt:       "(viewclr) ",
		AutoComplete: rootCompleter,
		EOFPrompt:    "\n",
	})
	if err != nil {
		panic(err)
	}
	defer shell.Close()

	// nice welcome message.
	fmt.Fprintln(shell.Terminal)
	fmt.Fprintf(shell.Terminal, "Loaded %s from %q\n", s, cfg.snapshot)
	fmt.Fprintf(shell.Terminal, "Entering interactive mode (type 'help' for commands)\n")

	for {
		l, err := shell.Readline()
		if err != nil {
			if err != io.EOF && err != readline.ErrInterrupt {
				fmt.Printf("Error: %v\n", err)
			}
			if err == readline.ErrInterrupt {
				continue
			}
			break
		}
		words, err := splitLine(l)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		if len(words) == 0 {
			continue
		}

		err = capturePanic(func() {
			root.SetArgs(words)
			root.Execute()
		})
		if err != nil {
			fmt.Printf("Error while trying to run command %q: %v", l, err)
		}
	}
}

// splitLine splits a shell line into words, honoring quotes.
func splitLine(l string) ([]string, error) {
	cmds, err := argv.Argv(l, func(s string) (string, error) {
		return "", fmt.Errorf("backtick not supported in %q", s)
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(cmds) > 1 {
		return nil, errors.New("pipes are not supported")
	}
	if len(cmds) == 0 {
		return nil, nil
	}
	return cmds[0], nil
}

func capturePanic(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v\nStack: %s\n", r, debug.Stack())
		}
	}()

	fn()
	return nil
}

// cmdToCompleter adds c to the completion tree. Commands taking a type
// name complete it from the heap's types.
func cmdToCompleter(parent readline.PrefixCompleterInterface, c *cobra.Command, h *clrcore.Heap) {
	var completer readline.PrefixCompleterInterface
	if c.Annotations[completeTypes] != "" {
		completer = readline.PcItem(c.Name(), readline.PcItemDynamic(func(line string) []string {
			f := strings.Fields(line)
			prefix := ""
			if len(f) > 1 && !strings.HasSuffix(line, " ") {
				prefix = f[len(f)-1]
			}
			return h.TypesWithPrefix(prefix)
		}))
	} else {
		completer = readline.PcItem(c.Name())
	}
	parent.SetChildren(append(parent.GetChildren(), completer))
	for _, child := range c.Commands() {
		cmdToCompleter(completer, child, h)
	}
}

func startProfile() {
	if cfg.cpuprof != "" {
		f, err := os.Create(cfg.cpuprof)
		if err != nil {
			fmt.Fprintf(os.Stderr, "can't open profile file: %s\n", err)
			os.Exit(2)
		}
		pprof.StartCPUProfile(f)
	}
}

func endProfile() {
	if cfg.cpuprof != "" {
		pprof.StopCPUProfile()
	}
}

// exitf reports an error. In the shell it aborts the command instead
// of the process.
func exitf(format string, args ...interface{}) {
	if cfg.interactive {
		panic(fmt.Sprintf(format, args...))
	}
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}
