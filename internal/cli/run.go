package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/mmcache/pkg/mmcache"
)

// app carries what every command needs. Commands hold a pointer to it so
// they can be built before the config is loaded (for help output).
type app struct {
	cfg     Config
	log     *slog.Logger
	metrics mmcache.Metrics
}

// open opens the configured store. pages and order are only used when the
// store does not exist yet; 0 accepts whatever is stored.
func (a *app) open(pages, order int) (*mmcache.Cache, error) {
	return mmcache.Open(mmcache.Options{
		Path:          a.cfg.PathAbs,
		PageCount:     pages,
		HashTableSize: order,
		LockTimeout:   a.cfg.LockTimeoutDur,
		Logger:        a.log,
		Metrics:       a.metrics,
	})
}

// withCache opens an existing store, runs fn and closes the store.
func (a *app) withCache(fn func(c *mmcache.Cache) error) (err error) {
	if _, statErr := os.Stat(a.cfg.PathAbs + ".meta"); errors.Is(statErr, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNoStore, a.cfg.PathAbs)
	}

	c, err := a.open(0, 0)
	if err != nil {
		return err
	}

	defer func() { err = errors.Join(err, c.Close()) }()

	return fn(c)
}

func commands(a *app) []*Command {
	return []*Command{
		CreateCmd(a),
		StatsCmd(a),
		GetCmd(a),
		PutCmd(a),
		DelCmd(a),
		LsCmd(a),
		VerifyCmd(a),
		SaveCmd(a),
		LoadCmd(a),
		ReplCmd(a),
		BenchCmd(a),
		PrintConfigCmd(a),
	}
}

func globalFlags() *flag.FlagSet {
	fs := flag.NewFlagSet("mmcache", flag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(io.Discard)

	fs.StringP("cwd", "C", "", "Run as if started in `dir`")
	fs.StringP("config", "c", "", "Use specified config `file`")
	fs.String("path", "", "Store base `path` (files <path>.meta, .data, .lock)")
	fs.String("log-level", "", "Log `level`: debug, info, warn, error")
	fs.BoolP("help", "h", false, "Show help")

	return fs
}

// Run is the main entry point. Returns exit code.
//
// sigCh may be nil. A signal on it cancels the context passed to the
// running command.
func Run(stdin io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	a := &app{}
	cmds := commands(a)
	globals := globalFlags()

	var rest []string
	if len(args) > 1 {
		rest = args[1:]
	}

	if err := globals.Parse(rest); err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut, globals, cmds)

		return 1
	}

	help, _ := globals.GetBool("help")
	if help || globals.NArg() == 0 {
		printUsage(out, globals, cmds)

		return 0
	}

	name := globals.Arg(0)

	var cmd *Command

	for _, c := range cmds {
		if c.Name() == name {
			cmd = c

			break
		}
	}

	if cmd == nil {
		fprintln(errOut, "error: unknown command:", name)
		printUsage(errOut, globals, cmds)

		return 1
	}

	cwd, _ := globals.GetString("cwd")
	configPath, _ := globals.GetString("config")
	path, _ := globals.GetString("path")
	logLevel, _ := globals.GetString("log-level")

	cfg, err := LoadConfig(LoadConfigInput{
		WorkDirOverride:  cwd,
		ConfigPath:       configPath,
		PathOverride:     path,
		LogLevelOverride: logLevel,
		Env:              env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	a.cfg = cfg
	a.log = slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: cfg.LogLevelDecoded}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	return cmd.Run(ctx, NewIO(stdin, out, errOut), globals.Args()[1:])
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, globals *flag.FlagSet, cmds []*Command) {
	fprintln(w, `mmcache - persistent memory-mapped key/value cache

Usage: mmcache [global flags] <command> [args]

Global flags:`)
	fprintln(w, strings.TrimRight(globals.FlagUsages(), "\n"))
	fprintln(w)
	fprintln(w, "Commands:")

	for _, c := range cmds {
		fprintln(w, c.HelpLine())
	}

	fprintln(w)
	fprintln(w, `Run "mmcache <command> --help" for command flags.`)
}
