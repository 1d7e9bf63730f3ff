package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/mmcache/pkg/mmcache"
)

const replPrompt = "mmcache> "

var replCommands = []string{
	"get", "peek", "put", "putttl", "del", "delete",
	"ls", "list", "stats", "verify",
	"help", "exit", "quit", "q",
}

// ReplCmd returns the repl command.
func ReplCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("repl", flag.ContinueOnError),
		Usage: "repl",
		Short: "Interactive shell on an open store",
		Long: `Open the store once and read commands interactively. Type "help" for
the command list. Input from a pipe is read line by line.`,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			if o.In() == nil {
				return fmt.Errorf("%w: repl needs an input stream", ErrUsage)
			}

			return a.withCache(func(c *mmcache.Cache) error {
				r := &repl{cache: c, io: o, path: a.cfg.PathAbs}

				return r.run(ctx, o.In())
			})
		},
	}
}

// repl is the interactive command loop.
type repl struct {
	cache *mmcache.Cache
	io    *IO
	path  string
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".mmcache_history")
}

// input returns a line source for in. A terminal on stdin gets line editing
// and history.
func (r *repl) input(in io.Reader) (func() (string, error), func()) {
	if f, ok := in.(*os.File); ok && f == os.Stdin {
		state := liner.NewLiner()
		state.SetCtrlCAborts(true)
		state.SetCompleter(completeCommand)

		if f, err := os.Open(historyFile()); err == nil {
			_, _ = state.ReadHistory(f)
			_ = f.Close()
		}

		next := func() (string, error) {
			line, err := state.Prompt(replPrompt)
			if err == nil && strings.TrimSpace(line) != "" {
				state.AppendHistory(line)
			}

			return line, err
		}

		done := func() {
			if path := historyFile(); path != "" {
				if f, err := os.Create(path); err == nil {
					_, _ = state.WriteHistory(f)
					_ = f.Close()
				}
			}

			_ = state.Close()
		}

		return next, done
	}

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64<<10), mmcache.MaxEntrySize+64<<10)

	next := func() (string, error) {
		if sc.Scan() {
			return sc.Text(), nil
		}

		if err := sc.Err(); err != nil {
			return "", err
		}

		return "", io.EOF
	}

	return next, func() {}
}

// run reads and executes commands until exit, end of input or ctx is done.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	next, done := r.input(in)
	defer done()

	for ctx.Err() == nil {
		line, err := next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		if r.exec(line) {
			return nil
		}
	}

	return nil
}

// exec runs one command line. Returns true when the loop should stop.
func (r *repl) exec(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	var err error

	switch strings.ToLower(cmd) {
	case "exit", "quit", "q":
		return true

	case "help", "?":
		r.printHelp()

	case "get":
		err = r.cmdGet(rest, r.cache.Get)

	case "peek":
		err = r.cmdGet(rest, r.cache.Peek)

	case "put":
		err = r.cmdPut(rest, false)

	case "putttl":
		err = r.cmdPut(rest, true)

	case "del", "delete":
		err = r.cmdDelete(rest)

	case "ls", "list":
		err = r.cmdList(rest)

	case "stats":
		err = r.cmdStats()

	case "verify":
		err = r.cmdVerify()

	default:
		r.io.Printf("unknown command: %s (type 'help' for commands)\n", cmd)
	}

	if err != nil {
		r.io.Println("error:", err)
	}

	return false
}

// completeCommand provides tab completion for commands.
func completeCommand(line string) []string {
	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range replCommands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *repl) printHelp() {
	r.io.Println("Commands:")
	r.io.Println("  get <key>                  Print a value (marks it recently used)")
	r.io.Println("  peek <key>                 Print a value without touching recency")
	r.io.Println("  put <key> <value>          Store a value (rest of line)")
	r.io.Println("  putttl <key> <ttl> <value> Store a value that expires (e.g. 30s, 2h)")
	r.io.Println("  del <key>                  Delete a key")
	r.io.Println("  ls [limit]                 List entries, oldest first")
	r.io.Println("  stats                      Show store usage")
	r.io.Println("  verify                     Check store consistency")
	r.io.Println("  help                       Show this help")
	r.io.Println("  exit / quit / q            Exit")
}

func (r *repl) cmdGet(rest string, get func([]byte) ([]byte, error)) error {
	if rest == "" {
		return fmt.Errorf("%w: get <key>", ErrUsage)
	}

	value, err := get([]byte(rest))
	if errors.Is(err, mmcache.ErrNotFound) {
		r.io.Println("(not found)")

		return nil
	}

	if err != nil {
		return err
	}

	r.io.Printf("%s\n", value)

	return nil
}

func (r *repl) cmdPut(rest string, withTTL bool) error {
	key, rest, _ := strings.Cut(rest, " ")

	var ttl time.Duration

	if withTTL {
		var (
			raw string
			err error
		)

		raw, rest, _ = strings.Cut(strings.TrimSpace(rest), " ")

		ttl, err = time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%w: bad ttl %q", ErrUsage, raw)
		}
	}

	value := strings.TrimSpace(rest)
	if key == "" || value == "" {
		return fmt.Errorf("%w: put <key> <value>", ErrUsage)
	}

	if err := r.cache.PutTTL([]byte(key), []byte(value), ttl); err != nil {
		return err
	}

	r.io.Println("OK")

	return nil
}

func (r *repl) cmdDelete(rest string) error {
	if rest == "" {
		return fmt.Errorf("%w: del <key>", ErrUsage)
	}

	err := r.cache.Delete([]byte(rest))
	if errors.Is(err, mmcache.ErrNotFound) {
		r.io.Println("(not found)")

		return nil
	}

	if err != nil {
		return err
	}

	r.io.Println("OK")

	return nil
}

func (r *repl) cmdList(rest string) error {
	limit := 0

	if rest != "" {
		n, err := strconv.Atoi(rest)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: ls [limit]", ErrUsage)
		}

		limit = n
	}

	return listEntries(r.io, r.cache, limit, false)
}

func (r *repl) cmdStats() error {
	st, err := r.cache.Stats()
	if err != nil {
		return err
	}

	return printStats(r.io, r.path, st, false)
}

func (r *repl) cmdVerify() error {
	rep, err := r.cache.Verify()
	if err != nil {
		return err
	}

	if rep.OK() {
		r.io.Printf("ok (%d entries)\n", rep.Entries)

		return nil
	}

	for _, p := range rep.Problems {
		r.io.Println("problem:", p)
	}

	return nil
}
