package cli_test

import (
	"bytes"
	"os"
	"syscall"
	"testing"

	"github.com/calvinalkan/mmcache/internal/cli"
)

func Test_Invalid_Global_Flag_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout, stderr, exitCode := c.Run("--invalid-flag", "stats")

	if got, want := exitCode, 1; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	if got, want := stdout, ""; got != want {
		t.Errorf("stdout=%q, want=%q", got, want)
	}

	cli.AssertContains(t, stderr, "unknown flag")
	cli.AssertContains(t, stderr, "--invalid-flag")

	// Should show valid global options
	cli.AssertContains(t, stderr, "Global flags:")
	cli.AssertContains(t, stderr, "--help")
	cli.AssertContains(t, stderr, "--cwd")
	cli.AssertContains(t, stderr, "--config")
	cli.AssertContains(t, stderr, "--path")
	cli.AssertContains(t, stderr, "--log-level")
}

func Test_Bare_Command_When_Invoked(t *testing.T) {
	t.Parallel()

	// Call Run directly without test helper (which adds --cwd)
	var stdout, stderr bytes.Buffer

	exitCode := cli.Run(nil, &stdout, &stderr, []string{"mmcache"}, nil, nil)

	if got, want := exitCode, 0; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	if got, want := stderr.String(), ""; got != want {
		t.Errorf("stderr=%q, want=%q", got, want)
	}

	cli.AssertContains(t, stdout.String(), "mmcache - persistent memory-mapped key/value cache")
	cli.AssertContains(t, stdout.String(), "--cwd")
	cli.AssertContains(t, stdout.String(), "create --pages N")
	cli.AssertContains(t, stdout.String(), "save <file>")
	cli.AssertContains(t, stdout.String(), "repl")
}

func Test_Unknown_Command_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout, stderr, exitCode := c.Run("frobnicate")

	if got, want := exitCode, 1; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	if stdout != "" {
		t.Errorf("stdout=%q, want empty", stdout)
	}

	cli.AssertContains(t, stderr, "unknown command: frobnicate")
	cli.AssertContains(t, stderr, "Commands:")
}

func Test_Command_Help_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout, stderr, exitCode := c.Run("put", "--help")

	if got, want := exitCode, 0; got != want {
		t.Errorf("exitCode=%d, want=%d (stderr=%s)", got, want, stderr)
	}

	cli.AssertContains(t, stdout, "Usage: mmcache put <key> <value> [--ttl d]")
	cli.AssertContains(t, stdout, "Flags:")
	cli.AssertContains(t, stdout, "--ttl")
}

func Test_Command_Bad_Flag_Shows_Help_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	_, stderr, exitCode := c.Run("get", "--nope", "k")

	if got, want := exitCode, 1; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	cli.AssertContains(t, stderr, "error: unknown flag: --nope")
}

func Test_Signal_Stops_Bench_Early_When_Received(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("create", "--pages", "2")

	sigCh := make(chan os.Signal, 1)
	sigCh <- syscall.SIGTERM

	var stdout, stderr bytes.Buffer

	args := []string{"mmcache", "--cwd", c.Dir, "bench", "--duration", "1h", "--workers", "1", "--keys", "10"}
	exitCode := cli.Run(nil, &stdout, &stderr, args, c.Env, sigCh)

	if got, want := exitCode, 0; got != want {
		t.Errorf("exitCode=%d, want=%d (stderr=%s)", got, want, stderr.String())
	}

	cli.AssertContains(t, stdout.String(), "ops=")
}
