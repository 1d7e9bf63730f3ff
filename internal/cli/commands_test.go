package cli_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calvinalkan/mmcache/internal/cli"
)

func newStore(t *testing.T, pages string) *cli.CLI {
	t.Helper()

	c := cli.NewCLI(t)
	out := c.MustRun("create", "--pages", pages)
	cli.AssertContains(t, out, "created "+c.StorePath())

	return c
}

func Test_Create_Makes_Store_Files_When_Pages_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	out := c.MustRun("create", "--pages", "3", "--hash-size", "12")

	cli.AssertContains(t, out, "3 pages")
	cli.AssertContains(t, out, "4096 buckets")

	for _, ext := range []string{".meta", ".data"} {
		if _, err := os.Stat(c.StorePath() + ext); err != nil {
			t.Errorf("store file %s: %v", ext, err)
		}
	}
}

func Test_Create_Fails_When_Pages_Missing_Or_Store_Exists(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	cli.AssertContains(t, c.MustFail("create"), "--pages is required")

	c.MustRun("create", "--pages", "1")
	cli.AssertContains(t, c.MustFail("create", "--pages", "1"), "store already exists")
}

func Test_Commands_Fail_When_Store_Missing(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	for _, args := range [][]string{{"get", "k"}, {"stats"}, {"verify"}, {"ls"}} {
		cli.AssertContains(t, c.MustFail(args...), "no store found")
	}
}

func Test_Put_Get_Del_Round_Trip_When_Store_Exists(t *testing.T) {
	t.Parallel()

	c := newStore(t, "2")

	c.MustRun("put", "greeting", "hello world")

	if got, want := c.MustRun("get", "greeting"), "hello world"; got != want {
		t.Errorf("get=%q, want=%q", got, want)
	}

	c.MustRun("put", "greeting", "bye")

	if got, want := c.MustRun("get", "greeting"), "bye"; got != want {
		t.Errorf("get after overwrite=%q, want=%q", got, want)
	}

	c.MustRun("del", "greeting")
	cli.AssertContains(t, c.MustFail("get", "greeting"), "not found")
	cli.AssertContains(t, c.MustFail("del", "greeting"), "not found")
}

func Test_Put_Reads_Value_From_Stdin_When_Dash_Given(t *testing.T) {
	t.Parallel()

	c := newStore(t, "2")

	payload := strings.Repeat("x", 5000)

	_, stderr, code := c.RunWithInput(payload, "put", "blob", "-")
	if code != 0 {
		t.Fatalf("put failed: %s", stderr)
	}

	if got := c.MustRun("get", "blob"); got != payload {
		t.Errorf("get returned %d bytes, want %d", len(got), len(payload))
	}
}

func Test_Commands_Reject_Wrong_Argument_Count(t *testing.T) {
	t.Parallel()

	c := newStore(t, "1")

	cli.AssertContains(t, c.MustFail("get"), "invalid usage")
	cli.AssertContains(t, c.MustFail("put", "k"), "invalid usage")
	cli.AssertContains(t, c.MustFail("del", "a", "b"), "invalid usage")
	cli.AssertContains(t, c.MustFail("save"), "invalid usage")
}

func Test_Ls_Lists_Oldest_First_And_Peek_Keeps_Order(t *testing.T) {
	t.Parallel()

	c := newStore(t, "1")

	c.MustRun("put", "a", "1")
	c.MustRun("put", "b", "22", "--ttl", "1h")

	c.MustRun("get", "--peek", "a")

	if got, want := c.MustRun("ls", "--keys"), "a\nb"; got != want {
		t.Errorf("ls after peek=%q, want=%q", got, want)
	}

	c.MustRun("get", "a")

	if got, want := c.MustRun("ls", "--keys"), "b\na"; got != want {
		t.Errorf("ls after get=%q, want=%q", got, want)
	}

	out := c.MustRun("ls")
	cli.AssertContains(t, out, "b\t2 bytes\texpires=")
	cli.AssertContains(t, out, "a\t1 bytes\texpires=never")
	cli.AssertNotContains(t, out, "b\t2 bytes\texpires=never")

	if got, want := c.MustRun("ls", "--keys", "--limit", "1"), "b"; got != want {
		t.Errorf("ls --limit 1=%q, want=%q", got, want)
	}
}

func Test_Stats_Reports_Usage_As_Text_And_JSON(t *testing.T) {
	t.Parallel()

	c := newStore(t, "2")
	c.MustRun("put", "k1", "v1")
	c.MustRun("put", "k2", "v2")

	text := c.MustRun("stats")
	cli.AssertContains(t, text, "entries=2")
	cli.AssertContains(t, text, "bytes_used=8")
	cli.AssertContains(t, text, "pages_used=1/2")

	var got struct {
		Entries   uint64 `json:"entries"`
		BytesUsed uint64 `json:"bytes_used"`
		PageCount uint32 `json:"page_count"`
	}

	if err := json.Unmarshal([]byte(c.MustRun("stats", "--json")), &got); err != nil {
		t.Fatalf("stats --json: %v", err)
	}

	if got.Entries != 2 || got.BytesUsed != 8 || got.PageCount != 2 {
		t.Errorf("stats=%+v, want entries=2 bytes_used=8 page_count=2", got)
	}
}

func Test_Verify_Prints_Ok_When_Store_Is_Healthy(t *testing.T) {
	t.Parallel()

	c := newStore(t, "1")
	c.MustRun("put", "k", "v")

	out := c.MustRun("verify")
	cli.AssertContains(t, out, "entries=1")
	cli.AssertContains(t, out, "lru_length=1")
	cli.AssertContains(t, out, "ok")
}

func Test_Save_And_Load_Copy_Entries_Between_Stores(t *testing.T) {
	t.Parallel()

	for _, codec := range []string{"zstd", "lz4", "none"} {
		t.Run(codec, func(t *testing.T) {
			t.Parallel()

			c := newStore(t, "1")
			c.MustRun("put", "a", "1")
			c.MustRun("put", "b", "2", "--ttl", "1h")
			c.MustRun("put", "c", "3")

			out := c.MustRun("save", "backup.snap", "--codec", codec)
			cli.AssertContains(t, out, "saved 3 entries")

			other := filepath.Join(c.Dir, "other", "store")
			c.MustRun("--path", other, "create", "--pages", "2")

			out = c.MustRun("--path", other, "load", "backup.snap")
			cli.AssertContains(t, out, "loaded 3 entries")
			cli.AssertContains(t, out, "(0 expired)")

			if got, want := c.MustRun("--path", other, "ls", "--keys"), "a\nb\nc"; got != want {
				t.Errorf("ls=%q, want=%q", got, want)
			}

			if got, want := c.MustRun("--path", other, "get", "b"), "2"; got != want {
				t.Errorf("get=%q, want=%q", got, want)
			}
		})
	}
}

func Test_Save_Rejects_Unknown_Codec(t *testing.T) {
	t.Parallel()

	c := newStore(t, "1")
	cli.AssertContains(t, c.MustFail("save", "x.snap", "--codec", "gzip"), "unknown codec")
}

func Test_Load_Fails_When_File_Is_Not_A_Snapshot(t *testing.T) {
	t.Parallel()

	c := newStore(t, "1")

	if err := os.WriteFile(filepath.Join(c.Dir, "junk"), []byte("definitely not a snapshot"), 0o600); err != nil {
		t.Fatal(err)
	}

	cli.AssertContains(t, c.MustFail("load", "junk"), "corrupt")
}

func Test_Repl_Executes_Commands_From_Input(t *testing.T) {
	t.Parallel()

	c := newStore(t, "1")

	script := strings.Join([]string{
		"put a hello world",
		"putttl b 1h temp",
		"get a",
		"peek missing",
		"ls",
		"del a",
		"get a",
		"putttl c nonsense v",
		"stats",
		"verify",
		"bogus",
		"quit",
		"get b",
	}, "\n")

	stdout, stderr, code := c.RunWithInput(script, "repl")
	if code != 0 {
		t.Fatalf("repl exit=%d stderr=%s", code, stderr)
	}

	cli.AssertContains(t, stdout, "OK")
	cli.AssertContains(t, stdout, "hello world")
	cli.AssertContains(t, stdout, "(not found)")
	cli.AssertContains(t, stdout, "a\t11 bytes\texpires=never")
	cli.AssertContains(t, stdout, `error: invalid usage: bad ttl "nonsense"`)
	cli.AssertContains(t, stdout, "entries=1")
	cli.AssertContains(t, stdout, "ok (1 entries)")
	cli.AssertContains(t, stdout, "unknown command: bogus")

	// nothing after quit runs
	if n := strings.Count(stdout, "temp"); n != 0 {
		t.Errorf("value of b printed %d times after quit", n)
	}

	if got, want := c.MustRun("get", "b"), "temp"; got != want {
		t.Errorf("get b=%q, want=%q", got, want)
	}
}

func Test_Repl_Stops_At_End_Of_Input(t *testing.T) {
	t.Parallel()

	c := newStore(t, "1")

	stdout, _, code := c.RunWithInput("put k v\n", "repl")
	if code != 0 {
		t.Fatalf("exit=%d", code)
	}

	cli.AssertContains(t, stdout, "OK")
	cli.AssertContains(t, c.MustFail("repl"), "repl needs an input stream")
}

func Test_Bench_Runs_Workload_When_Store_Exists(t *testing.T) {
	t.Parallel()

	c := newStore(t, "4")

	out := c.MustRun("bench", "--duration", "200ms", "--workers", "3", "--keys", "500", "--value-size", "64", "--reads", "50")
	cli.AssertContains(t, out, "workers=3")
	cli.AssertContains(t, out, "ops=")
	cli.AssertContains(t, out, "hit-rate=")

	cli.AssertContains(t, c.MustRun("verify"), "ok")
}

func Test_Bench_Honours_Rate_And_Serves_Metrics(t *testing.T) {
	t.Parallel()

	c := newStore(t, "1")

	out := c.MustRun("bench", "--duration", "200ms", "--workers", "2", "--keys", "50",
		"--rate", "50", "--metrics-addr", "127.0.0.1:0")
	cli.AssertContains(t, out, "ops=")

	cli.AssertContains(t, c.MustFail("bench", "--reads", "101"), "invalid usage")
}
