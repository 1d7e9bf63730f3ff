package cli_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/mmcache/internal/cli"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func Test_LoadConfig_Uses_Defaults_When_No_Files_Exist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg, err := cli.LoadConfig(cli.LoadConfigInput{WorkDirOverride: dir, Env: map[string]string{}})
	if err != nil {
		t.Fatal(err)
	}

	want := cli.Config{
		Path:            filepath.Join(".mmcache", "store"),
		LockTimeout:     "10s",
		LogLevel:        "warn",
		EffectiveCwd:    dir,
		PathAbs:         filepath.Join(dir, ".mmcache", "store"),
		LockTimeoutDur:  10 * time.Second,
		LogLevelDecoded: slog.LevelWarn,
	}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func Test_LoadConfig_Merges_Global_Project_And_Flags_In_Order(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	xdg := filepath.Join(dir, "xdg")

	writeFile(t, filepath.Join(xdg, "mmcache", "config.json"), `{
		// global defaults
		"pages": 8,
		"lock_timeout": "2s",
		"log_level": "info",
	}`)
	writeFile(t, filepath.Join(dir, cli.ConfigFileName), `{
		"path": "/var/cache/app", // absolute stays absolute
		"hash_table_size": 14,
		"lock_timeout": "250ms",
	}`)

	cfg, err := cli.LoadConfig(cli.LoadConfigInput{
		WorkDirOverride:  dir,
		LogLevelOverride: "debug",
		Env:              map[string]string{"XDG_CONFIG_HOME": xdg},
	})
	if err != nil {
		t.Fatal(err)
	}

	want := cli.Config{
		Path:            "/var/cache/app",
		Pages:           8,
		HashTableSize:   14,
		LockTimeout:     "250ms",
		LogLevel:        "debug",
		EffectiveCwd:    dir,
		PathAbs:         "/var/cache/app",
		LockTimeoutDur:  250 * time.Millisecond,
		LogLevelDecoded: slog.LevelDebug,
		Sources: cli.ConfigSources{
			Global:  filepath.Join(xdg, "mmcache", "config.json"),
			Project: filepath.Join(dir, cli.ConfigFileName),
		},
	}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	cfg, err = cli.LoadConfig(cli.LoadConfigInput{
		WorkDirOverride: dir,
		PathOverride:    "rel/store",
		Env:             map[string]string{"XDG_CONFIG_HOME": xdg},
	})
	if err != nil {
		t.Fatal(err)
	}

	if got, want := cfg.PathAbs, filepath.Join(dir, "rel", "store"); got != want {
		t.Errorf("PathAbs=%q, want=%q", got, want)
	}
}

func Test_LoadConfig_Rejects_Bad_Values(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
		want    error
	}{
		{name: "EmptyPath", content: `{"path": ""}`, want: cli.ErrPathEmpty},
		{name: "BadTimeout", content: `{"lock_timeout": "soon"}`, want: cli.ErrConfigInvalid},
		{name: "NegativeTimeout", content: `{"lock_timeout": "-1s"}`, want: cli.ErrConfigInvalid},
		{name: "BadLevel", content: `{"log_level": "loud"}`, want: cli.ErrConfigInvalid},
		{name: "NegativePages", content: `{"pages": -1}`, want: cli.ErrConfigInvalid},
		{name: "NotJSON", content: `path = "x"`, want: cli.ErrConfigInvalid},
		{name: "WrongType", content: `{"pages": "many"}`, want: cli.ErrConfigInvalid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, cli.ConfigFileName), tc.content)

			_, err := cli.LoadConfig(cli.LoadConfigInput{WorkDirOverride: dir, Env: map[string]string{}})
			if !errors.Is(err, tc.want) {
				t.Errorf("err=%v, want %v", err, tc.want)
			}
		})
	}
}

func Test_LoadConfig_Requires_Explicit_Config_File_To_Exist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := cli.LoadConfig(cli.LoadConfigInput{WorkDirOverride: dir, ConfigPath: "missing.json", Env: map[string]string{}})
	if !errors.Is(err, cli.ErrConfigFileNotFound) {
		t.Fatalf("err=%v, want ErrConfigFileNotFound", err)
	}

	writeFile(t, filepath.Join(dir, "custom.json"), `{"pages": 5}`)
	writeFile(t, filepath.Join(dir, cli.ConfigFileName), `{"pages": 9}`)

	cfg, err := cli.LoadConfig(cli.LoadConfigInput{WorkDirOverride: dir, ConfigPath: "custom.json", Env: map[string]string{}})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(5, cfg.Pages); diff != "" {
		t.Errorf("explicit config must replace the project file (-want +got):\n%s", diff)
	}
}

func Test_Create_Uses_Pages_From_Project_Config(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	writeFile(t, filepath.Join(c.Dir, cli.ConfigFileName), `{"pages": 2, "path": "data/kv"}`)

	out := c.MustRun("create")
	cli.AssertContains(t, out, "2 pages")
	cli.AssertContains(t, out, filepath.Join(c.Dir, "data", "kv"))

	cfgOut := c.MustRun("print-config")
	cli.AssertContains(t, cfgOut, "path="+filepath.Join(c.Dir, "data", "kv"))
	cli.AssertContains(t, cfgOut, "pages=2")
	cli.AssertContains(t, cfgOut, "project_config="+filepath.Join(c.Dir, cli.ConfigFileName))
}

func Test_Print_Config_Reports_Defaults_Only(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	out := c.MustRun("print-config")
	cli.AssertContains(t, out, "lock_timeout=10s")
	cli.AssertContains(t, out, "log_level=WARN")
	cli.AssertContains(t, out, "(defaults only)")
}

func Test_Invalid_Config_Fails_Every_Command(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	writeFile(t, filepath.Join(c.Dir, cli.ConfigFileName), `{"lock_timeout": "x"}`)

	stderr := c.MustFail("stats")
	cli.AssertContains(t, stderr, "invalid config file")
}
