package cli

import (
	"context"

	flag "github.com/spf13/pflag"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, io *IO, _ []string) error {
			return execPrintConfig(io, &a.cfg)
		},
	}
}

func execPrintConfig(io *IO, cfg *Config) error {
	io.Println("effective_cwd=" + cfg.EffectiveCwd)
	io.Println("path=" + cfg.PathAbs)

	if cfg.Pages != 0 {
		io.Printf("pages=%d\n", cfg.Pages)
	}

	if cfg.HashTableSize != 0 {
		io.Printf("hash_table_size=%d\n", cfg.HashTableSize)
	}

	io.Println("lock_timeout=" + cfg.LockTimeoutDur.String())
	io.Println("log_level=" + cfg.LogLevelDecoded.String())

	io.Println("")
	io.Println("# sources")

	if cfg.Sources.Global == "" && cfg.Sources.Project == "" {
		io.Println("(defaults only)")
	} else {
		if cfg.Sources.Global != "" {
			io.Println("global_config=" + cfg.Sources.Global)
		}

		if cfg.Sources.Project != "" {
			io.Println("project_config=" + cfg.Sources.Project)
		}
	}

	return nil
}
