package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/mmcache/pkg/mmcache"
)

// GetCmd returns the get command.
func GetCmd(a *app) *Command {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.Bool("peek", false, "Do not mark the entry as recently used")

	return &Command{
		Flags: fs,
		Usage: "get <key> [--peek]",
		Short: "Print the value stored under key",
		Long: `Print the value stored under key. Exits 1 if the key is missing or
expired.

Reading an entry marks it as most recently used unless --peek is given.`,
		Exec: func(_ context.Context, io *IO, args []string) error {
			if err := exactArgs(args, 1, "<key>"); err != nil {
				return err
			}

			peek, _ := fs.GetBool("peek")

			return a.withCache(func(c *mmcache.Cache) error {
				get := c.Get
				if peek {
					get = c.Peek
				}

				value, err := get([]byte(args[0]))
				if err != nil {
					return err
				}

				io.Printf("%s\n", value)

				return nil
			})
		},
	}
}

// PutCmd returns the put command.
func PutCmd(a *app) *Command {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	fs.Duration("ttl", 0, "Expire the entry after this long (e.g. 90s, 2h); 0 = never")

	return &Command{
		Flags: fs,
		Usage: "put <key> <value> [--ttl d]",
		Short: "Store a value, evicting old entries if needed",
		Long: `Store value under key, replacing any previous value. Least recently
used entries are evicted to make room.

Use "-" as value to read it from stdin.

Examples:
  mmcache put session:42 '{"user":7}' --ttl 30m
  mmcache put blob:1 - < payload.bin`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if err := exactArgs(args, 2, "<key> <value>"); err != nil {
				return err
			}

			ttl, _ := fs.GetDuration("ttl")

			value := []byte(args[1])

			if args[1] == "-" {
				if o.In() == nil {
					return fmt.Errorf("%w: no stdin to read value from", ErrUsage)
				}

				var err error

				value, err = io.ReadAll(o.In())
				if err != nil {
					return fmt.Errorf("read value: %w", err)
				}
			}

			return a.withCache(func(c *mmcache.Cache) error {
				return c.PutTTL([]byte(args[0]), value, ttl)
			})
		},
	}
}

// DelCmd returns the del command.
func DelCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("del", flag.ContinueOnError),
		Usage: "del <key>",
		Short: "Delete a key",
		Long:  "Delete key. Exits 1 if the key is not present.",
		Exec: func(_ context.Context, _ *IO, args []string) error {
			if err := exactArgs(args, 1, "<key>"); err != nil {
				return err
			}

			return a.withCache(func(c *mmcache.Cache) error {
				return c.Delete([]byte(args[0]))
			})
		},
	}
}

// LsCmd returns the ls command.
func LsCmd(a *app) *Command {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	fs.Int("limit", 0, "Maximum entries to show (0 = no limit)")
	fs.Bool("keys", false, "Print keys only")

	return &Command{
		Flags: fs,
		Usage: "ls [--limit N] [--keys]",
		Short: "List entries from least to most recently used",
		Long: `List live entries from least to most recently used without changing
their order. Each line shows the key, the value size and the expiry.`,
		Exec: func(_ context.Context, io *IO, _ []string) error {
			limit, _ := fs.GetInt("limit")
			keysOnly, _ := fs.GetBool("keys")

			return a.withCache(func(c *mmcache.Cache) error {
				return listEntries(io, c, limit, keysOnly)
			})
		},
	}
}

func listEntries(io *IO, c *mmcache.Cache, limit int, keysOnly bool) error {
	n := 0

	return c.Range(func(e mmcache.Entry) bool {
		if limit > 0 && n >= limit {
			return false
		}

		n++

		if keysOnly {
			io.Printf("%s\n", e.Key)

			return true
		}

		expires := "never"
		if !e.Expires.IsZero() {
			expires = e.Expires.UTC().Format(time.RFC3339)
		}

		io.Printf("%s\t%d bytes\texpires=%s\n", e.Key, len(e.Value), expires)

		return true
	})
}
