package cli

import (
	"context"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/mmcache/pkg/mmcache"
	"github.com/calvinalkan/mmcache/pkg/mmcache/snapshot"
)

// resolve makes a relative file argument relative to the effective cwd.
func (a *app) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(a.cfg.EffectiveCwd, path)
}

// SaveCmd returns the save command.
func SaveCmd(a *app) *Command {
	fs := flag.NewFlagSet("save", flag.ContinueOnError)
	fs.String("codec", snapshot.CodecZstd.String(), "Compression: zstd, lz4 or none")

	return &Command{
		Flags: fs,
		Usage: "save <file> [--codec c]",
		Short: "Write all live entries to a snapshot file",
		Long: `Write all live entries to a snapshot file, oldest first. The file is
replaced atomically. Remaining TTLs are preserved.

Snapshots do not depend on page count or hash table size, so save and
load can be used to resize a store.`,
		Exec: func(_ context.Context, io *IO, args []string) error {
			if err := exactArgs(args, 1, "<file>"); err != nil {
				return err
			}

			name, _ := fs.GetString("codec")

			codec, err := snapshot.ParseCodec(name)
			if err != nil {
				return err
			}

			path := a.resolve(args[0])

			return a.withCache(func(c *mmcache.Cache) error {
				n, err := snapshot.Save(c, path, snapshot.Options{Codec: codec})
				if err != nil {
					return err
				}

				a.log.Info("snapshot saved", "file", path, "codec", codec, "entries", n)
				io.Printf("saved %d entries to %s\n", n, path)

				return nil
			})
		},
	}
}

// LoadCmd returns the load command.
func LoadCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("load", flag.ContinueOnError),
		Usage: "load <file>",
		Short: "Store all entries of a snapshot file",
		Long: `Store all entries of a snapshot file in the store, replacing entries
with the same key. Entries whose TTL ran out since the snapshot was taken
are skipped.`,
		Exec: func(_ context.Context, io *IO, args []string) error {
			if err := exactArgs(args, 1, "<file>"); err != nil {
				return err
			}

			path := a.resolve(args[0])

			return a.withCache(func(c *mmcache.Cache) error {
				res, err := snapshot.Load(c, path, snapshot.Options{})
				if err != nil {
					return err
				}

				io.Printf("loaded %d entries from %s (%d expired)\n", res.Loaded, path, res.Expired)

				return nil
			})
		},
	}
}
