package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/mmcache/pkg/mmcache"
)

// CreateCmd returns the create command.
func CreateCmd(a *app) *Command {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	fs.Int("pages", 0, "Number of 1 MiB pages (default: \"pages\" from config)")
	fs.Int("hash-size", 0, "Hash table order, 2^K buckets (10-28, default: derived from pages)")
	fs.Int("extents", 0, "Initial overflow extents (default 1024)")

	return &Command{
		Flags: fs,
		Usage: "create --pages N [flags]",
		Short: "Create a new store",
		Long: `Create a new store at the configured path.

The store consists of <path>.meta (header, page table, hash index),
<path>.data (page_count MiB) and <path>.lock. The page count and hash
table size are fixed for the life of the store; to resize, save a
snapshot, create a new store and load the snapshot.

Examples:
  mmcache create --pages 64
  mmcache --path /dev/shm/sessions create --pages 256 --hash-size 16`,
		Exec: func(_ context.Context, io *IO, _ []string) error {
			pages, _ := fs.GetInt("pages")
			order, _ := fs.GetInt("hash-size")
			extents, _ := fs.GetInt("extents")

			if pages == 0 {
				pages = a.cfg.Pages
			}

			if order == 0 {
				order = a.cfg.HashTableSize
			}

			return execCreate(io, a, pages, order, extents)
		},
	}
}

func execCreate(io *IO, a *app, pages, order, extents int) error {
	if pages <= 0 {
		return fmt.Errorf("%w: --pages is required", ErrUsage)
	}

	if _, err := os.Stat(a.cfg.PathAbs + ".meta"); err == nil {
		return fmt.Errorf("%w: %s", ErrStoreExists, a.cfg.PathAbs)
	}

	if err := os.MkdirAll(filepath.Dir(a.cfg.PathAbs), 0o750); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	c, err := mmcache.Open(mmcache.Options{
		Path:           a.cfg.PathAbs,
		PageCount:      pages,
		HashTableSize:  order,
		InitialExtents: extents,
		LockTimeout:    a.cfg.LockTimeoutDur,
		Logger:         a.log,
	})
	if err != nil {
		return err
	}

	st, err := c.Stats()
	if err != nil {
		return errors.Join(err, c.Close())
	}

	if err := c.Close(); err != nil {
		return err
	}

	io.Printf("created %s: %d pages, %d buckets, %d extents\n", a.cfg.PathAbs, st.PageCount, st.Buckets, st.Extents)

	return nil
}

type statsJSON struct {
	Path        string  `json:"path"`
	Entries     uint64  `json:"entries"`
	BytesUsed   uint64  `json:"bytes_used"`
	BytesWasted uint64  `json:"bytes_wasted"`
	PagesUsed   uint32  `json:"pages_used"`
	PageCount   uint32  `json:"page_count"`
	Buckets     uint64  `json:"buckets"`
	Extents     uint32  `json:"extents"`
	ExtentsFree uint32  `json:"extents_free"`
	LoadFactor  float64 `json:"load_factor"`
	LoadStdDev  float64 `json:"load_stddev"`
}

// StatsCmd returns the stats command.
func StatsCmd(a *app) *Command {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.Bool("json", false, "Output as JSON object")

	return &Command{
		Flags: fs,
		Usage: "stats [--json]",
		Short: "Show store usage and hash table load",
		Exec: func(_ context.Context, io *IO, _ []string) error {
			asJSON, _ := fs.GetBool("json")

			return a.withCache(func(c *mmcache.Cache) error {
				st, err := c.Stats()
				if err != nil {
					return err
				}

				return printStats(io, a.cfg.PathAbs, st, asJSON)
			})
		},
	}
}

func printStats(io *IO, path string, st mmcache.Stats, asJSON bool) error {
	out := statsJSON{
		Path:        path,
		Entries:     st.EntriesUsed,
		BytesUsed:   st.BytesUsed,
		BytesWasted: st.BytesWasted,
		PagesUsed:   st.PagesUsed,
		PageCount:   st.PageCount,
		Buckets:     st.Buckets,
		Extents:     st.Extents,
		ExtentsFree: st.ExtentsFree,
		LoadFactor:  st.LoadFactor,
		LoadStdDev:  st.LoadStdDev,
	}

	if asJSON {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format stats: %w", err)
		}

		io.Println(string(data))

		return nil
	}

	io.Println("path=" + out.Path)
	io.Printf("entries=%d\n", out.Entries)
	io.Printf("bytes_used=%d\n", out.BytesUsed)
	io.Printf("bytes_wasted=%d\n", out.BytesWasted)
	io.Printf("pages_used=%d/%d\n", out.PagesUsed, out.PageCount)
	io.Printf("buckets=%d\n", out.Buckets)
	io.Printf("extents=%d (%d free)\n", out.Extents, out.ExtentsFree)
	io.Printf("load_factor=%.3f\n", out.LoadFactor)
	io.Printf("load_stddev=%.3f\n", out.LoadStdDev)

	return nil
}

// VerifyCmd returns the verify command.
func VerifyCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("verify", flag.ContinueOnError),
		Usage: "verify",
		Short: "Check store consistency",
		Long: `Walk every bucket chain, the LRU list and the page free lists and
report inconsistencies. Exits 1 if any problem is found.

A store that fails verification should be deleted and recreated.`,
		Exec: func(_ context.Context, io *IO, _ []string) error {
			return a.withCache(func(c *mmcache.Cache) error {
				rep, err := c.Verify()
				if err != nil {
					return err
				}

				io.Printf("entries=%d\n", rep.Entries)
				io.Printf("lru_length=%d\n", rep.LRULength)
				io.Printf("extents_in_use=%d\n", rep.ExtentsInUse)
				io.Printf("extents_free=%d\n", rep.ExtentsFree)

				if rep.OK() {
					io.Println("ok")

					return nil
				}

				for _, p := range rep.Problems {
					io.Println("problem:", p)
				}

				return fmt.Errorf("%w: %d problem(s)", ErrVerifyFailed, len(rep.Problems))
			})
		},
	}
}
