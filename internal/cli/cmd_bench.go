package cli

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/calvinalkan/mmcache/metrics/prom"
	"github.com/calvinalkan/mmcache/pkg/mmcache"
)

type benchConfig struct {
	workers     int
	duration    time.Duration
	rate        float64
	keys        int
	valueSize   int
	readPct     int
	ttl         time.Duration
	seed        uint64
	metricsAddr string
}

type benchCounters struct {
	reads, writes, hits, misses atomic.Int64
}

// BenchCmd returns the bench command.
func BenchCmd(a *app) *Command {
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	fs.Int("workers", 2*runtime.GOMAXPROCS(0), "Number of workers, each with its own store handle")
	fs.Duration("duration", 5*time.Second, "Benchmark duration")
	fs.Float64("rate", 0, "Total operations per second (0 = unlimited)")
	fs.Int("keys", 100_000, "Keyspace size (zipf distributed)")
	fs.Int("value-size", 128, "Value size in bytes")
	fs.Int("reads", 80, "Read percentage [0..100]")
	fs.Duration("ttl", 0, "TTL for written entries (0 = none)")
	fs.Uint64("seed", 1, "Random seed")
	fs.String("metrics-addr", "", "Serve Prometheus metrics at `addr` (e.g. :9090) while running")

	return &Command{
		Flags: fs,
		Usage: "bench [flags]",
		Short: "Run a synthetic read/write workload",
		Long: `Run a synthetic workload against the store. Every worker opens its own
handle, so workers contend on the store lock the way separate processes
would.

Examples:
  mmcache bench --workers 8 --duration 10s
  mmcache bench --rate 5000 --metrics-addr :9090`,
		Exec: func(ctx context.Context, io *IO, _ []string) error {
			var cfg benchConfig

			cfg.workers, _ = fs.GetInt("workers")
			cfg.duration, _ = fs.GetDuration("duration")
			cfg.rate, _ = fs.GetFloat64("rate")
			cfg.keys, _ = fs.GetInt("keys")
			cfg.valueSize, _ = fs.GetInt("value-size")
			cfg.readPct, _ = fs.GetInt("reads")
			cfg.ttl, _ = fs.GetDuration("ttl")
			cfg.seed, _ = fs.GetUint64("seed")
			cfg.metricsAddr, _ = fs.GetString("metrics-addr")

			if cfg.workers <= 0 || cfg.keys <= 1 || cfg.valueSize <= 0 || cfg.readPct < 0 || cfg.readPct > 100 || cfg.rate < 0 {
				return fmt.Errorf("%w: workers, keys and value-size must be positive, reads within 0..100", ErrUsage)
			}

			return a.withCache(func(c *mmcache.Cache) error {
				return runBench(ctx, io, a, c, cfg)
			})
		},
	}
}

func runBench(ctx context.Context, io *IO, a *app, base *mmcache.Cache, cfg benchConfig) error {
	var metrics mmcache.Metrics = mmcache.NoopMetrics{}

	if cfg.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = prom.New(reg, "mmcache", "bench", nil)

		stop, err := serveMetrics(cfg.metricsAddr, reg)
		if err != nil {
			return err
		}
		defer stop()

		a.log.Info("serving metrics", "addr", cfg.metricsAddr)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.duration)
	defer cancel()

	var limiter *rate.Limiter
	if cfg.rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.rate), cfg.workers)
	}

	var counters benchCounters

	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()

	for w := range cfg.workers {
		g.Go(func() error {
			c, err := mmcache.Open(mmcache.Options{
				Path:        a.cfg.PathAbs,
				LockTimeout: a.cfg.LockTimeoutDur,
				Logger:      a.log,
				Metrics:     metrics,
			})
			if err != nil {
				return fmt.Errorf("worker %d: %w", w, err)
			}

			err = benchWorker(gctx, c, limiter, cfg, uint64(w), &counters)

			return errors.Join(err, c.Close())
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)

	st, err := base.Stats()
	if err != nil {
		return err
	}

	reads, writes := counters.reads.Load(), counters.writes.Load()
	hits, misses := counters.hits.Load(), counters.misses.Load()
	ops := reads + writes

	hitRate := 0.0
	if reads > 0 {
		hitRate = float64(hits) / float64(reads) * 100
	}

	io.Printf("workers=%d keys=%d value_size=%d dur=%v seed=%d\n",
		cfg.workers, cfg.keys, cfg.valueSize, elapsed.Round(time.Millisecond), cfg.seed)
	io.Printf("ops=%d (%.0f ops/s)  reads=%d  writes=%d\n",
		ops, float64(ops)/elapsed.Seconds(), reads, writes)
	io.Printf("hits=%d  misses=%d  hit-rate=%.2f%%\n", hits, misses, hitRate)
	io.Printf("entries=%d  pages_used=%d/%d\n", st.EntriesUsed, st.PagesUsed, st.PageCount)

	return nil
}

func benchWorker(ctx context.Context, c *mmcache.Cache, limiter *rate.Limiter, cfg benchConfig, id uint64, counters *benchCounters) error {
	// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
	rng := rand.New(rand.NewPCG(cfg.seed, id))
	zipf := rand.NewZipf(rng, 1.1, 1, uint64(cfg.keys-1))

	key := make([]byte, 0, 32)
	value := make([]byte, cfg.valueSize)

	for ctx.Err() == nil {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil //nolint:nilerr // deadline reached while waiting for a token
			}
		}

		key = fmt.Appendf(key[:0], "bench:%d", zipf.Uint64())

		if rng.IntN(100) < cfg.readPct {
			counters.reads.Add(1)

			_, err := c.Get(key)

			switch {
			case err == nil:
				counters.hits.Add(1)
			case errors.Is(err, mmcache.ErrNotFound):
				counters.misses.Add(1)
			default:
				return err
			}

			continue
		}

		counters.writes.Add(1)

		for i := range value {
			value[i] = byte(rng.Uint32())
		}

		if err := c.PutTTL(key, value, cfg.ttl); err != nil {
			return err
		}
	}

	return nil
}

// serveMetrics serves reg on addr until the returned stop func is called.
func serveMetrics(addr string, reg *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() { _ = srv.Serve(ln) }()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_ = srv.Shutdown(ctx)
	}, nil
}
