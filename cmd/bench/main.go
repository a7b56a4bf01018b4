// Command bench runs a synthetic block-cache workload and exposes optional
// pprof/Prometheus endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tierkv/blockcache/cache"
	pmet "github.com/tierkv/blockcache/metrics/prom"
)

func main() {
	// ---- Flags ----
	var (
		cacheType = flag.String("type", "lru", "shard implementation: lru | clock")
		capacity  = flag.Int64("cap", 256<<20, "cache capacity (bytes)")
		shardBits = flag.Int("shard_bits", cache.AutoShardBits, "log2 shard count (-1 = auto)")
		strict    = flag.Bool("strict", false, "strict capacity limit")
		ratio     = flag.Float64("ratio", cache.DefaultHighPriPoolRatio, "high-priority pool ratio (lru only)")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		readPct  = flag.Int("reads", 80, "read percentage [0..100]")
		valSize  = flag.Int("val_size", 4<<10, "value size (bytes, the per-entry charge)")

		keys  = flag.Int("keys", 1_000_000, "keyspace size")
		zipfS = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed  = flag.Int64("seed", time.Now().UnixNano(), "random seed")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
	)
	flag.Parse()

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			log.Printf("pprof: serving at %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	// ---- Build cache ----
	metrics := pmet.New(nil, "blockcache", "bench", nil)
	var (
		c   cache.Cache
		err error
	)
	switch *cacheType {
	case "lru":
		c, err = cache.NewLRU(cache.LRUOptions{
			Capacity:            *capacity,
			NumShardBits:        *shardBits,
			StrictCapacityLimit: *strict,
			HighPriPoolRatio:    *ratio,
			Metrics:             metrics,
		})
	case "clock":
		c, err = cache.NewClock(cache.ClockOptions{
			Capacity:            *capacity,
			NumShardBits:        *shardBits,
			StrictCapacityLimit: *strict,
			Metrics:             metrics,
		})
	default:
		log.Fatalf("unknown cache type: %q (use lru or clock)", *cacheType)
	}
	if err != nil {
		log.Fatalf("build cache: %v", err)
	}
	defer func() { _ = c.Close() }()
	log.Printf("cache: %s", c.PrintableOptions())

	// ---- Prometheus metrics (on DefaultServeMux) ----
	prometheus.MustRegister(pmet.NewCollector(c, "blockcache", "bench", nil))
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("metrics: serving at %s", *metricsAddr)
		log.Println(http.ListenAndServe(*metricsAddr, nil))
	}()

	// ---- Preload to get a realistic hit-rate ----
	val := make([]byte, *valSize)
	preload := int(*capacity / int64(*valSize) / 2)
	if preload > *keys {
		preload = *keys
	}
	for i := 0; i < preload; i++ {
		k := []byte("blk:" + strconv.Itoa(i))
		_ = c.Insert(k, val, int64(*valSize), nil, cache.PriorityLow, nil)
	}

	// ---- Snapshot flags for goroutines ----
	readPctVal := *readPct
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	zipfSVal := *zipfS
	zipfVVal := *zipfV
	charge := int64(*valSize)
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	// ---- Load generation ----
	var reads, writes, total uint64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workersN; w++ {
		id := w
		g.Go(func() error {
			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, zipfSVal, zipfVVal, keysMax)

			keyByZipf := func() []byte {
				return []byte("blk:" + strconv.FormatUint(localZipf.Uint64(), 10))
			}

			for {
				select {
				case <-ctx.Done():
					return nil
				default:
				}

				atomic.AddUint64(&total, 1)
				if int(localR.Int31n(100)) < readPctVal {
					atomic.AddUint64(&reads, 1)
					if h := c.Lookup(keyByZipf()); h != nil {
						c.Release(h, false)
					}
				} else {
					atomic.AddUint64(&writes, 1)
					_ = c.Insert(keyByZipf(), val, charge, nil, cache.PriorityLow, nil)
				}
			}
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	// ---- Report ----
	ops := atomic.LoadUint64(&total)
	readsN := atomic.LoadUint64(&reads)
	writesN := atomic.LoadUint64(&writes)
	st := c.Stats()

	hitRate := 0.0
	if st.Hits+st.Misses > 0 {
		hitRate = float64(st.Hits) / float64(st.Hits+st.Misses) * 100
	}

	fmt.Printf("type=%s cap=%d workers=%d keys=%d dur=%v seed=%d\n",
		*cacheType, *capacity, workersN, *keys, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  reads=%d  writes=%d\n",
		ops, float64(ops)/elapsed.Seconds(), readsN, writesN)
	fmt.Printf("hits=%d  misses=%d  evictions=%d  hit-rate=%.2f%%\n",
		st.Hits, st.Misses, st.Evictions, hitRate)
	fmt.Printf("usage=%d pinned=%d capacity=%d\n", c.Usage(), c.PinnedUsage(), c.Capacity())
}
