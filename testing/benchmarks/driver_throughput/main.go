// Driver throughput benchmark.
//
// Measures statement round-trips per second through the Bifrost driver at
// varying concurrency, either against an in-process scripted server (the
// default) or against a real Bolt server via -address.
//
// Usage:
//
//	go run ./testing/benchmarks/driver_throughput -concurrency 8 -seconds 10
//	go run ./testing/benchmarks/driver_throughput -address localhost:7687 -username neo4j -password secret
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orneryd/bifrost/pkg/bifrost"
	"github.com/orneryd/bifrost/pkg/bolt"
	"github.com/orneryd/bifrost/pkg/bolttest"
	"github.com/orneryd/bifrost/pkg/packstream"
)

const (
	plainStatement  = "RETURN $nonce AS nonce"
	entityStatement = "MATCH (a:Person)-[r:KNOWS]->(b:Person) RETURN a, r, b"
)

func main() {
	var (
		concurrent = flag.Int("concurrency", 4, "Concurrent workers")
		seconds    = flag.Int("seconds", 10, "Benchmark duration per scenario")
		warmup     = flag.Int("warmup-seconds", 2, "Warmup duration per scenario")
		poolSize   = flag.Int("pool-size", 10, "Driver connection pool size")
		rows       = flag.Int("rows", 10, "Result rows per statement (in-process server only)")
		scenarios  = flag.String("scenarios", "autocommit,transaction,entities,connect", "Comma-separated scenarios to run")
		address    = flag.String("address", "", "External Bolt server address (default: in-process scripted server)")
		username   = flag.String("username", "", "Username for the external server")
		password   = flag.String("password", "", "Password for the external server")
		outCSV     = flag.String("csv", "testing/benchmarks/driver_throughput/results.csv", "CSV output path")
	)
	flag.Parse()

	if *concurrent <= 0 || *seconds <= 0 || *warmup < 0 || *poolSize <= 0 || *rows <= 0 {
		fatalf("invalid args")
	}

	plan := parseScenarios(*scenarios)
	if len(plan) == 0 {
		fatalf("no scenarios selected")
	}

	addr := *address
	external := addr != ""
	if external && contains(plan, scenarioEntities) {
		fatalf("the entities scenario needs the in-process scripted server; drop it or unset -address")
	}

	if !external {
		srv, err := startScriptedServer(*rows)
		if err != nil {
			fatalf("start server: %v", err)
		}
		defer srv.Close()
		addr = srv.Addr()
		logf("In-process server on %s (%d rows per result)", addr, *rows)
	}

	cfg := bifrost.DefaultConfig()
	cfg.Address = addr
	cfg.Username = *username
	cfg.Password = *password
	cfg.MaxPoolSize = *poolSize
	cfg.Logger = zerolog.Nop()

	runCfg := runConfig{
		concurrency: *concurrent,
		seconds:     time.Duration(*seconds) * time.Second,
		warmup:      time.Duration(*warmup) * time.Second,
	}

	var outRows []csvRow
	for _, sc := range plan {
		sum := runScenario(sc, cfg, runCfg)
		printSummary(string(sc), sum)
		outRows = append(outRows, rowFromSummary(string(sc), *rows, *poolSize, *concurrent, sum))
	}

	if err := appendCSV(*outCSV, outRows); err != nil {
		fatalf("write csv: %v", err)
	}
	logf("CSV appended: %s", *outCSV)
}

// startScriptedServer builds a bolttest server with one plain statement and
// one entity-returning statement, each producing n result rows.
func startScriptedServer(n int) (*bolttest.Server, error) {
	srv, err := bolttest.NewServer()
	if err != nil {
		return nil, err
	}

	plainRecords := make([]packstream.List, n)
	for i := range plainRecords {
		plainRecords[i] = packstream.List{packstream.Int(i)}
	}
	srv.Handle(plainStatement, bolttest.Script{
		Fields:  []string{"nonce"},
		Records: plainRecords,
	})

	entityRecords := make([]packstream.List, n)
	for i := range entityRecords {
		from := int64(i)
		to := int64(i + 1)
		entityRecords[i] = packstream.List{
			bolttest.NodeValue(from, []string{"Person"}, packstream.Map{"name": packstream.String(fmt.Sprintf("p%d", from))}),
			bolttest.RelationshipValue(int64(1000+i), from, to, "KNOWS", nil),
			bolttest.NodeValue(to, []string{"Person"}, packstream.Map{"name": packstream.String(fmt.Sprintf("p%d", to))}),
		}
	}
	srv.Handle(entityStatement, bolttest.Script{
		Fields:  []string{"a", "r", "b"},
		Records: entityRecords,
	})

	return srv, nil
}

type scenario string

const (
	scenarioAutocommit  scenario = "autocommit"
	scenarioTransaction scenario = "transaction"
	scenarioEntities    scenario = "entities"
	scenarioConnect     scenario = "connect"
)

func parseScenarios(s string) []scenario {
	raw := strings.Split(s, ",")
	out := make([]scenario, 0, len(raw))
	seen := make(map[scenario]struct{})
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		sc := scenario(r)
		switch sc {
		case scenarioAutocommit, scenarioTransaction, scenarioEntities, scenarioConnect:
		default:
			fatalf("unknown scenario %q", r)
		}
		if _, ok := seen[sc]; ok {
			continue
		}
		seen[sc] = struct{}{}
		out = append(out, sc)
	}
	return out
}

func contains(list []scenario, v scenario) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func runScenario(sc scenario, cfg bifrost.Config, runCfg runConfig) summary {
	if sc == scenarioConnect {
		// Fresh dial per op, no pool involved.
		opts := bolt.Options{
			Username:       cfg.Username,
			Password:       cfg.Password,
			ConnectTimeout: cfg.ConnectTimeout,
			Logger:         zerolog.Nop(),
		}
		return runBenchmark(string(sc), runCfg, func() (workerFn, func(), error) {
			fn := func(ctx context.Context) error {
				conn, err := bolt.Dial(ctx, cfg.Address, opts)
				if err != nil {
					return err
				}
				return conn.Close()
			}
			return fn, func() {}, nil
		})
	}

	driver, err := bifrost.Open(cfg)
	if err != nil {
		fatalf("[%s] open driver: %v", sc, err)
	}
	defer driver.Close()

	return runBenchmark(string(sc), runCfg, func() (workerFn, func(), error) {
		var nonce int64
		var fn workerFn
		switch sc {
		case scenarioAutocommit:
			fn = func(ctx context.Context) error {
				nonce++
				_, err := driver.Run(ctx, plainStatement, map[string]any{"nonce": nonce})
				return err
			}
		case scenarioTransaction:
			fn = func(ctx context.Context) error {
				tx, err := driver.Begin(ctx)
				if err != nil {
					return err
				}
				nonce++
				if _, err := tx.Run(ctx, plainStatement, map[string]any{"nonce": nonce}); err != nil {
					// Release the pooled connection even when the run
					// deadline fired; driver.Close waits on it otherwise.
					_ = tx.Rollback(context.Background())
					return err
				}
				return tx.Commit(ctx)
			}
		case scenarioEntities:
			fn = func(ctx context.Context) error {
				res, err := driver.Run(ctx, entityStatement, nil)
				if err != nil {
					return err
				}
				if len(res.Nodes) == 0 {
					return fmt.Errorf("no nodes decoded")
				}
				return nil
			}
		}
		return fn, func() {}, nil
	})
}

type workerFn func(ctx context.Context) error

type runConfig struct {
	concurrency int
	seconds     time.Duration
	warmup      time.Duration
}

type summary struct {
	label        string
	totalOps     int
	totalSeconds float64
	latencies    []time.Duration
}

func runBenchmark(label string, cfg runConfig, newWorker func() (workerFn, func(), error)) summary {
	doRun := func(d time.Duration) (int, []time.Duration) {
		if d <= 0 {
			return 0, nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), d)
		defer cancel()

		var (
			mu     sync.Mutex
			count  int
			latAll []time.Duration
		)

		var wg sync.WaitGroup
		wg.Add(cfg.concurrency)
		for i := 0; i < cfg.concurrency; i++ {
			fn, cleanup, err := newWorker()
			if err != nil {
				logf("[%s] worker init error: %v", label, err)
				wg.Done()
				continue
			}
			go func(fn workerFn, cleanup func()) {
				defer wg.Done()
				defer cleanup()
				local := make([]time.Duration, 0, 1024)
				for {
					if ctx.Err() != nil {
						break
					}
					start := time.Now()
					err := fn(ctx)
					dur := time.Since(start)
					if err != nil {
						// Deadline or cancellation marks end-of-run.
						if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
							break
						}
						logf("[%s] op error: %v", label, err)
						break
					}
					local = append(local, dur)
				}
				mu.Lock()
				count += len(local)
				latAll = append(latAll, local...)
				mu.Unlock()
			}(fn, cleanup)
		}
		wg.Wait()
		return count, latAll
	}

	// Warmup (discard)
	_, _ = doRun(cfg.warmup)

	start := time.Now()
	n, lat := doRun(cfg.seconds)
	elapsed := time.Since(start).Seconds()

	return summary{
		label:        label,
		totalOps:     n,
		totalSeconds: elapsed,
		latencies:    lat,
	}
}

func printSummary(name string, s summary) {
	ops := float64(s.totalOps) / s.totalSeconds
	p50, p95, p99, min, max, mean := latencyStats(s.latencies)

	logf("%s: ops=%d secs=%.3f ops/sec=%.2f", name, s.totalOps, s.totalSeconds, ops)
	logf("%s: latency ms: min=%.3f p50=%.3f p95=%.3f p99=%.3f max=%.3f mean=%.3f",
		name,
		min.Seconds()*1000,
		p50.Seconds()*1000,
		p95.Seconds()*1000,
		p99.Seconds()*1000,
		max.Seconds()*1000,
		mean.Seconds()*1000,
	)
	logf("%s: histogram (ms)", name)
	printHistogram(s.latencies)
}

func latencyStats(durs []time.Duration) (p50, p95, p99, min, max, mean time.Duration) {
	if len(durs) == 0 {
		return 0, 0, 0, 0, 0, 0
	}
	cp := make([]time.Duration, len(durs))
	copy(cp, durs)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })

	min = cp[0]
	max = cp[len(cp)-1]
	var sum time.Duration
	for _, d := range cp {
		sum += d
	}
	mean = time.Duration(int64(sum) / int64(len(cp)))

	p50 = cp[int(float64(len(cp)-1)*0.50)]
	p95 = cp[int(float64(len(cp)-1)*0.95)]
	p99 = cp[int(float64(len(cp)-1)*0.99)]
	return
}

func printHistogram(durs []time.Duration) {
	if len(durs) == 0 {
		logf("  (no samples)")
		return
	}

	// Log2 buckets on milliseconds, plus a <1ms bucket.
	buckets := make([]int, 17)
	for _, d := range durs {
		ms := d.Seconds() * 1000
		if ms < 1 {
			buckets[0]++
			continue
		}
		b := int(math.Floor(math.Log2(ms))) + 1
		if b < 1 {
			b = 1
		}
		if b >= len(buckets) {
			b = len(buckets) - 1
		}
		buckets[b]++
	}

	total := len(durs)
	for i, c := range buckets {
		if c == 0 {
			continue
		}
		var lo, hi string
		if i == 0 {
			lo, hi = "0", "1"
		} else {
			lo = fmt.Sprintf("%.0f", math.Pow(2, float64(i-1)))
			hi = fmt.Sprintf("%.0f", math.Pow(2, float64(i)))
		}
		logf("  [%s,%s)ms: %d (%.2f%%)", lo, hi, c, 100*float64(c)/float64(total))
	}
}

type csvRow struct {
	Timestamp string
	Scenario  string
	Rows      int
	PoolSize  int
	Conc      int
	Ops       int
	Seconds   float64
	OpsPerSec float64
	P50ms     float64
	P95ms     float64
	P99ms     float64
	Meanms    float64
	Minms     float64
	Maxms     float64
}

func rowFromSummary(scenario string, rows, poolSize, conc int, s summary) csvRow {
	p50, p95, p99, min, max, mean := latencyStats(s.latencies)
	return csvRow{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Scenario:  scenario,
		Rows:      rows,
		PoolSize:  poolSize,
		Conc:      conc,
		Ops:       s.totalOps,
		Seconds:   s.totalSeconds,
		OpsPerSec: float64(s.totalOps) / s.totalSeconds,
		P50ms:     p50.Seconds() * 1000,
		P95ms:     p95.Seconds() * 1000,
		P99ms:     p99.Seconds() * 1000,
		Meanms:    mean.Seconds() * 1000,
		Minms:     min.Seconds() * 1000,
		Maxms:     max.Seconds() * 1000,
	}
}

func appendCSV(path string, rows []csvRow) (err error) {
	if len(rows) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	needHeader := false
	if st, err := os.Stat(path); err != nil || st.Size() == 0 {
		needHeader = true
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	defer func() {
		w.Flush()
		if flushErr := w.Error(); flushErr != nil && err == nil {
			err = flushErr
		}
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	if needHeader {
		if err := w.Write([]string{
			"timestamp", "scenario", "rows", "pool_size", "concurrency",
			"ops", "seconds", "ops_per_sec",
			"p50_ms", "p95_ms", "p99_ms", "mean_ms", "min_ms", "max_ms",
		}); err != nil {
			return err
		}
	}
	for _, r := range rows {
		if err := w.Write([]string{
			r.Timestamp,
			r.Scenario,
			strconv.Itoa(r.Rows),
			strconv.Itoa(r.PoolSize),
			strconv.Itoa(r.Conc),
			strconv.Itoa(r.Ops),
			fmt.Sprintf("%.6f", r.Seconds),
			fmt.Sprintf("%.6f", r.OpsPerSec),
			fmt.Sprintf("%.6f", r.P50ms),
			fmt.Sprintf("%.6f", r.P95ms),
			fmt.Sprintf("%.6f", r.P99ms),
			fmt.Sprintf("%.6f", r.Meanms),
			fmt.Sprintf("%.6f", r.Minms),
			fmt.Sprintf("%.6f", r.Maxms),
		}); err != nil {
			return err
		}
	}
	return nil
}

func logf(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}

func fatalf(format string, args ...any) {
	logf(format, args...)
	os.Exit(1)
}
