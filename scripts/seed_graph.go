// seed_graph.go
// Seeds a Bolt server with a synthetic social graph through the Bifrost
// driver, with per-phase timing.
//
// Usage: go run scripts/seed_graph.go -address localhost:7687 -people 1000
//
// Prerequisites:
//   - A Bolt server (NornicDB or Neo4j) reachable at -address

package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/orneryd/bifrost/pkg/bifrost"
)

var (
	address    = flag.String("address", "localhost:7687", "Bolt server address")
	username   = flag.String("username", "", "Username")
	password   = flag.String("password", "", "Password")
	database   = flag.String("database", "", "Target database (empty = server default)")
	people     = flag.Int("people", 1000, "Number of Person nodes")
	avgKnows   = flag.Int("avg-knows", 5, "Average KNOWS relationships per person")
	batchSize  = flag.Int("batch", 200, "Rows per UNWIND batch")
	clearFirst = flag.Bool("clear", false, "DETACH DELETE everything first")
	seed       = flag.Int64("seed", 42, "Random seed for the graph shape")
)

// Timing stats
type phaseStat struct {
	Phase    string
	Duration time.Duration
	Count    int
}

var allStats []phaseStat

func main() {
	flag.Parse()

	if *people <= 0 || *avgKnows < 0 || *batchSize <= 0 {
		fmt.Println("❌ invalid arguments")
		os.Exit(1)
	}

	fmt.Println("🌱 Bifrost graph seeder")
	fmt.Printf("   Server:  %s\n", *address)
	fmt.Printf("   People:  %d (avg %d KNOWS each, batches of %d)\n", *people, *avgKnows, *batchSize)
	fmt.Println()

	cfg := bifrost.DefaultConfig()
	cfg.Address = *address
	cfg.Username = *username
	cfg.Password = *password
	cfg.Database = *database
	cfg.Logger = zerolog.Nop()

	driver, err := bifrost.Open(cfg)
	if err != nil {
		fmt.Printf("❌ opening driver: %v\n", err)
		os.Exit(1)
	}
	defer driver.Close()

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		fmt.Printf("❌ %s unreachable: %v\n", *address, err)
		os.Exit(1)
	}
	fmt.Printf("✅ Connected to %s\n\n", *address)

	if *clearFirst {
		fmt.Println("🧹 Clearing existing data...")
		if err := timed(ctx, driver, "clear", 1, "MATCH (n) DETACH DELETE n", nil); err != nil {
			fmt.Printf("❌ clear: %v\n", err)
			os.Exit(1)
		}
	}

	rng := rand.New(rand.NewSource(*seed))

	fmt.Printf("👤 Creating %d Person nodes...\n", *people)
	if err := seedPeople(ctx, driver, rng); err != nil {
		fmt.Printf("❌ seeding people: %v\n", err)
		os.Exit(1)
	}

	totalKnows := *people * *avgKnows
	fmt.Printf("🔗 Creating ~%d KNOWS relationships...\n", totalKnows)
	if err := seedKnows(ctx, driver, rng); err != nil {
		fmt.Printf("❌ seeding relationships: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("🔍 Verifying...")
	if err := verify(ctx, driver); err != nil {
		fmt.Printf("❌ verify: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("📊 Timing:")
	for _, s := range allStats {
		rate := float64(s.Count) / s.Duration.Seconds()
		fmt.Printf("   %-14s %8d rows in %8v (%.0f rows/s)\n", s.Phase, s.Count, s.Duration.Round(time.Millisecond), rate)
	}
	fmt.Println()
	fmt.Println("✅ Done")
}

// seedPeople creates Person nodes in UNWIND batches, one transaction per
// batch so a failed batch rolls back as a unit.
func seedPeople(ctx context.Context, driver *bifrost.Driver, rng *rand.Rand) error {
	const statement = "UNWIND $batch AS row CREATE (p:Person) SET p = row"

	started := time.Now()
	for lo := 0; lo < *people; lo += *batchSize {
		hi := lo + *batchSize
		if hi > *people {
			hi = *people
		}

		batch := make([]any, 0, hi-lo)
		for i := lo; i < hi; i++ {
			batch = append(batch, map[string]any{
				"id":     int64(i),
				"name":   fmt.Sprintf("person-%d", i),
				"age":    int64(18 + rng.Intn(60)),
				"active": rng.Intn(4) != 0,
			})
		}

		err := driver.ExecuteInTransaction(ctx, func(tx *bifrost.Transaction) error {
			_, err := tx.Run(ctx, statement, map[string]any{"batch": batch})
			return err
		})
		if err != nil {
			return fmt.Errorf("batch %d-%d: %w", lo, hi, err)
		}
	}

	allStats = append(allStats, phaseStat{"people", time.Since(started), *people})
	return nil
}

// seedKnows wires random KNOWS edges between the created people.
func seedKnows(ctx context.Context, driver *bifrost.Driver, rng *rand.Rand) error {
	const statement = "UNWIND $pairs AS pair " +
		"MATCH (a:Person {id: pair.from}), (b:Person {id: pair.to}) " +
		"CREATE (a)-[:KNOWS {since: pair.since}]->(b)"

	total := *people * *avgKnows
	started := time.Now()
	created := 0
	for created < total {
		n := *batchSize
		if total-created < n {
			n = total - created
		}

		pairs := make([]any, 0, n)
		for i := 0; i < n; i++ {
			from := rng.Intn(*people)
			to := rng.Intn(*people)
			if to == from {
				to = (to + 1) % *people
			}
			pairs = append(pairs, map[string]any{
				"from":  int64(from),
				"to":    int64(to),
				"since": int64(2000 + rng.Intn(26)),
			})
		}

		err := driver.ExecuteInTransaction(ctx, func(tx *bifrost.Transaction) error {
			_, err := tx.Run(ctx, statement, map[string]any{"pairs": pairs})
			return err
		})
		if err != nil {
			return fmt.Errorf("batch at %d: %w", created, err)
		}
		created += n
	}

	allStats = append(allStats, phaseStat{"knows", time.Since(started), total})
	return nil
}

func verify(ctx context.Context, driver *bifrost.Driver) error {
	res, err := driver.Run(ctx, "MATCH (p:Person) RETURN count(p) AS people", nil)
	if err != nil {
		return err
	}
	if len(res.Rows) == 1 {
		if count, ok := res.Rows[0].Value("people"); ok {
			fmt.Printf("   Person nodes on server: %v\n", count)
		}
	}

	res, err = driver.Run(ctx, "MATCH (:Person)-[r:KNOWS]->(:Person) RETURN count(r) AS knows", nil)
	if err != nil {
		return err
	}
	if len(res.Rows) == 1 {
		if count, ok := res.Rows[0].Value("knows"); ok {
			fmt.Printf("   KNOWS relationships:    %v\n", count)
		}
	}
	return nil
}

// timed runs a single autocommit statement and records its duration.
func timed(ctx context.Context, driver *bifrost.Driver, phase string, count int, statement string, params map[string]any) error {
	started := time.Now()
	if _, err := driver.Run(ctx, statement, params); err != nil {
		return err
	}
	allStats = append(allStats, phaseStat{phase, time.Since(started), count})
	return nil
}
