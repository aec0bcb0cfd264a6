// Command sqlclusterbench simulates a cluster of concurrent writer
// goroutines sharing one Coordinator, and a drain loop reading off the
// committed transactions they produce.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Crazee/Bedrock"
)

var (
	dsn        = flag.String("dsn", "sqlclusterbench.sqlite3", "path to the SQLite file")
	writers    = flag.Int("writers", 4, "number of concurrent writer goroutines")
	maxShardID = flag.Int("max-shard-id", 3, "highest journal shard id (one per writer, at most)")
	iter       = flag.Int("iter", 1000, "number of write iterations per writer")
	seed       = flag.Int64("seed", 0, "prng seed")
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	flag.Parse()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	log.Printf("running sqlclusterbench: writers=%d iter=%d seed=%d", *writers, *iter, *seed)

	coord := sqlitecluster.NewCoordinator()

	dbs := make([]*sqlitecluster.DB, *writers)
	for i := range dbs {
		shardID := i
		if shardID > *maxShardID {
			shardID = *maxShardID
		}
		db, err := sqlitecluster.Open(ctx, sqlitecluster.Options{
			Filename:    *dsn,
			ShardID:     shardID,
			MaxShardID:  *maxShardID,
			Coordinator: coord,
		})
		if err != nil {
			return fmt.Errorf("open writer %d: %w", i, err)
		}
		defer db.Close()
		dbs[i] = db
	}

	if _, _, err := dbs[0].VerifyTable(ctx, "t", `CREATE TABLE t (id INTEGER PRIMARY KEY, num INTEGER, data TEXT)`); err != nil {
		return fmt.Errorf("verify table: %w", err)
	}

	var commits, retries int64
	drainDone := make(chan struct{})
	go monitorDrain(ctx, coord, drainDone)

	g, ctx := errgroup.WithContext(ctx)
	for i, db := range dbs {
		i, db := i, db
		g.Go(func() error {
			rnd := rand.New(rand.NewSource(*seed + int64(i)))
			for n := 0; n < *iter; n++ {
				if err := runWriteIter(ctx, db, rnd, &commits, &retries); err != nil {
					return fmt.Errorf("writer %d iter %d: %w", i, n, err)
				}
			}
			return nil
		})
	}

	err := g.Wait()
	close(drainDone)
	log.Printf("done: commits=%d retries=%d final_commit_count=%d", atomic.LoadInt64(&commits), atomic.LoadInt64(&retries), coord.CommitCount())
	return err
}

// runWriteIter runs a single insert transaction, retrying Commit while the
// engine reports a busy/locked result and giving up after a handful of
// attempts.
func runWriteIter(ctx context.Context, db *sqlitecluster.DB, rnd *rand.Rand, commits, retries *int64) error {
	if err := db.BeginConcurrent(ctx); err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	num := rnd.Int63()
	data := fmt.Sprintf("%x", num)
	if err := db.Write(ctx, fmt.Sprintf("INSERT INTO t (num, data) VALUES (%d, '%s')", num, data)); err != nil {
		_ = db.Rollback(ctx)
		return fmt.Errorf("write: %w", err)
	}

	if err := db.Prepare(ctx); err != nil {
		_ = db.Rollback(ctx)
		return fmt.Errorf("prepare: %w", err)
	}

	for attempt := 0; ; attempt++ {
		code, err := db.Commit(ctx)
		if err == nil {
			atomic.AddInt64(commits, 1)
			return nil
		}
		if !code.Retryable() || attempt >= 5 {
			_ = db.Rollback(ctx)
			return fmt.Errorf("commit: %w", err)
		}
		atomic.AddInt64(retries, 1)
		time.Sleep(time.Millisecond)
	}
}

// monitorDrain periodically drains the coordinator's committed-but-not-yet-
// replicated transactions, simulating what an out-of-scope replication
// layer would do, and logs how many it picked up.
func monitorDrain(ctx context.Context, coord *sqlitecluster.Coordinator, done <-chan struct{}) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			drained, err := coord.DrainCommittedTransactions(ctx)
			if err != nil {
				log.Printf("drain: %s", err)
				continue
			}
			if len(drained) > 0 {
				log.Printf("drained %d transactions up to commit %d", len(drained), drained[len(drained)-1].ID)
			}
		}
	}
}
