// Command sqlclusterd runs a single embedder process against a cluster
// database: it opens one Facade per configured writer goroutine, serves a
// synthetic write workload against them, and rotates its own log file.
// It has no network listener and no peer protocol — those are the
// out-of-scope collaborators this package only defines a contract for.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Crazee/Bedrock"
)

var (
	dsn        = flag.String("dsn", "sqlclusterd.sqlite3", "path to the SQLite file")
	logPath    = flag.String("log", "", "log file path; rotated with lumberjack (empty logs to stderr)")
	logMaxSize = flag.Int("log-max-size-mb", 50, "rotate the log file once it exceeds this size, in megabytes")
	writers    = flag.Int("writers", 2, "number of concurrent writer goroutines")
	maxShardID = flag.Int("max-shard-id", 1, "highest journal shard id")
	writeEvery = flag.Duration("write-every", 100*time.Millisecond, "interval between writes, per writer")
)

func main() {
	flag.Parse()

	if *logPath != "" {
		sqlitecluster.Logger.SetOutput(&lumberjack.Logger{
			Filename: *logPath,
			MaxSize:  *logMaxSize,
			Compress: true,
		})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
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

	if _, created, err := dbs[0].VerifyTable(ctx, "events", `CREATE TABLE events (id INTEGER PRIMARY KEY, payload TEXT)`); err != nil {
		return fmt.Errorf("verify table: %w", err)
	} else if created {
		sqlitecluster.Logger.Printf("created events table")
	}

	done := make(chan error, len(dbs))
	for i, db := range dbs {
		go serveWriter(ctx, i, db, done)
	}

	sqlitecluster.Logger.Printf("sqlclusterd running: writers=%d dsn=%s", *writers, *dsn)

	var firstErr error
	for range dbs {
		if err := <-done; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// serveWriter runs a single writer goroutine's workload until ctx is
// cancelled, reporting its terminal error (nil on a clean shutdown) on
// done.
func serveWriter(ctx context.Context, id int, db *sqlitecluster.DB, done chan<- error) {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
	ticker := time.NewTicker(*writeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			done <- nil
			return
		case <-ticker.C:
			if err := writeOnce(ctx, db, rnd); err != nil {
				sqlitecluster.Logger.Printf("writer %d: %s", id, err)
			}
		}
	}
}

func writeOnce(ctx context.Context, db *sqlitecluster.DB, rnd *rand.Rand) error {
	if err := db.BeginConcurrent(ctx); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := db.Write(ctx, fmt.Sprintf("INSERT INTO events (payload) VALUES ('%x')", rnd.Int63())); err != nil {
		_ = db.Rollback(ctx)
		return fmt.Errorf("write: %w", err)
	}
	if err := db.Prepare(ctx); err != nil {
		_ = db.Rollback(ctx)
		return fmt.Errorf("prepare: %w", err)
	}
	if code, err := db.Commit(ctx); err != nil {
		_ = db.Rollback(ctx)
		return fmt.Errorf("commit: %s: %w", code, err)
	}
	return nil
}
