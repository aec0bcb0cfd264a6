package sqlitecluster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// CommitLockPollInterval is the time between retries when Lock finds the
// commit lock already held by another goroutine.
const CommitLockPollInterval = 100 * time.Microsecond

// Coordinator holds the process-wide state that spans every Database
// Facade pointed at the same cluster: the recursive commit lock, the
// monotonically increasing commit-id counter, the last committed hash, and
// the in-flight registry of prepared-but-not-yet-drained transactions.
//
// These are intentionally process-global: they represent cluster-level
// invariants (commit-id order, hash-chain order), not per-handle state.
// Construct exactly one Coordinator per process and thread a reference into
// every Facade, rather than relying on a package-level singleton.
type Coordinator struct {
	mu         sync.Mutex   // guards the fields below
	locked     bool         // true while the commit window is held by some guard
	guardOwner *CommitGuard // the currently held guard, if locked
	refcount   int          // re-entrant acquisition count for guardOwner

	commitCount   atomic.Uint64
	committedHash atomic.Value // string

	registry *inFlightRegistry // accessed only while the commit lock is held
}

// NewCoordinator returns a new Coordinator with no committed transactions.
// Open seeds it from the max commit-id/hash found in the journal (see
// seedFromJournal); Restore sets those values explicitly.
func NewCoordinator() *Coordinator {
	c := &Coordinator{registry: newInFlightRegistry()}
	c.committedHash.Store("")
	return c
}

// Restore seeds the commit-id counter and committed hash from a value
// already observed in the journal (e.g. by the first Facade to open against
// an existing file). It must only be called before any concurrent access.
func (c *Coordinator) Restore(commitCount uint64, committedHash string) {
	c.commitCount.Store(commitCount)
	c.committedHash.Store(committedHash)
}

// CommitCount returns the current value of the commit-id counter: the id
// of the most recently committed transaction (0 if none yet).
func (c *Coordinator) CommitCount() uint64 { return c.commitCount.Load() }

// CommittedHash returns the running hash published by the most recent
// successful commit from any Facade.
func (c *Coordinator) CommittedHash() string { return c.committedHash.Load().(string) }

// commitLockKey is the context.Context key under which a held CommitGuard
// for this Coordinator is stashed, to model re-entrancy: Go has no
// goroutine-local storage, so re-entry by the same logical caller is
// instead modeled explicitly by passing the context returned from a prior
// Lock back into a nested Lock call.
type commitLockKey struct{ c *Coordinator }

// CommitGuard is a held commit-lock token, returned by Lock. It must be
// released exactly once via Unlock, on every exit path including error
// paths.
type CommitGuard struct {
	c *Coordinator
}

// Lock acquires the commit lock, blocking until it is available or ctx is
// done. If ctx already carries a guard for this Coordinator (because the
// caller is re-entering from within a call chain that already holds the
// lock — e.g. the replication layer bracketing
// drain-then-prepare-then-commit), the existing guard's refcount is bumped
// instead of blocking, and the same ctx is returned.
//
// The returned context must be threaded into any nested call that itself
// calls Lock, so that re-entrancy is visible at every call site rather than
// inferred from goroutine identity.
func (c *Coordinator) Lock(ctx context.Context) (*CommitGuard, context.Context, error) {
	if g, ok := ctx.Value(commitLockKey{c: c}).(*CommitGuard); ok {
		c.mu.Lock()
		assert(c.locked && c.guardOwner == g, "context carries a guard the coordinator doesn't recognize as held")
		c.refcount++
		c.mu.Unlock()
		return g, ctx, nil
	}

	if g := c.tryLock(); g != nil {
		return g, context.WithValue(ctx, commitLockKey{c: c}, g), nil
	}

	ticker := time.NewTicker(CommitLockPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx, ctx.Err()
		case <-ticker.C:
			if g := c.tryLock(); g != nil {
				return g, context.WithValue(ctx, commitLockKey{c: c}, g), nil
			}
		}
	}
}

// tryLock attempts a non-blocking acquisition of a fresh (non-re-entrant)
// guard. Returns nil if the lock is already held.
func (c *Coordinator) tryLock() *CommitGuard {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.locked {
		return nil
	}
	g := &CommitGuard{c: c}
	c.locked = true
	c.guardOwner = g
	c.refcount = 1
	return g
}

// Unlock releases one level of the guard's refcount, releasing the
// underlying lock entirely once the refcount reaches zero. Calling Unlock
// more times than the guard was acquired is safe: every call past the
// last acquisition is a no-op.
func (g *CommitGuard) Unlock() {
	c := g.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.guardOwner != g {
		return // already fully released
	}

	c.refcount--
	if c.refcount > 0 {
		return
	}

	c.guardOwner = nil
	c.locked = false
}

// withLockHeld reports whether ctx already carries a guard for c, i.e.
// whether a caller further up the stack already holds the commit lock.
func (c *Coordinator) withLockHeld(ctx context.Context) bool {
	_, ok := ctx.Value(commitLockKey{c: c}).(*CommitGuard)
	return ok
}

// nextCommitID allocates the next commit-id. Must only be called while the
// commit lock is held.
func (c *Coordinator) nextCommitID() uint64 {
	return c.commitCount.Load() + 1
}

// publishCommit advances the commit-id counter and committed hash after a
// successful Commit, and marks id as committed in the registry so it
// surfaces from the next drain. Must only be called while the commit lock
// is held.
func (c *Coordinator) publishCommit(id uint64, hash string) {
	assert(id == c.commitCount.Load()+1, "commit ids must be assigned contiguously")
	c.commitCount.Store(id)
	c.committedHash.Store(hash)
	c.registry.markCommitted(id)
	coordinatorCommitCount.WithLabelValues().Set(float64(id))
}

// registerPrepared inserts a newly prepared (not yet committed) transaction
// into the in-flight registry. Must only be called while the commit lock
// is held.
func (c *Coordinator) registerPrepared(id uint64, query, hash string) {
	c.registry.insert(id, query, hash)
	coordinatorInFlightDepth.WithLabelValues().Set(float64(len(c.registry.entries)))
}

// forgetPrepared discards a prepared transaction (on rollback) without
// marking it committed, so it never surfaces from drain. Must only be
// called while the commit lock is held.
func (c *Coordinator) forgetPrepared(id uint64) {
	c.registry.remove(id)
	coordinatorInFlightDepth.WithLabelValues().Set(float64(len(c.registry.entries)))
}

// DrainCommittedTransactions atomically removes and returns every
// transaction that has committed but not yet been drained, in ascending
// commit-id order. Intended for the (out-of-scope) replication layer.
func (c *Coordinator) DrainCommittedTransactions(ctx context.Context) ([]DrainedEntry, error) {
	g, _, err := c.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer g.Unlock()

	drained := c.registry.drain()
	coordinatorInFlightDepth.WithLabelValues().Set(float64(len(c.registry.entries)))
	return drained, nil
}

// seedFromJournal advances the commit-id counter and committed hash to
// (id, hash) if and only if id is greater than the counter's current
// value. Safe to call from every Facade's Open, even when several Facades
// race to open against the same pre-existing journal: whichever one
// observed the highest commit-id wins, and no Facade observing a stale
// (lower) value can ever move the counter backwards.
func (c *Coordinator) seedFromJournal(id uint64, hash string) {
	for {
		cur := c.commitCount.Load()
		if id <= cur {
			return
		}
		if c.commitCount.CompareAndSwap(cur, id) {
			c.committedHash.Store(hash)
			return
		}
	}
}

// truncationFloor returns the lowest commit-id that truncation must not
// remove: the lowest id still present in the in-flight registry, or the
// current commit count plus one (nothing to protect) if the registry is
// empty. Must only be called while the commit lock is held.
func (c *Coordinator) truncationFloor() uint64 {
	if id, ok := c.registry.lowestPending(); ok {
		return id
	}
	return c.commitCount.Load() + 1
}
