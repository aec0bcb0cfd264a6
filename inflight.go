package sqlitecluster

import "sort"

// InFlightEntry is a prepared-but-not-yet-drained transaction: the exact
// query text committed and the hash the chain advanced to.
type InFlightEntry struct {
	Query string
	Hash  string
}

// DrainedEntry pairs a commit-id with the transaction committed at it. A Go
// map's iteration order is randomized, so drain results are carried as a
// slice (sorted ascending by ID) rather than a map.
type DrainedEntry struct {
	ID uint64
	InFlightEntry
}

// inFlightRegistry is a map (unordered; drain sorts by commit-id) of
// prepared-but-not-yet-replicated commit-ids to their (query, hash) pairs,
// plus the set of commit-ids that
// have actually committed (as opposed to merely prepared). It has no
// synchronization of its own: every method is only ever called while the
// owning Coordinator's commit lock is held.
type inFlightRegistry struct {
	entries   map[uint64]InFlightEntry
	committed map[uint64]struct{}
}

func newInFlightRegistry() *inFlightRegistry {
	return &inFlightRegistry{
		entries:   make(map[uint64]InFlightEntry),
		committed: make(map[uint64]struct{}),
	}
}

// insert registers a newly prepared transaction. Called from Prepare.
func (r *inFlightRegistry) insert(id uint64, query, hash string) {
	r.entries[id] = InFlightEntry{Query: query, Hash: hash}
}

// markCommitted marks a prepared transaction as actually committed, making
// it eligible for drain. Called from Commit on success.
func (r *inFlightRegistry) markCommitted(id uint64) {
	r.committed[id] = struct{}{}
}

// remove discards a prepared transaction without marking it committed.
// Called from Rollback after a Prepare, so that a rolled-back id never
// surfaces from drain.
func (r *inFlightRegistry) remove(id uint64) {
	delete(r.entries, id)
	delete(r.committed, id)
}

// lowestPending returns the lowest commit-id still present in the registry
// (committed or not), and whether one exists. Used to compute the
// conservative truncation floor.
func (r *inFlightRegistry) lowestPending() (uint64, bool) {
	if len(r.entries) == 0 {
		return 0, false
	}
	min := ^uint64(0)
	for id := range r.entries {
		if id < min {
			min = id
		}
	}
	return min, true
}

// drain atomically removes and returns every entry whose commit-id has
// actually committed, in ascending commit-id order. Entries for
// prepared-but-rolled-back ids were already removed by remove() and never
// appear here.
func (r *inFlightRegistry) drain() []DrainedEntry {
	if len(r.committed) == 0 {
		return nil
	}

	ids := make([]uint64, 0, len(r.committed))
	for id := range r.committed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]DrainedEntry, len(ids))
	for i, id := range ids {
		out[i] = DrainedEntry{ID: id, InFlightEntry: r.entries[id]}
		delete(r.entries, id)
		delete(r.committed, id)
	}
	return out
}
