// Package runlist holds the engine's ordered list of sorted runs (newest
// first), the structure the spec calls Λ. A single mutex guards it; both the
// append log's rotation callback and the compactor prepend to or replace
// entries in it, while reads take a point-in-time snapshot and walk it
// lock-free.
package runlist

import (
	"sync"

	"github.com/flashlogdb/lsmkv/sortedrun"
)

// List is the run list Λ: sorted runs ordered newest first.
type List struct {
	mu   sync.Mutex
	runs []*sortedrun.Run
}

// New returns an empty run list.
func New() *List {
	return &List{}
}

// Prepend inserts run at the front of the list, making it the newest.
func (l *List) Prepend(run *sortedrun.Run) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = append([]*sortedrun.Run{run}, l.runs...)
}

// Snapshot returns a shallow copy of the current run order, safe to read
// without holding any lock.
func (l *List) Snapshot() []*sortedrun.Run {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*sortedrun.Run, len(l.runs))
	copy(out, l.runs)
	return out
}

// Len reports the current number of runs.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.runs)
}

// Replace atomically substitutes the contiguous block of runs identified by
// oldIDs (in order) with replacement, keeping replacement's position where
// oldIDs[0] used to sit and dropping the rest of the block. It reports
// whether oldIDs was still found as a contiguous run in the list; a caller
// that gets false back should treat the merge as stale and simply drop it,
// since some other compaction already touched this range.
func (l *List) Replace(oldIDs []uint64, replacement *sortedrun.Run) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := findConsecutive(l.runs, oldIDs)
	if start < 0 {
		return false
	}

	inBlock := make(map[uint64]bool, len(oldIDs))
	for _, id := range oldIDs {
		inBlock[id] = true
	}

	next := make([]*sortedrun.Run, 0, len(l.runs)-len(oldIDs)+1)
	placed := false
	for _, run := range l.runs {
		if inBlock[run.ID()] {
			if !placed {
				next = append(next, replacement)
				placed = true
			}
			continue
		}
		next = append(next, run)
	}

	l.runs = next
	return true
}

// findConsecutive returns the index at which ids appears as a contiguous,
// in-order run of ids within runs, or -1 if no such position exists.
func findConsecutive(runs []*sortedrun.Run, ids []uint64) int {
	if len(ids) == 0 || len(ids) > len(runs) {
		return -1
	}

	for i := 0; i+len(ids) <= len(runs); i++ {
		match := true
		for j, id := range ids {
			if runs[i+j].ID() != id {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}

	return -1
}
