// Package compactor implements size-tiered background compaction of sorted
// runs, grounded directly on the Rust original's sstables/compactor.rs: the
// same bucket boundaries, the same backward bucket-scan grouping algorithm,
// and the same busy-flag debounce, translated to goroutines and an
// atomic.Bool in place of std::thread::spawn and AtomicBool.
package compactor

import (
	"sort"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"

	"github.com/flashlogdb/lsmkv/record"
	"github.com/flashlogdb/lsmkv/runlist"
	"github.com/flashlogdb/lsmkv/sortedrun"
)

var log = logging.Logger("lsmkv/compactor")

// MinTablesInMerge is the minimum group size a bucket must reach before it
// is worth merging.
const MinTablesInMerge = 4

// MaxTablesInMerge caps how many runs a single merge group may contain.
const MaxTablesInMerge = 30

// Manager drives background compaction of a runlist.List. One Manager must
// be constructed per engine instance; SignalRunInserted should be called
// every time a new run is prepended to the list (after a log rotation or a
// prior compaction).
type Manager struct {
	runsDir    string
	runs       *runlist.List
	buildOpts  sortedrun.BuildOptions
	fileSize   uint64
	compacting atomic.Bool
	onReplaced func(old *sortedrun.Run)
}

// New returns a Manager compacting runs under runsDir. onReplaced, if
// non-nil, is called once per run retired by a successful merge so the
// caller can schedule its file for deferred deletion.
func New(runsDir string, runs *runlist.List, fileSize uint64, buildOpts sortedrun.BuildOptions, onReplaced func(old *sortedrun.Run)) *Manager {
	return &Manager{
		runsDir:    runsDir,
		runs:       runs,
		buildOpts:  buildOpts,
		fileSize:   fileSize,
		onReplaced: onReplaced,
	}
}

// SignalRunInserted notifies the manager that the run list changed.
// Compaction runs on a background goroutine; if one is already in flight,
// this call is a no-op, matching the original's debounce via a swapped
// AtomicBool rather than queuing redundant runs.
func (m *Manager) SignalRunInserted() {
	if m.compacting.Swap(true) {
		return
	}

	go func() {
		defer m.compacting.Store(false)

		if err := m.compactUntilStable(); err != nil {
			log.Errorw("compaction check failed", "err", err)
		}
	}()
}

func (m *Manager) compactUntilStable() error {
	for {
		merged, err := m.compactOnce()
		if err != nil {
			return err
		}
		if !merged {
			return nil
		}
	}
}

// compactOnce runs a single planning pass: it groups the current run list
// into merge candidates, merges each group in parallel, then serializes the
// list update for each group's result. It reports whether any group merged.
func (m *Manager) compactOnce() (bool, error) {
	current := m.runs.Snapshot()

	groups := findRunsToMerge(current)
	if len(groups) == 0 {
		return false, nil
	}

	type mergeResult struct {
		group         group
		run           *sortedrun.Run
		err           error
	}

	results := make(chan mergeResult, len(groups))

	for _, g := range groups {
		g := g
		saveTombstones := g.end != len(current)
		toMerge := current[g.start:g.end]

		go func() {
			run, err := m.mergeRuns(toMerge, saveTombstones)
			results <- mergeResult{group: g, run: run, err: err}
		}()
	}

	for range groups {
		res := <-results
		if res.err != nil {
			return false, res.err
		}

		oldIDs := make([]uint64, 0, res.group.end-res.group.start)
		for _, r := range current[res.group.start:res.group.end] {
			oldIDs = append(oldIDs, r.ID())
		}

		if !m.runs.Replace(oldIDs, res.run) {
			// Some other compaction already touched this range since we took
			// our snapshot. Discard this merge result and let the next
			// compactUntilStable iteration replan from the current state,
			// rather than panicking as the original does.
			log.Debugw("discarding stale merge result", "ids", oldIDs)
			res.run.Close()
			continue
		}

		if m.onReplaced != nil {
			for _, r := range current[res.group.start:res.group.end] {
				m.onReplaced(r)
			}
		}
	}

	return true, nil
}

func (m *Manager) mergeRuns(runs []*sortedrun.Run, saveTombstones bool) (*sortedrun.Run, error) {
	contents := make([][]record.Record, 0, len(runs))
	for _, run := range runs {
		recs, err := run.AllRecords()
		if err != nil {
			return nil, err
		}
		contents = append(contents, recs)
	}

	merged := mergeRecordLists(contents, saveTombstones)

	return sortedrun.Build(m.runsDir, merged, m.fileSize, m.buildOpts)
}

// mergeRecordLists k-way merges lists, each already sorted ascending by key
// with the newest value for a key first in list order (lists is ordered
// newest-run first). Ties on key across lists resolve to the first
// (newest) value encountered. Tombstones are dropped unless saveTombstones.
func mergeRecordLists(lists [][]record.Record, saveTombstones bool) []record.Record {
	type cursor struct {
		recs []record.Record
		pos  int
	}

	cursors := make([]*cursor, len(lists))
	for i, l := range lists {
		cursors[i] = &cursor{recs: l}
	}

	var result []record.Record

	for {
		haveMin := false
		var minKey uint64

		for _, c := range cursors {
			if c.pos >= len(c.recs) {
				continue
			}
			k := c.recs[c.pos].Key
			if !haveMin || k < minKey {
				minKey = k
				haveMin = true
			}
		}

		if !haveMin {
			break
		}

		var chosen *record.Record
		for _, c := range cursors {
			if c.pos >= len(c.recs) || c.recs[c.pos].Key != minKey {
				continue
			}
			if chosen == nil {
				r := c.recs[c.pos]
				chosen = &r
			}
			c.pos++
		}

		if chosen != nil && (saveTombstones || !chosen.IsTombstone()) {
			result = append(result, *chosen)
		}
	}

	return result
}

type group struct {
	start, end int
}

// findRunsToMerge groups runs (newest first) into non-overlapping,
// contiguous [start, end) ranges by scanning backward from the oldest run,
// growing each group while successive runs share a size bucket and the
// group stays under MaxTablesInMerge. A group is only returned if it meets
// MinTablesInMerge.
func findRunsToMerge(runs []*sortedrun.Run) []group {
	var result []group

	i := len(runs)
	for i > 0 {
		groupEnd := i
		currentBucket := bucketFor(runs[i-1].Size())
		groupStart := i - 1

		for groupStart > 0 && (groupEnd-groupStart) < MaxTablesInMerge {
			prevIdx := groupStart - 1
			if bucketFor(runs[prevIdx].Size()) != currentBucket {
				break
			}
			groupStart = prevIdx
		}

		if groupEnd-groupStart >= MinTablesInMerge {
			result = append(result, group{start: groupStart, end: groupEnd})
		}

		i = groupStart
	}

	sort.Slice(result, func(a, b int) bool { return result[a].start < result[b].start })

	return result
}

// bucketFor assigns a size bucket: 0-10MB, 10-100MB, 100MB-1GB, 1-10GB, 10GB+.
func bucketFor(size uint64) int {
	if size == 0 {
		return 0
	}

	sizeMB := size / 1_000_000
	switch {
	case sizeMB < 10:
		return 0
	case sizeMB < 100:
		return 1
	case sizeMB < 1000:
		return 2
	case sizeMB < 10000:
		return 3
	default:
		return 4
	}
}
