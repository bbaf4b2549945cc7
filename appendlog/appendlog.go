// Package appendlog implements the bounded, preallocated append log that
// absorbs writes: a fixed-size file paired with an in-memory mirror, which
// rotates into a sorted run once full. Grounded on the teacher's
// segmentmanager.diskSegmentManager (rotation-under-mutex, stat-before-write
// sizing) and the Rust original's append_log/mod.rs (the shared/exclusive
// locking discipline this package follows precisely).
package appendlog

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/flashlogdb/lsmkv/deleter"
	"github.com/flashlogdb/lsmkv/internal/ids"
	"github.com/flashlogdb/lsmkv/record"
	"github.com/flashlogdb/lsmkv/sortedrun"
)

// ErrTooBig is returned when a record's serialized form cannot fit in a
// single log file.
var ErrTooBig = errors.New("appendlog: record exceeds log file capacity")

// Lookup is the three-way outcome of a mirror lookup.
type Lookup int

const (
	// NotFound means the key has no entry in the current mirror.
	NotFound Lookup = iota
	// FoundValue means the key maps to the returned value.
	FoundValue
	// FoundTombstone means the most recent mirror entry for key is a delete.
	FoundTombstone
)

type mirrorEntry struct {
	offset uint64
	rec    record.Record
}

// state is the log's file, write cursor, and in-memory mirror as of one
// generation between rotations. A rotation never mutates a state in place;
// it replaces *AppendLog.state wholesale, which is what lets find_key treat
// a once-obtained state pointer as an immutable snapshot.
type state struct {
	file   *os.File
	path   string
	handle *deleter.Handle

	offsetMu sync.Mutex
	offset   uint64

	mirrorMu sync.Mutex
	mirror   []mirrorEntry
}

func (s *state) tryReserve(n, capacity uint64) (uint64, bool) {
	s.offsetMu.Lock()
	defer s.offsetMu.Unlock()

	if s.offset+n > capacity {
		return 0, false
	}

	slot := s.offset
	s.offset += n
	return slot, true
}

// RotationCallback is invoked with the sorted run produced from a retired
// log file. The callback owns prepending the run to the engine's run list
// and notifying the compactor; it must not block the write path for long.
type RotationCallback func(run *sortedrun.Run)

// AppendLog is the bounded append-only log described in the spec: a single
// fixed-size file absorbing writes, with an in-memory mirror for reads, that
// rotates into a new sorted run whenever it fills up.
type AppendLog struct {
	mu    sync.RWMutex // guards which *state is current
	state *state

	rotationMu sync.Mutex

	dir       string
	runsDir   string
	fileSize  uint64
	buildOpts sortedrun.BuildOptions
	onRotate  RotationCallback
}

// Open creates the first log file under dir and returns a ready AppendLog.
// onRotate is called synchronously every time the log rotates, while the
// rotation mutex and the exclusive guard on the current state are held.
func Open(dir, runsDir string, fileSize uint64, buildOpts sortedrun.BuildOptions, onRotate RotationCallback) (*AppendLog, error) {
	st, err := newState(dir, fileSize)
	if err != nil {
		return nil, err
	}

	return &AppendLog{
		state:     st,
		dir:       dir,
		runsDir:   runsDir,
		fileSize:  fileSize,
		buildOpts: buildOpts,
		onRotate:  onRotate,
	}, nil
}

// FindKey searches the in-memory mirror newest-first, returning the first
// match for key.
func (l *AppendLog) FindKey(key uint64) (uint64, Lookup, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := l.state

	st.mirrorMu.Lock()
	defer st.mirrorMu.Unlock()

	for i := len(st.mirror) - 1; i >= 0; i-- {
		entry := st.mirror[i]
		if entry.rec.Key != key {
			continue
		}
		if entry.rec.Value == nil {
			return 0, FoundTombstone, nil
		}
		return *entry.rec.Value, FoundValue, nil
	}

	return 0, NotFound, nil
}

// Write serializes (key, value) and writes it into the current log file
// (without an fsync), retrying through rotation as needed when the file is
// full.
func (l *AppendLog) Write(key uint64, value *uint64) error {
	rec := record.New(key, value)

	encoded, err := record.Serialize(rec)
	if err != nil {
		return err
	}

	n := uint64(len(encoded))
	if n > l.fileSize {
		return ErrTooBig
	}

	for {
		l.mu.RLock()
		st := l.state
		if slot, ok := st.tryReserve(n, l.fileSize); ok {
			err := commit(st, slot, rec, encoded)
			l.mu.RUnlock()
			return err
		}
		l.mu.RUnlock()

		committed, err := l.rotateAndReserve(n, rec, encoded)
		if err != nil {
			return err
		}
		if committed {
			return nil
		}
	}
}

func commit(st *state, slot uint64, rec record.Record, encoded []byte) error {
	if _, err := st.file.WriteAt(encoded, int64(slot)); err != nil {
		return err
	}

	st.mirrorMu.Lock()
	st.mirror = append(st.mirror, mirrorEntry{offset: slot, rec: rec})
	insertionSortByOffset(st.mirror)
	st.mirrorMu.Unlock()

	return nil
}

// insertionSortByOffset re-sorts an almost-sorted mirror by offset after a
// single append, matching the original's insertion_sort_by_key: the mirror
// is sorted except for its freshly-appended last element.
func insertionSortByOffset(entries []mirrorEntry) {
	for i := len(entries) - 1; i > 0 && entries[i-1].offset > entries[i].offset; i-- {
		entries[i-1], entries[i] = entries[i], entries[i-1]
	}
}

// rotateAndReserve re-checks the current state under the rotation mutex
// (another writer may have already rotated while this one waited) and, if a
// slot is now available, reserves and commits it directly rather than
// returning it unused to the caller — any reservation that is never
// committed would leave a permanent zero-filled gap in the log file,
// breaking Scan's zero-tail invariant for every write after it. If the
// state is still genuinely full, it performs the rotation instead and
// reports that the caller must retry against the new state.
func (l *AppendLog) rotateAndReserve(n uint64, rec record.Record, encoded []byte) (committed bool, err error) {
	l.rotationMu.Lock()
	defer l.rotationMu.Unlock()

	l.mu.RLock()
	st := l.state
	if slot, ok := st.tryReserve(n, l.fileSize); ok {
		err := commit(st, slot, rec, encoded)
		l.mu.RUnlock()
		return true, err
	}
	l.mu.RUnlock()

	if err := l.rotate(); err != nil {
		return false, err
	}

	return false, nil
}

// rotate retires the current log file into a sorted run and installs a
// fresh empty log. The exclusive guard on l.state is held across the state
// swap, the conversion to a run, and onRotate's Λ-insert, and is released
// only once the rotated data is visible in Λ — exactly the window the
// original keeps its state.write() guard held across (log_file_to_sstable
// through sstables.lock().insert(0, ...) in append_log/mod.rs), so that no
// reader can observe the new, empty mirror before the corresponding run has
// been prepended to Λ. Failure to preallocate the new file leaves the
// engine's state untouched; failure to convert the retired file to a run
// (after the swap) orphans that file's data, matching the original
// implementation's behavior — there is no rollback path once the swap has
// occurred.
func (l *AppendLog) rotate() error {
	newState, err := newState(l.dir, l.fileSize)
	if err != nil {
		return err
	}

	l.mu.Lock()
	oldState := l.state
	l.state = newState

	run, err := l.buildRun(oldState)
	if err != nil {
		l.mu.Unlock()
		return err
	}

	l.onRotate(run)
	l.mu.Unlock()

	deleter.Schedule(oldState.handle)

	return nil
}

func (l *AppendLog) buildRun(st *state) (*sortedrun.Run, error) {
	buf := make([]byte, l.fileSize)
	if _, err := st.file.ReadAt(buf, 0); err != nil {
		return nil, err
	}

	recs, err := record.Scan(buf)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
	recs = dedupeKeepLast(recs)

	return sortedrun.Build(l.runsDir, recs, l.fileSize, l.buildOpts)
}

// dedupeKeepLast collapses adjacent equal-key records to the last
// occurrence. Because the input was sorted with a stable sort, the last
// occurrence for a key is the one that was written most recently.
func dedupeKeepLast(recs []record.Record) []record.Record {
	out := recs[:0]
	for _, r := range recs {
		if len(out) > 0 && out[len(out)-1].Key == r.Key {
			out[len(out)-1] = r
			continue
		}
		out = append(out, r)
	}
	return out
}

func newState(dir string, fileSize uint64) (*state, error) {
	id := ids.New()
	path := filepath.Join(dir, "log_"+strconv.FormatUint(id, 10))

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	if err := file.Truncate(int64(fileSize)); err != nil {
		file.Close()
		return nil, err
	}

	return &state{
		file:   file,
		path:   path,
		handle: deleter.NewHandle(path),
	}, nil
}

// Close releases the currently active log file descriptor. It does not
// delete the file.
func (l *AppendLog) Close() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.file.Close()
}
