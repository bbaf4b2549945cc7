// Package lsmkv is an embedded, single-process key-value storage engine
// organized as a log-structured merge tree. Keys and values are fixed-width
// 64-bit unsigned integers; a value may be absent, recording a delete.
//
// Grounded on the teacher's segmentmanager.NewDiskSegmentManager for the
// directory-bootstrap shape, generalized to the engine's own on-disk layout:
// a bounded append log under db/, rotating into immutable sorted runs under
// db/sstables/, merged in the background by a size-tiered compactor.
package lsmkv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"

	"github.com/flashlogdb/lsmkv/appendlog"
	"github.com/flashlogdb/lsmkv/compactor"
	"github.com/flashlogdb/lsmkv/deleter"
	"github.com/flashlogdb/lsmkv/runlist"
	"github.com/flashlogdb/lsmkv/sortedrun"
)

var log = logging.Logger("lsmkv")

// DefaultLogFileSize is the spec's F: the fixed size of every log file.
const DefaultLogFileSize = 16 * 1024

var (
	// ErrInvalidLocation means the caller-supplied directory does not exist.
	ErrInvalidLocation = errors.New("lsmkv: invalid location")
	// ErrDirectoryCreation means a required subdirectory could not be created.
	ErrDirectoryCreation = errors.New("lsmkv: directory creation failed")
	// ErrIO covers positional read/write, create, truncate, or remove failures.
	ErrIO = errors.New("lsmkv: io error")
)

// Option configures an Engine at Open time.
type Option func(*options)

type options struct {
	logFileSize uint64
	buildOpts   sortedrun.BuildOptions
}

func defaultOptions() options {
	return options{logFileSize: DefaultLogFileSize}
}

// WithLogFileSize overrides the fixed log file size F.
func WithLogFileSize(n uint64) Option {
	return func(o *options) { o.logFileSize = n }
}

// WithIndexRatio overrides the sorted run's sparse-index sampling ratio.
func WithIndexRatio(ratio uint64) Option {
	return func(o *options) { o.buildOpts.IndexRatio = ratio }
}

// WithBloomFPRate overrides the sorted run's target bloom filter false
// positive rate.
func WithBloomFPRate(rate float64) Option {
	return func(o *options) { o.buildOpts.BloomFPRate = rate }
}

// Engine is an open instance of the storage engine, rooted at a directory
// supplied to Open.
type Engine struct {
	dir       string
	dbDir     string
	runsDir   string
	log       *appendlog.AppendLog
	runs      *runlist.List
	compactor *compactor.Manager
}

// Open prepares the engine at directory, which must already exist. It
// creates child directories db/ and db/sstables/ and starts with an empty
// log and an empty run list; no crash recovery over pre-existing files is
// attempted.
func Open(directory string, opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if _, err := os.Stat(directory); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidLocation, directory)
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	dbDir := filepath.Join(directory, "db")
	runsDir := filepath.Join(dbDir, "sstables")

	if err := os.Mkdir(dbDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryCreation, err)
	}
	if err := os.Mkdir(runsDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryCreation, err)
	}

	runs := runlist.New()

	e := &Engine{
		dir:     directory,
		dbDir:   dbDir,
		runsDir: runsDir,
		runs:    runs,
	}

	e.compactor = compactor.New(runsDir, runs, o.logFileSize, o.buildOpts, func(old *sortedrun.Run) {
		deleter.Schedule(old.Handle())
	})

	appendLog, err := appendlog.Open(dbDir, runsDir, o.logFileSize, o.buildOpts, e.onRotate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	e.log = appendLog

	return e, nil
}

// onRotate is the append log's rotation callback: it prepends the new run to
// Λ and wakes the compactor.
func (e *Engine) onRotate(run *sortedrun.Run) {
	e.runs.Prepend(run)
	log.Debugw("log rotated into sorted run", "run_id", run.ID(), "count", run.Count())
	e.compactor.SignalRunInserted()
}

// Write stores value under key, or records a delete if value is nil.
func (e *Engine) Write(key uint64, value *uint64) error {
	if err := e.log.Write(key, value); err != nil {
		if errors.Is(err, appendlog.ErrTooBig) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// Read returns the current value for key, or nil if the key was never
// written or its last write was a delete.
func (e *Engine) Read(key uint64) (*uint64, error) {
	v, lookup, err := e.log.FindKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	switch lookup {
	case appendlog.FoundValue:
		return &v, nil
	case appendlog.FoundTombstone:
		return nil, nil
	}

	for _, run := range e.runs.Snapshot() {
		v, lookup, err := run.Find(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		switch lookup {
		case sortedrun.FoundValue:
			return &v, nil
		case sortedrun.FoundTombstone:
			return nil, nil
		}
	}

	return nil, nil
}

// Close releases the engine's open file descriptor on its current log file.
// Background compaction and deletion goroutines already in flight are not
// waited on or cancelled, matching the spec's no-cancellation policy.
func (e *Engine) Close() error {
	return e.log.Close()
}
