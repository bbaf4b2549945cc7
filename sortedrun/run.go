// Package sortedrun implements the immutable, sorted, on-disk run: a file of
// key-sorted, deduplicated records plus an in-memory sparse index and bloom
// filter, grounded on the teacher's sst.SSTWriter (index block + bloom
// filter + footer) but trimmed to the spec's simpler single-blob-plus-index
// layout rather than the teacher's block-chunked format.
package sortedrun

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/flashlogdb/lsmkv/deleter"
	"github.com/flashlogdb/lsmkv/internal/ids"
	"github.com/flashlogdb/lsmkv/record"
)

// DefaultIndexRatio is the spec's F/128 sampling target.
const DefaultIndexRatio = 128

// DefaultBloomFPRate is the spec's target false-positive rate.
const DefaultBloomFPRate = 1e-3

var (
	// ErrIO names the io error kind for this package. Build, Find and
	// AllRecords do not wrap their failures in it; they return the
	// underlying os errors as they are.
	ErrIO = errors.New("sortedrun: io error")
)

// Lookup is the three-way outcome of a point lookup.
type Lookup int

const (
	// NotFound means the key is absent from this run.
	NotFound Lookup = iota
	// FoundValue means the key maps to the returned value.
	FoundValue
	// FoundTombstone means the key was deleted in this run.
	FoundTombstone
)

type indexEntry struct {
	key    uint64
	offset uint64
}

// Run is an immutable sorted, deduplicated run of records on disk, with a
// sparse in-memory index and a bloom filter guarding lookups.
type Run struct {
	id     uint64
	handle *deleter.Handle
	file   *os.File
	path   string
	size   uint64
	index  []indexEntry
	bloom  *bloom.BloomFilter
	count  int
}

// ID returns the run's identifier.
func (r *Run) ID() uint64 { return r.id }

// Size returns the run file's byte length.
func (r *Run) Size() uint64 { return r.size }

// Path returns the run file's path.
func (r *Run) Path() string { return r.path }

// Handle returns the deferred-deletion handle guarding this run's file.
func (r *Run) Handle() *deleter.Handle { return r.handle }

// Count returns the number of distinct records in the run.
func (r *Run) Count() int { return r.count }

// Close releases the run's open file descriptor. It does not delete the
// file; deletion is driven exclusively through Handle via package deleter.
func (r *Run) Close() error {
	return r.file.Close()
}

// AllRecords reads and decodes every record in the run, in ascending key
// order. Used by the compactor, which must merge whole runs rather than
// point-query them.
func (r *Run) AllRecords() ([]record.Record, error) {
	if r.size == 0 {
		return nil, nil
	}

	r.handle.Retain()
	defer r.handle.Release()

	buf := make([]byte, r.size)
	if _, err := r.file.ReadAt(buf, 0); err != nil {
		return nil, err
	}

	return record.Scan(buf)
}

// BuildOptions tunes the sparse index sampling rate and bloom filter target
// false-positive rate. Zero values fall back to the spec's defaults.
type BuildOptions struct {
	IndexRatio  uint64 // sampling denominator analogous to spec's F/128
	BloomFPRate float64
}

func (o BuildOptions) withDefaults() BuildOptions {
	if o.IndexRatio == 0 {
		o.IndexRatio = DefaultIndexRatio
	}
	if o.BloomFPRate == 0 {
		o.BloomFPRate = DefaultBloomFPRate
	}
	return o
}

// Build writes a new sorted run file under dir from records, which must
// already be sorted by key with duplicates collapsed (newest kept). fileSize
// is the log capacity F used to derive the sparse-index target entry count
// K = max(1, F/indexRatio); every ceil(N/K)-th record is indexed, so a
// non-empty run always has a non-empty index.
func Build(dir string, records []record.Record, fileSize uint64, opts BuildOptions) (*Run, error) {
	opts = opts.withDefaults()

	k := fileSize / opts.IndexRatio
	if k == 0 {
		k = 1
	}
	interval := uint64(0)
	if len(records) > 0 {
		interval = (uint64(len(records)) + k - 1) / k
	}

	var data []byte
	var index []indexEntry
	filter := bloom.NewWithEstimates(uint(max(1, len(records))), opts.BloomFPRate)

	var offset uint64
	for i, rec := range records {
		encoded, err := record.Serialize(rec)
		if err != nil {
			return nil, err
		}

		if interval > 0 && uint64(i)%interval == 0 {
			index = append(index, indexEntry{key: rec.Key, offset: offset})
		}

		data = append(data, encoded...)
		offset += uint64(len(encoded))

		filter.Add(keyBytes(rec.Key))
	}

	id := ids.New()
	path := filepath.Join(dir, filenameFor(id))

	file, err := createExact(path, data)
	if err != nil {
		return nil, err
	}

	return &Run{
		id:     id,
		handle: deleter.NewHandle(path),
		file:   file,
		path:   path,
		size:   uint64(len(data)),
		index:  index,
		bloom:  filter,
		count:  len(records),
	}, nil
}

// Find looks up key in the run: a bloom-filter negative short-circuits
// without any I/O; otherwise the sparse index bounds a single positional
// read to the window the key could fall in.
func (r *Run) Find(key uint64) (value uint64, lookup Lookup, err error) {
	if !r.bloom.Test(keyBytes(key)) {
		return 0, NotFound, nil
	}

	start, end := r.window(key)

	r.handle.Retain()
	defer r.handle.Release()

	size := end - start
	buf := make([]byte, size)
	if _, err := r.file.ReadAt(buf, int64(start)); err != nil {
		return 0, NotFound, err
	}

	records, err := record.Scan(buf)
	if err != nil {
		return 0, NotFound, err
	}

	i := sort.Search(len(records), func(i int) bool { return records[i].Key >= key })
	if i == len(records) || records[i].Key != key {
		return 0, NotFound, nil
	}

	if records[i].Value == nil {
		return 0, FoundTombstone, nil
	}

	return *records[i].Value, FoundValue, nil
}

// window returns the byte range of the run file that could contain key,
// bounded by the sparse index.
func (r *Run) window(key uint64) (start, end uint64) {
	pos := sort.Search(len(r.index), func(i int) bool { return r.index[i].key >= key })

	if pos < len(r.index) && r.index[pos].key == key {
		start = r.index[pos].offset
		if pos+1 < len(r.index) {
			end = r.index[pos+1].offset
		} else {
			end = r.size
		}
		return start, end
	}

	if pos > 0 {
		start = r.index[pos-1].offset
	}
	if pos < len(r.index) {
		end = r.index[pos].offset
	} else {
		end = r.size
	}

	return start, end
}

func createExact(path string, data []byte) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	if err := file.Truncate(int64(len(data))); err != nil {
		file.Close()
		return nil, err
	}

	if _, err := file.WriteAt(data, 0); err != nil {
		file.Close()
		return nil, err
	}

	return file, nil
}

func filenameFor(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func keyBytes(key uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, key)
	return b
}
