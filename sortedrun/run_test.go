package sortedrun

import (
	"testing"

	"github.com/flashlogdb/lsmkv/record"
)

func u64(v uint64) *uint64 { return &v }

func buildTestRun(t *testing.T, recs []record.Record) *Run {
	t.Helper()
	dir := t.TempDir()

	run, err := Build(dir, recs, 16*1024, BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { run.Close() })

	return run
}

func TestBuildEmptyRun(t *testing.T) {
	run := buildTestRun(t, nil)

	if run.Size() != 0 {
		t.Fatalf("expected empty run to have size 0, got %d", run.Size())
	}

	if len(run.index) != 0 {
		t.Fatal("expected empty index for empty run")
	}

	_, lookup, err := run.Find(1)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if lookup != NotFound {
		t.Fatalf("expected NotFound, got %v", lookup)
	}
}

func TestFindValueAndTombstone(t *testing.T) {
	recs := []record.Record{
		record.New(1, u64(10)),
		record.New(2, nil),
		record.New(3, u64(30)),
	}
	run := buildTestRun(t, recs)

	v, lookup, err := run.Find(1)
	if err != nil || lookup != FoundValue || v != 10 {
		t.Fatalf("Find(1) = (%d, %v, %v), want (10, FoundValue, nil)", v, lookup, err)
	}

	_, lookup, err = run.Find(2)
	if err != nil || lookup != FoundTombstone {
		t.Fatalf("Find(2) = (_, %v, %v), want (_, FoundTombstone, nil)", lookup, err)
	}

	_, lookup, err = run.Find(99)
	if err != nil || lookup != NotFound {
		t.Fatalf("Find(99) = (_, %v, %v), want (_, NotFound, nil)", lookup, err)
	}
}

func TestFindAcrossManyRecordsExercisesSparseIndex(t *testing.T) {
	const n = 2000
	recs := make([]record.Record, n)
	for i := 0; i < n; i++ {
		recs[i] = record.New(uint64(i), u64(uint64(i*100)))
	}
	run := buildTestRun(t, recs)

	if len(run.index) == 0 {
		t.Fatal("expected a non-empty sparse index for 2000 records")
	}

	for _, k := range []uint64{0, 1, 500, 999, 1999} {
		v, lookup, err := run.Find(k)
		if err != nil {
			t.Fatalf("Find(%d): %v", k, err)
		}
		if lookup != FoundValue || v != k*100 {
			t.Fatalf("Find(%d) = (%d, %v), want (%d, FoundValue)", k, v, lookup, k*100)
		}
	}
}

func TestIndexIsNonEmptyIffRunNonEmpty(t *testing.T) {
	empty := buildTestRun(t, nil)
	if len(empty.index) != 0 {
		t.Fatal("empty run must have empty index")
	}

	nonEmpty := buildTestRun(t, []record.Record{record.New(1, u64(1))})
	if len(nonEmpty.index) == 0 {
		t.Fatal("non-empty run must have non-empty index")
	}
}

func TestBloomFilterNeverFalseNegative(t *testing.T) {
	const n = 500
	recs := make([]record.Record, n)
	for i := 0; i < n; i++ {
		recs[i] = record.New(uint64(i*7), u64(1))
	}
	run := buildTestRun(t, recs)

	for i := 0; i < n; i++ {
		_, lookup, err := run.Find(uint64(i * 7))
		if err != nil {
			t.Fatalf("Find: %v", err)
		}
		if lookup == NotFound {
			t.Fatalf("bloom filter false negative for key %d", i*7)
		}
	}
}
