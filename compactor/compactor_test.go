package compactor

import (
	"testing"
	"time"

	"github.com/flashlogdb/lsmkv/record"
	"github.com/flashlogdb/lsmkv/runlist"
	"github.com/flashlogdb/lsmkv/sortedrun"
)

func u64(v uint64) *uint64 { return &v }

func buildRun(t *testing.T, recs []record.Record) *sortedrun.Run {
	t.Helper()
	dir := t.TempDir()
	run, err := sortedrun.Build(dir, recs, 16*1024, sortedrun.BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { run.Close() })
	return run
}

func TestBucketForBoundaries(t *testing.T) {
	cases := []struct {
		size uint64
		want int
	}{
		{0, 0},
		{9_000_000, 0},
		{10_000_000, 1},
		{99_000_000, 1},
		{100_000_000, 2},
		{999_000_000, 2},
		{1_000_000_000, 3},
		{9_999_000_000, 3},
		{10_000_000_000, 4},
	}

	for _, c := range cases {
		if got := bucketFor(c.size); got != c.want {
			t.Errorf("bucketFor(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestFindRunsToMergeRequiresMinimumGroupSize(t *testing.T) {
	runs := make([]*sortedrun.Run, 3)
	for i := range runs {
		runs[i] = buildRun(t, []record.Record{record.New(uint64(i), u64(1))})
	}

	groups := findRunsToMerge(runs)
	if len(groups) != 0 {
		t.Fatalf("expected no groups below MinTablesInMerge, got %v", groups)
	}
}

func TestFindRunsToMergeGroupsSameBucket(t *testing.T) {
	runs := make([]*sortedrun.Run, MinTablesInMerge)
	for i := range runs {
		runs[i] = buildRun(t, []record.Record{record.New(uint64(i), u64(1))})
	}

	groups := findRunsToMerge(runs)
	if len(groups) != 1 {
		t.Fatalf("expected exactly one group, got %v", groups)
	}
	if groups[0].start != 0 || groups[0].end != MinTablesInMerge {
		t.Fatalf("expected group [0, %d), got %v", MinTablesInMerge, groups[0])
	}
}

func TestMergeRecordListsNewestWins(t *testing.T) {
	newest := []record.Record{record.New(1, u64(100))}
	oldest := []record.Record{record.New(1, u64(1))}

	merged := mergeRecordLists([][]record.Record{newest, oldest}, true)
	if len(merged) != 1 || *merged[0].Value != 100 {
		t.Fatalf("expected newest value to win, got %+v", merged)
	}
}

func TestMergeRecordListsDropsTombstonesUnlessSaved(t *testing.T) {
	lists := [][]record.Record{{record.New(1, nil)}}

	dropped := mergeRecordLists(lists, false)
	if len(dropped) != 0 {
		t.Fatalf("expected tombstone dropped, got %+v", dropped)
	}

	kept := mergeRecordLists(lists, true)
	if len(kept) != 1 || !kept[0].IsTombstone() {
		t.Fatalf("expected tombstone kept, got %+v", kept)
	}
}

func TestSignalRunInsertedMergesEligibleRuns(t *testing.T) {
	dir := t.TempDir()
	runs := runlist.New()

	for i := 0; i < MinTablesInMerge; i++ {
		runs.Prepend(buildRun(t, []record.Record{record.New(uint64(i), u64(uint64(i)))}))
	}

	var retired []uint64
	m := New(dir, runs, 16*1024, sortedrun.BuildOptions{}, func(old *sortedrun.Run) {
		retired = append(retired, old.ID())
	})

	m.SignalRunInserted()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && runs.Len() != 1 {
		time.Sleep(time.Millisecond)
	}

	if runs.Len() != 1 {
		t.Fatalf("expected compaction to merge down to 1 run, got %d", runs.Len())
	}
	if len(retired) != MinTablesInMerge {
		t.Fatalf("expected %d retired runs, got %d", MinTablesInMerge, len(retired))
	}
}
