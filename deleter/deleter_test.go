package deleter

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
}

func TestScheduleDeletesOnceUnreferenced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	touch(t, path)

	h := NewHandle(path)
	Schedule(h, WithFirstDelay(time.Millisecond), WithMaxRetries(5))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return
		}
		time.Sleep(time.Millisecond)
	}

	t.Fatal("file was never removed")
}

func TestScheduleWaitsForOutstandingReferences(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	touch(t, path)

	h := NewHandle(path)
	h.Retain() // simulate a concurrent reader

	Schedule(h, WithFirstDelay(2*time.Millisecond), WithMaxRetries(20))

	time.Sleep(10 * time.Millisecond)
	if _, err := os.Stat(path); err != nil {
		t.Fatal("file removed while still referenced")
	}

	h.Release()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return
		}
		time.Sleep(time.Millisecond)
	}

	t.Fatal("file was never removed after release")
}

func TestScheduleGivesUpAfterMaxRetries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	touch(t, path)

	h := NewHandle(path)
	h.Retain() // never released

	Schedule(h, WithFirstDelay(time.Millisecond), WithMaxRetries(3))

	time.Sleep(50 * time.Millisecond)

	if _, err := os.Stat(path); err != nil {
		t.Fatal("file should remain: reference never released and retries exhausted")
	}
}
