package harvest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kfalter/catalog-harvester/pkg/client"
	"github.com/kfalter/catalog-harvester/pkg/progress"
	"github.com/kfalter/catalog-harvester/pkg/ratelimit"
)

func newSnapshotter(t *testing.T, path string, interval time.Duration, store *progress.Store) *Snapshotter {
	t.Helper()
	limiter, err := ratelimit.New(ratelimit.Config{InitialRate: 10, MinRate: 1, MaxRate: 100}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	categories := func() []client.Category {
		return []client.Category{{ID: "phones", Name: "Phones"}}
	}
	totalItems := func() int64 { return 42 }
	return NewSnapshotter(path, interval, categories, totalItems, limiter, store, testLogger())
}

func readSnapshot(t *testing.T, path string) Snapshot {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("parse snapshot: %v", err)
	}
	return snap
}

func TestSnapshotter_Write(t *testing.T) {
	dir := t.TempDir()
	store, err := progress.Open(filepath.Join(dir, "progress.json"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Commit("phones", 3); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "out", "snapshot.json")
	s := newSnapshotter(t, path, time.Hour, store)

	if err := s.Write(); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	snap := readSnapshot(t, path)
	if snap.TotalItems != 42 {
		t.Errorf("TotalItems = %d, want 42", snap.TotalItems)
	}
	if snap.Progress["phones"] != 3 {
		t.Errorf("Progress[phones] = %d, want 3", snap.Progress["phones"])
	}
	if snap.Limiter.Rate != 10 {
		t.Errorf("Limiter.Rate = %v, want 10", snap.Limiter.Rate)
	}
	if snap.Timestamp.IsZero() {
		t.Error("Timestamp is zero")
	}

	// No temp file left behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file still present: %v", err)
	}
}

func TestSnapshotter_RunWritesPeriodicallyAndOnStop(t *testing.T) {
	dir := t.TempDir()
	store, err := progress.Open(filepath.Join(dir, "progress.json"), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "snapshot.json")
	s := newSnapshotter(t, path, 20*time.Millisecond, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no periodic snapshot appeared")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Progress committed between ticks shows up in the final write.
	if err := store.Commit("phones", 7); err != nil {
		t.Fatal(err)
	}
	cancel()
	<-done

	snap := readSnapshot(t, path)
	if snap.Progress["phones"] != 7 {
		t.Errorf("final snapshot Progress[phones] = %d, want 7", snap.Progress["phones"])
	}
}
