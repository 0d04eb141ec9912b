package usage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTracker_TrackAggregatesAndPersists(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewTracker(dir, 0)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	tracker.Track("w1", "build", OutcomePatternHit, 2300, 0)
	tracker.Track("w1", "build", OutcomeLocal, 2300, 0)
	tracker.Track("w2", "", OutcomeEscalated, 0, 900)

	stats := tracker.Stats()
	if stats.Total.Requests != 3 || stats.Total.TokensSaved != 4600 || stats.Total.TokensUsed != 900 {
		t.Fatalf("Total=%+v, want requests=3 saved=4600 used=900", stats.Total)
	}
	if got := stats.ByWorker["w1"]; got.Requests != 2 {
		t.Fatalf("ByWorker[w1]=%+v, want 2 requests", got)
	}
	if got := stats.ByCategory["general"]; got.TokensUsed != 900 {
		t.Fatalf("ByCategory[general]=%+v, want 900 used", got)
	}
	if r := stats.LocalRatio(); r < 0.66 || r > 0.67 {
		t.Fatalf("LocalRatio=%v, want 2/3", r)
	}

	if err := tracker.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "usage.json"))
	if err != nil {
		t.Fatalf("read usage.json: %v", err)
	}
	var persisted UsageData
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("unmarshal usage.json: %v", err)
	}
	if persisted.Aggregate.Total.Requests != 3 {
		t.Fatalf("persisted requests=%d, want 3", persisted.Aggregate.Total.Requests)
	}

	reloaded, err := NewTracker(dir, 0)
	if err != nil {
		t.Fatalf("NewTracker reload: %v", err)
	}
	if got := reloaded.Stats().ByOutcome[string(OutcomeEscalated)].TokensUsed; got != 900 {
		t.Fatalf("reloaded escalated tokens=%d, want 900", got)
	}
}

func TestTracker_StatsIsACopy(t *testing.T) {
	tracker, err := NewTracker(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	tracker.Track("w1", "x", OutcomeLocal, 1, 0)

	stats := tracker.Stats()
	stats.ByWorker["w1"] = Counts{Requests: 99}
	if tracker.Stats().ByWorker["w1"].Requests != 1 {
		t.Fatal("Stats leaked internal map")
	}
}

func TestTracker_CorruptFileStartsFresh(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "usage.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	tracker, err := NewTracker(dir, 0)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	tracker.Track("w1", "x", OutcomeLocal, 1, 0)
	if tracker.Stats().Total.Requests != 1 {
		t.Fatal("expected fresh counters")
	}
}

func TestTracker_AutoSave(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewTracker(dir, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	defer tracker.Close()
	tracker.Track("w1", "x", OutcomeLocal, 5, 0)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(filepath.Join(dir, "usage.json")); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("usage.json was not auto-saved")
}
