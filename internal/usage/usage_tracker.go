// Package usage accounts for tokens saved by local resolution and tokens
// spent on escalations, persisted as JSON next to the database.
package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"taskweave/internal/logging"
)

// Tracker manages savings recording and persistence.
type Tracker struct {
	mu            sync.Mutex
	data          UsageData
	filePath      string
	dirty         bool
	autoSave      time.Duration
	autoSaveTimer *time.Timer
	closed        bool
}

// NewTracker creates a tracker persisted at dataDir/usage.json.
// autoSave of zero disables debounced saving; call Save or Close instead.
func NewTracker(dataDir string, autoSave time.Duration) (*Tracker, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	t := &Tracker{
		filePath: filepath.Join(dataDir, "usage.json"),
		autoSave: autoSave,
		data:     UsageData{Version: "1.0", Aggregate: emptyStats()},
	}
	if err := t.Load(); err != nil {
		logging.Get(logging.CategoryRouting).Warn("usage: starting fresh, could not load %s: %v", t.filePath, err)
		t.data = UsageData{Version: "1.0", Aggregate: emptyStats()}
	}
	return t, nil
}

func emptyStats() AggregatedStats {
	return AggregatedStats{
		ByOutcome:  make(map[string]Counts),
		ByWorker:   make(map[string]Counts),
		ByCategory: make(map[string]Counts),
	}
}

// Load reads the usage data from disk.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &t.data); err != nil {
		return err
	}

	// Ensure maps are initialized if file was empty/partial
	if t.data.Aggregate.ByOutcome == nil {
		t.data.Aggregate.ByOutcome = make(map[string]Counts)
	}
	if t.data.Aggregate.ByWorker == nil {
		t.data.Aggregate.ByWorker = make(map[string]Counts)
	}
	if t.data.Aggregate.ByCategory == nil {
		t.data.Aggregate.ByCategory = make(map[string]Counts)
	}
	return nil
}

// Save writes the usage data to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	t.dirty = false
	return os.WriteFile(t.filePath, data, 0644)
}

// Track records one resolved request.
func (t *Tracker) Track(workerID, category string, outcome Outcome, tokensSaved, tokensUsed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if category == "" {
		category = "general"
	}
	t.data.Aggregate.Total.Add(tokensSaved, tokensUsed)
	addToMap(t.data.Aggregate.ByOutcome, string(outcome), tokensSaved, tokensUsed)
	addToMap(t.data.Aggregate.ByWorker, workerID, tokensSaved, tokensUsed)
	addToMap(t.data.Aggregate.ByCategory, category, tokensSaved, tokensUsed)

	// Debounced auto-save
	if t.autoSave > 0 && !t.dirty && !t.closed {
		t.autoSaveTimer = time.AfterFunc(t.autoSave, func() {
			if err := t.Save(); err != nil {
				logging.Get(logging.CategoryRouting).Warn("usage: auto-save failed: %v", err)
			}
		})
	}
	t.dirty = true
}

// Close stops auto-save and flushes pending changes.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.autoSaveTimer != nil {
		t.autoSaveTimer.Stop()
	}
	if !t.dirty {
		return nil
	}
	return t.saveLocked()
}

// Stats returns a copy of the aggregated stats.
func (t *Tracker) Stats() AggregatedStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.data.Aggregate
	stats.ByOutcome = copyCountsMap(stats.ByOutcome)
	stats.ByWorker = copyCountsMap(stats.ByWorker)
	stats.ByCategory = copyCountsMap(stats.ByCategory)
	return stats
}

func copyCountsMap(src map[string]Counts) map[string]Counts {
	if src == nil {
		return nil
	}
	dst := make(map[string]Counts, len(src))
	for key, c := range src {
		dst[key] = c
	}
	return dst
}

func addToMap(m map[string]Counts, key string, saved, used int) {
	entry := m[key]
	entry.Add(saved, used)
	m[key] = entry
}
