package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"taskweave/internal/types"
)

func TestSimpleTable(t *testing.T) {
	table := NewSimpleTable("Test Table", []string{"Col1", "Col2"})
	table.AddRow("Row1Col1", "Row1Col2")

	view := table.View(DefaultStyles())
	assert.Contains(t, view, "Test Table")
	assert.Contains(t, view, "Row1Col1")
	assert.Contains(t, view, "Row1Col2")

	assert.Empty(t, NewSimpleTable("Empty", []string{"A"}).View(DefaultStyles()))
}

func TestWorkerTable(t *testing.T) {
	view := WorkerTable([]types.WorkerProfile{
		{WorkerID: "alice", Specialties: []string{"backend", "api"}, MaxCapacity: 3, CurrentTaskCount: 1, EfficiencyScore: 0.75},
		{WorkerID: "bob", MaxCapacity: 2, LastAssignedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)},
	}).View(DefaultStyles())

	assert.Contains(t, view, "backend,api")
	assert.Contains(t, view, "1/3")
	assert.Contains(t, view, "0.75")
	assert.Contains(t, view, "never")
	assert.Contains(t, view, "2025-01-02 03:04:05")
}

func TestPerformanceTable(t *testing.T) {
	view := PerformanceTable("alice", []types.PerformanceMetric{
		{TaskType: "backend", SuccessRate: 0.5, TotalTasks: 2, AverageTimeMs: 90000, Trend: types.TrendDeclining},
	}).View(DefaultStyles())
	assert.Contains(t, view, "50%")
	assert.Contains(t, view, "1m30s")
	assert.Contains(t, view, "declining")
}

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "[█████░░░░░]  50%", ProgressBar(0.5, 10))
	assert.Equal(t, "[░░░░░░░░░░]   0%", ProgressBar(-1, 10))
	assert.Equal(t, "[██████████] 100%", ProgressBar(3, 10))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ünï", Truncate("ünïcode", 3))
	assert.Equal(t, 10, len([]rune(Truncate(strings.Repeat("é", 40), 10))))
}

func TestDetectTheme(t *testing.T) {
	t.Setenv("COLORFGBG", "")
	t.Setenv("TASKWEAVE_DARK_MODE", "1")
	assert.True(t, DetectTheme().IsDark)

	t.Setenv("TASKWEAVE_DARK_MODE", "")
	assert.False(t, DetectTheme().IsDark)

	t.Setenv("COLORFGBG", "15;0")
	assert.True(t, DetectTheme().IsDark)
}
