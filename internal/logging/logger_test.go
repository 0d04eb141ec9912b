package logging

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLog(t *testing.T, dir string, cat Category) string {
	t.Helper()
	path := filepath.Join(dir, time.Now().Format("2006-01-02")+"_"+string(cat)+".log")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// TestAllCategoriesLog tests that all categories create log files when debug_mode is true
func TestAllCategoriesLog(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Options{DebugMode: true, Level: "debug"}))
	t.Cleanup(CloseAll)

	for _, cat := range AllCategories {
		Get(cat).Info("hello from %s", cat)
	}
	CloseAll()

	for _, cat := range AllCategories {
		assert.Contains(t, readLog(t, dir, cat), "hello from "+string(cat))
	}
}

func TestDisabledModeIsNoop(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Options{DebugMode: false}))
	t.Cleanup(CloseAll)

	assert.False(t, IsDebugMode())
	l := Get(CategoryRouting)
	assert.False(t, l.Enabled())
	l.Info("should not be written")

	entries, err := os.ReadDir(dir)
	if err == nil {
		assert.Empty(t, entries)
	}
}

func TestCategoryToggle(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Options{
		DebugMode:  true,
		Categories: map[string]bool{"routing": false, "store": true},
	}))
	t.Cleanup(CloseAll)

	assert.False(t, IsCategoryEnabled(CategoryRouting))
	assert.True(t, IsCategoryEnabled(CategoryStore))
	assert.True(t, IsCategoryEnabled(CategoryBalancer), "unlisted categories default on")
	assert.False(t, Get(CategoryRouting).Enabled())
}

func TestLevelFiltersDebug(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Options{DebugMode: true, Level: "warn"}))
	t.Cleanup(CloseAll)

	WorkflowDebug("quiet line")
	WorkflowWarn("loud line")
	CloseAll()

	out := readLog(t, dir, CategoryWorkflow)
	assert.NotContains(t, out, "quiet line")
	assert.Contains(t, out, "loud line")
}

func TestRequestIDAndJSONFormat(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Options{DebugMode: true, Level: "info", JSONFormat: true}))
	t.Cleanup(CloseAll)

	WithRequestID(CategoryExecution, "exec-42").WithField("task", "t1").Info("tick done")
	CloseAll()

	out := readLog(t, dir, CategoryExecution)
	var found bool
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var line map[string]any
		if json.Unmarshal(sc.Bytes(), &line) != nil {
			continue
		}
		if line["msg"] == "tick done" {
			found = true
			assert.Equal(t, "exec-42", line["req"])
			assert.Equal(t, "t1", line["task"])
		}
	}
	assert.True(t, found)
}

func TestConcurrentGet(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Options{DebugMode: true}))
	t.Cleanup(CloseAll)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			Balancer("worker %d", i)
		}(i)
	}
	wg.Wait()

	loggersMu.RLock()
	defer loggersMu.RUnlock()
	assert.Len(t, loggers, 2, "boot + balancer")
}

func TestAuditTrail(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Options{DebugMode: true}))
	require.NoError(t, InitAudit())
	t.Cleanup(CloseAll)

	a := Audit(CategoryWorkflow).WithSession("s1")
	a.Event(AuditTaskTransition, "t1", "alice", "assigned -> in_progress")
	a.Failure(AuditTaskBlocked, "t2", "bob", errors.New("dependency not satisfied"))
	CloseAll()

	data, err := os.ReadFile(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var ev AuditEvent
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &ev))
	assert.Equal(t, AuditTaskBlocked, ev.EventType)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "workflow", ev.Category)
	assert.False(t, ev.Success)
	assert.Contains(t, ev.Error, "dependency")
}

func TestTimerThreshold(t *testing.T) {
	require.NoError(t, Initialize(t.TempDir(), Options{}))
	timer := StartTimer(CategoryStore, "op")
	time.Sleep(2 * time.Millisecond)
	assert.GreaterOrEqual(t, timer.StopWithThreshold(time.Hour), 2*time.Millisecond)
}
