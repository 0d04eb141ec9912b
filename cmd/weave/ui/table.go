package ui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"taskweave/internal/types"
)

// SimpleTable is a simple table component for rendering static data.
type SimpleTable struct {
	Title   string
	Headers []string
	Rows    [][]string
}

// NewSimpleTable creates a new SimpleTable with the given title and headers.
func NewSimpleTable(title string, headers []string) *SimpleTable {
	return &SimpleTable{
		Title:   title,
		Headers: headers,
		Rows:    make([][]string, 0),
	}
}

// AddRow adds a row to the table.
func (t *SimpleTable) AddRow(row ...string) {
	t.Rows = append(t.Rows, row)
}

// View renders the table. An empty table renders nothing.
func (t *SimpleTable) View(styles Styles) string {
	if len(t.Rows) == 0 {
		return ""
	}

	var sb strings.Builder
	if t.Title != "" {
		sb.WriteString(styles.Title.Render(t.Title))
		sb.WriteString("\n")
	}

	colWidths := make([]int, len(t.Headers))
	for i, h := range t.Headers {
		colWidths[i] = lipgloss.Width(h)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if i < len(colWidths) {
				colWidths[i] = max(colWidths[i], lipgloss.Width(cell))
			}
		}
	}
	// lipgloss Width includes padding
	for i := range colWidths {
		colWidths[i] += 2
	}

	headerStyle := styles.Bold.Padding(0, 1)
	rowStyle := styles.Body.Padding(0, 1)
	sepStyle := styles.Muted

	writeRow := func(cells []string, style lipgloss.Style) {
		for i, cell := range cells {
			if i >= len(colWidths) {
				break
			}
			sb.WriteString(style.Width(colWidths[i]).Render(cell))
			if i < len(cells)-1 {
				sb.WriteString(sepStyle.Render("|"))
			}
		}
		sb.WriteString("\n")
	}

	writeRow(t.Headers, headerStyle)
	totalWidth := len(t.Headers) - 1
	for _, w := range colWidths {
		totalWidth += w
	}
	sb.WriteString(sepStyle.Render(strings.Repeat("-", totalWidth)) + "\n")
	for _, row := range t.Rows {
		writeRow(row, rowStyle)
	}
	sb.WriteString("\n")
	return sb.String()
}

// WorkerTable lists worker load.
func WorkerTable(workers []types.WorkerProfile) *SimpleTable {
	t := NewSimpleTable("Workers", []string{"Worker", "Specialties", "Load", "Efficiency", "Avg min", "Last assigned"})
	for _, w := range workers {
		last := "never"
		if !w.LastAssignedAt.IsZero() {
			last = w.LastAssignedAt.Format(time.DateTime)
		}
		t.AddRow(
			w.WorkerID,
			strings.Join(w.Specialties, ","),
			fmt.Sprintf("%d/%d", w.CurrentTaskCount, w.MaxCapacity),
			fmt.Sprintf("%.2f", w.EfficiencyScore),
			fmt.Sprintf("%.1f", w.AverageTaskMinutes),
			last,
		)
	}
	return t
}

// TaskTable lists a worker's open tasks.
func TaskTable(workerID string, tasks []types.Task) *SimpleTable {
	t := NewSimpleTable("Tasks for "+workerID, []string{"ID", "Status", "Priority", "Est", "Description"})
	for _, task := range tasks {
		t.AddRow(task.ID, string(task.Status), string(task.Priority),
			strconv.Itoa(task.EstimatedDurationMinutes)+"m", Truncate(task.Description, 48))
	}
	return t
}

// SessionTable lists a session's tasks in order.
func SessionTable(sess *types.WorkflowSession) *SimpleTable {
	t := NewSimpleTable("", []string{"#", "Status", "Worker", "Needs", "Est", "Description"})
	for i, task := range sess.Tasks {
		worker := task.AssignedWorker
		if worker == "" {
			worker = "-"
		}
		t.AddRow(strconv.Itoa(i+1), string(task.Status), worker, strings.Join(task.RequiredSpecialties, ","),
			strconv.Itoa(task.EstimatedDurationMinutes)+"m", Truncate(task.Description, 48))
	}
	return t
}

// ExecutionTable lists autonomous executions.
func ExecutionTable(list []types.Execution) *SimpleTable {
	t := NewSimpleTable("Executions", []string{"ID", "State", "Progress", "Coordinator", "Deadline"})
	for _, e := range list {
		t.AddRow(e.ID, string(e.State), fmt.Sprintf("%d/%d", e.CompletedTasks, e.TotalTasks),
			e.Coordinator, e.Deadline.Format(time.DateTime))
	}
	return t
}

// PerformanceTable lists a worker's per task type metrics.
func PerformanceTable(workerID string, perf []types.PerformanceMetric) *SimpleTable {
	t := NewSimpleTable("Performance of "+workerID, []string{"Task type", "Success", "Tasks", "Avg time", "Satisfaction", "Trend"})
	for _, p := range perf {
		sat := "-"
		if p.SatisfactionSamples > 0 {
			sat = fmt.Sprintf("%.2f", p.AverageSatisfaction)
		}
		t.AddRow(p.TaskType, fmt.Sprintf("%.0f%%", p.SuccessRate*100), strconv.Itoa(p.TotalTasks),
			(time.Duration(p.AverageTimeMs) * time.Millisecond).Round(time.Second).String(), sat, string(p.Trend))
	}
	return t
}

// ProgressBar renders ratio (clamped to [0,1]) as a fixed-width bar.
func ProgressBar(ratio float64, width int) string {
	ratio = min(max(ratio, 0), 1)
	filled := int(ratio*float64(width) + 0.5)
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]" + fmt.Sprintf(" %3.0f%%", ratio*100)
}

// Truncate shortens s to at most l runes, marking the cut with "...".
func Truncate(s string, l int) string {
	r := []rune(s)
	if len(r) <= l {
		return s
	}
	if l <= 3 {
		return string(r[:l])
	}
	return string(r[:l-3]) + "..."
}
