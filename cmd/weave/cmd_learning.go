package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"taskweave/cmd/weave/ui"
	"taskweave/internal/learning"
	"taskweave/internal/system"
)

var (
	learnConfidence   float64
	learnPayload      []string
	learnCategory     string
	perfFailed        bool
	perfDuration      time.Duration
	perfSatisfaction  float64
	recommendPlainOut bool
)

var learningCmd = &cobra.Command{
	Use:   "learning",
	Short: "Record and inspect worker learnings and performance",
}

var learningRecordCmd = &cobra.Command{
	Use:   "record <worker-id> <category> <learning-type>",
	Short: "Record an outcome; high-confidence learnings are shared with every other worker",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *system.Engine) error {
			rec, err := e.Learning.RecordOutcome(ctx, args[0], args[1], args[2], parsePayload(learnPayload), learnConfidence)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(rec)
			}
			fmt.Printf("%s/%s/%s confidence=%.2f frequency=%d\n", rec.WorkerID, rec.Category, rec.LearningType, rec.Confidence, rec.Frequency)
			return nil
		})
	},
}

var learningShowCmd = &cobra.Command{
	Use:   "show <worker-id>",
	Short: "Show a worker's own and shared learnings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *system.Engine) error {
			k, err := e.Learning.GetLearning(ctx, args[0], learnCategory)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(k)
			}
			styles := ui.DefaultStyles()
			own := ui.NewSimpleTable("Own learnings", []string{"Category", "Type", "Confidence", "Seen"})
			for _, l := range k.Own {
				own.AddRow(l.Category, l.LearningType, fmt.Sprintf("%.2f", l.Confidence), strconv.Itoa(l.Frequency))
			}
			shared := ui.NewSimpleTable("Shared with me", []string{"From", "Category", "Type", "Confidence"})
			for _, s := range k.Shared {
				shared.AddRow(s.SourceWorker, s.Category, s.LearningType, fmt.Sprintf("%.2f", s.Confidence))
			}
			fmt.Print(own.View(styles))
			fmt.Print(shared.View(styles))
			if len(k.Own)+len(k.Shared) == 0 {
				fmt.Printf("No learnings for %s yet.\n", args[0])
			}
			return nil
		})
	},
}

var learningPerformanceCmd = &cobra.Command{
	Use:   "performance <worker-id> [task-type]",
	Short: "Show performance, or record one task result when a task type is given",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *system.Engine) error {
			if len(args) == 2 {
				var sat *float64
				if cmd.Flags().Changed("satisfaction") {
					sat = &perfSatisfaction
				}
				if _, err := e.Learning.RecordPerformance(ctx, args[0], args[1], !perfFailed, perfDuration, sat); err != nil {
					return err
				}
			}
			perf, err := e.Learning.Performance(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(perf)
			}
			fmt.Print(ui.PerformanceTable(args[0], perf).View(ui.DefaultStyles()))
			return nil
		})
	},
}

var recommendCmd = &cobra.Command{
	Use:   "recommend <worker-id>",
	Short: "Suggest skills to improve and patterns learned by other workers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *system.Engine) error {
			rec, err := e.Learning.Recommend(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(rec)
			}
			md := recommendationMarkdown(rec)
			if recommendPlainOut {
				fmt.Print(md)
				return nil
			}
			renderer, err := glamour.NewTermRenderer(
				glamour.WithAutoStyle(),
				glamour.WithWordWrap(80),
			)
			if err != nil {
				fmt.Print(md)
				return nil
			}
			out, err := renderer.Render(md)
			if err != nil {
				fmt.Print(md)
				return nil
			}
			fmt.Print(out)
			return nil
		})
	},
}

func init() {
	learningRecordCmd.Flags().Float64Var(&learnConfidence, "confidence", 0.5, "Confidence in [0,1]")
	learningRecordCmd.Flags().StringSliceVar(&learnPayload, "payload", nil, "Payload entry key=value (repeatable)")
	learningShowCmd.Flags().StringVar(&learnCategory, "category", "", "Only this category")
	learningPerformanceCmd.Flags().BoolVar(&perfFailed, "failed", false, "Record a failure instead of a success")
	learningPerformanceCmd.Flags().DurationVar(&perfDuration, "duration", time.Minute, "Task duration")
	learningPerformanceCmd.Flags().Float64Var(&perfSatisfaction, "satisfaction", 0, "Satisfaction in [0,1]")
	recommendCmd.Flags().BoolVar(&recommendPlainOut, "plain", false, "Print raw markdown")

	learningCmd.AddCommand(learningRecordCmd, learningShowCmd, learningPerformanceCmd)
}

func parsePayload(kvs []string) map[string]any {
	if len(kvs) == 0 {
		return nil
	}
	out := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		k, v, _ := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = f
		} else {
			out[k] = v
		}
	}
	return out
}

func recommendationMarkdown(rec *learning.Recommendation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Recommendations for %s\n\n", rec.WorkerID)

	sb.WriteString("## Skills to improve\n\n")
	if len(rec.SkillsToImprove) == 0 {
		sb.WriteString("No task type below the success threshold.\n\n")
	} else {
		sb.WriteString("| Task type | Success | Tasks | Trend |\n|---|---|---|---|\n")
		for _, g := range rec.SkillsToImprove {
			fmt.Fprintf(&sb, "| %s | %.0f%% | %d | %s |\n", g.TaskType, g.SuccessRate*100, g.TotalTasks, g.Trend)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Patterns from other workers\n\n")
	if len(rec.PatternsFromOthers) == 0 {
		sb.WriteString("Nothing shared yet.\n")
	}
	for _, p := range rec.PatternsFromOthers {
		fmt.Fprintf(&sb, "- **%s** `%s/%s` confidence %.2f\n", p.WorkerID, p.Category, p.LearningType, p.Confidence)
	}
	return sb.String()
}
