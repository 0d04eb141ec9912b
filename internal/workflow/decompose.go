package workflow

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"taskweave/internal/types"
)

var (
	listItemRe = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+`)
	thenRe     = regexp.MustCompile(`(?i)\s*(?:;|,?\s+then\s+|,?\s+and then\s+)\s*`)
	minutesRe  = regexp.MustCompile(`(?i)\b(\d+)\s*(?:m|min|mins|minutes)\b`)
	hoursRe    = regexp.MustCompile(`(?i)\b(\d+)\s*(?:h|hr|hrs|hours?)\b`)
)

// specialtyKeywords maps a specialty to the words that imply it.
var specialtyKeywords = map[string][]string{
	"backend":  {"api", "endpoint", "server", "database", "schema", "migration", "backend", "service", "handler"},
	"frontend": {"ui", "page", "component", "css", "frontend", "react", "button", "form", "layout"},
	"design":   {"design", "mockup", "wireframe", "logo", "brand", "visual", "figma"},
	"testing":  {"test", "tests", "qa", "verify", "regression", "coverage"},
	"devops":   {"deploy", "pipeline", "ci", "docker", "kubernetes", "infra", "release", "monitoring"},
	"data":     {"data", "etl", "report", "analytics", "dashboard", "metrics", "query"},
	"docs":     {"docs", "document", "documentation", "readme", "changelog", "guide"},
}

// Decompose splits a multi-step request into ordered task specs. Numbered or
// bulleted lines are steps; otherwise the text is split on ";" and "then".
// Specialties, priority and estimates are inferred from each step's wording.
func Decompose(request string, defaultEstimate int) []TaskSpec {
	steps := listSteps(request)
	if len(steps) == 0 {
		steps = thenRe.Split(strings.TrimSpace(request), -1)
	}

	var out []TaskSpec
	for _, step := range steps {
		step = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(step), "."))
		step = strings.TrimPrefix(step, "and ")
		if step == "" {
			continue
		}
		spec := TaskSpec{
			Description:         step,
			Priority:            inferPriority(step),
			RequiredSpecialties: InferSpecialties(step),
			EstimatedMinutes:    inferEstimate(step, defaultEstimate),
		}
		out = append(out, spec)
	}
	return out
}

func listSteps(request string) []string {
	var steps []string
	for _, line := range strings.Split(request, "\n") {
		if listItemRe.MatchString(line) {
			steps = append(steps, listItemRe.ReplaceAllString(line, ""))
		}
	}
	if len(steps) < 2 {
		return nil
	}
	return steps
}

// InferSpecialties returns the specialties whose keywords appear in text, sorted.
func InferSpecialties(text string) []string {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		words[w] = true
	}
	var out []string
	for spec, kws := range specialtyKeywords {
		for _, kw := range kws {
			if words[kw] {
				out = append(out, spec)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func inferPriority(text string) types.Priority {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "urgent"), strings.Contains(lower, "asap"), strings.Contains(lower, "critical"):
		return types.PriorityCritical
	case strings.Contains(lower, "important"), strings.Contains(lower, "high priority"):
		return types.PriorityHigh
	case strings.Contains(lower, "when possible"), strings.Contains(lower, "low priority"), strings.Contains(lower, "nice to have"):
		return types.PriorityLow
	default:
		return types.PriorityMedium
	}
}

func inferEstimate(text string, def int) int {
	if m := hoursRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n * 60
		}
	}
	if m := minutesRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n
		}
	}
	return def
}
