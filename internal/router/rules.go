package router

import (
	"fmt"
	"regexp"
	"strings"
)

// Side is the score an indicator contributes to.
type Side string

const (
	SideLocal Side = "local"
	SideCloud Side = "cloud"
)

// Indicator is one row of the routing rule table. It fires when any of its
// conditions holds: a keyword is present, the word count is below MaxWords or
// above MinWords, or the request contains a question mark.
type Indicator struct {
	Name     string   `yaml:"name"`
	Side     Side     `yaml:"side"`
	Weight   float64  `yaml:"weight"`
	Keywords []string `yaml:"keywords,omitempty"`
	MaxWords int      `yaml:"max_words,omitempty"`
	MinWords int      `yaml:"min_words,omitempty"`
	Question bool     `yaml:"question,omitempty"`

	// Within a group only the highest-weight firing indicator counts.
	Group string `yaml:"group,omitempty"`

	// A firing fidelity marker caps every positive local contribution.
	FidelityMarker bool `yaml:"fidelity_marker,omitempty"`
}

// RuleSet is the full indicator table.
type RuleSet struct {
	Indicators []Indicator `yaml:"indicators"`

	// Positive local weights are capped here when a fidelity marker fires.
	FidelityCap float64 `yaml:"fidelity_cap"`
}

// DefaultRules is the built-in indicator table.
func DefaultRules() RuleSet {
	return RuleSet{
		FidelityCap: 0.1,
		Indicators: []Indicator{
			// Local side
			{
				Name: "tool_phrasing", Side: SideLocal, Weight: 0.8,
				Keywords: []string{
					"run", "execute", "list", "show", "open", "build", "lint", "format", "restart",
					"install", "status", "git", "grep", "ls", "cat", "start", "stop", "ping",
					"rename", "delete", "backup",
				},
			},
			{
				Name: "known_workflow", Side: SideLocal, Weight: 0.6,
				Keywords: []string{
					"as usual", "same as before", "like last time", "again", "routine", "daily",
					"nightly", "standup", "weekly report", "the usual",
				},
			},
			{Name: "short_input", Side: SideLocal, Weight: 0.2, MaxWords: 10},
			{Name: "long_input", Side: SideLocal, Weight: -0.3, MinWords: 50},
			{
				Name: "high_fidelity", Side: SideLocal, FidelityMarker: true,
				Keywords: []string{
					"pixel-perfect", "pixel perfect", "exact wording", "verbatim", "legally binding",
					"high fidelity", "high-fidelity", "publication-ready", "camera-ready", "polished",
				},
			},

			// Cloud side
			{
				Name: "creative_strategic", Side: SideCloud, Weight: 0.9, Group: "creative",
				Keywords: []string{
					"strategy", "strategic", "creative", "brainstorm", "story", "poem", "vision",
					"roadmap", "campaign", "innovative", "design a", "write a", "invent", "imagine",
				},
			},
			{
				Name: "production_grade", Side: SideCloud, Weight: 0.95, Group: "creative",
				Keywords: []string{
					"complete", "production", "production-ready", "production-grade", "enterprise",
					"enterprise-grade", "comprehensive", "full implementation", "end-to-end",
				},
			},
			{
				Name: "reasoning", Side: SideCloud, Weight: 0.7,
				Keywords: []string{
					"why", "explain", "compare", "comparison", "analyze", "analyse", "analysis",
					"evaluate", "trade-off", "tradeoff", "trade-offs", "pros and cons", "versus",
					"vs", "reason", "justify", "should we",
				},
			},
			{Name: "long_request", Side: SideCloud, Weight: 0.2, MinWords: 30},
			{Name: "question", Side: SideCloud, Weight: 0.1, Question: true},
		},
	}
}

// compiledIndicator is an Indicator with its keyword matcher built.
type compiledIndicator struct {
	Indicator
	re *regexp.Regexp
}

type compiledRules struct {
	local       []compiledIndicator
	cloud       []compiledIndicator
	markers     []compiledIndicator
	fidelityCap float64
}

// Validate checks the rule set for structural errors.
func (rs RuleSet) Validate() error {
	seen := make(map[string]bool)
	for i, ind := range rs.Indicators {
		if ind.Name == "" {
			return fmt.Errorf("indicator %d: name required", i)
		}
		if seen[ind.Name] {
			return fmt.Errorf("indicator %q: duplicate name", ind.Name)
		}
		seen[ind.Name] = true
		if ind.Side != SideLocal && ind.Side != SideCloud {
			return fmt.Errorf("indicator %q: side must be local or cloud, got %q", ind.Name, ind.Side)
		}
		if len(ind.Keywords) == 0 && ind.MaxWords == 0 && ind.MinWords == 0 && !ind.Question {
			return fmt.Errorf("indicator %q: no condition", ind.Name)
		}
		if ind.Weight < -1 || ind.Weight > 1 {
			return fmt.Errorf("indicator %q: weight %v outside [-1,1]", ind.Name, ind.Weight)
		}
	}
	if rs.FidelityCap < 0 || rs.FidelityCap > 1 {
		return fmt.Errorf("fidelity_cap %v outside [0,1]", rs.FidelityCap)
	}
	return nil
}

func compileRules(rs RuleSet) (*compiledRules, error) {
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	cr := &compiledRules{fidelityCap: rs.FidelityCap}
	for _, ind := range rs.Indicators {
		ci := compiledIndicator{Indicator: ind}
		if len(ind.Keywords) > 0 {
			alts := make([]string, len(ind.Keywords))
			for i, kw := range ind.Keywords {
				alts[i] = regexp.QuoteMeta(strings.ToLower(strings.TrimSpace(kw)))
			}
			re, err := regexp.Compile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`)
			if err != nil {
				return nil, fmt.Errorf("indicator %q: %w", ind.Name, err)
			}
			ci.re = re
		}
		switch {
		case ind.FidelityMarker:
			cr.markers = append(cr.markers, ci)
		case ind.Side == SideLocal:
			cr.local = append(cr.local, ci)
		default:
			cr.cloud = append(cr.cloud, ci)
		}
	}
	return cr, nil
}

// fires reports whether the indicator matches the request features.
func (ci compiledIndicator) fires(f features) bool {
	if ci.re != nil && ci.re.MatchString(f.text) {
		return true
	}
	if ci.MaxWords > 0 && f.words < ci.MaxWords {
		return true
	}
	if ci.MinWords > 0 && f.words > ci.MinWords {
		return true
	}
	return ci.Question && f.question
}

type features struct {
	text     string
	words    int
	question bool
}

func extractFeatures(input string) features {
	return features{
		text:     input,
		words:    len(strings.Fields(input)),
		question: strings.Contains(input, "?"),
	}
}

// hit is one firing indicator and the weight it contributed.
type hit struct {
	name   string
	weight float64
}

// score sums the contributions of the firing indicators on one side.
func score(inds []compiledIndicator, f features, capPositive float64) (float64, []hit) {
	best := make(map[string]hit)
	var hits []hit
	for _, ci := range inds {
		if !ci.fires(f) {
			continue
		}
		w := ci.Weight
		if capPositive >= 0 && w > capPositive {
			w = capPositive
		}
		if ci.Group == "" {
			hits = append(hits, hit{ci.Name, w})
			continue
		}
		if cur, ok := best[ci.Group]; !ok || w > cur.weight {
			best[ci.Group] = hit{ci.Name, w}
		}
	}
	// Group winners keep table order so reasons are stable.
	for _, ci := range inds {
		if h, ok := best[ci.Group]; ok && ci.Group != "" && h.name == ci.Name {
			hits = append(hits, h)
		}
	}
	total := 0.0
	for _, h := range hits {
		total += h.weight
	}
	return clamp(total), hits
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
