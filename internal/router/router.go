// Package router decides whether a request can be resolved locally or must be
// escalated to the external reasoning service.
//
// Scoring is driven by a declarative indicator table (see rules.go). Two
// independent scores are computed and clamped to [0,1]:
//
//	LocalScore  - tool-shaped phrasing, known workflows, short input, minus long input
//	CloudScore  - creative/strategic or production-grade asks, reasoning, length, questions
//
// A request stays local only when LocalScore is strictly greater; ties escalate.
package router

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"taskweave/internal/logging"
)

// FallbackReason is reported when scoring fails internally.
const FallbackReason = "router_error_fallback"

// Request is a unit of work presented to the router.
type Request struct {
	WorkerID string            `json:"worker_id"`
	Category string            `json:"category,omitempty"`
	Input    string            `json:"input"`
	Context  map[string]string `json:"context,omitempty"`
}

// Decision is the routing outcome.
type Decision struct {
	UseLocal         bool     `json:"use_local"`
	Reason           string   `json:"reason"`
	Confidence       float64  `json:"confidence"`
	EstimatedSavings int      `json:"estimated_savings"`
	LocalScore       float64  `json:"local_score"`
	CloudScore       float64  `json:"cloud_score"`
	Indicators       []string `json:"indicators,omitempty"`
}

// CostModel is the fixed token estimate saved by staying local.
type CostModel struct {
	BasePromptTokens int
	HistoryTokens    int
	ContextTokens    int
	ResponseTokens   int
}

// Total returns the summed token estimate.
func (c CostModel) Total() int {
	return c.BasePromptTokens + c.HistoryTokens + c.ContextTokens + c.ResponseTokens
}

// DefaultCostModel mirrors the config defaults.
func DefaultCostModel() CostModel {
	return CostModel{BasePromptTokens: 800, HistoryTokens: 400, ContextTokens: 600, ResponseTokens: 500}
}

// Router scores requests. Safe for concurrent use; rules can be swapped at runtime.
type Router struct {
	rules atomic.Pointer[compiledRules]
	cost  CostModel
}

// New creates a router with the given rule table.
func New(rules RuleSet, cost CostModel) (*Router, error) {
	r := &Router{cost: cost}
	if err := r.SetRules(rules); err != nil {
		return nil, err
	}
	return r, nil
}

// SetRules validates and installs a new rule table. On error the previous
// table stays active.
func (r *Router) SetRules(rules RuleSet) error {
	cr, err := compileRules(rules)
	if err != nil {
		return fmt.Errorf("compile routing rules: %w", err)
	}
	r.rules.Store(cr)
	logging.Routing("Routing rules installed: local=%d cloud=%d markers=%d",
		len(cr.local), len(cr.cloud), len(cr.markers))
	return nil
}

// Route scores the request. It never panics and never fails: any internal
// error yields an escalation with reason router_error_fallback.
func (r *Router) Route(req Request) (d Decision) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.RoutingWarn("Route recovered from panic for worker=%s: %v", req.WorkerID, rec)
			d = Decision{UseLocal: false, Reason: FallbackReason}
		}
	}()

	cr := r.rules.Load()
	if cr == nil {
		logging.RoutingWarn("Route called without rules for worker=%s", req.WorkerID)
		return Decision{UseLocal: false, Reason: FallbackReason}
	}

	f := extractFeatures(req.Input)

	capLocal := -1.0
	for _, m := range cr.markers {
		if m.fires(f) {
			capLocal = cr.fidelityCap
			break
		}
	}

	local, localHits := score(cr.local, f, capLocal)
	cloud, cloudHits := score(cr.cloud, f, -1)
	if math.IsNaN(local) || math.IsNaN(cloud) {
		logging.RoutingWarn("Route produced NaN score for worker=%s", req.WorkerID)
		return Decision{UseLocal: false, Reason: FallbackReason}
	}

	d = Decision{
		UseLocal:   local > cloud,
		Confidence: clamp(math.Abs(local - cloud)),
		LocalScore: local,
		CloudScore: cloud,
	}
	for _, h := range localHits {
		d.Indicators = append(d.Indicators, h.name)
	}
	for _, h := range cloudHits {
		d.Indicators = append(d.Indicators, h.name)
	}

	switch {
	case d.UseLocal:
		d.EstimatedSavings = r.cost.Total()
		d.Reason = fmt.Sprintf("local: %s (%.2f > %.2f)", names(localHits), local, cloud)
	case local == cloud:
		d.Reason = fmt.Sprintf("escalate: tie (%.2f = %.2f)", local, cloud)
	default:
		d.Reason = fmt.Sprintf("escalate: %s (%.2f > %.2f)", names(cloudHits), cloud, local)
	}
	if capLocal >= 0 {
		d.Reason += " [fidelity capped]"
	}

	logging.Routing("worker=%s use_local=%v confidence=%.2f reason=%s", req.WorkerID, d.UseLocal, d.Confidence, d.Reason)
	return d
}

func names(hits []hit) string {
	if len(hits) == 0 {
		return "none"
	}
	parts := make([]string, len(hits))
	for i, h := range hits {
		parts[i] = h.name
	}
	return strings.Join(parts, ",")
}
