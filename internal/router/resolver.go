package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"taskweave/internal/logging"
	"taskweave/internal/patterns"
	"taskweave/internal/reasoning"
	"taskweave/internal/types"
	"taskweave/internal/usage"
)

// Source names where a resolution came from.
type Source string

const (
	SourcePattern   Source = "pattern"
	SourceLocal     Source = "local"
	SourceEscalated Source = "escalated"
	SourceDegraded  Source = "degraded"
)

// PatternSource is the subset of the pattern store the resolver needs.
type PatternSource interface {
	FindMatches(ctx context.Context, workerID, input string) ([]patterns.Match, error)
	FindCandidates(ctx context.Context, workerID, input string, minScore float64) ([]patterns.Match, error)
	Save(ctx context.Context, workerID, category, input, response string, tokensSaved int) (*types.Pattern, error)
	RecordReuse(ctx context.Context, p types.Pattern) (*types.Pattern, error)
	GenerateResponse(m patterns.Match, input string, vars map[string]string) string
}

// OutcomeRecorder receives learning records for resolved requests.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, workerID, category, learningType string, payload map[string]any, confidence float64) (types.LearningRecord, error)
}

// UsageRecorder accounts for tokens saved and spent.
type UsageRecorder interface {
	Track(workerID, category string, outcome usage.Outcome, tokensSaved, tokensUsed int)
}

// ResolutionObserver is told about every finished resolution.
type ResolutionObserver interface {
	ObserveResolution(ctx context.Context, source string, tokensSaved, tokensUsed int, elapsed time.Duration)
}

// LocalResponder produces the deterministic response for a request routed
// locally. candidates are low-confidence pattern matches, best first.
type LocalResponder func(req Request, candidates []patterns.Match, gen func(patterns.Match) string) string

// Resolution is the outcome of Resolve.
type Resolution struct {
	Response    string         `json:"response"`
	Source      Source         `json:"source"`
	Decision    *Decision      `json:"decision,omitempty"`
	Pattern     *types.Pattern `json:"pattern,omitempty"`
	MatchScore  float64        `json:"match_score,omitempty"`
	TokensSaved int            `json:"tokens_saved"`
	TokensUsed  int            `json:"tokens_used"`
	Err         string         `json:"escalation_error,omitempty"`
}

// ResolverOptions tunes the resolution pipeline.
type ResolverOptions struct {
	InstantConfidence float64
	InvokeTimeout     time.Duration
	MaxTokens         int
	Responder         LocalResponder
}

// Resolver runs the full pipeline: pattern hit, route, local response or
// escalation with timeout, and degraded fallback.
type Resolver struct {
	router   *Router
	patterns PatternSource
	client   reasoning.Client
	learning OutcomeRecorder
	usage    UsageRecorder
	observer ResolutionObserver
	opts     ResolverOptions
}

// NewResolver wires a resolver. learning, usage and observer may be nil.
func NewResolver(r *Router, ps PatternSource, client reasoning.Client, learning OutcomeRecorder, u UsageRecorder, obs ResolutionObserver, opts ResolverOptions) *Resolver {
	if opts.InstantConfidence <= 0 {
		opts.InstantConfidence = 0.8
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = 60 * time.Second
	}
	if opts.Responder == nil {
		opts.Responder = DefaultResponder
	}
	return &Resolver{router: r, patterns: ps, client: client, learning: learning, usage: u, observer: obs, opts: opts}
}

// Resolve answers req. It returns an error only when escalation failed and
// no pattern of any confidence exists to degrade to; the error wraps
// types.ErrExternalInvocation.
func (rv *Resolver) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	start := time.Now()
	if req.Category == "" {
		req.Category = "general"
	}
	log := logging.WithRequestID(logging.CategoryRouting, req.WorkerID).WithField("category", req.Category)

	matches, err := rv.patterns.FindMatches(ctx, req.WorkerID, req.Input)
	if err != nil {
		log.Warn("pattern lookup failed, routing without cache: %v", err)
		matches = nil
	}

	if len(matches) > 0 && matches[0].Score >= rv.opts.InstantConfidence {
		res := rv.fromPattern(ctx, req, matches[0])
		rv.finish(ctx, req, res, usage.OutcomePatternHit, start)
		return res, nil
	}

	d := rv.router.Route(req)
	if d.UseLocal {
		res := rv.local(ctx, req, d, matches)
		rv.finish(ctx, req, res, usage.OutcomeLocal, start)
		return res, nil
	}

	res, err := rv.escalate(ctx, req, d)
	if err == nil {
		rv.finish(ctx, req, res, usage.OutcomeEscalated, start)
		return res, nil
	}

	log.Warn("escalation failed: %v", err)
	candidates := matches
	if len(candidates) == 0 {
		candidates, _ = rv.patterns.FindCandidates(ctx, req.WorkerID, req.Input, patterns.AnyScore)
	}
	if len(candidates) == 0 {
		rv.track(req, usage.OutcomeFailed, 0, 0)
		rv.observe(ctx, "failed", 0, 0, start)
		return nil, err
	}

	best := candidates[0]
	p := best.Pattern
	res = &Resolution{
		Response:   rv.patterns.GenerateResponse(best, req.Input, req.Context),
		Source:     SourceDegraded,
		Decision:   &d,
		Pattern:    &p,
		MatchScore: best.Score,
		Err:        err.Error(),
	}
	log.Info("served degraded response from pattern %s (score %.2f)", p.ID, best.Score)
	rv.finish(ctx, req, res, usage.OutcomeDegraded, start)
	return res, nil
}

func (rv *Resolver) fromPattern(ctx context.Context, req Request, m patterns.Match) *Resolution {
	res := &Resolution{
		Response:    rv.patterns.GenerateResponse(m, req.Input, req.Context),
		Source:      SourcePattern,
		MatchScore:  m.Score,
		TokensSaved: rv.router.cost.Total(),
	}
	p := m.Pattern
	if updated, err := rv.patterns.RecordReuse(ctx, m.Pattern); err == nil {
		p = *updated
	} else {
		logging.RoutingWarn("record reuse of %s failed: %v", m.Pattern.ID, err)
	}
	res.Pattern = &p
	rv.record(ctx, req, "pattern_reuse", m.Score, map[string]any{"pattern_id": p.ID, "score": m.Score})
	return res
}

func (rv *Resolver) local(ctx context.Context, req Request, d Decision, candidates []patterns.Match) *Resolution {
	gen := func(m patterns.Match) string { return rv.patterns.GenerateResponse(m, req.Input, req.Context) }
	res := &Resolution{
		Response:    rv.opts.Responder(req, candidates, gen),
		Source:      SourceLocal,
		Decision:    &d,
		TokensSaved: d.EstimatedSavings,
	}
	if p, err := rv.patterns.Save(ctx, req.WorkerID, req.Category, req.Input, res.Response, d.EstimatedSavings); err == nil {
		res.Pattern = p
	} else {
		logging.RoutingWarn("saving local pattern for %s failed: %v", req.WorkerID, err)
	}
	rv.record(ctx, req, "local_resolution", d.Confidence, map[string]any{"reason": d.Reason})
	return res
}

func (rv *Resolver) escalate(ctx context.Context, req Request, d Decision) (*Resolution, error) {
	if rv.client == nil {
		return nil, fmt.Errorf("%w: no reasoning client configured", types.ErrExternalInvocation)
	}
	callCtx, cancel := context.WithTimeout(ctx, rv.opts.InvokeTimeout)
	defer cancel()

	text, tokens, err := rv.client.Invoke(callCtx, BuildPrompt(req), rv.opts.MaxTokens)
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrExternalInvocation, err)
	}

	res := &Resolution{Response: text, Source: SourceEscalated, Decision: &d, TokensUsed: tokens}
	// Future near-duplicates resolve from this answer.
	if p, err := rv.patterns.Save(ctx, req.WorkerID, req.Category, req.Input, text, tokens); err == nil {
		res.Pattern = p
	} else {
		logging.RoutingWarn("capturing escalated pattern for %s failed: %v", req.WorkerID, err)
	}
	rv.record(ctx, req, "escalation", 0.5, map[string]any{"tokens_used": tokens})
	return res, nil
}

func (rv *Resolver) finish(ctx context.Context, req Request, res *Resolution, outcome usage.Outcome, start time.Time) {
	rv.track(req, outcome, res.TokensSaved, res.TokensUsed)
	rv.observe(ctx, string(res.Source), res.TokensSaved, res.TokensUsed, start)
	logging.Routing("resolved worker=%s source=%s saved=%d used=%d", req.WorkerID, res.Source, res.TokensSaved, res.TokensUsed)
}

func (rv *Resolver) track(req Request, outcome usage.Outcome, saved, used int) {
	if rv.usage != nil {
		rv.usage.Track(req.WorkerID, req.Category, outcome, saved, used)
	}
}

func (rv *Resolver) observe(ctx context.Context, source string, saved, used int, start time.Time) {
	if rv.observer != nil {
		rv.observer.ObserveResolution(ctx, source, saved, used, time.Since(start))
	}
}

func (rv *Resolver) record(ctx context.Context, req Request, learningType string, confidence float64, payload map[string]any) {
	if rv.learning == nil {
		return
	}
	if _, err := rv.learning.RecordOutcome(ctx, req.WorkerID, req.Category, learningType, payload, confidence); err != nil {
		logging.RoutingWarn("recording %s outcome for %s failed: %v", learningType, req.WorkerID, err)
	}
}

// BuildPrompt renders the escalation prompt.
func BuildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Worker: %s\nCategory: %s\n", req.WorkerID, req.Category)
	keys := make([]string, 0, len(req.Context))
	for k := range req.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, req.Context[k])
	}
	b.WriteString("\nRequest:\n")
	b.WriteString(req.Input)
	return b.String()
}

// DefaultResponder reuses the best low-confidence candidate when one exists,
// otherwise it summarizes the request's extracted entities.
func DefaultResponder(req Request, candidates []patterns.Match, gen func(patterns.Match) string) string {
	if len(candidates) > 0 {
		return gen(candidates[0])
	}
	e := patterns.ExtractEntities(req.Input)
	action := e[patterns.PlaceholderAction]
	if action == "" {
		action = "handle"
	}
	target := e[patterns.PlaceholderFile]
	if target == "" {
		target = e[patterns.PlaceholderComponent]
	}
	if target == "" {
		return fmt.Sprintf("Queued local %s for %s: %s", action, req.WorkerID, strings.TrimSpace(req.Input))
	}
	return fmt.Sprintf("Queued local %s of %s for %s", action, target, req.WorkerID)
}
