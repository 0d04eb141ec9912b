// Package patterns persists and matches reusable request→response templates.
// Matching blends token overlap, category presence, structural shape and
// prior usage into a single score; exact signature hits score 1.0.
package patterns

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"taskweave/internal/logging"
	"taskweave/internal/types"
)

// Scoring weights.
const (
	OverlapWeight    = 0.6
	CategoryBonus    = 0.3
	ShapeBonus       = 0.2
	UsageBonusPerUse = 0.01
	UsageBonusCap    = 0.1
)

// Repository is the durable backing for patterns.
type Repository interface {
	SavePattern(ctx context.Context, p *types.Pattern) (*types.Pattern, error)
	PatternsForWorker(ctx context.Context, workerID string) ([]types.Pattern, error)
	RecordPatternUse(ctx context.Context, id string, increment float64, at time.Time) (*types.Pattern, error)
}

// Match is a scored candidate pattern.
type Match struct {
	Pattern types.Pattern `json:"pattern"`
	Score   float64       `json:"match_confidence"`
	Exact   bool          `json:"exact"`
}

// Options tunes the store.
type Options struct {
	MinMatchScore     float64
	ReuseIncrement    float64
	InitialConfidence float64
	Cache             bool
	Now               func() time.Time
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{MinMatchScore: 0.6, ReuseIncrement: 0.01, InitialConfidence: 0.7, Cache: true, Now: time.Now}
}

// Store is the pattern store. Safe for concurrent use.
type Store struct {
	repo Repository
	opts Options

	mu    sync.RWMutex
	cache map[string][]types.Pattern
	group singleflight.Group
}

// NewStore creates a pattern store over repo.
func NewStore(repo Repository, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{repo: repo, opts: opts, cache: make(map[string][]types.Pattern)}
}

// load returns a worker's patterns through the read-through cache.
func (s *Store) load(ctx context.Context, workerID string) ([]types.Pattern, error) {
	if !s.opts.Cache {
		return s.repo.PatternsForWorker(ctx, workerID)
	}
	s.mu.RLock()
	cached, ok := s.cache[workerID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := s.group.Do(workerID, func() (any, error) {
		list, err := s.repo.PatternsForWorker(ctx, workerID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache[workerID] = list
		s.mu.Unlock()
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.Pattern), nil
}

func (s *Store) invalidate(workerID string) {
	s.mu.Lock()
	delete(s.cache, workerID)
	s.mu.Unlock()
}

// Score computes the match score of input against a stored pattern.
func Score(p types.Pattern, input string) (score float64, exact bool) {
	normalized := Normalize(input)
	if normalized == p.InputSignature {
		return 1.0, true
	}

	live := Tokenize(normalized)
	stored := Tokenize(p.InputSignature)
	if len(live) > 0 {
		hits := 0
		for tok := range live {
			if _, ok := stored[tok]; ok {
				hits++
			}
		}
		score += float64(hits) / float64(len(live)) * OverlapWeight
	}
	if p.Category != "" && strings.Contains(strings.ToLower(input), strings.ToLower(p.Category)) {
		score += CategoryBonus
	}
	if Skeleton(normalized) == Skeleton(p.InputSignature) {
		score += ShapeBonus
	}
	score += math.Min(float64(p.UsageCount)*UsageBonusPerUse, UsageBonusCap)
	return math.Min(score, 1.0), false
}

// FindMatches returns the worker's patterns scoring above the configured
// minimum, best first.
func (s *Store) FindMatches(ctx context.Context, workerID, input string) ([]Match, error) {
	return s.FindCandidates(ctx, workerID, input, s.opts.MinMatchScore)
}

// AnyScore as minScore makes FindCandidates return every pattern the worker
// owns, including ones that score zero.
const AnyScore = -1.0

// FindCandidates returns patterns scoring strictly above minScore, best first.
func (s *Store) FindCandidates(ctx context.Context, workerID, input string, minScore float64) ([]Match, error) {
	timer := logging.StartTimer(logging.CategoryPatterns, "FindMatches")
	defer timer.Stop()

	list, err := s.load(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("load patterns for %s: %w", workerID, err)
	}

	var matches []Match
	for _, p := range list {
		score, exact := Score(p, input)
		if score > minScore {
			matches = append(matches, Match{Pattern: p, Score: score, Exact: exact})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].Pattern.Confidence != matches[j].Pattern.Confidence {
			return matches[i].Pattern.Confidence > matches[j].Pattern.Confidence
		}
		return matches[i].Pattern.ID < matches[j].Pattern.ID
	})
	logging.PatternsDebug("worker=%s candidates=%d matches=%d (min %.2f)", workerID, len(list), len(matches), minScore)
	return matches, nil
}

// Save stores a resolution as a pattern. The input is normalized into a
// signature and entity values in the response become placeholders.
func (s *Store) Save(ctx context.Context, workerID, category, input, response string, tokensSaved int) (*types.Pattern, error) {
	if workerID == "" || strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("save pattern: worker and input required: %w", types.ErrInvalidArgument)
	}
	now := s.opts.Now()
	p := &types.Pattern{
		ID:               uuid.NewString(),
		WorkerID:         workerID,
		Category:         category,
		InputSignature:   Normalize(input),
		ResponseTemplate: Templatize(response, ExtractEntities(input)),
		Confidence:       s.opts.InitialConfidence,
		TokensSaved:      tokensSaved,
		CreatedAt:        now,
		LastUsedAt:       now,
	}
	saved, err := s.repo.SavePattern(ctx, p)
	if err != nil {
		logging.Get(logging.CategoryPatterns).Error("Save pattern for %s failed: %v", workerID, err)
		return nil, err
	}
	s.invalidate(workerID)
	logging.Patterns("Saved pattern %s worker=%s category=%s signature=%q", saved.ID, workerID, category, saved.InputSignature)
	return saved, nil
}

// RecordReuse marks a successful reuse: usage+1, confidence raised by the
// reuse increment and capped at 1.0.
func (s *Store) RecordReuse(ctx context.Context, p types.Pattern) (*types.Pattern, error) {
	updated, err := s.repo.RecordPatternUse(ctx, p.ID, s.opts.ReuseIncrement, s.opts.Now())
	if err != nil {
		return nil, err
	}
	s.invalidate(p.WorkerID)
	logging.PatternsDebug("Pattern %s reused: confidence=%.2f uses=%d", updated.ID, updated.Confidence, updated.UsageCount)
	return updated, nil
}

// GenerateResponse fills the matched template with entities extracted from
// input. Entries in vars override extracted values.
func (s *Store) GenerateResponse(m Match, input string, vars map[string]string) string {
	values := make(map[string]string)
	for k, v := range ExtractEntities(input) {
		values[k] = v
	}
	for k, v := range vars {
		values[k] = v
	}
	return Fill(m.Pattern.ResponseTemplate, values)
}
