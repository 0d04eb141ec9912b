// Package learning records resolution outcomes and task performance, shares
// high-confidence learnings across workers, and recommends improvements.
//
// Cross-worker sharing is asynchronous: RecordOutcome enqueues a fan-out job
// and returns; a background dispatcher writes the reduced-confidence copies.
// A failed write to one target is retried, then logged. It never fails the
// originating call.
package learning

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"taskweave/internal/logging"
	"taskweave/internal/types"
)

// Repository is the durable backing for learnings and performance.
type Repository interface {
	UpsertLearning(ctx context.Context, rec types.LearningRecord) (types.LearningRecord, error)
	Learnings(ctx context.Context, workerID, category string) ([]types.LearningRecord, error)
	LearningsFromOthers(ctx context.Context, workerID string, minConfidence float64, limit int) ([]types.LearningRecord, error)
	AverageConfidence(ctx context.Context, workerID string) (float64, error)
	PutShared(ctx context.Context, sh types.SharedLearning) error
	Shared(ctx context.Context, workerID, category string) ([]types.SharedLearning, error)
	UpdatePerformance(ctx context.Context, workerID, taskType string, at time.Time, fn func(*types.PerformanceMetric)) (types.PerformanceMetric, error)
	Performance(ctx context.Context, workerID string) ([]types.PerformanceMetric, error)
}

// Directory lists the registered workers fan-out targets are drawn from.
type Directory interface {
	WorkerIDs() []string
}

// Options tunes the ledger.
type Options struct {
	ShareThreshold    float64
	ShareDiscount     float64
	QueueSize         int
	Retries           int
	RetryBackoff      time.Duration
	SkillThreshold    float64
	RecommendLimit    int
	FanoutParallelism int
	Now               func() time.Time
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{
		ShareThreshold:    0.8,
		ShareDiscount:     0.8,
		QueueSize:         256,
		Retries:           3,
		RetryBackoff:      20 * time.Millisecond,
		SkillThreshold:    0.8,
		RecommendLimit:    5,
		FanoutParallelism: 4,
		Now:               time.Now,
	}
}

// Knowledge is a worker's own learnings plus what others shared with it.
type Knowledge struct {
	Own    []types.LearningRecord `json:"own"`
	Shared []types.SharedLearning `json:"shared"`
}

// SkillGap is a task type the worker succeeds at less often than the threshold.
type SkillGap struct {
	TaskType    string      `json:"task_type"`
	SuccessRate float64     `json:"success_rate"`
	TotalTasks  int         `json:"total_tasks"`
	Trend       types.Trend `json:"trend"`
}

// Recommendation is the output of Recommend.
type Recommendation struct {
	WorkerID           string                 `json:"worker_id"`
	SkillsToImprove    []SkillGap             `json:"skills_to_improve"`
	PatternsFromOthers []types.LearningRecord `json:"patterns_from_others"`
}

type shareJob struct {
	rec types.LearningRecord
}

// Ledger is safe for concurrent use. Close it to stop the fan-out dispatcher.
type Ledger struct {
	repo    Repository
	workers Directory
	opts    Options

	mu      sync.RWMutex
	closed  bool
	queue   chan shareJob
	pending sync.WaitGroup
	done    chan struct{}

	shared  atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewLedger creates a ledger and starts its fan-out dispatcher.
func NewLedger(repo Repository, workers Directory, opts Options) *Ledger {
	def := DefaultOptions()
	if opts.ShareThreshold <= 0 {
		opts.ShareThreshold = def.ShareThreshold
	}
	if opts.ShareDiscount <= 0 {
		opts.ShareDiscount = def.ShareDiscount
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.Retries <= 0 {
		opts.Retries = def.Retries
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.SkillThreshold <= 0 {
		opts.SkillThreshold = def.SkillThreshold
	}
	if opts.RecommendLimit <= 0 {
		opts.RecommendLimit = def.RecommendLimit
	}
	if opts.FanoutParallelism <= 0 {
		opts.FanoutParallelism = def.FanoutParallelism
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l := &Ledger{
		repo:    repo,
		workers: workers,
		opts:    opts,
		queue:   make(chan shareJob, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go l.dispatch()
	return l
}

// =============================================================================
// OUTCOMES
// =============================================================================

// RecordOutcome upserts the (worker, category, type) learning. A repeat
// observation bumps frequency and nudges confidence up by 0.1, capped at 1.
// When the resulting confidence exceeds the share threshold a discounted
// copy is queued for every other worker.
func (l *Ledger) RecordOutcome(ctx context.Context, workerID, category, learningType string, payload map[string]any, confidence float64) (types.LearningRecord, error) {
	if strings.TrimSpace(workerID) == "" || strings.TrimSpace(learningType) == "" {
		return types.LearningRecord{}, fmt.Errorf("record outcome: worker and learning type required: %w", types.ErrInvalidArgument)
	}
	if category == "" {
		category = "general"
	}
	rec, err := l.repo.UpsertLearning(ctx, types.LearningRecord{
		WorkerID:     workerID,
		Category:     category,
		LearningType: learningType,
		Payload:      payload,
		Confidence:   clamp01(confidence),
		LastSeen:     l.opts.Now(),
	})
	if err != nil {
		logging.Get(logging.CategoryLearning).Error("RecordOutcome %s/%s/%s failed: %v", workerID, category, learningType, err)
		return types.LearningRecord{}, err
	}
	logging.LearningDebug("Outcome %s/%s/%s confidence=%.2f frequency=%d", workerID, category, learningType, rec.Confidence, rec.Frequency)
	logging.Audit(logging.CategoryLearning).Event(logging.AuditLearningRecord, "", workerID,
		fmt.Sprintf("%s/%s confidence=%.2f", category, learningType, rec.Confidence))

	if rec.Confidence > l.opts.ShareThreshold {
		l.enqueue(shareJob{rec: rec})
	}
	return rec, nil
}

func (l *Ledger) enqueue(job shareJob) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		logging.LearningWarn("Ledger closed, dropping share of %s/%s from %s", job.rec.Category, job.rec.LearningType, job.rec.WorkerID)
		return
	}
	l.pending.Add(1)
	select {
	case l.queue <- job:
	default:
		l.pending.Done()
		l.dropped.Add(1)
		logging.LearningWarn("Fan-out queue full, dropping share of %s/%s from %s", job.rec.Category, job.rec.LearningType, job.rec.WorkerID)
	}
}

func (l *Ledger) dispatch() {
	defer close(l.done)
	for job := range l.queue {
		l.fanOut(job.rec)
		l.pending.Done()
	}
}

func (l *Ledger) fanOut(rec types.LearningRecord) {
	if l.workers == nil {
		return
	}
	conf := rec.Confidence * l.opts.ShareDiscount
	now := l.opts.Now()

	var g errgroup.Group
	g.SetLimit(l.opts.FanoutParallelism)
	for _, target := range l.workers.WorkerIDs() {
		if target == rec.WorkerID {
			continue
		}
		target := target
		g.Go(func() error {
			sh := types.SharedLearning{
				TargetWorker: target,
				SourceWorker: rec.WorkerID,
				Category:     rec.Category,
				LearningType: rec.LearningType,
				Payload:      rec.Payload,
				Confidence:   conf,
				SharedAt:     now,
			}
			if err := l.putWithRetry(sh); err != nil {
				l.failed.Add(1)
				logging.Get(logging.CategoryLearning).Error("Share %s/%s %s -> %s failed: %v",
					rec.Category, rec.LearningType, rec.WorkerID, target, err)
				return err
			}
			l.shared.Add(1)
			logging.Audit(logging.CategoryLearning).Log(logging.AuditEvent{
				EventType: logging.AuditLearningShare,
				WorkerID:  rec.WorkerID,
				Target:    target,
				Success:   true,
				Message:   fmt.Sprintf("%s/%s confidence=%.2f", rec.Category, rec.LearningType, conf),
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logging.LearningWarn("Fan-out of %s/%s from %s incomplete: %v", rec.Category, rec.LearningType, rec.WorkerID, err)
	}
}

func (l *Ledger) putWithRetry(sh types.SharedLearning) error {
	var err error
	backoff := l.opts.RetryBackoff
	for attempt := 1; attempt <= l.opts.Retries; attempt++ {
		if err = l.repo.PutShared(context.Background(), sh); err == nil {
			return nil
		}
		if attempt < l.opts.Retries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return err
}

// Flush blocks until every queued fan-out job has been written or ctx ends.
func (l *Ledger) Flush(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		l.pending.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the dispatcher.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()
	<-l.done
	logging.Learning("Ledger closed: shared=%d dropped=%d failed=%d", l.shared.Load(), l.dropped.Load(), l.failed.Load())
	return nil
}

// Options returns the effective options after defaults were applied.
func (l *Ledger) Options() Options {
	return l.opts
}

// FanoutStats reports shared, dropped and failed fan-out writes.
func (l *Ledger) FanoutStats() (shared, dropped, failed int64) {
	return l.shared.Load(), l.dropped.Load(), l.failed.Load()
}

// GetLearning returns a worker's own learnings and its shared partition.
// An empty category returns everything.
func (l *Ledger) GetLearning(ctx context.Context, workerID, category string) (*Knowledge, error) {
	own, err := l.repo.Learnings(ctx, workerID, category)
	if err != nil {
		return nil, err
	}
	shared, err := l.repo.Shared(ctx, workerID, category)
	if err != nil {
		return nil, err
	}
	return &Knowledge{Own: own, Shared: shared}, nil
}

// AverageConfidence is the mean confidence of a worker's own learnings.
func (l *Ledger) AverageConfidence(ctx context.Context, workerID string) (float64, error) {
	return l.repo.AverageConfidence(ctx, workerID)
}

// =============================================================================
// PERFORMANCE
// =============================================================================

// RecordPerformance folds one task outcome into the worker's running
// averages. satisfaction is optional and clamped to [0,1].
func (l *Ledger) RecordPerformance(ctx context.Context, workerID, taskType string, success bool, duration time.Duration, satisfaction *float64) (types.PerformanceMetric, error) {
	if strings.TrimSpace(workerID) == "" || strings.TrimSpace(taskType) == "" {
		return types.PerformanceMetric{}, fmt.Errorf("record performance: worker and task type required: %w", types.ErrInvalidArgument)
	}
	m, err := l.repo.UpdatePerformance(ctx, workerID, taskType, l.opts.Now(), func(m *types.PerformanceMetric) {
		applySample(m, success, duration, satisfaction)
	})
	if err != nil {
		logging.Get(logging.CategoryLearning).Error("RecordPerformance %s/%s failed: %v", workerID, taskType, err)
		return types.PerformanceMetric{}, err
	}
	logging.Learning("Performance %s/%s: success=%.2f avg=%.0fms n=%d trend=%s",
		workerID, taskType, m.SuccessRate, m.AverageTimeMs, m.TotalTasks, m.Trend)
	return m, nil
}

// applySample updates m with one observation using online averages.
func applySample(m *types.PerformanceMetric, success bool, duration time.Duration, satisfaction *float64) {
	prev := m.SuccessRate
	first := m.TotalTasks == 0
	m.TotalTasks++
	n := float64(m.TotalTasks)

	s := 0.0
	if success {
		s = 1
	}
	m.SuccessRate = (prev*(n-1) + s) / n
	m.AverageTimeMs = (m.AverageTimeMs*(n-1) + float64(duration.Milliseconds())) / n

	if satisfaction != nil {
		m.SatisfactionSamples++
		k := float64(m.SatisfactionSamples)
		m.AverageSatisfaction = (m.AverageSatisfaction*(k-1) + clamp01(*satisfaction)) / k
	}

	switch {
	case first:
		m.Trend = types.TrendStable
	case m.SuccessRate > prev:
		m.Trend = types.TrendImproving
	case m.SuccessRate < prev:
		m.Trend = types.TrendDeclining
	default:
		m.Trend = types.TrendStable
	}
}

// Performance returns metrics for one worker, or all when workerID is empty.
func (l *Ledger) Performance(ctx context.Context, workerID string) ([]types.PerformanceMetric, error) {
	return l.repo.Performance(ctx, workerID)
}

// Recommend lists task types below the skill threshold and the strongest
// learnings other workers hold.
func (l *Ledger) Recommend(ctx context.Context, workerID string) (*Recommendation, error) {
	metrics, err := l.repo.Performance(ctx, workerID)
	if err != nil {
		return nil, err
	}
	rec := &Recommendation{WorkerID: workerID}
	for _, m := range metrics {
		if m.SuccessRate < l.opts.SkillThreshold {
			rec.SkillsToImprove = append(rec.SkillsToImprove, SkillGap{
				TaskType: m.TaskType, SuccessRate: m.SuccessRate, TotalTasks: m.TotalTasks, Trend: m.Trend,
			})
		}
	}
	rec.PatternsFromOthers, err = l.repo.LearningsFromOthers(ctx, workerID, l.opts.ShareThreshold, l.opts.RecommendLimit)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
