// Package balancer assigns tasks to workers by weighted score and tracks
// per-worker load.
//
// Score components:
//
//	specialty   matched/required * 40
//	workload    (1 - current/max) * 25
//	efficiency  efficiency * 20
//	critical    +10 for critical tasks on workers with efficiency > 0.9
//	recency     min(hours idle, 5)
//
// Assignment is check-capacity-then-increment under the worker's own lock,
// so a worker is never committed beyond MaxCapacity.
package balancer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"taskweave/internal/logging"
	"taskweave/internal/types"
)

// Score weights.
const (
	SpecialtyWeight  = 40.0
	WorkloadWeight   = 25.0
	EfficiencyWeight = 20.0
	CriticalBonus    = 10.0
	CriticalMinEff   = 0.9
	RecencyCapHours  = 5.0

	// EfficiencyDecay is the weight kept by the old efficiency on completion.
	EfficiencyDecay = 0.8
)

// Repository persists worker profiles.
type Repository interface {
	UpsertWorker(ctx context.Context, w types.WorkerProfile) error
	LoadWorkers(ctx context.Context) ([]types.WorkerProfile, error)
	ActiveTaskCounts(ctx context.Context) (map[string]int, error)
}

// Observer is notified of assignment outcomes.
type Observer interface {
	ObserveAssignment(ctx context.Context, workerID string, ok bool)
}

// Options tunes the balancer.
type Options struct {
	DefaultCapacity   int
	DefaultEfficiency float64
	QueueDelayMinutes int
	Now               func() time.Time
	Observer          Observer
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{DefaultCapacity: 3, DefaultEfficiency: 0.7, QueueDelayMinutes: 15, Now: time.Now}
}

// Breakdown is a worker's score for one task.
type Breakdown struct {
	WorkerID   string  `json:"worker_id"`
	Specialty  float64 `json:"specialty"`
	Workload   float64 `json:"workload"`
	Efficiency float64 `json:"efficiency"`
	Critical   float64 `json:"critical"`
	Recency    float64 `json:"recency"`
	Total      float64 `json:"total"`
}

// Assignment is the result of Assign.
type Assignment struct {
	WorkerID            string      `json:"worker_id"`
	Score               float64     `json:"score"`
	Reasoning           string      `json:"reasoning"`
	EstimatedCompletion time.Time   `json:"estimated_completion"`
	Candidates          []Breakdown `json:"candidates,omitempty"`
}

type worker struct {
	mu      sync.Mutex
	profile types.WorkerProfile
}

// Balancer is safe for concurrent use.
type Balancer struct {
	repo Repository
	opts Options

	mu      sync.RWMutex
	workers map[string]*worker
}

// New creates a balancer backed by repo.
func New(repo Repository, opts Options) *Balancer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultCapacity <= 0 {
		opts.DefaultCapacity = 3
	}
	if opts.DefaultEfficiency <= 0 {
		opts.DefaultEfficiency = 0.7
	}
	if opts.QueueDelayMinutes <= 0 {
		opts.QueueDelayMinutes = 15
	}
	return &Balancer{repo: repo, opts: opts, workers: make(map[string]*worker)}
}

// Bootstrap restores persisted worker profiles. Efficiency is kept;
// CurrentTaskCount is recomputed from non-terminal tasks in the store.
func (b *Balancer) Bootstrap(ctx context.Context) error {
	profiles, err := b.repo.LoadWorkers(ctx)
	if err != nil {
		return fmt.Errorf("load workers: %w", err)
	}
	counts, err := b.repo.ActiveTaskCounts(ctx)
	if err != nil {
		return fmt.Errorf("count active tasks: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range profiles {
		p.CurrentTaskCount = counts[p.WorkerID]
		if p.CurrentTaskCount > p.MaxCapacity {
			logging.BalancerWarn("Worker %s restored with %d open task(s) over capacity %d, clamping",
				p.WorkerID, p.CurrentTaskCount, p.MaxCapacity)
			p.CurrentTaskCount = p.MaxCapacity
		}
		b.workers[p.WorkerID] = &worker{profile: p}
	}
	logging.Balancer("Bootstrapped %d worker(s)", len(profiles))
	return nil
}

// Register adds or updates a worker. For an existing worker only specialties
// and capacity change; load and efficiency are kept. Shrinking capacity below
// the current load fails with types.ErrCapacityExceeded.
func (b *Balancer) Register(ctx context.Context, p types.WorkerProfile) (types.WorkerProfile, error) {
	p.WorkerID = strings.TrimSpace(p.WorkerID)
	if p.WorkerID == "" {
		return types.WorkerProfile{}, fmt.Errorf("register worker: id required: %w", types.ErrInvalidArgument)
	}
	if p.MaxCapacity <= 0 {
		p.MaxCapacity = b.opts.DefaultCapacity
	}

	b.mu.Lock()
	w, ok := b.workers[p.WorkerID]
	if !ok {
		if p.EfficiencyScore <= 0 || p.EfficiencyScore > 1 {
			p.EfficiencyScore = b.opts.DefaultEfficiency
		}
		p.CurrentTaskCount = 0
		w = &worker{profile: p}
		b.workers[p.WorkerID] = w
	}
	b.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	prev := w.profile
	if ok {
		if p.MaxCapacity < w.profile.CurrentTaskCount {
			logging.BalancerWarn("Worker %s: capacity %d below current load %d, rejected", p.WorkerID, p.MaxCapacity, w.profile.CurrentTaskCount)
			return types.WorkerProfile{}, fmt.Errorf("register worker %s: capacity %d below load %d: %w",
				p.WorkerID, p.MaxCapacity, w.profile.CurrentTaskCount, types.ErrCapacityExceeded)
		}
		w.profile.Specialties = p.Specialties
		w.profile.MaxCapacity = p.MaxCapacity
	}
	if err := b.repo.UpsertWorker(ctx, w.profile); err != nil {
		w.profile = prev
		if !ok {
			b.mu.Lock()
			delete(b.workers, p.WorkerID)
			b.mu.Unlock()
		}
		return types.WorkerProfile{}, err
	}
	logging.Balancer("Registered worker %s specialties=%v capacity=%d", p.WorkerID, w.profile.Specialties, w.profile.MaxCapacity)
	return copyProfile(w.profile), nil
}

// Score computes the breakdown for one worker profile at time now.
func Score(task types.Task, w types.WorkerProfile, now time.Time) Breakdown {
	bd := Breakdown{WorkerID: w.WorkerID}

	if n := len(task.RequiredSpecialties); n > 0 {
		matched := 0
		for _, s := range task.RequiredSpecialties {
			if w.HasSpecialty(s) {
				matched++
			}
		}
		bd.Specialty = float64(matched) / float64(n) * SpecialtyWeight
	} else {
		bd.Specialty = SpecialtyWeight
	}

	if w.MaxCapacity > 0 {
		bd.Workload = (1 - float64(w.CurrentTaskCount)/float64(w.MaxCapacity)) * WorkloadWeight
	}
	bd.Efficiency = w.EfficiencyScore * EfficiencyWeight
	if task.Priority == types.PriorityCritical && w.EfficiencyScore > CriticalMinEff {
		bd.Critical = CriticalBonus
	}

	// A worker that was never assigned counts as fully idle.
	bd.Recency = RecencyCapHours
	if !w.LastAssignedAt.IsZero() {
		bd.Recency = math.Min(math.Max(now.Sub(w.LastAssignedAt).Hours(), 0), RecencyCapHours)
	}

	bd.Total = bd.Specialty + bd.Workload + bd.Efficiency + bd.Critical + bd.Recency
	return bd
}

// Rank scores every worker with free capacity, best first. Ties break on
// worker id.
func (b *Balancer) Rank(task types.Task) []Breakdown {
	now := b.opts.Now()
	var out []Breakdown
	for _, p := range b.Workloads() {
		if p.CurrentTaskCount >= p.MaxCapacity {
			continue
		}
		out = append(out, Score(task, p, now))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].WorkerID < out[j].WorkerID
	})
	return out
}

// Assign picks the best worker for task and reserves one unit of its
// capacity. It fails with types.ErrCapacityExceeded when every worker is full.
func (b *Balancer) Assign(ctx context.Context, task types.Task) (*Assignment, error) {
	timer := logging.StartTimer(logging.CategoryBalancer, "Assign")
	defer timer.Stop()

	ranked := b.Rank(task)
	for _, cand := range ranked {
		b.mu.RLock()
		w := b.workers[cand.WorkerID]
		b.mu.RUnlock()
		if w == nil {
			continue
		}

		a, err := b.reserve(ctx, w, task, cand, ranked)
		if err != nil {
			b.observe(ctx, cand.WorkerID, false)
			return nil, err
		}
		if a == nil {
			// Lost the race for this worker's last slot.
			continue
		}
		b.observe(ctx, a.WorkerID, true)
		logging.Audit(logging.CategoryBalancer).Event(logging.AuditAssign, task.ID, a.WorkerID, a.Reasoning)
		return a, nil
	}

	b.observe(ctx, "", false)
	logging.BalancerWarn("No available worker for task %s (%d registered)", task.ID, b.count())
	logging.Audit(logging.CategoryBalancer).Failure(logging.AuditCapacity, task.ID, "", types.ErrCapacityExceeded)
	return nil, fmt.Errorf("assign task %s: %w", task.ID, types.ErrCapacityExceeded)
}

func (b *Balancer) reserve(ctx context.Context, w *worker, task types.Task, cand Breakdown, ranked []Breakdown) (*Assignment, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.profile.CurrentTaskCount >= w.profile.MaxCapacity {
		return nil, nil
	}
	now := b.opts.Now()
	prev := w.profile
	queued := w.profile.CurrentTaskCount
	w.profile.CurrentTaskCount++
	w.profile.LastAssignedAt = now
	if err := b.repo.UpsertWorker(ctx, w.profile); err != nil {
		w.profile = prev
		logging.Get(logging.CategoryBalancer).Error("Persist assignment of task %s to %s failed: %v", task.ID, prev.WorkerID, err)
		return nil, err
	}

	eta := now.Add(time.Duration(task.EstimatedDurationMinutes+queued*b.opts.QueueDelayMinutes) * time.Minute)
	a := &Assignment{
		WorkerID:            w.profile.WorkerID,
		Score:               cand.Total,
		EstimatedCompletion: eta,
		Candidates:          ranked,
		Reasoning: fmt.Sprintf("score %.1f (specialty %.1f, workload %.1f, efficiency %.1f, critical %.0f, recency %.1f); load %d/%d",
			cand.Total, cand.Specialty, cand.Workload, cand.Efficiency, cand.Critical, cand.Recency,
			w.profile.CurrentTaskCount, w.profile.MaxCapacity),
	}
	logging.Balancer("Assigned task %s to %s: %s", task.ID, a.WorkerID, a.Reasoning)
	return a, nil
}

// Complete releases one unit of the worker's capacity and folds the
// estimate/actual ratio into its efficiency and average duration.
func (b *Balancer) Complete(ctx context.Context, workerID string, estimatedMinutes int, actual time.Duration) (types.WorkerProfile, error) {
	return b.update(ctx, workerID, func(p *types.WorkerProfile) {
		ratio := 1.0
		actualMin := actual.Minutes()
		if actualMin > 0 && estimatedMinutes > 0 {
			ratio = math.Min(float64(estimatedMinutes)/actualMin, 1.0)
		}
		p.EfficiencyScore = p.EfficiencyScore*EfficiencyDecay + ratio*(1-EfficiencyDecay)
		if actualMin > 0 {
			if p.AverageTaskMinutes == 0 {
				p.AverageTaskMinutes = actualMin
			} else {
				p.AverageTaskMinutes = p.AverageTaskMinutes*EfficiencyDecay + actualMin*(1-EfficiencyDecay)
			}
		}
		logging.BalancerDebug("Worker %s completed (ratio %.2f), efficiency now %.3f", workerID, ratio, p.EfficiencyScore)
	})
}

// Release frees one unit of capacity without touching efficiency, for tasks
// that were cancelled or handed off.
func (b *Balancer) Release(ctx context.Context, workerID string) (types.WorkerProfile, error) {
	return b.update(ctx, workerID, func(*types.WorkerProfile) {})
}

// Reserve takes one unit of a specific worker's capacity, bypassing scoring.
// Used when ownership is transferred explicitly, as on handoff acceptance.
func (b *Balancer) Reserve(ctx context.Context, workerID string) error {
	b.mu.RLock()
	w := b.workers[workerID]
	b.mu.RUnlock()
	if w == nil {
		return fmt.Errorf("worker %s: %w", workerID, types.ErrNotFound)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.profile.CurrentTaskCount >= w.profile.MaxCapacity {
		return fmt.Errorf("worker %s at %d/%d: %w", workerID, w.profile.CurrentTaskCount, w.profile.MaxCapacity, types.ErrCapacityExceeded)
	}
	prev := w.profile
	w.profile.CurrentTaskCount++
	w.profile.LastAssignedAt = b.opts.Now()
	if err := b.repo.UpsertWorker(ctx, w.profile); err != nil {
		w.profile = prev
		return err
	}
	return nil
}

func (b *Balancer) update(ctx context.Context, workerID string, fn func(*types.WorkerProfile)) (types.WorkerProfile, error) {
	b.mu.RLock()
	w := b.workers[workerID]
	b.mu.RUnlock()
	if w == nil {
		return types.WorkerProfile{}, fmt.Errorf("worker %s: %w", workerID, types.ErrNotFound)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	prev := w.profile
	if w.profile.CurrentTaskCount > 0 {
		w.profile.CurrentTaskCount--
	}
	fn(&w.profile)
	if err := b.repo.UpsertWorker(ctx, w.profile); err != nil {
		w.profile = prev
		return types.WorkerProfile{}, err
	}
	logging.Audit(logging.CategoryBalancer).Event(logging.AuditRelease, "", workerID,
		fmt.Sprintf("load %d/%d", w.profile.CurrentTaskCount, w.profile.MaxCapacity))
	return copyProfile(w.profile), nil
}

// Get returns one worker's profile.
func (b *Balancer) Get(workerID string) (types.WorkerProfile, bool) {
	b.mu.RLock()
	w := b.workers[workerID]
	b.mu.RUnlock()
	if w == nil {
		return types.WorkerProfile{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return copyProfile(w.profile), true
}

// Workloads returns a snapshot of every worker ordered by id.
func (b *Balancer) Workloads() []types.WorkerProfile {
	b.mu.RLock()
	list := make([]*worker, 0, len(b.workers))
	for _, w := range b.workers {
		list = append(list, w)
	}
	b.mu.RUnlock()

	out := make([]types.WorkerProfile, 0, len(list))
	for _, w := range list {
		w.mu.Lock()
		out = append(out, copyProfile(w.profile))
		w.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// WorkerIDs returns every registered worker id, sorted.
func (b *Balancer) WorkerIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.workers))
	for id := range b.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *Balancer) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.workers)
}

func (b *Balancer) observe(ctx context.Context, workerID string, ok bool) {
	if b.opts.Observer != nil {
		b.opts.Observer.ObserveAssignment(ctx, workerID, ok)
	}
}

func copyProfile(p types.WorkerProfile) types.WorkerProfile {
	p.Specialties = append([]string(nil), p.Specialties...)
	return p
}
