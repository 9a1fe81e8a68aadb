// Package reconcile retries gateway writes that failed while a call was in
// progress.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/notaryline/internal/observability"
	"github.com/haasonsaas/notaryline/internal/retry"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Kinds of queued work.
const (
	KindBooking    = "booking"
	KindRecording  = "recording"
	KindTranscript = "transcript"
)

// Op replays one failed write.
type Op func(ctx context.Context) error

// Job is a queued write.
type Job struct {
	ID         string
	Kind       string
	CallID     string
	Attempts   int
	LastError  string
	EnqueuedAt time.Time
	op         Op
}

// Config configures a Reconciler.
type Config struct {
	// Schedule is a cron expression or descriptor such as "@every 1m".
	Schedule string
	// MaxAttempts bounds replays per job. Zero means 5.
	MaxAttempts int
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	Now         func() time.Time
	// TickInterval is how often the loop checks the schedule.
	TickInterval time.Duration
}

// Reconciler holds failed writes and replays them on a schedule.
type Reconciler struct {
	schedule     cron.Schedule
	maxAttempts  int
	logger       *observability.Logger
	metrics      *observability.Metrics
	now          func() time.Time
	tickInterval time.Duration

	mu      sync.Mutex
	jobs    map[string]*Job
	nextRun time.Time
	running bool
	started bool
	wg      sync.WaitGroup
}

// ParseSchedule validates a cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("schedule is required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched, nil
}

// New creates a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	r := &Reconciler{
		schedule:     sched,
		maxAttempts:  cfg.MaxAttempts,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
		tickInterval: cfg.TickInterval,
		jobs:         make(map[string]*Job),
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 5
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.tickInterval <= 0 {
		r.tickInterval = time.Second
	}
	if r.logger == nil {
		r.logger = observability.NopLogger()
	}
	r.nextRun = sched.Next(r.now())
	return r, nil
}

// Enqueue queues op and returns the job id. A nil Reconciler drops the job.
func (r *Reconciler) Enqueue(kind, callID string, op Op) string {
	if r == nil || op == nil {
		return ""
	}
	job := &Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		CallID:     callID,
		EnqueuedAt: r.now(),
		op:         op,
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	pending := len(r.jobs)
	r.mu.Unlock()

	r.metrics.SetReconcilePending(pending)
	return job.ID
}

// Pending returns the number of queued jobs.
func (r *Reconciler) Pending() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Jobs returns a snapshot of queued jobs, oldest first.
func (r *Reconciler) Jobs() []Job {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	out := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		cp := *job
		cp.op = nil
		out = append(out, cp)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

// RunOnce replays every queued job immediately and returns how many
// succeeded.
func (r *Reconciler) RunOnce(ctx context.Context) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return 0
	}
	r.running = true
	jobs := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job)
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		pending := len(r.jobs)
		r.mu.Unlock()
		r.metrics.SetReconcilePending(pending)
	}()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].EnqueuedAt.Before(jobs[j].EnqueuedAt) })

	succeeded := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if r.replay(ctx, job) {
			succeeded++
		}
	}
	return succeeded
}

func (r *Reconciler) replay(ctx context.Context, job *Job) bool {
	ctx = observability.AddCallID(ctx, job.CallID)
	err := job.op(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	job.Attempts++

	if err == nil {
		delete(r.jobs, job.ID)
		r.metrics.RecordReconcile(job.Kind, "success")
		r.logger.Info(ctx, "reconciled gateway write", "kind", job.Kind, "attempts", job.Attempts)
		return true
	}

	job.LastError = err.Error()
	if retry.IsPermanent(err) || job.Attempts >= r.maxAttempts {
		delete(r.jobs, job.ID)
		r.metrics.RecordReconcile(job.Kind, "dropped")
		r.logger.Error(ctx, "dropping gateway write", "kind", job.Kind, "attempts", job.Attempts, "error", err)
		return false
	}
	r.metrics.RecordReconcile(job.Kind, "retry")
	r.logger.Warn(ctx, "gateway write still failing", "kind", job.Kind, "attempts", job.Attempts, "error", err)
	return false
}

// Start runs the schedule until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.runDue(ctx)
			}
		}
	}()
	return nil
}

func (r *Reconciler) runDue(ctx context.Context) bool {
	now := r.now()
	r.mu.Lock()
	due := !now.Before(r.nextRun)
	if due {
		r.nextRun = r.schedule.Next(now)
	}
	r.mu.Unlock()
	if !due {
		return false
	}
	r.RunOnce(ctx)
	return true
}

// Stop waits for the loop to exit.
func (r *Reconciler) Stop(ctx context.Context) error {
	if r == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
