package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/agentmem/memory-service/internal/security"
)

// Handler executes one task. A nil return completes the task; an error
// schedules a retry.
type Handler func(ctx context.Context, args json.RawMessage) error

// Periodic is a task the runner re-enqueues on a fixed interval. The
// fingerprint guard keeps overlapping runs from stacking up.
type Periodic struct {
	Name  string
	Every time.Duration
}

// RunnerOptions configure the claim loop and retry policy.
type RunnerOptions struct {
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	BatchSize    int
}

// Runner claims tasks from a Queue and executes registered handlers in a
// worker pool.
type Runner struct {
	queue        *Queue
	opts         RunnerOptions
	handlers     map[string]Handler
	deadHandlers map[string]Handler
	periodic     []Periodic
	mu           sync.RWMutex
}

// NewRunner returns a runner. Handlers must be registered before Start.
func NewRunner(queue *Queue, opts RunnerOptions) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	return &Runner{queue: queue, opts: opts, handlers: map[string]Handler{}, deadHandlers: map[string]Handler{}}
}

// Handle registers the handler for a task name.
func (r *Runner) Handle(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// HandleDead registers a handler invoked once a task of the given name
// exhausts its attempts and moves to the dead list.
func (r *Runner) HandleDead(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadHandlers[name] = h
}

// RegisterPeriodic schedules a no-args task to be enqueued every interval.
// A non-positive interval is ignored.
func (r *Runner) RegisterPeriodic(p Periodic) {
	if p.Every <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.periodic = append(r.periodic, p)
}

// Start runs the claim loop, the worker pool, the stale-claim recoverer,
// and the periodic schedulers. It returns when ctx is cancelled and all
// in-flight tasks have finished.
func (r *Runner) Start(ctx context.Context) {
	work := make(chan Task)
	var wg sync.WaitGroup

	for i := 0; i < r.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range work {
				r.execute(ctx, t)
			}
		}()
	}

	r.mu.RLock()
	periodic := append([]Periodic(nil), r.periodic...)
	r.mu.RUnlock()
	for _, p := range periodic {
		wg.Add(1)
		go func(p Periodic) {
			defer wg.Done()
			r.schedulePeriodic(ctx, p)
		}(p)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.recoverLoop(ctx)
	}()

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return
		case <-ticker.C:
			claimed, err := r.queue.Claim(ctx, r.opts.BatchSize)
			if err != nil {
				if ctx.Err() == nil {
					log.Error("TaskRunner: claim failed", "err", err)
				}
				continue
			}
			for _, t := range claimed {
				select {
				case work <- t:
				case <-ctx.Done():
				}
			}
		}
	}
}

func (r *Runner) execute(ctx context.Context, t Task) {
	r.mu.RLock()
	h, ok := r.handlers[t.Name]
	r.mu.RUnlock()

	var err error
	if !ok {
		err = fmt.Errorf("unknown task type: %s", t.Name)
	} else {
		err = h(ctx, t.Args)
	}
	if err != nil {
		log.Error("TaskRunner: task failed", "taskId", t.ID, "type", t.Name, "attempt", t.Attempts+1, "err", err)
		if security.TasksProcessedTotal != nil {
			security.TasksProcessedTotal.WithLabelValues(t.Name, "error").Inc()
		}
		if fErr := r.queue.Fail(ctx, t, err, r.opts.MaxAttempts, r.opts.RetryBackoff, r.opts.MaxBackoff); fErr != nil {
			log.Error("TaskRunner: reschedule failed", "taskId", t.ID, "err", fErr)
		}
		if t.Attempts+1 >= r.opts.MaxAttempts {
			r.mu.RLock()
			dead, ok := r.deadHandlers[t.Name]
			r.mu.RUnlock()
			if ok {
				if dErr := dead(ctx, t.Args); dErr != nil {
					log.Error("TaskRunner: dead-letter handler failed", "taskId", t.ID, "type", t.Name, "err", dErr)
				}
			}
		}
		return
	}
	if security.TasksProcessedTotal != nil {
		security.TasksProcessedTotal.WithLabelValues(t.Name, "ok").Inc()
	}
	if cErr := r.queue.Complete(ctx, t); cErr != nil {
		log.Error("TaskRunner: complete failed", "taskId", t.ID, "err", cErr)
	}
}

func (r *Runner) schedulePeriodic(ctx context.Context, p Periodic) {
	// enqueue once at startup so a fresh deployment does not wait a full
	// interval for its first maintenance pass
	if _, err := r.queue.Enqueue(ctx, p.Name, nil, time.Now()); err != nil {
		log.Error("TaskRunner: periodic enqueue failed", "type", p.Name, "err", err)
	}
	ticker := time.NewTicker(p.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.queue.Enqueue(ctx, p.Name, nil, time.Now()); err != nil {
				log.Error("TaskRunner: periodic enqueue failed", "type", p.Name, "err", err)
			}
		}
	}
}

func (r *Runner) recoverLoop(ctx context.Context) {
	ticker := time.NewTicker(r.queue.lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := r.queue.RecoverStale(ctx, r.opts.BatchSize)
			if err != nil {
				if ctx.Err() == nil {
					log.Error("TaskRunner: stale recovery failed", "err", err)
				}
				continue
			}
			if len(ids) > 0 {
				log.Warn("TaskRunner: recovered stale claims", "count", len(ids))
			}
		}
	}
}
