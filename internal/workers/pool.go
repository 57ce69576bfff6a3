package workers

import (
	"auction-engine/internal/metrics"
	"auction-engine/internal/queue"
	"auction-engine/utils"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultPollInterval = 200 * time.Millisecond
	defaultRetryBackoff = time.Second
	maxBackoffShift     = 16
)

var (
	ErrInvalidOptions = errors.New("invalid worker options")
	ErrPoolStarted    = errors.New("worker pool already started")
)

// Handler processes one job. A returned error, or a panic, schedules a retry.
// ctx is cancelled when the job's lock is lost.
type Handler func(ctx context.Context, job *queue.Job) error

type snoozeError struct {
	until time.Time
}

func (e *snoozeError) Error() string {
	return "job snoozed until " + e.until.UTC().Format(time.RFC3339)
}

// Snooze is returned by a handler whose job is not due yet. The pool puts the
// job back under its own id to run at until, without using up an attempt.
func Snooze(until time.Time) error {
	return &snoozeError{until: until}
}

// SnoozedUntil reports the run time carried by an error built with Snooze
func SnoozedUntil(err error) (time.Time, bool) {
	var se *snoozeError
	if errors.As(err, &se) {
		return se.until, true
	}
	return time.Time{}, false
}

// QueueOptions tunes one queue class
type QueueOptions struct {
	Concurrency     int
	PollInterval    time.Duration
	StalledInterval time.Duration
	LockDuration    time.Duration
	RetryBackoff    time.Duration
}

func (o QueueOptions) validate() (QueueOptions, error) {
	if o.Concurrency < 1 {
		return o, fmt.Errorf("%w: concurrency must be at least 1, got %d", ErrInvalidOptions, o.Concurrency)
	}
	if o.StalledInterval <= 0 {
		return o, fmt.Errorf("%w: stalled interval must be positive", ErrInvalidOptions)
	}
	if o.LockDuration <= o.StalledInterval {
		return o, fmt.Errorf("%w: lock duration %s must exceed stalled interval %s", ErrInvalidOptions, o.LockDuration, o.StalledInterval)
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = defaultRetryBackoff
	}
	return o, nil
}

type registration struct {
	name    string
	opts    QueueOptions
	handler Handler
}

// WorkerPool runs handlers for registered queues with bounded concurrency per queue
type WorkerPool struct {
	queue   queue.Queue
	metrics *metrics.Metrics

	mu            sync.Mutex
	registrations []registration
	started       bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewWorkerPool creates a pool that reserves jobs from q
func NewWorkerPool(q queue.Queue, m *metrics.Metrics) *WorkerPool {
	return &WorkerPool{queue: q, metrics: m}
}

// Register adds a queue class. It must be called before Start.
func (p *WorkerPool) Register(queueName string, opts QueueOptions, h Handler) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrInvalidOptions, queueName)
	}
	opts, err := opts.validate()
	if err != nil {
		return fmt.Errorf("register %s: %w", queueName, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	for _, r := range p.registrations {
		if r.name == queueName {
			return fmt.Errorf("%w: queue %s registered twice", ErrInvalidOptions, queueName)
		}
	}
	p.registrations = append(p.registrations, registration{name: queueName, opts: opts, handler: h})
	return nil
}

// Start launches the workers and stalled-job reapers. It returns immediately.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for _, r := range p.registrations {
		for i := 0; i < r.opts.Concurrency; i++ {
			p.wg.Add(1)
			go p.work(ctx, r, i)
		}
		p.wg.Add(1)
		go p.reap(ctx, r)

		utils.Info("Worker queue started", map[string]any{
			"queue":       r.name,
			"concurrency": r.opts.Concurrency,
		})
	}
	return nil
}

// Stop stops polling and waits for in-flight jobs to finish
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *WorkerPool) work(ctx context.Context, r registration, worker int) {
	defer p.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.Reserve(ctx, r.name, r.opts.LockDuration)
		if err != nil {
			if ctx.Err() == nil {
				utils.Error("Failed to reserve job", map[string]any{
					"queue":  r.name,
					"worker": worker,
					"error":  err.Error(),
				})
			}
			sleep(ctx, r.opts.PollInterval)
			continue
		}
		if job == nil {
			sleep(ctx, r.opts.PollInterval)
			continue
		}

		p.process(ctx, r, job)
	}
}

func (p *WorkerPool) process(ctx context.Context, r registration, job *queue.Job) {
	// in-flight jobs finish after Stop; only a lost lock cancels them
	opCtx := context.WithoutCancel(ctx)
	jobCtx, cancel := context.WithCancel(opCtx)
	defer cancel()

	done := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		p.renewLock(opCtx, r, job, cancel, done)
	}()

	start := time.Now()
	err := runHandler(jobCtx, r.handler, job)
	close(done)
	<-renewed
	p.metrics.JobDuration.WithLabelValues(r.name).Observe(time.Since(start).Seconds())

	fields := map[string]any{
		"queue":   r.name,
		"job_id":  job.ID,
		"type":    job.Type,
		"attempt": job.Attempts,
	}

	if until, snoozed := SnoozedUntil(err); snoozed {
		fields["run_at"] = until
		ok, serr := p.queue.Snooze(opCtx, r.name, job.ID, job.LockToken, until)
		switch {
		case serr != nil:
			fields["error"] = serr.Error()
			utils.Error("Failed to snooze job", fields)
			p.metrics.JobsProcessed.WithLabelValues(r.name, "error").Inc()
		case !ok:
			utils.Info("Job snoozed after losing its lock", fields)
			p.metrics.JobsProcessed.WithLabelValues(r.name, "ignored").Inc()
		default:
			utils.Debug("Job snoozed", fields)
			p.metrics.JobsProcessed.WithLabelValues(r.name, "snoozed").Inc()
		}
		return
	}

	if err == nil {
		ok, cerr := p.queue.Complete(opCtx, r.name, job.ID, job.LockToken)
		switch {
		case cerr != nil:
			fields["error"] = cerr.Error()
			utils.Error("Failed to complete job", fields)
			p.metrics.JobsProcessed.WithLabelValues(r.name, "error").Inc()
		case !ok:
			utils.Info("Job finished after losing its lock", fields)
			p.metrics.JobsProcessed.WithLabelValues(r.name, "ignored").Inc()
		default:
			utils.Debug("Job completed", fields)
			p.metrics.JobsProcessed.WithLabelValues(r.name, "completed").Inc()
		}
		return
	}

	fields["error"] = err.Error()
	retryAt := time.Now().Add(backoff(r.opts.RetryBackoff, job.Attempts))
	res, ferr := p.queue.Fail(opCtx, r.name, job.ID, job.LockToken, retryAt, err.Error())
	if ferr != nil {
		fields["fail_error"] = ferr.Error()
		utils.Error("Failed to record job failure", fields)
		p.metrics.JobsProcessed.WithLabelValues(r.name, "error").Inc()
		return
	}
	p.metrics.JobsProcessed.WithLabelValues(r.name, res.String()).Inc()

	switch res {
	case queue.FailRetried:
		fields["retry_at"] = retryAt
		utils.Warn("Job failed, retry scheduled", fields)
	case queue.FailDead:
		fields["max_attempts"] = job.MaxAttempts
		utils.Error("Job abandoned after exhausting retries", fields)
	default:
		utils.Info("Job failed after losing its lock", fields)
	}
}

// renewLock extends the job lock every LockDuration/2 until done is closed.
// When the lock is gone (cancelled or reclaimed) the handler is cancelled.
func (p *WorkerPool) renewLock(ctx context.Context, r registration, job *queue.Job, cancel context.CancelFunc, done <-chan struct{}) {
	ticker := time.NewTicker(r.opts.LockDuration / 2)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ok, err := p.queue.ExtendLock(ctx, r.name, job.ID, job.LockToken, r.opts.LockDuration)
			if err != nil {
				utils.Warn("Failed to extend job lock", map[string]any{
					"queue":  r.name,
					"job_id": job.ID,
					"error":  err.Error(),
				})
				continue
			}
			if !ok {
				utils.Warn("Job lock lost, cancelling handler", map[string]any{
					"queue":  r.name,
					"job_id": job.ID,
				})
				cancel()
				return
			}
		}
	}
}

// reap periodically returns jobs with expired locks to the queue
func (p *WorkerPool) reap(ctx context.Context, r registration) {
	defer p.wg.Done()

	ticker := time.NewTicker(r.opts.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			requeued, dead, err := p.queue.RequeueStalled(ctx, r.name, now)
			if err != nil {
				if ctx.Err() == nil {
					utils.Error("Failed to requeue stalled jobs", map[string]any{
						"queue": r.name,
						"error": err.Error(),
					})
				}
				continue
			}
			if requeued == 0 && dead == 0 {
				continue
			}
			p.metrics.JobsStalled.WithLabelValues(r.name, "requeued").Add(float64(requeued))
			p.metrics.JobsStalled.WithLabelValues(r.name, "dead").Add(float64(dead))
			utils.Warn("Stalled jobs reclaimed", map[string]any{
				"queue":    r.name,
				"requeued": requeued,
				"dead":     dead,
			})
		}
	}
}

func runHandler(ctx context.Context, h Handler, job *queue.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			utils.Error("Job handler panicked", map[string]any{
				"queue":  job.Queue,
				"job_id": job.ID,
				"panic":  fmt.Sprint(rec),
				"stack":  string(debug.Stack()),
			})
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, job)
}

// backoff returns base * 2^(attempts-1)
func backoff(base time.Duration, attempts int) time.Duration {
	shift := attempts - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return base << shift
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
