package queue

import (
	"auction-engine/utils"
	"context"
	"fmt"
	"sync"
	"time"
)

type memEntry struct {
	job Job
	seq uint64
}

// MemoryQueue is an in-process Queue. Jobs do not survive a restart.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string]map[string]*memEntry // key: queue -> job id -> entry
	seq    uint64
	now    func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues: make(map[string]map[string]*memEntry),
		now:    time.Now,
	}
}

// WithClock replaces the time source, for tests
func (q *MemoryQueue) WithClock(now func() time.Time) *MemoryQueue {
	q.now = now
	return q
}

func (q *MemoryQueue) jobs(queue string) map[string]*memEntry {
	m, ok := q.queues[queue]
	if !ok {
		m = make(map[string]*memEntry)
		q.queues[queue] = m
	}
	return m
}

func (q *MemoryQueue) Enqueue(ctx context.Context, queue string, job Job, opts EnqueueOptions) (bool, error) {
	if job.ID == "" {
		return false, fmt.Errorf("enqueue into %s: empty job id", queue)
	}
	opts = normalizeOptions(opts)

	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := q.jobs(queue)
	if _, exists := jobs[job.ID]; exists {
		return false, nil
	}
	now := q.now()
	q.seq++
	jobs[job.ID] = &memEntry{
		seq: q.seq,
		job: Job{
			ID:          job.ID,
			Queue:       queue,
			Type:        job.Type,
			Payload:     append([]byte(nil), job.Payload...),
			Priority:    opts.Priority,
			RunAt:       now.Add(opts.Delay),
			MaxAttempts: opts.MaxAttempts,
			CreatedAt:   now,
		},
	}
	return true, nil
}

func (q *MemoryQueue) Cancel(ctx context.Context, queue, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := q.jobs(queue)
	if _, ok := jobs[id]; !ok {
		return false, nil
	}
	delete(jobs, id)
	return true, nil
}

func (q *MemoryQueue) Reserve(ctx context.Context, queue string, lockFor time.Duration) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var next *memEntry
	for _, e := range q.jobs(queue) {
		if e.job.LockToken != "" || e.job.RunAt.After(now) {
			continue
		}
		if next == nil || less(e, next) {
			next = e
		}
	}
	if next == nil {
		return nil, nil
	}

	next.job.Attempts++
	next.job.LockToken = utils.GenerateID()
	next.job.LockedUntil = now.Add(lockFor)
	return copyJob(next.job), nil
}

func less(a, b *memEntry) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority < b.job.Priority
	}
	if !a.job.RunAt.Equal(b.job.RunAt) {
		return a.job.RunAt.Before(b.job.RunAt)
	}
	return a.seq < b.seq
}

func (q *MemoryQueue) locked(queue, id, token string) (*memEntry, bool) {
	e, ok := q.jobs(queue)[id]
	if !ok || token == "" || e.job.LockToken != token {
		return nil, false
	}
	return e, true
}

func (q *MemoryQueue) ExtendLock(ctx context.Context, queue, id, token string, lockFor time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.locked(queue, id, token)
	if !ok {
		return false, nil
	}
	e.job.LockedUntil = q.now().Add(lockFor)
	return true, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, queue, id, token string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.locked(queue, id, token); !ok {
		return false, nil
	}
	delete(q.jobs(queue), id)
	return true, nil
}

func (q *MemoryQueue) Fail(ctx context.Context, queue, id, token string, retryAt time.Time, cause string) (FailResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.locked(queue, id, token)
	if !ok {
		return FailIgnored, nil
	}
	if e.job.Attempts >= e.job.MaxAttempts {
		delete(q.jobs(queue), id)
		return FailDead, nil
	}
	e.job.LockToken = ""
	e.job.LockedUntil = time.Time{}
	e.job.LastError = cause
	e.job.RunAt = retryAt
	return FailRetried, nil
}

func (q *MemoryQueue) Snooze(ctx context.Context, queue, id, token string, runAt time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.locked(queue, id, token)
	if !ok {
		return false, nil
	}
	if e.job.Attempts > 0 {
		e.job.Attempts--
	}
	e.job.LockToken = ""
	e.job.LockedUntil = time.Time{}
	e.job.RunAt = runAt
	return true, nil
}

func (q *MemoryQueue) RequeueStalled(ctx context.Context, queue string, now time.Time) (int, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	requeued, dead := 0, 0
	jobs := q.jobs(queue)
	for id, e := range jobs {
		if e.job.LockToken == "" || e.job.LockedUntil.After(now) {
			continue
		}
		if e.job.Attempts >= e.job.MaxAttempts {
			delete(jobs, id)
			dead++
			continue
		}
		e.job.LockToken = ""
		e.job.LockedUntil = time.Time{}
		e.job.LastError = "job stalled"
		requeued++
	}
	return requeued, dead, nil
}

func (q *MemoryQueue) Get(ctx context.Context, queue, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs(queue)[id]
	if !ok {
		return nil, fmt.Errorf("get job %s from %s: %w", id, queue, ErrJobNotFound)
	}
	return copyJob(e.job), nil
}

func (q *MemoryQueue) Len(ctx context.Context, queue string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs(queue)), nil
}

func copyJob(j Job) *Job {
	j.Payload = append([]byte(nil), j.Payload...)
	return &j
}
