package queue

import (
	"context"
	"errors"
	"time"
)

// Queue classes used by the auction engine
const (
	AuctionTimers = "auction-timers"
	AutoBids      = "auto-bids"
	Notifications = "notifications"
)

const (
	DefaultMaxAttempts = 5
	MaxPriority        = 1000
)

var ErrJobNotFound = errors.New("job not found")

// Job is a unit of deferred work. ID doubles as the deduplication key: while a
// job with a given ID is pending in a queue, enqueueing the same ID is a no-op.
type Job struct {
	ID          string
	Queue       string
	Type        string
	Payload     []byte
	Priority    int // lower runs first
	RunAt       time.Time
	Attempts    int
	MaxAttempts int
	LockToken   string
	LockedUntil time.Time
	LastError   string
	CreatedAt   time.Time
}

// EnqueueOptions controls when and how often a job runs
type EnqueueOptions struct {
	Delay       time.Duration
	Priority    int
	MaxAttempts int
}

// FailResult tells the worker what happened to a failed job
type FailResult int

const (
	// FailIgnored means the caller no longer held the lock (job cancelled or reclaimed)
	FailIgnored FailResult = iota
	FailRetried
	FailDead
)

func (r FailResult) String() string {
	switch r {
	case FailRetried:
		return "retried"
	case FailDead:
		return "dead"
	default:
		return "ignored"
	}
}

// Queue is a durable at-least-once delayed job queue. Calls that take a lock
// token are ignored (return false) once the caller's lock is gone.
type Queue interface {
	Enqueue(ctx context.Context, queue string, job Job, opts EnqueueOptions) (bool, error)
	Cancel(ctx context.Context, queue, id string) (bool, error)

	// Reserve locks the next due job ordered by (priority asc, runAt asc), or returns nil
	Reserve(ctx context.Context, queue string, lockFor time.Duration) (*Job, error)
	ExtendLock(ctx context.Context, queue, id, token string, lockFor time.Duration) (bool, error)
	Complete(ctx context.Context, queue, id, token string) (bool, error)
	Fail(ctx context.Context, queue, id, token string, retryAt time.Time, cause string) (FailResult, error)
	// Snooze releases a locked job back to the delayed state until runAt under
	// the same id. The attempt taken by Reserve is given back.
	Snooze(ctx context.Context, queue, id, token string, runAt time.Time) (bool, error)

	// RequeueStalled returns jobs whose lock expired before now to the waiting
	// state, or drops them when they are out of attempts
	RequeueStalled(ctx context.Context, queue string, now time.Time) (requeued, dead int, err error)

	Get(ctx context.Context, queue, id string) (*Job, error)
	Len(ctx context.Context, queue string) (int, error)
}

func normalizeOptions(opts EnqueueOptions) EnqueueOptions {
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if opts.Priority < 0 {
		opts.Priority = 0
	}
	if opts.Priority > MaxPriority {
		opts.Priority = MaxPriority
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return opts
}
