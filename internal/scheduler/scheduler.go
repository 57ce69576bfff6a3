package scheduler

import (
	"auction-engine/internal/queue"
	"auction-engine/utils"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Job types carried in queue.Job.Type
const (
	JobFinalize      = "auction.finalize"
	JobAutoBidCheck  = "autobid.check"
	JobDispatchEvent = "event.dispatch"
)

// FinalizePayload asks the engine to close an auction
type FinalizePayload struct {
	ProductID string    `json:"product_id"`
	EndTime   time.Time `json:"end_time,omitempty"`
	Recovery  bool      `json:"recovery,omitempty"`
}

// AutoBidCheckPayload asks the engine to re-run proxy bidding for a product
type AutoBidCheckPayload struct {
	ProductID string `json:"product_id"`
}

// DispatchPayload asks the dispatcher to publish one outbox event
type DispatchPayload struct {
	EventID string `json:"event_id"`
}

// Options tunes priorities and retry budgets per job kind. Lower priority runs first.
type Options struct {
	FinalizePriority     int
	AutoBidPriority      int
	NotificationPriority int

	FinalizeMaxAttempts     int
	AutoBidMaxAttempts      int
	NotificationMaxAttempts int
}

// DefaultOptions puts auto-bid checks ahead of everything else
func DefaultOptions() Options {
	return Options{
		FinalizePriority:        5,
		AutoBidPriority:         1,
		NotificationPriority:    10,
		FinalizeMaxAttempts:     10,
		AutoBidMaxAttempts:      5,
		NotificationMaxAttempts: 10,
	}
}

// Scheduler turns auction lifecycle intents into queue jobs with deterministic ids
type Scheduler struct {
	queue queue.Queue
	opts  Options
	now   func() time.Time
}

// New creates a Scheduler on top of q
func New(q queue.Queue, opts Options) *Scheduler {
	return &Scheduler{queue: q, opts: opts, now: time.Now}
}

// WithClock replaces the time source, for tests
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// AuctionEndJobID is the id of the single regular finalize timer of an auction
func AuctionEndJobID(auctionID string) string {
	return "auction-end-" + auctionID
}

// RecoveryJobID is the id of the finalize job enqueued by the recovery scan
func RecoveryJobID(auctionID string) string {
	return "auction-recovery-" + auctionID
}

// EventJobID is the id of the notifications job that publishes an outbox event
func EventJobID(eventID string) string {
	return "event-" + eventID
}

func newJob(id, jobType string, payload any) (queue.Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return queue.Job{}, fmt.Errorf("encode %s payload: %w", jobType, err)
	}
	return queue.Job{ID: id, Type: jobType, Payload: body}, nil
}

// ScheduleAuctionEnd arms the finalize timer for an auction. An end time that
// has already passed is left to the recovery scan.
func (s *Scheduler) ScheduleAuctionEnd(ctx context.Context, auctionID string, endTime time.Time) error {
	_, err := s.scheduleFinalize(ctx, AuctionEndJobID(auctionID), auctionID, endTime)
	return err
}

func (s *Scheduler) scheduleFinalize(ctx context.Context, jobID, auctionID string, endTime time.Time) (bool, error) {
	delay := endTime.Sub(s.now())
	if delay <= 0 {
		utils.Debug("Auction end already passed, not scheduling", map[string]any{
			"product_id": auctionID,
			"end_time":   endTime,
		})
		return false, nil
	}

	job, err := newJob(jobID, JobFinalize, FinalizePayload{ProductID: auctionID, EndTime: endTime})
	if err != nil {
		return false, err
	}
	created, err := s.queue.Enqueue(ctx, queue.AuctionTimers, job, queue.EnqueueOptions{
		Delay:       delay,
		Priority:    s.opts.FinalizePriority,
		MaxAttempts: s.opts.FinalizeMaxAttempts,
	})
	if err != nil {
		return false, fmt.Errorf("schedule auction end for %s: %w", auctionID, err)
	}
	return created, nil
}

// RescheduleAuctionEnd moves the finalize timer to a new end time
func (s *Scheduler) RescheduleAuctionEnd(ctx context.Context, auctionID string, newEndTime time.Time) error {
	if _, err := s.queue.Cancel(ctx, queue.AuctionTimers, AuctionEndJobID(auctionID)); err != nil {
		// the old job fires early, sees the moved deadline and snoozes until it
		utils.Warn("Failed to cancel auction end job", map[string]any{
			"product_id": auctionID,
			"error":      err.Error(),
		})
	}
	return s.ScheduleAuctionEnd(ctx, auctionID, newEndTime)
}

// CancelAuctionEnd drops the pending finalize timer, if any
func (s *Scheduler) CancelAuctionEnd(ctx context.Context, auctionID string) error {
	if _, err := s.queue.Cancel(ctx, queue.AuctionTimers, AuctionEndJobID(auctionID)); err != nil {
		return fmt.Errorf("cancel auction end for %s: %w", auctionID, err)
	}
	return nil
}

// TriggerAutoBidCheck enqueues an immediate proxy-bidding pass. Every call
// creates a new job.
func (s *Scheduler) TriggerAutoBidCheck(ctx context.Context, productID string) error {
	job, err := newJob(fmt.Sprintf("autobid-check-%s-%s", productID, utils.GenerateID()), JobAutoBidCheck,
		AutoBidCheckPayload{ProductID: productID})
	if err != nil {
		return err
	}
	if _, err := s.queue.Enqueue(ctx, queue.AutoBids, job, queue.EnqueueOptions{
		Priority:    s.opts.AutoBidPriority,
		MaxAttempts: s.opts.AutoBidMaxAttempts,
	}); err != nil {
		return fmt.Errorf("trigger auto-bid check for %s: %w", productID, err)
	}
	return nil
}

// EnqueueRecoveryFinalize enqueues an immediate finalize for an auction whose
// timer was missed
func (s *Scheduler) EnqueueRecoveryFinalize(ctx context.Context, auctionID string) (bool, error) {
	job, err := newJob(RecoveryJobID(auctionID), JobFinalize, FinalizePayload{ProductID: auctionID, Recovery: true})
	if err != nil {
		return false, err
	}
	created, err := s.queue.Enqueue(ctx, queue.AuctionTimers, job, queue.EnqueueOptions{
		Priority:    s.opts.FinalizePriority,
		MaxAttempts: s.opts.FinalizeMaxAttempts,
	})
	if err != nil {
		return false, fmt.Errorf("enqueue recovery finalize for %s: %w", auctionID, err)
	}
	return created, nil
}

// DispatchEvent enqueues publication of an outbox event
func (s *Scheduler) DispatchEvent(ctx context.Context, eventID string) (bool, error) {
	job, err := newJob(EventJobID(eventID), JobDispatchEvent, DispatchPayload{EventID: eventID})
	if err != nil {
		return false, err
	}
	created, err := s.queue.Enqueue(ctx, queue.Notifications, job, queue.EnqueueOptions{
		Priority:    s.opts.NotificationPriority,
		MaxAttempts: s.opts.NotificationMaxAttempts,
	})
	if err != nil {
		return false, fmt.Errorf("dispatch event %s: %w", eventID, err)
	}
	return created, nil
}
