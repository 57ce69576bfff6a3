package jobs

import (
	"auction-engine/internal/auction"
	"auction-engine/internal/queue"
	"auction-engine/internal/scheduler"
	"auction-engine/internal/workers"
	"auction-engine/utils"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Engine is the part of the auction engine the job handlers drive
type Engine interface {
	Finalize(ctx context.Context, productID string) (auction.FinalizeResult, error)
	ProcessAutoBid(ctx context.Context, productID string) (auction.ProxyResult, error)
}

// Timers arms the regular finalize timer of an auction
type Timers interface {
	ScheduleAuctionEnd(ctx context.Context, auctionID string, endTime time.Time) error
}

// EventDispatcher publishes one outbox event
type EventDispatcher interface {
	Dispatch(ctx context.Context, eventID string) (bool, error)
}

// Handlers routes decoded job payloads to the engine and the event dispatcher
type Handlers struct {
	engine     Engine
	timers     Timers
	dispatcher EventDispatcher
}

// NewHandlers creates the job handlers
func NewHandlers(engine Engine, timers Timers, dispatcher EventDispatcher) *Handlers {
	return &Handlers{engine: engine, timers: timers, dispatcher: dispatcher}
}

// For returns the handler of a queue class
func (h *Handlers) For(queueName string) (workers.Handler, error) {
	switch queueName {
	case queue.AuctionTimers:
		return h.AuctionTimers, nil
	case queue.AutoBids:
		return h.AutoBids, nil
	case queue.Notifications:
		return h.Notifications, nil
	}
	return nil, fmt.Errorf("no handler for queue %s", queueName)
}

// AuctionTimers finalizes auctions. The regular timer that fires before the
// auction's current end time is snoozed under its own id, so a concurrent
// reschedule always converges on a single pending timer. Any other early
// finalize job hands over to the regular timer.
func (h *Handlers) AuctionTimers(ctx context.Context, job *queue.Job) error {
	if job.Type != scheduler.JobFinalize {
		dropUnknown(job)
		return nil
	}
	var payload scheduler.FinalizePayload
	if !decode(job, &payload) {
		return nil
	}

	res, err := h.engine.Finalize(ctx, payload.ProductID)
	if err != nil {
		return err
	}
	if res.Outcome != auction.OutcomeSkipped || res.Reason != auction.ReasonNotEnded {
		return nil
	}

	fields := map[string]any{
		"job_id":     job.ID,
		"product_id": payload.ProductID,
		"end_time":   res.EndTime,
	}
	if job.ID == scheduler.AuctionEndJobID(payload.ProductID) {
		utils.Debug("Finalize fired before end time, snoozing", fields)
		return workers.Snooze(res.EndTime)
	}

	utils.Debug("Finalize fired before end time, arming regular timer", fields)
	return h.timers.ScheduleAuctionEnd(ctx, payload.ProductID, res.EndTime)
}

// AutoBids runs one proxy-bidding pass
func (h *Handlers) AutoBids(ctx context.Context, job *queue.Job) error {
	if job.Type != scheduler.JobAutoBidCheck {
		dropUnknown(job)
		return nil
	}
	var payload scheduler.AutoBidCheckPayload
	if !decode(job, &payload) {
		return nil
	}

	_, err := h.engine.ProcessAutoBid(ctx, payload.ProductID)
	return err
}

// Notifications publishes outbox events
func (h *Handlers) Notifications(ctx context.Context, job *queue.Job) error {
	if job.Type != scheduler.JobDispatchEvent {
		dropUnknown(job)
		return nil
	}
	var payload scheduler.DispatchPayload
	if !decode(job, &payload) {
		return nil
	}

	_, err := h.dispatcher.Dispatch(ctx, payload.EventID)
	return err
}

// decode reports false for payloads no retry can fix
func decode(job *queue.Job, v any) bool {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		utils.Error("Dropping job with malformed payload", map[string]any{
			"queue":  job.Queue,
			"job_id": job.ID,
			"type":   job.Type,
			"error":  err.Error(),
		})
		return false
	}
	return true
}

func dropUnknown(job *queue.Job) {
	utils.Error("Dropping job of unknown type", map[string]any{
		"queue":  job.Queue,
		"job_id": job.ID,
		"type":   job.Type,
	})
}
