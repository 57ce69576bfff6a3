package recovery

import (
	"auction-engine/internal/metrics"
	"auction-engine/internal/repository"
	"auction-engine/utils"
	"context"
	"fmt"
	"time"
)

// DefaultBatchSize bounds each storage query of the scan
const DefaultBatchSize = 500

const (
	passMissedAuctions = "missed_auctions"
	passActiveAutoBids = "active_autobids"
	passPendingEvents  = "pending_events"
)

// Scheduler is the part of the job scheduler the scanner re-enqueues through
type Scheduler interface {
	ScheduleAuctionEnd(ctx context.Context, auctionID string, endTime time.Time) error
	TriggerAutoBidCheck(ctx context.Context, productID string) error
	EnqueueRecoveryFinalize(ctx context.Context, auctionID string) (bool, error)
	DispatchEvent(ctx context.Context, eventID string) (bool, error)
}

// PassReport counts what one pass saw and did
type PassReport struct {
	Scanned  int `json:"scanned"`
	Enqueued int `json:"enqueued"`
	Failed   int `json:"failed"`
}

// Report is the combined result of Run
type Report struct {
	MissedAuctions PassReport `json:"missed_auctions"`
	ActiveAutoBids PassReport `json:"active_autobids"`
	PendingEvents  PassReport `json:"pending_events"`
}

// Scanner reconciles storage with the job queue once at startup. Every
// enqueue uses a deterministic job id, so a scan over a healthy queue adds nothing.
type Scanner struct {
	repo      repository.AuctionDB
	sched     Scheduler
	metrics   *metrics.Metrics
	batchSize int
	now       func() time.Time
}

// NewScanner creates a recovery scanner. A non-positive batchSize uses DefaultBatchSize.
func NewScanner(repo repository.AuctionDB, sched Scheduler, m *metrics.Metrics, batchSize int) *Scanner {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Scanner{
		repo:      repo,
		sched:     sched,
		metrics:   m,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source, for tests
func (s *Scanner) WithClock(now func() time.Time) *Scanner {
	s.now = now
	return s
}

// Run executes every pass. Only a failed storage query aborts a pass;
// per-item failures are counted and logged.
func (s *Scanner) Run(ctx context.Context) (Report, error) {
	var (
		report Report
		err    error
	)
	if report.MissedAuctions, err = s.SyncMissedAuctions(ctx); err != nil {
		return report, err
	}
	if report.ActiveAutoBids, err = s.SyncActiveAuctionAutoBids(ctx); err != nil {
		return report, err
	}
	if report.PendingEvents, err = s.SyncPendingEvents(ctx); err != nil {
		return report, err
	}

	utils.Info("Recovery scan finished", map[string]any{
		"missed_auctions": report.MissedAuctions,
		"active_autobids": report.ActiveAutoBids,
		"pending_events":  report.PendingEvents,
	})
	return report, nil
}

// SyncMissedAuctions enqueues a recovery finalize for every ACTIVE auction
// whose end time has passed
func (s *Scanner) SyncMissedAuctions(ctx context.Context) (PassReport, error) {
	var report PassReport
	products, err := s.repo.ListActiveEndedBefore(ctx, s.now(), s.batchSize)
	if err != nil {
		return report, fmt.Errorf("recovery: list ended auctions: %w", err)
	}

	for _, p := range products {
		report.Scanned++
		created, err := s.sched.EnqueueRecoveryFinalize(ctx, p.ProductID)
		if err != nil {
			s.fail(&report, passMissedAuctions, p.ProductID, err)
			continue
		}
		if created {
			s.enqueued(&report, passMissedAuctions)
		}
	}
	return report, nil
}

// SyncActiveAuctionAutoBids re-arms the end timer of every live auction and
// triggers a proxy-bidding pass for those with active auto-bids
func (s *Scanner) SyncActiveAuctionAutoBids(ctx context.Context) (PassReport, error) {
	var report PassReport
	products, err := s.repo.ListActiveEndingAfter(ctx, s.now(), s.batchSize)
	if err != nil {
		return report, fmt.Errorf("recovery: list live auctions: %w", err)
	}

	for _, p := range products {
		report.Scanned++
		if err := s.sched.ScheduleAuctionEnd(ctx, p.ProductID, p.EndTime); err != nil {
			s.fail(&report, passActiveAutoBids, p.ProductID, err)
			continue
		}

		n, err := s.repo.CountActiveAutoBids(ctx, p.ProductID)
		if err != nil {
			s.fail(&report, passActiveAutoBids, p.ProductID, err)
			continue
		}
		if n == 0 {
			continue
		}
		if err := s.sched.TriggerAutoBidCheck(ctx, p.ProductID); err != nil {
			s.fail(&report, passActiveAutoBids, p.ProductID, err)
			continue
		}
		s.enqueued(&report, passActiveAutoBids)
	}
	return report, nil
}

// SyncPendingEvents re-enqueues dispatch for outbox events never marked dispatched
func (s *Scanner) SyncPendingEvents(ctx context.Context) (PassReport, error) {
	var report PassReport
	pending, err := s.repo.ListPendingEvents(ctx, s.batchSize)
	if err != nil {
		return report, fmt.Errorf("recovery: list pending events: %w", err)
	}

	for _, ev := range pending {
		report.Scanned++
		created, err := s.sched.DispatchEvent(ctx, ev.EventID)
		if err != nil {
			s.fail(&report, passPendingEvents, ev.EventID, err)
			continue
		}
		if created {
			s.enqueued(&report, passPendingEvents)
		}
	}
	return report, nil
}

func (s *Scanner) enqueued(report *PassReport, pass string) {
	report.Enqueued++
	s.metrics.RecoveryEnqueued.WithLabelValues(pass).Inc()
}

func (s *Scanner) fail(report *PassReport, pass, id string, err error) {
	report.Failed++
	s.metrics.RecoveryFailures.WithLabelValues(pass).Inc()
	utils.Error("Recovery failed for item", map[string]any{
		"pass":  pass,
		"id":    id,
		"error": err.Error(),
	})
}
