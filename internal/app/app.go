package app

import (
	"auction-engine/internal/auction"
	bidding "auction-engine/internal/biddingService"
	"auction-engine/internal/config"
	"auction-engine/internal/events"
	"auction-engine/internal/jobs"
	"auction-engine/internal/metrics"
	"auction-engine/internal/queue"
	"auction-engine/internal/recovery"
	"auction-engine/internal/repository"
	"auction-engine/internal/scheduler"
	"auction-engine/internal/server"
	"auction-engine/internal/workers"
	"auction-engine/utils"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// App owns every component of the process and their lifecycle
type App struct {
	cfg *config.Config

	Metrics   *metrics.Metrics
	Repo      repository.AuctionDB
	Queue     queue.Queue
	Scheduler *scheduler.Scheduler
	Engine    *auction.Engine
	Service   *bidding.BiddingService
	Pool      *workers.WorkerPool
	Scanner   *recovery.Scanner
	Router    *gin.Engine

	server  *http.Server
	closers []func()
}

// New builds the component graph from cfg. Empty connection settings select
// the in-memory repository and queue and the log publisher.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg, Metrics: metrics.New(cfg.Metrics.Namespace)}

	if err := a.initStorage(ctx); err != nil {
		a.close()
		return nil, err
	}
	if err := a.initQueue(ctx); err != nil {
		a.close()
		return nil, err
	}
	pub, err := a.initPublisher()
	if err != nil {
		a.close()
		return nil, err
	}

	a.Scheduler = scheduler.New(a.Queue, scheduler.Options{
		FinalizePriority:        cfg.Jobs.FinalizePriority,
		AutoBidPriority:         cfg.Jobs.AutoBidPriority,
		NotificationPriority:    cfg.Jobs.NotificationPriority,
		FinalizeMaxAttempts:     cfg.Jobs.FinalizeMaxAttempts,
		AutoBidMaxAttempts:      cfg.Jobs.AutoBidMaxAttempts,
		NotificationMaxAttempts: cfg.Jobs.NotificationMaxAttempts,
	})
	a.Engine = auction.NewEngine(a.Repo, a.Scheduler, a.Metrics)
	a.Service = bidding.NewBiddingService(a.Repo, a.Scheduler, a.Metrics)
	a.Scanner = recovery.NewScanner(a.Repo, a.Scheduler, a.Metrics, cfg.Recovery.BatchSize)

	handlers := jobs.NewHandlers(a.Engine, a.Scheduler, events.NewDispatcher(a.Repo, pub, a.Metrics))
	a.Pool = workers.NewWorkerPool(a.Queue, a.Metrics)
	for name, qc := range map[string]config.QueueConfig{
		queue.AuctionTimers: cfg.Workers.Timers,
		queue.AutoBids:      cfg.Workers.AutoBids,
		queue.Notifications: cfg.Workers.Notifications,
	} {
		h, err := handlers.For(name)
		if err != nil {
			a.close()
			return nil, err
		}
		if err := a.Pool.Register(name, workers.QueueOptions{
			Concurrency:     qc.Concurrency,
			PollInterval:    qc.PollInterval,
			StalledInterval: qc.StalledInterval,
			LockDuration:    qc.LockDuration,
			RetryBackoff:    qc.RetryBackoff,
		}, h); err != nil {
			a.close()
			return nil, err
		}
	}

	gin.SetMode(gin.ReleaseMode)
	a.Router = server.SetupRouter(a.Service, a.Metrics)
	a.server = &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func (a *App) initStorage(ctx context.Context) error {
	if a.cfg.Postgres.DSN == "" {
		utils.Warn("No Postgres DSN configured, using in-memory repository", nil)
		a.Repo = repository.NewMemoryRepo()
		return nil
	}

	pool, err := repository.NewPostgresPool(ctx, a.cfg.Postgres.DSN, a.cfg.Postgres.MaxConns)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, pool.Close)

	repo := repository.NewPostgresRepo(pool)
	if err := repo.InitializeTables(ctx); err != nil {
		return err
	}
	a.Repo = repo
	utils.Info("Postgres repository ready", nil)
	return nil
}

func (a *App) initQueue(ctx context.Context) error {
	if a.cfg.Redis.Addr == "" {
		utils.Warn("No Redis address configured, using in-memory queue; pending jobs will not survive a restart", nil)
		a.Queue = queue.NewMemoryQueue()
		return nil
	}

	client, err := queue.NewRedisClient(ctx, a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() {
		if err := client.Close(); err != nil {
			utils.Warn("Failed to close Redis client", map[string]any{"error": err.Error()})
		}
	})
	a.Queue = queue.NewRedisQueue(client, a.cfg.Redis.Prefix)
	utils.Info("Redis queue ready", map[string]any{"addr": a.cfg.Redis.Addr})
	return nil
}

func (a *App) initPublisher() (events.Publisher, error) {
	if a.cfg.NATS.URL == "" {
		utils.Warn("No NATS URL configured, events are written to the log", nil)
		return events.LogPublisher{}, nil
	}

	nc, err := events.NewNATSConnection(a.cfg.NATS.URL, "auction-engine")
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := nc.Drain(); err != nil {
			utils.Warn("Failed to drain NATS connection", map[string]any{"error": err.Error()})
		}
	})
	return events.NewNATSPublisher(nc, a.cfg.NATS.SubjectPrefix)
}

// Start runs the recovery scan, then starts the workers and the HTTP server.
// Server errors are delivered on the returned channel.
func (a *App) Start(ctx context.Context) (<-chan error, error) {
	if a.cfg.Recovery.Enabled {
		if _, err := a.Scanner.Run(ctx); err != nil {
			return nil, fmt.Errorf("app: recovery scan: %w", err)
		}
	}
	if err := a.Pool.Start(ctx); err != nil {
		return nil, fmt.Errorf("app: start workers: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		utils.Info("Starting auction server", map[string]any{"addr": a.server.Addr})
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh, nil
}

// Stop shuts the HTTP server down, drains the workers and closes connections
func (a *App) Stop(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		utils.Warn("HTTP server shutdown incomplete", map[string]any{"error": err.Error()})
	}
	a.Pool.Stop()
	a.close()
	utils.Info("Auction server stopped", nil)
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Run starts the app and blocks until ctx is cancelled or the server fails
func (a *App) Run(ctx context.Context) error {
	errCh, err := a.Start(ctx)
	if err != nil {
		a.close()
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			runErr = fmt.Errorf("app: http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	a.Stop(shutdownCtx)
	return runErr
}
