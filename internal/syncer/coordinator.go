// Package syncer drains the offline queue into the remote ledger.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/safar/pos-core/internal/apperr"
	"github.com/safar/pos-core/internal/events"
	"github.com/safar/pos-core/internal/models"
)

var ErrOffline = errors.New("syncer: terminal is offline")

const (
	TriggerManual    = "manual"
	TriggerPeriodic  = "periodic"
	TriggerReconnect = "reconnect"
	TriggerStartup   = "startup"
)

type Ledger interface {
	SubmitDraft(ctx context.Context, payload models.InvoicePayload) (string, error)
	Finalize(ctx context.Context, ref string, payment models.PaymentData) (string, error)
	CheckOfflineIDSynced(ctx context.Context, offlineID string) (models.SyncState, error)
}

type Queue interface {
	RecoverStuck(ctx context.Context) (int64, error)
	Purge(ctx context.Context) (int64, error)
	Pending(ctx context.Context, limit int) ([]models.OfflineTransaction, error)
	Count(ctx context.Context) (int64, error)
	MarkSyncing(ctx context.Context, tx *models.OfflineTransaction) error
	MarkSynced(ctx context.Context, tx *models.OfflineTransaction, serverRef string) error
	MarkFailed(ctx context.Context, tx *models.OfflineTransaction, cause error) (models.OfflineStatus, error)
	Requeue(ctx context.Context, tx *models.OfflineTransaction, reason string) error
}

type Connectivity interface {
	Online() bool
	SetOffline(cause error)
}

type Config struct {
	Interval time.Duration
	// InProgressDelay and InProgressAttempts bound the in-place retry when the
	// ledger reports another client is finalizing the same transaction.
	InProgressDelay    time.Duration
	InProgressAttempts int
	// MaxPasses caps the passes one run makes when triggers keep arriving.
	MaxPasses int
	BatchSize int
}

// Result summarizes one sync run.
type Result struct {
	Trigger  string `json:"trigger"`
	Passes   int    `json:"passes"`
	Synced   int    `json:"synced"`
	Failed   int    `json:"failed"`
	Dead     int    `json:"dead"`
	Deferred int    `json:"deferred"`
	Pending  int64  `json:"pending"`
	// Offline is set when a network failure cut the run short.
	Offline bool `json:"offline"`
}

type outcome string

const (
	outcomeSynced   outcome = "synced"
	outcomeFailed   outcome = "failed"
	outcomeDead     outcome = "dead"
	outcomeDeferred outcome = "deferred"
	outcomeOffline  outcome = "offline"
)

// Coordinator runs at most one sync at a time. A trigger that arrives while a
// run is in flight does not start a second one: it waits for the current run,
// which makes one more pass on its behalf.
type Coordinator struct {
	queue   Queue
	ledger  Ledger
	conn    Connectivity
	bus     *events.Bus
	metrics *Metrics
	logger  *slog.Logger
	cfg     Config

	mu      sync.Mutex
	running bool
	rerun   bool
	done    chan struct{}
	last    Result
	lastErr error

	stop        context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

func New(queue Queue, ledger Ledger, conn Connectivity, bus *events.Bus, metrics *Metrics, logger *slog.Logger, cfg Config) *Coordinator {
	if cfg.InProgressAttempts < 1 {
		cfg.InProgressAttempts = 3
	}
	if cfg.InProgressDelay <= 0 {
		cfg.InProgressDelay = 2 * time.Second
	}
	if cfg.MaxPasses < 1 {
		cfg.MaxPasses = 5
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		queue:   queue,
		ledger:  ledger,
		conn:    conn,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
	}
}

// Sync drains the queue. Concurrent calls coalesce into the run in flight and
// all return its result.
func (c *Coordinator) Sync(ctx context.Context, trigger string) (Result, error) {
	if c.conn != nil && !c.conn.Online() {
		return Result{Trigger: trigger, Offline: true}, ErrOffline
	}

	c.mu.Lock()
	if c.running {
		c.rerun = true
		done := c.done
		c.mu.Unlock()

		c.logger.Debug("sync already running, coalescing", slog.String("trigger", trigger))
		select {
		case <-done:
		case <-ctx.Done():
			return Result{Trigger: trigger}, ctx.Err()
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		return c.last, c.lastErr
	}
	c.running = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	return c.run(ctx, trigger)
}

// Running reports whether a sync run is in flight.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Coordinator) run(ctx context.Context, trigger string) (Result, error) {
	start := time.Now()
	res := Result{Trigger: trigger}
	log := c.logger.With(slog.String("trigger", trigger))

	// Rows left in syncing by a cancelled or crashed run go back to pending.
	_, err := c.queue.RecoverStuck(ctx)

	for pass := 1; ; pass++ {
		if err == nil {
			res.Passes = pass
			err = c.pass(ctx, &res)
		}

		c.mu.Lock()
		again := c.again(err, res, pass)
		c.mu.Unlock()
		if again {
			continue
		}

		c.finish(ctx, log, start, &res, err)

		// A trigger that arrived while the run was being reported still gets
		// its pass.
		c.mu.Lock()
		if c.again(err, res, pass) {
			c.mu.Unlock()
			continue
		}
		if c.rerun {
			log.Warn("sync pass limit reached", slog.Int("passes", pass))
		}
		if err != nil {
			err = fmt.Errorf("sync: %w", err)
		}
		c.running = false
		c.rerun = false
		c.last, c.lastErr = res, err
		close(c.done)
		c.mu.Unlock()

		return res, err
	}
}

// again consumes a pending rerun request when another pass is allowed. The
// caller holds c.mu.
func (c *Coordinator) again(err error, res Result, pass int) bool {
	if err != nil || !c.rerun || res.Offline || pass >= c.cfg.MaxPasses {
		return false
	}
	c.rerun = false
	return true
}

func (c *Coordinator) finish(ctx context.Context, log *slog.Logger, start time.Time, res *Result, err error) {
	if pending, countErr := c.queue.Count(context.WithoutCancel(ctx)); countErr == nil {
		res.Pending = pending
	}
	c.metrics.observeRun(res.Trigger, start, res.Pending)

	if err != nil {
		log.Error("sync failed", slog.String("error", err.Error()))
	} else {
		log.Info("sync finished",
			slog.Int("passes", res.Passes),
			slog.Int("synced", res.Synced),
			slog.Int("failed", res.Failed),
			slog.Int("dead", res.Dead),
			slog.Int64("pending", res.Pending),
			slog.Duration("took", time.Since(start)))
	}

	events.Emit(c.bus, events.SyncCompleted, events.SyncSummary{
		Trigger: res.Trigger,
		Synced:  res.Synced,
		Failed:  res.Failed,
		Dead:    res.Dead,
		Pending: int(res.Pending),
	})
}

// pass drains the queue page by page. Each transaction is attempted at most
// once per pass; failed and deferred ones stay pending for a later run.
func (c *Coordinator) pass(ctx context.Context, res *Result) error {
	if n, err := c.queue.Purge(ctx); err != nil {
		c.logger.Warn("purge synced transactions failed", slog.String("error", err.Error()))
	} else if n > 0 {
		c.logger.Info("purged synced transactions", slog.Int64("count", n))
	}

	attempted := make(map[int64]bool)
	for {
		txs, err := c.queue.Pending(ctx, c.cfg.BatchSize+len(attempted))
		if err != nil {
			return fmt.Errorf("list pending: %w", err)
		}

		fresh := 0
		for i := range txs {
			if attempted[txs[i].ID] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			attempted[txs[i].ID] = true
			fresh++

			out, err := c.syncOne(ctx, &txs[i])
			if err != nil {
				return err
			}
			c.metrics.observeOutcome(string(out))

			switch out {
			case outcomeSynced:
				res.Synced++
			case outcomeFailed:
				res.Failed++
			case outcomeDead:
				res.Dead++
			case outcomeDeferred:
				res.Deferred++
			case outcomeOffline:
				res.Offline = true
				return nil
			}
		}
		if fresh == 0 {
			return nil
		}
	}
}

// syncOne submits one queued transaction and records the outcome. Only
// errors from the local store and cancellation are returned.
func (c *Coordinator) syncOne(ctx context.Context, tx *models.OfflineTransaction) (outcome, error) {
	log := c.logger.With(slog.String("offline_id", tx.OfflineID))

	if err := c.queue.MarkSyncing(ctx, tx); err != nil {
		return "", err
	}

	// The outcome is recorded even when ctx is cancelled mid-submit.
	storeCtx := context.WithoutCancel(ctx)

	ref, err := c.submit(ctx, tx)
	if err != nil && ctx.Err() != nil {
		if reqErr := c.queue.Requeue(storeCtx, tx, ctx.Err().Error()); reqErr != nil {
			return "", reqErr
		}
		log.Info("sync cancelled, transaction requeued")
		return "", ctx.Err()
	}

	switch kind := apperr.KindOf(err); {
	case err == nil:
		if err := c.queue.MarkSynced(storeCtx, tx, ref); err != nil {
			return "", err
		}
		log.Info("transaction synced", slog.String("ref", ref))
		return outcomeSynced, nil

	case kind == apperr.KindNetwork:
		if c.conn != nil {
			c.conn.SetOffline(err)
		}
		if err := c.queue.Requeue(storeCtx, tx, err.Error()); err != nil {
			return "", err
		}
		return outcomeOffline, nil

	case kind == apperr.KindSyncInProgress:
		if err := c.queue.Requeue(storeCtx, tx, err.Error()); err != nil {
			return "", err
		}
		log.Warn("transaction still being processed elsewhere, deferred")
		return outcomeDeferred, nil

	default:
		status, markErr := c.queue.MarkFailed(storeCtx, tx, err)
		if markErr != nil {
			return "", markErr
		}
		log.Warn("transaction sync failed",
			slog.String("error", err.Error()),
			slog.Int("retry_count", tx.RetryCount))
		if status == models.OfflineStatusDead {
			return outcomeDead, nil
		}
		return outcomeFailed, nil
	}
}

// submit records tx on the ledger and returns the server reference. The
// ledger is asked first whether the offline id is already recorded, and a
// duplicate response counts as success.
func (c *Coordinator) submit(ctx context.Context, tx *models.OfflineTransaction) (string, error) {
	state, err := c.ledger.CheckOfflineIDSynced(ctx, tx.OfflineID)
	if err != nil {
		return "", err
	}
	if state.Synced {
		c.logger.Info("transaction already recorded by the ledger",
			slog.String("offline_id", tx.OfflineID),
			slog.String("ref", state.Ref))
		return state.Ref, nil
	}

	for attempt := 1; ; attempt++ {
		ref, err := c.submitOnce(ctx, tx)
		if !apperr.Is(err, apperr.KindSyncInProgress) || attempt >= c.cfg.InProgressAttempts {
			return ref, err
		}

		c.logger.Debug("transaction being processed, waiting",
			slog.String("offline_id", tx.OfflineID),
			slog.Int("attempt", attempt))
		if err := sleep(ctx, c.cfg.InProgressDelay); err != nil {
			return "", err
		}
	}
}

func (c *Coordinator) submitOnce(ctx context.Context, tx *models.OfflineTransaction) (string, error) {
	ref, err := c.ledger.SubmitDraft(ctx, tx.Payload)
	if apperr.Is(err, apperr.KindDuplicate) {
		return apperr.RefOf(err), nil
	}
	if err != nil {
		return "", err
	}

	name, err := c.ledger.Finalize(ctx, ref, tx.Payload.PaymentData())
	if apperr.Is(err, apperr.KindDuplicate) {
		if dup := apperr.RefOf(err); dup != "" {
			return dup, nil
		}
		return ref, nil
	}
	return name, err
}

// Start runs a sync every Interval and whenever connectivity comes back, until
// Stop is called or ctx is done.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.stop = cancel

	if c.bus != nil {
		c.unsubscribe = events.On(c.bus, events.ConnectivityChanged, func(change events.ConnectivityChange) {
			if !change.Online {
				return
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.trigger(ctx, TriggerReconnect)
			}()
		})
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if c.cfg.Interval <= 0 {
			return
		}

		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.trigger(ctx, TriggerPeriodic)
			}
		}
	}()
}

func (c *Coordinator) trigger(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	_, err := c.Sync(ctx, trigger)
	if err != nil && !errors.Is(err, ErrOffline) && !errors.Is(err, context.Canceled) {
		c.logger.Warn("background sync failed",
			slog.String("trigger", trigger),
			slog.String("error", err.Error()))
	}
}

// Stop cancels background syncs and waits for them to return.
func (c *Coordinator) Stop() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	if c.stop != nil {
		c.stop()
	}
	c.wg.Wait()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
