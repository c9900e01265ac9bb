package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/safar/pos-core/internal/apperr"
	"github.com/safar/pos-core/internal/events"
	"github.com/safar/pos-core/internal/models"
	"github.com/safar/pos-core/internal/queue"
	"github.com/safar/pos-core/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memLedger records finalized invoices by offline id, like the remote ledger.
type memLedger struct {
	mu        sync.Mutex
	seq       int
	drafts    map[string]string
	finalized map[string]string
	submits   map[string]int

	// hideSynced makes CheckOfflineIDSynced miss finalized records.
	hideSynced bool
	// submitErr, when set, decides the SubmitDraft result per call.
	submitErr func(offlineID string, call int) error
	block     chan struct{}
	started   chan string
}

func newMemLedger() *memLedger {
	return &memLedger{
		drafts:    make(map[string]string),
		finalized: make(map[string]string),
		submits:   make(map[string]int),
	}
}

func (l *memLedger) SubmitDraft(ctx context.Context, payload models.InvoicePayload) (string, error) {
	if l.started != nil {
		l.started <- payload.OfflineID
	}
	if l.block != nil {
		<-l.block
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.submits[payload.OfflineID]++
	if l.submitErr != nil {
		if err := l.submitErr(payload.OfflineID, l.submits[payload.OfflineID]); err != nil {
			return "", err
		}
	}
	if name, ok := l.finalized[payload.OfflineID]; ok {
		return "", apperr.Duplicate("submit draft", name)
	}
	if name, ok := l.drafts[payload.OfflineID]; ok {
		return name, nil
	}
	l.seq++
	name := fmt.Sprintf("SINV-%06d", l.seq)
	l.drafts[payload.OfflineID] = name
	return name, nil
}

func (l *memLedger) Finalize(ctx context.Context, ref string, payment models.PaymentData) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for offlineID, name := range l.drafts {
		if name == ref {
			l.finalized[offlineID] = name
			delete(l.drafts, offlineID)
			return name, nil
		}
	}
	for _, name := range l.finalized {
		if name == ref {
			return name, nil
		}
	}
	return "", apperr.Validation("finalize", "invoice %s not found", ref)
}

func (l *memLedger) CheckOfflineIDSynced(ctx context.Context, offlineID string) (models.SyncState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if name, ok := l.finalized[offlineID]; ok && !l.hideSynced {
		return models.SyncState{Synced: true, Ref: name}, nil
	}
	return models.SyncState{}, nil
}

func (l *memLedger) submitCount(offlineID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submits[offlineID]
}

type switchConn struct {
	online atomic.Bool
}

func (s *switchConn) Online() bool { return s.online.Load() }

func (s *switchConn) SetOffline(error) { s.online.Store(false) }

type fixture struct {
	coord  *Coordinator
	queue  *queue.Queue
	ledger *memLedger
	conn   *switchConn
	bus    *events.Bus
}

func newFixture(t *testing.T, maxRetries int, cfg Config) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "pos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		ledger: newMemLedger(),
		conn:   &switchConn{},
		bus:    events.NewBus(),
	}
	f.conn.online.Store(true)
	f.queue = queue.New(db, f.bus, nil, queue.Config{MaxRetries: maxRetries, Retention: time.Hour})
	if cfg.InProgressDelay == 0 {
		cfg.InProgressDelay = time.Millisecond
	}
	f.coord = New(f.queue, f.ledger, f.conn, f.bus, NewMetrics(prometheus.NewRegistry()), nil, cfg)
	return f
}

func (f *fixture) enqueue(t *testing.T, offlineIDs ...string) {
	t.Helper()
	for _, id := range offlineIDs {
		_, err := f.queue.Enqueue(context.Background(), models.InvoicePayload{
			OfflineID:  id,
			TerminalID: "POS-01",
			Items:      []models.InvoiceItem{{ItemCode: "A", UOM: "Nos", Qty: decimal.NewFromInt(1)}},
			Payments:   []models.Payment{{Mode: "Cash", Amount: decimal.NewFromInt(50)}},
			GrandTotal: decimal.NewFromInt(50),
			PaidAmount: decimal.NewFromInt(50),
		})
		require.NoError(t, err)
	}
}

func TestOfflineTransactionDrainsOnReconnect(t *testing.T) {
	f := newFixture(t, 3, Config{})
	ctx := context.Background()

	f.conn.online.Store(false)
	f.enqueue(t, "off-1")

	count, err := f.queue.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	_, err = f.coord.Sync(ctx, TriggerManual)
	require.ErrorIs(t, err, ErrOffline)

	f.conn.online.Store(true)
	res, err := f.coord.Sync(ctx, TriggerReconnect)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)
	require.Zero(t, res.Pending)

	count, err = f.queue.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	tx, err := f.queue.Get(ctx, "off-1")
	require.NoError(t, err)
	require.True(t, tx.Synced)
	require.Equal(t, "SINV-000001", tx.ServerRef)
}

func TestConcurrentSyncRecordsOnce(t *testing.T) {
	f := newFixture(t, 3, Config{})
	f.enqueue(t, "off-1", "off-2", "off-3")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.Sync(context.Background(), TriggerManual)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, id := range []string{"off-1", "off-2", "off-3"} {
		require.Equal(t, 1, f.ledger.submitCount(id), id)
	}
	require.Len(t, f.ledger.finalized, 3)
	require.False(t, f.coord.Running())
}

func TestTriggerDuringRunMakesOneMorePass(t *testing.T) {
	f := newFixture(t, 3, Config{})
	f.ledger.block = make(chan struct{})
	f.ledger.started = make(chan string, 4)
	f.enqueue(t, "off-1")
	ctx := context.Background()

	first := make(chan Result, 1)
	go func() {
		res, err := f.coord.Sync(ctx, TriggerManual)
		assert.NoError(t, err)
		first <- res
	}()
	require.Equal(t, "off-1", <-f.ledger.started)

	f.enqueue(t, "off-2")
	second := make(chan Result, 1)
	go func() {
		res, err := f.coord.Sync(ctx, TriggerManual)
		assert.NoError(t, err)
		second <- res
	}()
	require.Eventually(t, func() bool {
		f.coord.mu.Lock()
		defer f.coord.mu.Unlock()
		return f.coord.rerun
	}, time.Second, time.Millisecond)

	close(f.ledger.block)

	res := <-first
	require.Equal(t, 2, res.Passes)
	require.Equal(t, 2, res.Synced)
	require.Equal(t, res, <-second)
}

func TestAlreadyRecordedSelfHeals(t *testing.T) {
	f := newFixture(t, 3, Config{})
	ctx := context.Background()
	f.ledger.finalized["off-1"] = "SINV-000099"
	f.enqueue(t, "off-1")

	res, err := f.coord.Sync(ctx, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)
	require.Zero(t, f.ledger.submitCount("off-1"), "the pre-check skips submission")

	tx, err := f.queue.Get(ctx, "off-1")
	require.NoError(t, err)
	require.Equal(t, "SINV-000099", tx.ServerRef)
}

func TestDuplicateResponseCountsAsSynced(t *testing.T) {
	f := newFixture(t, 3, Config{})
	ctx := context.Background()
	f.ledger.finalized["off-1"] = "SINV-000099"
	f.ledger.hideSynced = true
	f.enqueue(t, "off-1")

	res, err := f.coord.Sync(ctx, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)
	require.Equal(t, 1, f.ledger.submitCount("off-1"))

	tx, err := f.queue.Get(ctx, "off-1")
	require.NoError(t, err)
	require.Equal(t, "SINV-000099", tx.ServerRef)
	require.Zero(t, tx.RetryCount)
}

func TestInProgressRetriesInPlace(t *testing.T) {
	f := newFixture(t, 3, Config{InProgressAttempts: 3})
	ctx := context.Background()
	f.ledger.submitErr = func(offlineID string, call int) error {
		if offlineID == "off-busy" || call < 3 {
			return apperr.SyncInProgress("submit draft", errors.New("row locked"))
		}
		return nil
	}
	f.enqueue(t, "off-1", "off-busy")

	res, err := f.coord.Sync(ctx, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)
	require.Equal(t, 1, res.Deferred)
	require.Equal(t, 3, f.ledger.submitCount("off-1"))
	require.Equal(t, 3, f.ledger.submitCount("off-busy"))

	busy, err := f.queue.Get(ctx, "off-busy")
	require.NoError(t, err)
	require.Equal(t, models.OfflineStatusPending, busy.Status)
	require.Zero(t, busy.RetryCount, "contention is not a failure")
	require.NotEmpty(t, busy.LastError)
}

func TestFailuresGoDeadAfterMaxRetries(t *testing.T) {
	f := newFixture(t, 2, Config{})
	ctx := context.Background()
	f.ledger.submitErr = func(offlineID string, call int) error {
		if offlineID == "off-denied" {
			return apperr.New(apperr.KindPermission, "submit draft", errors.New("denied"))
		}
		return apperr.Validation("submit draft", "customer %s does not exist", "Ghost")
	}
	f.enqueue(t, "off-1", "off-denied")

	res, err := f.coord.Sync(ctx, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 1, res.Dead)

	res, err = f.coord.Sync(ctx, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, res.Dead)
	require.Zero(t, res.Pending)

	dead, err := f.queue.CountDead(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, dead)
	require.Equal(t, 2, f.ledger.submitCount("off-1"))
	require.Equal(t, 1, f.ledger.submitCount("off-denied"))

	res, err = f.coord.Sync(ctx, TriggerManual)
	require.NoError(t, err)
	require.Zero(t, res.Failed+res.Dead, "dead transactions wait for an operator")
}

func TestNetworkFailureAbortsRun(t *testing.T) {
	f := newFixture(t, 3, Config{})
	ctx := context.Background()
	f.ledger.submitErr = func(string, int) error {
		return apperr.Network("submit draft", errors.New("connection refused"))
	}
	f.enqueue(t, "off-1", "off-2")

	res, err := f.coord.Sync(ctx, TriggerManual)
	require.NoError(t, err)
	require.True(t, res.Offline)
	require.False(t, f.conn.Online())
	require.EqualValues(t, 2, res.Pending)
	require.Equal(t, 1, f.ledger.submitCount("off-1")+f.ledger.submitCount("off-2"))

	pending, err := f.queue.Pending(ctx, 0)
	require.NoError(t, err)
	for _, tx := range pending {
		require.Zero(t, tx.RetryCount)
	}
}

func TestSyncEmitsSummaryAndMetrics(t *testing.T) {
	f := newFixture(t, 3, Config{})
	f.enqueue(t, "off-1")

	var summaries []events.SyncSummary
	events.On(f.bus, events.SyncCompleted, func(s events.SyncSummary) {
		summaries = append(summaries, s)
	})

	_, err := f.coord.Sync(context.Background(), TriggerManual)
	require.NoError(t, err)

	require.Equal(t, []events.SyncSummary{{Trigger: TriggerManual, Synced: 1}}, summaries)
	require.Equal(t, 1.0, testutil.ToFloat64(f.coord.metrics.runs.WithLabelValues(TriggerManual)))
	require.Equal(t, 1.0, testutil.ToFloat64(f.coord.metrics.transactions.WithLabelValues(string(outcomeSynced))))
	require.Equal(t, 0.0, testutil.ToFloat64(f.coord.metrics.depth))
}

func TestStartSyncsOnReconnectAndStops(t *testing.T) {
	f := newFixture(t, 3, Config{Interval: time.Hour})
	ctx := context.Background()
	f.conn.online.Store(false)
	f.enqueue(t, "off-1")

	f.coord.Start(ctx)

	f.conn.online.Store(true)
	events.Emit(f.bus, events.ConnectivityChanged, events.ConnectivityChange{Online: true})

	require.Eventually(t, func() bool {
		count, err := f.queue.Count(ctx)
		return err == nil && count == 0
	}, 2*time.Second, 5*time.Millisecond)

	f.coord.Stop()
	require.Zero(t, f.bus.Count(events.KindConnectivityChanged))
}

func TestRecoversInterruptedSync(t *testing.T) {
	f := newFixture(t, 3, Config{})
	ctx := context.Background()
	f.enqueue(t, "off-1")

	tx, err := f.queue.Get(ctx, "off-1")
	require.NoError(t, err)
	require.NoError(t, f.queue.MarkSyncing(ctx, tx))

	res, err := f.coord.Sync(ctx, TriggerStartup)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)

	f.enqueue(t, "off-2")
	tx, err = f.queue.Get(ctx, "off-2")
	require.NoError(t, err)
	require.NoError(t, f.queue.MarkSyncing(ctx, tx))

	res, err = f.coord.Sync(ctx, TriggerPeriodic)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced, "every run recovers rows left in syncing")
}

// tailQueue calls onCount the first time a run reads the queue depth.
type tailQueue struct {
	*queue.Queue
	once    sync.Once
	onCount func()
}

func (q *tailQueue) Count(ctx context.Context) (int64, error) {
	q.once.Do(q.onCount)
	return q.Queue.Count(ctx)
}

func TestTriggerWhileReportingGetsAPass(t *testing.T) {
	f := newFixture(t, 3, Config{})
	ctx := context.Background()
	f.enqueue(t, "off-1")

	second := make(chan error, 1)
	f.coord.queue = &tailQueue{Queue: f.queue, onCount: func() {
		go func() {
			_, err := f.coord.Sync(ctx, TriggerReconnect)
			second <- err
		}()
		require.Eventually(t, func() bool {
			f.coord.mu.Lock()
			defer f.coord.mu.Unlock()
			return f.coord.rerun
		}, time.Second, time.Millisecond)
		f.enqueue(t, "off-2")
	}}

	res, err := f.coord.Sync(ctx, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 2, res.Passes)
	require.Equal(t, 2, res.Synced)
	require.Zero(t, res.Pending)
	require.NoError(t, <-second)

	tx, err := f.queue.Get(ctx, "off-2")
	require.NoError(t, err)
	require.True(t, tx.Synced)
	require.False(t, f.coord.Running())
}

// stallLedger holds the ledger check open until the caller's context ends.
type stallLedger struct {
	*memLedger
}

func (l stallLedger) CheckOfflineIDSynced(ctx context.Context, offlineID string) (models.SyncState, error) {
	<-ctx.Done()
	return models.SyncState{}, ctx.Err()
}

func TestCancelledSyncRequeuesWithoutRetry(t *testing.T) {
	tests := []struct {
		name string
		ctx  func() (context.Context, context.CancelFunc)
		want error
	}{
		{
			name: "cancelled",
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				time.AfterFunc(20*time.Millisecond, cancel)
				return ctx, cancel
			},
			want: context.Canceled,
		},
		{
			name: "deadline",
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 20*time.Millisecond)
			},
			want: context.DeadlineExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1, Config{})
			f.coord.ledger = stallLedger{f.ledger}
			f.enqueue(t, "off-1")

			ctx, cancel := tt.ctx()
			defer cancel()
			_, err := f.coord.Sync(ctx, TriggerManual)
			require.ErrorIs(t, err, tt.want)
			require.True(t, f.conn.Online(), "an expired caller context is not a lost connection")

			tx, err := f.queue.Get(context.Background(), "off-1")
			require.NoError(t, err)
			require.Equal(t, models.OfflineStatusPending, tx.Status)
			require.Zero(t, tx.RetryCount)

			f.coord.ledger = f.ledger
			res, err := f.coord.Sync(context.Background(), TriggerManual)
			require.NoError(t, err)
			require.Equal(t, 1, res.Synced)
		})
	}
}

func TestPassDrainsBeyondOneBatch(t *testing.T) {
	f := newFixture(t, 3, Config{BatchSize: 2})
	f.enqueue(t, "off-1", "off-2", "off-3")

	res, err := f.coord.Sync(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 1, res.Passes)
	require.Equal(t, 3, res.Synced)
	require.Zero(t, res.Pending)
}

func TestPassAttemptsEachTransactionOnce(t *testing.T) {
	f := newFixture(t, 5, Config{BatchSize: 1})
	f.ledger.submitErr = func(offlineID string, call int) error {
		if offlineID == "off-bad" {
			return apperr.Validation("submit draft", "customer %s does not exist", "Ghost")
		}
		return nil
	}
	f.enqueue(t, "off-bad", "off-1", "off-2")

	res, err := f.coord.Sync(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.Equal(t, 2, res.Synced)
	require.Equal(t, 1, res.Failed)
	require.EqualValues(t, 1, res.Pending)
	require.Equal(t, 1, f.ledger.submitCount("off-bad"))
}
