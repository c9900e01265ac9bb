package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/safar/pos-core/internal/apperr"
	"github.com/safar/pos-core/internal/config"
	"github.com/safar/pos-core/internal/models"
	"github.com/safar/pos-core/internal/stock"
	"github.com/safar/pos-core/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	reachable atomic.Bool

	mu        sync.Mutex
	drafts    map[string]models.InvoicePayload
	finalized map[string]string
	stock     map[string]decimal.Decimal
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		drafts:    make(map[string]models.InvoicePayload),
		finalized: make(map[string]string),
		stock:     make(map[string]decimal.Decimal),
	}
}

func (l *fakeLedger) check(op string) error {
	if !l.reachable.Load() {
		return apperr.Network(op, errors.New("connection refused"))
	}
	return nil
}

func (l *fakeLedger) Ping(ctx context.Context) error {
	return l.check("ping")
}

func (l *fakeLedger) SubmitDraft(ctx context.Context, payload models.InvoicePayload) (string, error) {
	if err := l.check("submit draft"); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ref := fmt.Sprintf("DRAFT-%d", len(l.drafts)+1)
	l.drafts[ref] = payload
	return ref, nil
}

func (l *fakeLedger) Finalize(ctx context.Context, ref string, payment models.PaymentData) (string, error) {
	if err := l.check("finalize"); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	payload, ok := l.drafts[ref]
	if !ok {
		return "", apperr.Validation("finalize", "unknown draft %s", ref)
	}
	name := "SINV-" + ref
	l.finalized[payload.OfflineID] = name
	return name, nil
}

func (l *fakeLedger) CheckOfflineIDSynced(ctx context.Context, offlineID string) (models.SyncState, error) {
	if err := l.check("check offline id"); err != nil {
		return models.SyncState{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	name, ok := l.finalized[offlineID]
	return models.SyncState{Synced: ok, Ref: name}, nil
}

func (l *fakeLedger) GetStockQuantities(ctx context.Context, itemCodes []string, warehouse string) ([]models.StockQuantity, error) {
	if err := l.check("get stock"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []models.StockQuantity
	for _, code := range itemCodes {
		if qty, ok := l.stock[code]; ok {
			out = append(out, models.StockQuantity{ItemCode: code, Warehouse: warehouse, Qty: qty})
		}
	}
	return out, nil
}

func (l *fakeLedger) finalizedRef(offlineID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finalized[offlineID]
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		TerminalID:  "POS-01",
		Warehouse:   "Stores",
		LocalDBPath: filepath.Join(t.TempDir(), "pos.db"),
		Redis:       config.RedisConfig{StockChannel: "pos:stock"},
		Sync: config.SyncConfig{
			MaxRetries:         3,
			InProgressDelay:    10 * time.Millisecond,
			InProgressAttempts: 2,
			Retention:          time.Hour,
			MaxPasses:          3,
		},
		Stock: config.StockConfig{RefreshTimeout: time.Second},
		Probe: config.ProbeConfig{Timeout: 100 * time.Millisecond, Interval: 50 * time.Millisecond},
	}
}

func newTestTerminal(t *testing.T, cfg *config.Config, l *fakeLedger, rdb redis.UniversalClient) *Terminal {
	t.Helper()
	local, err := store.Open(cfg.LocalDBPath)
	require.NoError(t, err)

	term, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), Deps{
		Local:  local,
		Ledger: l,
		Redis:  rdb,
	})
	require.NoError(t, err)
	t.Cleanup(func() { term.Close() })
	return term
}

func sellOne(t *testing.T, term *Terminal) string {
	t.Helper()
	ctx := context.Background()

	c := term.NewCart()
	require.NoError(t, c.AddItem(ctx, models.Item{
		ItemCode:      "A",
		ItemName:      "A",
		UOM:           "Nos",
		PriceListRate: decimal.NewFromInt(100),
		TaxRate:       decimal.NewFromInt(5),
	}, decimal.NewFromInt(1)))
	require.NoError(t, c.AddPayment("Cash", decimal.NewFromInt(110)))

	res, err := c.Submit(ctx)
	require.NoError(t, err)
	require.True(t, res.Queued)
	return res.OfflineID
}

func TestOfflineSaleDrainsAfterReconnect(t *testing.T) {
	ctx := context.Background()
	l := newFakeLedger()
	term := newTestTerminal(t, testConfig(t), l, nil)

	term.Start(ctx)
	require.False(t, term.Probe.Online())

	offlineID := sellOne(t, term)

	n, err := term.Queue.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	l.reachable.Store(true)

	require.Eventually(t, func() bool {
		n, err := term.Queue.Count(ctx)
		return err == nil && n == 0
	}, 5*time.Second, 20*time.Millisecond)

	tx, err := term.Queue.Get(ctx, offlineID)
	require.NoError(t, err)
	require.Equal(t, models.OfflineStatusSynced, tx.Status)
	require.Equal(t, l.finalizedRef(offlineID), tx.ServerRef)

	require.Eventually(t, func() bool {
		_, ok, err := term.Settings.Get(ctx, SettingLastSync)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSettingsDriveNewCarts(t *testing.T) {
	ctx := context.Background()
	term := newTestTerminal(t, testConfig(t), newFakeLedger(), nil)

	require.False(t, term.NewCart().TaxInclusive())

	require.NoError(t, term.Settings.Set(ctx, SettingTaxInclusive, "true"))
	require.NoError(t, term.Settings.Set(ctx, SettingWarehouse, "Back Store"))

	require.True(t, term.NewCart().TaxInclusive())
	require.Equal(t, "Back Store", term.Warehouse())

	err := term.Settings.Set(ctx, SettingTaxInclusive, "sometimes")
	require.True(t, apperr.Is(err, apperr.KindValidation))
	err = term.Settings.Set(ctx, "printer", "on")
	require.True(t, apperr.Is(err, apperr.KindValidation))

	all, err := term.Settings.All(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		SettingTaxInclusive: "true",
		SettingWarehouse:    "Back Store",
	}, all)
}

func TestSettingsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	local, err := store.Open(cfg.LocalDBPath)
	require.NoError(t, err)
	require.NoError(t, NewSettings(local, nil).Set(ctx, SettingTaxInclusive, "true"))
	require.NoError(t, local.Close())

	term := newTestTerminal(t, cfg, newFakeLedger(), nil)
	require.True(t, term.TaxInclusive())
}

func TestStockFeedAndRefresh(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	l := newFakeLedger()
	l.reachable.Store(true)
	l.stock["B"] = decimal.NewFromInt(4)

	cfg := testConfig(t)
	term := newTestTerminal(t, cfg, l, rdb)
	term.Start(ctx)

	require.Eventually(t, func() bool {
		err := stock.Publish(ctx, rdb, cfg.Redis.StockChannel,
			models.StockQuantity{ItemCode: "A", Warehouse: "Stores", Qty: decimal.NewFromInt(7)})
		return err == nil && term.Stock.DisplayStock("A").Equal(decimal.NewFromInt(7))
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, term.Probe.Online, 2*time.Second, 20*time.Millisecond)
	require.NoError(t, term.RefreshStock(ctx, []string{"B"}))
	require.True(t, term.Stock.DisplayStock("B").Equal(decimal.NewFromInt(4)))
}

func TestHandlerServesHealth(t *testing.T) {
	term := newTestTerminal(t, testConfig(t), newFakeLedger(), nil)

	rr := httptest.NewRecorder()
	term.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"online":false,"pending":0,"dead":0}`, rr.Body.String())

	rr = httptest.NewRecorder()
	term.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "go_goroutines")
}
