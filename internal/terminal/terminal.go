// Package terminal assembles the services of one POS terminal and owns their
// lifecycle.
package terminal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/safar/pos-core/internal/admin"
	"github.com/safar/pos-core/internal/apperr"
	"github.com/safar/pos-core/internal/cart"
	"github.com/safar/pos-core/internal/config"
	"github.com/safar/pos-core/internal/connectivity"
	"github.com/safar/pos-core/internal/database"
	"github.com/safar/pos-core/internal/events"
	"github.com/safar/pos-core/internal/idgen"
	"github.com/safar/pos-core/internal/ledger"
	"github.com/safar/pos-core/internal/models"
	"github.com/safar/pos-core/internal/offers"
	"github.com/safar/pos-core/internal/pricing"
	"github.com/safar/pos-core/internal/queue"
	"github.com/safar/pos-core/internal/stock"
	"github.com/safar/pos-core/internal/store"
	"github.com/safar/pos-core/internal/syncer"
)

// Ledger is everything the terminal needs from the remote ledger.
type Ledger interface {
	SubmitDraft(ctx context.Context, payload models.InvoicePayload) (string, error)
	Finalize(ctx context.Context, ref string, payment models.PaymentData) (string, error)
	CheckOfflineIDSynced(ctx context.Context, offlineID string) (models.SyncState, error)
	GetStockQuantities(ctx context.Context, itemCodes []string, warehouse string) ([]models.StockQuantity, error)
	Ping(ctx context.Context) error
}

type Deps struct {
	Local   *sql.DB
	Ledger  Ledger
	Catalog *offers.Catalog
	// Redis is optional. Without it stock is only refreshed on demand.
	Redis redis.UniversalClient
}

type Terminal struct {
	cfg    *config.Config
	logger *slog.Logger

	Bus      *events.Bus
	Settings *Settings
	Queue    *queue.Queue
	Stock    *stock.Service
	Catalog  *offers.Catalog
	Pricer   *pricing.Engine
	Probe    *connectivity.Probe
	Syncer   *syncer.Coordinator
	Registry *prometheus.Registry

	local  *sql.DB
	remote *sql.DB
	ledger Ledger
	redis  redis.UniversalClient
	ids    *idgen.Generator

	mu           sync.RWMutex
	taxInclusive bool
	warehouse    string

	unsubscribe []func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// Open connects the local store, the remote ledger and Redis described by cfg
// and builds a Terminal over them. An unreachable ledger is not an error: the
// terminal starts offline.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Terminal, error) {
	local, err := store.Open(cfg.LocalDBPath)
	if err != nil {
		return nil, err
	}

	remote, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		if remote == nil || !apperr.Is(err, apperr.KindNetwork) {
			local.Close()
			if remote != nil {
				remote.Close()
			}
			return nil, fmt.Errorf("connect ledger: %w", err)
		}
		logger.Warn("ledger unreachable, starting offline", slog.String("error", err.Error()))
	}

	catalog, err := offers.LoadCatalog(cfg.OffersFile)
	if err != nil {
		local.Close()
		remote.Close()
		return nil, err
	}

	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	}

	t, err := New(cfg, logger, Deps{
		Local:   local,
		Ledger:  ledger.New(remote),
		Catalog: catalog,
		Redis:   rdb,
	})
	if err != nil {
		local.Close()
		remote.Close()
		return nil, err
	}
	t.remote = remote
	return t, nil
}

func New(cfg *config.Config, logger *slog.Logger, deps Deps) (*Terminal, error) {
	if deps.Local == nil || deps.Ledger == nil {
		return nil, errors.New("terminal: local store and ledger are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	catalog := deps.Catalog
	if catalog == nil {
		var err error
		if catalog, err = offers.NewCatalog(nil); err != nil {
			return nil, err
		}
	}

	bus := events.NewBus()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	q := queue.New(deps.Local, bus, logger, queue.Config{
		MaxRetries: cfg.Sync.MaxRetries,
		Retention:  cfg.Sync.Retention,
	})
	probe := connectivity.NewProbe(deps.Ledger, bus, logger, connectivity.Config{
		Timeout:     cfg.Probe.Timeout,
		MinInterval: time.Second,
	})

	t := &Terminal{
		cfg:      cfg,
		logger:   logger,
		Bus:      bus,
		Settings: NewSettings(deps.Local, bus),
		Queue:    q,
		Stock: stock.NewService(deps.Ledger, bus, logger, stock.ServiceConfig{
			Warehouse:      cfg.Warehouse,
			RefreshTimeout: cfg.Stock.RefreshTimeout,
		}),
		Catalog: catalog,
		Pricer:  pricing.NewEngine(catalog),
		Probe:   probe,
		Syncer: syncer.New(q, deps.Ledger, probe, bus, syncer.NewMetrics(registry), logger, syncer.Config{
			Interval:           cfg.Sync.Interval,
			InProgressDelay:    cfg.Sync.InProgressDelay,
			InProgressAttempts: cfg.Sync.InProgressAttempts,
			MaxPasses:          cfg.Sync.MaxPasses,
		}),
		Registry:     registry,
		local:        deps.Local,
		ledger:       deps.Ledger,
		redis:        deps.Redis,
		ids:          idgen.New(cfg.TerminalID),
		taxInclusive: cfg.TaxInclusive,
		warehouse:    cfg.Warehouse,
	}

	if err := t.loadSettings(context.Background()); err != nil {
		return nil, err
	}

	t.unsubscribe = append(t.unsubscribe,
		events.On(bus, events.SettingsChanged, t.applySetting),
		events.On(bus, events.SyncCompleted, t.recordSync),
	)

	return t, nil
}

func (t *Terminal) loadSettings(ctx context.Context) error {
	settings, err := t.Settings.All(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	for key, value := range settings {
		t.applySetting(events.SettingsChange{Key: key, Value: value})
	}
	return nil
}

func (t *Terminal) applySetting(change events.SettingsChange) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch change.Key {
	case SettingTaxInclusive:
		if v, err := strconv.ParseBool(change.Value); err == nil {
			t.taxInclusive = v
		}
	case SettingWarehouse:
		if change.Value != "" {
			t.warehouse = change.Value
		}
	}
}

func (t *Terminal) recordSync(summary events.SyncSummary) {
	if summary.Synced == 0 {
		return
	}
	err := t.Settings.Set(context.Background(), SettingLastSync, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		t.logger.Warn("record last sync time", slog.String("error", err.Error()))
	}
}

func (t *Terminal) TaxInclusive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.taxInclusive
}

func (t *Terminal) Warehouse() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.warehouse
}

// NewCart starts a sale with the terminal's current settings.
func (t *Terminal) NewCart() *cart.Cart {
	return cart.New(cart.Config{
		TerminalID:         t.cfg.TerminalID,
		Warehouse:          t.Warehouse(),
		TaxInclusive:       t.TaxInclusive(),
		AllowNegativeStock: t.cfg.Stock.AllowNegative,
	}, cart.Deps{
		Stock:        t.Stock,
		Catalog:      t.Catalog,
		Pricer:       t.Pricer,
		Ledger:       t.ledger,
		Queue:        t.Queue,
		Connectivity: t.Probe,
		IDs:          t.ids,
		Logger:       t.logger,
	})
}

// RefreshStock reloads server quantities for codes. Offline it is a no-op.
func (t *Terminal) RefreshStock(ctx context.Context, codes []string) error {
	if !t.Probe.Online() {
		return nil
	}
	err := t.Stock.Refresh(ctx, codes, t.Warehouse())
	if apperr.Is(err, apperr.KindNetwork) {
		t.Probe.SetOffline(err)
	}
	return err
}

func (t *Terminal) Handler() http.Handler {
	return admin.NewRouter(admin.Deps{
		Queue:        t.Queue,
		Syncer:       t.Syncer,
		Connectivity: t.Probe,
		Stock:        t.Stock,
		Metrics:      promhttp.HandlerFor(t.Registry, promhttp.HandlerOpts{}),
		Logger:       t.logger,
	})
}

// Start launches the background work: connectivity probing, periodic and
// reconnect syncs, the stock feed and one startup sync.
func (t *Terminal) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.Syncer.Start(ctx)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if t.Probe.Check(ctx) {
			t.startupSync(ctx)
		}
		if t.cfg.Probe.Interval > 0 {
			t.Probe.Run(ctx, t.cfg.Probe.Interval)
		}
	}()

	if t.redis != nil {
		feed := stock.NewFeed(t.redis, t.cfg.Redis.StockChannel, t.Stock, t.logger)
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := feed.Run(ctx); err != nil {
				t.logger.Warn("stock feed stopped", slog.String("error", err.Error()))
			}
		}()
	}
}

func (t *Terminal) startupSync(ctx context.Context) {
	_, err := t.Syncer.Sync(ctx, syncer.TriggerStartup)
	if err != nil && !errors.Is(err, syncer.ErrOffline) {
		t.logger.Error("startup sync failed", slog.String("error", err.Error()))
	}
}

// Serve runs the admin API on addr until ctx is done.
func (t *Terminal) Serve(ctx context.Context) error {
	server := admin.NewServer(t.cfg.Admin.Addr, t.Handler(), t.cfg.Admin.ReadTimeout, t.cfg.Admin.WriteTimeout)

	errCh := make(chan error, 1)
	go func() {
		t.logger.Info("admin api listening", slog.String("addr", t.cfg.Admin.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("admin api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin api shutdown: %w", err)
	}
	return nil
}

// Close stops background work and releases connections.
func (t *Terminal) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.Syncer.Stop()
	t.wg.Wait()

	for _, unsubscribe := range t.unsubscribe {
		unsubscribe()
	}

	var errs []error
	if t.redis != nil {
		errs = append(errs, t.redis.Close())
	}
	if t.remote != nil {
		errs = append(errs, t.remote.Close())
	}
	errs = append(errs, t.local.Close())
	return errors.Join(errs...)
}
