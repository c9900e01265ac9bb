// Package stock tracks server-known quantities against the quantities held
// by the current cart.
package stock

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/safar/pos-core/internal/apperr"
	"github.com/safar/pos-core/internal/events"
	"github.com/safar/pos-core/internal/models"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// Fetcher reads authoritative quantities from the remote ledger.
type Fetcher interface {
	GetStockQuantities(ctx context.Context, itemCodes []string, warehouse string) ([]models.StockQuantity, error)
}

type ServiceConfig struct {
	Warehouse      string
	RefreshTimeout time.Duration
}

type entry struct {
	models.StockEntry
	known bool
}

// Service is safe for concurrent use: the cart reserves from its session
// goroutine while the push feed and refreshes update server quantities.
type Service struct {
	mu         sync.Mutex
	entries    map[string]*entry
	generation uint64

	fetcher Fetcher
	group   singleflight.Group
	cfg     ServiceConfig
	bus     *events.Bus
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(fetcher Fetcher, bus *events.Bus, logger *slog.Logger, cfg ServiceConfig) *Service {
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		entries: make(map[string]*entry),
		fetcher: fetcher,
		cfg:     cfg,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *Service) entryLocked(code string) *entry {
	e, ok := s.entries[code]
	if !ok {
		e = &entry{StockEntry: models.StockEntry{ItemCode: code, Warehouse: s.cfg.Warehouse}}
		s.entries[code] = e
	}
	return e
}

// Init seeds server quantities for known items. Reservations are kept.
func (s *Service) Init(items []models.StockQuantity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, item := range items {
		s.setServerLocked(item, now)
	}
}

func (s *Service) setServerLocked(q models.StockQuantity, now time.Time) {
	e := s.entryLocked(q.ItemCode)
	e.ServerQty = q.Qty
	if q.Warehouse != "" {
		e.Warehouse = q.Warehouse
	}
	e.UpdatedAt = now
	e.known = true
}

// Reserve recomputes every reservation from lines: reserved quantity per item
// code is the sum of qty × conversion factor. Items absent from lines end up
// with nothing reserved. It returns the new reservation map.
func (s *Service) Reserve(lines []models.LineItem) map[string]decimal.Decimal {
	reserved := make(map[string]decimal.Decimal)
	for i := range lines {
		code := lines[i].ItemCode
		reserved[code] = reserved[code].Add(lines[i].StockQty())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	for code, e := range s.entries {
		e.ReservedQty = reserved[code]
	}
	for code, qty := range reserved {
		s.entryLocked(code).ReservedQty = qty
	}

	return reserved
}

// Update applies pushed server quantities. Quantities are absolute; local
// reservations are not touched.
func (s *Service) Update(updates []models.StockQuantity) {
	if len(updates) == 0 {
		return
	}

	s.mu.Lock()
	now := s.now()
	codes := make([]string, 0, len(updates))
	for _, u := range updates {
		if u.Warehouse != "" && s.cfg.Warehouse != "" && u.Warehouse != s.cfg.Warehouse {
			continue
		}
		s.setServerLocked(u, now)
		codes = append(codes, u.ItemCode)
	}
	s.mu.Unlock()

	if len(codes) > 0 {
		events.Emit(s.bus, events.StockUpdated, events.StockChange{ItemCodes: codes})
	}
}

// Refresh fetches server quantities for codes, bounded by the configured
// timeout. Reservations are snapshotted before the fetch and restored after
// it whether or not the fetch succeeded; if Reserve ran while the fetch was
// in flight its newer reservations are kept instead. Concurrent refreshes of
// the same codes share one fetch.
func (s *Service) Refresh(ctx context.Context, codes []string, warehouse string) error {
	const op = "refresh stock"

	codes = normalizeCodes(codes)
	if len(codes) == 0 {
		return nil
	}
	if warehouse == "" {
		warehouse = s.cfg.Warehouse
	}

	s.mu.Lock()
	snapshot := s.reservedLocked()
	generation := s.generation
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RefreshTimeout)
	defer cancel()

	key := warehouse + "|" + strings.Join(codes, ",")
	resultCh := s.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RefreshTimeout)
		defer cancel()
		return s.fetcher.GetStockQuantities(fetchCtx, codes, warehouse)
	})

	var (
		quantities []models.StockQuantity
		fetchErr   error
	)
	select {
	case <-ctx.Done():
		fetchErr = apperr.Network(op, ctx.Err())
	case res := <-resultCh:
		fetchErr = res.Err
		if fetchErr == nil {
			var ok bool
			if quantities, ok = res.Val.([]models.StockQuantity); !ok && res.Val != nil {
				fetchErr = fmt.Errorf("%s: unexpected result %T", op, res.Val)
			}
		}
	}

	s.mu.Lock()
	reservations := snapshot
	if s.generation != generation {
		reservations = s.reservedLocked()
	}

	var updated []string
	if fetchErr == nil {
		now := s.now()
		for _, q := range quantities {
			s.entries[q.ItemCode] = &entry{
				StockEntry: models.StockEntry{
					ItemCode:  q.ItemCode,
					Warehouse: warehouse,
					ServerQty: q.Qty,
					UpdatedAt: now,
				},
				known: true,
			}
			updated = append(updated, q.ItemCode)
		}
	}
	for code, qty := range reservations {
		s.entryLocked(code).ReservedQty = qty
	}
	s.mu.Unlock()

	if fetchErr != nil {
		s.logger.Warn("stock refresh failed",
			slog.String("warehouse", warehouse),
			slog.Int("items", len(codes)),
			slog.String("error", fetchErr.Error()))
		return fetchErr
	}

	if len(updated) > 0 {
		events.Emit(s.bus, events.StockUpdated, events.StockChange{ItemCodes: updated})
	}
	return nil
}

func (s *Service) reservedLocked() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(s.entries))
	for code, e := range s.entries {
		if !e.ReservedQty.IsZero() {
			out[code] = e.ReservedQty
		}
	}
	return out
}

// DisplayStock is server minus reserved quantity. It may be negative.
func (s *Service) DisplayStock(code string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[code]; ok {
		return e.DisplayQty()
	}
	return decimal.Zero
}

// Lookup returns the entry for code. known is false until the server has
// reported a quantity for it.
func (s *Service) Lookup(code string) (e models.StockEntry, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if en, ok := s.entries[code]; ok {
		return en.StockEntry, en.known
	}
	return models.StockEntry{ItemCode: code, Warehouse: s.cfg.Warehouse}, false
}

// Reserved returns a copy of the current reservation map.
func (s *Service) Reserved() map[string]decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reservedLocked()
}

func (s *Service) Entries() []models.StockEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.StockEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.StockEntry)
	}
	slices.SortFunc(out, func(a, b models.StockEntry) int {
		return strings.Compare(a.ItemCode, b.ItemCode)
	})
	return out
}

func normalizeCodes(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if c != "" {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
