package stock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/safar/pos-core/internal/apperr"
	"github.com/safar/pos-core/internal/events"
	"github.com/safar/pos-core/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu         sync.Mutex
	quantities map[string]decimal.Decimal
	err        error
	calls      atomic.Int32
	started    chan struct{}
	release    chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{quantities: make(map[string]decimal.Decimal)}
}

func (f *fakeFetcher) GetStockQuantities(ctx context.Context, codes []string, warehouse string) ([]models.StockQuantity, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []models.StockQuantity
	for _, code := range codes {
		if qty, ok := f.quantities[code]; ok {
			out = append(out, models.StockQuantity{ItemCode: code, Warehouse: warehouse, Qty: qty})
		}
	}
	return out, nil
}

func qty(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}

func cartLine(code, uom string, q, cf int64) models.LineItem {
	return models.LineItem{ItemCode: code, UOM: uom, Qty: qty(q), ConversionFactor: qty(cf)}
}

func newTestService(f Fetcher, timeout time.Duration) *Service {
	return NewService(f, events.NewBus(), nil, ServiceConfig{Warehouse: "Stores", RefreshTimeout: timeout})
}

func TestReserveSumsConversionFactors(t *testing.T) {
	svc := newTestService(newFakeFetcher(), time.Second)
	svc.Init([]models.StockQuantity{{ItemCode: "A", Qty: qty(30)}})

	lines := []models.LineItem{
		cartLine("A", "Nos", 2, 1),
		cartLine("A", "Box", 1, 12),
		cartLine("B", "Nos", 3, 0),
	}

	first := svc.Reserve(lines)
	second := svc.Reserve(lines)

	require.True(t, first["A"].Equal(qty(14)))
	require.True(t, first["B"].Equal(qty(3)))
	require.Len(t, second, len(first))
	for code, q := range first {
		require.True(t, q.Equal(second[code]), code)
	}
	require.True(t, svc.DisplayStock("A").Equal(qty(16)))

	entry, known := svc.Lookup("B")
	require.False(t, known)
	require.True(t, entry.DisplayQty().Equal(qty(-3)))
}

func TestReserveReleasesRemovedItems(t *testing.T) {
	svc := newTestService(newFakeFetcher(), time.Second)
	svc.Init([]models.StockQuantity{{ItemCode: "A", Qty: qty(5)}})

	svc.Reserve([]models.LineItem{cartLine("A", "Nos", 2, 1)})
	require.True(t, svc.DisplayStock("A").Equal(qty(3)))

	svc.Reserve(nil)
	require.True(t, svc.DisplayStock("A").Equal(qty(5)))
	require.Empty(t, svc.Reserved())
}

func TestUpdateKeepsReservations(t *testing.T) {
	bus := events.NewBus()
	svc := NewService(newFakeFetcher(), bus, nil, ServiceConfig{Warehouse: "Stores"})

	var got []string
	events.On(bus, events.StockUpdated, func(c events.StockChange) {
		got = append(got, c.ItemCodes...)
	})

	svc.Reserve([]models.LineItem{cartLine("A", "Nos", 4, 1)})
	svc.Update([]models.StockQuantity{
		{ItemCode: "A", Warehouse: "Stores", Qty: qty(10)},
		{ItemCode: "A", Warehouse: "Other", Qty: qty(99)},
	})

	entry, known := svc.Lookup("A")
	require.True(t, known)
	require.True(t, entry.ServerQty.Equal(qty(10)))
	require.True(t, entry.ReservedQty.Equal(qty(4)))
	require.True(t, svc.DisplayStock("A").Equal(qty(6)))
	require.Equal(t, []string{"A"}, got)
}

func TestRefreshUpdatesServerQuantities(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.quantities["A"] = qty(8)
	svc := newTestService(fetcher, time.Second)

	svc.Reserve([]models.LineItem{cartLine("A", "Nos", 3, 1)})
	require.NoError(t, svc.Refresh(context.Background(), []string{"A", "A", "B"}, ""))

	entry, known := svc.Lookup("A")
	require.True(t, known)
	require.True(t, entry.ServerQty.Equal(qty(8)))
	require.True(t, entry.ReservedQty.Equal(qty(3)))
	require.True(t, svc.DisplayStock("A").Equal(qty(5)))

	_, known = svc.Lookup("B")
	require.False(t, known)
}

func TestRefreshFailureRestoresReservations(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.err = apperr.Network("get stock quantities", errors.New("connection refused"))
	svc := newTestService(fetcher, time.Second)
	svc.Init([]models.StockQuantity{{ItemCode: "A", Qty: qty(10)}})
	svc.Reserve([]models.LineItem{cartLine("A", "Nos", 2, 1)})

	err := svc.Refresh(context.Background(), []string{"A"}, "Stores")
	require.True(t, apperr.Is(err, apperr.KindNetwork))

	require.True(t, svc.Reserved()["A"].Equal(qty(2)))
	require.True(t, svc.DisplayStock("A").Equal(qty(8)))
}

func TestRefreshTimeout(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.release = make(chan struct{})
	defer close(fetcher.release)

	svc := newTestService(fetcher, 20*time.Millisecond)
	svc.Reserve([]models.LineItem{cartLine("A", "Nos", 1, 1)})

	start := time.Now()
	err := svc.Refresh(context.Background(), []string{"A"}, "Stores")
	require.True(t, apperr.Is(err, apperr.KindNetwork))
	require.Less(t, time.Since(start), time.Second)
	require.True(t, svc.Reserved()["A"].Equal(qty(1)))
}

func TestReserveDuringRefreshWins(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.quantities["A"] = qty(20)
	fetcher.started = make(chan struct{}, 1)
	fetcher.release = make(chan struct{})

	svc := newTestService(fetcher, time.Second)
	svc.Reserve([]models.LineItem{cartLine("A", "Nos", 1, 1)})

	done := make(chan error, 1)
	go func() {
		done <- svc.Refresh(context.Background(), []string{"A"}, "Stores")
	}()

	<-fetcher.started
	svc.Reserve([]models.LineItem{cartLine("A", "Nos", 5, 1), cartLine("C", "Nos", 1, 1)})
	close(fetcher.release)
	require.NoError(t, <-done)

	reserved := svc.Reserved()
	require.True(t, reserved["A"].Equal(qty(5)))
	require.True(t, reserved["C"].Equal(qty(1)))
	require.True(t, svc.DisplayStock("A").Equal(qty(15)))
}

func TestConcurrentRefreshesShareOneFetch(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.quantities["A"] = qty(3)
	fetcher.started = make(chan struct{}, 2)
	fetcher.release = make(chan struct{})

	svc := newTestService(fetcher, time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	refresh := func(codes []string) {
		defer wg.Done()
		errs <- svc.Refresh(context.Background(), codes, "Stores")
	}

	wg.Add(1)
	go refresh([]string{"A"})
	<-fetcher.started

	wg.Add(1)
	go refresh([]string{"A", ""})
	time.Sleep(50 * time.Millisecond)

	close(fetcher.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, fetcher.calls.Load())
	require.True(t, svc.DisplayStock("A").Equal(qty(3)))
}
