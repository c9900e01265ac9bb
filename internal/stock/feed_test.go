package stock

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/safar/pos-core/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestDecodeUpdates(t *testing.T) {
	updates, err := decodeUpdates([]byte(`{"item_code":"A","warehouse":"Stores","qty":"7.5"}`))
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.True(t, updates[0].Qty.Equal(decimal.RequireFromString("7.5")))

	updates, err = decodeUpdates([]byte(` [{"item_code":"A","qty":1},{"item_code":"B","qty":2}]`))
	require.NoError(t, err)
	require.Len(t, updates, 2)

	_, err = decodeUpdates([]byte(`{"qty":1}`))
	require.Error(t, err)

	_, err = decodeUpdates([]byte(`not json`))
	require.Error(t, err)

	_, err = decodeUpdates(nil)
	require.Error(t, err)
}

func TestFeedAppliesPublishedUpdates(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	svc := newTestService(newFakeFetcher(), time.Second)
	svc.Reserve([]models.LineItem{cartLine("A", "Nos", 2, 1)})

	feed := NewFeed(client, "pos:stock", svc, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	require.Eventually(t, func() bool {
		err := Publish(context.Background(), client, "pos:stock",
			models.StockQuantity{ItemCode: "A", Warehouse: "Stores", Qty: qty(9)})
		if err != nil {
			return false
		}
		_, known := svc.Lookup("A")
		return known
	}, 2*time.Second, 20*time.Millisecond)

	require.True(t, svc.DisplayStock("A").Equal(qty(7)))
	require.True(t, svc.Reserved()["A"].Equal(qty(2)))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop after cancel")
	}
}
