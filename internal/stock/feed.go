package stock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/safar/pos-core/internal/models"
)

// Feed applies server stock pushes published on a Redis channel. A message is
// either one {"item_code","warehouse","qty"} object or an array of them.
type Feed struct {
	client  redis.UniversalClient
	channel string
	svc     *Service
	logger  *slog.Logger
}

func NewFeed(client redis.UniversalClient, channel string, svc *Service, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{client: client, channel: channel, svc: svc, logger: logger}
}

// Run subscribes and blocks until ctx is done or the subscription closes.
func (f *Feed) Run(ctx context.Context) error {
	sub := f.client.Subscribe(ctx, f.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("stock feed: subscribe %s: %w", f.channel, err)
	}
	f.logger.Info("stock feed subscribed", slog.String("channel", f.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.handle(msg.Payload); err != nil {
				f.logger.Warn("stock feed: dropped message",
					slog.String("channel", f.channel),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (f *Feed) handle(payload string) error {
	updates, err := decodeUpdates([]byte(payload))
	if err != nil {
		return err
	}
	f.svc.Update(updates)
	return nil
}

func decodeUpdates(data []byte) ([]models.StockQuantity, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty message")
	}

	var updates []models.StockQuantity
	if data[0] == '[' {
		if err := json.Unmarshal(data, &updates); err != nil {
			return nil, fmt.Errorf("decode updates: %w", err)
		}
	} else {
		var u models.StockQuantity
		if err := json.Unmarshal(data, &u); err != nil {
			return nil, fmt.Errorf("decode update: %w", err)
		}
		updates = append(updates, u)
	}

	for _, u := range updates {
		if u.ItemCode == "" {
			return nil, fmt.Errorf("update without item_code")
		}
	}
	return updates, nil
}

// Publish sends updates on channel in the format Feed consumes.
func Publish(ctx context.Context, client redis.UniversalClient, channel string, updates ...models.StockQuantity) error {
	data, err := json.Marshal(updates)
	if err != nil {
		return fmt.Errorf("encode updates: %w", err)
	}
	if err := client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish stock updates: %w", err)
	}
	return nil
}
