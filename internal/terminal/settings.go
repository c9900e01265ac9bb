package terminal

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/safar/pos-core/internal/apperr"
	"github.com/safar/pos-core/internal/events"
	"github.com/safar/pos-core/internal/store"
)

const (
	SettingTaxInclusive = "tax_inclusive"
	SettingWarehouse    = "warehouse"
	SettingLastSync     = "last_sync_at"
)

// Settings is the terminal's key-value configuration persisted in the local
// store. Every successful write emits SettingsChanged.
type Settings struct {
	db  *sql.DB
	bus *events.Bus
	now func() time.Time
}

func NewSettings(db *sql.DB, bus *events.Bus) *Settings {
	return &Settings{db: db, bus: bus, now: time.Now}
}

// Get returns the stored value and whether it was set.
func (s *Settings) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := store.GetSetting(ctx, s.db, key)
	if errors.Is(err, store.ErrSettingNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *Settings) Set(ctx context.Context, key, value string) error {
	if err := validateSetting(key, value); err != nil {
		return err
	}
	if err := store.PutSetting(ctx, s.db, key, value, s.now()); err != nil {
		return err
	}
	events.Emit(s.bus, events.SettingsChanged, events.SettingsChange{Key: key, Value: value})
	return nil
}

func (s *Settings) All(ctx context.Context) (map[string]string, error) {
	return store.ListSettings(ctx, s.db)
}

func validateSetting(key, value string) error {
	const op = "set setting"

	switch key {
	case SettingTaxInclusive:
		if _, err := strconv.ParseBool(value); err != nil {
			return apperr.Validation(op, "%s must be true or false, got %q", key, value)
		}
	case SettingWarehouse:
		if value == "" {
			return apperr.Validation(op, "%s must not be empty", key)
		}
	case SettingLastSync:
		if _, err := time.Parse(time.RFC3339, value); err != nil {
			return apperr.Validation(op, "%s must be an RFC 3339 time, got %q", key, value)
		}
	default:
		return apperr.Validation(op, "unknown setting %q", key)
	}
	return nil
}
