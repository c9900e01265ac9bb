package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/safar/pos-core/internal/apperr"
	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{"unique violation", &pq.Error{Code: "23505"}, apperr.KindDuplicate},
		{"lock not available", &pq.Error{Code: "55P03"}, apperr.KindSyncInProgress},
		{"insufficient privilege", &pq.Error{Code: "42501"}, apperr.KindPermission},
		{"bad password", &pq.Error{Code: "28P01"}, apperr.KindConfiguration},
		{"stock check", &pq.Error{Code: "23514", Constraint: "stock_balances_qty_check"}, apperr.KindStockInsufficient},
		{"other check", &pq.Error{Code: "23514", Constraint: "payments_amount_check"}, apperr.KindValidation},
		{"connection failure", &pq.Error{Code: "08006"}, apperr.KindNetwork},
		{"admin shutdown", &pq.Error{Code: "57P01"}, apperr.KindNetwork},
		{"wrapped pq error", fmt.Errorf("finalize: %w", &pq.Error{Code: "23505"}), apperr.KindDuplicate},
		{"bad conn", driver.ErrBadConn, apperr.KindNetwork},
		{"deadline", context.DeadlineExceeded, apperr.KindNetwork},
		{"classified", apperr.Validation("op", "bad"), apperr.KindValidation},
		{"plain", errors.New("boom"), apperr.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&pq.Error{Code: "40001"}))
	assert.True(t, IsRetryable(fmt.Errorf("tx: %w", &pq.Error{Code: "40P01"})))
	assert.False(t, IsRetryable(&pq.Error{Code: "23505"}))
	assert.False(t, IsRetryable(nil))
}

func TestClassifyKeepsExistingKind(t *testing.T) {
	orig := apperr.Duplicate("submit draft", "SINV-0001")

	err := Classify("sync", orig)

	assert.Same(t, orig, err)
	assert.Equal(t, "SINV-0001", apperr.RefOf(err))
	assert.Nil(t, Classify("sync", nil))
}
