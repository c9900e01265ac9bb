package database

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/safar/pos-core/internal/apperr"
)

type ErrorClass int

const (
	ErrorClassPermanent ErrorClass = iota
	ErrorClassDeadlock
	ErrorClassSerialization
)

// ClassifyError decides whether a failed ledger transaction may be replayed.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassPermanent
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001":
			return ErrorClassSerialization
		case "40P01":
			return ErrorClassDeadlock
		}
	}

	return ErrorClassPermanent
}

func IsRetryable(err error) bool {
	class := ClassifyError(err)
	return class == ErrorClassDeadlock || class == ErrorClassSerialization
}

// Kind maps a database failure onto the POS error taxonomy.
func Kind(err error) apperr.Kind {
	if err == nil {
		return apperr.KindInternal
	}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return apperr.KindDuplicate
		case "55P03":
			return apperr.KindSyncInProgress
		case "42501":
			return apperr.KindPermission
		case "28000", "28P01", "3D000", "42P01":
			return apperr.KindConfiguration
		case "23502", "23503", "22P02", "22003":
			return apperr.KindValidation
		case "23514":
			if pqErr.Constraint == "stock_balances_qty_check" {
				return apperr.KindStockInsufficient
			}
			return apperr.KindValidation
		}
		if pqErr.Code.Class() == "08" || pqErr.Code.Class() == "57" {
			return apperr.KindNetwork
		}
		return apperr.KindInternal
	}

	if errors.Is(err, sql.ErrConnDone) || apperr.IsNetwork(err) {
		return apperr.KindNetwork
	}

	return apperr.KindInternal
}

// Classify wraps err as an *apperr.Error unless it already is one.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}

	return apperr.New(Kind(err), op, err)
}

var (
	ErrInvoiceNotFound = errors.New("invoice not found")
	ErrLockTimeout     = errors.New("lock timeout")
)
