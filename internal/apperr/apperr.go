package apperr

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"syscall"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindStockInsufficient
	KindDuplicate
	KindSyncInProgress
	KindPermission
	KindConfiguration
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindStockInsufficient:
		return "stock_insufficient"
	case KindDuplicate:
		return "duplicate"
	case KindSyncInProgress:
		return "sync_in_progress"
	case KindPermission:
		return "permission"
	case KindConfiguration:
		return "configuration"
	case KindNetwork:
		return "network"
	default:
		return "internal"
	}
}

// Error carries a classified failure. Ref holds the server reference when the
// remote ledger reported one (duplicates report the existing record).
type Error struct {
	Kind Kind
	Op   string
	Ref  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

func StockInsufficient(op, itemCode string, requested, available fmt.Stringer) *Error {
	return &Error{
		Kind: KindStockInsufficient,
		Op:   op,
		Err:  fmt.Errorf("item %s: requested %s, available %s", itemCode, requested, available),
	}
}

func Duplicate(op, ref string) *Error {
	return &Error{Kind: KindDuplicate, Op: op, Ref: ref, Err: errors.New("already recorded")}
}

func SyncInProgress(op string, err error) *Error {
	return &Error{Kind: KindSyncInProgress, Op: op, Err: err}
}

func Network(op string, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

// KindOf classifies err. Classified errors keep their kind; connection-level
// failures anywhere in the chain are reported as KindNetwork.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}

	if IsNetwork(err) {
		return KindNetwork
	}

	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// RefOf returns the server reference attached to a classified error, if any.
func RefOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Ref
	}
	return ""
}

func IsNetwork(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Fatal reports kinds that must never be retried automatically.
func Fatal(kind Kind) bool {
	return kind == KindPermission || kind == KindConfiguration
}

// Transient reports kinds the sync coordinator absorbs without counting a retry.
func Transient(kind Kind) bool {
	return kind == KindDuplicate || kind == KindSyncInProgress
}
