// Package banksync coordinates callbacks, provider pulls and local reconciliation
// for bank connections.
package banksync

import (
	"context"
	"errors"
	"fmt"

	"moneymanager/internal/infrastructure/saltedge"
)

// Domain errors
var (
	ErrReconciliationConflict = errors.New("reconciliation conflict")
	ErrCancelled              = errors.New("sync cancelled")
	ErrConnectionDestroyed    = errors.New("connection is destroyed")
	ErrConnectionNotActive    = errors.New("connection is not active")
	ErrRefreshNotAllowed      = errors.New("refresh not allowed yet")
	ErrQueueFull              = errors.New("connection queue is full")
	ErrNoSubmitter            = errors.New("no task submitter configured")
)

// cancelled wraps err as ErrCancelled when it stems from context cancellation.
func cancelled(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCancelled) {
		return err
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return err
}

// errorCode condenses err into the short code stored as a connection's last error.
func errorCode(err error) string {
	var rejected *saltedge.RejectedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rejected):
		if rejected.Code != "" {
			return rejected.Code
		}
		return fmt.Sprintf("http_%d", rejected.StatusCode)
	case saltedge.IsTransient(err):
		return "provider_unavailable"
	case errors.Is(err, ErrReconciliationConflict):
		return "reconciliation_conflict"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "internal_error"
	}
}
