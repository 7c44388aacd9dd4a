package postgres

import (
	"errors"
	"fmt"

	"github.com/lib/pq"

	"moneymanager/internal/domain/storage"
)

// Postgres error codes the repositories translate.
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
	checkViolation      = "23514"
)

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// constraintError maps constraint violations to storage.ErrConflict and
// leaves other errors untouched.
func constraintError(err error) error {
	switch pqCode(err) {
	case uniqueViolation, foreignKeyViolation, checkViolation:
		return fmt.Errorf("%w: %w", storage.ErrConflict, err)
	}
	return err
}
