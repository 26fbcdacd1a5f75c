package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/CRJFisher/bergamot/internal/storage"
)

// wrapDBError wraps a database error with operation context, converting
// sql.ErrNoRows and unique-constraint violations into the storage
// package's sentinel errors. Grounded on the teacher's
// internal/storage/sqlite/errors.go wrapDBError/wrapDBErrorf pair.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return fmt.Errorf("%s: %w", op, storage.ErrDuplicate)
	}
	if strings.Contains(msg, "FOREIGN KEY constraint failed") || strings.Contains(msg, "CHECK constraint failed") {
		return fmt.Errorf("%s: %w", op, storage.ErrConstraint)
	}
	return fmt.Errorf("%s: %w", op, err)
}
