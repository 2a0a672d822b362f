package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"
)

var (
	// ErrAlreadyExists means a question id was stored twice.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrTransactionConflict means a concurrent write to the same record lost.
	ErrTransactionConflict = errors.New("transaction conflict")

	ErrNotFound = errors.New("record not found")
)

// wrapQueryError maps known SurrealDB query failures onto the sentinels above.
// Anything else is returned unchanged.
func wrapQueryError(err error) error {
	var queryErr *surrealdb.QueryError
	if !errors.As(err, &queryErr) {
		return err
	}
	switch msg := queryErr.Message; {
	case strings.Contains(msg, "already exists"):
		return fmt.Errorf("%w: %s", ErrAlreadyExists, msg)
	case strings.Contains(msg, "Transaction conflict"):
		return fmt.Errorf("%w: %s", ErrTransactionConflict, msg)
	default:
		return err
	}
}
