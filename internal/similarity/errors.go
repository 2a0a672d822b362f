package similarity

import "errors"

var (
	// ErrEmbedding wraps any failure to compute an embedding. Callers treat it
	// as retryable for the item at hand.
	ErrEmbedding = errors.New("embedding failed")

	// ErrDimensionMismatch indicates a vector whose length differs from the index.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)
