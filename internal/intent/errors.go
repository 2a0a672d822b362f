package intent

import "errors"

// Sentinel errors for catalog and tracker operations.
// All three are configuration errors: a run that hits one should stop before
// the first batch.
var (
	// ErrEmptyCatalog indicates there are fewer eligible intents than requested.
	ErrEmptyCatalog = errors.New("not enough eligible intents")

	// ErrUnknownIntent indicates an intent id that the catalog does not contain.
	ErrUnknownIntent = errors.New("unknown intent")

	// ErrUnknownStrategy indicates an unsupported weight evolution strategy name.
	ErrUnknownStrategy = errors.New("unknown evolution strategy")

	// ErrInvalidMixSize indicates a mix size outside the configured bounds.
	ErrInvalidMixSize = errors.New("invalid mix size")
)
