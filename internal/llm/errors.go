package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/smithy-go"
	"google.golang.org/genai"
)

// Sentinel errors for the model call chain.
var (
	// ErrAllProvidersExhausted is matched by *ExhaustedError.
	ErrAllProvidersExhausted = errors.New("all providers exhausted")

	// ErrCoolingDown marks a provider skipped because of an active cooldown.
	ErrCoolingDown = errors.New("provider cooling down")

	// ErrInterrupted indicates a backoff wait was cut short by the stop signal.
	ErrInterrupted = errors.New("interrupted")

	// ErrEmptyResponse indicates a provider returned no text.
	ErrEmptyResponse = errors.New("empty response")
)

// FailureKind classifies a failed attempt.
type FailureKind int

const (
	// FailureRetryable covers 5xx, timeouts and transient network errors.
	FailureRetryable FailureKind = iota + 1
	// FailureRateLimited covers 429 and quota responses. Retryable after backoff.
	FailureRateLimited
	// FailureFatal covers authentication and malformed requests. Never retried.
	FailureFatal
	// FailureCooldown is recorded for a provider skipped without an attempt.
	FailureCooldown
)

func (k FailureKind) String() string {
	switch k {
	case FailureRetryable:
		return "retryable"
	case FailureRateLimited:
		return "rate_limited"
	case FailureFatal:
		return "fatal"
	case FailureCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// Failure attaches an explicit kind to an error. Adapters return it when the
// SDK gives them a better signal than the error text.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Retryable marks err as retryable.
func Retryable(err error) error { return &Failure{Kind: FailureRetryable, Err: err} }

// RateLimited marks err as a rate limit.
func RateLimited(err error) error { return &Failure{Kind: FailureRateLimited, Err: err} }

// Fatal marks err as non-retryable.
func Fatal(err error) error { return &Failure{Kind: FailureFatal, Err: err} }

// ProviderFailure is one provider's reason for failing a call.
type ProviderFailure struct {
	Provider string
	Kind     FailureKind
	Attempts int
	Err      error
}

// ExhaustedError reports that every provider failed one call, in priority order.
type ExhaustedError struct {
	Failures []ProviderFailure
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s (%s after %d attempts): %v", f.Provider, f.Kind, f.Attempts, f.Err)
	}
	return fmt.Sprintf("%s: %s", ErrAllProvidersExhausted, strings.Join(parts, "; "))
}

// Is makes errors.Is(err, ErrAllProvidersExhausted) hold.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllProvidersExhausted
}

var (
	statusRateLimit = regexp.MustCompile(`\b429\b`)
	statusFatal     = regexp.MustCompile(`\b(400|401|402|403|404|413|422)\b`)
	statusServer    = regexp.MustCompile(`\b5\d\d\b`)
)

var rateLimitPatterns = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many requests",
	"quota",
	"resource_exhausted",
	"resource exhausted",
	"throttl",
}

var fatalPatterns = []string{
	"invalid api key",
	"invalid_api_key",
	"incorrect api key",
	"api key not valid",
	"authentication",
	"unauthorized",
	"unauthenticated",
	"permission denied",
	"permission_denied",
	"forbidden",
	"credit balance",
	"billing",
	"invalid request",
	"invalid_request",
	"bad request",
	"malformed",
	"model not found",
	"model_not_found",
	"does not exist",
}

// Classify maps an attempt error to a failure kind. Explicit *Failure values win,
// then SDK error types, then status codes and phrases in the message. Unknown
// errors are assumed transient.
func Classify(err error) FailureKind {
	if err == nil {
		return 0
	}

	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, ErrCoolingDown) {
		return FailureCooldown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureRetryable
	}

	// genai formats its status code into the message too, so a value-typed
	// APIError that slips past this still lands in the text checks below.
	var gerr *genai.APIError
	if errors.As(err, &gerr) && gerr != nil {
		return classifyStatus(gerr.Code)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if kind := classifyAWSCode(apiErr.ErrorCode()); kind != 0 {
			return kind
		}
	}

	msg := strings.ToLower(err.Error())
	if statusRateLimit.MatchString(msg) || containsAny(msg, rateLimitPatterns) {
		return FailureRateLimited
	}
	if statusFatal.MatchString(msg) || containsAny(msg, fatalPatterns) {
		return FailureFatal
	}
	return FailureRetryable
}

func classifyStatus(code int) FailureKind {
	switch {
	case code == 429:
		return FailureRateLimited
	case code >= 500:
		return FailureRetryable
	case code >= 400:
		return FailureFatal
	default:
		return FailureRetryable
	}
}

func classifyAWSCode(code string) FailureKind {
	switch code {
	case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
		return FailureRateLimited
	case "ModelTimeoutException", "InternalServerException", "ServiceUnavailableException",
		"ModelNotReadyException", "ModelStreamErrorException":
		return FailureRetryable
	case "AccessDeniedException", "ValidationException", "UnrecognizedClientException",
		"ResourceNotFoundException", "ModelErrorException", "ExpiredTokenException":
		return FailureFatal
	default:
		return 0
	}
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
