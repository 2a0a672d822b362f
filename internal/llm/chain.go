package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
)

// ChainConfig holds the retry policy shared by every provider in a chain.
type ChainConfig struct {
	// MaxAttempts is the number of attempts per provider per call.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Cooldown is how long a provider is skipped after exhausting its attempts.
	Cooldown time.Duration
	// CallTimeout bounds a single attempt. A timeout counts as retryable.
	CallTimeout time.Duration

	Temperature float64
	MaxTokens   int
}

// DefaultChainConfig returns the stock retry policy.
func DefaultChainConfig() ChainConfig {
	return ChainConfig{
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
		Cooldown:    120 * time.Second,
		CallTimeout: 90 * time.Second,
		Temperature: 0.5,
		MaxTokens:   2048,
	}
}

// ProviderState is the health record the chain keeps per provider.
type ProviderState struct {
	Name                string
	CoolingDown         bool
	CooldownUntil       time.Time
	ConsecutiveFailures int
	Successes           int
}

// Completion is a successful chain call.
type Completion struct {
	Text     string
	Provider string
	Model    string
	// Attempts counts every attempt made during the call, across providers.
	Attempts int
	// Retries counts the retries made on the provider that succeeded.
	Retries  int
	Duration time.Duration
}

// Option configures a Chain.
type Option func(*Chain)

// WithClock replaces time.Now for cooldown bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// WithSleep replaces the backoff wait. The function must honor ctx.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Chain) { c.sleep = sleep }
}

// WithInterrupt makes backoff waits return ErrInterrupted once stop is closed.
func WithInterrupt(stop <-chan struct{}) Option {
	return func(c *Chain) { c.interrupt = stop }
}

// WithObserver is called after every attempt with its outcome.
func WithObserver(fn func(provider string, d time.Duration, err error)) Option {
	return func(c *Chain) { c.observe = fn }
}

// Chain tries providers strictly in priority order.
//
// Per call: NotStarted -> TryingProvider(i) -> Success | Retrying(i) |
// AdvanceToProvider(i+1) -> ... -> Success | Exhausted.
type Chain struct {
	providers []Provider
	cfg       ChainConfig

	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	interrupt <-chan struct{}
	observe   func(provider string, d time.Duration, err error)

	mu     sync.Mutex
	states []ProviderState
}

// NewChain creates a chain over providers, highest priority first.
func NewChain(providers []Provider, cfg ChainConfig, opts ...Option) (*Chain, error) {
	if len(providers) == 0 {
		return nil, errors.New("model call chain needs at least one provider")
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	c := &Chain{
		providers: providers,
		cfg:       cfg,
		now:       time.Now,
		states:    make([]ProviderState, len(providers)),
	}
	for i, p := range providers {
		c.states[i].Name = p.Name()
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sleep == nil {
		c.sleep = c.sleepWithInterrupt
	}
	return c, nil
}

// Providers returns the provider names in priority order.
func (c *Chain) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// States returns a copy of every provider's health record.
func (c *Chain) States() []ProviderState {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ProviderState, len(c.states))
	copy(out, c.states)
	return out
}

// Complete runs prompt through the chain. On total failure the error is an
// *ExhaustedError with one reason per provider, cooled-down ones included.
// Cancellation of ctx and ErrInterrupted are returned as they are.
func (c *Chain) Complete(ctx context.Context, prompt, system string) (Completion, error) {
	req := Request{
		System:      system,
		Prompt:      prompt,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}

	start := c.now()
	var failures []ProviderFailure
	total := 0

	for i, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return Completion{}, err
		}

		if until, cooling := c.coolingDown(i); cooling {
			slog.Debug("skipping provider in cooldown", "provider", p.Name(), "until", until)
			failures = append(failures, ProviderFailure{
				Provider: p.Name(),
				Kind:     FailureCooldown,
				Err:      fmt.Errorf("%w until %s", ErrCoolingDown, until.Format(time.RFC3339)),
			})
			continue
		}

		text, attempts, err := c.tryProvider(ctx, p, req)
		total += attempts
		if err == nil {
			c.markSuccess(i)
			return Completion{
				Text:     text,
				Provider: p.Name(),
				Model:    p.Model(),
				Attempts: total,
				Retries:  attempts - 1,
				Duration: c.now().Sub(start),
			}, nil
		}

		if ctx.Err() != nil {
			return Completion{}, ctx.Err()
		}
		if errors.Is(err, ErrInterrupted) {
			return Completion{}, err
		}

		kind := Classify(err)
		failures = append(failures, ProviderFailure{Provider: p.Name(), Kind: kind, Attempts: attempts, Err: err})
		c.markFailure(i, kind)

		slog.Warn("provider failed, advancing",
			"provider", p.Name(),
			"kind", kind.String(),
			"attempts", attempts,
			"error", err,
		)
	}

	return Completion{}, &ExhaustedError{Failures: failures}
}

// tryProvider makes up to MaxAttempts attempts against one provider. Fatal
// failures stop immediately.
func (c *Chain) tryProvider(ctx context.Context, p Provider, req Request) (string, int, error) {
	var lastErr error
	for attempt := range c.cfg.MaxAttempts {
		if attempt > 0 {
			delay := c.backoff(attempt - 1)
			slog.Info("retrying provider", "provider", p.Name(), "attempt", attempt+1, "delay", delay, "error", lastErr)
			if err := c.sleep(ctx, delay); err != nil {
				return "", attempt, err
			}
		}

		text, err := c.attempt(ctx, p, req)
		if err == nil {
			return text, attempt + 1, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", attempt + 1, ctx.Err()
		}
		if Classify(err) == FailureFatal {
			return "", attempt + 1, err
		}
	}
	return "", c.cfg.MaxAttempts, lastErr
}

func (c *Chain) attempt(ctx context.Context, p Provider, req Request) (string, error) {
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	text, err := p.AttemptCompletion(ctx, req)
	if err == nil && strings.TrimSpace(text) == "" {
		err = Retryable(ErrEmptyResponse)
	}
	if c.observe != nil {
		c.observe(p.Name(), time.Since(start), err)
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// backoff returns base * 2^retry, capped at MaxBackoff.
func (c *Chain) backoff(retry int) time.Duration {
	d := float64(c.cfg.BaseBackoff) * math.Pow(2, float64(retry))
	if c.cfg.MaxBackoff > 0 && d > float64(c.cfg.MaxBackoff) {
		d = float64(c.cfg.MaxBackoff)
	}
	return time.Duration(d)
}

func (c *Chain) sleepWithInterrupt(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.interrupt:
		return ErrInterrupted
	}
}

func (c *Chain) coolingDown(i int) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := &c.states[i]
	if !st.CoolingDown {
		return time.Time{}, false
	}
	if !c.now().Before(st.CooldownUntil) {
		st.CoolingDown = false
		st.CooldownUntil = time.Time{}
		return time.Time{}, false
	}
	return st.CooldownUntil, true
}

func (c *Chain) markSuccess(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := &c.states[i]
	st.ConsecutiveFailures = 0
	st.CoolingDown = false
	st.CooldownUntil = time.Time{}
	st.Successes++
}

// markFailure records a failed call. Providers that ran out of attempts cool
// down; a fatal failure only counts.
func (c *Chain) markFailure(i int, kind FailureKind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := &c.states[i]
	st.ConsecutiveFailures++
	if kind == FailureFatal || c.cfg.Cooldown <= 0 {
		return
	}
	st.CoolingDown = true
	st.CooldownUntil = c.now().Add(c.cfg.Cooldown)
}
