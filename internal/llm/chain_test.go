package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scripted answers each attempt with the next entry of its script. Once the
// script runs out the last entry repeats.
type scripted struct {
	name   string
	script []error
	text   string

	mu    sync.Mutex
	calls int
	block bool
}

func (s *scripted) Name() string  { return s.name }
func (s *scripted) Model() string { return s.name + "-model" }

func (s *scripted) AttemptCompletion(ctx context.Context, _ Request) (string, error) {
	s.mu.Lock()
	i := min(s.calls, len(s.script)-1)
	s.calls++
	block := s.block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err := s.script[i]; err != nil {
		return "", err
	}
	if s.text == "" {
		return "ok from " + s.name, nil
	}
	return s.text, nil
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func testChain(t *testing.T, providers []Provider, opts ...Option) (*Chain, *sleepRecorder, *fakeClock) {
	t.Helper()
	rec := &sleepRecorder{}
	clock := newFakeClock()
	cfg := DefaultChainConfig()
	cfg.CallTimeout = 0
	all := append([]Option{WithSleep(rec.Sleep), WithClock(clock.Now)}, opts...)
	chain, err := NewChain(providers, cfg, all...)
	require.NoError(t, err)
	return chain, rec, clock
}

var errTransient = Retryable(errors.New("HTTP 503: upstream unavailable"))

func TestNewChainRequiresProvider(t *testing.T) {
	_, err := NewChain(nil, DefaultChainConfig())
	require.Error(t, err)
}

func TestChainRetriesThenSucceeds(t *testing.T) {
	a := &scripted{name: "a", script: []error{errTransient, errTransient, nil}}
	b := &scripted{name: "b", script: []error{nil}}
	chain, rec, _ := testChain(t, []Provider{a, b})

	got, err := chain.Complete(context.Background(), "prompt", "system")
	require.NoError(t, err)

	assert.Equal(t, "a", got.Provider)
	assert.Equal(t, "a-model", got.Model)
	assert.Equal(t, "ok from a", got.Text)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, 2, got.Retries)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)
	assert.Zero(t, b.Calls())

	st := chain.States()
	assert.Equal(t, 1, st[0].Successes)
	assert.False(t, st[0].CoolingDown)
}

func TestChainAdvancesToNextProvider(t *testing.T) {
	a := &scripted{name: "a", script: []error{errTransient}}
	b := &scripted{name: "b", script: []error{nil}}
	chain, _, clock := testChain(t, []Provider{a, b})

	got, err := chain.Complete(context.Background(), "prompt", "")
	require.NoError(t, err)
	assert.Equal(t, "b", got.Provider)
	assert.Equal(t, 4, got.Attempts)
	assert.Zero(t, got.Retries)
	assert.Equal(t, 3, a.Calls())

	st := chain.States()
	assert.True(t, st[0].CoolingDown)
	assert.Equal(t, clock.Now().Add(120*time.Second), st[0].CooldownUntil)
	assert.Equal(t, 1, st[0].ConsecutiveFailures)
}

func TestChainExhausted(t *testing.T) {
	a := &scripted{name: "a", script: []error{RateLimited(errors.New("429"))}}
	b := &scripted{name: "b", script: []error{errTransient}}
	chain, _, _ := testChain(t, []Provider{a, b})

	_, err := chain.Complete(context.Background(), "prompt", "")
	require.ErrorIs(t, err, ErrAllProvidersExhausted)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Failures, 2)
	assert.Equal(t, "a", exhausted.Failures[0].Provider)
	assert.Equal(t, FailureRateLimited, exhausted.Failures[0].Kind)
	assert.Equal(t, 3, exhausted.Failures[0].Attempts)
	assert.Equal(t, "b", exhausted.Failures[1].Provider)
	assert.Equal(t, FailureRetryable, exhausted.Failures[1].Kind)
}

func TestChainFatalSkipsRetries(t *testing.T) {
	a := &scripted{name: "a", script: []error{errors.New("HTTP 401: invalid api key")}}
	b := &scripted{name: "b", script: []error{nil}}
	chain, rec, _ := testChain(t, []Provider{a, b})

	got, err := chain.Complete(context.Background(), "prompt", "")
	require.NoError(t, err)
	assert.Equal(t, "b", got.Provider)
	assert.Equal(t, 1, a.Calls())
	assert.Empty(t, rec.delays)

	st := chain.States()
	assert.False(t, st[0].CoolingDown, "fatal failures do not cool down")
	assert.Equal(t, 1, st[0].ConsecutiveFailures)
}

func TestChainCooldownSkipAndRecovery(t *testing.T) {
	a := &scripted{name: "a", script: []error{errTransient, errTransient, errTransient, nil}}
	b := &scripted{name: "b", script: []error{nil}}
	chain, _, clock := testChain(t, []Provider{a, b})

	_, err := chain.Complete(context.Background(), "first", "")
	require.NoError(t, err)
	require.Equal(t, 3, a.Calls())

	// a is cooling down: the next call goes straight to b.
	got, err := chain.Complete(context.Background(), "second", "")
	require.NoError(t, err)
	assert.Equal(t, "b", got.Provider)
	assert.Equal(t, 3, a.Calls())

	clock.Advance(121 * time.Second)
	got, err = chain.Complete(context.Background(), "third", "")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Provider)
	assert.Equal(t, 4, a.Calls())

	st := chain.States()
	assert.False(t, st[0].CoolingDown)
	assert.Zero(t, st[0].ConsecutiveFailures)
}

func TestChainCooldownReportedWhenExhausted(t *testing.T) {
	a := &scripted{name: "a", script: []error{errTransient}}
	chain, _, _ := testChain(t, []Provider{a})

	_, err := chain.Complete(context.Background(), "first", "")
	require.ErrorIs(t, err, ErrAllProvidersExhausted)

	_, err = chain.Complete(context.Background(), "second", "")
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Failures, 1)
	assert.Equal(t, FailureCooldown, exhausted.Failures[0].Kind)
	assert.ErrorIs(t, exhausted.Failures[0].Err, ErrCoolingDown)
	assert.Equal(t, 3, a.Calls())
}

func TestChainEmptyResponseIsRetried(t *testing.T) {
	a := &scripted{name: "a", script: []error{nil}, text: "   "}
	b := &scripted{name: "b", script: []error{nil}}
	chain, _, _ := testChain(t, []Provider{a, b})

	got, err := chain.Complete(context.Background(), "prompt", "")
	require.NoError(t, err)
	assert.Equal(t, "b", got.Provider)
	assert.Equal(t, 3, a.Calls())
}

func TestChainBackoffCap(t *testing.T) {
	chain, _, _ := testChain(t, []Provider{&scripted{name: "a", script: []error{nil}}})
	chain.cfg.BaseBackoff = 10 * time.Second
	chain.cfg.MaxBackoff = 30 * time.Second

	assert.Equal(t, 10*time.Second, chain.backoff(0))
	assert.Equal(t, 20*time.Second, chain.backoff(1))
	assert.Equal(t, 30*time.Second, chain.backoff(2))
	assert.Equal(t, 30*time.Second, chain.backoff(6))
}

func TestChainInterruptDuringBackoff(t *testing.T) {
	stop := make(chan struct{})
	close(stop)

	a := &scripted{name: "a", script: []error{errTransient, nil}}
	b := &scripted{name: "b", script: []error{nil}}
	cfg := DefaultChainConfig()
	cfg.BaseBackoff = time.Hour
	chain, err := NewChain([]Provider{a, b}, cfg, WithInterrupt(stop))
	require.NoError(t, err)

	_, err = chain.Complete(context.Background(), "prompt", "")
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, 1, a.Calls())
	assert.Zero(t, b.Calls())
}

func TestChainContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := &scripted{name: "a", script: []error{nil}}
	chain, _, _ := testChain(t, []Provider{a})

	_, err := chain.Complete(ctx, "prompt", "")
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, a.Calls())
}

func TestChainCallTimeoutIsRetryable(t *testing.T) {
	a := &scripted{name: "a", script: []error{nil}, block: true}
	b := &scripted{name: "b", script: []error{nil}}

	rec := &sleepRecorder{}
	cfg := DefaultChainConfig()
	cfg.MaxAttempts = 2
	cfg.CallTimeout = 10 * time.Millisecond
	chain, err := NewChain([]Provider{a, b}, cfg, WithSleep(rec.Sleep))
	require.NoError(t, err)

	got, err := chain.Complete(context.Background(), "prompt", "")
	require.NoError(t, err)
	assert.Equal(t, "b", got.Provider)
	assert.Equal(t, 2, a.Calls())
	assert.Len(t, rec.delays, 1)
}

func TestChainObserver(t *testing.T) {
	var (
		mu       sync.Mutex
		observed []string
	)
	a := &scripted{name: "a", script: []error{errTransient, nil}}
	chain, _, _ := testChain(t, []Provider{a}, WithObserver(func(provider string, _ time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			observed = append(observed, provider+":err")
		} else {
			observed = append(observed, provider+":ok")
		}
	}))

	_, err := chain.Complete(context.Background(), "prompt", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a:err", "a:ok"}, observed)
}
