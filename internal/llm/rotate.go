package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Rotating spreads one provider over several API keys. A rate-limited key hands
// the same attempt to the next key; only when every key is limited does the
// attempt fail as rate limited.
type Rotating struct {
	name    string
	members []Provider

	mu   sync.Mutex
	next int
}

var _ Provider = (*Rotating)(nil)

// NewRotating wraps per-key clients of one provider.
func NewRotating(name string, members []Provider) *Rotating {
	return &Rotating{name: name, members: members}
}

func (r *Rotating) Name() string { return r.name }

func (r *Rotating) Model() string {
	if len(r.members) == 0 {
		return ""
	}
	return r.members[0].Model()
}

// Keys returns the number of keys in rotation.
func (r *Rotating) Keys() int { return len(r.members) }

// AttemptCompletion starts at the current key and moves on only for rate limits.
func (r *Rotating) AttemptCompletion(ctx context.Context, req Request) (string, error) {
	if len(r.members) == 0 {
		return "", Fatal(fmt.Errorf("%s: no API keys configured", r.name))
	}

	r.mu.Lock()
	start := r.next
	r.mu.Unlock()

	var lastErr error
	for i := range r.members {
		idx := (start + i) % len(r.members)
		text, err := r.members[idx].AttemptCompletion(ctx, req)
		if err == nil {
			return text, nil
		}
		if Classify(err) != FailureRateLimited {
			return "", err
		}

		lastErr = err
		r.mu.Lock()
		r.next = (idx + 1) % len(r.members)
		r.mu.Unlock()
		slog.Info("api key rate limited, rotating", "provider", r.name, "key_index", idx, "keys", len(r.members))

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", RateLimited(fmt.Errorf("all %d %s keys rate limited: %w", len(r.members), r.name, lastErr))
}
