package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/raphaelgruber/intentmix/internal/llm"
	"github.com/raphaelgruber/intentmix/internal/prompt"
)

// Completer is the part of the model call chain the orchestrator needs.
type Completer interface {
	Complete(ctx context.Context, prompt, system string) (llm.Completion, error)
}

// Verifier asks the model call chain to reject questions that do not sound
// like a real farmer.
type Verifier struct {
	chain Completer
}

// NewVerifier creates a Verifier.
func NewVerifier(chain Completer) *Verifier {
	return &Verifier{chain: chain}
}

type verdict struct {
	Index  int    `json:"index"`
	Accept bool   `json:"accept"`
	Reason string `json:"reason"`
}

// Review returns one keep flag per question. It fails open: when the call or
// the reply fails, every question is kept and the error is returned for
// logging. Questions the reply does not mention are kept.
func (v *Verifier) Review(ctx context.Context, questions []string) ([]bool, error) {
	keep := make([]bool, len(questions))
	for i := range keep {
		keep[i] = true
	}
	if len(questions) == 0 {
		return keep, nil
	}

	completion, err := v.chain.Complete(ctx, prompt.Review(questions), prompt.ReviewSystem)
	if err != nil {
		return keep, fmt.Errorf("review call: %w", err)
	}

	verdicts, err := parseVerdicts(completion.Text)
	if err != nil {
		return keep, err
	}
	for _, vd := range verdicts {
		i := vd.Index - 1
		if i < 0 || i >= len(questions) || vd.Accept {
			continue
		}
		keep[i] = false
		slog.Info("question rejected by reviewer", "question", questions[i], "reason", vd.Reason)
	}
	return keep, nil
}

func parseVerdicts(text string) ([]verdict, error) {
	body := stripFences(text)
	if start, end := strings.Index(body, "{"), strings.LastIndex(body, "}"); start >= 0 && end > start {
		body = body[start : end+1]
	}
	var reply struct {
		Verdicts []verdict `json:"verdicts"`
	}
	if err := json.Unmarshal([]byte(body), &reply); err != nil {
		return nil, fmt.Errorf("decode verdicts: %w", err)
	}
	return reply.Verdicts, nil
}
