package generate

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/raphaelgruber/intentmix/internal/intent"
	"github.com/raphaelgruber/intentmix/internal/models"
)

var (
	// ErrInvalidCandidate marks a candidate dropped by schema validation.
	ErrInvalidCandidate = errors.New("invalid candidate")

	// ErrUnparseableResponse indicates a model reply with no JSON candidates in it.
	ErrUnparseableResponse = errors.New("unparseable response")
)

// Candidate is one question as the model proposed it.
type Candidate struct {
	Question        string
	ExpectedIntents []string
	ConfusionPoints string
	Difficulty      string
}

type rawCandidate struct {
	Question        string            `json:"question"`
	ExpectedIntents []json.RawMessage `json:"expected_intents"`
	ConfusionPoints json.RawMessage   `json:"confusion_points"`
	Difficulty      string            `json:"difficulty"`
}

// ParseCandidates extracts candidates from a model reply. The reply may wrap
// the JSON in markdown fences and may be a bare array or an object with a
// "questions" array. An element that is not a candidate object comes back as a
// zero Candidate so validation counts it.
func ParseCandidates(text string) ([]Candidate, error) {
	body := stripFences(text)

	var elems []json.RawMessage
	switch {
	case strings.HasPrefix(body, "["):
		if err := json.Unmarshal([]byte(body), &elems); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnparseableResponse, err)
		}
	case strings.HasPrefix(body, "{"):
		var wrapper struct {
			Questions []json.RawMessage `json:"questions"`
		}
		if err := json.Unmarshal([]byte(body), &wrapper); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnparseableResponse, err)
		}
		elems = wrapper.Questions
	default:
		start, end := strings.Index(body, "["), strings.LastIndex(body, "]")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("%w: no JSON array found", ErrUnparseableResponse)
		}
		if err := json.Unmarshal([]byte(body[start:end+1]), &elems); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnparseableResponse, err)
		}
	}
	if len(elems) == 0 {
		return nil, fmt.Errorf("%w: no candidates", ErrUnparseableResponse)
	}

	out := make([]Candidate, 0, len(elems))
	for i, raw := range elems {
		var rc rawCandidate
		if err := json.Unmarshal(raw, &rc); err != nil {
			slog.Debug("candidate is not an object", "index", i, "error", err)
			out = append(out, Candidate{})
			continue
		}
		c := Candidate{
			Question:        strings.TrimSpace(rc.Question),
			ConfusionPoints: confusionText(rc.ConfusionPoints),
			Difficulty:      strings.ToLower(strings.TrimSpace(rc.Difficulty)),
		}
		for _, id := range rc.ExpectedIntents {
			if s, ok := intentID(id); ok {
				c.ExpectedIntents = append(c.ExpectedIntents, s)
			} else {
				c.ExpectedIntents = append(c.ExpectedIntents, string(id))
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		// Drop the language tag line.
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		text = rest
	}
	return strings.TrimSpace(text)
}

// intentID accepts "7", 7 and 7.0.
func intentID(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", false
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10), true
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) {
		return n.String(), true
	}
	return strconv.FormatInt(int64(f), 10), true
}

// confusionText accepts a string or a list of strings.
func confusionText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "; ")
	}
	return ""
}

// Validate checks a candidate against the catalog and fills defaults: an
// empty intent list becomes the mix and an empty difficulty becomes
// fallback. Failures wrap ErrInvalidCandidate.
func Validate(c Candidate, catalog *intent.Catalog, mix intent.Mix, fallback models.Difficulty, minLength int) (Candidate, error) {
	c.Question = strings.TrimSpace(c.Question)
	if c.Question == "" {
		return c, fmt.Errorf("%w: empty question", ErrInvalidCandidate)
	}
	if n := utf8.RuneCountInString(c.Question); n < minLength {
		return c, fmt.Errorf("%w: question has %d characters, need %d", ErrInvalidCandidate, n, minLength)
	}

	var ids []string
	for _, id := range c.ExpectedIntents {
		if !catalog.Has(id) {
			return c, fmt.Errorf("%w: %w: %q", ErrInvalidCandidate, intent.ErrUnknownIntent, id)
		}
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		ids = mix.IDs()
	}
	c.ExpectedIntents = ids

	if c.Difficulty == "" {
		c.Difficulty = string(fallback)
	}
	d, err := models.ParseDifficulty(c.Difficulty)
	if err != nil {
		return c, fmt.Errorf("%w: %w", ErrInvalidCandidate, err)
	}
	c.Difficulty = string(d)
	return c, nil
}
