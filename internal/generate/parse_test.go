package generate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/intentmix/internal/intent"
	"github.com/raphaelgruber/intentmix/internal/llm"
	"github.com/raphaelgruber/intentmix/internal/models"
)

func TestParseCandidates(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []Candidate
	}{
		{
			name: "fenced array",
			text: "Here you go:\n```json\n[{\"question\": \" Is it the rain? \", \"expected_intents\": [\"4\"], \"confusion_points\": \"weather\", \"difficulty\": \"HARD\"}]\n```",
			want: []Candidate{{Question: "Is it the rain?", ExpectedIntents: []string{"4"}, ConfusionPoints: "weather", Difficulty: "hard"}},
		},
		{
			name: "questions object with numeric ids",
			text: `{"questions": [{"question": "q one", "expected_intents": [7, 12.0], "confusion_points": ["a", "b"]}]}`,
			want: []Candidate{{Question: "q one", ExpectedIntents: []string{"7", "12"}, ConfusionPoints: "a; b"}},
		},
		{
			name: "array inside prose",
			text: `Sure! [{"question": "q two"}] Hope this helps.`,
			want: []Candidate{{Question: "q two"}},
		},
		{
			name: "non-object element",
			text: `[42, {"question": "q three"}]`,
			want: []Candidate{{}, {Question: "q three"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCandidates(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCandidatesUnparseable(t *testing.T) {
	for _, text := range []string{
		"I cannot help with that.",
		"[not json",
		"[]",
		`{"questions": []}`,
	} {
		_, err := ParseCandidates(text)
		assert.ErrorIs(t, err, ErrUnparseableResponse, "input %q", text)
	}
}

func TestValidate(t *testing.T) {
	cat, err := intent.NewCatalog([]intent.Definition{
		{ID: "1", Name: "Crop Disease"},
		{ID: "2", Name: "Market Prices"},
	}, nil)
	require.NoError(t, err)
	mix := intent.Mix{{ID: "1", Weight: 0.5}, {ID: "2", Weight: 0.5}}
	long := "my wheat has yellow leaves and the price is low"

	tests := []struct {
		name    string
		in      Candidate
		want    Candidate
		wantErr bool
	}{
		{
			name: "defaults from mix and batch",
			in:   Candidate{Question: long},
			want: Candidate{Question: long, ExpectedIntents: []string{"1", "2"}, Difficulty: "hard"},
		},
		{
			name: "repeated intents collapse",
			in:   Candidate{Question: long, ExpectedIntents: []string{"2", "2"}, Difficulty: "expert"},
			want: Candidate{Question: long, ExpectedIntents: []string{"2"}, Difficulty: "expert"},
		},
		{name: "empty", in: Candidate{Question: "   "}, wantErr: true},
		{name: "too short", in: Candidate{Question: "rain?"}, wantErr: true},
		{name: "unknown intent", in: Candidate{Question: long, ExpectedIntents: []string{"9"}}, wantErr: true},
		{name: "bad difficulty", in: Candidate{Question: long, Difficulty: "trivial"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Validate(tt.in, cat, mix, models.DifficultyHard, 10)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCandidate)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerifierReview(t *testing.T) {
	chain := &fakeChain{review: func(string) string {
		return "```json\n{\"verdicts\": [{\"index\": 2, \"accept\": false, \"reason\": \"jargon\"}, {\"index\": 9, \"accept\": false}]}\n```"
	}}
	keep, err := NewVerifier(chain).Review(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, keep)
}

func TestVerifierFailsOpen(t *testing.T) {
	failing := &fakeChain{replies: []fakeReply{{err: errors.New("boom")}}}
	keep, err := NewVerifier(failing).Review(context.Background(), []string{"one", "two"})
	assert.Error(t, err)
	assert.Equal(t, []bool{true, true}, keep)

	garbled := &fakeChain{review: func(string) string { return "looks fine to me" }}
	keep, err = NewVerifier(garbled).Review(context.Background(), []string{"one"})
	assert.Error(t, err)
	assert.Equal(t, []bool{true}, keep)

	keep, err = NewVerifier(garbled).Review(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, keep)
}

var _ Completer = (*llm.Chain)(nil)
