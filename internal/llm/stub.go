package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Stub is a deterministic, offline provider for dry runs. It reads the intent
// lines and requested count out of a generation prompt and answers with
// plausible candidates, and it answers persona and review prompts with fixed
// shapes.
type Stub struct {
	mu    sync.Mutex
	seed  uint64
	calls uint64
}

var _ Provider = (*Stub)(nil)

var (
	stubIntentLine = regexp.MustCompile(`(?m)^- \[([^\]]+)\] ([^(\n]+)`)
	stubCount      = regexp.MustCompile(`Generate exactly (\d+)`)
	stubDifficulty = regexp.MustCompile(`(?m)^Difficulty: (\w+)`)
	stubReviewLine = regexp.MustCompile(`(?m)^(\d+)\. `)
)

var (
	stubCrops    = []string{"wheat", "paddy", "cotton", "sugarcane", "tomato", "onion", "chilli", "groundnut", "soybean", "mustard", "maize", "brinjal", "banana", "turmeric", "bajra", "chana", "potato", "okra", "mango", "tur dal"}
	stubPlaces   = []string{"Vidarbha", "Marathwada", "Nashik", "Guntur", "Warangal", "Bathinda", "Karnal", "Kolar", "Sangli", "Anand", "Raichur", "Indore", "Jalgaon", "Erode", "Bikaner"}
	stubProblems = []string{"yellow leaves", "white flies", "stem borer holes", "leaf curl", "root rot", "fruit drop", "wilting at noon", "black spots", "stunted growth", "pink bollworm", "poor germination", "cracked fruits"}
	stubTimes    = []string{"since last Tuesday", "after the first irrigation", "two weeks before harvest", "right after transplanting", "since the unseasonal rain", "at flowering stage", "this kharif", "after I sprayed urea"}
	stubOpeners  = []string{"Sir,", "Bhai,", "Please tell,", "Urgent:", "One doubt,", "Namaste,", "Hello,", "Quick question,"}
	stubTwists   = []string{"and also is there any subsidy for it", "but the mandi rate is falling so is it even worth it", "my neighbour says it's the weather, who is right", "and should I wait for the loan before buying medicine", "or is this because of the new seed variety", "what will the insurance cover if it spreads"}
)

// NewStub creates a stub. The seed varies the generated wording.
func NewStub(seed uint64) *Stub {
	return &Stub{seed: seed}
}

func (s *Stub) Name() string  { return ProviderStub }
func (s *Stub) Model() string { return "stub" }

func (s *Stub) AttemptCompletion(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.calls++
	rng := rand.New(rand.NewPCG(s.seed, s.calls))
	s.mu.Unlock()

	switch {
	case strings.Contains(req.Prompt, `"speaking_style"`):
		return stubPersona(rng), nil
	case strings.Contains(req.Prompt, `"verdicts"`):
		return stubReview(req.Prompt), nil
	default:
		return stubQuestions(rng, req.Prompt)
	}
}

type stubIntent struct{ id, name string }

func stubQuestions(rng *rand.Rand, prompt string) (string, error) {
	var intents []stubIntent
	for _, m := range stubIntentLine.FindAllStringSubmatch(prompt, -1) {
		intents = append(intents, stubIntent{id: m[1], name: strings.TrimSpace(m[2])})
	}
	if len(intents) == 0 {
		return "", Fatal(fmt.Errorf("stub: prompt names no intents"))
	}

	count := 3
	if m := stubCount.FindStringSubmatch(prompt); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			count = n
		}
	}
	difficulty := "medium"
	if m := stubDifficulty.FindStringSubmatch(prompt); m != nil {
		difficulty = strings.ToLower(m[1])
	}

	type candidate struct {
		Question        string   `json:"question"`
		ExpectedIntents []string `json:"expected_intents"`
		ConfusionPoints string   `json:"confusion_points"`
		Difficulty      string   `json:"difficulty"`
	}
	out := make([]candidate, 0, count)
	for range count {
		pick := func(pool []string) string { return pool[rng.IntN(len(pool))] }
		crop, place := pick(stubCrops), pick(stubPlaces)
		q := fmt.Sprintf("%s my %s in %s has %s %s, %s?",
			pick(stubOpeners), crop, place, pick(stubProblems), pick(stubTimes), pick(stubTwists))

		expected := make([]string, 0, len(intents))
		names := make([]string, 0, len(intents))
		for _, in := range intents {
			expected = append(expected, in.id)
			names = append(names, in.name)
		}
		out = append(out, candidate{
			Question:        q,
			ExpectedIntents: expected,
			ConfusionPoints: fmt.Sprintf("Blends %s around a %s problem.", strings.Join(names, " / "), crop),
			Difficulty:      difficulty,
		})
	}

	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return "```json\n" + string(data) + "\n```", nil
}

func stubPersona(rng *rand.Rand) string {
	names := []string{"Ramesh Patil", "Sukhwinder Kaur", "Lakshmi Reddy", "Govind Yadav", "Anita Pawar"}
	p := map[string]any{
		"name":               names[rng.IntN(len(names))],
		"age":                30 + rng.IntN(35),
		"region":             stubPlaces[rng.IntN(len(stubPlaces))],
		"farming_type":       "smallholder, " + stubCrops[rng.IntN(len(stubCrops))],
		"challenges":         []string{"erratic rainfall", "input costs", "middlemen"},
		"personality_traits": []string{"practical", "skeptical of advice"},
		"speaking_style":     "short mixed Hindi-English messages, rarely uses punctuation",
		"background_story":   "Farms five acres of family land and sells at the nearest mandi.",
	}
	data, _ := json.Marshal(p)
	return string(data)
}

func stubReview(prompt string) string {
	type verdict struct {
		Index  int    `json:"index"`
		Accept bool   `json:"accept"`
		Reason string `json:"reason"`
	}
	var verdicts []verdict
	for _, m := range stubReviewLine.FindAllStringSubmatch(prompt, -1) {
		i, _ := strconv.Atoi(m[1])
		verdicts = append(verdicts, verdict{Index: i, Accept: true, Reason: "stub review"})
	}
	data, _ := json.Marshal(map[string]any{"verdicts": verdicts})
	return string(data)
}
