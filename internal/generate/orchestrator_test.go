package generate

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/raphaelgruber/intentmix/internal/embedding"
	"github.com/raphaelgruber/intentmix/internal/intent"
	"github.com/raphaelgruber/intentmix/internal/llm"
	"github.com/raphaelgruber/intentmix/internal/metrics"
	"github.com/raphaelgruber/intentmix/internal/models"
	"github.com/raphaelgruber/intentmix/internal/persona"
	"github.com/raphaelgruber/intentmix/internal/similarity"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeChain answers calls from a script. An exhausted script fails every
// provider.
type fakeChain struct {
	mu      sync.Mutex
	replies []fakeReply
	prompts []string
	review  func(prompt string) string
}

type fakeReply struct {
	text string
	err  error
}

func (f *fakeChain) Complete(_ context.Context, prompt, _ string) (llm.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.review != nil && strings.Contains(prompt, `"verdicts"`) {
		return llm.Completion{Text: f.review(prompt), Provider: "fake", Model: "fake-1"}, nil
	}
	f.prompts = append(f.prompts, prompt)
	if len(f.replies) == 0 {
		return llm.Completion{}, &llm.ExhaustedError{Failures: []llm.ProviderFailure{
			{Provider: "fake", Kind: llm.FailureRetryable, Attempts: 3, Err: errors.New("HTTP 503")},
		}}
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	if r.err != nil {
		return llm.Completion{}, r.err
	}
	return llm.Completion{Text: r.text, Provider: "fake", Model: "fake-1"}, nil
}

func (f *fakeChain) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.prompts)
}

// memorySink keeps saved questions and optionally fails every save.
type memorySink struct {
	mu    sync.Mutex
	saved []models.GeneratedQuestion
	err   error
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Save(_ context.Context, q models.GeneratedQuestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, q)
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) Saved() []models.GeneratedQuestion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.saved)
}

func testCatalog(t *testing.T) *intent.Catalog {
	t.Helper()
	cat, err := intent.NewCatalog([]intent.Definition{
		{ID: "1", Name: "Crop Disease", KeySignals: []string{"spots", "yellow leaves"}},
		{ID: "2", Name: "Market Prices", KeySignals: []string{"mandi rate", "selling"}},
		{ID: "3", Name: "Government Schemes", KeySignals: []string{"subsidy", "PM-KISAN"}},
		{ID: "4", Name: "Weather", KeySignals: []string{"rain", "forecast"}},
	}, nil)
	require.NoError(t, err)
	return cat
}

type fixture struct {
	catalog *intent.Catalog
	tracker *intent.Tracker
	index   *similarity.Index
	sink    *memorySink
	metrics *metrics.Collector
}

func newFixture(t *testing.T, params intent.Params) *fixture {
	t.Helper()
	cat := testCatalog(t)
	tr, err := intent.NewTracker(cat, params, rand.New(rand.NewPCG(7, 11)))
	require.NoError(t, err)
	return &fixture{
		catalog: cat,
		tracker: tr,
		index:   similarity.NewIndex(embedding.NewHash(64)),
		sink:    &memorySink{},
		metrics: metrics.NewCollector(),
	}
}

func (f *fixture) deps(chain Completer) Deps {
	return Deps{
		Catalog: f.catalog,
		Tracker: f.tracker,
		Index:   f.index,
		Chain:   chain,
		Sink:    f.sink,
		Metrics: f.metrics,
	}
}

func stubChain(t *testing.T) *llm.Chain {
	t.Helper()
	cfg := llm.DefaultChainConfig()
	cfg.CallTimeout = 0
	chain, err := llm.NewChain([]llm.Provider{llm.NewStub(42)}, cfg)
	require.NoError(t, err)
	return chain
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Total = 6
	cfg.BatchSize = 3
	cfg.DuplicateThreshold = 0.95
	return cfg
}

func questionsJSON(t *testing.T, items ...map[string]any) string {
	t.Helper()
	data, err := json.Marshal(items)
	require.NoError(t, err)
	return "```json\n" + string(data) + "\n```"
}

func TestRunCoverageShiftsTowardUnusedIntents(t *testing.T) {
	params := intent.DefaultParams()
	params.Strategy = intent.StrategyCoverage
	params.MinMix, params.MaxMix = 2, 2
	f := newFixture(t, params)

	for id, w := range f.tracker.Weights() {
		assert.InDelta(t, 0.25, w, 1e-9, "intent %s", id)
	}

	var checked bool
	o, err := New(testConfig(), f.deps(stubChain(t)), WithObserver(func(res BatchResult) {
		if res.Batch != 1 {
			return
		}
		require.Positive(t, res.Accepted)
		weights := f.tracker.Weights()
		for _, unused := range f.catalog.Eligible() {
			if res.Mix.Contains(unused) {
				continue
			}
			for _, used := range res.Mix.IDs() {
				assert.Greater(t, weights[unused], weights[used], "unused %s vs used %s", unused, used)
			}
		}
		checked = true
	}))
	require.NoError(t, err)

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, checked)
	assert.Equal(t, 2, sum.Batches)
	assert.Zero(t, sum.FailedBatches)
	assert.LessOrEqual(t, sum.Generated, 6)
	assert.Positive(t, sum.Generated)
}

func TestRunStoresAcceptedQuestions(t *testing.T) {
	f := newFixture(t, intent.DefaultParams())
	cfg := testConfig()
	cfg.Difficulty = models.DifficultyExpert

	o, err := New(cfg, f.deps(stubChain(t)))
	require.NoError(t, err)

	sum, err := o.Run(context.Background())
	require.NoError(t, err)

	saved := f.sink.Saved()
	require.Len(t, saved, sum.Generated)
	assert.Equal(t, sum.Generated, f.index.Count(similarity.SourceGenerated))
	assert.Len(t, o.Accepted(), sum.Generated)

	for _, q := range saved {
		assert.Equal(t, o.RunID(), q.RunID)
		assert.Equal(t, llm.ProviderStub, q.Provider)
		assert.Equal(t, models.DifficultyExpert, q.Difficulty)
		assert.NoError(t, q.Mix.Validate())
		assert.NotEmpty(t, q.ID)
		assert.NotEmpty(t, q.Embedding)
		assert.GreaterOrEqual(t, q.MaxSimilarity, 0.0)
		assert.LessOrEqual(t, q.MaxSimilarity, 1.0)
		assert.Contains(t, q.Persona, "Ramesh Patil")
		for _, id := range q.ExpectedIntents {
			assert.True(t, f.catalog.Has(id), "unknown intent %s", id)
		}
	}

	snap := f.metrics.Snapshot()
	assert.Equal(t, int64(sum.Generated), snap.Operations[metrics.OpPersist].Count)
	assert.Positive(t, snap.Operations[metrics.OpEmbedding].Count)
}

func TestRunCountsRejectionsAndSkipsFailedBatch(t *testing.T) {
	f := newFixture(t, intent.DefaultParams())
	chain := &fakeChain{replies: []fakeReply{
		{err: &llm.ExhaustedError{Failures: []llm.ProviderFailure{{Provider: "groq", Kind: llm.FailureRateLimited, Attempts: 3}}}},
		{text: questionsJSON(t,
			map[string]any{"question": "Sir my tomato leaves have black spots, and the mandi rate is also falling, what to do?", "expected_intents": []int{1, 2}, "confusion_points": []string{"disease", "price"}},
			map[string]any{"question": "Sir my tomato leaves have black spots, and the mandi rate is also falling, what to do?", "expected_intents": []string{"1"}},
			map[string]any{"question": "", "expected_intents": []string{"1"}},
			map[string]any{"question": "Is the onion subsidy open for farmers in Nashik this season?", "expected_intents": []string{"99"}},
			map[string]any{"question": "hi?"},
		)},
	}}

	cfg := testConfig()
	cfg.ForcedIntents = []string{"1", "2"}
	cfg.Concurrency = 1
	o, err := New(cfg, f.deps(chain), WithRunID("run-test"))
	require.NoError(t, err)

	sum, err := o.Run(context.Background())
	require.NoError(t, err)

	want := Summary{
		RunID:             "run-test",
		PlannedBatches:    2,
		Batches:           2,
		Generated:         1,
		Candidates:        5,
		RejectedDuplicate: 1,
		RejectedInvalid:   3,
		FailedBatches:     1,
		FailedRequests:    1,
	}
	if diff := cmp.Diff(want, sum, cmpopts.IgnoreFields(Summary{}, "Duration")); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}

	saved := f.sink.Saved()
	require.Len(t, saved, 1)
	assert.Equal(t, []string{"1", "2"}, saved[0].ExpectedIntents)
	assert.Equal(t, "disease; price", saved[0].ConfusionRationale)
	assert.Equal(t, models.DifficultyHard, saved[0].Difficulty)
	assert.Equal(t, "fake", saved[0].Provider)
	assert.Equal(t, 2, saved[0].Batch)

	st, ok := f.tracker.State("1")
	require.True(t, ok)
	assert.Equal(t, 1, st.TimesUsed)
	assert.Equal(t, 4, st.TimesRejected)
}

// flakyEmbedder fails every call for texts containing bad and hashes the rest.
type flakyEmbedder struct {
	*embedding.HashEmbedder
	bad string

	mu       sync.Mutex
	failures int
}

func (e *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(text, e.bad) {
		e.mu.Lock()
		e.failures++
		e.mu.Unlock()
		return nil, errors.New("embedding server returned 500")
	}
	return e.HashEmbedder.Embed(ctx, text)
}

func (e *flakyEmbedder) Failures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

func TestRunDropsCandidateWhoseEmbeddingKeepsFailing(t *testing.T) {
	f := newFixture(t, intent.DefaultParams())
	emb := &flakyEmbedder{HashEmbedder: embedding.NewHash(64), bad: "borewell"}
	f.index = similarity.NewIndex(emb)

	chain := &fakeChain{replies: []fakeReply{
		{text: questionsJSON(t,
			map[string]any{"question": "My chilli plants show yellow leaves, will the mandi still buy them at a fair rate?", "expected_intents": []string{"1", "2"}},
			map[string]any{"question": "Should I run the borewell pump now or wait for the rain forecast on Friday?", "expected_intents": []string{"1"}},
			map[string]any{"question": "Groundnut pods are rotting after heavy showers, can I still sell in the market?", "expected_intents": []string{"2"}},
		)},
	}}

	cfg := testConfig()
	cfg.Total = 3
	cfg.ForcedIntents = []string{"1", "2"}
	cfg.EmbedAttempts = 3
	o, err := New(cfg, f.deps(chain), WithRunID("run-embed"))
	require.NoError(t, err)

	sum, err := o.Run(context.Background())
	require.NoError(t, err)

	want := Summary{
		RunID:             "run-embed",
		PlannedBatches:    1,
		Batches:           1,
		Generated:         2,
		Candidates:        3,
		RejectedEmbedding: 1,
	}
	if diff := cmp.Diff(want, sum, cmpopts.IgnoreFields(Summary{}, "Duration")); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3, emb.Failures())
	assert.Equal(t, int64(3), f.metrics.Snapshot().Operations[metrics.OpEmbedding].Failures)

	for _, q := range f.sink.Saved() {
		assert.NotContains(t, q.Text, "borewell")
	}
	assert.Equal(t, 2, f.index.Count(similarity.SourceGenerated))

	// The dropped candidate is neither a usage nor a rejection.
	st, ok := f.tracker.State("1")
	require.True(t, ok)
	assert.Equal(t, 2, st.TimesUsed)
	assert.Zero(t, st.TimesRejected)
}

func TestRunStopsAfterCurrentBatch(t *testing.T) {
	f := newFixture(t, intent.DefaultParams())
	var o *Orchestrator
	o, err := New(testConfig(), f.deps(stubChain(t)), WithObserver(func(res BatchResult) {
		if res.Batch == 1 {
			o.Stop()
			o.Stop()
		}
	}))
	require.NoError(t, err)

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Stopped)
	assert.Equal(t, 1, sum.Batches)
	assert.Equal(t, 2, sum.PlannedBatches)
}

func TestRunHonorsExternalStop(t *testing.T) {
	f := newFixture(t, intent.DefaultParams())
	stop := make(chan struct{})
	close(stop)

	chain := &fakeChain{}
	o, err := New(testConfig(), f.deps(chain), WithStop(stop))
	require.NoError(t, err)

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Stopped)
	assert.Zero(t, sum.Batches)
	assert.Empty(t, chain.Prompts())
}

func TestRunCanceledContext(t *testing.T) {
	f := newFixture(t, intent.DefaultParams())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o, err := New(testConfig(), f.deps(&fakeChain{}))
	require.NoError(t, err)

	_, err = o.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunSinkFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t, intent.DefaultParams())
	f.sink.err = errors.New("disk full")

	o, err := New(testConfig(), f.deps(stubChain(t)))
	require.NoError(t, err)

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Positive(t, sum.Generated)
	assert.Equal(t, sum.Generated, sum.SinkFailures)
	assert.Equal(t, 2, sum.Batches)
}

func TestRunVerifyRejectsBeforeIndexing(t *testing.T) {
	f := newFixture(t, intent.DefaultParams())
	chain := &fakeChain{
		replies: []fakeReply{{text: questionsJSON(t,
			map[string]any{"question": "Kindly advise on integrated pest management strategies for Solanum lycopersicum.", "expected_intents": []string{"1"}},
			map[string]any{"question": "bhai cotton me white flies aa gaye, spray karu ya rain ka wait karu?", "expected_intents": []string{"1", "4"}},
		)}},
		review: func(string) string {
			return `{"verdicts": [{"index": 1, "accept": false, "reason": "textbook wording"}, {"index": 2, "accept": true, "reason": "natural"}]}`
		},
	}

	cfg := testConfig()
	cfg.Total, cfg.BatchSize = 2, 2
	cfg.Verify = true
	o, err := New(cfg, f.deps(chain))
	require.NoError(t, err)

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.RejectedQuality)
	assert.Equal(t, 1, sum.Generated)
	assert.Equal(t, 1, f.index.Len())
	assert.Equal(t, int64(1), f.metrics.Snapshot().Operations[metrics.OpVerify].Count)
}

func TestRunSplitsRequests(t *testing.T) {
	f := newFixture(t, intent.DefaultParams())
	chain := &fakeChain{}

	cfg := testConfig()
	cfg.Total, cfg.BatchSize, cfg.RequestSize = 5, 5, 2
	o, err := New(cfg, f.deps(chain))
	require.NoError(t, err)

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.FailedBatches)
	assert.Equal(t, 3, sum.FailedRequests)

	var counts []string
	for _, p := range chain.Prompts() {
		for _, line := range strings.Split(p, "\n") {
			if strings.HasPrefix(line, "- Generate exactly") {
				counts = append(counts, line)
			}
		}
	}
	slices.Sort(counts)
	assert.Equal(t, []string{
		"- Generate exactly 1 questions",
		"- Generate exactly 2 questions",
		"- Generate exactly 2 questions",
	}, counts)
}

func TestRunUsesReferencesFromIndex(t *testing.T) {
	f := newFixture(t, intent.DefaultParams())
	cfg := testConfig()
	cfg.Total, cfg.BatchSize = 1, 1
	cfg.ForcedIntents = []string{"3", "4"}

	mix, err := f.tracker.ForceMix(cfg.ForcedIntents)
	require.NoError(t, err)
	_, err = f.index.Preload(context.Background(), []string{
		"Government Schemes subsidy PM-KISAN Weather rain forecast",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, intent.Mix{{ID: "3", Weight: 0.5}, {ID: "4", Weight: 0.5}}, mix)

	chain := &fakeChain{}
	o, err := New(cfg, f.deps(chain))
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	require.NoError(t, err)

	prompts := chain.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "REFERENCE QUESTIONS")
	assert.Contains(t, prompts[0], "Government Schemes subsidy PM-KISAN")
}

func TestRunWithGeneratedPersona(t *testing.T) {
	f := newFixture(t, intent.DefaultParams())
	chain := stubChain(t)
	deps := f.deps(chain)
	deps.Personas = persona.NewGenerator(chain)

	cfg := testConfig()
	cfg.Total, cfg.BatchSize = 3, 3
	o, err := New(cfg, deps)
	require.NoError(t, err)

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Positive(t, sum.Generated)
	for _, q := range f.sink.Saved() {
		assert.NotEmpty(t, q.Persona)
	}
}

func TestNewRejectsBadSetup(t *testing.T) {
	f := newFixture(t, intent.DefaultParams())

	cfg := testConfig()
	cfg.ForcedIntents = []string{"1", "42"}
	_, err := New(cfg, f.deps(&fakeChain{}))
	assert.ErrorIs(t, err, intent.ErrUnknownIntent)

	cfg = testConfig()
	cfg.MixSize = 9
	_, err = New(cfg, f.deps(&fakeChain{}))
	assert.ErrorIs(t, err, intent.ErrInvalidMixSize)

	cfg = testConfig()
	cfg.BatchSize = 0
	_, err = New(cfg, f.deps(&fakeChain{}))
	assert.Error(t, err)

	_, err = New(testConfig(), Deps{Catalog: f.catalog})
	assert.Error(t, err)
}

func TestNewRejectsCatalogTooSmallForMixes(t *testing.T) {
	cat, err := intent.NewCatalog([]intent.Definition{
		{ID: "1", Name: "Crop Disease"},
		{ID: "2", Name: "Market Prices"},
		{ID: "18", Name: "Acknowledgement"},
	}, []string{"2", "18"})
	require.NoError(t, err)

	params := intent.DefaultParams()
	params.MinMix = 1
	tr, err := intent.NewTracker(cat, params, nil)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MixSize = 2
	_, err = New(cfg, Deps{
		Catalog: cat,
		Tracker: tr,
		Index:   similarity.NewIndex(embedding.NewHash(16)),
		Chain:   &fakeChain{},
	})
	assert.ErrorIs(t, err, intent.ErrEmptyCatalog)
}

func TestPlannedBatches(t *testing.T) {
	tests := []struct {
		total, size, cap int
		want             int
	}{
		{6, 3, 0, 2},
		{7, 3, 0, 3},
		{1, 5, 0, 1},
		{20, 5, 2, 2},
		{4, 2, 9, 2},
	}
	for _, tt := range tests {
		cfg := Config{Total: tt.total, BatchSize: tt.size, Batches: tt.cap}
		assert.Equal(t, tt.want, cfg.PlannedBatches(), "total=%d size=%d cap=%d", tt.total, tt.size, tt.cap)
	}
}

func TestSplitRequests(t *testing.T) {
	assert.Equal(t, []int{5}, splitRequests(5, 0))
	assert.Equal(t, []int{5}, splitRequests(5, 8))
	assert.Equal(t, []int{2, 2, 1}, splitRequests(5, 2))
	assert.Equal(t, []int{3, 3}, splitRequests(6, 3))
}
