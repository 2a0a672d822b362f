// Package generate runs batches of question generation: it samples an intent
// mix, retrieves reference questions, calls the model chain, and keeps the
// candidates that are valid and novel.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/raphaelgruber/intentmix/internal/intent"
	"github.com/raphaelgruber/intentmix/internal/llm"
	"github.com/raphaelgruber/intentmix/internal/metrics"
	"github.com/raphaelgruber/intentmix/internal/models"
	"github.com/raphaelgruber/intentmix/internal/persona"
	"github.com/raphaelgruber/intentmix/internal/prompt"
	"github.com/raphaelgruber/intentmix/internal/similarity"
	"github.com/raphaelgruber/intentmix/internal/store"
)

// Config controls one run.
type Config struct {
	Total     int
	BatchSize int
	// Batches caps the number of batches. Zero runs ceil(Total/BatchSize).
	Batches int
	// RequestSize is the most questions asked of a single model call. Zero
	// asks for the whole batch in one call.
	RequestSize int
	// Concurrency bounds in-flight model and embedding calls within a batch.
	Concurrency int

	Difficulty    models.Difficulty
	PersonaSeed   string
	ForcedIntents []string
	// MixSize fixes the number of intents per mix. Zero picks a random size
	// within the tracker's bounds for every batch.
	MixSize int

	DuplicateThreshold float64
	ReferenceK         int
	MinReferenceScore  float64
	MinQuestionLength  int
	EmbedAttempts      int

	Verify       bool
	Capabilities string
}

// DefaultConfig returns the stock run settings.
func DefaultConfig() Config {
	return Config{
		Total:              10,
		BatchSize:          5,
		Concurrency:        4,
		Difficulty:         models.DifficultyHard,
		DuplicateThreshold: 0.85,
		ReferenceK:         prompt.MaxReferences,
		MinReferenceScore:  0.70,
		MinQuestionLength:  10,
		EmbedAttempts:      2,
		Capabilities:       prompt.DefaultCapabilities,
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	switch {
	case c.Total < 1:
		return fmt.Errorf("total must be positive, got %d", c.Total)
	case c.BatchSize < 1:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.Batches < 0:
		return fmt.Errorf("batches must be >= 0, got %d", c.Batches)
	case c.RequestSize < 0:
		return fmt.Errorf("request size must be >= 0, got %d", c.RequestSize)
	case c.DuplicateThreshold <= 0 || c.DuplicateThreshold > 1:
		return fmt.Errorf("duplicate threshold must be in (0,1], got %v", c.DuplicateThreshold)
	case c.MinReferenceScore < 0 || c.MinReferenceScore > 1:
		return fmt.Errorf("minimum reference score must be in [0,1], got %v", c.MinReferenceScore)
	case c.MixSize < 0:
		return fmt.Errorf("mix size must be >= 0, got %d", c.MixSize)
	}
	if _, err := models.ParseDifficulty(string(c.Difficulty)); err != nil {
		return err
	}
	return nil
}

// PlannedBatches is the number of batches a run will attempt.
func (c Config) PlannedBatches() int {
	n := (c.Total + c.BatchSize - 1) / c.BatchSize
	if c.Batches > 0 {
		n = min(n, c.Batches)
	}
	return n
}

// Deps are the collaborators of a run. Catalog, Tracker, Index and Chain are
// required.
type Deps struct {
	Catalog  *intent.Catalog
	Tracker  *intent.Tracker
	Index    *similarity.Index
	Chain    Completer
	Personas persona.Source
	Sink     store.Sink
	Metrics  *metrics.Collector
}

// Summary counts the outcomes of a run.
type Summary struct {
	RunID             string        `json:"run_id"`
	PlannedBatches    int           `json:"planned_batches"`
	Batches           int           `json:"batches"`
	Generated         int           `json:"generated"`
	Candidates        int           `json:"candidates"`
	RejectedDuplicate int           `json:"rejected_duplicate"`
	RejectedInvalid   int           `json:"rejected_invalid"`
	RejectedQuality   int           `json:"rejected_quality"`
	RejectedEmbedding int           `json:"rejected_embedding"`
	FailedBatches     int           `json:"failed_batches"`
	FailedRequests    int           `json:"failed_requests"`
	SinkFailures      int           `json:"sink_failures"`
	Stopped           bool          `json:"stopped"`
	Duration          time.Duration `json:"-"`
}

// BatchResult is reported to the observer after every batch.
type BatchResult struct {
	Batch     int
	Planned   int
	Mix       intent.Mix
	Persona   string
	Requested int
	Accepted  int
	Rejected  int
	Failed    bool
	// Err is the last request error of the batch, if any.
	Err    error
	Totals Summary
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver is called synchronously after each batch, before the next
// batch samples its mix.
func WithObserver(fn func(BatchResult)) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// WithStop halts the run before the next batch once stop is closed.
func WithStop(stop <-chan struct{}) Option {
	return func(o *Orchestrator) { o.external = stop }
}

// WithRunID replaces the generated run ID.
func WithRunID(id string) Option {
	return func(o *Orchestrator) { o.runID = id }
}

// Orchestrator drives the batches of one run. Batches run strictly in order;
// tracker and index updates happen on the Run goroutine only.
type Orchestrator struct {
	cfg      Config
	deps     Deps
	verifier *Verifier
	runID    string
	observer func(BatchResult)

	external <-chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	accepted []models.GeneratedQuestion
}

// New validates the configuration against the catalog. Unknown forced intents
// and mix sizes the catalog cannot fill fail here, before any batch runs.
func New(cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run config: %w", err)
	}
	if deps.Catalog == nil || deps.Tracker == nil || deps.Index == nil || deps.Chain == nil {
		return nil, errors.New("orchestrator needs a catalog, tracker, index and chain")
	}
	for _, id := range cfg.ForcedIntents {
		if !deps.Catalog.Has(id) {
			return nil, fmt.Errorf("%w: %q", intent.ErrUnknownIntent, id)
		}
	}
	if len(cfg.ForcedIntents) == 0 {
		params := deps.Tracker.Params()
		eligible := len(deps.Catalog.Eligible())
		if cfg.MixSize > 0 && (cfg.MixSize < params.MinMix || cfg.MixSize > params.MaxMix) {
			return nil, fmt.Errorf("%w: %d outside [%d,%d]", intent.ErrInvalidMixSize, cfg.MixSize, params.MinMix, params.MaxMix)
		}
		if need := max(cfg.MixSize, params.MinMix); eligible < need {
			return nil, fmt.Errorf("%w: %d eligible intents, mixes need %d", intent.ErrEmptyCatalog, eligible, need)
		}
	}

	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.EmbedAttempts < 1 {
		cfg.EmbedAttempts = 1
	}
	if deps.Personas == nil {
		deps.Personas = persona.Static{}
	}
	if deps.Sink == nil {
		deps.Sink = store.Discard{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector()
	}

	o := &Orchestrator{
		cfg:   cfg,
		deps:  deps,
		runID: uuid.NewString(),
		stop:  make(chan struct{}),
	}
	if cfg.Verify {
		o.verifier = NewVerifier(deps.Chain)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// RunID identifies this run in stored records.
func (o *Orchestrator) RunID() string { return o.runID }

// Stop asks the run to halt once the current batch is done. Safe to call more
// than once and from any goroutine.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
}

func (o *Orchestrator) stopRequested() bool {
	select {
	case <-o.stop:
		return true
	case <-o.external:
		return true
	default:
		return false
	}
}

// Accepted returns the questions accepted so far.
func (o *Orchestrator) Accepted() []models.GeneratedQuestion {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.accepted)
}

// Run processes the planned batches. A batch whose model calls all fail is
// counted and skipped. Run returns early only when ctx is done or a batch hits
// a configuration error; the summary is valid either way.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	sum := Summary{RunID: o.runID, PlannedBatches: o.cfg.PlannedBatches()}
	slog.Info("generation run started",
		"run_id", o.runID,
		"total", o.cfg.Total,
		"batch_size", o.cfg.BatchSize,
		"batches", sum.PlannedBatches,
		"difficulty", o.cfg.Difficulty,
		"strategy", o.deps.Tracker.Params().Strategy,
		"sink", o.deps.Sink.Name())

	for b := range sum.PlannedBatches {
		if o.stopRequested() {
			sum.Stopped = true
			slog.Info("stop requested, not starting next batch", "completed_batches", b)
			break
		}
		if err := ctx.Err(); err != nil {
			sum.Duration = time.Since(start)
			return sum, err
		}

		want := min(o.cfg.BatchSize, o.cfg.Total-b*o.cfg.BatchSize)
		res, err := o.runBatch(ctx, b+1, want, &sum)
		if err != nil {
			sum.Duration = time.Since(start)
			return sum, err
		}
		sum.Batches++
		res.Totals = sum
		if o.observer != nil {
			o.observer(res)
		}
	}

	sum.Duration = time.Since(start)
	slog.Info("generation run finished",
		"run_id", o.runID,
		"generated", sum.Generated,
		"rejected_duplicate", sum.RejectedDuplicate,
		"rejected_invalid", sum.RejectedInvalid,
		"rejected_quality", sum.RejectedQuality,
		"failed_batches", sum.FailedBatches,
		"stopped", sum.Stopped,
		"duration", sum.Duration.Round(time.Millisecond))
	return sum, nil
}

// pending is a validated candidate and the call that produced it.
type pending struct {
	Candidate
	provider string
	model    string
	vector   []float32
}

func (o *Orchestrator) runBatch(ctx context.Context, n, want int, sum *Summary) (BatchResult, error) {
	res := BatchResult{Batch: n, Planned: sum.PlannedBatches, Requested: want}
	log := slog.With("batch", n)

	mix, err := o.sampleMix()
	if err != nil {
		return res, fmt.Errorf("batch %d: sample mix: %w", n, err)
	}
	res.Mix = mix

	p, err := o.deps.Personas.Persona(ctx, o.cfg.PersonaSeed)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		log.Warn("persona unavailable, using static persona", "error", err)
		p, _ = persona.Static{}.Persona(ctx, o.cfg.PersonaSeed)
	}
	res.Persona = p.String()
	log.Info("batch started", "mix", mix.String(), "persona", res.Persona, "requested", want)

	refs := o.references(ctx, mix)
	system := prompt.System(o.cfg.Capabilities, &p)

	o.mu.Lock()
	generated := len(o.accepted)
	o.mu.Unlock()

	sizes := splitRequests(want, o.cfg.RequestSize)
	completions := make([]llm.Completion, len(sizes))
	errs := make([]error, len(sizes))

	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, size := range sizes {
		text := prompt.Generation{
			Mix:        mix,
			Catalog:    o.deps.Catalog,
			References: refs,
			Difficulty: o.cfg.Difficulty,
			Count:      size,
			Generated:  generated,
		}.Build()
		g.Go(func() error {
			completions[i], errs[i] = o.deps.Chain.Complete(ctx, text, system)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return res, err
	}

	var (
		candidates []pending
		failed     int
	)
	for i, err := range errs {
		if err != nil {
			failed++
			sum.FailedRequests++
			res.Err = err
			if errors.Is(err, llm.ErrInterrupted) {
				log.Info("model call interrupted by stop request", "request", i+1)
			} else {
				log.Warn("model call failed", "request", i+1, "error", err)
			}
			continue
		}

		c := completions[i]
		parsed, err := ParseCandidates(c.Text)
		if err != nil {
			failed++
			sum.FailedRequests++
			res.Err = err
			log.Warn("model reply unusable", "request", i+1, "provider", c.Provider, "error", err)
			continue
		}
		for _, raw := range parsed {
			sum.Candidates++
			valid, err := Validate(raw, o.deps.Catalog, mix, o.cfg.Difficulty, o.cfg.MinQuestionLength)
			if err != nil {
				sum.RejectedInvalid++
				res.Rejected++
				o.deps.Tracker.RecordUsage(mix, false)
				log.Info("candidate rejected", "reason", err, "question", raw.Question)
				continue
			}
			candidates = append(candidates, pending{Candidate: valid, provider: c.Provider, model: c.Model})
		}
	}

	if failed == len(sizes) {
		sum.FailedBatches++
		res.Failed = true
		log.Warn("batch failed, continuing with next batch", "error", res.Err)
		o.deps.Tracker.EndBatch()
		return res, nil
	}

	candidates = o.review(ctx, candidates, &res, sum, mix)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	o.embedAll(ctx, candidates)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	for _, c := range candidates {
		if o.accept(ctx, n, mix, p, c, sum, log) {
			res.Accepted++
		} else {
			res.Rejected++
		}
	}
	o.deps.Tracker.EndBatch()

	log.Info("batch finished", "accepted", res.Accepted, "rejected", res.Rejected, "failed_requests", failed)
	return res, nil
}

func (o *Orchestrator) sampleMix() (intent.Mix, error) {
	if len(o.cfg.ForcedIntents) > 0 {
		return o.deps.Tracker.ForceMix(o.cfg.ForcedIntents)
	}
	size := o.cfg.MixSize
	if size == 0 {
		size = o.deps.Tracker.RandomMixSize()
	}
	return o.deps.Tracker.SampleMix(size)
}

// references returns the few-shot examples for mix. Retrieval problems only
// cost the batch its examples.
func (o *Orchestrator) references(ctx context.Context, mix intent.Mix) []similarity.Match {
	if o.cfg.ReferenceK <= 0 || o.deps.Index.Len() == 0 {
		return nil
	}
	v, err := o.embed(ctx, prompt.RepresentativeQuery(o.deps.Catalog, mix))
	if err != nil {
		slog.Warn("reference retrieval failed", "error", err)
		return nil
	}
	refs, err := o.deps.Index.NearestVector(v, o.cfg.ReferenceK, o.cfg.MinReferenceScore)
	if err != nil {
		slog.Warn("reference retrieval failed", "error", err)
		return nil
	}
	return refs
}

func (o *Orchestrator) review(ctx context.Context, candidates []pending, res *BatchResult, sum *Summary, mix intent.Mix) []pending {
	if o.verifier == nil || len(candidates) == 0 {
		return candidates
	}
	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Question
	}

	start := time.Now()
	keep, err := o.verifier.Review(ctx, texts)
	o.deps.Metrics.Record(metrics.OpVerify, time.Since(start), err)
	if err != nil {
		slog.Warn("quality review failed, keeping all candidates", "batch", res.Batch, "error", err)
		return candidates
	}

	kept := candidates[:0]
	for i, c := range candidates {
		if keep[i] {
			kept = append(kept, c)
			continue
		}
		sum.RejectedQuality++
		res.Rejected++
		o.deps.Tracker.RecordUsage(mix, false)
	}
	return kept
}

// embedAll fills in candidate vectors concurrently. A candidate whose
// embedding keeps failing is left without a vector.
func (o *Orchestrator) embedAll(ctx context.Context, candidates []pending) {
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i := range candidates {
		g.Go(func() error {
			var err error
			for attempt := range o.cfg.EmbedAttempts {
				candidates[i].vector, err = o.embed(ctx, candidates[i].Question)
				if err == nil || ctx.Err() != nil {
					break
				}
				slog.Debug("embedding failed", "attempt", attempt+1, "error", err)
			}
			if err != nil {
				slog.Warn("dropping candidate without embedding", "question", candidates[i].Question, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	v, err := o.deps.Index.Embed(ctx, text)
	o.deps.Metrics.Record(metrics.OpEmbedding, time.Since(start), err)
	return v, err
}

// accept runs the novelty check and, on success, records the question
// everywhere. It must only be called from the Run goroutine.
func (o *Orchestrator) accept(ctx context.Context, batch int, mix intent.Mix, p models.Persona, c pending, sum *Summary, log *slog.Logger) bool {
	if c.vector == nil {
		sum.RejectedEmbedding++
		return false
	}

	dup, best, err := o.deps.Index.CheckDuplicateVector(c.vector, o.cfg.DuplicateThreshold)
	if err != nil {
		sum.RejectedEmbedding++
		log.Warn("novelty check failed", "error", err)
		return false
	}
	if dup {
		sum.RejectedDuplicate++
		o.deps.Tracker.RecordUsage(mix, false)
		log.Info("duplicate rejected", "similarity", best, "question", c.Question)
		return false
	}
	if err := o.deps.Index.InsertVector(c.Question, c.vector, similarity.SourceGenerated); err != nil {
		sum.RejectedEmbedding++
		log.Warn("index insert failed", "error", err)
		return false
	}
	o.deps.Tracker.RecordUsage(mix, true)

	q := models.GeneratedQuestion{
		ID:                 uuid.NewString(),
		RunID:              o.runID,
		Batch:              batch,
		Text:               c.Question,
		Mix:                mix,
		ExpectedIntents:    c.ExpectedIntents,
		Difficulty:         models.Difficulty(c.Difficulty),
		ConfusionRationale: c.ConfusionPoints,
		MaxSimilarity:      best,
		Provider:           c.provider,
		Model:              c.model,
		Persona:            p.String(),
		CreatedAt:          time.Now(),
		Embedding:          c.vector,
	}

	start := time.Now()
	err = o.deps.Sink.Save(ctx, q)
	o.deps.Metrics.Record(metrics.OpPersist, time.Since(start), err)
	if err != nil {
		sum.SinkFailures++
		log.Warn("failed to save question", "sink", o.deps.Sink.Name(), "error", err)
	}

	o.mu.Lock()
	o.accepted = append(o.accepted, q)
	o.mu.Unlock()
	sum.Generated++
	log.Debug("question accepted", "similarity", best, "question", q.Text)
	return true
}

// splitRequests divides want questions into calls of at most size questions.
func splitRequests(want, size int) []int {
	if size <= 0 || size >= want {
		return []int{want}
	}
	var out []int
	for want > 0 {
		n := min(size, want)
		out = append(out, n)
		want -= n
	}
	return out
}
