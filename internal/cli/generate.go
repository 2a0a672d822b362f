package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/intentmix/internal/db"
	"github.com/raphaelgruber/intentmix/internal/embedding"
	"github.com/raphaelgruber/intentmix/internal/generate"
	"github.com/raphaelgruber/intentmix/internal/intent"
	"github.com/raphaelgruber/intentmix/internal/llm"
	"github.com/raphaelgruber/intentmix/internal/metrics"
	"github.com/raphaelgruber/intentmix/internal/models"
	"github.com/raphaelgruber/intentmix/internal/persona"
	"github.com/raphaelgruber/intentmix/internal/prompt"
	"github.com/raphaelgruber/intentmix/internal/similarity"
	"github.com/raphaelgruber/intentmix/internal/store"
)

var (
	genTotal       int
	genBatchSize   int
	genBatches     int
	genStrategy    string
	genPersona     string
	genIntents     []string
	genMixSize     int
	genDifficulty  string
	genThreshold   float64
	genSinks       []string
	genDryRun      bool
	genVerify      bool
	genProgress    bool
	genSeed        uint64
	genConcurrency int
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a batch of ambiguous questions",
	Long: `Generate questions that blend several intents.

The run processes ceil(total / batch-size) batches one after another. A batch
whose model calls fail on every provider is skipped and counted. The first
Ctrl+C stops after the current batch; a second one cancels immediately.

Examples:
  intentmix generate --total 50 --batch-size 5
  intentmix generate -n 20 --strategy coverage_based --difficulty expert
  intentmix generate -n 10 --intents 3,7 --persona "anxious cotton farmer from Vidarbha"
  intentmix generate -n 6 -b 3 --dry-run --sink csv,sqlite`,
	RunE: runGenerate,
}

func init() {
	f := generateCmd.Flags()
	f.IntVarP(&genTotal, "total", "n", 10, "number of questions to generate")
	f.IntVarP(&genBatchSize, "batch-size", "b", 5, "questions per batch")
	f.IntVar(&genBatches, "batches", 0, "cap on the number of batches (0 = ceil(total/batch-size))")
	f.StringVarP(&genStrategy, "strategy", "s", "", "weight evolution: adaptive, random_walk or coverage_based")
	f.StringVar(&genPersona, "persona", "", "persona seed text")
	f.StringSliceVar(&genIntents, "intents", nil, "force these intent ids into every mix")
	f.IntVar(&genMixSize, "mix-size", 0, "intents per mix, overriding INTENTMIX_MIN_MIX/MAX_MIX (0 = random within bounds)")
	f.StringVarP(&genDifficulty, "difficulty", "d", "", "medium, hard or expert")
	f.Float64Var(&genThreshold, "threshold", 0, "duplicate similarity threshold")
	f.StringSliceVar(&genSinks, "sink", nil, "where to save questions: csv, sqlite, surrealdb, none")
	f.BoolVar(&genDryRun, "dry-run", false, "use the offline stub model and hashing embedder")
	f.BoolVar(&genVerify, "verify", false, "review candidates with a second model call")
	f.BoolVar(&genProgress, "progress", false, "show a live progress display")
	f.Uint64Var(&genSeed, "seed", 0, "seed for intent sampling and the stub model (0 = random)")
	f.IntVar(&genConcurrency, "concurrency", 0, "parallel model and embedding calls within a batch")
}

// applyGenerateFlags overrides configuration with explicitly set flags.
func applyGenerateFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("strategy") {
		cfg.Strategy = genStrategy
	}
	if f.Changed("difficulty") {
		cfg.Difficulty = genDifficulty
	}
	if f.Changed("threshold") {
		cfg.DuplicateThreshold = genThreshold
	}
	if f.Changed("sink") {
		cfg.Sinks = genSinks
	}
	if f.Changed("concurrency") {
		cfg.Concurrency = genConcurrency
	}
	if genDryRun {
		cfg.Providers = []string{llm.ProviderStub}
	}
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	applyGenerateFlags(cmd)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	difficulty, err := models.ParseDifficulty(cfg.Difficulty)
	if err != nil {
		return err
	}
	params, err := cfg.TrackerParams()
	if err != nil {
		return err
	}
	params = withMixSize(params, genMixSize)

	catalog, err := intent.LoadCatalog(cfg.IntentsPath, cfg.ExcludedIntents)
	if err != nil {
		return fmt.Errorf("load intents: %w", err)
	}
	var rng *rand.Rand
	if genSeed != 0 {
		rng = rand.New(rand.NewPCG(genSeed, genSeed^0x9e3779b97f4a7c15))
	}
	tracker, err := intent.NewTracker(catalog, params, rng)
	if err != nil {
		return fmt.Errorf("init weight tracker: %w", err)
	}

	embedder, err := newEmbedder(ctx)
	if err != nil {
		return fmt.Errorf("init embedder: %w", err)
	}
	index := similarity.NewIndex(embedder, similarity.WithEmbedTimeout(cfg.EmbeddingTimeout))

	sinks, err := openSinks(ctx, cfg.Sinks)
	if err != nil {
		return err
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			slog.Warn("failed to close sinks", "error", err)
		}
	}()

	loaders := append([]store.CorpusLoader{
		store.CSVCorpus{QuestionsPath: cfg.QuestionsPath, EmbeddingsPath: cfg.EmbeddingsPath},
	}, sinks.loaders...)
	if corpus := store.LoadAll(ctx, loaders...); corpus.Len() > 0 {
		n, err := index.Preload(ctx, corpus.Texts, corpus.Vectors)
		if err != nil {
			return fmt.Errorf("seed similarity index: %w", err)
		}
		slog.Info("similarity index seeded", "questions", n, "embedding_model", embedder.Model())
	}

	stop := make(chan struct{})
	var stopOnce sync.Once
	requestStop := func() {
		stopOnce.Do(func() {
			slog.Warn("stop requested, finishing current batch")
			close(stop)
		})
	}

	collector := metrics.NewCollector()
	chain, err := newChain(ctx, stop, collector)
	if err != nil {
		return err
	}
	capabilities, err := prompt.LoadCapabilities(cfg.AgentPromptPath)
	if err != nil {
		return err
	}

	genCfg := generate.Config{
		Total:              genTotal,
		BatchSize:          genBatchSize,
		Batches:            genBatches,
		RequestSize:        cfg.RequestSize,
		Concurrency:        cfg.Concurrency,
		Difficulty:         difficulty,
		PersonaSeed:        genPersona,
		ForcedIntents:      genIntents,
		MixSize:            genMixSize,
		DuplicateThreshold: cfg.DuplicateThreshold,
		ReferenceK:         cfg.ReferenceK,
		MinReferenceScore:  cfg.MinReferenceScore,
		MinQuestionLength:  cfg.MinQuestionLength,
		EmbedAttempts:      2,
		Verify:             genVerify,
		Capabilities:       capabilities,
	}

	opts := []generate.Option{generate.WithStop(stop)}
	var ui *progressUI
	if genProgress && term.IsTerminal(int(os.Stdout.Fd())) {
		ui = newProgressUI(genCfg.PlannedBatches(), genCfg.Total, requestStop, cancel)
		opts = append(opts, generate.WithObserver(ui.Observe))
	}

	orch, err := generate.New(genCfg, generate.Deps{
		Catalog:  catalog,
		Tracker:  tracker,
		Index:    index,
		Chain:    chain,
		Personas: persona.NewGenerator(chain),
		Sink:     sinks.Sink(),
		Metrics:  collector,
	}, opts...)
	if err != nil {
		return err
	}

	releaseSignals := handleSignals(requestStop, cancel)
	defer releaseSignals()

	started := time.Now()
	var (
		sum    generate.Summary
		runErr error
	)
	if ui != nil {
		sum, runErr = ui.Run(func() (generate.Summary, error) { return orch.Run(ctx) })
	} else {
		sum, runErr = orch.Run(ctx)
	}

	// Reports are written for stopped and canceled runs too.
	ev := metrics.Evaluate(orch.Accepted(), len(catalog.Eligible()), sum.RejectedDuplicate)
	outputs := append([]string(nil), sinks.paths...)
	report := metrics.Report{
		Meta: metrics.RunMeta{
			RunID:      sum.RunID,
			StartedAt:  started,
			DurationS:  sum.Duration.Seconds(),
			Batches:    sum.Batches,
			Difficulty: string(difficulty),
			Strategy:   string(params.Strategy),
		},
		Evaluation: ev,
		Operations: collector.Snapshot(),
		Summary:    sum,
	}
	if err := metrics.WriteJSON(cfg.MetricsPath, report); err != nil {
		slog.Warn("failed to write metrics", "error", err)
	} else {
		outputs = append(outputs, cfg.MetricsPath)
	}
	if err := metrics.WriteJSON(cfg.EvolutionLogPath, tracker.EvolutionLog()); err != nil {
		slog.Warn("failed to write evolution log", "error", err)
	} else {
		outputs = append(outputs, cfg.EvolutionLogPath)
	}
	if sinks.surreal != nil {
		recordCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := sinks.surreal.QueryRecordRun(recordCtx, sum.RunID, db.RunRecord{
			Strategy:   string(params.Strategy),
			Difficulty: string(difficulty),
			StartedAt:  started,
			Summary:    summaryMap(sum),
		}); err != nil {
			slog.Warn("failed to record run", "error", err)
		}
		done()
	}

	fmt.Fprintln(cmd.OutOrStdout(), renderReport(sum, ev, outputs, reportWidth()))

	if runErr != nil {
		return fmt.Errorf("generation run: %w", runErr)
	}
	return nil
}

// withMixSize widens the tracker's mix bounds so an explicit --mix-size always
// fits. Zero leaves them alone.
func withMixSize(p intent.Params, size int) intent.Params {
	if size > 0 {
		p.MinMix = min(p.MinMix, size)
		p.MaxMix = max(p.MaxMix, size)
	}
	return p
}

func newEmbedder(ctx context.Context) (embedding.Embedder, error) {
	if genDryRun {
		return embedding.NewHash(cfg.EmbeddingDimension), nil
	}
	return embedding.New(ctx, cfg.EmbeddingConfig())
}

// newChain builds the model call chain from the configured providers.
// Providers that cannot be built, usually for lack of an API key, are skipped.
func newChain(ctx context.Context, stop <-chan struct{}, collector *metrics.Collector) (*llm.Chain, error) {
	var providers []llm.Provider
	if genDryRun {
		providers = []llm.Provider{llm.NewStub(genSeed)}
	} else {
		for _, pc := range cfg.ProviderConfigs() {
			p, err := llm.NewProvider(ctx, pc)
			if err != nil {
				slog.Warn("skipping provider", "provider", pc.Name, "error", err)
				continue
			}
			providers = append(providers, p)
		}
		if len(providers) == 0 {
			return nil, errors.New("no usable model provider configured (set API keys or use --dry-run)")
		}
	}

	chain, err := llm.NewChain(providers, cfg.ChainConfig(),
		llm.WithInterrupt(stop),
		llm.WithObserver(collector.ObserveLLM),
	)
	if err != nil {
		return nil, err
	}
	slog.Info("model call chain ready", "providers", chain.Providers())
	return chain, nil
}

// handleSignals turns the first SIGINT or SIGTERM into a graceful stop and the
// second into cancellation. The returned function releases the handler.
func handleSignals(stop func(), cancel context.CancelFunc) func() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		received := 0
		for {
			select {
			case <-sigs:
				received++
				if received == 1 {
					stop()
					continue
				}
				slog.Warn("second signal received, canceling run")
				cancel()
				return
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

func summaryMap(sum generate.Summary) map[string]any {
	data, err := json.Marshal(sum)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	m["duration_seconds"] = sum.Duration.Seconds()
	return m
}
