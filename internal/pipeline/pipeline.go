// Package pipeline orchestrates one run: expand the configured parameter
// combinations, search the index for each, and push every hit through
// fetch, ranking, extraction, and storage. Failures are scoped to a single
// document; one bad paper never takes down the batch.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bull/litmine/internal/document"
	"github.com/bull/litmine/internal/extraction"
	"github.com/bull/litmine/internal/ranking"
	"github.com/bull/litmine/internal/schema"
	"github.com/bull/litmine/internal/store"
)

// Source finds and resolves documents.
type Source interface {
	Search(ctx context.Context, query string) ([]string, error)
	Fetch(ctx context.Context, id string) (*document.Document, error)
}

// Ranker keeps the sections most relevant to a question.
type Ranker interface {
	Rank(sections []string, query string) []ranking.Section
}

// Extractor turns ranked sections into structured outputs.
type Extractor interface {
	Extract(ctx context.Context, docID, question string, sections []ranking.Section) (*extraction.Result, error)
}

// Store persists extraction records keyed by identity.
type Store interface {
	FindRecord(ctx context.Context, combo []schema.Item, documentID string) (int64, bool, error)
	Upsert(ctx context.Context, rec *store.Record) error
}

// Config holds the run parameters.
type Config struct {
	Params           []schema.InputParameter
	QuestionTemplate string
	// Overwrite re-extracts and rewrites records that already exist.
	Overwrite bool
}

// Report summarizes one run.
type Report struct {
	RunID string
	// Attempted counts search hits that entered the per-document pipeline.
	Attempted int
	// Written counts records inserted or overwritten.
	Written int
	// SkippedExisting counts hits whose identity already had a record and
	// overwrite was off; no extraction call is made for these.
	SkippedExisting int
	// Failed counts documents lost to extraction or storage errors.
	Failed int
	// Dropped counts documents lost before extraction: fetch failures and
	// documents with no usable text.
	Dropped int

	TotalCost float64
	Duration  time.Duration
}

// Pipeline wires the stages together.
type Pipeline struct {
	source    Source
	ranker    Ranker
	extractor Extractor
	store     Store
	cfg       Config
	logger    *slog.Logger

	mu     sync.Mutex
	report *Report
}

func New(source Source, ranker Ranker, extractor Extractor, st Store, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		source:    source,
		ranker:    ranker,
		extractor: extractor,
		store:     st,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run executes the whole batch and returns its report. Per-document errors
// are counted, logged, and absorbed; Run itself only fails when a search
// query cannot be served at all or the context is canceled.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	p.report = &Report{RunID: uuid.NewString()}

	combos := schema.Combinations(p.cfg.Params)
	p.logger.Info("run starting", "run_id", p.report.RunID, "combinations", len(combos))

	// One group for the whole batch: document work from every combination
	// runs concurrently, and work for combination N+1 starts as soon as its
	// search answers, without waiting for combination N's documents. The
	// component semaphores (fetch, extraction, storage pool) are the only
	// backpressure; the orchestrator adds no cap of its own.
	var g errgroup.Group
	for _, combo := range combos {
		if err := ctx.Err(); err != nil {
			g.Wait()
			return nil, err
		}
		if err := p.runCombination(ctx, &g, combo); err != nil {
			g.Wait()
			return nil, err
		}
	}
	g.Wait()

	p.report.Duration = time.Since(start)
	p.logger.Info("run complete",
		"run_id", p.report.RunID,
		"attempted", p.report.Attempted,
		"written", p.report.Written,
		"skipped_existing", p.report.SkippedExisting,
		"failed", p.report.Failed,
		"dropped", p.report.Dropped,
		"total_cost", p.report.TotalCost,
		"duration", p.report.Duration)
	return p.report, nil
}

// runCombination searches one combination and hands its documents to the
// batch group without waiting for them.
func (p *Pipeline) runCombination(ctx context.Context, g *errgroup.Group, combo []schema.Item) error {
	query := schema.BuildQuery(combo, "")
	question := schema.FormatQuestion(p.cfg.QuestionTemplate, p.cfg.Params, combo)

	ids, err := p.source.Search(ctx, query)
	if err != nil {
		return err
	}

	for _, id := range ids {
		id := id
		p.count(func(r *Report) { r.Attempted++ })
		g.Go(func() error {
			// Document failures are absorbed here so one document can
			// never cancel its siblings.
			p.processDocument(ctx, combo, question, id)
			return nil
		})
	}
	return nil
}

// processDocument runs the fetch -> rank -> extract -> store chain for one
// search hit and books the outcome into the report.
func (p *Pipeline) processDocument(ctx context.Context, combo []schema.Item, question, id string) {
	doc, err := p.source.Fetch(ctx, id)
	if err != nil {
		p.logger.Warn("document dropped", "id", id, "error", err)
		p.count(func(r *Report) { r.Dropped++ })
		return
	}
	if !doc.Usable() {
		p.logger.Warn("document has no usable text", "id", id)
		p.count(func(r *Report) { r.Dropped++ })
		return
	}

	// Ranking and the existence check are independent; run them together.
	var sections []ranking.Section
	var exists bool
	var findErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sections = p.ranker.Rank(doc.Texts(), question)
	}()
	go func() {
		defer wg.Done()
		_, exists, findErr = p.store.FindRecord(ctx, combo, id)
	}()
	wg.Wait()

	if findErr != nil {
		p.logger.Error("record lookup failed", "id", id, "error", findErr)
		p.count(func(r *Report) { r.Failed++ })
		return
	}
	if exists && !p.cfg.Overwrite {
		p.logger.Debug("record exists, skipping", "id", id)
		p.count(func(r *Report) { r.SkippedExisting++ })
		return
	}

	result, err := p.extractor.Extract(ctx, id, question, sections)
	if err != nil {
		p.logger.Warn("extraction failed", "id", id, "error", err)
		p.count(func(r *Report) { r.Failed++ })
		return
	}

	rec := &store.Record{
		DocumentID: id,
		Source:     string(doc.Source),
		Sections:   ranking.Map(sections),
		Params:     combo,
		Outputs:    result.Outputs,
	}
	if err := p.store.Upsert(ctx, rec); err != nil {
		p.logger.Error("storing record failed", "id", id, "error", err)
		p.count(func(r *Report) {
			r.Failed++
			r.TotalCost += result.Cost
		})
		return
	}

	p.count(func(r *Report) {
		r.Written++
		r.TotalCost += result.Cost
	})
	p.logger.Debug("document written", "id", id, "source", doc.Source, "cost", result.Cost)
}

func (p *Pipeline) count(f func(*Report)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f(p.report)
}
