// Package engine runs the analysis pipeline: normalize the change, classify
// it, build its dependency graph, find API consumers, ask for an AI signal,
// score the risk and compile the report.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"blastradius/internal/aisignal"
	"blastradius/internal/change"
	"blastradius/internal/consumers"
	"blastradius/internal/contract"
	brerrors "blastradius/internal/errors"
	"blastradius/internal/graph"
	"blastradius/internal/report"
	"blastradius/internal/risk"
	"blastradius/internal/schema"
	"blastradius/internal/signal"
)

// Signal names reported by the engine. The graph builder reports its own.
const (
	SignalCatalog   = "catalog"
	SignalConsumers = "consumers"
	SignalAI        = "ai"
	SignalContract  = "contract_source"
)

// maxAILines bounds the changed lines handed to the AI source per side.
const maxAILines = 200

// RunStore persists finished runs.
type RunStore interface {
	SaveRun(ctx context.Context, r *report.Report, g *graph.Graph) error
}

// Request is one analysis request.
type Request struct {
	Kind       change.Kind
	Raw        string
	Before     string
	After      string
	FilePath   string
	TargetID   string
	Database   string
	Repository string

	// Trigger carries event-trigger metadata for a captured DDL statement.
	Trigger *schema.TriggerEvent
}

// Options wires the collaborators. Every collaborator is optional; a missing
// one is reported as a disabled signal.
type Options struct {
	Catalog         schema.Catalog
	Snapshots       schema.SnapshotStore
	MetadataTimeout time.Duration

	Analyzer   graph.DependencyAnalyzer
	Relational graph.RelationalSource
	MaxDepth   int

	Searcher      consumers.Searcher
	Repositories  []consumers.Repository
	SearchTimeout time.Duration
	MaxParallel   int

	AI        aisignal.Source
	AITimeout time.Duration

	Rules risk.Rules
	Clock risk.Clock

	History contract.ConsumerHistory
	Store   RunStore

	// SourceRoot is where changed files are read from when a diff touches
	// route declarations.
	SourceRoot string

	// Unavailable names signals whose collaborator failed to start.
	Unavailable []string

	Logger *slog.Logger
}

// Engine runs analyses. It holds no per-run state and is safe for
// concurrent use.
type Engine struct {
	normalizer *change.Normalizer
	classifier *schema.Classifier
	builder    *graph.Builder
	discovery  *consumers.Discovery
	repos      []consumers.Repository
	ai         aisignal.Source
	fallback   *aisignal.RuleBased
	aiTimeout  time.Duration
	scorer     *risk.Scorer
	history    contract.ConsumerHistory
	store      RunStore
	sourceRoot string
	startup    []string
	logger     *slog.Logger
}

// New creates an Engine from opts.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	rules := opts.Rules
	if len(rules.CriticalKeywords) == 0 && len(rules.SensitiveTables) == 0 && len(rules.CriticalModules) == 0 {
		rules = risk.DefaultRules()
	}
	clock := opts.Clock
	if clock == nil {
		clock = risk.SystemClock
	}

	e := &Engine{
		normalizer: change.NewNormalizer(contract.TouchesRoute),
		classifier: schema.NewClassifier(opts.Catalog, opts.Snapshots, opts.MetadataTimeout, logger),
		builder: graph.NewBuilder(graph.Options{
			Analyzer:   opts.Analyzer,
			Relational: opts.Relational,
			Tagger:     rules.Tagger(),
			MaxDepth:   opts.MaxDepth,
			Timeout:    opts.MetadataTimeout,
			Logger:     logger,
		}),
		repos:      opts.Repositories,
		ai:         opts.AI,
		fallback:   aisignal.NewRuleBased(),
		aiTimeout:  opts.AITimeout,
		scorer:     risk.NewScorer(rules, clock),
		history:    opts.History,
		store:      opts.Store,
		sourceRoot: opts.SourceRoot,
		startup:    opts.Unavailable,
		logger:     logger,
	}
	if opts.Searcher != nil {
		e.discovery = consumers.NewDiscovery(opts.Searcher, opts.SearchTimeout, opts.MaxParallel, logger)
	}
	return e
}

// run accumulates the outputs of one analysis.
type run struct {
	change      change.Change
	schema      *schema.Result
	apiChanges  []contract.EndpointChange
	graph       *graph.Graph
	traversal   graph.Traversal
	consumers   *consumers.Result
	ai          aisignal.Signal
	score       risk.Score
	signals     signal.Set
	limitations []string
}

func (r *run) limit(format string, args ...any) {
	r.limitations = append(r.limitations, fmt.Sprintf(format, args...))
}

// Analyze runs the full pipeline for req. Only EMPTY_INPUT and
// TARGET_UNRESOLVED are returned for bad input; collaborator failures
// degrade the report instead. An INVARIANT_VIOLATION or INTERNAL_ERROR
// indicates a bug.
func (e *Engine) Analyze(ctx context.Context, req Request) (*report.Report, error) {
	start := time.Now()
	ctx, span := startAnalysisSpan(ctx, string(req.Kind))
	defer span.End()

	rep, r, err := e.analyzeRecovered(ctx, req)

	var (
		kind, target, band string
		score              float64
		reverse, total     int
	)
	if r != nil {
		kind, target = string(r.change.Kind), r.change.TargetID
		reverse = r.traversal.ReverseCount()
		if r.consumers != nil {
			total = r.consumers.Total
		}
	}
	if rep != nil {
		band, score = string(rep.RiskScore.Band), rep.RiskScore.FinalScore
	}
	setAnalysisSpanResult(span, kind, target, band, score, reverse, err == nil)
	recordAnalysisMetrics(ctx, time.Since(start), kind, band, score, reverse, total, err == nil)

	if err != nil {
		span.RecordError(err)
		if code := brerrors.CodeOf(err); brerrors.IsHard(code) {
			e.logger.Info("Analysis rejected", "code", code, "error", err)
		} else {
			e.logger.Error("Analysis failed", "code", code, "error", err)
		}
		return nil, err
	}

	e.logger.Info("Analysis complete",
		"run_id", rep.RunID,
		"kind", kind,
		"target", target,
		"band", band,
		"score", score,
		"duration", time.Since(start).String(),
	)
	return rep, nil
}

// analyzeRecovered turns a panic in any pipeline stage into an
// INTERNAL_ERROR.
func (e *Engine) analyzeRecovered(ctx context.Context, req Request) (rep *report.Report, r *run, err error) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("Panic recovered", "error", fmt.Sprintf("%v", p), "stack", string(debug.Stack()))
			rep, err = nil, brerrors.Newf(brerrors.InternalError, "analysis panicked: %v", p)
		}
	}()
	return e.analyze(ctx, req)
}

func (e *Engine) analyze(ctx context.Context, req Request) (*report.Report, *run, error) {
	nreq := change.Request{
		Kind:       req.Kind,
		Raw:        req.Raw,
		Before:     req.Before,
		After:      req.After,
		FilePath:   req.FilePath,
		TargetID:   req.TargetID,
		Database:   req.Database,
		Repository: req.Repository,
	}
	if ev := req.Trigger; ev != nil {
		if nreq.Kind == "" {
			nreq.Kind = change.KindSchema
		}
		if strings.TrimSpace(nreq.Raw) == "" {
			nreq.Raw = ev.Statement
		}
		nreq.TargetHint = ev.Target()
	}
	c, err := e.normalizer.Normalize(nreq)
	if err != nil {
		return nil, nil, err
	}

	r := &run{change: c, signals: signal.Set{}}
	for _, name := range e.startup {
		r.signals.Mark(name, signal.Unavailable)
	}

	switch c.Kind {
	case change.KindSchema:
		e.analyzeSchema(ctx, req, r)
	case change.KindAPI:
		e.analyzeAPI(ctx, r)
	default:
		e.buildGraph(ctx, r, fileRoots(c))
		r.ai = e.assess(ctx, r)
		r.score = e.scoreCode(r, nil)
	}

	for _, name := range r.signals.UnavailableNames() {
		r.limit("%s unavailable; its contribution was omitted", name)
	}

	rep, err := report.Compile(report.Inputs{
		Change:      r.change,
		Schema:      r.schema,
		APIChanges:  r.apiChanges,
		Traversal:   r.traversal,
		Consumers:   r.consumers,
		Score:       r.score,
		AI:          &r.ai,
		Signals:     r.signals,
		Limitations: r.limitations,
	})
	if err != nil {
		e.logger.Error("Report failed invariant checks", "target", c.TargetID, "error", err)
		return nil, r, err
	}

	if e.store != nil {
		if err := e.store.SaveRun(ctx, rep, r.graph); err != nil {
			err = brerrors.Collaborator("run store", err)
			e.logger.Warn("Failed to persist run", "run_id", rep.RunID, "code", brerrors.CodeOf(err), "error", err)
		}
	}
	return rep, r, nil
}

func (e *Engine) analyzeSchema(ctx context.Context, req Request, r *run) {
	sctx, span := startStageSpan(ctx, "ClassifySchema")
	res := e.classifier.Classify(sctx, r.change, req.Trigger)
	span.End()

	r.schema = &res
	r.signals.Mark(SignalCatalog, res.CatalogStatus)

	table := res.Change.QualifiedTable()
	if table == "" {
		table = r.change.LocalTarget()
	}
	e.buildGraph(ctx, r, []graph.Node{{ID: table, Kind: graph.KindTable}})
	r.ai = e.assess(ctx, r)

	_, span = startStageSpan(ctx, "Score")
	r.score = e.scorer.ScoreSchema(risk.SchemaInput{
		Change:             res.Change,
		AffectedFiles:      r.traversal.ReverseOfKind(graph.KindFile),
		ReverseForeignKeys: r.traversal.ReverseForeignKeys(),
		AIDelta:            r.ai.RiskDelta,
	})
	span.End()
}

func (e *Engine) buildGraph(ctx context.Context, r *run, roots []graph.Node) {
	ctx, span := startStageSpan(ctx, "BuildGraph")
	defer span.End()

	g, tr, signals := e.builder.Build(ctx, roots)
	r.graph, r.traversal = g, tr
	for name, st := range signals {
		r.signals.Mark(name, st)
	}
}

func (e *Engine) assess(ctx context.Context, r *run) aisignal.Signal {
	ctx, span := startStageSpan(ctx, "AISignal")
	defer span.End()

	sig := aisignal.Bounded(ctx, e.ai, e.aiInput(r), e.aiTimeout, e.fallback, e.logger)
	switch sig.Status {
	case aisignal.StatusOK:
		r.signals.Mark(SignalAI, signal.OK)
	case aisignal.StatusUnavailable:
		r.signals.Mark(SignalAI, signal.Unavailable)
	default:
		r.signals.Mark(SignalAI, signal.Disabled)
	}
	return sig
}

func (e *Engine) aiInput(r *run) aisignal.Input {
	in := aisignal.Input{
		Kind:   string(r.change.Kind),
		Target: r.change.TargetID,
	}
	for _, f := range r.change.Files {
		for _, h := range f.Hunks {
			for _, l := range h.Added {
				in.Added = append(in.Added, l.Text)
			}
			for _, l := range h.Removed {
				in.Removed = append(in.Removed, l.Text)
			}
		}
	}
	in.Added = capLines(in.Added)
	in.Removed = capLines(in.Removed)

	if r.schema != nil {
		in.Statement = r.schema.Change.Statement
		in.Summary = fmt.Sprintf("%s on %s", r.schema.Change.Operation, r.schema.Change.QualifiedTable())
	}
	if len(r.apiChanges) > 0 {
		parts := make([]string, 0, len(r.apiChanges))
		for _, c := range r.apiChanges {
			parts = append(parts, fmt.Sprintf("%s %s: %s", c.ChangeType, c.Key(), strings.Join(c.Reasons, "; ")))
			in.Breaking = in.Breaking || c.IsBreaking
		}
		in.Summary = strings.Join(parts, "\n")
	}
	for _, d := range r.traversal.Reverse() {
		in.ReverseDependents = append(in.ReverseDependents, d.NodeID)
	}
	in.ReverseDependents = capLines(in.ReverseDependents)
	return in
}

func (e *Engine) scoreCode(r *run, api *risk.APIInput) risk.Score {
	texts := []string{r.change.TargetID, r.change.ChangedText()}
	texts = append(texts, r.change.Paths()...)
	for _, c := range r.apiChanges {
		texts = append(texts, c.Key())
	}
	return e.scorer.ScoreCode(risk.CodeInput{
		Texts:        texts,
		Paths:        r.change.Paths(),
		ReverseTags:  r.traversal.TaggedReverse(),
		ReverseCount: r.traversal.ReverseCount(),
		LinesChanged: r.change.LinesChanged(),
		AIDelta:      r.ai.RiskDelta,
		API:          api,
	})
}

// readSource reads a changed file below the source root.
func (e *Engine) readSource(path string) ([]byte, error) {
	if e.sourceRoot == "" {
		return nil, os.ErrNotExist
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return nil, fmt.Errorf("path %s escapes the source root", path)
	}
	return os.ReadFile(filepath.Join(e.sourceRoot, clean))
}

func fileRoots(c change.Change) []graph.Node {
	paths := c.Paths()
	if len(paths) == 0 {
		paths = []string{c.TargetID}
	}
	seen := make(map[string]bool, len(paths))
	roots := make([]graph.Node, 0, len(paths))
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			roots = append(roots, graph.Node{ID: p, Kind: graph.KindFile})
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].ID < roots[j].ID })
	return roots
}

func capLines(lines []string) []string {
	if len(lines) > maxAILines {
		return lines[:maxAILines]
	}
	return lines
}
