package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"blastradius/internal/aisignal"
	"blastradius/internal/config"
	"blastradius/internal/consumers"
	"blastradius/internal/graph"
	"blastradius/internal/pgmeta"
	"blastradius/internal/risk"
	"blastradius/internal/storage"
)

// Setup is an Engine together with the resources it keeps open.
type Setup struct {
	Engine *Engine

	// Store is nil when the run store is disabled or failed to open.
	Store *storage.DB

	closers []func()
}

// Close releases the database pool and the run store.
func (s *Setup) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// FromConfig builds an Engine from configuration. Invalid rule or registry
// files are errors; an unreachable collaborator is logged and reported as an
// unavailable signal on every run.
func FromConfig(ctx context.Context, cfg config.AnalysisConfig, logger *slog.Logger) (*Setup, error) {
	rules, err := risk.LoadRules(cfg.Risk.RulesFile)
	if err != nil {
		return nil, err
	}

	s := &Setup{}
	opts := Options{
		MetadataTimeout: cfg.MetadataTimeout(),
		MaxDepth:        cfg.Traversal.MaxDepth,
		SearchTimeout:   cfg.RepoSearchTimeout(),
		MaxParallel:     cfg.Consumers.MaxParallel,
		AITimeout:       cfg.AITimeout(),
		Rules:           rules,
		SourceRoot:      cfg.SourceRoot,
		Logger:          logger,
	}

	if cfg.Store.Enabled && cfg.Store.Path != "" {
		db, err := storage.Open(cfg.Store.Path, logger)
		if err != nil {
			logger.Warn("Run store unavailable", "path", cfg.Store.Path, "error", err)
		} else {
			s.Store = db
			s.closers = append(s.closers, func() { _ = db.Close() })
			opts.Store = db
			opts.Snapshots = db
			opts.History = db
		}
	}

	if cfg.Database.DSN != "" {
		pctx, cancel := context.WithTimeout(ctx, cfg.MetadataTimeout())
		src, err := pgmeta.Connect(pctx, cfg.Database.DSN, "", cfg.Database.MaxConn)
		cancel()
		if err != nil {
			logger.Warn("Database metadata unavailable", "error", err)
			opts.Unavailable = append(opts.Unavailable, SignalCatalog, graph.SignalRelational)
		} else {
			s.closers = append(s.closers, src.Close)
			opts.Catalog = src
			opts.Relational = src
		}
	}

	analyzer, failed := buildAnalyzer(cfg, logger)
	opts.Analyzer = analyzer
	if failed {
		opts.Unavailable = append(opts.Unavailable, graph.SignalAnalyzer)
	}

	searcher, repos, err := buildSearcher(cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	opts.Searcher, opts.Repositories = searcher, repos

	if cfg.AI.Enabled {
		src, err := aisignal.NewOpenAISource(cfg.AI.APIKey, cfg.AI.Model, cfg.AI.BaseURL, logger)
		if err != nil {
			logger.Warn("AI signal unavailable", "error", err)
			opts.Unavailable = append(opts.Unavailable, SignalAI)
		} else {
			opts.AI = src
		}
	}

	s.Engine = New(opts)
	return s, nil
}

// buildAnalyzer combines the configured static dependency sources. It
// reports whether a configured source failed to load.
func buildAnalyzer(cfg config.AnalysisConfig, logger *slog.Logger) (graph.DependencyAnalyzer, bool) {
	var (
		multi  graph.MultiAnalyzer
		failed bool
	)

	if p := cfg.Analyzer.ScipIndexPath; p != "" {
		switch idx, err := graph.LoadScipIndex(p, cfg.SourceRoot); {
		case err == nil:
			multi = append(multi, idx)
		case errors.Is(err, os.ErrNotExist):
			logger.Debug("No SCIP index", "path", p)
		default:
			logger.Warn("Failed to load SCIP index", "path", p, "error", err)
			failed = true
		}
	}

	if p := cfg.Analyzer.EdgesFile; p != "" {
		if edges, err := graph.LoadEdgesFile(p); err != nil {
			logger.Warn("Failed to load edges file", "path", p, "error", err)
			failed = true
		} else {
			multi = append(multi, edges)
		}
	}

	if cfg.Analyzer.ScanTables && cfg.SourceRoot != "" {
		multi = append(multi, graph.NewTableUsageAnalyzer(cfg.SourceRoot, cfg.Analyzer.Ignore, cfg.Analyzer.MaxFileBytes))
	}

	if len(multi) == 0 {
		return nil, failed
	}
	return multi, failed
}

func buildSearcher(cfg config.AnalysisConfig, logger *slog.Logger) (consumers.Searcher, []consumers.Repository, error) {
	if cfg.Consumers.Method == "off" {
		return nil, nil, nil
	}
	reg, err := consumers.LoadRegistry(cfg.Consumers.RepositoriesFile)
	if err != nil {
		return nil, nil, err
	}

	switch cfg.Consumers.Method {
	case "remote":
		return consumers.NewRemoteSearcher(cfg.Consumers.GitHubAPIURL, cfg.Consumers.GitHubToken, cfg.Consumers.RequestsPerMin, logger), reg.Repos, nil
	case "local", "":
		checkouts := consumers.DirCheckouts{Root: cfg.Consumers.CheckoutRoot}
		return consumers.NewLocalSearcher(checkouts, cfg.Analyzer.Ignore, cfg.Analyzer.MaxFileBytes, logger), reg.Repos, nil
	default:
		return nil, nil, fmt.Errorf("unknown consumer search method %q", cfg.Consumers.Method)
	}
}
