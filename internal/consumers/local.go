package consumers

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Searcher finds consumers of the targets in one repository.
type Searcher interface {
	Name() string
	Search(ctx context.Context, repo Repository, targets []Target) ([]Match, error)
}

// Checkouts resolves a repository to a local directory. It is the seam to
// whatever clones or caches repositories.
type Checkouts interface {
	Checkout(ctx context.Context, repo Repository) (string, error)
}

// DirCheckouts resolves repositories already present on disk: the
// repository's own path, or <Root>/<id>.
type DirCheckouts struct {
	Root string
}

func (d DirCheckouts) Checkout(_ context.Context, repo Repository) (string, error) {
	dir := repo.Path
	if dir == "" {
		dir = repo.ID
	}
	if !filepath.IsAbs(dir) && d.Root != "" {
		dir = filepath.Join(d.Root, dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("checkout of %s: %w", repo.ID, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("checkout of %s: %s is not a directory", repo.ID, dir)
	}
	return dir, nil
}

var clientExtensions = map[string]bool{
	".js": true, ".jsx": true, ".ts": true, ".tsx": true, ".mjs": true, ".cjs": true, ".vue": true,
	".py": true, ".go": true, ".java": true, ".kt": true, ".scala": true, ".cs": true,
	".rb": true, ".php": true, ".swift": true, ".dart": true, ".rs": true,
}

// LocalSearcher walks a checkout and reports exact line numbers. Files are
// visited in lexical path order, so results are ordered by file then line.
type LocalSearcher struct {
	checkouts    Checkouts
	ignore       map[string]bool
	maxFileBytes int64
	logger       *slog.Logger
}

// NewLocalSearcher creates a LocalSearcher. ignore lists directory names to
// skip; maxFileBytes <= 0 means 1 MiB.
func NewLocalSearcher(checkouts Checkouts, ignore []string, maxFileBytes int64, logger *slog.Logger) *LocalSearcher {
	if maxFileBytes <= 0 {
		maxFileBytes = 1 << 20
	}
	skip := make(map[string]bool, len(ignore))
	for _, name := range ignore {
		skip[name] = true
	}
	return &LocalSearcher{checkouts: checkouts, ignore: skip, maxFileBytes: maxFileBytes, logger: logger}
}

func (s *LocalSearcher) Name() string { return "local" }

func (s *LocalSearcher) Search(ctx context.Context, repo Repository, targets []Target) ([]Match, error) {
	root, err := s.checkouts.Checkout(ctx, repo)
	if err != nil {
		return nil, err
	}

	var out []Match
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != root && (s.ignore[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !clientExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > s.maxFileBytes {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if s.logger != nil {
				s.logger.Debug("Skipping unreadable file", "repo", repo.ID, "path", path, "error", err.Error())
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		lines := strings.Split(string(data), "\n")
		out = append(out, MatchLines(repo.ID, filepath.ToSlash(rel), lines, targets, true)...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", repo.ID, err)
	}
	return out, nil
}
