package consumers

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"blastradius/internal/contract"
	brerrors "blastradius/internal/errors"
)

// RepositoryConsumers are the consumers of one endpoint in one repository,
// in encounter order (file path then line number).
type RepositoryConsumers struct {
	Repository string     `json:"repository"`
	Consumers  []Consumer `json:"consumers"`
}

// EndpointConsumers groups consumers under the endpoint key they matched.
type EndpointConsumers struct {
	Key          string                `json:"key"`
	Total        int                   `json:"total"`
	Repositories []RepositoryConsumers `json:"repositories"`
}

// Result is the outcome of one discovery run.
type Result struct {
	Endpoints   []EndpointConsumers `json:"endpoints"`
	Total       int                 `json:"total"`
	RepoCount   int                 `json:"repo_count"`
	Unavailable []string            `json:"unavailable,omitempty"`
	Method      string              `json:"method"`
}

// ForKey returns the group for key, or nil.
func (r *Result) ForKey(key string) *EndpointConsumers {
	if r == nil {
		return nil
	}
	for i := range r.Endpoints {
		if r.Endpoints[i].Key == key {
			return &r.Endpoints[i]
		}
	}
	return nil
}

// Discovery fans a search out across repositories.
type Discovery struct {
	searcher    Searcher
	timeout     time.Duration
	maxParallel int
	logger      *slog.Logger
}

// NewDiscovery creates a Discovery. timeout bounds each repository search.
func NewDiscovery(searcher Searcher, timeout time.Duration, maxParallel int, logger *slog.Logger) *Discovery {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Discovery{searcher: searcher, timeout: timeout, maxParallel: maxParallel, logger: logger}
}

// Discover searches every repository for consumers of the changed endpoints.
// A repository that fails or times out is listed in Unavailable; the others
// still report. Only keys present in changes are ever returned.
func (d *Discovery) Discover(ctx context.Context, changes []contract.EndpointChange, repos []Repository) (*Result, error) {
	allow := contract.AllowList(changes)
	res := &Result{Method: d.searcher.Name()}
	if len(allow) == 0 || len(repos) == 0 {
		return res, nil
	}

	targets, err := Targets(allow)
	if err != nil {
		return nil, err
	}

	ordered := append([]Repository(nil), repos...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	found := make([][]Match, len(ordered))
	var (
		mu          sync.Mutex
		unavailable []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.maxParallel)
	for i, repo := range ordered {
		g.Go(func() error {
			rctx := gctx
			if d.timeout > 0 {
				var cancel context.CancelFunc
				rctx, cancel = context.WithTimeout(gctx, d.timeout)
				defer cancel()
			}

			matches, err := d.searcher.Search(rctx, repo, targets)
			if err != nil {
				err = brerrors.Collaborator("consumer search", err)
				if d.logger != nil {
					d.logger.Warn("Consumer search failed",
						"repo", repo.ID,
						"searcher", d.searcher.Name(),
						"code", brerrors.CodeOf(err),
						"error", err.Error(),
					)
				}
				mu.Lock()
				unavailable = append(unavailable, repo.ID)
				mu.Unlock()
				return nil
			}
			found[i] = matches
			return nil
		})
	}
	// Tasks never return errors; a failed repository is recorded instead.
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	byKey := make(map[string]*EndpointConsumers)
	repoSet := make(map[string]bool)
	for i, repo := range ordered {
		for _, m := range found[i] {
			if !allow[m.Key] {
				continue
			}
			group := byKey[m.Key]
			if group == nil {
				group = &EndpointConsumers{Key: m.Key}
				byKey[m.Key] = group
			}
			n := len(group.Repositories)
			if n == 0 || group.Repositories[n-1].Repository != repo.ID {
				group.Repositories = append(group.Repositories, RepositoryConsumers{Repository: repo.ID})
				n++
			}
			group.Repositories[n-1].Consumers = append(group.Repositories[n-1].Consumers, m.Consumer)
			group.Total++
			res.Total++
			repoSet[repo.ID] = true
		}
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		res.Endpoints = append(res.Endpoints, *byKey[k])
	}
	res.RepoCount = len(repoSet)
	sort.Strings(unavailable)
	res.Unavailable = unavailable
	return res, nil
}

// RepoCountFor returns the number of distinct repositories consuming key.
func (r *Result) RepoCountFor(key string) int {
	if g := r.ForKey(key); g != nil {
		return len(g.Repositories)
	}
	return 0
}
