package engine

import (
	"context"
	"fmt"

	"blastradius/internal/consumers"
	"blastradius/internal/contract"
	"blastradius/internal/graph"
	"blastradius/internal/risk"
	"blastradius/internal/signal"
)

// analyzeAPI diffs the endpoint contracts, searches consumers of the changed
// endpoints and scores with the API profile. A diff that turns out to touch
// no endpoint is scored as a code change.
func (e *Engine) analyzeAPI(ctx context.Context, r *run) {
	changes, err := e.endpointChanges(ctx, r)
	if err != nil {
		r.signals.Mark(SignalContract, signal.Unavailable)
		e.logger.Warn("Endpoint extraction failed", "target", r.change.TargetID, "error", err)
	}
	r.apiChanges = changes

	roots := fileRoots(r.change)
	for _, c := range changes {
		roots = append(roots, graph.Node{ID: c.Key(), Kind: graph.KindEndpoint})
	}
	e.buildGraph(ctx, r, roots)

	if len(changes) == 0 {
		r.change.Notes = append(r.change.Notes, "no endpoint contract changed; scored as a code change")
		r.signals.Mark(SignalConsumers, signal.Skipped)
		r.ai = e.assess(ctx, r)
		r.score = e.scoreCode(r, nil)
		return
	}

	e.findConsumers(ctx, r)
	r.ai = e.assess(ctx, r)

	api := &risk.APIInput{}
	for _, c := range changes {
		api.Breaking = api.Breaking || c.IsBreaking
	}
	if r.consumers != nil {
		api.Consumers = r.consumers.Total
		api.Repositories = r.consumers.RepoCount
	}
	_, span := startStageSpan(ctx, "Score")
	r.score = e.scoreCode(r, api)
	span.End()
}

func (e *Engine) endpointChanges(ctx context.Context, r *run) ([]contract.EndpointChange, error) {
	ctx, span := startStageSpan(ctx, "DiffContracts")
	defer span.End()

	c := r.change
	opts := contract.Options{History: e.history}

	if len(c.Files) == 0 {
		path := c.FilePath
		if path == "" {
			path = c.TargetID
		}
		before, err := contract.ExtractFile(ctx, path, []byte(c.Before))
		if err != nil {
			return nil, fmt.Errorf("extract %s (before): %w", path, err)
		}
		after, err := contract.ExtractFile(ctx, path, []byte(c.After))
		if err != nil {
			return nil, fmt.Errorf("extract %s (after): %w", path, err)
		}
		return contract.Diff(ctx, before, after, opts), nil
	}

	touched, err := contract.FromDiff(ctx, c, e.readSource)
	if err != nil {
		return nil, err
	}
	if touched.Partial {
		r.limit("changed files could not be read under the source root; endpoints were rebuilt from diff hunks")
	}
	opts.Only = touched.Keys
	return contract.Diff(ctx, touched.Before, touched.After, opts), nil
}

// findConsumers searches the registered repositories and links every
// consumer to its endpoint node.
func (e *Engine) findConsumers(ctx context.Context, r *run) {
	if e.discovery == nil {
		r.signals.Mark(SignalConsumers, signal.Disabled)
		return
	}
	if len(e.repos) == 0 {
		r.signals.Mark(SignalConsumers, signal.Skipped)
		r.limit("no repositories registered for consumer search")
		return
	}

	ctx, span := startStageSpan(ctx, "DiscoverConsumers")
	defer span.End()

	res, err := e.discovery.Discover(ctx, r.apiChanges, e.repos)
	if err != nil {
		r.signals.Mark(SignalConsumers, signal.Unavailable)
		e.logger.Warn("Consumer discovery failed", "error", err)
		return
	}
	r.consumers = res

	if len(res.Unavailable) > 0 {
		r.signals.Mark(SignalConsumers, signal.Unavailable)
		r.limit("consumer search failed for repositories: %v", res.Unavailable)
	} else {
		r.signals.Mark(SignalConsumers, signal.OK)
	}

	for _, group := range res.Endpoints {
		endpoint := graph.Node{ID: group.Key, Kind: graph.KindEndpoint}
		for _, rc := range group.Repositories {
			for _, c := range rc.Consumers {
				r.graph.Link(endpoint, graph.Node{ID: consumerNodeID(c), Kind: graph.KindFile}, graph.Calls, c.LineNumber, c.CodeSnippet)
			}
		}
	}
}

func consumerNodeID(c consumers.Consumer) string {
	return c.SourceRepository + ":" + c.FilePath
}
