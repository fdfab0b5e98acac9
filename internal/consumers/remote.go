package consumers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = 500 * time.Millisecond
	searchUserAgent       = "blastradius-consumer-search/1.0"
)

// RemoteSearcher queries the GitHub code search API. It is file-level: the
// API returns text fragments, not line numbers.
type RemoteSearcher struct {
	baseURL    string
	token      string
	client     *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	maxRetries int
	baseDelay  time.Duration
}

// NewRemoteSearcher creates a searcher against baseURL (https://api.github.com
// when empty), throttled to requestsPerMin.
func NewRemoteSearcher(baseURL, token string, requestsPerMin int, logger *slog.Logger) *RemoteSearcher {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	if requestsPerMin <= 0 {
		requestsPerMin = 10
	}
	every := time.Minute / time.Duration(requestsPerMin)
	return &RemoteSearcher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		client:     &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(every), 1),
		logger:     logger,
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultRetryBaseDelay,
	}
}

func (s *RemoteSearcher) Name() string { return "remote" }

type codeSearchResponse struct {
	TotalCount int              `json:"total_count"`
	Items      []codeSearchItem `json:"items"`
}

type codeSearchItem struct {
	Path        string `json:"path"`
	TextMatches []struct {
		Fragment string `json:"fragment"`
	} `json:"text_matches"`
}

// Search runs one query per distinct literal prefix and attributes each
// returned fragment through the same matcher as local search.
func (s *RemoteSearcher) Search(ctx context.Context, repo Repository, targets []Target) ([]Match, error) {
	if repo.Remote == "" {
		return nil, fmt.Errorf("repository %s has no remote", repo.ID)
	}

	byLiteral := make(map[string][]Target)
	var literals []string
	for _, t := range targets {
		if _, ok := byLiteral[t.Literal]; !ok {
			literals = append(literals, t.Literal)
		}
		byLiteral[t.Literal] = append(byLiteral[t.Literal], t)
	}
	sort.Strings(literals)

	seen := make(map[string]bool)
	var out []Match
	for _, lit := range literals {
		items, err := s.query(ctx, lit, repo.Remote)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			for _, tm := range item.TextMatches {
				lines := strings.Split(tm.Fragment, "\n")
				for _, m := range MatchLines(repo.ID, item.Path, lines, byLiteral[lit], false) {
					id := m.Key + "\x00" + m.Consumer.FilePath + "\x00" + m.Consumer.CodeSnippet
					if seen[id] {
						continue
					}
					seen[id] = true
					out = append(out, m)
				}
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Consumer.FilePath != out[j].Consumer.FilePath {
			return out[i].Consumer.FilePath < out[j].Consumer.FilePath
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (s *RemoteSearcher) query(ctx context.Context, literal, remote string) ([]codeSearchItem, error) {
	q := url.Values{}
	q.Set("q", fmt.Sprintf("%q repo:%s", literal, remote))
	q.Set("per_page", "100")

	resp, err := s.doRequest(ctx, "/search/code", q)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &SearchError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	var parsed codeSearchResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}
	return parsed.Items, nil
}

// doRequest performs a GET with rate limiting and retry. Network errors, 5xx
// and 429 are retried with exponential backoff.
func (s *RemoteSearcher) doRequest(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	u := s.baseURL + path + "?" + query.Encode()
	maxDelay := 5 * time.Second

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.baseDelay * time.Duration(1<<uint(attempt-1))
			if delay > maxDelay {
				delay = maxDelay
			}

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}

			if s.logger != nil {
				s.logger.Debug("Retrying code search",
					"attempt", attempt+1,
					"url", u,
				)
			}
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/vnd.github.text-match+json")
		req.Header.Set("User-Agent", searchUserAgent)
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = &SearchError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("request failed after %d retries: %w", s.maxRetries, lastErr)
}

// SearchError is a non-success response from the search API.
type SearchError struct {
	StatusCode int
	Message    string
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("code search error %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited returns true for 429 and the 403 GitHub uses for secondary limits.
func (e *SearchError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		(e.StatusCode == http.StatusForbidden && strings.Contains(strings.ToLower(e.Message), "rate limit"))
}
