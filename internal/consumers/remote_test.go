package consumers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func searchBody(items ...codeSearchItem) []byte {
	data, _ := json.Marshal(struct {
		TotalCount int              `json:"total_count"`
		Items      []codeSearchItem `json:"items"`
	}{len(items), items})
	return data
}

func item(path string, fragments ...string) codeSearchItem {
	it := codeSearchItem{Path: path}
	for _, f := range fragments {
		it.TextMatches = append(it.TextMatches, struct {
			Fragment string `json:"fragment"`
		}{f})
	}
	return it
}

func TestRemoteSearcher_Search(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search/code" {
			t.Errorf("path = %s, want /search/code", r.URL.Path)
		}
		if got := r.Header.Get("Accept"); got != "application/vnd.github.text-match+json" {
			t.Errorf("Accept = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		queries = append(queries, r.URL.Query().Get("q"))
		_, _ = w.Write(searchBody(
			item("web/src/pay.ts",
				"const r = await axios.post('/api/payments', body)",
				"const list = await fetch('/api/payments')",
			),
			item("android/Api.kt", "client.post(\"/api/payments\")"),
		))
	}))
	defer srv.Close()

	s := NewRemoteSearcher(srv.URL, "tok", 6000, nil)
	targets := mustTargets(t, "POST /api/payments")

	got, err := s.Search(context.Background(), Repository{ID: "web", Remote: "acme/web"}, targets)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(queries) != 1 || queries[0] != `"/api/payments" repo:acme/web` {
		t.Errorf("queries = %q", queries)
	}
	if len(got) != 2 {
		t.Fatalf("got %d matches, want 2: %+v", len(got), got)
	}
	if got[0].Consumer.FilePath != "android/Api.kt" || got[1].Consumer.FilePath != "web/src/pay.ts" {
		t.Errorf("matches not sorted by path: %+v", got)
	}
	for _, m := range got {
		if m.Consumer.LineNumber != 0 {
			t.Errorf("remote match has line number %d", m.Consumer.LineNumber)
		}
		if m.Key != "POST /api/payments" || m.Consumer.SourceRepository != "web" {
			t.Errorf("unexpected match %+v", m)
		}
	}
}

func TestRemoteSearcher_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(searchBody(item("a.js", "fetch('/health')")))
	}))
	defer srv.Close()

	s := NewRemoteSearcher(srv.URL, "", 6000, nil)
	s.baseDelay = time.Millisecond

	got, err := s.Search(context.Background(), Repository{ID: "ops", Remote: "acme/ops"}, mustTargets(t, "GET /health"))
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(got) != 1 {
		t.Errorf("got %d matches, want 1", len(got))
	}
}

func TestRemoteSearcher_ClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"API rate limit exceeded"}`))
	}))
	defer srv.Close()

	s := NewRemoteSearcher(srv.URL, "", 6000, nil)
	s.baseDelay = time.Millisecond

	_, err := s.Search(context.Background(), Repository{ID: "ops", Remote: "acme/ops"}, mustTargets(t, "GET /health"))
	var searchErr *SearchError
	if !errors.As(err, &searchErr) {
		t.Fatalf("error = %v, want *SearchError", err)
	}
	if !searchErr.IsRateLimited() {
		t.Error("403 with rate limit message should report IsRateLimited")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRemoteSearcher_RequiresRemote(t *testing.T) {
	s := NewRemoteSearcher("http://127.0.0.1:0", "", 60, nil)
	if _, err := s.Search(context.Background(), Repository{ID: "local-only", Path: "/src"}, nil); err == nil {
		t.Fatal("expected error for repository without remote")
	}
}
