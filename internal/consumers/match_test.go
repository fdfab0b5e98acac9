package consumers

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func mustTargets(t *testing.T, keys ...string) []Target {
	t.Helper()
	allow := make(map[string]bool, len(keys))
	for _, k := range keys {
		allow[k] = true
	}
	targets, err := Targets(allow)
	if err != nil {
		t.Fatalf("Targets() error = %v", err)
	}
	return targets
}

func TestNewTarget(t *testing.T) {
	tests := []struct {
		key     string
		literal string
		match   []string
		noMatch []string
	}{
		{
			key:     "GET /payments",
			literal: "/payments",
			match:   []string{`fetch('/payments')`, `fetch("/api/payments?limit=5")`, "get(`${base}/payments`)"},
			noMatch: []string{`fetch('/payments/42')`, `fetch('/payments-v2')`},
		},
		{
			key:     "GET /payments/{}",
			literal: "/payments",
			match:   []string{"axios.get(`/payments/${id}`)", `fetch('/payments/' + id)`, `requests.get(f"/payments/{pid}")`},
			noMatch: []string{`fetch('/payments')`, `fetch("/payments/" + id + "/refund")`},
		},
		{
			key:     "POST /payments/{}/refund",
			literal: "/payments",
			match:   []string{`http.Post(base+"/payments/"+id+"/refund", ct, body)`, `requests.post(f"{BASE}/payments/{pid}/refund")`},
			noMatch: []string{`requests.post(f"{BASE}/payments/{pid}")`},
		},
		{
			key:     "GET /users/:id",
			literal: "/users",
			match:   []string{`fetch('/users/7')`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			target, err := NewTarget(tt.key)
			if err != nil {
				t.Fatalf("NewTarget() error = %v", err)
			}
			if target.Literal != tt.literal {
				t.Errorf("Literal = %q, want %q", target.Literal, tt.literal)
			}
			for _, line := range tt.match {
				if !target.pattern.MatchString(line) {
					t.Errorf("pattern should match %s", line)
				}
			}
			for _, line := range tt.noMatch {
				if target.pattern.MatchString(line) {
					t.Errorf("pattern should not match %s", line)
				}
			}
		})
	}
}

func TestNewTarget_Malformed(t *testing.T) {
	if _, err := NewTarget("nokey"); err == nil {
		t.Fatal("expected error for malformed key")
	}
}

func TestClientMethod(t *testing.T) {
	tests := []struct {
		name   string
		lines  []string
		line   int
		want   string
		wantOK bool
	}{
		{"fetch default", []string{`const r = await fetch('/payments')`}, 0, "GET", true},
		{"fetch option", []string{`fetch('/payments', { method: 'POST' })`}, 0, "POST", true},
		{"fetch multiline", []string{"const r = await fetch(", "  `${API}/payments`,", "  { method: 'POST' }", ")"}, 1, "POST", true},
		{"axios", []string{`axios.delete('/payments/1')`}, 0, "DELETE", true},
		{"requests", []string{`requests.put(url + "/users/1", json=body)`}, 0, "PUT", true},
		{"angular generic", []string{`this.http.get<Payment[]>('/payments')`}, 0, "GET", true},
		{"go NewRequest", []string{`req, _ := http.NewRequestWithContext(ctx, http.MethodPatch, base+"/users/1", nil)`}, 0, "PATCH", true},
		{"go Post", []string{`resp, err := http.Post(base+"/payments", "application/json", body)`}, 0, "POST", true},
		{"rest template", []string{`restTemplate.postForObject("/payments", req, Payment.class);`}, 0, "POST", true},
		{"exchange", []string{`template.exchange("/payments", HttpMethod.DELETE, null, Void.class);`}, 0, "DELETE", true},
		{"csharp", []string{`await client.PostAsJsonAsync("/payments", payment);`}, 0, "POST", true},
		{"webclient", []string{`webClient.put().uri("/payments/{id}", id)`}, 0, "PUT", true},
		{"java builder", []string{"HttpRequest.newBuilder()", `    .uri(URI.create(base + "/payments"))`, "    .POST(body)"}, 1, "POST", true},
		{"ajax", []string{`$.ajax({ url: '/payments', type: 'POST' })`}, 0, "POST", true},
		{"plain constant", []string{`const PAYMENTS = '/payments'`}, 0, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := clientMethod(tt.lines, tt.line)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("clientMethod() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestMatchLines_SiblingRoutesDoNotLeak(t *testing.T) {
	src := strings.Split(`import axios from 'axios'

export async function listPayments() {
  return fetch('/api/payments')
}

export async function createPayment(body) {
  return axios.post('/api/payments', body)
}

export async function refund(id) {
  return axios.post('/api/payments/' + id + '/refund')
}`, "\n")

	t.Run("only POST requested", func(t *testing.T) {
		got := MatchLines("web", "src/api.js", src, mustTargets(t, "POST /api/payments"), true)
		if len(got) != 1 {
			t.Fatalf("got %d matches, want 1: %+v", len(got), got)
		}
		if got[0].Key != "POST /api/payments" || got[0].Consumer.LineNumber != 8 {
			t.Errorf("match = %+v, want POST /api/payments at line 8", got[0])
		}
	})

	t.Run("all three requested", func(t *testing.T) {
		targets := mustTargets(t, "GET /api/payments", "POST /api/payments", "POST /api/payments/{}/refund")
		got := MatchLines("web", "src/api.js", src, targets, true)
		want := []struct {
			key  string
			line int
		}{
			{"GET /api/payments", 4},
			{"POST /api/payments", 8},
			{"POST /api/payments/{}/refund", 12},
		}
		if len(got) != len(want) {
			t.Fatalf("got %d matches, want %d: %+v", len(got), len(want), got)
		}
		for i, w := range want {
			if got[i].Key != w.key || got[i].Consumer.LineNumber != w.line {
				t.Errorf("match[%d] = %s@%d, want %s@%d", i, got[i].Key, got[i].Consumer.LineNumber, w.key, w.line)
			}
			if got[i].Consumer.SourceRepository != "web" || got[i].Consumer.FilePath != "src/api.js" {
				t.Errorf("match[%d] consumer = %+v", i, got[i].Consumer)
			}
		}
	})

	t.Run("without line numbers", func(t *testing.T) {
		got := MatchLines("web", "src/api.js", src, mustTargets(t, "GET /api/payments"), false)
		if len(got) != 1 || got[0].Consumer.LineNumber != 0 {
			t.Errorf("got %+v, want one match without a line number", got)
		}
	})
}

func TestMatchLines_AnyMethod(t *testing.T) {
	lines := []string{`resp, err := http.Get(base + "/health")`}
	got := MatchLines("ops", "main.go", lines, mustTargets(t, "ANY /health"), true)
	if len(got) != 1 || got[0].Consumer.Method != "GET" {
		t.Errorf("got %+v, want one GET match", got)
	}
}

func TestSnippet(t *testing.T) {
	long := "  " + strings.Repeat("x", 300) + "  "
	got := snippet(long)
	if len(got) != 203 || !strings.HasSuffix(got, "...") {
		t.Errorf("snippet length = %d, want 203 with ellipsis", len(got))
	}
	if snippet("  fetch('/a')  ") != "fetch('/a')" {
		t.Error("snippet should trim surrounding whitespace")
	}

	wide := "fetch('/api/заказы/" + strings.Repeat("é", 300) + "')"
	got = snippet(wide)
	if !utf8.ValidString(got) {
		t.Errorf("snippet cut a multibyte character: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != 203 {
		t.Errorf("snippet has %d characters, want 203", n)
	}
}
