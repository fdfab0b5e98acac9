package risk

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	toml "github.com/pelletier/go-toml/v2"

	"blastradius/internal/graph"
)

// RulesVersion is the only rules file schema version understood.
const RulesVersion = 1

// Rules are the domain lists the scorer matches against.
type Rules struct {
	// Version is the schema version
	Version int `toml:"version"`

	// CriticalKeywords mark a change as touching a critical business domain
	CriticalKeywords []string `toml:"critical_keywords"`

	// SensitiveTables get the higher table criticality base
	SensitiveTables []string `toml:"sensitive_tables"`

	// CriticalModules are path components naming critical code areas
	CriticalModules []string `toml:"critical_modules"`
}

// DefaultRules returns the built-in rules.
func DefaultRules() Rules {
	return Rules{
		Version: RulesVersion,
		CriticalKeywords: []string{
			"payment", "billing", "invoice", "transaction", "refund", "checkout",
			"ledger", "fraud", "auth", "password", "credential", "security",
			"encrypt", "compliance", "audit", "gdpr", "hipaa", "pii",
		},
		SensitiveTables: []string{
			"users", "accounts", "customers", "payments", "transactions",
			"orders", "invoices", "credentials", "sessions", "audit_log",
		},
		CriticalModules: []string{
			"payment", "billing", "auth", "security", "checkout", "ledger", "fraud",
		},
	}
}

// LoadRules reads a TOML rules file. An empty path returns the defaults; a
// list missing from the file keeps its default.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("failed to read risk rules: %w", err)
	}
	var file Rules
	if err := toml.Unmarshal(data, &file); err != nil {
		return Rules{}, fmt.Errorf("failed to parse risk rules: %w", err)
	}
	if file.Version != 0 && file.Version != RulesVersion {
		return Rules{}, fmt.Errorf("unsupported risk rules version %d", file.Version)
	}

	if len(file.CriticalKeywords) > 0 {
		rules.CriticalKeywords = lower(file.CriticalKeywords)
	}
	if len(file.SensitiveTables) > 0 {
		rules.SensitiveTables = lower(file.SensitiveTables)
	}
	if len(file.CriticalModules) > 0 {
		rules.CriticalModules = lower(file.CriticalModules)
	}
	return rules, nil
}

func lower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// IsSensitiveTable reports whether table (optionally schema-qualified) is in
// the sensitive list.
func (r Rules) IsSensitiveTable(table string) bool {
	table = strings.ToLower(strings.Trim(table, `"`+"`"))
	if i := strings.LastIndex(table, "."); i >= 0 {
		table = table[i+1:]
	}
	for _, t := range r.SensitiveTables {
		if t == table {
			return true
		}
	}
	return false
}

// KeywordHits returns the critical keywords found in texts, sorted.
func (r Rules) KeywordHits(texts ...string) []string {
	seen := make(map[string]bool)
	for _, text := range texts {
		for _, tok := range tokens(text) {
			for _, kw := range r.CriticalKeywords {
				if strings.HasPrefix(tok, kw) {
					seen[kw] = true
				}
			}
		}
	}
	return sortedSet(seen)
}

// ModuleOf returns the first critical module named by a component of id.
func (r Rules) ModuleOf(id string) string {
	for _, tok := range tokens(id) {
		for _, m := range r.CriticalModules {
			if strings.HasPrefix(tok, m) {
				return m
			}
		}
	}
	return ""
}

// Tagger tags graph nodes that belong to a critical module.
func (r Rules) Tagger() graph.Tagger {
	return func(id string, kind graph.NodeKind) string {
		if kind == graph.KindTable {
			if r.IsSensitiveTable(id) {
				return "sensitive-table"
			}
			return ""
		}
		return r.ModuleOf(id)
	}
}

// tokens splits text into lower-case words at punctuation and camelCase
// boundaries: "src/PaymentController.java" yields src, payment, controller, java.
func tokens(text string) []string {
	var (
		out []string
		cur []rune
	)
	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	runes := []rune(text)
	for i, c := range runes {
		switch {
		case unicode.IsLetter(c) || unicode.IsDigit(c):
			if unicode.IsUpper(c) && len(cur) > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					flush()
				}
			}
			cur = append(cur, c)
		default:
			flush()
		}
	}
	flush()
	return out
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
