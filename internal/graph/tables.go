package graph

import (
	"bufio"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// scannedExtensions are the source files searched for table usage.
var scannedExtensions = map[string]bool{
	".go": true, ".java": true, ".kt": true, ".py": true, ".js": true, ".ts": true,
	".jsx": true, ".tsx": true, ".mjs": true, ".rb": true, ".php": true, ".cs": true,
	".scala": true, ".sql": true, ".xml": true, ".yml": true, ".yaml": true,
}

// TableUsageAnalyzer finds code that reads or writes a table by scanning a
// source tree for SQL and ORM references. It is best-effort static matching.
type TableUsageAnalyzer struct {
	root         string
	ignore       map[string]bool
	maxFileBytes int64

	mu       sync.Mutex
	patterns map[string]*tablePatterns
}

type tablePatterns struct {
	sql *regexp.Regexp
	orm *regexp.Regexp
}

// NewTableUsageAnalyzer scans root, skipping directories named in ignore.
func NewTableUsageAnalyzer(root string, ignore []string, maxFileBytes int64) *TableUsageAnalyzer {
	skip := make(map[string]bool, len(ignore))
	for _, d := range ignore {
		skip[d] = true
	}
	if maxFileBytes <= 0 {
		maxFileBytes = 1 << 20
	}
	return &TableUsageAnalyzer{
		root:         root,
		ignore:       skip,
		maxFileBytes: maxFileBytes,
		patterns:     make(map[string]*tablePatterns),
	}
}

func (a *TableUsageAnalyzer) compile(table string) *tablePatterns {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.patterns[table]; ok {
		return p
	}
	name := regexp.QuoteMeta(table)
	p := &tablePatterns{
		sql: regexp.MustCompile(`(?i)\b(DELETE\s+FROM|FROM|JOIN|INTO|UPDATE|TABLE)\s+[` + "`" + `"']?(?:\w+\.)?` + name + `\b`),
		orm: regexp.MustCompile(`(?i)(__tablename__\s*=\s*|@Table\s*\(\s*name\s*=\s*|\bTable\(|\.table\(\s*|knex\(\s*|tableName\s*[:=]\s*|db_table\s*=\s*|\.from\(\s*)["'` + "`" + `](?:\w+\.)?` + name + `["'` + "`" + `]`),
	}
	a.patterns[table] = p
	return p
}

// Dependencies is answered from the table side only; a file scan cannot
// tell table names apart from other identifiers.
func (a *TableUsageAnalyzer) Dependencies(context.Context, Node) ([]StaticEdge, error) {
	return nil, nil
}

// Dependents returns one edge per file and usage type that references the
// table, at the first matching line. Files are visited in lexical order.
func (a *TableUsageAnalyzer) Dependents(ctx context.Context, n Node) ([]StaticEdge, error) {
	if n.Kind != KindTable || a.root == "" {
		return nil, nil
	}
	table := n.ID
	if i := strings.LastIndex(table, "."); i >= 0 {
		table = table[i+1:]
	}
	p := a.compile(table)

	var edges []StaticEdge
	err := filepath.WalkDir(a.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != a.root && (a.ignore[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !scannedExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > a.maxFileBytes {
			return nil
		}
		rel, err := filepath.Rel(a.root, path)
		if err != nil {
			return nil
		}
		edges = append(edges, scanFile(path, filepath.ToSlash(rel), n.ID, p)...)
		return nil
	})
	if err != nil {
		return edges, err
	}
	return edges, nil
}

func scanFile(path, rel, tableID string, p *tablePatterns) []StaticEdge {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	found := make(map[EdgeType]StaticEdge)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		typ, ok := classifyUsage(text, p)
		if !ok {
			continue
		}
		if _, seen := found[typ]; seen {
			continue
		}
		found[typ] = StaticEdge{
			SourceID:   rel,
			TargetID:   tableID,
			Type:       typ,
			LineNumber: line,
			Snippet:    trimSnippet(text),
			Kind:       KindFile,
		}
	}

	out := make([]StaticEdge, 0, len(found))
	for _, e := range found {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LineNumber < out[j].LineNumber })
	return out
}

func classifyUsage(line string, p *tablePatterns) (EdgeType, bool) {
	if m := p.sql.FindStringSubmatch(line); m != nil {
		switch kw := strings.ToUpper(strings.Join(strings.Fields(m[1]), " ")); kw {
		case "FROM", "JOIN":
			return Reads, true
		case "INTO", "UPDATE", "DELETE FROM":
			return Writes, true
		default:
			return UsesTable, true
		}
	}
	if p.orm.MatchString(line) {
		return UsesTable, true
	}
	return "", false
}
