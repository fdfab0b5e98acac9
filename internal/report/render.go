package report

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"blastradius/internal/contract"
	"blastradius/internal/graph"
	"blastradius/internal/risk"
)

// Format is an output format.
type Format string

const (
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
	FormatHuman Format = "human"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatYAML, FormatHuman:
		return f, nil
	case "":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported format: %s", s)
	}
}

// Render writes r in the given format.
func Render(w io.Writer, r *Report, format Format) error {
	var (
		data []byte
		err  error
	)
	switch format {
	case FormatJSON, "":
		data, err = encodeJSON(r, "  ")
	case FormatYAML:
		data, err = yaml.Marshal(canonical(r))
	case FormatHuman:
		data = []byte(Human(r))
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		_, err = io.WriteString(w, "\n")
	}
	return err
}

// Human formats r for a terminal.
func Human(r *Report) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Blast Radius: %s (%s)\n", r.Change.TargetID, r.Change.Kind))
	b.WriteString(strings.Repeat("=", 60) + "\n\n")

	s := r.RiskScore
	b.WriteString(fmt.Sprintf("Risk: %s (score: %.2f, profile: %s", s.Band, s.FinalScore, s.Profile))
	if s.TemporalMultiplier != 1 {
		b.WriteString(fmt.Sprintf(", temporal x%.2f", s.TemporalMultiplier))
	}
	b.WriteString(")\n")
	for _, name := range componentOrder(s.ComponentScores) {
		b.WriteString(fmt.Sprintf("  %-18s %.2f\n", name, s.ComponentScores[name]))
	}
	for _, e := range s.Explanation {
		b.WriteString(fmt.Sprintf("  - %s\n", e))
	}
	b.WriteString("\n")

	if sc := r.SchemaChange; sc != nil {
		b.WriteString(fmt.Sprintf("Schema Change: %s on %s", sc.Operation, sc.QualifiedTable()))
		if sc.Column != "" {
			b.WriteString("." + sc.Column)
		}
		b.WriteString(fmt.Sprintf(" (confidence: %s, weight: %.1f)\n", sc.Confidence, sc.BaseWeight))
		if sc.OldValue != "" || sc.NewValue != "" {
			b.WriteString(fmt.Sprintf("  Before: %s\n  After:  %s\n", sc.OldValue, sc.NewValue))
		}
		b.WriteString("\n")
	}

	if len(r.APIChanges) > 0 {
		b.WriteString(fmt.Sprintf("API Changes (%d):\n", len(r.APIChanges)))
		for _, c := range r.APIChanges {
			icon := "✓"
			if c.IsBreaking {
				icon = "✗"
			}
			b.WriteString(fmt.Sprintf("  %s [%s] %s %s\n", icon, c.ChangeType, c.Method, c.Path))
			if c.RenamedFrom != "" {
				b.WriteString(fmt.Sprintf("    renamed from %s\n", c.RenamedFrom))
			}
			for _, reason := range c.Reasons {
				b.WriteString(fmt.Sprintf("    %s\n", reason))
			}
			writeConsumers(&b, r, c)
		}
		b.WriteString("\n")
	}

	d := r.Dependencies
	b.WriteString(fmt.Sprintf("Dependencies: %d direct, %d indirect\n", len(d.Direct), len(d.Indirect)))
	b.WriteString(fmt.Sprintf("Dependents:   %d direct, %d indirect\n", len(d.ReverseDirect), len(d.ReverseIndirect)))
	writeDeps(&b, "Direct Dependents", d.ReverseDirect)

	if ai := r.AIInsights; ai != nil {
		b.WriteString(fmt.Sprintf("\nAI Signal (%s): +%.2f", ai.Status, ai.RiskDelta))
		if ai.RegulatoryFlag {
			b.WriteString(" [regulatory]")
		}
		b.WriteString("\n")
		for _, f := range ai.Findings {
			b.WriteString(fmt.Sprintf("  - %s\n", f))
		}
	}

	if unavailable := r.Signals.UnavailableNames(); len(unavailable) > 0 {
		b.WriteString(fmt.Sprintf("\n! Unavailable: %s\n", strings.Join(unavailable, ", ")))
	}
	for _, l := range r.Limitations {
		b.WriteString(fmt.Sprintf("! %s\n", l))
	}
	return b.String()
}

func writeConsumers(b *strings.Builder, r *Report, c contract.EndpointChange) {
	group := r.Consumers.ForKey(c.Key())
	if group == nil {
		return
	}
	b.WriteString(fmt.Sprintf("    Consumers: %d in %d repositories\n", group.Total, len(group.Repositories)))
	for _, rc := range group.Repositories {
		for _, con := range rc.Consumers {
			loc := con.FilePath
			if con.LineNumber > 0 {
				loc = fmt.Sprintf("%s:%d", con.FilePath, con.LineNumber)
			}
			b.WriteString(fmt.Sprintf("      %s %s\n", rc.Repository, loc))
		}
	}
}

func writeDeps(b *strings.Builder, title string, deps []graph.Dependency) {
	if len(deps) == 0 {
		return
	}
	b.WriteString(fmt.Sprintf("\n%s:\n", title))
	for _, d := range deps[:min(10, len(deps))] {
		line := fmt.Sprintf("  - %s (%s via %s)", d.NodeID, d.Kind, d.EdgeType)
		if d.RiskTag != "" {
			line += " [" + d.RiskTag + "]"
		}
		b.WriteString(line + "\n")
	}
	if len(deps) > 10 {
		b.WriteString(fmt.Sprintf("  ... and %d more\n", len(deps)-10))
	}
}

var knownComponents = []string{
	risk.Technical, risk.Domain, risk.BreakingChange, risk.ConsumerImpact,
	risk.TableCriticality, risk.CodeImpact, risk.DBRelationships, risk.OperationFloor, risk.BreakingFloor, risk.AISignal,
}

func componentOrder(scores map[string]float64) []string {
	var out []string
	for _, name := range knownComponents {
		if _, ok := scores[name]; ok {
			out = append(out, name)
		}
	}
	return out
}
