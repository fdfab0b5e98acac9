package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	brerrors "blastradius/internal/errors"
	"blastradius/internal/report"
	"blastradius/internal/risk"
	"blastradius/internal/storage"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"empty input", brerrors.New(brerrors.EmptyInput, "change has no content", nil), exitBadInput},
		{"unresolved target", brerrors.Newf(brerrors.TargetUnresolved, "no target"), exitBadInput},
		{"unreadable trigger event", brerrors.Newf(brerrors.ParseFailure, "decode trigger event"), exitBadInput},
		{"invariant", brerrors.Newf(brerrors.InvariantViolation, "score out of range"), exitInvariants},
		{"panic", brerrors.Newf(brerrors.InternalError, "analysis panicked"), exitError},
		{"plain error", errors.New("boom"), exitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestReadInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "change.diff")
	if err := os.WriteFile(path, []byte("from file"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no args reads stdin", nil, "from stdin"},
		{"dash reads stdin", []string{"-"}, "from stdin"},
		{"file", []string{path}, "from file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readInput(tt.args, strings.NewReader("from stdin"))
			if err != nil {
				t.Fatalf("readInput() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("readInput() = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := readInput([]string{filepath.Join(t.TempDir(), "missing")}, nil); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestWriteHistory(t *testing.T) {
	runs := []storage.RunSummary{{
		RunID:       "run-b",
		Kind:        "SCHEMA",
		TargetID:    "transactions",
		Profile:     "schema",
		FinalScore:  4.38,
		Band:        risk.Medium,
		GeneratedAt: time.Date(2024, 5, 14, 10, 0, 0, 0, time.UTC),
	}}

	var human bytes.Buffer
	if err := writeHistory(&human, "transactions", runs, report.FormatHuman); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"GENERATED", "2024-05-14 10:00:00", "run-b", "4.38", "MEDIUM"} {
		if !strings.Contains(human.String(), want) {
			t.Errorf("human history missing %q:\n%s", want, human.String())
		}
	}

	var empty bytes.Buffer
	if err := writeHistory(&empty, "orders", nil, report.FormatHuman); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(empty.String(), "No analyses recorded for orders") {
		t.Errorf("empty history = %q", empty.String())
	}

	var js bytes.Buffer
	if err := writeHistory(&js, "orders", nil, report.FormatJSON); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(js.String()) != "[]" {
		t.Errorf("empty JSON history = %q, want []", js.String())
	}
}

// writeTestConfig disables every external collaborator.
func writeTestConfig(t *testing.T, storePath string) string {
	t.Helper()
	cfg := map[string]any{
		"version":   1,
		"analyzer":  map[string]any{"scipIndexPath": "", "scanTables": false},
		"consumers": map[string]any{"method": "off"},
		"store":     map[string]any{"enabled": storePath != "", "path": storePath},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestAnalyzeSQLCommand(t *testing.T) {
	store := filepath.Join(t.TempDir(), "runs.db")
	cfg := writeTestConfig(t, store)

	out, err := execute(t, "", "--config", cfg, "--format", "json", "analyze", "sql", "DROP TABLE fraud_alerts")
	if err != nil {
		t.Fatalf("analyze sql error = %v", err)
	}
	var got struct {
		RiskScore struct {
			Band string `json:"band"`
		} `json:"risk_score"`
		SchemaChange struct {
			Operation string `json:"operation"`
		} `json:"schema_change"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if got.RiskScore.Band != "CRITICAL" || got.SchemaChange.Operation != "DROP_TABLE" {
		t.Errorf("report = %+v", got)
	}

	hist, err := execute(t, "", "--config", cfg, "--format", "human", "history", "fraud_alerts")
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	if !strings.Contains(hist, "CRITICAL") {
		t.Errorf("history does not list the run:\n%s", hist)
	}
}

func TestAnalyzeDiffCommand_EmptyInput(t *testing.T) {
	cfg := writeTestConfig(t, "")
	_, err := execute(t, "   ", "--config", cfg, "analyze", "diff", "-")
	if err == nil {
		t.Fatal("expected an error for an empty diff")
	}
	if exitCode(err) != exitBadInput {
		t.Errorf("exitCode() = %d, want %d (err %v)", exitCode(err), exitBadInput, err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "--format", "human", "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "blastradius ") {
		t.Errorf("version output = %q", out)
	}
}
