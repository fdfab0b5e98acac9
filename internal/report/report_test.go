package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"blastradius/internal/aisignal"
	"blastradius/internal/change"
	"blastradius/internal/consumers"
	"blastradius/internal/contract"
	brerrors "blastradius/internal/errors"
	"blastradius/internal/graph"
	"blastradius/internal/risk"
	"blastradius/internal/schema"
	"blastradius/internal/signal"
)

func apiInputs() Inputs {
	key := "POST /api/v1/payments"
	return Inputs{
		RunID:       "run-1",
		GeneratedAt: time.Date(2024, 5, 14, 10, 0, 0, 0, time.UTC),
		Change:      change.Change{Kind: change.KindAPI, TargetID: "PaymentController.java", RawInput: "diff"},
		APIChanges: []contract.EndpointChange{{
			Method:        "POST",
			Path:          "/api/v1/payments",
			ChangeType:    contract.Modified,
			Compatibility: contract.Breaking,
			IsBreaking:    true,
			Reasons:       []string{"request field amount is no longer required"},
		}},
		Traversal: graph.Traversal{
			ReverseDirect: []graph.Dependency{{NodeID: "PaymentService.java", Kind: graph.KindFile, EdgeType: graph.Calls, Depth: 1}},
		},
		Consumers: &consumers.Result{
			Endpoints: []consumers.EndpointConsumers{{
				Key:   key,
				Total: 2,
				Repositories: []consumers.RepositoryConsumers{
					{Repository: "web", Consumers: []consumers.Consumer{
						{FilePath: "src/pay.ts", LineNumber: 8, SourceRepository: "web"},
						{FilePath: "src/retry.ts", LineNumber: 3, SourceRepository: "web"},
					}},
				},
			}},
			Total:     2,
			RepoCount: 1,
			Method:    "local",
		},
		Score: risk.Score{
			Profile:            risk.ProfileAPI,
			ComponentScores:    map[string]float64{risk.Technical: 0.5, risk.Domain: 2, risk.BreakingChange: 2.5, risk.ConsumerImpact: 1},
			TemporalMultiplier: 1,
			FinalScore:         6,
			Band:               risk.High,
		},
		AI:      &aisignal.Signal{Status: aisignal.StatusUnavailable, RiskDelta: 0.5, Findings: []string{"input validation removed"}},
		Signals: signal.Set{"ai": signal.Unavailable, "consumers": signal.OK},
	}
}

func TestCompile(t *testing.T) {
	r, err := Compile(apiInputs())
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if r.RunID != "run-1" || r.Change.Kind != change.KindAPI || r.Change.Fingerprint == "" {
		t.Errorf("unexpected header: %+v", r.Change)
	}
	if r.AIInsights == nil || r.AIInsights.Status != aisignal.StatusUnavailable {
		t.Errorf("AIInsights = %+v", r.AIInsights)
	}
	if r.Consumers.Total != 2 {
		t.Errorf("Consumers.Total = %d", r.Consumers.Total)
	}
}

func TestCompile_Defaults(t *testing.T) {
	in := apiInputs()
	in.RunID = ""
	in.GeneratedAt = time.Time{}
	in.Signals = nil
	in.AI = &aisignal.Signal{Status: aisignal.StatusDisabled}

	r, err := Compile(in)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if r.RunID == "" || r.GeneratedAt.IsZero() || r.Signals == nil {
		t.Errorf("defaults not filled: %+v", r)
	}
	if r.AIInsights != nil {
		t.Error("a disabled AI signal should not be reported")
	}
}

func TestCompile_InvariantViolations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Inputs)
	}{
		{"removed not breaking", func(in *Inputs) {
			in.APIChanges[0].ChangeType = contract.Removed
			in.APIChanges[0].IsBreaking = false
			in.APIChanges[0].Compatibility = contract.NonBreaking
		}},
		{"narrowed not breaking", func(in *Inputs) {
			in.APIChanges[0].Narrowed = true
			in.APIChanges[0].IsBreaking = false
			in.APIChanges[0].Compatibility = contract.NonBreaking
		}},
		{"score out of range", func(in *Inputs) { in.Score.FinalScore = 11; in.Score.Band = risk.Critical }},
		{"band mismatch", func(in *Inputs) { in.Score.Band = risk.Low }},
		{"negative component", func(in *Inputs) { in.Score.ComponentScores[risk.Domain] = -1 }},
		{"consumer leak", func(in *Inputs) { in.Consumers.Endpoints[0].Key = "GET /api/v1/payments" }},
		{"total mismatch", func(in *Inputs) { in.Consumers.Endpoints[0].Total = 5 }},
		{"wrong repository", func(in *Inputs) {
			in.Consumers.Endpoints[0].Repositories[0].Consumers[0].SourceRepository = "mobile"
		}},
		{"schema without operation", func(in *Inputs) { in.Schema = &schema.Result{} }},
		{"generic operation claimed as direct", func(in *Inputs) {
			in.Schema = &schema.Result{Change: schema.SchemaChange{Operation: schema.GenericAlter, Confidence: schema.DirectSQL}}
		}},
		{"resolved operation with fallback confidence", func(in *Inputs) {
			in.Schema = &schema.Result{Change: schema.SchemaChange{Operation: schema.DropTable, Confidence: schema.GenericFallback}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := apiInputs()
			tt.mutate(&in)
			r, err := Compile(in)
			if err == nil {
				t.Fatal("expected an invariant violation")
			}
			if !brerrors.Is(err, brerrors.InvariantViolation) {
				t.Errorf("error code = %s, want INVARIANT_VIOLATION", brerrors.CodeOf(err))
			}
			if r != nil {
				t.Error("no report should be returned on violation")
			}
		})
	}
}

func TestRender_JSON(t *testing.T) {
	r, err := Compile(apiInputs())
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	var buf bytes.Buffer
	if err := Render(&buf, r, FormatJSON); err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	for _, key := range []string{"run_id", "change", "api_changes", "dependencies", "consumers", "risk_score", "ai_insights", "signals"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("missing key %q", key)
		}
	}
	if _, ok := decoded["schema_change"]; ok {
		t.Error("schema_change should be omitted for API changes")
	}
	if decoded["generated_at"] != "2024-05-14T10:00:00Z" {
		t.Errorf("generated_at = %v", decoded["generated_at"])
	}
	score := decoded["risk_score"].(map[string]interface{})
	if score["band"] != "HIGH" || score["final_score"] != 6.0 {
		t.Errorf("risk_score = %v", score)
	}
}

func TestRender_YAML(t *testing.T) {
	r, err := Compile(apiInputs())
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	var buf bytes.Buffer
	if err := Render(&buf, r, FormatYAML); err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	var decoded struct {
		RiskScore struct {
			Band       string  `yaml:"band"`
			FinalScore float64 `yaml:"final_score"`
		} `yaml:"risk_score"`
		APIChanges []struct {
			Method     string `yaml:"method"`
			IsBreaking bool   `yaml:"is_breaking"`
		} `yaml:"api_changes"`
	}
	if err := yaml.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not YAML: %v", err)
	}
	if decoded.RiskScore.Band != "HIGH" || decoded.RiskScore.FinalScore != 6 {
		t.Errorf("risk_score = %+v", decoded.RiskScore)
	}
	if len(decoded.APIChanges) != 1 || !decoded.APIChanges[0].IsBreaking {
		t.Errorf("api_changes = %+v", decoded.APIChanges)
	}
}

func TestRender_Human(t *testing.T) {
	in := apiInputs()
	r, err := Compile(in)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	var buf bytes.Buffer
	if err := Render(&buf, r, FormatHuman); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"Risk: HIGH (score: 6.00, profile: api)",
		"✗ [MODIFIED] POST /api/v1/payments",
		"Consumers: 2 in 1 repositories",
		"web src/pay.ts:8",
		"PaymentService.java (FILE via CALLS)",
		"! Unavailable: ai",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("human output missing %q:\n%s", want, out)
		}
	}
}

func TestRender_SchemaHuman(t *testing.T) {
	in := Inputs{
		Change: change.Change{Kind: change.KindSchema, TargetID: "fraud_alerts", RawInput: "DROP TABLE fraud_alerts"},
		Schema: &schema.Result{Change: schema.SchemaChange{
			Operation: schema.DropTable, Table: "fraud_alerts", Confidence: schema.DirectSQL, BaseWeight: 3,
		}},
		Score: risk.Score{Profile: risk.ProfileSchema, FinalScore: 7.5, Band: risk.Critical, TemporalMultiplier: 1,
			ComponentScores: map[string]float64{risk.OperationFloor: 7.5}},
	}
	r, err := Compile(in)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	out := Human(r)
	if !strings.Contains(out, "Schema Change: DROP_TABLE on fraud_alerts (confidence: DIRECT_SQL, weight: 3.0)") {
		t.Errorf("human output:\n%s", out)
	}
	if r.SchemaChange == nil || r.SchemaChange.Operation != schema.DropTable {
		t.Errorf("SchemaChange = %+v", r.SchemaChange)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"YAML", FormatYAML, false},
		{" human ", FormatHuman, false},
		{"", FormatJSON, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestSnapshot_IgnoresVolatileFields(t *testing.T) {
	a, err := Compile(apiInputs())
	if err != nil {
		t.Fatal(err)
	}
	in := apiInputs()
	in.RunID = "run-2"
	in.GeneratedAt = in.GeneratedAt.Add(time.Hour)
	b, err := Compile(in)
	if err != nil {
		t.Fatal(err)
	}
	if !SameResult(a, b) {
		t.Error("reports differing only in run id and time should be the same result")
	}

	in.Score.FinalScore = 7
	in.Score.Band = risk.High
	c, err := Compile(in)
	if err != nil {
		t.Fatal(err)
	}
	if SameResult(a, c) {
		t.Error("reports with different scores should differ")
	}
}

func TestCanonical(t *testing.T) {
	type inner struct {
		Score float64 `json:"score"`
		Skip  string  `json:"-"`
		Empty []int   `json:"empty,omitempty"`
		Zero  int     `json:"zero,omitempty"`
		Kept  int     `json:"kept"`
	}
	got, err := encodeJSON(map[string]interface{}{
		"b": inner{Score: 0.1234567891, Skip: "x", Kept: 0},
		"a": []string{"z"},
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":["z"],"b":{"kept":0,"score":0.123457}}`
	if string(got) != want {
		t.Errorf("encodeJSON() = %s, want %s", got, want)
	}
}
