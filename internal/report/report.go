// Package report assembles the single result handed to the transport layer
// and checks the invariants every result must hold.
package report

import (
	"math"
	"time"

	"github.com/google/uuid"

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

// ChangeSummary is the part of the normalized change a reader needs.
type ChangeSummary struct {
	Kind         change.Kind `json:"kind"`
	TargetID     string      `json:"target_id"`
	Tag          string      `json:"tag,omitempty"`
	Database     string      `json:"database,omitempty"`
	Repository   string      `json:"repository,omitempty"`
	Paths        []string    `json:"paths,omitempty"`
	LinesChanged int         `json:"lines_changed"`
	Fingerprint  string      `json:"fingerprint"`
	Notes        []string    `json:"notes,omitempty"`
}

// Report is the result of one analysis run.
type Report struct {
	RunID        string                    `json:"run_id"`
	GeneratedAt  time.Time                 `json:"generated_at"`
	Change       ChangeSummary             `json:"change"`
	SchemaChange *schema.SchemaChange      `json:"schema_change,omitempty"`
	APIChanges   []contract.EndpointChange `json:"api_changes,omitempty"`
	Dependencies graph.Traversal           `json:"dependencies"`
	Consumers    *consumers.Result         `json:"consumers,omitempty"`
	RiskScore    risk.Score                `json:"risk_score"`
	AIInsights   *aisignal.Signal          `json:"ai_insights,omitempty"`
	Signals      signal.Set                `json:"signals"`
	Limitations  []string                  `json:"limitations,omitempty"`
}

// Inputs are the pipeline outputs a report is compiled from.
type Inputs struct {
	RunID       string
	GeneratedAt time.Time
	Change      change.Change
	Schema      *schema.Result
	APIChanges  []contract.EndpointChange
	Traversal   graph.Traversal
	Consumers   *consumers.Result
	Score       risk.Score
	AI          *aisignal.Signal
	Signals     signal.Set
	Limitations []string
}

// Compile assembles and validates a report. A violated invariant is an
// INVARIANT_VIOLATION error and no report is returned.
func Compile(in Inputs) (*Report, error) {
	if err := check(in); err != nil {
		return nil, err
	}

	r := &Report{
		RunID:       in.RunID,
		GeneratedAt: in.GeneratedAt,
		Change: ChangeSummary{
			Kind:         in.Change.Kind,
			TargetID:     in.Change.TargetID,
			Tag:          in.Change.Tag,
			Database:     in.Change.Database,
			Repository:   in.Change.Repository,
			Paths:        in.Change.Paths(),
			LinesChanged: in.Change.LinesChanged(),
			Fingerprint:  in.Change.Fingerprint(),
			Notes:        in.Change.Notes,
		},
		APIChanges:   in.APIChanges,
		Dependencies: in.Traversal,
		Consumers:    in.Consumers,
		RiskScore:    in.Score,
		Signals:      in.Signals,
		Limitations:  in.Limitations,
	}
	if r.RunID == "" {
		r.RunID = uuid.New().String()
	}
	if r.GeneratedAt.IsZero() {
		r.GeneratedAt = time.Now().UTC()
	}
	if r.Signals == nil {
		r.Signals = signal.Set{}
	}
	if in.Schema != nil {
		sc := in.Schema.Change
		r.SchemaChange = &sc
		r.Change.Notes = append(append([]string(nil), r.Change.Notes...), in.Schema.Notes...)
	}
	if in.AI != nil && in.AI.Status != aisignal.StatusDisabled {
		ai := *in.AI
		r.AIInsights = &ai
	}
	return r, nil
}

func check(in Inputs) error {
	if err := contract.Validate(in.APIChanges); err != nil {
		return err
	}

	s := in.Score
	if math.IsNaN(s.FinalScore) || s.FinalScore < 0 || s.FinalScore > risk.MaxScore {
		return brerrors.Newf(brerrors.InvariantViolation, "final score %v outside [0, %v]", s.FinalScore, risk.MaxScore)
	}
	if s.Band != risk.BandFor(s.FinalScore) {
		return brerrors.Newf(brerrors.InvariantViolation, "band %s does not match score %v", s.Band, s.FinalScore)
	}
	for name, v := range s.ComponentScores {
		if v < 0 {
			return brerrors.Newf(brerrors.InvariantViolation, "component %s is negative", name)
		}
	}

	if in.Consumers != nil {
		allow := contract.AllowList(in.APIChanges)
		for _, group := range in.Consumers.Endpoints {
			if !allow[group.Key] {
				return brerrors.Newf(brerrors.InvariantViolation, "consumers reported for %s, which is not in the change set", group.Key)
			}
			n := 0
			for _, rc := range group.Repositories {
				n += len(rc.Consumers)
				for _, c := range rc.Consumers {
					if c.SourceRepository != rc.Repository {
						return brerrors.Newf(brerrors.InvariantViolation, "consumer %s grouped under repository %s", c.FilePath, rc.Repository)
					}
				}
			}
			if n != group.Total {
				return brerrors.Newf(brerrors.InvariantViolation, "%s total %d disagrees with %d listed consumers", group.Key, group.Total, n)
			}
		}
	}

	if in.Schema != nil {
		sc := in.Schema.Change
		if sc.Operation == "" {
			return brerrors.Newf(brerrors.InvariantViolation, "schema change without an operation")
		}
		if (sc.Operation == schema.GenericAlter) != (sc.Confidence == schema.GenericFallback) {
			return brerrors.Newf(brerrors.InvariantViolation, "operation %s reported with confidence %s", sc.Operation, sc.Confidence)
		}
	}
	return nil
}
