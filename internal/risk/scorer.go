// Package risk turns structural signals into a 0-10 score and a band.
package risk

import (
	"fmt"
	"math"

	"blastradius/internal/schema"
)

// Band is the risk classification of a final score.
type Band string

const (
	Low      Band = "LOW"
	Medium   Band = "MEDIUM"
	High     Band = "HIGH"
	Critical Band = "CRITICAL"
)

// BandFor maps a score to its band: LOW [0,3.5) MEDIUM [3.5,5.5)
// HIGH [5.5,7.5) CRITICAL [7.5,10].
func BandFor(score float64) Band {
	switch {
	case score >= 7.5:
		return Critical
	case score >= 5.5:
		return High
	case score >= 3.5:
		return Medium
	default:
		return Low
	}
}

// Profile names the scoring profile used.
type Profile string

const (
	ProfileCode   Profile = "code"
	ProfileAPI    Profile = "api"
	ProfileSchema Profile = "schema"
)

// Component names.
const (
	Technical        = "technical"
	Domain           = "domain"
	AISignal         = "ai_signal"
	BreakingChange   = "breaking_change"
	ConsumerImpact   = "consumer_impact"
	TableCriticality = "table_criticality"
	CodeImpact       = "code_impact"
	DBRelationships  = "db_relationships"
	OperationFloor   = "operation_floor"
	BreakingFloor    = "breaking_floor"
)

const (
	MaxScore    = 10.0
	schemaScale = 1.25
	floorScale  = 2.5

	// breakingMin keeps a breaking API change out of the LOW band even when
	// no consumer was found.
	breakingMin = 3.5
)

// Score is the scorer's output. It is recomputed on every run.
type Score struct {
	Profile            Profile            `json:"profile"`
	ComponentScores    map[string]float64 `json:"component_scores"`
	TemporalMultiplier float64            `json:"temporal_multiplier"`
	FinalScore         float64            `json:"final_score"`
	Band               Band               `json:"band"`
	Explanation        []string           `json:"explanation,omitempty"`
}

// APIInput carries the API-only terms.
type APIInput struct {
	Breaking     bool
	Consumers    int
	Repositories int
}

// CodeInput is everything the code and API profile reads.
type CodeInput struct {
	// Texts are searched for critical keywords: target, paths, changed lines.
	Texts []string

	// Paths are the changed files, checked for critical modules.
	Paths []string

	// ReverseTags are the risk tags of reverse dependencies.
	ReverseTags []string

	ReverseCount int
	LinesChanged int
	AIDelta      float64
	API          *APIInput
}

// SchemaInput is everything the schema profile reads.
type SchemaInput struct {
	Change             schema.SchemaChange
	AffectedFiles      int
	ReverseForeignKeys int
	AIDelta            float64
}

// Scorer computes scores. It is safe for concurrent use.
type Scorer struct {
	rules Rules
	clock Clock
}

// NewScorer creates a Scorer. A nil clock means the system clock.
func NewScorer(rules Rules, clock Clock) *Scorer {
	if clock == nil {
		clock = SystemClock
	}
	return &Scorer{rules: rules, clock: clock}
}

// Rules returns the scorer's rules.
func (s *Scorer) Rules() Rules { return s.rules }

// ScoreCode applies the code profile, or the API profile when in.API is set.
func (s *Scorer) ScoreCode(in CodeInput) Score {
	sc := Score{Profile: ProfileCode, ComponentScores: make(map[string]float64)}

	depPart := step(in.ReverseCount, []int{0, 2, 5, 10}, []float64{0, 1, 1.5, 2, 2.5})
	linePart := step(in.LinesChanged, []int{0, 10, 50, 200}, []float64{0, 0.5, 1, 1.5, 2})
	technical := math.Min(4, depPart+linePart)
	sc.ComponentScores[Technical] = round(technical)
	sc.explain("technical %.2f: %d reverse dependents, %d lines changed", technical, in.ReverseCount, in.LinesChanged)

	domain := 0.0
	if hits := s.rules.KeywordHits(in.Texts...); len(hits) > 0 {
		domain = 2.0
		sc.explain("critical keywords: %v", hits)
	}
	modules := s.criticalModules(in.Paths, in.ReverseTags)
	if len(modules) > 0 {
		domain += 0.5 * float64(len(modules))
		sc.explain("critical modules: %v", modules)
	}
	domain = math.Min(3, domain)
	sc.ComponentScores[Domain] = round(domain)

	ai := clampAI(in.AIDelta)
	sc.ComponentScores[AISignal] = round(ai)

	sum := technical + domain + ai
	if in.API != nil {
		sc.Profile = ProfileAPI
		breaking := 0.0
		if in.API.Breaking {
			breaking = 2.5
			sc.explain("breaking API change")
		}
		consumer := step(in.API.Consumers, []int{0, 2, 5, 10}, []float64{0, 1, 1.5, 2, 2.5})
		if in.API.Repositories >= 3 {
			consumer += 0.5
		}
		consumer = math.Min(2.5, consumer)
		if in.API.Consumers > 0 {
			sc.explain("%d consumers across %d repositories", in.API.Consumers, in.API.Repositories)
		}
		sc.ComponentScores[BreakingChange] = round(breaking)
		sc.ComponentScores[ConsumerImpact] = round(consumer)
		sum += breaking + consumer
	}

	mult, reasons := TemporalMultiplier(s.clock())
	for _, r := range reasons {
		sc.explain("temporal: %s", r)
	}
	sc.TemporalMultiplier = round(mult)
	final := math.Min(MaxScore, sum*mult)
	if in.API != nil && in.API.Breaking && final < breakingMin {
		sc.ComponentScores[BreakingFloor] = breakingMin
		sc.explain("breaking change raised to the %.1f floor", breakingMin)
		final = breakingMin
	}
	sc.FinalScore = round(final)
	sc.Band = BandFor(sc.FinalScore)
	return sc
}

// ScoreSchema applies the schema profile. The operation's base weight sets a
// floor so breaking operations never score below their weight.
func (s *Scorer) ScoreSchema(in SchemaInput) Score {
	sc := Score{Profile: ProfileSchema, ComponentScores: make(map[string]float64), TemporalMultiplier: 1.0}

	table := 1.5
	if s.rules.IsSensitiveTable(in.Change.Table) {
		table = 2.5
		sc.explain("sensitive table %s", in.Change.QualifiedTable())
	}
	switch {
	case in.ReverseForeignKeys >= 6:
		table += 0.5
	case in.ReverseForeignKeys >= 3:
		table += 0.3
	}
	table = math.Min(3, table)
	sc.ComponentScores[TableCriticality] = round(table)

	code := step(in.AffectedFiles, []int{0, 1, 5, 10}, []float64{0, 1, 1.5, 2, 3})
	sc.ComponentScores[CodeImpact] = round(code)
	if in.AffectedFiles > 0 {
		sc.explain("%d code files use the table", in.AffectedFiles)
	}

	rel := step(in.ReverseForeignKeys, []int{0, 1, 3, 5}, []float64{0, 0.5, 1, 1.5, 2})
	sc.ComponentScores[DBRelationships] = round(rel)
	if in.ReverseForeignKeys > 0 {
		sc.explain("%d tables reference it by foreign key", in.ReverseForeignKeys)
	}

	ai := clampAI(in.AIDelta)
	sc.ComponentScores[AISignal] = round(ai)

	weight := in.Change.BaseWeight
	if weight == 0 {
		weight = schema.BaseWeight(in.Change.Operation)
	}
	floor := weight * floorScale
	sc.ComponentScores[OperationFloor] = round(floor)

	scaled := (table + code + rel + ai) * schemaScale
	final := math.Max(floor, scaled)
	if floor > scaled {
		sc.explain("%s weight %.1f sets the floor", in.Change.Operation, weight)
	}
	sc.FinalScore = round(math.Min(MaxScore, final))
	sc.Band = BandFor(sc.FinalScore)
	return sc
}

func (s *Scorer) criticalModules(paths, tags []string) []string {
	seen := make(map[string]bool)
	for _, p := range paths {
		if m := s.rules.ModuleOf(p); m != "" {
			seen[m] = true
		}
	}
	for _, t := range tags {
		for _, m := range s.rules.CriticalModules {
			if t == m {
				seen[m] = true
			}
		}
	}
	return sortedSet(seen)
}

func (sc *Score) explain(format string, args ...any) {
	sc.Explanation = append(sc.Explanation, fmt.Sprintf(format, args...))
}

// step maps n onto values: values[0] when n <= bounds[0], values[i] when
// n <= bounds[i], and the last value above every bound.
func step(n int, bounds []int, values []float64) float64 {
	for i, b := range bounds {
		if n <= b {
			return values[i]
		}
	}
	return values[len(values)-1]
}

func clampAI(v float64) float64 {
	return math.Max(0, math.Min(2, v))
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}
