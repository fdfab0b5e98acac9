// Package aisignal provides the optional qualitative risk signal. A Source
// may fail or be slow; Bounded turns either into a rule-based fallback so the
// pipeline never waits on it.
package aisignal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	brerrors "blastradius/internal/errors"
)

// Status reports how a signal was obtained.
type Status string

const (
	StatusOK          Status = "ok"
	StatusUnavailable Status = "unavailable"
	StatusDisabled    Status = "disabled"
)

// MaxRiskDelta bounds the signal's contribution to a risk score.
const MaxRiskDelta = 2.0

// Input is what a source sees: the change and a summary of its graph.
type Input struct {
	Kind              string   `json:"kind"`
	Target            string   `json:"target"`
	Summary           string   `json:"summary,omitempty"`
	Statement         string   `json:"statement,omitempty"`
	Added             []string `json:"added,omitempty"`
	Removed           []string `json:"removed,omitempty"`
	ReverseDependents []string `json:"reverse_dependents,omitempty"`
	Breaking          bool     `json:"breaking,omitempty"`
}

// Signal is an assessment of a change.
type Signal struct {
	RiskDelta      float64  `json:"risk_delta"`
	Findings       []string `json:"findings,omitempty"`
	RegulatoryFlag bool     `json:"regulatory_flag"`
	Status         Status   `json:"status"`
	Source         string   `json:"source,omitempty"`
}

// Source assesses a change.
type Source interface {
	Name() string
	Assess(ctx context.Context, in Input) (Signal, error)
}

// Disabled is the signal reported when no source is configured. It carries
// no risk.
func Disabled() Signal {
	return Signal{Status: StatusDisabled}
}

// Bounded runs src under timeout. On error or timeout it returns the
// fallback's assessment marked unavailable. A nil src yields Disabled.
func Bounded(ctx context.Context, src Source, in Input, timeout time.Duration, fallback *RuleBased, logger *slog.Logger) Signal {
	if src == nil {
		return Disabled()
	}

	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		sig Signal
		err error
	}
	done := make(chan result, 1)
	go func() {
		sig, err := src.Assess(actx, in)
		done <- result{sig, err}
	}()

	var err error
	select {
	case r := <-done:
		if r.err == nil {
			sig := r.sig
			sig.RiskDelta = clamp(sig.RiskDelta)
			sig.Status = StatusOK
			if sig.Source == "" {
				sig.Source = src.Name()
			}
			return sig
		}
		err = r.err
	case <-actx.Done():
		err = actx.Err()
	}

	if logger != nil {
		err = brerrors.Collaborator("ai source "+src.Name(), err)
		attrs := []any{"source", src.Name(), "code", brerrors.CodeOf(err), "error", err.Error()}
		if errors.Is(err, context.DeadlineExceeded) {
			attrs = append(attrs, "timeout", timeout.String())
		}
		logger.Warn("AI signal unavailable, using rule-based fallback", attrs...)
	}

	if fallback == nil {
		fallback = NewRuleBased()
	}
	sig := fallback.Evaluate(in)
	sig.Status = StatusUnavailable
	return sig
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > MaxRiskDelta {
		return MaxRiskDelta
	}
	return v
}
