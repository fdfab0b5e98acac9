package aisignal

import (
	"context"
	"regexp"
	"strings"
)

type rule struct {
	name       string
	rx         *regexp.Regexp
	unless     *regexp.Regexp
	onRemoved  bool
	weight     float64
	regulatory bool
}

// RuleBased scores a change from fixed patterns over its changed text. It is
// the fallback when the AI source is unavailable.
type RuleBased struct {
	rules []rule
}

// NewRuleBased returns the built-in rule set.
func NewRuleBased() *RuleBased {
	return &RuleBased{rules: []rule{
		{
			name:   "destructive SQL statement",
			rx:     regexp.MustCompile(`(?i)\b(?:drop\s+(?:table|column|schema|database)|truncate\s+(?:table\s+)?\w+)\b`),
			weight: 1.0,
		},
		{
			name:   "DELETE or UPDATE without WHERE",
			rx:     regexp.MustCompile(`(?i)^\s*(?:delete\s+from|update\s+[\w."]+\s+set)\b`),
			unless: regexp.MustCompile(`(?i)\bwhere\b`),
			weight: 1.0,
		},
		{
			name:      "input validation removed",
			rx:        regexp.MustCompile(`(?i)@(?:NotNull|NotBlank|NotEmpty|Valid|Size|Min|Max|Pattern)\b|\.required\(\)|binding:"[^"]*required|validate:"[^"]*required|\bvalidat(?:e|or|ion)\b`),
			onRemoved: true,
			weight:    0.5,
		},
		{
			name:      "authorization check removed",
			rx:        regexp.MustCompile(`(?i)@(?:PreAuthorize|Secured|RolesAllowed)\b|\b(?:requireAuth|isAuthenticated|authorize|checkPermission|login_required)\b`),
			onRemoved: true,
			weight:    1.0,
		},
		{
			name:   "cryptography or credential handling changed",
			rx:     regexp.MustCompile(`(?i)\b(?:encrypt|decrypt|cipher|bcrypt|hmac|secret|private_?key|password|token)\b`),
			weight: 0.5,
		},
		{
			name:       "personal or payment data touched",
			rx:         regexp.MustCompile(`(?i)\b(?:ssn|social_security|card_?number|pan|cvv|iban|date_of_birth|dob|passport|tax_id)\b`),
			weight:     0.5,
			regulatory: true,
		},
	}}
}

// Name implements Source.
func (r *RuleBased) Name() string { return "rules" }

// Assess implements Source. It never fails.
func (r *RuleBased) Assess(_ context.Context, in Input) (Signal, error) {
	return r.Evaluate(in), nil
}

// Evaluate applies every rule once. Findings follow rule order.
func (r *RuleBased) Evaluate(in Input) Signal {
	sig := Signal{Source: r.Name(), Status: StatusOK}
	added := append([]string(nil), in.Added...)
	if in.Statement != "" {
		added = append(added, strings.Split(in.Statement, "\n")...)
	}

	for _, rl := range r.rules {
		lines := added
		if rl.onRemoved {
			lines = in.Removed
		}
		if !anyMatch(rl, lines) {
			continue
		}
		sig.RiskDelta += rl.weight
		sig.Findings = append(sig.Findings, rl.name)
		if rl.regulatory {
			sig.RegulatoryFlag = true
		}
	}
	sig.RiskDelta = clamp(sig.RiskDelta)
	return sig
}

func anyMatch(rl rule, lines []string) bool {
	for _, l := range lines {
		if rl.rx.MatchString(l) && (rl.unless == nil || !rl.unless.MatchString(l)) {
			return true
		}
	}
	return false
}
