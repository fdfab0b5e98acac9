// Package signal names the availability states reported for each optional
// input of an analysis.
package signal

import "sort"

// Status describes whether an optional signal contributed to a result.
type Status string

const (
	// OK means the collaborator answered in time.
	OK Status = "ok"
	// Unavailable means the collaborator errored or timed out; the signal was omitted.
	Unavailable Status = "unavailable"
	// Disabled means no collaborator is configured.
	Disabled Status = "disabled"
	// Skipped means the signal does not apply to this change.
	Skipped Status = "skipped"
)

// Set records the status of each named signal.
type Set map[string]Status

// Mark records status for name, never downgrading an earlier Unavailable.
func (s Set) Mark(name string, status Status) {
	if s[name] == Unavailable {
		return
	}
	s[name] = status
}

// UnavailableNames lists the names marked unavailable, sorted.
func (s Set) UnavailableNames() []string {
	var out []string
	for name, st := range s {
		if st == Unavailable {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
