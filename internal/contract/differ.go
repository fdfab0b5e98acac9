package contract

import (
	"context"
	"fmt"
	"path"
	"sort"

	brerrors "blastradius/internal/errors"
)

// ConsumerHistory answers whether an endpoint key had consumers recorded by
// an earlier analysis.
type ConsumerHistory interface {
	HadConsumers(ctx context.Context, key string) (bool, error)
}

// Options tunes Diff.
type Options struct {
	// History pairs removed endpoints that had consumers with their likely
	// replacement. Optional.
	History ConsumerHistory
	// Only restricts the diff to these endpoint keys when non-nil.
	Only map[string]bool
}

// Diff classifies the differences between two versions of a set of
// endpoints, keyed by method and normalized path. The result is sorted by
// key and contains only endpoints that changed.
func Diff(ctx context.Context, before, after []Endpoint, opts Options) []EndpointChange {
	old := index(before, opts.Only)
	cur := index(after, opts.Only)

	var (
		out     []EndpointChange
		removed []Endpoint
		added   []Endpoint
	)
	for _, key := range sortedKeys(old) {
		o := old[key]
		n, ok := cur[key]
		if !ok {
			removed = append(removed, o)
			continue
		}
		if ch, changed := compare(o, n); changed {
			out = append(out, ch)
		}
	}
	for _, key := range sortedKeys(cur) {
		if _, ok := old[key]; !ok {
			added = append(added, cur[key])
		}
	}

	pairs := pairRenames(ctx, removed, added, opts.History)
	paired := make(map[string]bool)
	for _, p := range pairs {
		paired["-"+p.old.Key()] = true
		paired["+"+p.new.Key()] = true

		rem := removedChange(p.old)
		rem.mark(Breaking, fmt.Sprintf("%s: renamed to %s", p.reason, p.new.Key()))
		add := EndpointChange{
			Method:       p.new.Method,
			Path:         NormalizePath(p.new.Path),
			ChangeType:   Added,
			NewSignature: p.new.Signature(),
			RenamedFrom:  p.old.Key(),
		}
		add.mark(Breaking, fmt.Sprintf("%s: replaces %s", p.reason, p.old.Key()))
		out = append(out, rem, add)
	}
	for _, o := range removed {
		if paired["-"+o.Key()] {
			continue
		}
		rem := removedChange(o)
		rem.mark(Breaking, "endpoint removed")
		if hadConsumers(ctx, opts.History, o.Key()) {
			rem.Reasons = append(rem.Reasons, "endpoint had recorded consumers")
		}
		out = append(out, rem)
	}
	for _, n := range added {
		if paired["+"+n.Key()] {
			continue
		}
		add := EndpointChange{
			Method:       n.Method,
			Path:         NormalizePath(n.Path),
			ChangeType:   Added,
			NewSignature: n.Signature(),
		}
		add.mark(NonBreaking, "endpoint added")
		out = append(out, add)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Key() != out[j].Key() {
			return out[i].Key() < out[j].Key()
		}
		return out[i].ChangeType < out[j].ChangeType
	})
	return out
}

func index(eps []Endpoint, only map[string]bool) map[string]Endpoint {
	out := make(map[string]Endpoint, len(eps))
	for _, ep := range eps {
		key := ep.Key()
		if only != nil && !only[key] {
			continue
		}
		if _, dup := out[key]; !dup {
			out[key] = ep
		}
	}
	return out
}

func sortedKeys(m map[string]Endpoint) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func removedChange(ep Endpoint) EndpointChange {
	return EndpointChange{
		Method:       ep.Method,
		Path:         NormalizePath(ep.Path),
		ChangeType:   Removed,
		OldSignature: ep.Signature(),
	}
}

func hadConsumers(ctx context.Context, h ConsumerHistory, key string) bool {
	if h == nil {
		return false
	}
	ok, err := h.HadConsumers(ctx, key)
	return err == nil && ok
}

type renamePair struct {
	old, new Endpoint
	reason   string
}

// pairRenames matches removed endpoints with added ones that most likely
// replace them: same path under another method, then same method within the
// same route cluster, then a removed endpoint with consumer history and a
// single added endpoint of its method.
func pairRenames(ctx context.Context, removed, added []Endpoint, history ConsumerHistory) []renamePair {
	var pairs []renamePair
	taken := make(map[int]bool)
	done := make(map[int]bool)

	try := func(reason string, match func(o, n Endpoint) bool) {
		for i, o := range removed {
			if done[i] {
				continue
			}
			for j, n := range added {
				if taken[j] || !match(o, n) {
					continue
				}
				pairs = append(pairs, renamePair{old: o, new: n, reason: reason})
				done[i], taken[j] = true, true
				break
			}
		}
	}

	try("method changed", func(o, n Endpoint) bool {
		return NormalizePath(o.Path) == NormalizePath(n.Path) && o.Method != n.Method
	})
	try("path renamed", func(o, n Endpoint) bool {
		return o.Method == n.Method && o.Handler != "" && o.Handler == n.Handler
	})
	try("path renamed", func(o, n Endpoint) bool {
		return o.Method == n.Method && sameCluster(o.Path, n.Path)
	})

	for i, o := range removed {
		if done[i] || !hadConsumers(ctx, history, o.Key()) {
			continue
		}
		candidate := -1
		for j, n := range added {
			if taken[j] || n.Method != o.Method {
				continue
			}
			if candidate >= 0 {
				candidate = -1
				break
			}
			candidate = j
		}
		if candidate >= 0 {
			pairs = append(pairs, renamePair{old: o, new: added[candidate], reason: "replacement for endpoint with consumers"})
			done[i], taken[candidate] = true, true
		}
	}
	return pairs
}

// sameCluster reports whether two paths share a non-root parent, as in
// /v1/payments and /v1/charges.
func sameCluster(a, b string) bool {
	pa, pb := path.Dir(NormalizePath(a)), path.Dir(NormalizePath(b))
	return pa == pb && pa != "/" && pa != "."
}

// compare classifies one endpoint present in both versions.
func compare(o, n Endpoint) (EndpointChange, bool) {
	ch := EndpointChange{
		Method:       n.Method,
		Path:         NormalizePath(n.Path),
		ChangeType:   Modified,
		OldSignature: o.Signature(),
		NewSignature: n.Signature(),
	}
	compareParams(&ch, o.Params, n.Params)
	compareResponse(&ch, o, n)
	return ch, len(ch.Reasons) > 0
}

func compareParams(ch *EndpointChange, before, after []Param) {
	old := make(map[string]Param, len(before))
	for _, p := range before {
		old[p.Name] = p
	}
	cur := make(map[string]bool, len(after))
	for _, p := range after {
		cur[p.Name] = true
		o, ok := old[p.Name]
		switch {
		case !ok && p.Required:
			ch.mark(Breaking, fmt.Sprintf("new required %s parameter %q", p.In, p.Name))
		case !ok:
			ch.mark(NonBreaking, fmt.Sprintf("optional %s parameter %q added", p.In, p.Name))
		case o.Type != "" && p.Type != "" && o.Type != p.Type:
			ch.mark(Breaking, fmt.Sprintf("parameter %q type changed from %s to %s", p.Name, o.Type, p.Type))
		case o.In != p.In:
			ch.mark(Breaking, fmt.Sprintf("parameter %q moved from %s to %s", p.Name, o.In, p.In))
		case !o.Required && p.Required:
			ch.mark(Breaking, fmt.Sprintf("parameter %q became required", p.Name))
		case o.Required && !p.Required:
			ch.mark(NonBreaking, fmt.Sprintf("parameter %q became optional", p.Name))
		}
	}
	for _, p := range before {
		if !cur[p.Name] {
			ch.mark(Breaking, fmt.Sprintf("%s parameter %q removed", p.In, p.Name))
		}
	}
}

func compareResponse(ch *EndpointChange, o, n Endpoint) {
	if o.ResponseType != n.ResponseType {
		oldGeneric, newGeneric := IsGeneric(o.ResponseType), IsGeneric(n.ResponseType)
		switch {
		case oldGeneric && !newGeneric:
			ch.Narrowed = true
			ch.mark(Breaking, fmt.Sprintf("response narrowed from %s to %s", typeName(o.ResponseType), n.ResponseType))
		case !oldGeneric && newGeneric:
			ch.mark(NonBreaking, fmt.Sprintf("response widened from %s to %s", o.ResponseType, typeName(n.ResponseType)))
		case oldGeneric && newGeneric:
			ch.mark(NonBreaking, fmt.Sprintf("generic response changed from %s to %s", typeName(o.ResponseType), typeName(n.ResponseType)))
		default:
			ch.mark(Breaking, fmt.Sprintf("response type changed from %s to %s", o.ResponseType, n.ResponseType))
		}
	}

	old := make(map[string]Field, len(o.ResponseFields))
	for _, f := range o.ResponseFields {
		old[f.Name] = f
	}
	cur := make(map[string]bool, len(n.ResponseFields))
	for _, f := range n.ResponseFields {
		cur[f.Name] = true
		of, ok := old[f.Name]
		switch {
		case !ok:
			ch.mark(NonBreaking, fmt.Sprintf("response field %q added", f.Name))
		case of.Type != "" && f.Type != "" && of.Type != f.Type:
			ch.mark(Breaking, fmt.Sprintf("response field %q type changed from %s to %s", f.Name, of.Type, f.Type))
		case !of.Optional && f.Optional:
			ch.mark(Breaking, fmt.Sprintf("response field %q may now be absent", f.Name))
		}
	}
	for _, f := range o.ResponseFields {
		if cur[f.Name] {
			continue
		}
		if f.Optional {
			ch.mark(NonBreaking, fmt.Sprintf("optional response field %q removed", f.Name))
		} else {
			ch.mark(Breaking, fmt.Sprintf("required response field %q removed", f.Name))
		}
	}
}

func typeName(t string) string {
	if t == "" {
		return "untyped"
	}
	return t
}

// Validate checks the classification invariants: a removed endpoint and a
// narrowed response are always breaking, and the compatibility label agrees
// with IsBreaking.
func Validate(changes []EndpointChange) error {
	for _, c := range changes {
		switch {
		case c.ChangeType == Removed && !c.IsBreaking:
			return brerrors.Newf(brerrors.InvariantViolation, "removed endpoint %s not marked breaking", c.Key())
		case c.Narrowed && !c.IsBreaking:
			return brerrors.Newf(brerrors.InvariantViolation, "narrowed response of %s not marked breaking", c.Key())
		case c.IsBreaking != (c.Compatibility == Breaking):
			return brerrors.Newf(brerrors.InvariantViolation, "%s: compatibility %s disagrees with is_breaking=%t", c.Key(), c.Compatibility, c.IsBreaking)
		}
	}
	return nil
}

// AllowList returns the endpoint keys present in a change set. Consumer
// attribution is restricted to exactly these keys.
func AllowList(changes []EndpointChange) map[string]bool {
	out := make(map[string]bool, len(changes))
	for _, c := range changes {
		out[c.Key()] = true
	}
	return out
}
