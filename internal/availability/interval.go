package availability

import (
	"sort"
	"time"
)

// Interval is the half-open range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

func (iv Interval) Empty() bool {
	return !iv.Start.Before(iv.End)
}

func (iv Interval) Duration() time.Duration {
	if iv.Empty() {
		return 0
	}
	return iv.End.Sub(iv.Start)
}

// Overlaps reports a < d && c < b for [a, b) and [c, d).
func Overlaps(a, b Interval) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// Merge returns the union of ivs as sorted, disjoint intervals. Overlapping
// and abutting intervals are joined; empty ones are dropped.
func Merge(ivs []Interval) []Interval {
	sorted := make([]Interval, 0, len(ivs))
	for _, iv := range ivs {
		if !iv.Empty() {
			sorted = append(sorted, iv)
		}
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	out := []Interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Covers reports whether target lies inside one interval of merged, which
// must be the output of Merge.
func Covers(merged []Interval, target Interval) bool {
	if target.Empty() {
		return false
	}
	for _, iv := range merged {
		if !iv.Start.After(target.Start) && !iv.End.Before(target.End) {
			return true
		}
	}
	return false
}

// Clip restricts ivs to bounds and drops what falls outside.
func Clip(ivs []Interval, bounds Interval) []Interval {
	var out []Interval
	for _, iv := range ivs {
		if iv.Start.Before(bounds.Start) {
			iv.Start = bounds.Start
		}
		if iv.End.After(bounds.End) {
			iv.End = bounds.End
		}
		if !iv.Empty() {
			out = append(out, iv)
		}
	}
	return out
}

// Subtract removes cuts from base. Both are merged first.
func Subtract(base, cuts []Interval) []Interval {
	base, cuts = Merge(base), Merge(cuts)
	var out []Interval
	for _, iv := range base {
		cur := iv
		for _, c := range cuts {
			if !Overlaps(cur, c) {
				continue
			}
			if c.Start.After(cur.Start) {
				out = append(out, Interval{Start: cur.Start, End: c.Start})
			}
			cur.Start = c.End
			if cur.Empty() {
				break
			}
		}
		if !cur.Empty() {
			out = append(out, cur)
		}
	}
	return out
}
