// Package timerange provides interval arithmetic over time ranges: overlap and
// contiguity tests, merging, coverage gaps and trimming.
package timerange

import (
	"sort"
	"time"
)

// Range is the half-open interval [Start, End).
type Range struct {
	Start time.Time
	End   time.Time
}

// New returns the range [start, end).
func New(start, end time.Time) Range {
	return Range{Start: start, End: end}
}

// Duration returns the length of r.
func (r Range) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Empty reports whether r covers no time.
func (r Range) Empty() bool {
	return !r.End.After(r.Start)
}

// Overlaps reports whether r and o share any instant.
func (r Range) Overlaps(o Range) bool {
	return r.Start.Before(o.End) && r.End.After(o.Start)
}

// Contains reports whether o lies completely inside r.
func (r Range) Contains(o Range) bool {
	return !o.Start.Before(r.Start) && !o.End.After(r.End)
}

// Contiguous reports whether r and o do not overlap and the gap between them
// is no larger than tolerance. Touching ranges are contiguous for any tolerance.
func (r Range) Contiguous(o Range, tolerance time.Duration) bool {
	if r.Overlaps(o) {
		return false
	}
	first, second := r, o
	if o.Start.Before(r.Start) {
		first, second = o, r
	}
	return second.Start.Sub(first.End) <= tolerance
}

// Intersect returns the overlap of r and o and whether it is non-empty.
func (r Range) Intersect(o Range) (Range, bool) {
	if !r.Overlaps(o) {
		return Range{}, false
	}
	out := r
	if o.Start.After(out.Start) {
		out.Start = o.Start
	}
	if o.End.Before(out.End) {
		out.End = o.End
	}
	return out, true
}

// SortByStart sorts ranges in place by ascending start, then ascending end.
func SortByStart(ranges []Range) {
	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].Start.Equal(ranges[j].Start) {
			return ranges[i].End.Before(ranges[j].End)
		}
		return ranges[i].Start.Before(ranges[j].Start)
	})
}

// Merge unites overlapping and touching ranges. The input is not modified;
// the result is sorted by start.
func Merge(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}
	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	SortByStart(sorted)

	out := []Range{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if !r.Start.After(last.End) {
			if r.End.After(last.End) {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// NotCovered returns the parts of needed that no range in have covers.
func NotCovered(needed Range, have []Range) []Range {
	if needed.Empty() {
		return nil
	}
	var missing []Range
	cursor := needed.Start
	for _, r := range Merge(have) {
		if !r.Start.Before(needed.End) {
			break
		}
		if !r.End.After(cursor) {
			continue
		}
		if r.Start.After(cursor) {
			missing = append(missing, Range{Start: cursor, End: r.Start})
		}
		cursor = r.End
		if !cursor.Before(needed.End) {
			return missing
		}
	}
	if needed.End.After(cursor) {
		missing = append(missing, Range{Start: cursor, End: needed.End})
	}
	return missing
}

// TrimTo clips every range to window, dropping ranges entirely outside it.
func TrimTo(ranges []Range, window Range) []Range {
	var out []Range
	for _, r := range ranges {
		if clipped, ok := r.Intersect(window); ok {
			out = append(out, clipped)
		}
	}
	return out
}

// FullSpan returns the range from the earliest start to the latest end.
func FullSpan(ranges []Range) (Range, bool) {
	if len(ranges) == 0 {
		return Range{}, false
	}
	span := ranges[0]
	for _, r := range ranges[1:] {
		if r.Start.Before(span.Start) {
			span.Start = r.Start
		}
		if r.End.After(span.End) {
			span.End = r.End
		}
	}
	return span, true
}

// Total sums the durations of the merged ranges.
func Total(ranges []Range) time.Duration {
	var total time.Duration
	for _, r := range Merge(ranges) {
		total += r.Duration()
	}
	return total
}
