package viseme

import (
	"fmt"
	"sort"
)

// Event is one phoneme-to-mouth-shape interval. Start and End are inclusive.
type Event struct {
	Start  float64  `json:"start"`
	End    float64  `json:"end"`
	Viseme Code     `json:"viseme"`
	Weight *float64 `json:"weight,omitempty"`
}

// Intensity returns the event weight, or DefaultWeight when none was given.
func (e Event) Intensity() float64 {
	if e.Weight == nil {
		return DefaultWeight
	}
	return *e.Weight
}

// Contains reports whether t falls inside [Start, End].
func (e Event) Contains(t float64) bool {
	return t >= e.Start && t <= e.End
}

// W is a convenience for building events with an explicit weight.
func W(v float64) *float64 { return &v }

// Sequence is an ordered, immutable-by-convention list of events for one utterance.
type Sequence []Event

// Active returns the first event whose interval contains t. Overlapping
// events resolve to the earliest in sequence order.
func (s Sequence) Active(t float64) (Event, bool) {
	for _, e := range s {
		if e.Contains(t) {
			return e, true
		}
	}
	return Event{}, false
}

// Duration returns the largest End in the sequence.
func (s Sequence) Duration() float64 {
	var d float64
	for _, e := range s {
		if e.End > d {
			d = e.End
		}
	}
	return d
}

// Normalize returns a copy sorted by Start with End clamped to at least
// Start. Events with equal Start keep their relative order so the
// first-match rule is unchanged for them. Run Validate first; the clamp
// hides inverted intervals.
func (s Sequence) Normalize() Sequence {
	out := make(Sequence, len(s))
	copy(out, s)
	for i := range out {
		if out[i].End < out[i].Start {
			out[i].End = out[i].Start
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Issue describes a problem found by Validate.
type Issue struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

func (i Issue) String() string {
	return fmt.Sprintf("event %d: %s", i.Index, i.Reason)
}

// Validate reports malformed, unordered, unknown-code and overlapping events.
// It never rejects; callers decide what to do with the issues.
func (s Sequence) Validate() []Issue {
	var issues []Issue
	for i, e := range s {
		if e.Start < 0 {
			issues = append(issues, Issue{Index: i, Reason: "negative start"})
		}
		if e.End < e.Start {
			issues = append(issues, Issue{Index: i, Reason: fmt.Sprintf("end %.3f before start %.3f", e.End, e.Start)})
		}
		if e.Weight != nil && (*e.Weight < 0 || *e.Weight > 1) {
			issues = append(issues, Issue{Index: i, Reason: fmt.Sprintf("weight %.3f outside [0,1]", *e.Weight)})
		}
		if !e.Viseme.Known() {
			issues = append(issues, Issue{Index: i, Reason: fmt.Sprintf("unknown viseme %q", e.Viseme)})
		}
		if i == 0 {
			continue
		}
		prev := s[i-1]
		if e.Start < prev.Start {
			issues = append(issues, Issue{Index: i, Reason: "out of order"})
		} else if e.Start < prev.End {
			issues = append(issues, Issue{Index: i, Reason: fmt.Sprintf("overlaps event %d", i-1)})
		}
	}
	return issues
}
