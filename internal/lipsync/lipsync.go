// Package lipsync produces viseme sequences for spoken replies, either from
// per-character TTS alignment or, when the speech provider returns no timing
// data, by spreading the reply text over the audio duration.
package lipsync

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/snarg/avatar-engine/internal/viseme"
)

const (
	// WordsPerSecond is the speaking rate assumed when no duration is known.
	WordsPerSecond = 2.5
	// MinDuration bounds very short estimates.
	MinDuration = 0.5

	// pause weights, relative to a letter slot
	wordGap     = 1.0
	clauseGap   = 2.0
	sentenceGap = 3.5
)

// EstimateDuration guesses how long text takes to speak.
func EstimateDuration(text string) float64 {
	words := len(strings.Fields(text))
	d := float64(words) / WordsPerSecond
	if d < MinDuration {
		d = MinDuration
	}
	return d
}

// CodeForRune maps a single letter to a mouth shape. Digraphs are handled by
// the callers that see the next rune.
func CodeForRune(r rune) viseme.Code {
	switch unicode.ToLower(r) {
	case 'p', 'b', 'm':
		return viseme.CodeA
	case 'k', 'g', 'c', 'q', 'x', 's', 'z', 't', 'd', 'n', 'r', 'l', 'j', 'y', 'h':
		return viseme.CodeB
	case 'i', 'e':
		return viseme.CodeC
	case 'a':
		return viseme.CodeD
	case 'o':
		return viseme.CodeE
	case 'u', 'w':
		return viseme.CodeF
	case 'f', 'v':
		return viseme.CodeG
	default:
		return viseme.CodeX
	}
}

// slot is one unit of the text before it is given a time.
type slot struct {
	code   viseme.Code
	weight float64 // relative length
}

// tokenize turns text into weighted slots. "th" collapses into a single H slot.
func tokenize(text string) []slot {
	runes := []rune(strings.TrimSpace(text))
	slots := make([]slot, 0, len(runes))
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			slots = appendRest(slots, wordGap)
		case r == '.' || r == '!' || r == '?':
			slots = appendRest(slots, sentenceGap)
		case r == ',' || r == ';' || r == ':':
			slots = appendRest(slots, clauseGap)
		case unicode.IsLetter(r):
			if unicode.ToLower(r) == 't' && i+1 < len(runes) && unicode.ToLower(runes[i+1]) == 'h' {
				slots = append(slots, slot{code: viseme.CodeH, weight: 1})
				i++
				continue
			}
			slots = append(slots, slot{code: CodeForRune(r), weight: 1})
		case unicode.IsDigit(r):
			slots = append(slots, slot{code: viseme.CodeB, weight: 1})
		}
	}
	// trailing rest carries no information
	for len(slots) > 0 && slots[len(slots)-1].code == viseme.CodeX {
		slots = slots[:len(slots)-1]
	}
	return slots
}

// appendRest merges consecutive rests into the longest one.
func appendRest(slots []slot, w float64) []slot {
	if n := len(slots); n > 0 && slots[n-1].code == viseme.CodeX {
		if w > slots[n-1].weight {
			slots[n-1].weight = w
		}
		return slots
	}
	if len(slots) == 0 {
		return slots
	}
	return append(slots, slot{code: viseme.CodeX, weight: w})
}

// FromText estimates a sequence for text spoken over duration seconds.
// A non-positive duration is replaced by EstimateDuration(text).
func FromText(text string, duration float64) viseme.Sequence {
	slots := tokenize(text)
	if len(slots) == 0 {
		return viseme.Sequence{}
	}
	if duration <= 0 {
		duration = EstimateDuration(text)
	}

	var total float64
	for _, s := range slots {
		total += s.weight
	}
	unit := duration / total

	seq := make(viseme.Sequence, 0, len(slots))
	var t float64
	for i, s := range slots {
		end := t + s.weight*unit
		if i == len(slots)-1 {
			end = duration
		}
		seq = appendMerged(seq, viseme.Event{Start: t, End: end, Viseme: s.code})
		t = end
	}
	return seq
}

// FromAlignment builds a sequence from per-character timings as returned by
// TTS providers that expose alignment. The three slices must have equal length.
func FromAlignment(chars []string, starts, ends []float64) (viseme.Sequence, error) {
	if len(chars) != len(starts) || len(chars) != len(ends) {
		return nil, fmt.Errorf("alignment length mismatch: %d chars, %d starts, %d ends", len(chars), len(starts), len(ends))
	}

	seq := make(viseme.Sequence, 0, len(chars))
	for i := 0; i < len(chars); i++ {
		runes := []rune(chars[i])
		if len(runes) == 0 {
			continue
		}
		start, end := starts[i], ends[i]
		if start < 0 {
			start = 0
		}
		if end < start {
			end = start
		}

		var code viseme.Code
		r := runes[0]
		switch {
		case unicode.ToLower(r) == 't' && i+1 < len(chars) && strings.EqualFold(chars[i+1], "h"):
			code = viseme.CodeH
			if ends[i+1] > end {
				end = ends[i+1]
			}
			i++
		case unicode.IsLetter(r):
			code = CodeForRune(r)
		case unicode.IsDigit(r):
			code = viseme.CodeB
		default:
			code = viseme.CodeX
		}
		seq = appendMerged(seq, viseme.Event{Start: start, End: end, Viseme: code})
	}
	return seq.Normalize(), nil
}

// appendMerged extends the previous event when it has the same code and
// touches e, keeping sequences short.
func appendMerged(seq viseme.Sequence, e viseme.Event) viseme.Sequence {
	if n := len(seq); n > 0 {
		last := &seq[n-1]
		if last.Viseme == e.Viseme && e.Start <= last.End+1e-9 {
			if e.End > last.End {
				last.End = e.End
			}
			return seq
		}
	}
	return append(seq, e)
}
