// Package viseme maps timed viseme events onto morph-target channels.
//
// A Sequence is produced once per spoken reply and evaluated every render
// tick against the playback clock. Animate resets every known viseme channel
// to BaselineWeight and then raises the single active channel.
package viseme

// Code is a symbolic mouth-shape identifier (A..H, X).
type Code string

const (
	CodeA Code = "A"
	CodeB Code = "B"
	CodeC Code = "C"
	CodeD Code = "D"
	CodeE Code = "E"
	CodeF Code = "F"
	CodeG Code = "G"
	CodeH Code = "H"
	CodeX Code = "X"
)

// BaselineWeight is the resting influence of every known viseme channel.
const BaselineWeight = 0.1

// DefaultWeight is applied to the active channel when an event carries no weight.
const DefaultWeight = 1.0

// channelMap is fixed; A and X share viseme_PP.
var channelMap = map[Code]string{
	CodeA: "viseme_PP",
	CodeB: "viseme_kk",
	CodeC: "viseme_I",
	CodeD: "viseme_AA",
	CodeE: "viseme_O",
	CodeF: "viseme_U",
	CodeG: "viseme_FF",
	CodeH: "viseme_TH",
	CodeX: "viseme_PP",
}

// channelNames is the deduplicated value set of channelMap, in a stable order.
var channelNames = []string{
	"viseme_PP",
	"viseme_kk",
	"viseme_I",
	"viseme_AA",
	"viseme_O",
	"viseme_U",
	"viseme_FF",
	"viseme_TH",
}

// Channel returns the blend-shape channel driven by code.
func Channel(code Code) (string, bool) {
	name, ok := channelMap[code]
	return name, ok
}

// Channels returns the distinct channel names any code can drive.
func Channels() []string {
	out := make([]string, len(channelNames))
	copy(out, channelNames)
	return out
}

// Codes returns the full code alphabet.
func Codes() []Code {
	return []Code{CodeA, CodeB, CodeC, CodeD, CodeE, CodeF, CodeG, CodeH, CodeX}
}

// Known reports whether code is part of the alphabet.
func (c Code) Known() bool {
	_, ok := channelMap[c]
	return ok
}

// PlaybackClock is a read-only position in seconds within the playing audio.
type PlaybackClock interface {
	Seconds() float64
}
