package viseme

// MorphTarget is a named morph-target-bearing node: a channel dictionary and a
// parallel influence slice. The render tick owns the slice; nothing else may
// write it concurrently.
type MorphTarget struct {
	Name       string
	Dictionary map[string]int
	Influences []float64
}

// NewMorphTarget builds a target with zeroed influences for the given channels.
func NewMorphTarget(name string, channels []string) *MorphTarget {
	dict := make(map[string]int, len(channels))
	for i, c := range channels {
		dict[c] = i
	}
	return &MorphTarget{
		Name:       name,
		Dictionary: dict,
		Influences: make([]float64, len(channels)),
	}
}

// Influence returns the current weight of channel.
func (m *MorphTarget) Influence(channel string) (float64, bool) {
	idx, ok := m.index(channel)
	if !ok {
		return 0, false
	}
	return m.Influences[idx], true
}

// set writes w to channel when the node has it.
func (m *MorphTarget) set(channel string, w float64) {
	if idx, ok := m.index(channel); ok {
		m.Influences[idx] = w
	}
}

func (m *MorphTarget) index(channel string) (int, bool) {
	idx, ok := m.Dictionary[channel]
	if !ok || idx < 0 || idx >= len(m.Influences) {
		return 0, false
	}
	return idx, true
}

// Snapshot copies the viseme channels of the node into a name→weight map.
func (m *MorphTarget) Snapshot() map[string]float64 {
	out := make(map[string]float64, len(channelNames))
	for _, c := range channelNames {
		if w, ok := m.Influence(c); ok {
			out[c] = w
		}
	}
	return out
}

// Animate evaluates one render tick. It returns false and leaves every weight
// untouched when not playing, when seq is empty, or when either node is nil.
// Otherwise all known viseme channels are reset to BaselineWeight and the
// channel of the first event containing clock is raised to its intensity.
func Animate(playing bool, clock float64, seq Sequence, head, teeth *MorphTarget) bool {
	if !playing || len(seq) == 0 || head == nil || teeth == nil {
		return false
	}

	Reset(head, teeth)

	e, ok := seq.Active(clock)
	if !ok {
		return true
	}
	channel, ok := Channel(e.Viseme)
	if !ok {
		return true
	}
	w := e.Intensity()
	head.set(channel, w)
	teeth.set(channel, w)
	return true
}

// Reset puts every known viseme channel of the given nodes back to
// BaselineWeight. Nil nodes are skipped.
func Reset(targets ...*MorphTarget) {
	for _, t := range targets {
		if t == nil {
			continue
		}
		for _, c := range channelNames {
			t.set(c, BaselineWeight)
		}
	}
}
