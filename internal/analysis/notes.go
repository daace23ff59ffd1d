package analysis

import (
	"fmt"
	"math"
	"strings"
)

// TuningSystem selects how note targets are derived.
type TuningSystem uint8

const (
	EqualTemperament TuningSystem = iota
	JustIntonation
)

func (t TuningSystem) String() string {
	switch t {
	case EqualTemperament:
		return "equal_temperament"
	case JustIntonation:
		return "just_intonation"
	default:
		return fmt.Sprintf("tuning(%d)", uint8(t))
	}
}

// ParseTuningSystem accepts "equal"/"equal_temperament" and
// "just"/"just_intonation".
func ParseTuningSystem(s string) (TuningSystem, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "equal", "equal_temperament", "12tet":
		return EqualTemperament, nil
	case "just", "just_intonation":
		return JustIntonation, nil
	}
	return EqualTemperament, fmt.Errorf("unknown tuning system %q", s)
}

// NoteNames in chromatic order from C.
var NoteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// ParseNoteName returns the pitch class (C = 0) for a name like "F#".
func ParseNoteName(s string) (int, error) {
	for i, n := range NoteNames {
		if strings.EqualFold(n, strings.TrimSpace(s)) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown note name %q", s)
}

// 5-limit just ratios for each semitone above the root, closed by the octave.
var justRatios = [13]float64{1, 16.0 / 15, 9.0 / 8, 6.0 / 5, 5.0 / 4, 4.0 / 3, 45.0 / 32, 3.0 / 2, 8.0 / 5, 5.0 / 3, 9.0 / 5, 15.0 / 8, 2}

// Note is the nearest note to a frequency.
type Note struct {
	Name   string  `json:"name"`
	Octave int     `json:"octave"`
	MIDI   int     `json:"midi"`
	Cents  float64 `json:"cents"`  // deviation from Target, within ±50 in equal temperament
	Target float64 `json:"target"` // in-tune frequency of the note, Hz
}

func (n Note) String() string {
	return fmt.Sprintf("%s%d", n.Name, n.Octave)
}

// NoteMapper converts frequencies to notes for a tuning system, reference
// pitch (A4) and root note.
type NoteMapper struct {
	tuning    TuningSystem
	reference float64
	root      int
}

func NewNoteMapper(tuning TuningSystem, reference float64, root int) (*NoteMapper, error) {
	if tuning != EqualTemperament && tuning != JustIntonation {
		return nil, fmt.Errorf("unknown tuning system %d", tuning)
	}
	if !(reference >= 400 && reference <= 480) {
		return nil, fmt.Errorf("reference pitch %g Hz outside [400, 480]", reference)
	}
	return &NoteMapper{tuning: tuning, reference: reference, root: mod12(root)}, nil
}

func (m *NoteMapper) Tuning() TuningSystem { return m.tuning }

func (m *NoteMapper) Reference() float64 { return m.reference }

// Root returns the root pitch class, C = 0.
func (m *NoteMapper) Root() int { return m.root }

func (m *NoteMapper) SetTuning(t TuningSystem) { m.tuning = t }

// AdjustRoot moves the root by semitones, wrapping within the octave.
func (m *NoteMapper) AdjustRoot(semitones int) { m.root = mod12(m.root + semitones) }

func (m *NoteMapper) midiFrequency(midi int) float64 {
	return m.reference * math.Pow(2, float64(midi-69)/12)
}

// Map returns the nearest note to freq. ok is false for non-positive or
// non-finite input.
func (m *NoteMapper) Map(freq float64) (Note, bool) {
	if !(freq > 0) || math.IsInf(freq, 0) {
		return Note{}, false
	}
	if m.tuning == JustIntonation {
		return m.mapJust(freq), true
	}

	semitones := 12 * math.Log2(freq/m.reference)
	midi := 69 + int(math.Round(semitones))
	return m.note(midi, m.midiFrequency(midi), freq), true
}

func (m *NoteMapper) mapJust(freq float64) Note {
	pos := 69 + 12*math.Log2(freq/m.reference)

	// Nearest root at or below freq; the small epsilon keeps an exact root
	// from falling into the previous octave.
	rootMIDI := int(math.Floor(pos + 1e-9))
	rootMIDI -= mod12(rootMIDI - m.root)
	rootFreq := m.midiFrequency(rootMIDI)

	best, bestCents := 0, math.Inf(1)
	for i, r := range justRatios {
		c := math.Abs(1200 * math.Log2(freq/(rootFreq*r)))
		if c < bestCents {
			best, bestCents = i, c
		}
	}
	return m.note(rootMIDI+best, rootFreq*justRatios[best], freq)
}

func (m *NoteMapper) note(midi int, target, freq float64) Note {
	return Note{
		Name:   NoteNames[mod12(midi)],
		Octave: floorDiv(midi, 12) - 1,
		MIDI:   midi,
		Cents:  1200 * math.Log2(freq/target),
		Target: target,
	}
}

func mod12(n int) int { return ((n % 12) + 12) % 12 }

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
