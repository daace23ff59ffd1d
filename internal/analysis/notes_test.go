package analysis

import (
	"math"
	"testing"
)

func TestNoteMapperEqualTemperament(t *testing.T) {
	m, err := NewNoteMapper(EqualTemperament, 440, 0)
	if err != nil {
		t.Fatalf("NewNoteMapper() error = %v", err)
	}

	tests := []struct {
		freq  float64
		note  string
		midi  int
		cents float64
	}{
		{440, "A4", 69, 0},
		{261.6256, "C4", 60, 0},
		{27.5, "A0", 21, 0},
		{4186.009, "C8", 108, 0},
		{445, "A4", 69, 19.56},
		{452, "A4", 69, 46.58},
	}

	for _, tt := range tests {
		n, ok := m.Map(tt.freq)
		if !ok {
			t.Fatalf("Map(%g) not ok", tt.freq)
		}
		if n.String() != tt.note || n.MIDI != tt.midi {
			t.Errorf("Map(%g) = %s (midi %d), want %s (midi %d)", tt.freq, n, n.MIDI, tt.note, tt.midi)
		}
		if math.Abs(n.Cents-tt.cents) > 0.1 {
			t.Errorf("Map(%g) cents = %.2f, want %.2f", tt.freq, n.Cents, tt.cents)
		}
		if math.Abs(n.Cents) > 50 {
			t.Errorf("Map(%g) cents %.2f outside ±50", tt.freq, n.Cents)
		}
	}
}

func TestNoteMapperReference(t *testing.T) {
	m, err := NewNoteMapper(EqualTemperament, 432, 0)
	if err != nil {
		t.Fatalf("NewNoteMapper() error = %v", err)
	}
	n, _ := m.Map(432)
	if n.String() != "A4" || math.Abs(n.Cents) > 1e-9 || n.Target != 432 {
		t.Errorf("Map(432) = %+v, want A4 in tune", n)
	}

	for _, ref := range []float64{399, 481, math.NaN()} {
		if _, err := NewNoteMapper(EqualTemperament, ref, 0); err == nil {
			t.Errorf("NewNoteMapper(ref=%g) accepted", ref)
		}
	}
}

func TestNoteMapperJustIntonation(t *testing.T) {
	root, _ := ParseNoteName("A")
	m, err := NewNoteMapper(JustIntonation, 440, root)
	if err != nil {
		t.Fatalf("NewNoteMapper() error = %v", err)
	}

	tests := []struct {
		freq float64
		note string
	}{
		{440, "A4"},
		{660, "E5"},           // 3/2 above A4
		{550, "C#5"},          // 5/4 above A4
		{440.0 * 4 / 3, "D5"}, // 4/3 above A4
		{880, "A5"},
		{220, "A3"},
	}
	for _, tt := range tests {
		n, ok := m.Map(tt.freq)
		if !ok {
			t.Fatalf("Map(%g) not ok", tt.freq)
		}
		if n.String() != tt.note {
			t.Errorf("Map(%g) = %s, want %s", tt.freq, n, tt.note)
		}
		if math.Abs(n.Cents) > 1e-6 {
			t.Errorf("Map(%g) cents = %.4f, want a pure interval", tt.freq, n.Cents)
		}
	}

	// A pure fifth reads about two cents sharp of equal temperament.
	m.SetTuning(EqualTemperament)
	n, _ := m.Map(660)
	if math.Abs(n.Cents-1.955) > 0.01 {
		t.Errorf("equal-tempered cents for 660 Hz = %.3f, want 1.955", n.Cents)
	}
}

func TestNoteMapperAdjustRoot(t *testing.T) {
	m, _ := NewNoteMapper(JustIntonation, 440, 0)
	m.AdjustRoot(-1)
	if m.Root() != 11 {
		t.Errorf("Root() = %d after -1 from C, want 11", m.Root())
	}
	m.AdjustRoot(14)
	if m.Root() != 1 {
		t.Errorf("Root() = %d, want 1", m.Root())
	}
}

func TestNoteMapperRejectsInvalid(t *testing.T) {
	m, _ := NewNoteMapper(EqualTemperament, 440, 0)
	for _, f := range []float64{0, -10, math.NaN(), math.Inf(1)} {
		if _, ok := m.Map(f); ok {
			t.Errorf("Map(%g) ok, want rejection", f)
		}
	}
}

func TestParseTuningSystem(t *testing.T) {
	tests := []struct {
		in      string
		want    TuningSystem
		wantErr bool
	}{
		{"equal", EqualTemperament, false},
		{"Just_Intonation", JustIntonation, false},
		{"pythagorean", EqualTemperament, true},
	}
	for _, tt := range tests {
		got, err := ParseTuningSystem(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseTuningSystem(%q) = (%v, %v)", tt.in, got, err)
		}
	}
}
