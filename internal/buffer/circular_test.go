// SPDX-License-Identifier: MIT
package buffer

import (
	"errors"
	"fmt"
	"slices"
	"testing"
)

func seq(start, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(start + i)
	}
	return out
}

func newRing(t *testing.T, size int) *CircularBuffer[float32] {
	t.Helper()
	rb, err := New[float32](size)
	if err != nil {
		t.Fatalf("New(%d) error = %v", size, err)
	}
	return rb
}

func TestValidateBufferSize(t *testing.T) {
	tests := []struct {
		size    int
		wantErr bool
	}{
		{0, true},
		{128, true},   // below minimum
		{256, false},  // minimum
		{1000, true},  // not a power of two
		{4096, false}, // default
		{16384, false},
		{32768, true}, // above maximum
		{-4096, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.size), func(t *testing.T) {
			err := ValidateBufferSize(tt.size)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateBufferSize(%d) error = %v, wantErr %v", tt.size, err, tt.wantErr)
			}
			if err != nil {
				var cfgErr *ConfigError
				if !errors.As(err, &cfgErr) {
					t.Fatalf("error %T is not *ConfigError", err)
				}
				if cfgErr.Value != tt.size {
					t.Errorf("ConfigError.Value = %d, want %d", cfgErr.Value, tt.size)
				}
			}
		})
	}
}

func TestNewRejectsInvalidSizeBeforeAllocating(t *testing.T) {
	rb, err := New[float32](1000)
	if err == nil || rb != nil {
		t.Fatalf("New(1000) = (%v, %v), want (nil, error)", rb, err)
	}
}

func TestWriteReadFIFO(t *testing.T) {
	rb := newRing(t, 256)

	if rb.State() != Empty {
		t.Fatalf("new buffer state = %v, want empty", rb.State())
	}

	if n, err := rb.Write(seq(0, 100)); err != nil || n != 100 {
		t.Fatalf("Write() = (%d, %v), want (100, nil)", n, err)
	}
	if rb.State() != PartiallyFilled {
		t.Errorf("state = %v, want partially_filled", rb.State())
	}

	out := make([]float32, 60)
	if n := rb.Read(out); n != 60 {
		t.Fatalf("Read() = %d, want 60", n)
	}
	if !slices.Equal(out, seq(0, 60)) {
		t.Errorf("Read() returned %v, want 0..59", out)
	}
	if rb.Available() != 40 {
		t.Errorf("Available() = %d, want 40", rb.Available())
	}
}

func TestWrapAroundPreservesOrder(t *testing.T) {
	rb := newRing(t, 256)

	// Move the cursors close to the end of the backing slice.
	_, _ = rb.Write(seq(0, 200))
	rb.Discard(200)

	// This write straddles the physical end of the slice.
	if _, err := rb.Write(seq(1000, 150)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	out := make([]float32, 150)
	if n := rb.Read(out); n != 150 {
		t.Fatalf("Read() = %d, want 150", n)
	}
	if !slices.Equal(out, seq(1000, 150)) {
		t.Errorf("wrapped read out of order: first=%v last=%v", out[0], out[149])
	}
}

func TestWriteRejectsOnFull(t *testing.T) {
	rb := newRing(t, 256)

	if _, err := rb.Write(seq(0, 256)); err != nil {
		t.Fatalf("filling Write() error = %v", err)
	}
	if rb.State() != Full {
		t.Fatalf("state = %v, want full", rb.State())
	}

	n, err := rb.Write(seq(500, 1))
	if !errors.Is(err, ErrBufferFull) {
		t.Fatalf("Write() on full buffer error = %v, want ErrBufferFull", err)
	}
	if n != 0 {
		t.Errorf("Write() on full buffer stored %d samples, want 0", n)
	}

	// Nothing was overwritten.
	first := make([]float32, 1)
	rb.Peek(first)
	if first[0] != 0 {
		t.Errorf("oldest sample = %v, want 0", first[0])
	}
}

func TestWriteIsAllOrNothing(t *testing.T) {
	rb := newRing(t, 256)
	_, _ = rb.Write(seq(0, 200))

	if _, err := rb.Write(seq(0, 100)); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("oversized Write() error = %v, want ErrBufferFull", err)
	}
	if rb.Available() != 200 {
		t.Errorf("Available() = %d after rejected write, want 200", rb.Available())
	}

	// Making room explicitly lets the write through.
	if got := rb.Discard(100 - rb.Free()); got != 44 {
		t.Fatalf("Discard() = %d, want 44", got)
	}
	if _, err := rb.Write(seq(0, 100)); err != nil {
		t.Fatalf("Write() after Discard error = %v", err)
	}
}

func TestReadNeverPassesWrite(t *testing.T) {
	rb := newRing(t, 256)
	_, _ = rb.Write(seq(0, 10))

	out := make([]float32, 64)
	if n := rb.Read(out); n != 10 {
		t.Fatalf("Read() = %d, want 10", n)
	}
	if n := rb.Read(out); n != 0 {
		t.Fatalf("Read() on empty = %d, want 0", n)
	}
	if got := rb.Discard(5); got != 0 {
		t.Errorf("Discard() on empty = %d, want 0", got)
	}
	if rb.Consumed() != rb.Written() {
		t.Errorf("Consumed() = %d, Written() = %d", rb.Consumed(), rb.Written())
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	rb := newRing(t, 256)
	_, _ = rb.Write(seq(0, 32))

	out := make([]float32, 16)
	rb.Peek(out)
	rb.Peek(out)
	if rb.Available() != 32 {
		t.Errorf("Available() = %d after Peek, want 32", rb.Available())
	}
}

func TestSamplesIsLazyAndFinite(t *testing.T) {
	rb := newRing(t, 256)
	_, _ = rb.Write(seq(0, 50))

	var got []float32
	for s := range rb.Samples(20) {
		got = append(got, s)
		if len(got) == 5 {
			break
		}
	}
	if !slices.Equal(got, seq(0, 5)) {
		t.Fatalf("early stop yielded %v, want 0..4", got)
	}
	if rb.Available() != 45 {
		t.Errorf("Available() = %d after consuming 5, want 45", rb.Available())
	}

	rest := slices.Collect(rb.Samples(1000))
	if len(rest) != 45 || rest[0] != 5 {
		t.Errorf("Samples(1000) yielded %d samples starting at %v", len(rest), rest[0])
	}
	if rb.State() != Empty {
		t.Errorf("state = %v, want empty", rb.State())
	}
}

func TestReset(t *testing.T) {
	rb := newRing(t, 512)
	_, _ = rb.Write(seq(0, 300))
	rb.Reset()
	if rb.Available() != 0 || rb.Free() != 512 {
		t.Errorf("after Reset Available=%d Free=%d", rb.Available(), rb.Free())
	}
	if rb.Written() != 300 {
		t.Errorf("Written() = %d, want counters preserved", rb.Written())
	}
}

func TestSteadyStateAllocs(t *testing.T) {
	rb := newRing(t, DefaultBufferSize)
	batch := seq(0, 1024)
	out := make([]float32, 1024)

	allocs := testing.AllocsPerRun(100, func() {
		_, _ = rb.Write(batch)
		rb.Read(out)
	})
	if allocs > 0 {
		t.Errorf("Write/Read allocated: got %.1f allocs, want 0", allocs)
	}
}

func BenchmarkWriteRead(b *testing.B) {
	rb, _ := New[float32](DefaultBufferSize)
	batch := seq(0, 1024)
	out := make([]float32, 1024)

	b.ReportAllocs()
	for b.Loop() {
		_, _ = rb.Write(batch)
		rb.Read(out)
	}
}
