package cmd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"pitchtoy/internal/analysis"
	"pitchtoy/internal/audio"
	"pitchtoy/internal/config"
	"pitchtoy/internal/engine"
	"pitchtoy/internal/generator"
)

// selftest feeds a sine at freq through the whole pipeline on a clocked
// synthetic host and waits for the detector to report the matching note
// within a few cents.
func selftest(ctx context.Context, cfg *config.Config, freq float32, timeout time.Duration) (analysis.Pitch, error) {
	mapper, err := cfg.NoteMapper()
	if err != nil {
		return analysis.Pitch{}, err
	}
	want, ok := mapper.Map(float64(freq))
	if !ok {
		return analysis.Pitch{}, fmt.Errorf("%w: %g Hz", generator.ErrInvalidFrequency, freq)
	}

	test := *cfg
	test.Audio.Synthetic = true
	host := audio.NewSyntheticHost(true)
	defer host.Close()
	eng, err := engine.NewEngine(&test, host, nil)
	if err != nil {
		return analysis.Pitch{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- eng.Run(ctx) }()
	defer func() {
		cancel()
		<-runDone
	}()

	for _, a := range []engine.Action{
		engine.RequestMicrophonePermission{},
		engine.ConfigureTestSignal{Enabled: true, Frequency: freq, Volume: 50, Waveform: generator.Sine},
	} {
		if err := eng.Submit(a); err != nil {
			return analysis.Pitch{}, err
		}
	}

	var (
		found   analysis.Pitch
		last    *analysis.Pitch
		fatal   error
		matched bool
	)
	eng.Drive(ctx, 5*time.Millisecond, func(res engine.UpdateResult) {
		if matched || fatal != nil {
			return
		}
		for _, e := range res.Errors {
			if e.Kind == engine.ErrorFatal || e.Kind == engine.ErrorPermission {
				fatal = e
				cancel()
				return
			}
		}
		if res.Analysis == nil || res.Analysis.Pitch == nil {
			return
		}
		p := *res.Analysis.Pitch
		last = &p
		if p.Note.MIDI == want.MIDI && math.Abs(p.Note.Cents-want.Cents) <= 5 {
			found, matched = p, true
			cancel()
		}
	})

	switch {
	case matched:
		return found, nil
	case fatal != nil:
		return analysis.Pitch{}, fatal
	case last != nil:
		return *last, fmt.Errorf("expected %s, last detected %s at %.2f Hz", want, last.Note, last.Frequency)
	}
	return analysis.Pitch{}, errors.New("no pitch detected before the timeout")
}
