package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"pitchtoy/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("PITCHTOY_LOG_LEVEL", "error")
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionFlag(t *testing.T) {
	out, err := execute(t, "--version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "pitchtoy dev") {
		t.Errorf("version output = %q", out)
	}
}

func TestListSynthetic(t *testing.T) {
	out, err := execute(t, "list", "--synthetic")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Input devices:", " *[0] Synthetic (1 ch, 48000 Hz)", "Output devices:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSelftestCommand(t *testing.T) {
	out, err := execute(t, "selftest", "--frequency", "440")
	if err != nil {
		t.Fatalf("selftest failed: %v\n%s", err, out)
	}
	if !strings.HasPrefix(out, "PASS A4") {
		t.Errorf("output = %q", out)
	}
}

func TestSelftestFrequencies(t *testing.T) {
	tests := []struct {
		freq float32
		note string
	}{
		{110, "A2"},
		{261.63, "C4"},
		{1000, "B5"},
	}
	for _, tt := range tests {
		t.Run(tt.note, func(t *testing.T) {
			p, err := selftest(context.Background(), config.NewConfig(), tt.freq, 5*time.Second)
			if err != nil {
				t.Fatal(err)
			}
			if p.Note.String() != tt.note {
				t.Errorf("note = %s, want %s", p.Note, tt.note)
			}
		})
	}
}

func TestSelftestRejectsBadFrequency(t *testing.T) {
	if _, err := selftest(context.Background(), config.NewConfig(), -1, time.Second); err == nil {
		t.Fatal("negative frequency accepted")
	}
}

func TestApplyFlagsOnlyChanged(t *testing.T) {
	f := &flags{}
	c := &cobra.Command{Use: "x", RunE: func(*cobra.Command, []string) error { return nil }}
	c.Flags().StringVar(&f.tuning, "tuning", config.DefaultTuning, "")
	c.Flags().Float64Var(&f.reference, "reference", config.DefaultReference, "")
	c.Flags().StringVar(&f.httpAddr, "http", "", "")
	c.Flags().IntVarP(&f.inputDevice, "device", "d", config.DefaultDeviceID, "")
	c.Flags().BoolVar(&f.noMetrics, "no-metrics", false, "")
	c.SetArgs([]string{"--tuning", "just", "--http", ":9000", "-d", "3", "--no-metrics"})
	if err := c.Execute(); err != nil {
		t.Fatal(err)
	}

	cfg := config.NewConfig()
	cfg.Analysis.Reference = 432
	applyFlags(cfg, c, f)

	if cfg.Analysis.Tuning != "just" || cfg.Audio.InputDevice != 3 {
		t.Errorf("analysis = %+v, input device %d", cfg.Analysis, cfg.Audio.InputDevice)
	}
	if !cfg.Transport.HTTPEnabled || cfg.Transport.HTTPAddress != ":9000" || cfg.Observe.MetricsEnabled {
		t.Errorf("transport = %+v, observe = %+v", cfg.Transport, cfg.Observe)
	}
	if cfg.Analysis.Reference != 432 {
		t.Errorf("reference = %g, an unset flag overwrote the file value", cfg.Analysis.Reference)
	}
}
