package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"pitchtoy/internal/audio"
	"pitchtoy/internal/config"
	"pitchtoy/internal/log"
	"pitchtoy/internal/tui"
	"pitchtoy/pkg/build"
)

// flags holds command line values. They are copied onto the loaded config
// only when set, so the file and environment keep their say otherwise.
type flags struct {
	configPath   string
	inputDevice  int
	outputDevice int
	sampleRate   float64
	lowLatency   bool
	synthetic    bool
	tuning       string
	reference    float64
	root         string
	httpAddr     string
	udpAddr      string
	noMetrics    bool
	verbose      bool
	headless     bool
	interactive  bool
	frequency    float32
	timeout      time.Duration
}

// Execute runs the command line against args.
func Execute(ctx context.Context, args []string) error {
	root := newRootCmd(os.Stdout)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd(out io.Writer) *cobra.Command {
	buildInfo := build.GetBuildInfo()
	f := &flags{}

	rootCmd := &cobra.Command{
		Use:           buildInfo.Name,
		Short:         buildInfo.Description,
		Version:       buildInfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd:   true,
			DisableDescriptions: true,
			DisableNoDescFlag:   true,
			HiddenDefaultCmd:    true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return runTuner(cmd.Context(), cfg, f.headless, out)
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetVersionTemplate(buildInfo.String() + "\n")
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available audio devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			host, err := newHost(cfg)
			if err != nil {
				return err
			}
			defer host.Close()
			devices, err := host.Devices()
			if err != nil {
				return err
			}
			if f.interactive {
				return tui.RunDeviceList(devices)
			}
			audio.WriteDevices(out, devices)
			return nil
		},
	}
	listCmd.Flags().BoolVarP(&f.interactive, "interactive", "i", false,
		"Browse the device list full screen")
	rootCmd.AddCommand(listCmd)

	// Self test command
	selftestCmd := &cobra.Command{
		Use:   "selftest",
		Short: "Detect a generated tone end to end without audio hardware",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			res, err := selftest(cmd.Context(), cfg, f.frequency, f.timeout)
			if err != nil {
				fmt.Fprintf(out, "FAIL %v\n", err)
				return err
			}
			fmt.Fprintf(out, "PASS %s %+.1f cents at %.2f Hz, clarity %.2f\n",
				res.Note, res.Note.Cents, res.Frequency, res.Clarity)
			return nil
		},
	}
	selftestCmd.Flags().Float32VarP(&f.frequency, "frequency", "f", 440,
		"Test tone frequency in Hz")
	selftestCmd.Flags().DurationVar(&f.timeout, "timeout", 5*time.Second,
		"Give up when no matching pitch is detected in time")
	rootCmd.AddCommand(selftestCmd)

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "",
		"YAML config file. Defaults to ./config.yaml, then the user config directory.")

	// Audio Device Configuration
	pf.IntVarP(&f.inputDevice, "device", "d", config.DefaultDeviceID,
		"Input device ID. Use 'list' command to see available devices.")
	pf.IntVar(&f.outputDevice, "output-device", config.DefaultDeviceID,
		"Output device ID for speaker monitoring")
	pf.Float64VarP(&f.sampleRate, "sample-rate", "s", config.DefaultSampleRate,
		"Sample rate, measured in Hertz (Hz)")
	pf.BoolVarP(&f.lowLatency, "low-latency", "l", config.DefaultLowLatency,
		"Use low latency mode for real-time processing")
	pf.BoolVar(&f.synthetic, "synthetic", false,
		"Use a synthetic device instead of PortAudio")

	// Tuning
	pf.StringVar(&f.tuning, "tuning", config.DefaultTuning,
		"Tuning system: equal_temperament or just_intonation")
	pf.Float64Var(&f.reference, "reference", config.DefaultReference,
		"Reference pitch for A4 in Hz")
	pf.StringVar(&f.root, "root", config.DefaultRoot,
		"Root note for just intonation")

	// Transports
	pf.StringVar(&f.httpAddr, "http", "",
		"Serve the websocket feed, probes and metrics on this address")
	pf.StringVar(&f.udpAddr, "udp", "",
		"Send analysis packets to this UDP address")
	pf.BoolVar(&f.noMetrics, "no-metrics", false,
		"Disable the /metrics endpoint")

	// Debug Configuration
	pf.BoolVarP(&f.verbose, "verbose", "v", false,
		"Show verbose output")
	rootCmd.Flags().BoolVar(&f.headless, "headless", false,
		"Run without the terminal UI and log detected notes")

	return rootCmd
}

// loadConfig reads the config file and environment, applies the flags the
// user set, validates the result and sets the log level.
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	applyFlags(cfg, cmd, f)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log.SetLevel(cfg.Level())
	return cfg, nil
}

func applyFlags(cfg *config.Config, cmd *cobra.Command, f *flags) {
	changed := cmd.Flags().Changed
	if changed("device") {
		cfg.Audio.InputDevice = f.inputDevice
	}
	if changed("output-device") {
		cfg.Audio.OutputDevice = f.outputDevice
	}
	if changed("sample-rate") {
		cfg.Audio.SampleRate = f.sampleRate
	}
	if changed("low-latency") {
		cfg.Audio.LowLatency = f.lowLatency
	}
	if changed("synthetic") {
		cfg.Audio.Synthetic = f.synthetic
	}
	if changed("tuning") {
		cfg.Analysis.Tuning = f.tuning
	}
	if changed("reference") {
		cfg.Analysis.Reference = f.reference
	}
	if changed("root") {
		cfg.Analysis.Root = f.root
	}
	if changed("http") {
		cfg.Transport.HTTPEnabled = true
		cfg.Transport.HTTPAddress = f.httpAddr
	}
	if changed("udp") {
		cfg.Transport.UDPEnabled = true
		cfg.Transport.UDPTargetAddress = f.udpAddr
	}
	if f.noMetrics {
		cfg.Observe.MetricsEnabled = false
	}
	if f.verbose {
		cfg.Debug = true
	}
}

func newHost(cfg *config.Config) (audio.Host, error) {
	if cfg.Audio.Synthetic {
		return audio.NewSyntheticHost(true), nil
	}
	h, err := audio.NewPortAudioHost()
	if err != nil {
		return nil, err
	}
	return h, nil
}
