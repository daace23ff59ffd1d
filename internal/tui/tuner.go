// SPDX-License-Identifier: MIT
package tui

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"pitchtoy/internal/analysis"
	"pitchtoy/internal/audio"
	"pitchtoy/internal/engine"
	"pitchtoy/internal/generator"
	"pitchtoy/internal/permission"
	"pitchtoy/internal/stream"
)

// Engine is what the tuner needs from the audio engine. Update is driven
// elsewhere; results arrive as ResultMsg.
type Engine interface {
	Submit(a engine.Action) error
	Diagnostics() engine.Diagnostics
	Devices() audio.AudioDevices
}

// ResultMsg carries one engine update into the program.
type ResultMsg engine.UpdateResult

const (
	needleWidth = 41
	meterFloor  = -60.0 // dBFS at the left edge of the volume meter
	maxErrors   = 3
	semitone    = 1.0594630943592953
)

var (
	noteStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFDF5")).Padding(0, 2)
	inTune     = lipgloss.NewStyle().Foreground(lipgloss.Color("#25A065"))
	outOfTune  = lipgloss.NewStyle().Foreground(lipgloss.Color("#E05D44"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#E05D44"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type keyMap struct {
	Permission key.Binding
	Pause      key.Binding
	TestSignal key.Binding
	Waveform   key.Binding
	FreqUp     key.Binding
	FreqDown   key.Binding
	Noise      key.Binding
	Speakers   key.Binding
	Tuning     key.Binding
	RootDown   key.Binding
	RootUp     key.Binding
	Devices    key.Binding
	Quit       key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Permission, k.TestSignal, k.Tuning, k.Devices, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Permission, k.Pause, k.Devices, k.Quit},
		{k.TestSignal, k.Waveform, k.FreqUp, k.FreqDown},
		{k.Noise, k.Speakers},
		{k.Tuning, k.RootDown, k.RootUp},
	}
}

var keys = keyMap{
	Permission: key.NewBinding(key.WithKeys("m"), key.WithHelp("m", "microphone")),
	Pause:      key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "pause/resume")),
	TestSignal: key.NewBinding(key.WithKeys("t"), key.WithHelp("t", "test tone")),
	Waveform:   key.NewBinding(key.WithKeys("w"), key.WithHelp("w", "waveform")),
	FreqUp:     key.NewBinding(key.WithKeys("up", "+"), key.WithHelp("↑", "tone up")),
	FreqDown:   key.NewBinding(key.WithKeys("down", "-"), key.WithHelp("↓", "tone down")),
	Noise:      key.NewBinding(key.WithKeys("n"), key.WithHelp("n", "noise")),
	Speakers:   key.NewBinding(key.WithKeys("o"), key.WithHelp("o", "speakers")),
	Tuning:     key.NewBinding(key.WithKeys("j"), key.WithHelp("j", "tuning")),
	RootDown:   key.NewBinding(key.WithKeys("["), key.WithHelp("[", "root down")),
	RootUp:     key.NewBinding(key.WithKeys("]"), key.WithHelp("]", "root up")),
	Devices:    key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "devices")),
	Quit:       key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// TunerModel shows the detected note, a cents needle, the input level and
// the pipeline state. Keys submit engine actions.
type TunerModel struct {
	eng     Engine
	help    help.Model
	meter   progress.Model
	devices DeviceListModel

	analysis    *engine.AudioAnalysis
	diag        engine.Diagnostics
	errs        []engine.Error
	showDevices bool
	width       int
	height      int

	// Local copy of the settings, so repeated key presses build on each
	// other before the engine has applied them.
	tone     generator.TestSignalConfig
	noise    generator.BackgroundNoiseConfig
	speakers bool
	tuning   analysis.TuningSystem
}

func NewTunerModel(eng Engine) TunerModel {
	d := eng.Diagnostics()
	tuning, _ := analysis.ParseTuningSystem(d.Settings.Tuning)
	return TunerModel{
		eng:      eng,
		help:     help.New(),
		meter:    progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		devices:  NewDeviceListModel(eng.Devices()),
		diag:     d,
		tone:     d.Settings.TestSignal,
		noise:    d.Settings.BackgroundNoise,
		speakers: d.Settings.OutputToSpeakers,
		tuning:   tuning,
	}
}

func (m TunerModel) Init() tea.Cmd { return nil }

func (m TunerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		m.meter.Width = min(max(msg.Width-20, 10), 60)
		m.devices.SetSize(msg.Width, max(msg.Height-8, 3))

	case ResultMsg:
		if msg.Analysis != nil {
			m.analysis = msg.Analysis
		}
		m.pushErrors(msg.Errors...)
		m.diag = m.eng.Diagnostics()

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			return m, tea.Quit
		}
		if key.Matches(msg, keys.Devices) {
			m.showDevices = !m.showDevices
			if m.showDevices {
				m.devices = NewDeviceListModel(m.eng.Devices())
				m.devices.SetSize(max(m.width, 20), max(m.height-8, 3))
			}
			return m, nil
		}
		if m.showDevices {
			dm, cmd := m.devices.Update(msg)
			m.devices = dm.(DeviceListModel)
			return m, cmd
		}
		if a := m.action(msg); a != nil {
			if err := m.eng.Submit(a); err != nil {
				m.pushErrors(engine.Error{Kind: engine.ErrorConfiguration, Message: err.Error()})
			}
		}
	}
	return m, nil
}

// action maps a key to an engine action and updates the local settings.
func (m *TunerModel) action(msg tea.KeyMsg) engine.Action {
	switch {
	case key.Matches(msg, keys.Permission):
		return engine.RequestMicrophonePermission{}
	case key.Matches(msg, keys.Pause):
		if m.eng.Diagnostics().Context == audio.Suspended.String() {
			return engine.ResumeContext{}
		}
		return engine.SuspendContext{}
	case key.Matches(msg, keys.TestSignal):
		m.tone.Enabled = !m.tone.Enabled
		return m.toneAction()
	case key.Matches(msg, keys.Waveform):
		m.tone.Waveform = (m.tone.Waveform + 1) % (generator.Triangle + 1)
		return m.toneAction()
	case key.Matches(msg, keys.FreqUp):
		m.tone.Frequency = min(m.tone.Frequency*semitone, generator.MaxFrequency/4)
		return m.toneAction()
	case key.Matches(msg, keys.FreqDown):
		m.tone.Frequency = max(m.tone.Frequency/semitone, generator.MinFrequency)
		return m.toneAction()
	case key.Matches(msg, keys.Noise):
		m.noise.Enabled = !m.noise.Enabled
		return engine.ConfigureBackgroundNoise{Enabled: m.noise.Enabled, Level: m.noise.Level, NoiseType: m.noise.NoiseType}
	case key.Matches(msg, keys.Speakers):
		m.speakers = !m.speakers
		return engine.ConfigureOutputToSpeakers{Enabled: m.speakers}
	case key.Matches(msg, keys.Tuning):
		m.tuning = (m.tuning + 1) % (analysis.JustIntonation + 1)
		return engine.ChangeTuningSystem{Tuning: m.tuning}
	case key.Matches(msg, keys.RootDown):
		return engine.AdjustRootNote{Semitones: -1}
	case key.Matches(msg, keys.RootUp):
		return engine.AdjustRootNote{Semitones: 1}
	}
	return nil
}

func (m *TunerModel) toneAction() engine.Action {
	return engine.ConfigureTestSignal{
		Enabled:   m.tone.Enabled,
		Frequency: m.tone.Frequency,
		Volume:    m.tone.Amplitude * 100,
		Waveform:  m.tone.Waveform,
	}
}

func (m *TunerModel) pushErrors(errs ...engine.Error) {
	m.errs = append(m.errs, errs...)
	if n := len(m.errs); n > maxErrors {
		m.errs = append(m.errs[:0], m.errs[n-maxErrors:]...)
	}
}

func (m TunerModel) View() string {
	if m.showDevices {
		return m.devices.View()
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("pitchtoy"))
	sb.WriteString("\n\n")
	sb.WriteString(boxStyle.Render(m.renderPitch()))
	sb.WriteString("\n")
	sb.WriteString(m.renderVolume())
	sb.WriteString("\n")
	sb.WriteString(m.renderSpectrum())
	sb.WriteString("\n\n")
	sb.WriteString(m.renderStatus())
	for _, e := range m.errs {
		sb.WriteString("\n")
		sb.WriteString(errorStyle.Render(e.Error()))
	}
	sb.WriteString("\n\n")
	sb.WriteString(m.help.View(keys))
	return sb.String()
}

func (m TunerModel) renderPitch() string {
	if m.analysis == nil || m.analysis.Pitch == nil {
		return lipgloss.JoinVertical(lipgloss.Center,
			noteStyle.Render("--"),
			dimStyle.Render(Needle(0, false)),
			dimStyle.Render("no pitch"),
		)
	}
	p := m.analysis.Pitch
	style := outOfTune
	if math.Abs(p.Note.Cents) <= 5 {
		style = inTune
	}
	return lipgloss.JoinVertical(lipgloss.Center,
		noteStyle.Render(p.Note.String()),
		style.Render(Needle(p.Note.Cents, true)),
		fmt.Sprintf("%.2f Hz  %+.1f cents  clarity %.2f", p.Frequency, p.Note.Cents, p.Clarity),
	)
}

// Needle draws a cents scale from -50 to +50 with a marker at cents.
func Needle(cents float64, show bool) string {
	b := []rune(strings.Repeat("─", needleWidth))
	mid := needleWidth / 2
	b[0], b[mid], b[needleWidth-1] = '├', '┼', '┤'
	if show {
		c := max(-50, min(50, cents))
		pos := mid + int(math.Round(c/50*float64(mid)))
		b[pos] = '●'
	}
	return string(b)
}

func (m TunerModel) renderVolume() string {
	db := analysis.SilenceFloorDB
	if m.analysis != nil {
		db = m.analysis.Volume.RMSDB
	}
	frac := max(0, min(1, (db-meterFloor)/-meterFloor))
	return fmt.Sprintf("level %s %6.1f dB", m.meter.ViewAs(frac), db)
}

var bars = []rune(" ▁▂▃▄▅▆▇█")

// Bars draws one block per level, scaled from floor dBFS to 0.
func Bars(levels []float64, floor float64) string {
	out := make([]rune, len(levels))
	top := len(bars) - 1
	for i, l := range levels {
		frac := max(0, min(1, (l-floor)/-floor))
		out[i] = bars[int(math.Round(frac*float64(top)))]
	}
	return string(out)
}

func (m TunerModel) renderSpectrum() string {
	if m.analysis == nil || len(m.analysis.Spectrum) == 0 {
		return dimStyle.Render("spectrum")
	}
	return fmt.Sprintf("%s  peak %.0f Hz", inTune.Render(Bars(m.analysis.Spectrum, -90)), m.analysis.Peak)
}

func (m TunerModel) renderStatus() string {
	d := m.diag
	s := d.Settings

	streamState := d.Stream.State.String()
	if d.Stream.State == stream.Reconnecting {
		streamState = fmt.Sprintf("%s (%d)", streamState, d.Stream.ReconnectAttempts)
	}
	perm := d.Permission.String()
	if d.Permission == permission.NotRequested {
		perm += ", press m"
	}

	tone := "off"
	if s.TestSignal.Enabled {
		tone = fmt.Sprintf("%s %.1f Hz", s.TestSignal.Waveform, s.TestSignal.Frequency)
	}
	noise := "off"
	if s.BackgroundNoise.Enabled {
		noise = fmt.Sprintf("%s %.0f%%", s.BackgroundNoise.NoiseType, s.BackgroundNoise.Level*100)
	}

	lines := []string{
		fmt.Sprintf("microphone %s • stream %s • context %s", perm, streamState, d.Context),
		fmt.Sprintf("tuning %s, root %s, A4 = %.1f Hz", s.Tuning, s.Root, s.Reference),
		fmt.Sprintf("test tone %s • noise %s • speakers %v", tone, noise, s.OutputToSpeakers),
		dimStyle.Render(fmt.Sprintf("batches %d • overrun %d • pool %d/%d • rejected %d • detection %.0f%%",
			d.Worklet.BatchesReceived, d.Worklet.OverrunSamples, d.Pool.Available, d.Pool.PoolSize,
			d.Protocol.Total(), d.Pitch.DetectionRate*100)),
	}
	return strings.Join(lines, "\n")
}

// Run starts the tuner full screen and returns when the user quits or ctx
// is cancelled. results is called once the program exists with a send
// function; the caller forwards engine updates through it.
func Run(ctx context.Context, eng Engine, results func(send func(engine.UpdateResult))) error {
	p := tea.NewProgram(NewTunerModel(eng), tea.WithAltScreen(), tea.WithContext(ctx))
	if results != nil {
		results(func(r engine.UpdateResult) { p.Send(ResultMsg(r)) })
	}
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
