package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"pitchtoy/internal/audio"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5"))

	highlightStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#25A065")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#767676"))
)

// DeviceListModel is a scrollable list of the host's devices. It runs on
// its own for the list command and is embedded by the tuner.
type DeviceListModel struct {
	devices       []audio.Device
	selectedIndex int
	viewport      viewport.Model
	ready         bool
	standalone    bool
}

// NewDeviceListModel lists every input device followed by the output-only
// devices.
func NewDeviceListModel(d audio.AudioDevices) DeviceListModel {
	devices := append([]audio.Device(nil), d.InputDevices...)
	for _, o := range d.OutputDevices {
		if o.MaxInputChannels == 0 {
			devices = append(devices, o)
		}
	}
	return DeviceListModel{devices: devices}
}

func (m DeviceListModel) Init() tea.Cmd { return nil }

// Selected returns the highlighted device.
func (m DeviceListModel) Selected() (audio.Device, bool) {
	if len(m.devices) == 0 {
		return audio.Device{}, false
	}
	return m.devices[m.selectedIndex], true
}

// SetSize sizes the viewport; the tuner calls it with the space it leaves.
func (m *DeviceListModel) SetSize(width, height int) {
	if !m.ready {
		m.viewport = viewport.New(width, height)
		m.ready = true
	} else {
		m.viewport.Width = width
		m.viewport.Height = height
	}
	m.viewport.SetContent(m.renderDevices())
}

func (m DeviceListModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height-4)

	case tea.KeyMsg:
		switch {
		case m.standalone && key.Matches(msg, key.NewBinding(key.WithKeys("q", "ctrl+c", "esc"))):
			return m, tea.Quit
		case key.Matches(msg, key.NewBinding(key.WithKeys("up", "k"))):
			if m.selectedIndex > 0 {
				m.selectedIndex--
			}
		case key.Matches(msg, key.NewBinding(key.WithKeys("down", "j"))):
			if m.selectedIndex < len(m.devices)-1 {
				m.selectedIndex++
			}
		}
		if m.ready {
			m.viewport.SetContent(m.renderDevices())
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m DeviceListModel) View() string {
	if !m.ready {
		return "Initializing..."
	}
	title := titleStyle.Render("Audio Devices")
	help := infoStyle.Render("↑/↓: Navigate • q: Quit")
	return fmt.Sprintf("%s\n\n%s\n\n%s", title, m.viewport.View(), help)
}

func (m DeviceListModel) renderDevices() string {
	if len(m.devices) == 0 {
		return "No audio devices found."
	}

	var sb strings.Builder
	for i, device := range m.devices {
		kind := ""
		switch {
		case device.MaxInputChannels > 0 && device.MaxOutputChannels > 0:
			kind = "Input/Output"
		case device.MaxInputChannels > 0:
			kind = "Input"
		default:
			kind = "Output"
		}
		def := ""
		if device.IsDefault {
			def = " default"
		}

		info := fmt.Sprintf("[%d] %s (%s%s)\n", device.ID, device.Name, kind, def)
		info += fmt.Sprintf("    Input channels: %d, Output channels: %d\n",
			device.MaxInputChannels, device.MaxOutputChannels)
		info += fmt.Sprintf("    Default sample rate: %.0f Hz\n", device.DefaultSampleRate)

		if i == m.selectedIndex {
			info = highlightStyle.Render(info)
		}
		sb.WriteString(info)
		sb.WriteString("\n")
	}
	return sb.String()
}

// RunDeviceList shows the device list full screen until the user quits.
func RunDeviceList(d audio.AudioDevices) error {
	m := NewDeviceListModel(d)
	m.standalone = true
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}
