// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/flashup/flashup/pkg/config"
	"github.com/flashup/flashup/pkg/device"
	"github.com/flashup/flashup/pkg/eventloop"
	"github.com/flashup/flashup/pkg/flashup"
	"github.com/flashup/flashup/pkg/history"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Open the interactive shell",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTUI(firmwarePath)
	},
}

func init() {
	rootCmd.AddCommand(tuiCmd)
}

// Log entry shown in the event pane
type tuiLogEntry struct {
	timestamp time.Time
	level     device.LogLevel
	message   string
}

type updateState struct {
	progress int
	status   string
}

// TUI model
type tuiModel struct {
	core *flashup.Core

	devices []flashup.DeviceInfo
	cursor  int

	fwMeta map[string]string
	fwSize int64

	updates map[string]updateState

	prog     progress.Model
	spin     spinner.Model
	scanning bool

	logs          []tuiLogEntry
	maxLogEntries int

	width    int
	height   int
	quitting bool
}

// Messages
type devicesMsg []flashup.DeviceInfo
type deviceListChangedMsg struct{}
type updateProgressMsg struct {
	deviceID string
	progress int
	status   string
}
type updateCompleteMsg struct {
	deviceID string
	success  bool
	message  string
}
type coreLogMsg struct {
	level   device.LogLevel
	message string
}

func newTuiModel(core *flashup.Core, fwMeta map[string]string, fwSize int64) tuiModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))

	return tuiModel{
		core:          core,
		fwMeta:        fwMeta,
		fwSize:        fwSize,
		updates:       map[string]updateState{},
		prog:          progress.New(progress.WithDefaultGradient()),
		spin:          sp,
		scanning:      true, // initial scan runs from Init

		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func (m tuiModel) Init() tea.Cmd {
	return tea.Batch(
		m.scanCmd(),
		m.spin.Tick,
		tea.EnterAltScreen,
	)
}

func (m tuiModel) scanCmd() tea.Cmd {
	return func() tea.Msg {
		return devicesMsg(m.core.DiscoverDevices())
	}
}

func (m tuiModel) refreshCmd() tea.Cmd {
	return func() tea.Msg {
		return devicesMsg(m.core.Devices())
	}
}

func (m tuiModel) flashCmd(deviceID string) tea.Cmd {
	return func() tea.Msg {
		if err := m.core.UpdateFirmware(deviceID, ""); err != nil {
			return coreLogMsg{device.LevelError, err.Error()}
		}
		return nil
	}
}

func (m tuiModel) cancelCmd(deviceID string) tea.Cmd {
	return func() tea.Msg {
		if err := m.core.CancelUpdate(deviceID); err != nil {
			return coreLogMsg{device.LevelWarning, err.Error()}
		}
		return nil
	}
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit

		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}

		case "down", "j":
			if m.cursor < len(m.devices)-1 {
				m.cursor++
			}

		case "r":
			if !m.scanning {
				m.scanning = true
				return m, m.scanCmd()
			}

		case "enter", "u":
			if dev, ok := m.selected(); ok {
				if m.fwMeta == nil {
					m.addLog(device.LevelWarning, "No firmware loaded (start with --firmware)")
					return m, nil
				}
				return m, m.flashCmd(dev.ID)
			}

		case "c":
			if dev, ok := m.selected(); ok {
				return m, m.cancelCmd(dev.ID)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.prog.Width = m.width - 20

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case devicesMsg:
		m.scanning = false
		m.devices = msg
		if m.cursor >= len(m.devices) {
			m.cursor = 0
		}

	case deviceListChangedMsg:
		return m, m.refreshCmd()

	case updateProgressMsg:
		m.updates[msg.deviceID] = updateState{progress: msg.progress, status: msg.status}

	case updateCompleteMsg:
		delete(m.updates, msg.deviceID)
		level := device.LevelInfo
		if !msg.success {
			level = device.LevelError
		}
		m.addLog(level, fmt.Sprintf("%s: %s", msg.deviceID, msg.message))
		return m, m.refreshCmd()

	case coreLogMsg:
		m.addLog(msg.level, msg.message)
	}

	return m, nil
}

func (m tuiModel) selected() (flashup.DeviceInfo, bool) {
	if m.cursor < 0 || m.cursor >= len(m.devices) {
		return flashup.DeviceInfo{}, false
	}
	return m.devices[m.cursor], true
}

func (m *tuiModel) addLog(level device.LogLevel, message string) {
	m.logs = append(m.logs, tuiLogEntry{timestamp: time.Now(), level: level, message: message})
	if len(m.logs) > m.maxLogEntries {
		m.logs = m.logs[len(m.logs)-m.maxLogEntries:]
	}
}

func (m tuiModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	selectedStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("15")).
		Background(lipgloss.Color("238")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("FLASHUP - FIRMWARE UPDATER"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render("r: rescan | enter: flash | c: cancel | q: quit"))
	s.WriteString("\n\n")

	// Firmware panel
	fw := strings.Builder{}
	if m.fwMeta == nil {
		fw.WriteString(headerStyle.Render("No firmware loaded"))
	} else {
		fw.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s   %s %d bytes",
			labelStyle.Render("Name:"), valueStyle.Render(m.fwMeta["name"]),
			labelStyle.Render("Version:"), valueStyle.Render(m.fwMeta["version"]),
			labelStyle.Render("Target:"), valueStyle.Render(m.fwMeta["target"]),
			labelStyle.Render("Size:"), m.fwSize,
		))
	}
	s.WriteString(boxStyle.Render(fw.String()))
	s.WriteString("\n\n")

	// Device list
	s.WriteString(labelStyle.Render("Devices"))
	if m.scanning {
		s.WriteString(" " + m.spin.View() + headerStyle.Render("scanning..."))
	}
	s.WriteString("\n")

	devs := strings.Builder{}
	if len(m.devices) == 0 {
		devs.WriteString(headerStyle.Render("  (none found; press 'r' to rescan)"))
	}
	for i, dev := range m.devices {
		line := fmt.Sprintf("%s  %s", dev.ID, dev.Info["type"])
		if dev.Connected {
			line += "  " + dev.State.String()
		}
		if up, busy := m.updates[dev.ID]; busy {
			line += fmt.Sprintf("  %s", up.status)
		}
		if i == m.cursor {
			devs.WriteString(selectedStyle.Render("> " + line))
		} else {
			devs.WriteString("  " + line)
		}
		devs.WriteString("\n")
	}
	s.WriteString(boxStyle.Width(m.width - 4).Render(strings.TrimRight(devs.String(), "\n")))
	s.WriteString("\n\n")

	// Progress bar for the selected device's update
	if dev, ok := m.selected(); ok {
		if up, busy := m.updates[dev.ID]; busy {
			s.WriteString(labelStyle.Render("Update  "))
			s.WriteString(m.prog.ViewAs(float64(up.progress) / 100.0))
			s.WriteString("\n\n")
		}
	}

	// Event log
	s.WriteString(labelStyle.Render("Events"))
	s.WriteString("\n")

	logHeight := m.height - 18
	if logHeight < 4 {
		logHeight = 4
	}
	startIdx := len(m.logs) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	logContent := strings.Builder{}
	if len(m.logs) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	}
	for i := startIdx; i < len(m.logs); i++ {
		entry := m.logs[i]
		timestamp := entry.timestamp.Format("15:04:05.000")
		var rendered string
		switch entry.level {
		case device.LevelError:
			rendered = errorStyle.Render("✗ " + entry.message)
		case device.LevelWarning:
			rendered = warningStyle.Render("! " + entry.message)
		default:
			rendered = entry.message
		}
		logContent.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), rendered))
	}
	s.WriteString(boxStyle.Width(m.width - 4).Render(strings.TrimRight(logContent.String(), "\n")))

	return s.String()
}

func runTUI(fwPath string) error {
	cfg := config.Load()
	loop := eventloop.New()
	defer loop.Close()

	opts := []flashup.Option{}
	if cfg.HistoryDBPath != "" {
		if store, err := history.Open(cfg.HistoryDBPath); err == nil {
			defer store.Close()
			opts = append(opts, flashup.WithHistory(store))
		}
	}

	core := flashup.New(loop, cfg, opts...)
	defer core.Close()

	var fwMeta map[string]string
	var fwSize int64
	if fwPath != "" {
		meta, err := core.LoadFirmware(fwPath)
		if err != nil {
			return err
		}
		fwMeta = meta
		_, fwSize = core.FirmwareInfo()
	}

	p := tea.NewProgram(newTuiModel(core, fwMeta, fwSize))

	// Bridge core events into the program. Sends run off-loop so a busy
	// UI can never stall event delivery.
	unsubscribe := core.Subscribe(flashup.Events{
		DeviceDiscovered: func(id string, info map[string]string) {
			go p.Send(deviceListChangedMsg{})
		},
		DeviceLost: func(id string) {
			go p.Send(deviceListChangedMsg{})
		},
		UpdateProgress: func(deviceID string, pct int, status string) {
			go p.Send(updateProgressMsg{deviceID, pct, status})
		},
		UpdateComplete: func(deviceID string, success bool, message string) {
			go p.Send(updateCompleteMsg{deviceID, success, message})
		},
		Log: func(level device.LogLevel, message string) {
			go p.Send(coreLogMsg{level, message})
		},
	})
	defer unsubscribe()

	_, err := p.Run()
	return err
}
